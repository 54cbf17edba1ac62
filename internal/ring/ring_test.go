package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goishmem/goishmem/internal/proto"
)

func TestClaimAssignsDistinctTickets(t *testing.T) {
	r := New()
	seen := make(map[uint16]bool)
	for i := 0; i < 16; i++ {
		_, seq := r.Claim()
		assert.False(t, seen[seq], "sequence %d claimed twice", seq)
		seen[seq] = true
	}
}

func TestPublishThenPollObservesRequest(t *testing.T) {
	r := New()
	slot, seq := r.Claim()
	req := r.Request(slot)
	req.Op = proto.OpPut
	req.Type = proto.TypeUint8
	req.DestPE = 3

	_, _, ok := r.Poll()
	assert.False(t, ok, "poll must not see an unpublished request")

	r.Publish(req, 0, seq)

	gotSlot, gotReq, ok := r.Poll()
	assert.True(t, ok)
	assert.Equal(t, slot, gotSlot)
	assert.Equal(t, proto.OpPut, gotReq.Op)
	assert.Equal(t, int32(3), gotReq.DestPE)
}

func TestZeroValueSlotIsNeverMistakenForPublished(t *testing.T) {
	r := New()
	_, _, ok := r.Poll()
	assert.False(t, ok)
}

func TestConcurrentProducersClaimUniqueSlotsInOneLap(t *testing.T) {
	r := New()
	const n = 100
	var wg sync.WaitGroup
	slots := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, _ := r.Claim()
			slots[i] = slot
		}(i)
	}
	wg.Wait()

	seen := make(map[int]int)
	for _, s := range slots {
		seen[s]++
	}
	for slot, count := range seen {
		assert.Equal(t, 1, count, "slot %d claimed %d times", slot, count)
	}
}

func TestCompletionSequenceGatesReturnValue(t *testing.T) {
	var c proto.Completion
	c.StoreRet(42)
	c.StoreSequence(7)

	assert.Equal(t, uint32(7), c.LoadSequence())
	assert.Equal(t, uint64(42), c.LoadRet())
}
