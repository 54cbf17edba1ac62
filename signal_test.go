package goishmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goishmem/goishmem/internal/proto"
)

func TestPutSignalSelfTargetUpdatesDataThenSignal(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	// SignalWaitUntil only ever polls this PE's own local memory, so the
	// PutSignal side of this round trip must also target this PE's own
	// rank (the only target GPU-IPC-disabled Ptr resolves), which runs
	// the fast path and lands in the same local memory SignalWaitUntil
	// reads.
	pe := pes[0]
	dataAddr, err := pe.Malloc(8)
	require.NoError(t, err)
	sigAddr, err := pe.Malloc(8)
	require.NoError(t, err)

	require.NoError(t, P(pe, dataAddr, int64(99), pe.MyPE()))
	require.NoError(t, AtomicSet[uint64](pe, sigAddr, pe.MyPE(), 0))

	srcAddr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, srcAddr, int64(42), pe.MyPE()))

	require.NoError(t, PutSignal[int64](pe, dataAddr, srcAddr, 1, sigAddr, proto.SigSet, 1, pe.MyPE()))

	got, err := G[int64](pe, dataAddr, pe.MyPE())
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sig, err := SignalWaitUntil(ctx, pe, sigAddr, proto.CmpEQ, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sig)
}

func TestPutSignalAddAccumulates(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	dataAddr, err := pe.Malloc(8)
	require.NoError(t, err)
	sigAddr, err := pe.Malloc(8)
	require.NoError(t, err)
	srcAddr, err := pe.Malloc(8)
	require.NoError(t, err)

	require.NoError(t, AtomicSet[uint64](pe, sigAddr, pe.MyPE(), 5))
	require.NoError(t, P(pe, srcAddr, int64(7), pe.MyPE()))

	require.NoError(t, PutSignal[int64](pe, dataAddr, srcAddr, 1, sigAddr, proto.SigAdd, 3, pe.MyPE()))

	v, err := SignalFetch(pe, sigAddr, pe.MyPE())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), v)
}

func TestSignalSetAndFetchAcrossRemotePE(t *testing.T) {
	pes, err := NewTestJob(2, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	owner, other := pes[0], pes[1]
	bufs := mallocAll(t, pes, 8)
	addr := bufs[1]

	require.NoError(t, SignalSet(other, addr, owner.MyPE(), 10))
	v, err := SignalFetch(other, addr, owner.MyPE())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	require.NoError(t, SignalAdd(other, addr, owner.MyPE(), 4))
	v, err = SignalFetch(other, addr, owner.MyPE())
	require.NoError(t, err)
	assert.Equal(t, uint64(14), v)

	// The signal word lives in owner's real symmetric memory, so owner
	// reads the same value through its self fast path.
	v, err = SignalFetch(owner, bufs[0], owner.MyPE())
	require.NoError(t, err)
	assert.Equal(t, uint64(14), v)
}

// TestPutSignalThenSignalWaitUntilAcrossPEs is the classic producer/
// consumer handshake: PE 0 puts a data buffer into PE 1's heap and sets
// PE 1's signal word; PE 1 waits on its own local signal word and then
// reads the delivered data out of its own memory.
func TestPutSignalThenSignalWaitUntilAcrossPEs(t *testing.T) {
	pes, err := NewTestJob(2, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	producer, consumer := pes[0], pes[1]
	dataBufs := mallocAll(t, pes, 8*4)
	sigBufs := mallocAll(t, pes, 8)
	srcBufs := mallocAll(t, pes, 8*4)

	want := []int64{11, 22, 33, 44}
	for i, v := range want {
		require.NoError(t, P(producer, srcBufs[0]+uintptr(i)*8, v, producer.MyPE()))
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, werr := SignalWaitUntil(ctx, consumer, sigBufs[1], proto.CmpEQ, 1)
		done <- werr
	}()

	require.NoError(t, PutSignal[int64](producer, dataBufs[0], srcBufs[0], len(want), sigBufs[0], proto.SigSet, 1, consumer.MyPE()))
	require.NoError(t, <-done)

	for i, v := range want {
		got, gerr := G[int64](consumer, dataBufs[1]+uintptr(i)*8, consumer.MyPE())
		require.NoError(t, gerr)
		assert.Equal(t, v, got)
	}
}

func TestSignalWaitUntilComparators(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, AtomicSet[uint64](pe, addr, pe.MyPE(), 7))

	cases := []struct {
		name   string
		cmp    proto.Cmp
		target uint64
	}{
		{"eq", proto.CmpEQ, 7},
		{"ne", proto.CmpNE, 6},
		{"gt", proto.CmpGT, 6},
		{"ge", proto.CmpGE, 7},
		{"lt", proto.CmpLT, 8},
		{"le", proto.CmpLE, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			v, err := SignalWaitUntil(ctx, pe, addr, tc.cmp, tc.target)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), v)
		})
	}
}

func TestSignalWaitUntilRespectsContextCancellation(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, AtomicSet[uint64](pe, addr, pe.MyPE(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = SignalWaitUntil(ctx, pe, addr, proto.CmpEQ, 1)
	assert.Error(t, err)
}
