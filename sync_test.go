package goishmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntilReturnsOnceConditionHolds(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(5), pe.MyPE()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v, err := WaitUntil[int64](ctx, pe, addr, CmpGE, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestWaitUntilTimesOutWhenConditionNeverHolds(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(0), pe.MyPE()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = WaitUntil[int64](ctx, pe, addr, CmpEQ, 1)
	assert.Error(t, err)
}

func TestWaitUntilRejectsUnknownComparator(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(1), pe.MyPE()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = WaitUntil[int64](ctx, pe, addr, Cmp(99), 1)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidComparison))
}

// TestSingletonComparisonMatrix is spec.md section 8's concrete seed test
// 1 (ishmem_int_test): source memory holds 1, and every comparator is
// checked against the documented result, including the invalid-constant
// case that must report -1 rather than silently comparing false.
func TestSingletonComparisonMatrix(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(1), pe.MyPE()))

	cases := []struct {
		name string
		cmp  Cmp
		val  int64
		want TestResult
	}{
		{"EQ 1", CmpEQ, 1, TestSatisfied},
		{"EQ 0", CmpEQ, 0, TestNotSatisfied},
		{"NE 0", CmpNE, 0, TestSatisfied},
		{"GT 0", CmpGT, 0, TestSatisfied},
		{"GE 1", CmpGE, 1, TestSatisfied},
		{"LT 2", CmpLT, 2, TestSatisfied},
		{"LE 1", CmpLE, 1, TestSatisfied},
		{"invalid comparator", Cmp(99), 1, TestInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, v, err := Test[int64](pe, addr, tc.cmp, tc.val)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, int64(1), v)
			if tc.want == TestInvalid {
				require.Error(t, err)
				assert.True(t, IsCode(err, CodeInvalidComparison))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWaitUntilAllRequiresEveryAddress(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addrs := make([]uintptr, 3)
	for i := range addrs {
		addr, err := pe.Malloc(8)
		require.NoError(t, err)
		require.NoError(t, P(pe, addr, int64(i), pe.MyPE()))
		addrs[i] = addr
	}

	cmps := []Cmp{CmpEQ, CmpEQ, CmpEQ}
	targets := []int64{0, 1, 2}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, WaitUntilAll(ctx, pe, addrs, cmps, targets, nil))

	ok, err := TestAll(pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitUntilAnyAndSomeReturnSatisfiedIndices(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addrs := make([]uintptr, 3)
	for i := range addrs {
		addr, err := pe.Malloc(8)
		require.NoError(t, err)
		addrs[i] = addr
	}
	require.NoError(t, P(pe, addrs[0], int64(0), pe.MyPE()))
	require.NoError(t, P(pe, addrs[1], int64(9), pe.MyPE()))
	require.NoError(t, P(pe, addrs[2], int64(9), pe.MyPE()))

	cmps := []Cmp{CmpEQ, CmpEQ, CmpEQ}
	targets := []int64{9, 9, 9}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	idx, err := WaitUntilAny(ctx, pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, idx)

	idxs, err := WaitUntilSome(ctx, pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, idxs)

	ok, err := TestAll(pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	any, err := TestAny(pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, any)

	some, err := TestSome(pe, addrs, cmps, targets, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, some)
}

// TestWaitUntilSomeStatusMask is spec.md section 8's concrete seed test 2
// (wait_until_some with 5-element ivars initialized to 1): each case sets
// up the documented trigger values and, where noted, a status mask, and
// checks the documented return count and indices.
func TestWaitUntilSomeStatusMask(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)
	pe := pes[0]

	newIvars := func(vals [5]int64) []uintptr {
		addrs := make([]uintptr, 5)
		for i, v := range vals {
			addr, err := pe.Malloc(8)
			require.NoError(t, err)
			require.NoError(t, P(pe, addr, v, pe.MyPE()))
			addrs[i] = addr
		}
		return addrs
	}
	uniform := func(c Cmp) []Cmp { return []Cmp{c, c, c, c, c} }
	uniformTarget := func(v int64) []int64 { return []int64{v, v, v, v, v} }

	t.Run("CMP_EQ 0 triggers only index 0", func(t *testing.T) {
		addrs := newIvars([5]int64{0, 1, 1, 1, 1})
		idxs, err := TestSome(pe, addrs, uniform(CmpEQ), uniformTarget(0), nil)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, idxs)
	})

	t.Run("CMP_NE 1 triggers only index 4", func(t *testing.T) {
		addrs := newIvars([5]int64{1, 1, 1, 1, 0})
		idxs, err := TestSome(pe, addrs, uniform(CmpNE), uniformTarget(1), nil)
		require.NoError(t, err)
		assert.Equal(t, []int{4}, idxs)
	})

	t.Run("CMP_GT 2 triggers indices 1..4 with value 3", func(t *testing.T) {
		addrs := newIvars([5]int64{1, 3, 3, 3, 3})
		idxs, err := TestSome(pe, addrs, uniform(CmpGT), uniformTarget(2), nil)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4}, idxs)
	})

	t.Run("CMP_LT 1 triggers even indices with value 0", func(t *testing.T) {
		addrs := newIvars([5]int64{0, 1, 0, 1, 0})
		idxs, err := TestSome(pe, addrs, uniform(CmpLT), uniformTarget(1), nil)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2, 4}, idxs)
	})

	t.Run("CMP_EQ 5 under a mask skipping indices 0 and 1", func(t *testing.T) {
		addrs := newIvars([5]int64{5, 5, 5, 5, 5})
		status := []bool{true, true, false, false, false}
		idxs, err := TestSome(pe, addrs, uniform(CmpEQ), uniformTarget(5), status)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 4}, idxs)
	})
}

func TestBarrierAllReleasesEveryParticipant(t *testing.T) {
	pes, err := NewTestJob(3, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	var wg sync.WaitGroup
	errs := make([]error, len(pes))
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *PE) {
			defer wg.Done()
			errs[i] = pe.BarrierAll(context.Background())
		}(i, pe)
	}
	wg.Wait()

	for _, e := range errs {
		assert.NoError(t, e)
	}
}

func TestSyncAllReleasesEveryParticipant(t *testing.T) {
	pes, err := NewTestJob(2, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	var wg sync.WaitGroup
	errs := make([]error, len(pes))
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *PE) {
			defer wg.Done()
			errs[i] = pe.SyncAll(context.Background())
		}(i, pe)
	}
	wg.Wait()

	for _, e := range errs {
		assert.NoError(t, e)
	}
}

func TestQuietRetiresNonBlockingPut(t *testing.T) {
	pes, err := NewTestJob(2, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	src, dst := pes[0], pes[1]
	bufs := mallocAll(t, pes, 8)

	require.NoError(t, P(src, bufs[0], int64(77), src.MyPE()))
	require.NoError(t, PutNbi[int64](src, bufs[0], bufs[0], 1, dst.MyPE()))
	require.NoError(t, src.Quiet(context.Background()))

	// After Quiet the put is guaranteed delivered into dst's memory.
	got, err := G[int64](dst, bufs[1], dst.MyPE())
	require.NoError(t, err)
	assert.Equal(t, int64(77), got)
}

func TestFenceFlushesTheProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	assert.NoError(t, pe.Fence(context.Background()))
	assert.NoError(t, pe.Quiet(context.Background()))
}
