package goishmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mallocAll has every PE in pes allocate size bytes, as one collective
// call, and returns each PE's own local address for the resulting region.
// Malloc barriers across the whole job (BarrierAll), so the calls must run
// concurrently, one goroutine per PE, or the first PE's barrier would
// wait forever for participants that never get to run.
//
// Every RMA/AMO address argument is resolved relative to the issuing
// PE's own heap.Base, never the target's, so cross-PE tests must use
// the issuing PE's own entry from the returned slice (not the target
// PE's) even when addressing the target's memory.
func mallocAll(t *testing.T, pes []*PE, size uintptr) []uintptr {
	t.Helper()
	addrs := make([]uintptr, len(pes))
	errs := make([]error, len(pes))
	var wg sync.WaitGroup
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *PE) {
			defer wg.Done()
			addrs[i], errs[i] = pe.Malloc(size)
		}(i, pe)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return addrs
}

// runAll runs fn once per PE, concurrently, and fails the test on the
// first error. Collective calls (barriers, collectives, team sync) must
// be issued this way for the same reason mallocAll runs concurrently.
func runAll(t *testing.T, pes []*PE, fn func(rank int, pe *PE) error) {
	t.Helper()
	errs := make([]error, len(pes))
	var wg sync.WaitGroup
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *PE) {
			defer wg.Done()
			errs[i] = fn(i, pe)
		}(i, pe)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "pe %d", i)
	}
}
