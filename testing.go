package goishmem

import (
	"fmt"
	"sync"

	"github.com/goishmem/goishmem/internal/accel"
	"github.com/goishmem/goishmem/internal/config"
	"github.com/goishmem/goishmem/internal/logging"
	"github.com/goishmem/goishmem/internal/transport/loopback"
)

// NewTestJob brings up n PEs in a single process, each backed by its own
// simulated accel.Device and a shared loopback transport, for exercising
// multi-PE scenarios (collectives, AMOs, signaling, teams) from one test
// binary — the same role loopback.Group plays for
// internal/transport/loopback's own tests, one level up.
//
// Every PE's Init runs concurrently, in its own goroutine, since
// InitThread performs a collective topology-discovery Fcollect that
// blocks until every PE has called it; initializing PEs one at a time
// would deadlock on the first one.
//
// GPU IPC is left disabled, so a PE reaches every other PE through the
// ring/proxy path or the transport, never the direct intra-node memory
// fast path; only operations a PE targets at its own rank take the fast
// path, through the self entry InitThread installs. Wiring up the IPC
// handle exchange the cross-PE fast path needs requires an out-of-band
// step real multi-process deployments perform outside InitThread, which
// doesn't fit an in-process test double.
func NewTestJob(n int, heapSize uintptr) ([]*PE, error) {
	if n <= 0 {
		return nil, fmt.Errorf("goishmem: NewTestJob requires n > 0")
	}

	group := loopback.NewGroup(n)
	reg := NewTeamRegistry()
	cfg := config.DefaultConfig()
	cfg.SymmetricSize = uint64(heapSize)
	cfg.EnableGPUIPC = false

	pes := make([]*PE, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			backend := loopback.NewBackend(group, rank)
			dev, err := accel.NewDevice(accel.Config{LinkQueueCount: 1, Logger: logging.Default()})
			if err != nil {
				errs[rank] = err
				return
			}
			pe, err := Init(Params{
				Transport:    backend,
				Runtime:      dev,
				Config:       cfg,
				Logger:       logging.Default(),
				LocalRank:    rank,
				LocalSize:    n,
				TeamRegistry: reg,
			})
			if err != nil {
				errs[rank] = err
				return
			}
			pes[rank] = pe
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return pes, nil
}

// FinalizeAll tears down every PE in a test job, attempting every
// Finalize even after one fails, and returning the first error seen.
func FinalizeAll(pes []*PE) error {
	var first error
	for _, pe := range pes {
		if err := pe.Finalize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
