// Package proxy implements the host-side proxy loop that drains the
// request ring, dispatches each request through the backend function
// table, and publishes completions. It is the host tier's one
// long-running goroutine per process, mirroring the single dedicated I/O
// thread a real device-proxy implementation would run.
package proxy

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/dispatch"
	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// State is the process-wide proxy state.
type State int32

const (
	StateRunning State = iota
	StateExit
)

// Proxy drains a ring, dispatches requests via a Table, and publishes
// completions. It transitions to StateExit on OpKill, on an unsupported
// dispatch cell, or on a fatal backend error, and never leaves that state.
type Proxy struct {
	r        *ring.Ring
	table    *dispatch.Table
	log      interfaces.Logger
	observer interfaces.Observer
	state    atomic.Int32

	stopped chan struct{}

	// cpu, when >= 0, pins Run's goroutine to that OS thread/CPU.
	cpu int
}

// New constructs a Proxy bound to r and table. observer may be nil.
func New(r *ring.Ring, table *dispatch.Table, log interfaces.Logger, observer interfaces.Observer) *Proxy {
	return &Proxy{
		r:        r,
		table:    table,
		log:      log,
		observer: observer,
		stopped:  make(chan struct{}),
		cpu:      -1,
	}
}

// SetCPUAffinity pins future Run calls to cpu. Call before Run starts;
// changing it while Run is already running has no effect until the next
// Run.
func (p *Proxy) SetCPUAffinity(cpu int) {
	p.cpu = cpu
}

// State returns the current proxy state.
func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Run drains the ring until ctx is canceled or the proxy transitions to
// StateExit. It is meant to be run on its own goroutine; callers observe
// completion via the Stopped channel.
func (p *Proxy) Run(ctx context.Context) {
	defer close(p.stopped)

	// Pin to an OS thread so a CPU affinity setting actually sticks to
	// this goroutine instead of migrating with the Go scheduler.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(p.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			if p.log != nil {
				p.log.Error("proxy: failed to set CPU affinity", "cpu", p.cpu, "err", err)
			}
			// Not fatal: the proxy still functions, just without pinning.
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		slot, req, ok := p.r.Poll()
		if !ok {
			time.Sleep(constants.RingPollBackoff)
			continue
		}

		p.handle(slot, req)

		if p.State() == StateExit {
			return
		}
	}
}

// Stopped is closed once Run returns.
func (p *Proxy) Stopped() <-chan struct{} {
	return p.stopped
}

func (p *Proxy) handle(slot int, req *proto.Request) {
	start := time.Now()

	if req.Op == proto.OpKill {
		p.exit()
		return
	}

	comp := p.completionSlot(slot, req)
	handler := p.table.Lookup(req.Op, req.Type)
	err := handler(req, comp)

	if err != nil {
		if p.log != nil {
			p.log.Error("proxy request failed", "op", req.Op, "type", req.Type, "err", err)
		}
		// Every backend error is fatal: the data path either succeeds or
		// aborts, there is no transient retry here.
		p.exit()
	}

	if p.observer != nil {
		p.observer.RecordOp(req.Op.String(), time.Since(start).Nanoseconds(), err)
	}

	p.publishCompletion(req, comp)
}

func (p *Proxy) completionSlot(slot int, req *proto.Request) *proto.Completion {
	idx := slot
	if req.Completion != 0 {
		idx = int(req.Completion) % constants.RingSize
	}
	return p.r.Completion(idx)
}

func (p *Proxy) publishCompletion(req *proto.Request, comp *proto.Completion) {
	comp.StoreSequence(uint32(req.LoadSequence()))
}

func (p *Proxy) exit() {
	p.state.Store(int32(StateExit))
}
