package goishmem

import (
	"context"
	"fmt"
	"time"

	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// BarrierAll blocks every PE until all have called it, via the
// transport's Barrier. It is the collective every Malloc/Align/Free call
// uses to preserve the byte-identical-offset invariant across PEs.
func (p *PE) BarrierAll(ctx context.Context) error {
	start := time.Now()
	err := p.transport.Barrier(ctx)
	p.observer.RecordOp("BARRIER", time.Since(start).Nanoseconds(), err)
	return p.wrap("barrier_all", err)
}

// SyncAll is a lighter-weight collective than BarrierAll: it only
// guarantees that every PE has reached the call, not that every prior
// RMA/AMO issued by this PE has completed elsewhere (that is Quiet's
// job). Goishmem's transport backends don't distinguish the two today,
// so SyncAll is implemented the same way as BarrierAll; see DESIGN.md.
func (p *PE) SyncAll(ctx context.Context) error {
	return p.wrap("sync_all", p.transport.Barrier(ctx))
}

// Fence orders this PE's previously issued operations before any
// subsequent one. The proxy drains the ring strictly in claim order, so
// pushing a blocking QUIET marker and waiting for its completion
// guarantees every earlier ring submission has been serviced; fast-path
// stores are synchronous already.
func (p *PE) Fence(ctx context.Context) error {
	return p.wrap("fence", p.flushProxy())
}

// Quiet waits for completion of every outstanding non-blocking operation
// this PE has issued. PutNbi/GetNbi/PutSignalNbi return as soon as their
// request is published, without spinning on the completion slot, so this
// is where they are retired: a NOP-fence request flushes the proxy.
func (p *PE) Quiet(ctx context.Context) error {
	return p.wrap("quiet", p.flushProxy())
}

// flushProxy publishes a blocking QUIET request and spins until the proxy
// completes it. Because the single proxy goroutine consumes slots in
// ticket order, observing this request's completion implies every request
// this PE published before it has been dispatched and completed.
func (p *PE) flushProxy() error {
	slot, seq := p.r.Claim()
	req := p.r.Request(slot)
	*req = proto.Request{Op: proto.OpQuiet, Type: proto.TypeMem}
	p.r.Publish(req, 0, seq)
	ring.SpinWaitCompletion(p.r.Completion(slot), uint32(seq))
	return nil
}

// Cmp mirrors proto.Cmp at the typed generic API surface; WaitUntil and
// Test take this instead of proto.Cmp so callers never need to reach
// into the wire protocol package.
type Cmp int

const (
	CmpEQ Cmp = iota
	CmpNE
	CmpGT
	CmpGE
	CmpLT
	CmpLE
)

// TestResult is Test's three-valued outcome, mirroring the real API's
// int-returning test() rather than a plain bool: spec.md section 8's seed
// test 1 requires an unknown comparison constant to report -1, distinct
// from "compared false". A bool return could only ever encode the latter.
type TestResult int

const (
	TestNotSatisfied TestResult = 0
	TestSatisfied    TestResult = 1
	TestInvalid      TestResult = -1
)

// compareT evaluates cmp between cur and target using T's native
// comparison operators, so WaitUntil/Test are correct for negative
// integers and floats — unlike proto.Compare, which only ever compares
// raw uint64 bit patterns and would mishandle both. The second return
// reports whether cmp was a recognized comparator at all; callers must
// check it before trusting the first.
func compareT[T Scalar](cmp Cmp, cur, target T) (satisfied bool, valid bool) {
	switch cmp {
	case CmpEQ:
		return cur == target, true
	case CmpNE:
		return cur != target, true
	case CmpGT:
		return cur > target, true
	case CmpGE:
		return cur >= target, true
	case CmpLT:
		return cur < target, true
	case CmpLE:
		return cur <= target, true
	default:
		return false, false
	}
}

func invalidComparisonErr(p *PE, op string, cmp Cmp) error {
	return p.wrap(op, newPEError(op, p.id, CodeInvalidComparison, fmt.Sprintf("unknown comparison operator %d", cmp)))
}

func (p *PE) readLocal(addr uintptr, size uintptr) ([]byte, error) {
	return p.runtime.Bytes(addr, size)
}

// WaitUntil busy-waits on this PE's own local memory at addr until it
// satisfies cmp against target, then returns its value. An unrecognized
// cmp is a programmer error reported through the print-upcall diagnostic
// path (it can never become satisfied, so spinning on it would hang
// forever); the proxy is halted afterward.
func WaitUntil[T Scalar](ctx context.Context, p *PE, addr uintptr, cmp Cmp, target T) (T, error) {
	for {
		buf, err := p.readLocal(addr, sizeOf[T]())
		if err != nil {
			var zero T
			return zero, p.wrap("wait_until", err)
		}
		cur := loadElem[T](buf)
		satisfied, valid := compareT(cmp, cur, target)
		if !valid {
			return cur, p.diagnose(newPEError("wait_until", p.id, CodeInvalidComparison, fmt.Sprintf("unknown comparison operator %d", cmp)))
		}
		if satisfied {
			return cur, nil
		}
		select {
		case <-ctx.Done():
			return cur, p.wrap("wait_until", ctx.Err())
		default:
		}
	}
}

// Test is WaitUntil's non-blocking probe: it reports whether addr
// currently satisfies cmp against target without waiting. An
// unrecognized comparator yields TestInvalid (-1) and an error, but
// deliberately does NOT go through the fatal diagnostic path: a probe's
// documented contract is to report -1 for an unknown comparison, not to
// halt (unlike WaitUntil, where the unknown comparator would otherwise
// mean spinning forever).
func Test[T Scalar](p *PE, addr uintptr, cmp Cmp, target T) (TestResult, T, error) {
	buf, err := p.readLocal(addr, sizeOf[T]())
	if err != nil {
		var zero T
		return TestInvalid, zero, p.wrap("test", err)
	}
	cur := loadElem[T](buf)
	satisfied, valid := compareT(cmp, cur, target)
	if !valid {
		return TestInvalid, cur, invalidComparisonErr(p, "test", cmp)
	}
	if satisfied {
		return TestSatisfied, cur, nil
	}
	return TestNotSatisfied, cur, nil
}

// masked reports whether status marks addrs[i] as excluded from a vector
// wait/test call. status == nil means no mask: every index participates.
func masked(status []bool, i int) bool {
	return status != nil && status[i]
}

// WaitUntilAll blocks until every non-masked addrs[i] satisfies its
// paired cmp/target. status, when non-nil, marks per-index entries to
// skip entirely (status[i] == true excludes addrs[i] from the wait), the
// optional status-mask vector form spec.md section 6 requires; pass nil
// for the unmasked form.
func WaitUntilAll[T Scalar](ctx context.Context, p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) error {
	for i := range addrs {
		if masked(status, i) {
			continue
		}
		if _, err := WaitUntil(ctx, p, addrs[i], cmps[i], targets[i]); err != nil {
			return err
		}
	}
	return nil
}

// WaitUntilAny blocks until at least one non-masked addrs[i] satisfies
// its cmp/target, then returns i. status behaves as in WaitUntilAll.
func WaitUntilAny[T Scalar](ctx context.Context, p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) (int, error) {
	for {
		idxs, _, err := testSome(p, addrs, cmps, targets, status)
		if err != nil {
			return -1, err
		}
		if len(idxs) > 0 {
			return idxs[0], nil
		}
		select {
		case <-ctx.Done():
			return -1, p.wrap("wait_until_any", ctx.Err())
		default:
		}
	}
}

// WaitUntilSome blocks until at least one non-masked addrs[i] satisfies
// its cmp/target, then returns every satisfied index in ascending order.
// status behaves as in WaitUntilAll.
func WaitUntilSome[T Scalar](ctx context.Context, p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) ([]int, error) {
	for {
		idxs, _, err := testSome(p, addrs, cmps, targets, status)
		if err != nil {
			return nil, err
		}
		if len(idxs) > 0 {
			return idxs, nil
		}
		select {
		case <-ctx.Done():
			return nil, p.wrap("wait_until_some", ctx.Err())
		default:
		}
	}
}

// TestAll reports whether every non-masked addrs[i] currently satisfies
// its cmp/target. status behaves as in WaitUntilAll.
func TestAll[T Scalar](p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) (bool, error) {
	idxs, _, err := testSome(p, addrs, cmps, targets, status)
	if err != nil {
		return false, err
	}
	want := 0
	for i := range addrs {
		if !masked(status, i) {
			want++
		}
	}
	return len(idxs) == want, nil
}

// TestAny reports whether at least one non-masked addrs[i] currently
// satisfies its cmp/target, returning its index (-1 if none do). status
// behaves as in WaitUntilAll.
func TestAny[T Scalar](p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) (int, error) {
	idxs, _, err := testSome(p, addrs, cmps, targets, status)
	if err != nil {
		return -1, err
	}
	if len(idxs) == 0 {
		return -1, nil
	}
	return idxs[0], nil
}

// TestSome reports every index among the non-masked addrs currently
// satisfying its cmp/target, in ascending order. status behaves as in
// WaitUntilAll.
func TestSome[T Scalar](p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) ([]int, error) {
	idxs, _, err := testSome(p, addrs, cmps, targets, status)
	return idxs, err
}

func testSome[T Scalar](p *PE, addrs []uintptr, cmps []Cmp, targets []T, status []bool) ([]int, []T, error) {
	var idxs []int
	vals := make([]T, len(addrs))
	for i := range addrs {
		if masked(status, i) {
			continue
		}
		res, v, err := Test(p, addrs[i], cmps[i], targets[i])
		if err != nil {
			return nil, nil, err
		}
		vals[i] = v
		if res == TestSatisfied {
			idxs = append(idxs, i)
		}
	}
	return idxs, vals, nil
}
