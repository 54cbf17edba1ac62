package goishmem

import (
	"context"
	"time"

	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// PutSignal writes nelems elements of T from src to pe's dst and then,
// once the data is visible, atomically applies sigOp (SigSet or SigAdd)
// with sigVal to the uint64 signal variable at pe's sigAddr — the
// combined "data then signal" primitive a receiver's SignalWaitUntil
// polls for (spec.md's signaling group). The signal update only happens
// after the data copy completes, matching OpenSHMEM's ordering guarantee
// for this call.
func PutSignal[T Scalar](p *PE, dst, src uintptr, nelems int, sigAddr uintptr, sigOp proto.SigOp, sigVal uint64, pe int) error {
	return p.putSignal(dst, src, uintptr(nelems)*sizeOf[T](), sigAddr, sigOp, sigVal, pe, true)
}

// PutSignalNbi is PutSignal's non-blocking form.
func PutSignalNbi[T Scalar](p *PE, dst, src uintptr, nelems int, sigAddr uintptr, sigOp proto.SigOp, sigVal uint64, pe int) error {
	return p.putSignal(dst, src, uintptr(nelems)*sizeOf[T](), sigAddr, sigOp, sigVal, pe, false)
}

func (p *PE) putSignal(dst, src uintptr, nbytes uintptr, sigAddr uintptr, sigOp proto.SigOp, sigVal uint64, pe int, blocking bool) error {
	start := time.Now()
	if err := p.checkPE("put_signal", pe); err != nil {
		return err
	}
	if err := p.checkSymmetric("put_signal", dst); err != nil {
		return err
	}
	if err := p.checkSymmetric("put_signal", sigAddr); err != nil {
		return err
	}
	var err error
	if remote, ok := p.Ptr(dst, pe); ok {
		srcBuf, berr := p.runtime.Bytes(src, nbytes)
		if berr != nil {
			return p.wrap("put_signal", berr)
		}
		dstBuf, berr := p.runtime.Bytes(remote, nbytes)
		if berr != nil {
			return p.wrap("put_signal", berr)
		}
		copy(dstBuf, srcBuf)

		sigRemote, _ := p.Ptr(sigAddr, pe)
		rop := interfaces.AtomicSet
		if sigOp == proto.SigAdd {
			rop = interfaces.AtomicAdd
		}
		_, err = p.localAtomicOp(sigRemote, rop, sigVal, 8)
		p.observer.IncCounter("fast_path_hit", 1)
	} else {
		op := proto.OpPutSignal
		if !blocking {
			op = proto.OpPutSignalNbi
		}
		err = p.submitPutSignal(op, dst, src, nbytes, sigAddr, sigOp, sigVal, pe, blocking)
	}
	p.observer.RecordOp("PUT_SIGNAL", time.Since(start).Nanoseconds(), err)
	return p.wrap("put_signal", err)
}

func (p *PE) submitPutSignal(op proto.Op, dst, src uintptr, nbytes uintptr, sigAddr uintptr, sigOp proto.SigOp, sigVal uint64, pe int, blocking bool) error {
	slot, seq := p.r.Claim()
	req := p.r.Request(slot)
	*req = proto.Request{
		DestPE: int32(pe),
		Src:    uint64(src),
		Dst:    uint64(dst),
		Nelems: uint64(nbytes),
		Aux1:   uint64(sigAddr),
		Aux2:   uint64(sigOp),
		Aux3:   sigVal,
		Op:     op,
		Type:   proto.TypeUint8,
	}
	p.r.Publish(req, 0, seq)
	p.observer.IncCounter("proxy_dispatch", 1)
	if !blocking {
		return nil
	}
	ring.SpinWaitCompletion(p.r.Completion(slot), uint32(seq))
	return nil
}

// SignalFetch reads the uint64 signal variable at pe's addr without
// modifying it. The signal ops share amoOp's fast-path/proxy-path split
// but carry their own wire tags, so a trace or the proxy can tell a
// signal update apart from a plain AMO on the same word.
func SignalFetch(p *PE, addr uintptr, pe int) (uint64, error) {
	v, err := p.amoOp(proto.OpSignalFetch, interfaces.AtomicFetch, addr, pe, 0, proto.TypeUint64, 8)
	if err != nil {
		return 0, p.wrap("signal_fetch", err)
	}
	return v, nil
}

// SignalAdd adds value to the uint64 signal variable at pe's addr.
func SignalAdd(p *PE, addr uintptr, pe int, value uint64) error {
	_, err := p.amoOp(proto.OpSignalAdd, interfaces.AtomicAdd, addr, pe, value, proto.TypeUint64, 8)
	return p.wrap("signal_add", err)
}

// SignalSet stores value into the uint64 signal variable at pe's addr.
func SignalSet(p *PE, addr uintptr, pe int, value uint64) error {
	_, err := p.amoOp(proto.OpSignalSet, interfaces.AtomicSet, addr, pe, value, proto.TypeUint64, 8)
	return p.wrap("signal_set", err)
}

// SignalWaitUntil busy-waits on this PE's own local signal variable at
// addr until it satisfies cmp against target, then returns its value.
// Unlike the AMO family, the signal variable SignalWaitUntil polls is
// always local: it's the receiving side of a PutSignal from some other
// PE, not addressed by (pe, offset).
func SignalWaitUntil(ctx context.Context, p *PE, addr uintptr, cmp proto.Cmp, target uint64) (uint64, error) {
	for {
		buf, err := p.runtime.Bytes(addr, 8)
		if err != nil {
			return 0, p.wrap("signal_wait_until", err)
		}
		cur := loadElem[uint64](buf)
		if compareU64(cmp, cur, target) {
			return cur, nil
		}
		select {
		case <-ctx.Done():
			return cur, p.wrap("signal_wait_until", ctx.Err())
		default:
		}
	}
}

func compareU64(cmp proto.Cmp, cur, target uint64) bool {
	switch cmp {
	case proto.CmpEQ:
		return cur == target
	case proto.CmpNE:
		return cur != target
	case proto.CmpGT:
		return cur > target
	case proto.CmpGE:
		return cur >= target
	case proto.CmpLT:
		return cur < target
	case proto.CmpLE:
		return cur <= target
	default:
		return false
	}
}
