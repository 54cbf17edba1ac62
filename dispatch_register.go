package goishmem

import (
	"context"

	"github.com/goishmem/goishmem/internal/dispatch"
	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/proto"
)

// registerBackend installs every proxy-path handler this PE's dispatch
// table needs. Put/Get carry raw byte payloads and always register at
// TypeUint8 regardless of the caller's scalar type (spec.md's worked
// example shows a PUT request for an arbitrary T always carrying
// type=UINT8 with nelems as a byte count); AMO and signal cells register
// under every scalar type tag, and the handler derives the atomic operand
// width from the tag.
func (p *PE) registerBackend() {
	t := p.dispatchTable

	t.Register(proto.OpPut, proto.TypeUint8, p.proxyPut)
	t.Register(proto.OpPutNbi, proto.TypeUint8, p.proxyPut)
	t.Register(proto.OpGet, proto.TypeUint8, p.proxyGet)
	t.Register(proto.OpGetNbi, proto.TypeUint8, p.proxyGet)
	t.Register(proto.OpPutSignal, proto.TypeUint8, p.proxyPutSignal)
	t.Register(proto.OpPutSignalNbi, proto.TypeUint8, p.proxyPutSignal)

	amoOps := []proto.Op{
		proto.OpAtomicFetch, proto.OpAtomicFetchNbi,
		proto.OpAtomicSet, proto.OpAtomicSwap, proto.OpAtomicSwapNbi,
		proto.OpAtomicCompareSwap, proto.OpAtomicCompareSwapNbi,
		proto.OpAtomicInc, proto.OpAtomicAdd,
		proto.OpAtomicFetchInc, proto.OpAtomicFetchIncNbi,
		proto.OpAtomicFetchAdd, proto.OpAtomicFetchAddNbi,
		proto.OpAtomicAnd, proto.OpAtomicOr, proto.OpAtomicXor,
		proto.OpAtomicFetchAnd, proto.OpAtomicFetchAndNbi,
		proto.OpAtomicFetchOr, proto.OpAtomicFetchOrNbi,
		proto.OpAtomicFetchXor, proto.OpAtomicFetchXorNbi,
		proto.OpSignalFetch, proto.OpSignalAdd, proto.OpSignalSet,
	}
	// Every wire type typeOf can tag an AMO request with gets a cell:
	// the proxy handler only needs the operand width, but an int64 or
	// float64 request must not land on the unsupported-op default just
	// because its tag isn't an unsigned one.
	amoTypes := []proto.Type{
		proto.TypeUint8, proto.TypeUint16, proto.TypeUint32, proto.TypeUint64,
		proto.TypeInt8, proto.TypeInt16, proto.TypeInt32, proto.TypeInt64,
		proto.TypeFloat, proto.TypeDouble,
	}
	for _, op := range amoOps {
		for _, typ := range amoTypes {
			t.Register(op, typ, p.proxyAMO)
		}
	}

	t.Register(proto.OpBarrier, proto.TypeMem, p.proxyBarrier)
	t.Register(proto.OpSync, proto.TypeMem, p.proxyBarrier)
	t.Register(proto.OpFence, proto.TypeMem, p.proxyNop)
	t.Register(proto.OpQuiet, proto.TypeMem, p.proxyNop)
	t.Register(proto.OpNop, proto.TypeMem, p.proxyNop)
	t.Register(proto.OpPrint, proto.TypeMem, p.proxyPrint)
}

func (p *PE) proxyNop(req *proto.Request, comp *proto.Completion) error {
	comp.StoreRet(0)
	return nil
}

func (p *PE) proxyBarrier(req *proto.Request, comp *proto.Completion) error {
	if err := p.transport.Barrier(context.Background()); err != nil {
		return err
	}
	comp.StoreRet(0)
	return nil
}

func (p *PE) proxyPut(req *proto.Request, comp *proto.Completion) error {
	src, err := p.runtime.Bytes(uintptr(req.Src), uintptr(req.Nelems))
	if err != nil {
		return err
	}
	offset := uintptr(req.Dst) - p.heap.Base
	if err := p.transport.Put(context.Background(), int(req.DestPE), offset, src); err != nil {
		return err
	}
	comp.StoreRet(0)
	return nil
}

func (p *PE) proxyGet(req *proto.Request, comp *proto.Completion) error {
	dst, err := p.runtime.Bytes(uintptr(req.Dst), uintptr(req.Nelems))
	if err != nil {
		return err
	}
	offset := uintptr(req.Src) - p.heap.Base
	if err := p.transport.Get(context.Background(), int(req.DestPE), offset, dst); err != nil {
		return err
	}
	comp.StoreRet(0)
	return nil
}

func (p *PE) proxyPutSignal(req *proto.Request, comp *proto.Completion) error {
	ctx := context.Background()
	src, err := p.runtime.Bytes(uintptr(req.Src), uintptr(req.Nelems))
	if err != nil {
		return err
	}
	dstOffset := uintptr(req.Dst) - p.heap.Base
	if err := p.transport.Put(ctx, int(req.DestPE), dstOffset, src); err != nil {
		return err
	}

	sigOffset := uintptr(req.Aux1) - p.heap.Base
	sigOp := proto.SigOp(req.Aux2)
	rop := interfaces.AtomicSet
	if sigOp == proto.SigAdd {
		rop = interfaces.AtomicAdd
	}
	if _, err := p.transport.AtomicFetchOp(ctx, int(req.DestPE), sigOffset, rop, req.Aux3, 8); err != nil {
		return err
	}
	comp.StoreRet(0)
	return nil
}

func (p *PE) proxyAMO(req *proto.Request, comp *proto.Completion) error {
	ctx := context.Background()
	width := byteWidth(req.Type)
	offset := uintptr(req.Dst) - p.heap.Base

	if req.Op == proto.OpAtomicCompareSwap || req.Op == proto.OpAtomicCompareSwapNbi {
		prior, err := p.transport.AtomicCompareAndSwap(ctx, int(req.DestPE), offset, req.Aux2, req.Aux3, width)
		if err != nil {
			return err
		}
		comp.StoreRet(prior)
		return nil
	}

	rop, ok := opToReduceOp(req.Op)
	if !ok {
		return dispatch.ErrUnsupportedOp
	}
	prior, err := p.transport.AtomicFetchOp(ctx, int(req.DestPE), offset, rop, req.Aux3, width)
	if err != nil {
		return err
	}
	comp.StoreRet(prior)
	return nil
}

// byteWidth maps a ring Type to its element width in bytes: 1, 2 or 4 for
// the narrower integer tags and TypeFloat, 8 for every other tag
// (including TypeDouble).
func byteWidth(t proto.Type) int {
	switch t {
	case proto.TypeUint8, proto.TypeInt8:
		return 1
	case proto.TypeUint16, proto.TypeInt16:
		return 2
	case proto.TypeUint32, proto.TypeInt32, proto.TypeFloat:
		return 4
	default:
		return 8
	}
}

func opToReduceOp(op proto.Op) (interfaces.ReduceOp, bool) {
	switch op {
	case proto.OpAtomicFetch, proto.OpAtomicFetchNbi, proto.OpSignalFetch:
		return interfaces.AtomicFetch, true
	case proto.OpAtomicSet:
		return interfaces.AtomicSet, true
	case proto.OpAtomicSwap, proto.OpAtomicSwapNbi:
		return interfaces.AtomicSwap, true
	case proto.OpAtomicInc, proto.OpAtomicFetchInc, proto.OpAtomicFetchIncNbi:
		return interfaces.AtomicInc, true
	case proto.OpAtomicAdd, proto.OpAtomicFetchAdd, proto.OpAtomicFetchAddNbi, proto.OpSignalAdd:
		return interfaces.AtomicAdd, true
	case proto.OpAtomicAnd, proto.OpAtomicFetchAnd, proto.OpAtomicFetchAndNbi:
		return interfaces.ReduceAnd, true
	case proto.OpAtomicOr, proto.OpAtomicFetchOr, proto.OpAtomicFetchOrNbi:
		return interfaces.ReduceOr, true
	case proto.OpAtomicXor, proto.OpAtomicFetchXor, proto.OpAtomicFetchXorNbi:
		return interfaces.ReduceXor, true
	case proto.OpSignalSet:
		return interfaces.AtomicSet, true
	default:
		return 0, false
	}
}
