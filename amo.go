package goishmem

import (
	"sync"
	"time"

	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// amoMu serializes every intra-node AMO fast-path update. Go's sync/atomic
// has no 8- or 16-bit atomic primitives, and the AMO family must cover all
// four integer widths uniformly, so the fast path takes a single global
// lock rather than mixing native atomics for the wide types with a lock
// for the narrow ones; see DESIGN.md.
var amoMu sync.Mutex

// uint64FromT reinterprets v's raw bytes as a zero-extended uint64,
// preserving the exact bit pattern (including a float's IEEE-754
// encoding) the way the wire protocol and every TransportBackend AMO
// method represent an operand, rather than performing a numeric
// conversion.
func uint64FromT[T Scalar](v T) uint64 {
	var buf [8]byte
	storeElem(buf[:], v)
	return loadElem[uint64](buf[:])
}

// tFromUint64 is uint64FromT's inverse.
func tFromUint64[T Scalar](v uint64) T {
	var buf [8]byte
	storeElem(buf[:], v)
	return loadElem[T](buf[:])
}

func decodeLE(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return v
}

func encodeLE(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}

// applyAtomicLocal mirrors the width-generic bit-pattern arithmetic every
// TransportBackend.AtomicFetchOp performs, so the intra-node fast path and
// the proxy-dispatched remote path agree on every op's result bit for
// bit. Two's-complement addition is bit-identical whether the operand is
// signed or unsigned, so this stays correct for AtomicAdd/AtomicInc on
// signed integer types without any sign-aware branching.
func applyAtomicLocal(op interfaces.ReduceOp, prior, operand uint64) uint64 {
	switch op {
	case interfaces.AtomicAdd, interfaces.AtomicInc:
		return prior + operand
	case interfaces.AtomicSet, interfaces.AtomicSwap:
		return operand
	case interfaces.AtomicFetch:
		return prior
	case interfaces.ReduceAnd:
		return prior & operand
	case interfaces.ReduceOr:
		return prior | operand
	case interfaces.ReduceXor:
		return prior ^ operand
	default:
		return operand
	}
}

func (p *PE) localAtomicOp(addr uintptr, op interfaces.ReduceOp, operand uint64, width uintptr) (uint64, error) {
	amoMu.Lock()
	defer amoMu.Unlock()
	buf, err := p.runtime.Bytes(addr, width)
	if err != nil {
		return 0, err
	}
	prior := decodeLE(buf)
	encodeLE(buf, applyAtomicLocal(op, prior, operand))
	return prior, nil
}

func (p *PE) localCompareSwap(addr uintptr, cond, newVal uint64, width uintptr) (uint64, error) {
	amoMu.Lock()
	defer amoMu.Unlock()
	buf, err := p.runtime.Bytes(addr, width)
	if err != nil {
		return 0, err
	}
	prior := decodeLE(buf)
	if prior == cond {
		encodeLE(buf, newVal)
	}
	return prior, nil
}

func (p *PE) submitAMO(op proto.Op, typ proto.Type, addr uintptr, pe int, operand uint64) (uint64, error) {
	slot, seq := p.r.Claim()
	req := p.r.Request(slot)
	*req = proto.Request{
		DestPE: int32(pe),
		Dst:    uint64(addr),
		Aux3:   operand,
		Op:     op,
		Type:   typ,
	}
	p.r.Publish(req, 0, seq)
	p.observer.IncCounter("proxy_dispatch", 1)
	return ring.SpinWaitCompletion(p.r.Completion(slot), uint32(seq)), nil
}

func (p *PE) submitCompareSwap(op proto.Op, typ proto.Type, addr uintptr, pe int, cond, newVal uint64) (uint64, error) {
	slot, seq := p.r.Claim()
	req := p.r.Request(slot)
	*req = proto.Request{
		DestPE: int32(pe),
		Dst:    uint64(addr),
		Aux2:   cond,
		Aux3:   newVal,
		Op:     op,
		Type:   typ,
	}
	p.r.Publish(req, 0, seq)
	p.observer.IncCounter("proxy_dispatch", 1)
	return ring.SpinWaitCompletion(p.r.Completion(slot), uint32(seq)), nil
}

// amoOp is the fast-path/proxy-path dispatch every non-compare-swap AMO
// shares: an intra-node target is updated in place under amoMu, otherwise
// the request crosses the ring to the host proxy, which applies the same
// op against the transport backend.
func (p *PE) amoOp(op proto.Op, rop interfaces.ReduceOp, addr uintptr, pe int, operand uint64, typ proto.Type, width uintptr) (uint64, error) {
	start := time.Now()
	if err := p.checkPE("amo", pe); err != nil {
		return 0, err
	}
	if err := p.checkSymmetric("amo", addr); err != nil {
		return 0, err
	}
	var v uint64
	var err error
	if remote, ok := p.Ptr(addr, pe); ok {
		v, err = p.localAtomicOp(remote, rop, operand, width)
		p.observer.IncCounter("fast_path_hit", 1)
	} else {
		v, err = p.submitAMO(op, typ, addr, pe, operand)
	}
	p.observer.RecordOp("AMO", time.Since(start).Nanoseconds(), err)
	return v, err
}

// AtomicFetch returns the current value at pe's addr without modifying it.
func AtomicFetch[T Scalar](p *PE, addr uintptr, pe int) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetch, interfaces.AtomicFetch, addr, pe, 0, typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicSet stores value at pe's addr, non-fetching.
func AtomicSet[T Scalar](p *PE, addr uintptr, pe int, value T) error {
	_, err := p.amoOp(proto.OpAtomicSet, interfaces.AtomicSet, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_set", err)
}

// AtomicSwap stores value at pe's addr and returns the value it replaced.
func AtomicSwap[T Scalar](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicSwap, interfaces.AtomicSwap, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_swap", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicCompareSwap stores newVal at pe's addr only if its current value
// equals cond, and always returns the value observed before the attempt.
func AtomicCompareSwap[T Scalar](p *PE, addr uintptr, pe int, cond, newVal T) (T, error) {
	return compareSwap[T](p, proto.OpAtomicCompareSwap, "atomic_compare_swap", addr, pe, cond, newVal)
}

// AtomicCompareSwapNbi is AtomicCompareSwap's non-blocking form. Like the
// other fetching *Nbi atomics it still returns the prior value
// synchronously; only the wire Op differs.
func AtomicCompareSwapNbi[T Scalar](p *PE, addr uintptr, pe int, cond, newVal T) (T, error) {
	return compareSwap[T](p, proto.OpAtomicCompareSwapNbi, "atomic_compare_swap_nbi", addr, pe, cond, newVal)
}

func compareSwap[T Scalar](p *PE, op proto.Op, opName string, addr uintptr, pe int, cond, newVal T) (T, error) {
	start := time.Now()
	var zero T
	if err := p.checkPE(opName, pe); err != nil {
		return zero, err
	}
	if err := p.checkSymmetric(opName, addr); err != nil {
		return zero, err
	}
	condU, newU := uint64FromT(cond), uint64FromT(newVal)
	var prior uint64
	var err error
	if remote, ok := p.Ptr(addr, pe); ok {
		prior, err = p.localCompareSwap(remote, condU, newU, sizeOf[T]())
		p.observer.IncCounter("fast_path_hit", 1)
	} else {
		prior, err = p.submitCompareSwap(op, typeOf[T](), addr, pe, condU, newU)
	}
	p.observer.RecordOp("AMO", time.Since(start).Nanoseconds(), err)
	if err != nil {
		return zero, p.wrap(opName, err)
	}
	return tFromUint64[T](prior), nil
}

// AtomicInc adds one to pe's addr, non-fetching.
func AtomicInc[T Integer](p *PE, addr uintptr, pe int) error {
	_, err := p.amoOp(proto.OpAtomicInc, interfaces.AtomicInc, addr, pe, 1, typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_inc", err)
}

// AtomicFetchInc adds one to pe's addr and returns the pre-increment value.
func AtomicFetchInc[T Integer](p *PE, addr uintptr, pe int) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchInc, interfaces.AtomicInc, addr, pe, 1, typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_inc", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicAdd adds value to pe's addr, non-fetching.
func AtomicAdd[T Integer](p *PE, addr uintptr, pe int, value T) error {
	_, err := p.amoOp(proto.OpAtomicAdd, interfaces.AtomicAdd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_add", err)
}

// AtomicFetchAdd adds value to pe's addr and returns the pre-add value.
func AtomicFetchAdd[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchAdd, interfaces.AtomicAdd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_add", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicAnd ANDs value into pe's addr, non-fetching.
func AtomicAnd[T Integer](p *PE, addr uintptr, pe int, value T) error {
	_, err := p.amoOp(proto.OpAtomicAnd, interfaces.ReduceAnd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_and", err)
}

// AtomicFetchAnd ANDs value into pe's addr and returns the pre-AND value.
func AtomicFetchAnd[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchAnd, interfaces.ReduceAnd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_and", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicOr ORs value into pe's addr, non-fetching.
func AtomicOr[T Integer](p *PE, addr uintptr, pe int, value T) error {
	_, err := p.amoOp(proto.OpAtomicOr, interfaces.ReduceOr, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_or", err)
}

// AtomicFetchOr ORs value into pe's addr and returns the pre-OR value.
func AtomicFetchOr[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchOr, interfaces.ReduceOr, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_or", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicXor XORs value into pe's addr, non-fetching.
func AtomicXor[T Integer](p *PE, addr uintptr, pe int, value T) error {
	_, err := p.amoOp(proto.OpAtomicXor, interfaces.ReduceXor, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	return p.wrap("atomic_xor", err)
}

// AtomicFetchXor XORs value into pe's addr and returns the pre-XOR value.
func AtomicFetchXor[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchXor, interfaces.ReduceXor, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_xor", err)
	}
	return tFromUint64[T](v), nil
}

// The *Nbi fetch-AMO forms below are the non-blocking counterparts the
// real API exposes for every fetching atomic (AMO_FETCH_NBI,
// AMO_SWAP_NBI, AMO_FETCH_INC_NBI, AMO_FETCH_ADD_NBI, AMO_FETCH_AND_NBI,
// AMO_FETCH_OR_NBI, AMO_FETCH_XOR_NBI in the original source). They carry
// a distinct wire Op so a proxy or trace can tell a non-blocking fetch
// apart from its blocking twin. Unlike PutNbi/GetNbi, they still spin on
// the completion slot before returning: the fetched value lives in the
// completion, so there is nothing to hand the caller until the proxy has
// serviced the request. Quiet therefore only ever has the data-moving
// Nbi ops to drain, never a fetch-AMO.

// AtomicFetchNbi is AtomicFetch's non-blocking form.
func AtomicFetchNbi[T Scalar](p *PE, addr uintptr, pe int) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchNbi, interfaces.AtomicFetch, addr, pe, 0, typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicSwapNbi is AtomicSwap's non-blocking form.
func AtomicSwapNbi[T Scalar](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicSwapNbi, interfaces.AtomicSwap, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_swap_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicFetchIncNbi is AtomicFetchInc's non-blocking form.
func AtomicFetchIncNbi[T Integer](p *PE, addr uintptr, pe int) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchIncNbi, interfaces.AtomicInc, addr, pe, 1, typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_inc_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicFetchAddNbi is AtomicFetchAdd's non-blocking form.
func AtomicFetchAddNbi[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchAddNbi, interfaces.AtomicAdd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_add_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicFetchAndNbi is AtomicFetchAnd's non-blocking form.
func AtomicFetchAndNbi[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchAndNbi, interfaces.ReduceAnd, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_and_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicFetchOrNbi is AtomicFetchOr's non-blocking form.
func AtomicFetchOrNbi[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchOrNbi, interfaces.ReduceOr, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_or_nbi", err)
	}
	return tFromUint64[T](v), nil
}

// AtomicFetchXorNbi is AtomicFetchXor's non-blocking form.
func AtomicFetchXorNbi[T Integer](p *PE, addr uintptr, pe int, value T) (T, error) {
	v, err := p.amoOp(proto.OpAtomicFetchXorNbi, interfaces.ReduceXor, addr, pe, uint64FromT(value), typeOf[T](), sizeOf[T]())
	if err != nil {
		var zero T
		return zero, p.wrap("atomic_fetch_xor_nbi", err)
	}
	return tFromUint64[T](v), nil
}
