package goishmem

import "context"

// ReduceOp selects the combining function for Reduce and the Scan
// family. Unlike the AMO family's interfaces.ReduceOp (width-generic
// bit-pattern arithmetic, correct only for unsigned wraparound), these
// operate on T's real Go value via compareT/combineT, so they give
// correct results for signed integers and floats too.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMin
	ReduceMax
	ReduceProd
)

// BitwiseOp selects ReduceBitwise's combining function.
type BitwiseOp int

const (
	BitwiseAnd BitwiseOp = iota
	BitwiseOr
	BitwiseXor
)

func combineT[T Scalar](op ReduceOp, a, b T) T {
	switch op {
	case ReduceSum:
		return a + b
	case ReduceProd:
		return a * b
	case ReduceMin:
		if b < a {
			return b
		}
		return a
	case ReduceMax:
		if b > a {
			return b
		}
		return a
	default:
		return a
	}
}

func combineBitwise[T Integer](op BitwiseOp, a, b T) T {
	switch op {
	case BitwiseAnd:
		return a & b
	case BitwiseOr:
		return a | b
	default:
		return a ^ b
	}
}

// Broadcast copies nelems elements of T from rootRank's addr (within t,
// WORLD if nil) to every other member's addr. At or above BroadcastCutover
// bytes on the WORLD team, it delegates to the transport backend's
// Bcast; otherwise — and always for a non-WORLD team, since
// interfaces.TransportBackend has no team-scoped collective API — it
// falls back to a root-driven Put loop to every other member followed by
// a team barrier.
func Broadcast[T Scalar](ctx context.Context, p *PE, addr uintptr, nelems int, rootRank int, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	nbytes := uintptr(nelems) * sizeOf[T]()
	rootPE := t.globalPE(rootRank)

	if t.id == TeamWorld && uint64(nbytes) >= p.cfg.BroadcastCutover {
		buf, err := p.runtime.Bytes(addr, nbytes)
		if err != nil {
			return p.wrap("broadcast", err)
		}
		if err := p.transport.Bcast(ctx, buf, rootPE); err != nil {
			return p.wrap("broadcast", err)
		}
		return nil
	}

	if p.id == rootPE {
		for r := 0; r < t.size; r++ {
			member := t.globalPE(r)
			if member == p.id {
				continue
			}
			if err := p.put(addr, addr, nbytes, member, true); err != nil {
				return err
			}
		}
	}
	return p.TeamSync(ctx, t)
}

// Fcollect gathers every member's nelemsPerPE-element contribution at
// src into dst, ordered by team rank, so every member ends up with the
// same t.size*nelemsPerPE-element concatenation. At or above FcollectCutover
// total bytes on the WORLD team it delegates to the transport backend;
// otherwise every member stores its own contribution directly into
// every other member's dst slot (a symmetric all-to-all broadcast of one
// chunk), then the team barriers.
func Fcollect[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelemsPerPE int, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	sz := sizeOf[T]()
	nbytes := uintptr(nelemsPerPE) * sz

	if t.id == TeamWorld && uint64(nbytes)*uint64(t.size) >= p.cfg.FcollectCutover {
		srcBuf, err := p.runtime.Bytes(src, nbytes)
		if err != nil {
			return p.wrap("fcollect", err)
		}
		dstBuf, err := p.runtime.Bytes(dst, nbytes*uintptr(t.size))
		if err != nil {
			return p.wrap("fcollect", err)
		}
		if err := p.transport.Fcollect(ctx, dstBuf, srcBuf); err != nil {
			return p.wrap("fcollect", err)
		}
		return nil
	}

	myRank := t.myPEInTeam
	for r := 0; r < t.size; r++ {
		member := t.globalPE(r)
		dstSlot := dst + uintptr(myRank)*nbytes
		if err := p.put(dstSlot, src, nbytes, member, true); err != nil {
			return err
		}
	}
	return p.TeamSync(ctx, t)
}

// Collect is Fcollect's variable-length form: each member contributes
// nelems elements (which may differ across members), and every member
// ends up with the concatenation ordered by rank. scratch must be a
// symmetric address, shared across every member of t, with room for
// t.size uint64 counts — the classic pWrk/pSync work-array convention
// OpenSHMEM collectives use when the output layout isn't known until the
// call runs, since Collect has no way to size dst's layout in advance.
func Collect[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, scratch uintptr, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	myRank := t.myPEInTeam
	mySlot := scratch + uintptr(myRank)*8
	if err := p.writeLocalUint64(mySlot, uint64(nelems)); err != nil {
		return p.wrap("collect", err)
	}
	if err := Fcollect[uint64](ctx, p, scratch, mySlot, 1, t); err != nil {
		return err
	}

	countsBuf, err := p.runtime.Bytes(scratch, uintptr(t.size)*8)
	if err != nil {
		return p.wrap("collect", err)
	}
	var myOffset, running int
	for r := 0; r < t.size; r++ {
		if r == myRank {
			myOffset = running
		}
		running += int(decodeLE(countsBuf[r*8 : r*8+8]))
	}

	sz := sizeOf[T]()
	for r := 0; r < t.size; r++ {
		member := t.globalPE(r)
		dstSlot := dst + uintptr(myOffset)*sz
		if err := p.put(dstSlot, src, uintptr(nelems)*sz, member, true); err != nil {
			return err
		}
	}
	return p.TeamSync(ctx, t)
}

// AllToAll performs a personalized exchange: src holds, for each member
// rank r, the nelems-element chunk destined for r; dst receives, for
// each rank r, the chunk r sent to this PE. interfaces.TransportBackend
// has no all-to-all primitive, so this always uses a direct store loop
// regardless of size or team (AllToAllCutover has no backend path to
// gate; see DESIGN.md).
func AllToAll[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	sz := sizeOf[T]()
	chunkBytes := uintptr(nelems) * sz
	myRank := t.myPEInTeam
	for r := 0; r < t.size; r++ {
		member := t.globalPE(r)
		srcChunk := src + uintptr(r)*chunkBytes
		dstChunk := dst + uintptr(myRank)*chunkBytes
		if err := p.put(dstChunk, srcChunk, chunkBytes, member, true); err != nil {
			return err
		}
	}
	return p.TeamSync(ctx, t)
}

// Reduce combines every member's nelems-element contribution at src
// element-wise with op, leaving the result at dst on every member.
// scratch is symmetric scratch space sized t.size*nelems elements of T,
// used to stage the Fcollect this is built on. Reduce always gathers and
// combines locally with T's real Go operators rather than delegating to
// interfaces.TransportBackend.Allreduce, whose bit-pattern arithmetic
// gives wrong answers for signed integers under min/max and is entirely
// undefined for floats; see DESIGN.md.
func Reduce[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, op ReduceOp, scratch uintptr, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	if err := Fcollect[T](ctx, p, scratch, src, nelems, t); err != nil {
		return err
	}
	sz := int(sizeOf[T]())
	gathered, err := p.runtime.Bytes(scratch, uintptr(t.size*nelems*sz))
	if err != nil {
		return p.wrap("reduce", err)
	}
	out, err := p.runtime.Bytes(dst, uintptr(nelems*sz))
	if err != nil {
		return p.wrap("reduce", err)
	}
	for i := 0; i < nelems; i++ {
		acc := loadElem[T](gathered[i*sz:])
		for r := 1; r < t.size; r++ {
			v := loadElem[T](gathered[(r*nelems+i)*sz:])
			acc = combineT(op, acc, v)
		}
		storeElem(out[i*sz:], acc)
	}
	return nil
}

// ReduceBitwise is Reduce's and/or/xor counterpart, restricted to
// Integer since bitwise operators aren't defined on Scalar's
// floating-point members.
func ReduceBitwise[T Integer](ctx context.Context, p *PE, dst, src uintptr, nelems int, op BitwiseOp, scratch uintptr, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	if err := Fcollect[T](ctx, p, scratch, src, nelems, t); err != nil {
		return err
	}
	sz := int(sizeOf[T]())
	gathered, err := p.runtime.Bytes(scratch, uintptr(t.size*nelems*sz))
	if err != nil {
		return p.wrap("reduce_bitwise", err)
	}
	out, err := p.runtime.Bytes(dst, uintptr(nelems*sz))
	if err != nil {
		return p.wrap("reduce_bitwise", err)
	}
	for i := 0; i < nelems; i++ {
		acc := loadElem[T](gathered[i*sz:])
		for r := 1; r < t.size; r++ {
			v := loadElem[T](gathered[(r*nelems+i)*sz:])
			acc = combineBitwise(op, acc, v)
		}
		storeElem(out[i*sz:], acc)
	}
	return nil
}

func scan[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, op ReduceOp, inclusive bool, scratch uintptr, t *Team) error {
	if t == nil {
		t = p.teams[TeamWorld]
	}
	if err := Fcollect[T](ctx, p, scratch, src, nelems, t); err != nil {
		return err
	}
	sz := int(sizeOf[T]())
	gathered, err := p.runtime.Bytes(scratch, uintptr(t.size*nelems*sz))
	if err != nil {
		return p.wrap("scan", err)
	}
	out, err := p.runtime.Bytes(dst, uintptr(nelems*sz))
	if err != nil {
		return p.wrap("scan", err)
	}
	upto := t.myPEInTeam
	if inclusive {
		upto++
	}
	for i := 0; i < nelems; i++ {
		var acc T
		for r := 0; r < upto; r++ {
			v := loadElem[T](gathered[(r*nelems+i)*sz:])
			if r == 0 {
				acc = v
			} else {
				acc = combineT(op, acc, v)
			}
		}
		storeElem(out[i*sz:], acc)
	}
	return nil
}

// Inscan is the inclusive prefix reduction: rank r's result folds in
// ranks 0..r.
func Inscan[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, op ReduceOp, scratch uintptr, t *Team) error {
	return scan[T](ctx, p, dst, src, nelems, op, true, scratch, t)
}

// Exscan is the exclusive prefix reduction: rank r's result folds in
// ranks 0..r-1, and rank 0's result is T's zero value.
func Exscan[T Scalar](ctx context.Context, p *PE, dst, src uintptr, nelems int, op ReduceOp, scratch uintptr, t *Team) error {
	return scan[T](ctx, p, dst, src, nelems, op, false, scratch, t)
}
