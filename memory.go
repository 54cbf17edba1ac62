package goishmem

import (
	"context"
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// Malloc is the collective symmetric allocator: every PE must call it with
// the same size, in the same order, for the byte-identical-offset
// invariant the rest of the library depends on to hold. It barriers after
// allocating so no PE can reference the new region before every PE has
// reserved it.
func (p *PE) Malloc(size uintptr) (uintptr, error) {
	return p.Align(0, size)
}

// Align is Malloc with an explicit minimum alignment (0 defers to the
// heap's default alignment).
func (p *PE) Align(alignment, size uintptr) (uintptr, error) {
	addr, err := p.heap.Alloc(size, alignment)
	if err != nil {
		return 0, p.wrap("align", err)
	}
	if err := p.BarrierAll(context.Background()); err != nil {
		return 0, p.wrap("align", err)
	}
	if p.cfg.EnableVerbosePrint {
		p.logAllocChecksum(addr, size)
	}
	return addr, nil
}

// logAllocChecksum fingerprints a freshly allocated region with xxhash so
// ENABLE_VERBOSE_PRINT can log what every PE just agreed to allocate
// without serializing the whole buffer into the log line.
func (p *PE) logAllocChecksum(addr, size uintptr) {
	buf, err := p.runtime.Bytes(addr, size)
	if err != nil {
		return
	}
	p.log.Debug("align: allocated symmetric region", "addr", addr, "size", size, "xxhash", xxhash.Checksum64(buf))
}

// Calloc allocates count*size bytes, collectively, and zeroes the local
// view before returning.
func (p *PE) Calloc(count, size uintptr) (uintptr, error) {
	addr, err := p.Malloc(count * size)
	if err != nil {
		return 0, err
	}
	if err := p.Zero(addr, count*size); err != nil {
		return 0, err
	}
	return addr, nil
}

// Free is the collective deallocator. The bump allocator never reclaims
// individual regions (heap.Heap.Free is a no-op, matching the "collective,
// barriered, no individual reclaim" model); Free still barriers so the
// symmetric semantics of a collective call are preserved even though no
// memory is actually returned to the allocator until Finalize.
func (p *PE) Free(addr uintptr) error {
	if err := p.heap.Free(addr); err != nil {
		return p.wrap("free", err)
	}
	return p.wrap("free", p.BarrierAll(context.Background()))
}

// Ptr returns the local address at which dst (an address in pe's
// symmetric heap) is directly visible to this PE, for callers that want
// to bypass Put/Get and perform the memory access themselves. The second
// return value is false when pe is not intra-node reachable.
func (p *PE) Ptr(dst uintptr, pe int) (uintptr, bool) {
	idx, ok := p.ipc.LocalPEs[pe]
	if !ok || idx == 0 {
		return 0, false
	}
	return dst + p.ipc.Entries[idx].Delta, true
}

// Copy performs a local byte copy between two addresses in this PE's own
// address space (both local heap addresses, or one from a prior Ptr
// translation), the host-memcpy primitive the spec's RMA group builds on.
func (p *PE) Copy(dst, src uintptr, nbytes uintptr) error {
	if nbytes == 0 {
		return nil
	}
	dstBuf, err := p.runtime.Bytes(dst, nbytes)
	if err != nil {
		return p.wrap("copy", err)
	}
	srcBuf, err := p.runtime.Bytes(src, nbytes)
	if err != nil {
		return p.wrap("copy", err)
	}
	copy(dstBuf, srcBuf)
	return nil
}

// Zero clears nbytes starting at dst in this PE's own address space.
func (p *PE) Zero(dst uintptr, nbytes uintptr) error {
	if nbytes == 0 {
		return nil
	}
	buf, err := p.runtime.Bytes(dst, nbytes)
	if err != nil {
		return p.wrap("zero", err)
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (p *PE) writeLocalUint64(addr uintptr, v uint64) error {
	buf, err := p.runtime.Bytes(addr, 8)
	if err != nil {
		return fmt.Errorf("write local uint64 at %#x: %w", addr, err)
	}
	storeElem(buf, v)
	return nil
}
