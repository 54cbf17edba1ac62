// Package heap implements the symmetric heap: a region allocated once per
// PE whose collective allocations return byte-identical offsets on every
// PE, plus a bump allocator over that region.
package heap

import (
	"fmt"
	"sync"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/interfaces"
)

// Heap describes one PE's symmetric memory region.
type Heap struct {
	Base   uintptr
	Length uintptr
	Last   uintptr

	mu       sync.Mutex
	bumpNext uintptr

	runtime interfaces.DeviceRuntime
}

// New allocates a symmetric region of size bytes from runtime. It is not
// itself collective; callers (InitThread in the top-level pe.go) are responsible for
// invoking it identically on every PE and then barriering.
func New(runtime interfaces.DeviceRuntime, size uintptr) (*Heap, interfaces.ExportHandle, error) {
	base, handle, err := runtime.AllocateSymmetric(size)
	if err != nil {
		return nil, interfaces.ExportHandle{}, fmt.Errorf("heap: allocate: %w", err)
	}
	return &Heap{
		Base:     base,
		Length:   size,
		Last:     base + size - 1,
		bumpNext: base,
		runtime:  runtime,
	}, handle, nil
}

// Alloc is the collective bump allocator. Every PE must call it with the
// same size and align, in the same order, for the byte-identical-offset
// invariant to hold; the caller barriers after allocation and before using
// the result (see the collective wrapper in the top-level package).
func (h *Heap) Alloc(size, align uintptr) (uintptr, error) {
	if align < constants.HeapAlignment {
		align = constants.HeapAlignment
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	aligned := alignUp(h.bumpNext, align)
	if aligned+size-1 > h.Last {
		return 0, fmt.Errorf("heap: out of symmetric memory (requested %d at align %d)", size, align)
	}
	h.bumpNext = aligned + size
	return aligned, nil
}

// Align is the aligned form of Alloc, kept distinct to mirror the public
// API's alloc/align split even though both currently bump the same
// pointer.
func (h *Heap) Align(align, size uintptr) (uintptr, error) {
	return h.Alloc(size, align)
}

// Free is a no-op on the bump allocator: symmetric memory is reclaimed in
// bulk at Finalize, matching the teacher's "collective, barriered, no
// individual reclaim" allocation model. It exists so the public API can
// expose a collective ishmem_free that barriers like alloc/align do.
func (h *Heap) Free(addr uintptr) error {
	return nil
}

// Destroy releases the backing region at finalize.
func (h *Heap) Destroy() error {
	return h.runtime.Free(h.Base)
}

// Contains reports whether addr falls within this PE's heap.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.Base && addr <= h.Last
}

func alignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}
