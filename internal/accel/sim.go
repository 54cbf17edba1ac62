package accel

import (
	"fmt"
	"sync"

	"github.com/goishmem/goishmem/internal/interfaces"
)

// SimRuntime is a DeviceRuntime test double that allocates plain Go byte
// slices instead of mmap regions, for tests that exercise the heap and
// fast-path logic without touching real file descriptors. Peer mapping is
// simulated by sharing the same backing slice, since there is no real
// inter-process boundary between goroutines in a single test binary.
type SimRuntime struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	next    uintptr
}

// NewSimRuntime returns a ready-to-use SimRuntime.
func NewSimRuntime() *SimRuntime {
	return &SimRuntime{
		regions: make(map[uintptr][]byte),
		next:    0x1000, // avoid handing out a zero base, which fast-path code treats as "no mapping"
	}
}

// AllocateSymmetric returns a synthetic base address backed by a real Go
// slice; the ExportHandle's FD is the synthetic address itself so MapPeer
// can look the region back up.
func (s *SimRuntime) AllocateSymmetric(size uintptr) (uintptr, interfaces.ExportHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.next
	s.next += size + 0x1000
	s.regions[base] = make([]byte, size)
	return base, interfaces.ExportHandle{FD: int(base), Size: size}, nil
}

// MapPeer returns the same backing address the handle names: in the
// single-process simulation every PE's goroutine already shares the same
// address space, so "mapping" a peer is a lookup, not a new allocation.
func (s *SimRuntime) MapPeer(handle interfaces.ExportHandle) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := uintptr(handle.FD)
	if _, ok := s.regions[addr]; !ok {
		return 0, fmt.Errorf("accel: sim runtime has no region at %#x", addr)
	}
	return addr, nil
}

// UnmapPeer is a no-op: the simulation never actually removes the shared
// backing slice, only the owner's Free does.
func (s *SimRuntime) UnmapPeer(mapped uintptr) error {
	return nil
}

// Free releases the backing slice for base.
func (s *SimRuntime) Free(base uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, base)
	return nil
}

// SubmitRequest is a no-op; see Device.SubmitRequest.
func (s *SimRuntime) SubmitRequest(slot uint32) error {
	return nil
}

// Bytes implements interfaces.DeviceRuntime by returning a sub-slice of
// whichever backing region contains [addr, addr+size). addr need not be a
// region's base: fast-path primitives call it with heap-interior addresses
// (base + allocation offset), so the lookup scans every known region for
// one that contains the requested range.
func (s *SimRuntime) Bytes(addr uintptr, size uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size == 0 {
		return []byte{}, nil
	}
	for base, region := range s.regions {
		if addr >= base && addr-base+size <= uintptr(len(region)) {
			off := addr - base
			return region[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("accel: sim runtime has no region containing %#x (size %d)", addr, size)
}

var _ interfaces.DeviceRuntime = (*SimRuntime)(nil)
var _ interfaces.DeviceRuntime = (*Device)(nil)
