// Package accel implements the accelerator adapter: the thin typed layer
// over the device runtime that discovers a device, stands up three
// command-queue families, and exposes host-visible mmap views of
// device-allocated regions for IPC and debugging.
package accel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/goishmem/goishmem/internal/interfaces"
)

// QueueKind names one of the three command-queue families.
type QueueKind int

const (
	QueueCompute QueueKind = iota
	QueueCopy
	QueueLink
)

// CommandList is a handle to a submitted or pending batch of device work.
// Immediate lists execute synchronously on Append; non-immediate lists are
// tracked in a garbage list until Sync.
type CommandList struct {
	queue     QueueKind
	immediate bool
	closed    bool
}

// Device wraps a single accelerator device: one context, three queue
// families, and a per-queue garbage list of pending non-immediate command
// lists.
type Device struct {
	linkQueueCount int32
	linkRR         int64

	garbageMu sync.Mutex
	garbage   []*CommandList

	memMu   sync.Mutex
	regions map[uintptr]mappedRegion

	log interfaces.Logger
}

// mappedRegion is one live mmap region keyed by its base address. The
// []byte from unix.Mmap is kept both for Bytes sub-slicing and because
// unix.Munmap takes the mapping back by slice, not by address.
type mappedRegion struct {
	buf []byte
	typ MemoryType
}

// MemoryType classifies a pointer's backing storage.
type MemoryType int

const (
	MemUnknown MemoryType = iota
	MemHost
	MemDevice
	MemShared
)

// Config configures a Device at construction.
type Config struct {
	LinkQueueCount int
	Logger         interfaces.Logger
}

// NewDevice brings up a simulated device: in the absence of a physical
// accelerator, "device memory" is backed by memfd-backed mmap regions on the
// host, which keeps the IPC mapping and ring protocols exercised against
// real OS primitives instead of a fabricated driver.
func NewDevice(cfg Config) (*Device, error) {
	linkCount := cfg.LinkQueueCount
	if linkCount <= 0 {
		linkCount = 1
	}
	return &Device{
		linkQueueCount: int32(linkCount),
		regions:        make(map[uintptr]mappedRegion),
		log:            cfg.Logger,
	}, nil
}

// CreateCommandList returns a new command list for the given queue family.
// Non-immediate lists are tracked in the queue's garbage list for later
// destruction by Sync.
func (d *Device) CreateCommandList(kind QueueKind, immediate bool) *CommandList {
	cl := &CommandList{queue: kind, immediate: immediate}
	if !immediate {
		d.garbageMu.Lock()
		d.garbage = append(d.garbage, cl)
		d.garbageMu.Unlock()
	}
	return cl
}

// SelectLinkQueue round-robins across the link-queue array via an atomic
// fetch-add, as the link family fans out large inter-tile traffic across
// multiple underlying copy engines.
func (d *Device) SelectLinkQueue() int {
	n := atomic.AddInt64(&d.linkRR, 1) - 1
	return int(n % int64(d.linkQueueCount))
}

// Sync synchronizes every queue and then destroys and erases every
// non-immediate command list accumulated so far. It snapshots the garbage
// list's length under its mutex, synchronizes, then destroys and erases
// exactly that prefix under the lock again — safe against concurrent
// CreateCommandList calls appending new entries mid-sync.
func (d *Device) Sync() {
	d.garbageMu.Lock()
	n := len(d.garbage)
	d.garbageMu.Unlock()

	// A real implementation blocks here until every queue drains. The
	// simulated device has no asynchronous device-side work outstanding
	// once a command list has been appended to the garbage list, so there
	// is nothing further to wait on.

	d.garbageMu.Lock()
	for i := 0; i < n; i++ {
		d.garbage[i].closed = true
	}
	d.garbage = d.garbage[n:]
	d.garbageMu.Unlock()
}

// AllocateSymmetric implements interfaces.DeviceRuntime by creating a memfd
// of the requested size, mapping it, and returning an ExportHandle wrapping
// that same file descriptor so the region can be shared via pidfd or
// SCM_RIGHTS with an intra-node peer.
func (d *Device) AllocateSymmetric(size uintptr) (uintptr, interfaces.ExportHandle, error) {
	fd, err := unix.MemfdCreate("goishmem-symmetric-heap", 0)
	if err != nil {
		return 0, interfaces.ExportHandle{}, fmt.Errorf("accel: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, interfaces.ExportHandle{}, fmt.Errorf("accel: ftruncate: %w", err)
	}

	addr, err := d.mapRegion(fd, size, MemDevice)
	if err != nil {
		unix.Close(fd)
		return 0, interfaces.ExportHandle{}, err
	}

	return addr, interfaces.ExportHandle{FD: fd, Size: size, Offset: 0}, nil
}

// MapPeer mmaps a peer's exported fd into this process's address space,
// the host analogue of opening a remote IPC handle into the local device
// context.
func (d *Device) MapPeer(handle interfaces.ExportHandle) (uintptr, error) {
	return d.mapRegion(handle.FD, handle.Size, MemShared)
}

// UnmapPeer releases a region returned by MapPeer. Unmapping is a local
// operation: the owner's region is untouched.
func (d *Device) UnmapPeer(mapped uintptr) error {
	return d.unmapRegion(mapped)
}

// Free releases a region returned by AllocateSymmetric.
func (d *Device) Free(base uintptr) error {
	return d.unmapRegion(base)
}

func (d *Device) mapRegion(fd int, size uintptr, typ MemoryType) (uintptr, error) {
	buf, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("accel: mmap: %w", err)
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	d.memMu.Lock()
	d.regions[addr] = mappedRegion{buf: buf, typ: typ}
	d.memMu.Unlock()
	return addr, nil
}

func (d *Device) unmapRegion(base uintptr) error {
	d.memMu.Lock()
	region, ok := d.regions[base]
	delete(d.regions, base)
	d.memMu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.Munmap(region.buf); err != nil {
		return fmt.Errorf("accel: munmap: %w", err)
	}
	return nil
}

// SubmitRequest is a no-op on the simulated device: request submission in
// goishmem happens directly against the ring (see internal/ring), not
// through the accelerator adapter. It exists so Device satisfies
// interfaces.DeviceRuntime for callers that depend on the full interface.
func (d *Device) SubmitRequest(slot uint32) error {
	return nil
}

// Bytes implements interfaces.DeviceRuntime by sub-slicing the mmap
// region containing [addr, addr+size), so fast-path primitives can copy
// to/from device memory with ordinary slice operations. addr need not be
// a region base: callers hand in heap-interior addresses (base +
// allocation offset).
func (d *Device) Bytes(addr uintptr, size uintptr) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("accel: nil address")
	}
	if size == 0 {
		return []byte{}, nil
	}
	d.memMu.Lock()
	defer d.memMu.Unlock()
	for base, region := range d.regions {
		if addr >= base && addr-base+size <= uintptr(len(region.buf)) {
			off := addr - base
			return region.buf[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("accel: no mapped region contains %#x (size %d)", addr, size)
}

// GetMemoryType reports how the region containing ptr was allocated or
// mapped by this device.
func (d *Device) GetMemoryType(ptr uintptr) MemoryType {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	for base, region := range d.regions {
		if ptr >= base && ptr-base < uintptr(len(region.buf)) {
			return region.typ
		}
	}
	return MemUnknown
}
