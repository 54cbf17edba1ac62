// Package loopback implements interfaces.TransportBackend entirely
// in-process, for tests and single-binary simulations that run every PE as
// a goroutine sharing one address space. It is not a network transport: it
// exists so the rest of goishmem can be exercised without standing up real
// inter-node infrastructure.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/goishmem/goishmem/internal/interfaces"
)

// Group is the shared state every PE in a loopback job holds a reference
// to: a barrier, each PE's registered RMA window, and per-PE staging
// buffers for the collective calls.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int

	// windows[pe] is the byte region pe registered via RegisterWindow;
	// RMA and AMO offsets index into it directly, so a Put lands in the
	// target PE's real symmetric memory the same way a device-side IPC
	// store would.
	windows [][]byte

	// stage[pe] holds pe's in-flight contribution to the current
	// collective call (bcast root buffer, fcollect chunk).
	stage map[int][]byte
}

// NewGroup creates a loopback job of the given size. Call NewBackend once
// per PE with the same Group and a distinct rank.
func NewGroup(size int) *Group {
	g := &Group{
		size:    size,
		windows: make([][]byte, size),
		stage:   make(map[int][]byte, size),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Backend is one PE's handle onto a shared Group.
type Backend struct {
	g    *Group
	rank int
}

// NewBackend returns the rank'th PE's view of g.
func NewBackend(g *Group, rank int) *Backend {
	return &Backend{g: g, rank: rank}
}

var _ interfaces.TransportBackend = (*Backend)(nil)

func (b *Backend) Rank() int { return b.rank }
func (b *Backend) Size() int { return b.g.size }

// RegisterWindow publishes this PE's symmetric heap for incoming RMA.
func (b *Backend) RegisterWindow(window []byte) {
	g := b.g
	g.mu.Lock()
	g.windows[b.rank] = window
	g.mu.Unlock()
}

// windowAt returns the width-byte span of pe's registered window starting
// at offset. Callers hold g.mu.
func (g *Group) windowAt(pe int, offset uintptr, width int) ([]byte, error) {
	if pe < 0 || pe >= g.size {
		return nil, fmt.Errorf("loopback: pe %d out of range [0, %d)", pe, g.size)
	}
	win := g.windows[pe]
	if win == nil {
		return nil, fmt.Errorf("loopback: pe %d has no registered window", pe)
	}
	if offset > uintptr(len(win)) || offset+uintptr(width) > uintptr(len(win)) {
		return nil, fmt.Errorf("loopback: offset %d width %d exceeds pe %d window (%d bytes)", offset, width, pe, len(win))
	}
	return win[offset : offset+uintptr(width)], nil
}

func (b *Backend) Barrier(ctx context.Context) error {
	g := b.g
	g.mu.Lock()
	defer g.mu.Unlock()
	myGen := g.gen
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return nil
	}
	for g.gen == myGen {
		g.cond.Wait()
	}
	return nil
}

func (b *Backend) Bcast(ctx context.Context, buf []byte, root int) error {
	g := b.g
	if b.rank == root {
		g.mu.Lock()
		g.stage[root] = append([]byte(nil), buf...)
		g.mu.Unlock()
	}

	if err := b.Barrier(ctx); err != nil {
		return err
	}

	if b.rank != root {
		g.mu.Lock()
		rootBuf := g.stage[root]
		g.mu.Unlock()
		if rootBuf == nil {
			return fmt.Errorf("loopback: bcast root %d never published", root)
		}
		copy(buf, rootBuf)
	}

	// Trailing barrier: the root must not restage for a later collective
	// while a slow PE is still copying out of this one.
	return b.Barrier(ctx)
}

func (b *Backend) Fcollect(ctx context.Context, dst []byte, contribution []byte) error {
	g := b.g
	g.mu.Lock()
	g.stage[b.rank] = append([]byte(nil), contribution...)
	g.mu.Unlock()

	if err := b.Barrier(ctx); err != nil {
		return err
	}

	perPE := len(contribution)
	g.mu.Lock()
	for pe := 0; pe < g.size; pe++ {
		copy(dst[pe*perPE:(pe+1)*perPE], g.stage[pe])
	}
	g.mu.Unlock()

	return b.Barrier(ctx)
}

func (b *Backend) Allreduce(ctx context.Context, dst, src []byte, op interfaces.ReduceOp, count int, elemSize int) error {
	gathered := make([]byte, b.g.size*len(src))
	if err := b.Fcollect(ctx, gathered, src); err != nil {
		return err
	}
	acc := make([]uint64, count)
	for i := 0; i < count; i++ {
		acc[i] = decodeElem(gathered, i, elemSize)
	}
	for pe := 1; pe < b.g.size; pe++ {
		chunk := gathered[pe*len(src):]
		for i := 0; i < count; i++ {
			acc[i] = applyOp(op, acc[i], decodeElem(chunk, i, elemSize))
		}
	}
	for i := 0; i < count; i++ {
		encodeElem(dst, i, elemSize, acc[i])
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, pe int, offset uintptr, data []byte) error {
	g := b.g
	g.mu.Lock()
	defer g.mu.Unlock()
	win, err := g.windowAt(pe, offset, len(data))
	if err != nil {
		return err
	}
	copy(win, data)
	return nil
}

func (b *Backend) Get(ctx context.Context, pe int, offset uintptr, dst []byte) error {
	g := b.g
	g.mu.Lock()
	defer g.mu.Unlock()
	win, err := g.windowAt(pe, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, win)
	return nil
}

func (b *Backend) AtomicFetchOp(ctx context.Context, pe int, offset uintptr, op interfaces.ReduceOp, operand uint64, width int) (uint64, error) {
	g := b.g
	g.mu.Lock()
	defer g.mu.Unlock()
	win, err := g.windowAt(pe, offset, width)
	if err != nil {
		return 0, err
	}
	prior := decodeElem(win, 0, width)
	encodeElem(win, 0, width, applyAtomic(op, prior, operand))
	return prior, nil
}

func (b *Backend) AtomicCompareAndSwap(ctx context.Context, pe int, offset uintptr, cond, newVal uint64, width int) (uint64, error) {
	g := b.g
	g.mu.Lock()
	defer g.mu.Unlock()
	win, err := g.windowAt(pe, offset, width)
	if err != nil {
		return 0, err
	}
	prior := decodeElem(win, 0, width)
	if prior == cond {
		encodeElem(win, 0, width, newVal)
	}
	return prior, nil
}

func (b *Backend) Close() error { return nil }

func decodeElem(buf []byte, i, size int) uint64 {
	var v uint64
	for j := 0; j < size; j++ {
		v |= uint64(buf[i*size+j]) << (8 * j)
	}
	return v
}

func encodeElem(buf []byte, i, size int, v uint64) {
	for j := 0; j < size; j++ {
		buf[i*size+j] = byte(v >> (8 * j))
	}
}

func applyOp(op interfaces.ReduceOp, a, b uint64) uint64 {
	switch op {
	case interfaces.ReduceSum:
		return a + b
	case interfaces.ReduceProd:
		return a * b
	case interfaces.ReduceAnd:
		return a & b
	case interfaces.ReduceOr:
		return a | b
	case interfaces.ReduceXor:
		return a ^ b
	case interfaces.ReduceMin:
		if b < a {
			return b
		}
		return a
	case interfaces.ReduceMax:
		if b > a {
			return b
		}
		return a
	default:
		return b
	}
}

func applyAtomic(op interfaces.ReduceOp, prior, operand uint64) uint64 {
	switch op {
	case interfaces.AtomicAdd, interfaces.AtomicInc:
		return prior + operand
	case interfaces.AtomicSet, interfaces.AtomicSwap:
		return operand
	case interfaces.AtomicCompareSwap:
		return operand
	case interfaces.AtomicFetch:
		return prior
	default:
		return applyOp(op, prior, operand)
	}
}
