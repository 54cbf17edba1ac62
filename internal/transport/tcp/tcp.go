// Package tcp implements interfaces.TransportBackend over plain TCP
// connections between every pair of PEs, standing in for the inter-node
// transport a real deployment would get from MPI/PMI/OpenSHMEM. Every PE
// listens on one port and connects to every other PE, giving a complete
// mesh. Each connection carries a small framed protocol: collective
// messages (barrier/bcast/fcollect payloads) queue onto a per-connection
// channel for the synchronous collective calls to consume in lockstep;
// RMA messages (put/get/atomic-fetch-op) are serviced asynchronously by a
// background reader goroutine against the target's local window.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/goishmem/goishmem/internal/interfaces"
)

type frameKind byte

const (
	kindCollective frameKind = iota
	kindPut
	kindPutAck
	kindGetReq
	kindGetResp
	kindAtomicReq
	kindAtomicResp
	kindCASReq
	kindCASResp
)

// Backend is one PE's TCP mesh handle.
type Backend struct {
	rank int
	size int

	conns []*conn // conns[pe] is this PE's connection to pe, nil for self

	mu     sync.Mutex
	window []byte // this PE's registered RMA window (the symmetric heap)
}

type conn struct {
	writeMu sync.Mutex
	c       net.Conn

	collectiveCh chan []byte

	pendingMu sync.Mutex
	pending   map[uint64]chan []byte
	nextReqID uint64
}

// Dial establishes the full mesh: addrs[rank] is this PE's own listen
// address, and addrs names every PE's address in rank order. Dial blocks
// until every connection in the mesh is established.
func Dial(ctx context.Context, rank int, addrs []string) (*Backend, error) {
	size := len(addrs)
	b := &Backend{
		rank:  rank,
		size:  size,
		conns: make([]*conn, size),
	}

	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("tcp: listen on %s: %w", addrs[rank], err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, size)
	acceptErr := make(chan error, 1)
	go func() {
		for i := 0; i < rank; i++ {
			c, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- c
		}
	}()

	for peer := rank + 1; peer < size; peer++ {
		c, err := dialWithRetry(ctx, addrs[peer])
		if err != nil {
			return nil, fmt.Errorf("tcp: dial pe=%d at %s: %w", peer, addrs[peer], err)
		}
		if err := sendRank(c, rank); err != nil {
			return nil, err
		}
		b.conns[peer] = b.newConn(c)
	}

	for i := 0; i < rank; i++ {
		select {
		case c := <-accepted:
			peerRank, err := recvRank(c)
			if err != nil {
				return nil, err
			}
			b.conns[peerRank] = b.newConn(c)
		case err := <-acceptErr:
			return nil, fmt.Errorf("tcp: accept: %w", err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return b, nil
}

func (b *Backend) newConn(c net.Conn) *conn {
	cn := &conn{
		c:            c,
		collectiveCh: make(chan []byte, 16),
		pending:      make(map[uint64]chan []byte),
	}
	go b.readLoop(cn)
	return cn
}

// readLoop demultiplexes incoming frames: collective payloads queue for
// the synchronous collective calls, RMA requests are serviced in place,
// and RMA responses are routed to the pending request's channel.
func (b *Backend) readLoop(cn *conn) {
	for {
		kind, reqID, payload, err := readFrame(cn.c)
		if err != nil {
			return
		}
		switch kind {
		case kindCollective:
			cn.collectiveCh <- payload
		case kindPut:
			offset, data := decodePutPayload(payload)
			b.mu.Lock()
			win, werr := b.windowAt(offset, len(data))
			if werr == nil {
				copy(win, data)
			}
			b.mu.Unlock()
			_ = writeFrame(cn, kindPutAck, reqID, statusPayload(werr, nil))
		case kindGetReq:
			offset, n := decodeGetPayload(payload)
			b.mu.Lock()
			win, werr := b.windowAt(offset, n)
			var data []byte
			if werr == nil {
				data = append([]byte(nil), win...)
			}
			b.mu.Unlock()
			_ = writeFrame(cn, kindGetResp, reqID, statusPayload(werr, data))
		case kindAtomicReq:
			offset, op, operand, width := decodeAtomicPayload(payload)
			b.mu.Lock()
			win, werr := b.windowAt(offset, width)
			var prior uint64
			if werr == nil {
				prior = decodeElem(win, 0, width)
				encodeElem(win, 0, width, applyOp(op, prior, operand))
			}
			b.mu.Unlock()
			var resp [8]byte
			binary.BigEndian.PutUint64(resp[:], prior)
			_ = writeFrame(cn, kindAtomicResp, reqID, statusPayload(werr, resp[:]))
		case kindCASReq:
			offset, cond, newVal, width := decodeCASPayload(payload)
			b.mu.Lock()
			win, werr := b.windowAt(offset, width)
			var prior uint64
			if werr == nil {
				prior = decodeElem(win, 0, width)
				if prior == cond {
					encodeElem(win, 0, width, newVal)
				}
			}
			b.mu.Unlock()
			var resp [8]byte
			binary.BigEndian.PutUint64(resp[:], prior)
			_ = writeFrame(cn, kindCASResp, reqID, statusPayload(werr, resp[:]))
		case kindPutAck, kindGetResp, kindAtomicResp, kindCASResp:
			cn.pendingMu.Lock()
			ch, ok := cn.pending[reqID]
			delete(cn.pending, reqID)
			cn.pendingMu.Unlock()
			if ok {
				ch <- payload
			}
		}
	}
}

func (cn *conn) await(reqID uint64) chan []byte {
	ch := make(chan []byte, 1)
	cn.pendingMu.Lock()
	cn.pending[reqID] = ch
	cn.pendingMu.Unlock()
	return ch
}

func (cn *conn) newReqID() uint64 {
	cn.pendingMu.Lock()
	defer cn.pendingMu.Unlock()
	cn.nextReqID++
	return cn.nextReqID
}

func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last dial error: %v)", ctx.Err(), lastErr)
		default:
		}
	}
}

func sendRank(c net.Conn, rank int) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(rank))
	_, err := c.Write(hdr[:])
	return err
}

func recvRank(c net.Conn) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(hdr[:])), nil
}

// writeFrame writes [kind:1][reqID:8][len:4][payload].
func writeFrame(cn *conn, kind frameKind, reqID uint64, payload []byte) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	var hdr [13]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint64(hdr[1:9], reqID)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	if _, err := cn.c.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := cn.c.Write(payload)
		return err
	}
	return nil
}

func readFrame(c net.Conn) (frameKind, uint64, []byte, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	kind := frameKind(hdr[0])
	reqID := binary.BigEndian.Uint64(hdr[1:9])
	n := binary.BigEndian.Uint32(hdr[9:13])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return kind, reqID, payload, nil
}

var _ interfaces.TransportBackend = (*Backend)(nil)

func (b *Backend) Rank() int { return b.rank }
func (b *Backend) Size() int { return b.size }

// RegisterWindow publishes this PE's symmetric heap for incoming RMA.
// Remote frames arriving before registration fail with a window error, so
// callers must barrier after registering and before issuing any RMA.
func (b *Backend) RegisterWindow(window []byte) {
	b.mu.Lock()
	b.window = window
	b.mu.Unlock()
}

// windowAt returns the width-byte span of the local window starting at
// offset. Callers hold b.mu.
func (b *Backend) windowAt(offset uintptr, width int) ([]byte, error) {
	if b.window == nil {
		return nil, fmt.Errorf("tcp: pe %d has no registered window", b.rank)
	}
	if offset > uintptr(len(b.window)) || offset+uintptr(width) > uintptr(len(b.window)) {
		return nil, fmt.Errorf("tcp: offset %d width %d exceeds pe %d window (%d bytes)", offset, width, b.rank, len(b.window))
	}
	return b.window[offset : offset+uintptr(width)], nil
}

// statusPayload frames a response as [status:1][data...]: status 0 means
// the request was serviced, 1 means it failed against the responder's
// window (unregistered or out of range).
func statusPayload(err error, data []byte) []byte {
	out := make([]byte, 1+len(data))
	if err != nil {
		out[0] = 1
		return out[:1]
	}
	copy(out[1:], data)
	return out
}

// checkStatus splits a [status:1][data...] response, translating a
// nonzero status into an error naming the responder.
func checkStatus(payload []byte, pe int) ([]byte, error) {
	if len(payload) < 1 || payload[0] != 0 {
		return nil, fmt.Errorf("tcp: pe %d rejected RMA request (window unregistered or offset out of range)", pe)
	}
	return payload[1:], nil
}

// Barrier implements a dissemination barrier: at each of log2(size)
// rounds, PE i exchanges a byte with PE (i+step) mod size.
func (b *Backend) Barrier(ctx context.Context) error {
	for step := 1; step < b.size; step *= 2 {
		partner := (b.rank + step) % b.size
		from := ((b.rank-step)%b.size + b.size) % b.size
		if partner == b.rank {
			continue
		}
		if err := writeFrame(b.conns[partner], kindCollective, 0, []byte{1}); err != nil {
			return err
		}
		if _, err := b.recvCollective(from); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Bcast(ctx context.Context, buf []byte, root int) error {
	if b.rank == root {
		for pe := 0; pe < b.size; pe++ {
			if pe == root {
				continue
			}
			if err := writeFrame(b.conns[pe], kindCollective, 0, buf); err != nil {
				return err
			}
		}
		return nil
	}
	payload, err := b.recvCollective(root)
	if err != nil {
		return err
	}
	copy(buf, payload)
	return nil
}

func (b *Backend) Fcollect(ctx context.Context, dst []byte, contribution []byte) error {
	perPE := len(contribution)
	copy(dst[b.rank*perPE:(b.rank+1)*perPE], contribution)
	for pe := 0; pe < b.size; pe++ {
		if pe == b.rank {
			continue
		}
		if err := writeFrame(b.conns[pe], kindCollective, 0, contribution); err != nil {
			return err
		}
	}
	for pe := 0; pe < b.size; pe++ {
		if pe == b.rank {
			continue
		}
		chunk, err := b.recvCollective(pe)
		if err != nil {
			return err
		}
		copy(dst[pe*perPE:(pe+1)*perPE], chunk)
	}
	return nil
}

func (b *Backend) Allreduce(ctx context.Context, dst, src []byte, op interfaces.ReduceOp, count int, elemSize int) error {
	gathered := make([]byte, b.size*len(src))
	if err := b.Fcollect(ctx, gathered, src); err != nil {
		return err
	}
	acc := make([]uint64, count)
	for i := 0; i < count; i++ {
		acc[i] = decodeElem(gathered, i, elemSize)
	}
	for pe := 1; pe < b.size; pe++ {
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
	if pe == b.rank {
		b.mu.Lock()
		win, err := b.windowAt(offset, len(data))
		if err == nil {
			copy(win, data)
		}
		b.mu.Unlock()
		return err
	}
	cn := b.conns[pe]
	reqID := cn.newReqID()
	ch := cn.await(reqID)
	if err := writeFrame(cn, kindPut, reqID, encodePutPayload(offset, data)); err != nil {
		return err
	}
	select {
	case payload := <-ch:
		_, err := checkStatus(payload, pe)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) Get(ctx context.Context, pe int, offset uintptr, dst []byte) error {
	if pe == b.rank {
		b.mu.Lock()
		win, err := b.windowAt(offset, len(dst))
		if err == nil {
			copy(dst, win)
		}
		b.mu.Unlock()
		return err
	}
	cn := b.conns[pe]
	reqID := cn.newReqID()
	ch := cn.await(reqID)
	if err := writeFrame(cn, kindGetReq, reqID, encodeGetPayload(offset, len(dst))); err != nil {
		return err
	}
	select {
	case payload := <-ch:
		data, err := checkStatus(payload, pe)
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) AtomicFetchOp(ctx context.Context, pe int, offset uintptr, op interfaces.ReduceOp, operand uint64, width int) (uint64, error) {
	if pe == b.rank {
		b.mu.Lock()
		defer b.mu.Unlock()
		win, err := b.windowAt(offset, width)
		if err != nil {
			return 0, err
		}
		prior := decodeElem(win, 0, width)
		encodeElem(win, 0, width, applyOp(op, prior, operand))
		return prior, nil
	}
	cn := b.conns[pe]
	reqID := cn.newReqID()
	ch := cn.await(reqID)
	if err := writeFrame(cn, kindAtomicReq, reqID, encodeAtomicPayload(offset, op, operand, width)); err != nil {
		return 0, err
	}
	select {
	case payload := <-ch:
		data, err := checkStatus(payload, pe)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Backend) AtomicCompareAndSwap(ctx context.Context, pe int, offset uintptr, cond, newVal uint64, width int) (uint64, error) {
	if pe == b.rank {
		b.mu.Lock()
		defer b.mu.Unlock()
		win, err := b.windowAt(offset, width)
		if err != nil {
			return 0, err
		}
		prior := decodeElem(win, 0, width)
		if prior == cond {
			encodeElem(win, 0, width, newVal)
		}
		return prior, nil
	}
	cn := b.conns[pe]
	reqID := cn.newReqID()
	ch := cn.await(reqID)
	if err := writeFrame(cn, kindCASReq, reqID, encodeCASPayload(offset, cond, newVal, width)); err != nil {
		return 0, err
	}
	select {
	case payload := <-ch:
		data, err := checkStatus(payload, pe)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Backend) Close() error {
	for _, c := range b.conns {
		if c != nil {
			c.c.Close()
		}
	}
	return nil
}

func (b *Backend) recvCollective(pe int) ([]byte, error) {
	return <-b.conns[pe].collectiveCh, nil
}

func encodePutPayload(offset uintptr, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out[:8], uint64(offset))
	copy(out[8:], data)
	return out
}

func decodePutPayload(payload []byte) (uintptr, []byte) {
	return uintptr(binary.BigEndian.Uint64(payload[:8])), payload[8:]
}

func encodeGetPayload(offset uintptr, n int) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(offset))
	binary.BigEndian.PutUint32(b[8:12], uint32(n))
	return b[:]
}

func decodeGetPayload(payload []byte) (uintptr, int) {
	offset := uintptr(binary.BigEndian.Uint64(payload[:8]))
	n := int(binary.BigEndian.Uint32(payload[8:12]))
	return offset, n
}

func encodeAtomicPayload(offset uintptr, op interfaces.ReduceOp, operand uint64, width int) []byte {
	var out [24]byte
	binary.BigEndian.PutUint64(out[0:8], uint64(offset))
	binary.BigEndian.PutUint64(out[8:16], uint64(op))
	binary.BigEndian.PutUint64(out[16:24], operand)
	return append(out[:], byte(width))
}

func decodeAtomicPayload(payload []byte) (uintptr, interfaces.ReduceOp, uint64, int) {
	offset := uintptr(binary.BigEndian.Uint64(payload[0:8]))
	op := interfaces.ReduceOp(binary.BigEndian.Uint64(payload[8:16]))
	operand := binary.BigEndian.Uint64(payload[16:24])
	width := int(payload[24])
	return offset, op, operand, width
}

func encodeCASPayload(offset uintptr, cond, newVal uint64, width int) []byte {
	var out [25]byte
	binary.BigEndian.PutUint64(out[0:8], uint64(offset))
	binary.BigEndian.PutUint64(out[8:16], cond)
	binary.BigEndian.PutUint64(out[16:24], newVal)
	out[24] = byte(width)
	return out[:]
}

func decodeCASPayload(payload []byte) (uintptr, uint64, uint64, int) {
	offset := uintptr(binary.BigEndian.Uint64(payload[0:8]))
	cond := binary.BigEndian.Uint64(payload[8:16])
	newVal := binary.BigEndian.Uint64(payload[16:24])
	width := int(payload[24])
	return offset, cond, newVal, width
}

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
	case interfaces.ReduceSum, interfaces.AtomicAdd, interfaces.AtomicInc:
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
	case interfaces.AtomicSet, interfaces.AtomicSwap:
		return b
	case interfaces.AtomicFetch:
		return a
	default:
		return b
	}
}
