package goishmem

import (
	"context"
	"sync"
	"time"

	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// Put writes nelems elements of T from this PE's local src to pe's dst,
// blocking until the copy (or its proxy round trip) completes. Fast path:
// when pe is intra-node reachable, Put resolves dst through the IPC
// mapping and performs a direct slice copy with no host involvement
// beyond the copy itself (spec.md section 4.5's device-kernel
// vectorized-copy path). Otherwise the request is submitted to the
// device-initiated ring for the host proxy to service against the
// transport backend.
func Put[T Scalar](p *PE, dst, src uintptr, nelems int, pe int) error {
	return p.put(dst, src, uintptr(nelems)*sizeOf[T](), pe, true)
}

// PutNbi is Put's non-blocking form: the request is submitted but the
// caller does not wait for its completion. A subsequent Quiet flushes it.
func PutNbi[T Scalar](p *PE, dst, src uintptr, nelems int, pe int) error {
	return p.put(dst, src, uintptr(nelems)*sizeOf[T](), pe, false)
}

// Get reads nelems elements of T from pe's src into this PE's local dst,
// blocking until complete.
func Get[T Scalar](p *PE, dst, src uintptr, nelems int, pe int) error {
	return p.get(dst, src, uintptr(nelems)*sizeOf[T](), pe, true)
}

// GetNbi is Get's non-blocking form.
func GetNbi[T Scalar](p *PE, dst, src uintptr, nelems int, pe int) error {
	return p.get(dst, src, uintptr(nelems)*sizeOf[T](), pe, false)
}

func (p *PE) put(dst, src uintptr, nbytes uintptr, pe int, blocking bool) error {
	start := time.Now()
	if nbytes == 0 {
		return nil
	}
	if err := p.checkPE("put", pe); err != nil {
		return err
	}
	if err := p.checkSymmetric("put", dst); err != nil {
		return err
	}
	if remote, ok := p.Ptr(dst, pe); ok {
		srcBuf, err := p.runtime.Bytes(src, nbytes)
		if err != nil {
			return p.wrap("put", err)
		}
		dstBuf, err := p.runtime.Bytes(remote, nbytes)
		if err != nil {
			return p.wrap("put", err)
		}
		copy(dstBuf, srcBuf)
		p.observer.IncCounter("fast_path_hit", 1)
		p.observer.RecordOp("PUT", time.Since(start).Nanoseconds(), nil)
		return nil
	}

	if blocking && uint64(nbytes) >= p.cfg.RMACutover {
		err := p.directPut(dst, src, nbytes, pe)
		p.observer.RecordOp("PUT", time.Since(start).Nanoseconds(), err)
		return err
	}

	op := proto.OpPut
	if !blocking {
		op = proto.OpPutNbi
	}
	err := p.submitBytesOp(op, dst, src, nbytes, pe, blocking)
	p.observer.RecordOp("PUT", time.Since(start).Nanoseconds(), err)
	return err
}

// directPut bypasses the ring entirely for large transfers: at or above
// RMACutover bytes, the per-request ring round trip (claim a slot,
// publish, spin-wait a completion) costs more than just calling the
// transport backend from the issuing goroutine, since there is no GPU
// kernel on this side of the simulation actually blocked on ring
// submission. Below the cutover the ring is used, preserving the
// device-initiated dispatch model spec.md describes.
func (p *PE) directPut(dst, src uintptr, nbytes uintptr, pe int) error {
	buf, err := p.runtime.Bytes(src, nbytes)
	if err != nil {
		return p.wrap("put", err)
	}
	offset := dst - p.heap.Base
	return p.wrap("put", p.transport.Put(context.Background(), pe, offset, buf))
}

func (p *PE) get(dst, src uintptr, nbytes uintptr, pe int, blocking bool) error {
	start := time.Now()
	if nbytes == 0 {
		return nil
	}
	if err := p.checkPE("get", pe); err != nil {
		return err
	}
	if err := p.checkSymmetric("get", src); err != nil {
		return err
	}
	if remote, ok := p.Ptr(src, pe); ok {
		dstBuf, err := p.runtime.Bytes(dst, nbytes)
		if err != nil {
			return p.wrap("get", err)
		}
		srcBuf, err := p.runtime.Bytes(remote, nbytes)
		if err != nil {
			return p.wrap("get", err)
		}
		copy(dstBuf, srcBuf)
		p.observer.IncCounter("fast_path_hit", 1)
		p.observer.RecordOp("GET", time.Since(start).Nanoseconds(), nil)
		return nil
	}

	if blocking && uint64(nbytes) >= p.cfg.RMACutover {
		err := p.directGet(dst, src, nbytes, pe)
		p.observer.RecordOp("GET", time.Since(start).Nanoseconds(), err)
		return err
	}

	op := proto.OpGet
	if !blocking {
		op = proto.OpGetNbi
	}
	err := p.submitBytesOp(op, dst, src, nbytes, pe, blocking)
	p.observer.RecordOp("GET", time.Since(start).Nanoseconds(), err)
	return err
}

// directGet is directPut's read counterpart.
func (p *PE) directGet(dst, src uintptr, nbytes uintptr, pe int) error {
	buf, err := p.runtime.Bytes(dst, nbytes)
	if err != nil {
		return p.wrap("get", err)
	}
	offset := src - p.heap.Base
	return p.wrap("get", p.transport.Get(context.Background(), pe, offset, buf))
}

// submitBytesOp claims a ring slot, fills in a raw-byte Put/Get request
// (always carrying Type=TypeUint8 with nbytes as the element count, per
// the worked example in spec.md section 4.5), publishes it, and for a
// blocking call spins on its completion.
func (p *PE) submitBytesOp(op proto.Op, dst, src uintptr, nbytes uintptr, pe int, blocking bool) error {
	slot, seq := p.r.Claim()
	req := p.r.Request(slot)
	*req = proto.Request{
		DestPE: int32(pe),
		Src:    uint64(src),
		Dst:    uint64(dst),
		Nelems: uint64(nbytes),
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

// P writes a single scalar value to pe's dst. Unlike Put, there is no
// local source address to point a ring request at (the value is an
// immediate, not something the device holds in memory), so the proxy
// path here forwards straight to the transport backend rather than
// through the ring — the "host-side: forward to the backend function
// pointer directly, no ring" branch spec.md describes for operations the
// device-initiated ring has no natural representation for.
func P[T Scalar](p *PE, dst uintptr, value T, pe int) error {
	if err := p.checkPE("p", pe); err != nil {
		return err
	}
	if err := p.checkSymmetric("p", dst); err != nil {
		return err
	}
	if remote, ok := p.Ptr(dst, pe); ok {
		buf, err := p.runtime.Bytes(remote, sizeOf[T]())
		if err != nil {
			return p.wrap("p", err)
		}
		storeElem(buf, value)
		return nil
	}
	var tmp [8]byte
	storeElem(tmp[:], value)
	offset := dst - p.heap.Base
	if err := p.transport.Put(context.Background(), pe, offset, tmp[:sizeOf[T]()]); err != nil {
		return p.wrap("p", err)
	}
	return nil
}

// G reads a single scalar value from pe's src.
func G[T Scalar](p *PE, src uintptr, pe int) (T, error) {
	var zero T
	if err := p.checkPE("g", pe); err != nil {
		return zero, err
	}
	if err := p.checkSymmetric("g", src); err != nil {
		return zero, err
	}
	if remote, ok := p.Ptr(src, pe); ok {
		buf, err := p.runtime.Bytes(remote, sizeOf[T]())
		if err != nil {
			return zero, p.wrap("g", err)
		}
		return loadElem[T](buf), nil
	}
	offset := src - p.heap.Base
	buf := make([]byte, sizeOf[T]())
	if err := p.transport.Get(context.Background(), pe, offset, buf); err != nil {
		return zero, p.wrap("g", err)
	}
	return loadElem[T](buf), nil
}

// IPut writes nelems elements of T from src to pe's dst, striding by
// dstStride/srcStride elements between successive elements on each side.
func IPut[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, nelems int, pe int) error {
	sz := sizeOf[T]()
	if dstStride == 1 && srcStride == 1 && uint64(uintptr(nelems)*sz) >= p.cfg.StridedRMACutover {
		return p.put(dst, src, uintptr(nelems)*sz, pe, true)
	}
	for i := 0; i < nelems; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.put(d, s, sz, pe, true); err != nil {
			return err
		}
	}
	return nil
}

// IGet is IPut's read counterpart.
func IGet[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, nelems int, pe int) error {
	sz := sizeOf[T]()
	if dstStride == 1 && srcStride == 1 && uint64(uintptr(nelems)*sz) >= p.cfg.StridedRMACutover {
		return p.get(dst, src, uintptr(nelems)*sz, pe, true)
	}
	for i := 0; i < nelems; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.get(d, s, sz, pe, true); err != nil {
			return err
		}
	}
	return nil
}

// IPutNbi is IPut's non-blocking form: each element's transfer is
// submitted without waiting on its completion.
func IPutNbi[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, nelems int, pe int) error {
	sz := sizeOf[T]()
	for i := 0; i < nelems; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.put(d, s, sz, pe, false); err != nil {
			return err
		}
	}
	return nil
}

// IGetNbi is IGet's non-blocking form.
func IGetNbi[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, nelems int, pe int) error {
	sz := sizeOf[T]()
	for i := 0; i < nelems; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.get(d, s, sz, pe, false); err != nil {
			return err
		}
	}
	return nil
}

// IBPut is the blocked-strided form of IPut: it moves nblocks contiguous
// runs of blockLen elements each, striding between runs.
func IBPut[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, blockLen, nblocks int, pe int) error {
	sz := sizeOf[T]()
	blockBytes := sz * uintptr(blockLen)
	for i := 0; i < nblocks; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.put(d, s, blockBytes, pe, true); err != nil {
			return err
		}
	}
	return nil
}

// IBGet is IBPut's read counterpart.
func IBGet[T Scalar](p *PE, dst, src uintptr, dstStride, srcStride int64, blockLen, nblocks int, pe int) error {
	sz := sizeOf[T]()
	blockBytes := sz * uintptr(blockLen)
	for i := 0; i < nblocks; i++ {
		d := dst + uintptr(int64(i)*dstStride)*sz
		s := src + uintptr(int64(i)*srcStride)*sz
		if err := p.get(d, s, blockBytes, pe, true); err != nil {
			return err
		}
	}
	return nil
}

// PutWG splits a Put across wgSize concurrent workers, each moving a
// contiguous slice of the element range, standing in for a GPU
// work-group's cooperative thread-block copy (spec.md's work-group RMA
// variants).
func PutWG[T Scalar](p *PE, dst, src uintptr, nelems int, pe int, wgSize int) error {
	return workGroupCopy(wgSize, nelems, func(offsetElems, myN int) error {
		sz := sizeOf[T]()
		d := dst + uintptr(offsetElems)*sz
		s := src + uintptr(offsetElems)*sz
		return p.put(d, s, uintptr(myN)*sz, pe, true)
	})
}

// GetWG is PutWG's read counterpart.
func GetWG[T Scalar](p *PE, dst, src uintptr, nelems int, pe int, wgSize int) error {
	return workGroupCopy(wgSize, nelems, func(offsetElems, myN int) error {
		sz := sizeOf[T]()
		d := dst + uintptr(offsetElems)*sz
		s := src + uintptr(offsetElems)*sz
		return p.get(d, s, uintptr(myN)*sz, pe, true)
	})
}

func workGroupCopy(wgSize, nelems int, do func(offsetElems, myN int) error) error {
	if wgSize <= 1 {
		return do(0, nelems)
	}
	base := nelems / wgSize
	rem := nelems % wgSize

	var wg sync.WaitGroup
	errs := make([]error, wgSize)
	offset := 0
	for rank := 0; rank < wgSize; rank++ {
		myN := base
		if rank < rem {
			myN++
		}
		wg.Add(1)
		go func(rank, offset, myN int) {
			defer wg.Done()
			errs[rank] = do(offset, myN)
		}(rank, offset, myN)
		offset += myN
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
