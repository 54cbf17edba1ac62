package goishmem

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/ring"
)

// messagePool stages print-upcall text between a device-side reporter and
// the host proxy: NumMessages fixed-size buffers, each guarded by an
// atomic exchange-lock, claimed by a linear scan. The PRINT request
// carries only the slot index and length, keeping the 64-byte ring slot
// free of variable-length payload.
type messagePool struct {
	locks [constants.NumMessages]atomic.Int32
	bufs  [constants.NumMessages][constants.MessageBufSize]byte
}

func (m *messagePool) claim() int {
	for {
		for i := range m.locks {
			if m.locks[i].CompareAndSwap(0, 1) {
				return i
			}
		}
	}
}

func (m *messagePool) write(slot int, msg string) int {
	return copy(m.bufs[slot][:], msg)
}

func (m *messagePool) read(slot, n int) string {
	if n > constants.MessageBufSize {
		n = constants.MessageBufSize
	}
	return string(m.bufs[slot][:n])
}

func (m *messagePool) release(slot int) {
	m.locks[slot].Store(0)
}

// errFatalDiagnostic is what proxyPrint returns so the proxy transitions
// to its exit state: a reported programmer error is fatal by contract,
// there is no recovery path.
var errFatalDiagnostic = errors.New("goishmem: fatal programmer error reported through print upcall")

// diagnose reports a programmer error the way the device tier must: the
// message is staged in the print pool, a PRINT request crosses the ring
// so the host proxy logs it with a fatal message and halts, and the
// structured error is returned to the calling code. With error checking
// compiled out the upcall is skipped and only the error is returned.
func (p *PE) diagnose(e *Error) error {
	if constants.EnableErrorChecking {
		p.printUpcall(e.Msg)
	}
	return e
}

func (p *PE) printUpcall(msg string) {
	slot := p.msgs.claim()
	n := p.msgs.write(slot, msg)

	rslot, seq := p.r.Claim()
	req := p.r.Request(rslot)
	*req = proto.Request{
		Src:    uint64(slot),
		Nelems: uint64(n),
		Op:     proto.OpPrint,
		Type:   proto.TypeMem,
	}
	p.r.Publish(req, 0, seq)
	ring.SpinWaitCompletion(p.r.Completion(rslot), uint32(seq))
	p.msgs.release(slot)
}

// proxyPrint services an OpPrint request: log the staged message, then
// halt the proxy by returning errFatalDiagnostic. The proxy publishes
// the completion after transitioning to EXIT, so the reporting caller's
// spin-wait is still released.
func (p *PE) proxyPrint(req *proto.Request, comp *proto.Completion) error {
	msg := p.msgs.read(int(req.Src), int(req.Nelems))
	p.log.Error("fatal device diagnostic", "msg", msg)
	comp.StoreRet(0)
	return errFatalDiagnostic
}

// checkPE validates a target PE id before a data-path primitive uses it.
// An out-of-range id is a programmer error: diagnosed through the print
// upcall, after which the proxy is halted.
func (p *PE) checkPE(op string, pe int) error {
	if !constants.EnableErrorChecking {
		return nil
	}
	if pe < 0 || pe >= p.n {
		return p.diagnose(newPEError(op, p.id, CodeInvalidPE, fmt.Sprintf("pe %d out of range [0, %d)", pe, p.n)))
	}
	return nil
}

// checkSymmetric validates that addr names a byte of the symmetric heap.
func (p *PE) checkSymmetric(op string, addr uintptr) error {
	if !constants.EnableErrorChecking {
		return nil
	}
	if !p.heap.Contains(addr) {
		return p.diagnose(newPEError(op, p.id, CodeInvalidPointer, fmt.Sprintf("address %#x outside the symmetric heap", addr)))
	}
	return nil
}
