// Package dispatch implements the backend function table: a 2-D array
// indexed by (operation, element type) where each cell is a backend routine
// that knows how to service one request against the transport backend.
// Unset cells route to a shared "unsupported op" handler that logs the
// symbolic (op, type) pair and signals the proxy to halt.
package dispatch

import (
	"fmt"

	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/proto"
)

// Handler services one request against a backend and fills in the
// completion. It returns an error only for conditions that should halt the
// proxy (an unsupported cell or a fatal backend failure); data-path
// failures are expected to be rare/fatal per the error taxonomy and are
// reported the same way.
type Handler func(req *proto.Request, comp *proto.Completion) error

// Table is the (op, type)-indexed function table. The zero value has every
// cell routed to the unsupported-op handler.
type Table struct {
	cells [proto.OpCount][proto.TypeCount]Handler
	log   interfaces.Logger
}

// NewTable returns a table with every cell defaulted to UnsupportedOp.
func NewTable(logger interfaces.Logger) *Table {
	t := &Table{log: logger}
	for op := 0; op < proto.OpCount; op++ {
		for typ := 0; typ < proto.TypeCount; typ++ {
			t.cells[op][typ] = t.unsupportedOp(proto.Op(op), proto.Type(typ))
		}
	}
	return t
}

// Register installs handler for the given (op, type) cell, overwriting
// whatever was there (including the unsupported-op default).
func (t *Table) Register(op proto.Op, typ proto.Type, handler Handler) {
	t.cells[op][typ] = handler
}

// Lookup returns the handler registered for (op, type). The zero Table
// returns the unsupported-op handler for every cell, so Lookup never
// returns nil once the table has been constructed via NewTable.
func (t *Table) Lookup(op proto.Op, typ proto.Type) Handler {
	if int(op) >= proto.OpCount || int(typ) >= proto.TypeCount {
		return t.unsupportedOp(op, typ)
	}
	return t.cells[op][typ]
}

// ErrUnsupportedOp is returned by the shared fallback handler and is the
// sentinel the proxy checks to decide whether to transition to EXIT.
var ErrUnsupportedOp = fmt.Errorf("dispatch: unsupported (op, type) cell")

func (t *Table) unsupportedOp(op proto.Op, typ proto.Type) Handler {
	return func(req *proto.Request, comp *proto.Completion) error {
		if t.log != nil {
			t.log.Error("unsupported dispatch cell", "op", op, "type", typ)
		}
		return ErrUnsupportedOp
	}
}
