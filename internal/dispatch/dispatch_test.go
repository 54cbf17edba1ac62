package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goishmem/goishmem/internal/proto"
)

func TestUnsupportedCellByDefault(t *testing.T) {
	table := NewTable(nil)
	handler := table.Lookup(proto.OpPut, proto.TypeUint8)

	err := handler(&proto.Request{}, &proto.Completion{})
	assert.True(t, errors.Is(err, ErrUnsupportedOp))
}

func TestRegisterOverridesCell(t *testing.T) {
	table := NewTable(nil)
	called := false
	table.Register(proto.OpPut, proto.TypeUint8, func(req *proto.Request, comp *proto.Completion) error {
		called = true
		return nil
	})

	handler := table.Lookup(proto.OpPut, proto.TypeUint8)
	err := handler(&proto.Request{}, &proto.Completion{})

	assert.NoError(t, err)
	assert.True(t, called)
}

func TestLookupOutOfRangeFallsBackToUnsupported(t *testing.T) {
	table := NewTable(nil)
	handler := table.Lookup(proto.Op(9999), proto.Type(9999))

	err := handler(&proto.Request{}, &proto.Completion{})
	assert.ErrorIs(t, err, ErrUnsupportedOp)
}
