package goishmem

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesLegacyShmemError(t *testing.T) {
	err := newPEError("put", 3, CodeInvalidPE, "bad pe")
	assert.True(t, errors.Is(err, ErrInvalidPE))
	assert.False(t, errors.Is(err, ErrHeapExhausted))
}

func TestWrapErrorMapsTransientErrno(t *testing.T) {
	err := wrapError("ipc_accept", syscall.EAGAIN)
	assert.True(t, IsCode(err, CodeTransientIPC))
	assert.True(t, IsErrno(err, syscall.EAGAIN))
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := newTeamError("team_sync", 2, CodeInvalidTeam, "unknown team")
	wrapped := wrapError("team_sync", inner)
	assert.Equal(t, CodeInvalidTeam, wrapped.Code)
	assert.Equal(t, 2, wrapped.Team)
}

func TestErrorStringIncludesOpAndPE(t *testing.T) {
	err := newPEError("get", 7, CodeInvalidPointer, "unaligned")
	assert.Contains(t, err.Error(), "op=get")
	assert.Contains(t, err.Error(), "pe=7")
}

func TestWrapErrorOnNilReturnsNil(t *testing.T) {
	assert.Nil(t, wrapError("noop", nil))
}
