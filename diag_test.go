package goishmem

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/proxy"
)

func TestMessagePoolClaimWriteReadRelease(t *testing.T) {
	var m messagePool

	slot := m.claim()
	n := m.write(slot, "bad pe")
	assert.Equal(t, "bad pe", m.read(slot, n))

	m.release(slot)
	assert.Equal(t, slot, m.claim(), "a released slot is claimable again by the linear scan")
	m.release(slot)
}

func TestMessagePoolTruncatesOverlongMessage(t *testing.T) {
	var m messagePool

	long := strings.Repeat("x", constants.MessageBufSize+100)
	slot := m.claim()
	n := m.write(slot, long)
	assert.Equal(t, constants.MessageBufSize, n)
	assert.Equal(t, long[:constants.MessageBufSize], m.read(slot, n))
	m.release(slot)
}

func TestInvalidPEDiagnosticHaltsProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)

	err = Put[uint8](pe, addr, addr, 1, 42)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidPE))
	assert.Equal(t, proxy.StateExit, pe.px.State())
}

func TestOutOfHeapPointerDiagnosticHaltsProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)

	err = Put[uint8](pe, 0x10, addr, 1, pe.MyPE())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidPointer))
	assert.Equal(t, proxy.StateExit, pe.px.State())
}

func TestWaitUntilUnknownComparatorHaltsProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(1), pe.MyPE()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = WaitUntil[int64](ctx, pe, addr, Cmp(99), 1)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidComparison))
	assert.Equal(t, proxy.StateExit, pe.px.State())
}

func TestTeamDestroyDiagnosticHaltsProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	err = pe.TeamDestroy(pe.teams[TeamWorld])
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidTeam))
	assert.Equal(t, proxy.StateExit, pe.px.State())
}

// Test's probe contract wins over the fatal path: an unknown comparator
// reports TestInvalid without touching the proxy.
func TestProbeInvalidComparatorDoesNotHaltProxy(t *testing.T) {
	pes, err := NewTestJob(1, 1<<16)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, P(pe, addr, int64(1), pe.MyPE()))

	res, _, err := Test[int64](pe, addr, Cmp(99), 1)
	require.Error(t, err)
	assert.Equal(t, TestInvalid, res)
	assert.Equal(t, proxy.StateRunning, pe.px.State())
}
