package goishmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocYieldsIdenticalOffsetsAcrossPEs(t *testing.T) {
	pes, err := NewTestJob(3, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	// Every PE calling Malloc collectively, in the same order, with the
	// same size must land at the same (addr - heap.Base) offset, the
	// invariant every RMA/AMO primitive's address translation depends on.
	addrs := mallocAll(t, pes, 256)
	offsets := make([]uintptr, len(pes))
	for i, pe := range pes {
		offsets[i] = addrs[i] - pe.heap.Base
	}
	for i := 1; i < len(offsets); i++ {
		assert.Equal(t, offsets[0], offsets[i])
	}
}

func TestAlignRespectsExplicitAlignment(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Align(128, 37)
	require.NoError(t, err)
	assert.Zero(t, (addr-pe.heap.Base)%128)
}

func TestCopyAndZero(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	src, err := pe.Malloc(16)
	require.NoError(t, err)
	dst, err := pe.Malloc(16)
	require.NoError(t, err)

	require.NoError(t, pe.setByteForTest(src, 0xAB))
	require.NoError(t, pe.Copy(dst, src, 16))

	buf, err := pe.runtime.Bytes(dst, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), buf[0])

	require.NoError(t, pe.Zero(dst, 16))
	buf, err = pe.runtime.Bytes(dst, 16)
	require.NoError(t, err)
	for _, b := range buf {
		assert.Zero(t, b)
	}
}

func TestPtrResolvesOwnAddressEvenWithoutIPC(t *testing.T) {
	pes, err := NewTestJob(1, 1<<20)
	require.NoError(t, err)
	defer FinalizeAll(pes)

	pe := pes[0]
	addr, err := pe.Malloc(8)
	require.NoError(t, err)

	local, ok := pe.Ptr(addr, pe.MyPE())
	require.True(t, ok)
	assert.Equal(t, addr, local)
}

// setByteForTest writes a single byte directly through the device runtime,
// standing in for a real device-side store this library otherwise never
// needs (every write path goes through Put/AtomicX).
func (p *PE) setByteForTest(addr uintptr, v byte) error {
	buf, err := p.runtime.Bytes(addr, 1)
	if err != nil {
		return err
	}
	buf[0] = v
	return nil
}
