package ipcmap

import (
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/goishmem/goishmem/internal/accel"
	"github.com/goishmem/goishmem/internal/constants"
)

func TestBuildSelfEntryHasZeroDelta(t *testing.T) {
	sim := accel.NewSimRuntime()
	base, _, err := sim.AllocateSymmetric(4096)
	require.NoError(t, err)

	self := PeerExport{GlobalPE: 0, LocalRank: 0, Pid: os.Getpid(), HeapBase: base}
	table, err := Build(sim, base, self, []PeerExport{self}, true, nil)
	require.NoError(t, err)

	idx := table.LocalPEs[0]
	require.NotZero(t, idx)
	assert.Equal(t, base, table.Entries[idx].Buffer)
	assert.Zero(t, table.Entries[idx].Delta)
}

func TestRecvFDFromSocketReceivesSCMRights(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/ipc.sock"

	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer l.Close()

	// The fd we expect to receive: our own stdin, picked only because it is
	// guaranteed open.
	wantFd := int(os.Stdin.Fd())

	serverDone := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		uc := conn.(*net.UnixConn)
		rights := unix.UnixRights(wantFd)
		_, _, err = uc.WriteMsgUnix([]byte("x"), rights, nil)
		serverDone <- err
	}()

	gotFd, err := recvFDFromSocket(sockPath)
	require.NoError(t, err)
	defer unix.Close(gotFd)

	require.NoError(t, <-serverDone)
	assert.Greater(t, gotFd, 0)
}

func TestResponderServesHandleToConnectingPeer(t *testing.T) {
	// A real device runtime, not the sim: the responder pushes the
	// handle's fd through SCM_RIGHTS, which requires a genuinely open
	// file descriptor (the sim's synthetic handles are not fds).
	dev, err := accel.NewDevice(accel.Config{})
	require.NoError(t, err)
	_, handle, err := dev.AllocateSymmetric(4096)
	require.NoError(t, err)
	defer unix.Close(handle.FD)

	self := PeerExport{GlobalPE: 0, LocalRank: 3, Pid: os.Getpid(), Handle: handle}
	path := fmt.Sprintf(constants.IPCSocketPathFormat, self.Pid, self.LocalRank)
	os.Remove(path)
	defer os.Remove(path)

	responder, err := StartResponder(self, nil)
	require.NoError(t, err)
	defer responder.Stop()

	gotFd, err := recvFDFromSocket(path)
	require.NoError(t, err)
	defer unix.Close(gotFd)
	assert.Greater(t, gotFd, 0)
}

func TestImportViaSocketReceivesHandleAndMaps(t *testing.T) {
	// As in the responder test, the fd crossing the socket must be real,
	// and the import side's MapPeer must be able to mmap what arrives.
	dev, err := accel.NewDevice(accel.Config{})
	require.NoError(t, err)
	_, handle, err := dev.AllocateSymmetric(4096)
	require.NoError(t, err)
	defer unix.Close(handle.FD)

	localRank := 7
	peerPid := os.Getpid()
	sockPath := fmt.Sprintf(constants.IPCSocketPathFormat, peerPid, localRank)
	os.Remove(sockPath)

	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer l.Close()
	defer os.Remove(sockPath)

	serverDone := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		uc := conn.(*net.UnixConn)
		rights := unix.UnixRights(handle.FD)
		_, _, err = uc.WriteMsgUnix([]byte("x"), rights, nil)
		serverDone <- err
	}()

	peer := PeerExport{GlobalPE: 1, LocalRank: localRank, Pid: peerPid, Handle: handle}
	mapped, err := importViaSocket(dev, peer)
	require.NoError(t, <-serverDone)
	require.NoError(t, err)
	assert.NotZero(t, mapped)
}
