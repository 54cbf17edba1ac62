// Package ipcmap implements intra-node IPC mapping: exchanging each PE's
// heap export handle with every other intra-node PE and recording, per
// remote, the delta between the remote mapping and the local heap base.
// Two exchange mechanisms are attempted in order: pidfd_getfd, then a
// Unix-domain-socket SCM_RIGHTS fallback.
package ipcmap

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/interfaces"
)

// Entry is one slot of the dense IPC mapping table, indexed by
// local_pes[p]. Entry 0 is the reserved "not local" sentinel.
type Entry struct {
	// Buffer is the local mapping of the remote PE's heap (or this PE's own
	// heap, for the self entry).
	Buffer uintptr
	// Delta is Buffer - localHeapBase.
	Delta uintptr
}

// Table is the dense array of MAX_LOCAL_PES+1 entries plus bookkeeping for
// which global PE maps to which local index.
type Table struct {
	Entries   [constants.MaxLocalPEs + 1]Entry
	LocalPEs  map[int]int // global PE -> local_pes index (0 means not local)
	OnlyIntra bool
}

// NewTable returns an empty table with no entries populated.
func NewTable() *Table {
	return &Table{LocalPEs: make(map[int]int)}
}

// PeerExport describes what one intra-node peer publishes about its own
// heap so that others can map it.
type PeerExport struct {
	GlobalPE  int
	LocalRank int
	Pid       int
	Handle    interfaces.ExportHandle
	HeapBase  uintptr
}

// Build establishes mappings for every peer in peers (the full intra-node
// membership, self included) using runtime to import each remote handle.
// onlyIntra is the precomputed only_intra_node flag (local_size == n_pes),
// the authoritative computation for which lives in internal/topology. On
// return, Entries[0] is the sentinel, and for every peer the assigned
// local_pes index is published into the returned LocalPEs map.
func Build(runtime interfaces.DeviceRuntime, localHeapBase uintptr, self PeerExport, peers []PeerExport, onlyIntra bool, log interfaces.Logger) (*Table, error) {
	t := NewTable()
	t.OnlyIntra = onlyIntra

	responder, err := StartResponder(self, log)
	if err != nil {
		return nil, fmt.Errorf("ipcmap: start responder: %w", err)
	}
	defer responder.Stop()

	idx := 1
	for _, peer := range peers {
		if peer.GlobalPE == self.GlobalPE {
			t.LocalPEs[peer.GlobalPE] = idx
			t.Entries[idx] = Entry{Buffer: localHeapBase, Delta: 0}
			idx++
			continue
		}

		mapped, err := importPeer(runtime, peer, log)
		if err != nil {
			return nil, fmt.Errorf("ipcmap: import peer pe=%d: %w", peer.GlobalPE, err)
		}

		t.LocalPEs[peer.GlobalPE] = idx
		t.Entries[idx] = Entry{Buffer: mapped, Delta: mapped - localHeapBase}
		idx++
	}

	return t, nil
}

// importPeer tries the pidfd path first, falling back to the Unix-socket
// SCM_RIGHTS responder on any failure.
func importPeer(runtime interfaces.DeviceRuntime, peer PeerExport, log interfaces.Logger) (uintptr, error) {
	if mapped, err := importViaPidfd(runtime, peer); err == nil {
		return mapped, nil
	} else if log != nil {
		log.Warn("pidfd IPC import failed, falling back to socket exchange", "pe", peer.GlobalPE, "err", err)
	}
	return importViaSocket(runtime, peer)
}

// importViaPidfd opens the peer's pid as a pidfd, pulls its heap fd via
// pidfd_getfd, and hands the duplicated fd to the device runtime to map.
func importViaPidfd(runtime interfaces.DeviceRuntime, peer PeerExport) (uintptr, error) {
	pidfd, err := unix.PidfdOpen(peer.Pid, 0)
	if err != nil {
		return 0, fmt.Errorf("pidfd_open(pid=%d): %w", peer.Pid, err)
	}
	defer unix.Close(pidfd)

	remoteFd, err := unix.PidfdGetfd(pidfd, peer.Handle.FD, 0)
	if err != nil {
		return 0, fmt.Errorf("pidfd_getfd: %w", err)
	}

	return runtime.MapPeer(interfaces.ExportHandle{FD: remoteFd, Size: peer.Handle.Size, Offset: peer.Handle.Offset})
}

// Responder serves this PE's heap export handle to other intra-node PEs
// over the SCM_RIGHTS fallback socket, the listening half of the
// exchange importViaSocket performs from the connecting side. spec.md
// section 4.3 requires every PE to bind
// /tmp/ishmem-ipc-fd-sock-<pid>:<local_rank> before any peer's socket
// import can reach it, and to tear the listener down once every peer
// has finished importing.
type Responder struct {
	ln   net.Listener
	path string
	fd   int
	done chan struct{}
}

// StartResponder binds self's well-known socket path and begins serving
// self.Handle.FD to any connecting peer over SCM_RIGHTS in a background
// goroutine. Call Stop once every peer has finished importing from it.
func StartResponder(self PeerExport, log interfaces.Logger) (*Responder, error) {
	path := fmt.Sprintf(constants.IPCSocketPathFormat, self.Pid, self.LocalRank)
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipcmap: listen %s: %w", path, err)
	}

	r := &Responder{ln: ln, path: path, fd: self.Handle.FD, done: make(chan struct{})}
	go r.serve(log)
	return r, nil
}

func (r *Responder) serve(log interfaces.Logger) {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if log != nil {
				log.Warn("ipc responder accept failed", "path", r.path, "err", err)
			}
			return
		}
		go r.respond(conn, log)
	}
}

func (r *Responder) respond(conn net.Conn, log interfaces.Logger) {
	defer conn.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	rights := unix.UnixRights(r.fd)
	if _, _, err := uc.WriteMsgUnix([]byte("x"), rights, nil); err != nil && log != nil {
		log.Warn("ipc responder send failed", "path", r.path, "err", err)
	}
}

// Stop closes the listener and unlinks the socket file. Any peer still
// mid-dial sees a connection error and retries against
// constants.MaxIPCRetries, so Stop is only safe to call once every peer
// known to be importing from this responder has completed its import.
func (r *Responder) Stop() error {
	close(r.done)
	err := r.ln.Close()
	os.Remove(r.path)
	return err
}

// importViaSocket connects to the peer's responder socket and receives the
// peer's heap fd over SCM_RIGHTS, retrying a failed dial or receive up to
// constants.MaxIPCRetries attempts in all.
func importViaSocket(runtime interfaces.DeviceRuntime, peer PeerExport) (uintptr, error) {
	path := fmt.Sprintf(constants.IPCSocketPathFormat, peer.Pid, peer.LocalRank)

	var lastErr error
	for attempt := 0; attempt < constants.MaxIPCRetries; attempt++ {
		fd, err := recvFDFromSocket(path)
		if err == nil {
			return runtime.MapPeer(interfaces.ExportHandle{FD: fd, Size: peer.Handle.Size})
		}
		lastErr = err
		time.Sleep(constants.IPCAcceptRetryDelay)
	}
	return 0, fmt.Errorf("ipcmap: socket exchange with pe=%d exhausted retries: %w", peer.GlobalPE, lastErr)
}

func recvFDFromSocket(path string) (int, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return -1, fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, fmt.Errorf("non-unix connection to %s", path)
	}

	rawConn, err := uc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw conn: %w", err)
	}

	buf := make([]byte, 32)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error

	if ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		// Returning false on EAGAIN makes the runtime wait until the
		// socket is readable and call this function again.
		return recvErr != unix.EAGAIN && recvErr != unix.EWOULDBLOCK
	}); ctrlErr != nil {
		return -1, fmt.Errorf("raw conn read: %w", ctrlErr)
	}
	if recvErr != nil {
		return -1, fmt.Errorf("recvmsg: %w", recvErr)
	}
	_ = n

	if oobn == 0 {
		return -1, fmt.Errorf("no control message received")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err == nil && len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("control message carried no fds")
}
