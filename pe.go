// Package goishmem implements a GPU-native partitioned-global-address-space
// communication library in the style of the SHMEM family: every process
// ("PE") exposes a symmetric heap, and communication primitives (put, get,
// atomics, collectives, wait/test, signaling) name a destination as a
// (pe, offset) pair rather than a process-local pointer.
//
// The "device tier" this library's real counterpart runs inside GPU
// kernels is realized here as ordinary goroutines: every exported
// function that would be device-callable in the original design is an
// ordinary Go call, and the fast-path/proxy-path split still governs
// whether it completes as a direct memory copy or a round trip through
// the request ring and the host proxy goroutine.
package goishmem

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/goishmem/goishmem/internal/accel"
	"github.com/goishmem/goishmem/internal/config"
	"github.com/goishmem/goishmem/internal/dispatch"
	"github.com/goishmem/goishmem/internal/heap"
	"github.com/goishmem/goishmem/internal/interfaces"
	"github.com/goishmem/goishmem/internal/ipcmap"
	"github.com/goishmem/goishmem/internal/logging"
	"github.com/goishmem/goishmem/internal/proxy"
	"github.com/goishmem/goishmem/internal/ring"
	"github.com/goishmem/goishmem/internal/topology"
)

// ThreadLevel mirrors shmem_init_thread's requested/provided thread
// support levels.
type ThreadLevel int

const (
	ThreadSingle ThreadLevel = iota
	ThreadFunneled
	ThreadSerialized
	ThreadMultiple
)

// Params configures a PE at Init. Transport is the only required field;
// everything else defaults the way DefaultConfig/NewDevice do.
type Params struct {
	// Transport is the external inter-node collaborator (spec.md
	// section 1): MPI/PMI/OpenSHMEM-equivalent rank/size, collectives,
	// and RMA to a registered window. Required.
	Transport interfaces.TransportBackend

	// Runtime is the external device-runtime collaborator. Defaults to a
	// real accel.Device (memfd-backed mmap symmetric memory) when
	// nil.
	Runtime interfaces.DeviceRuntime

	Config   *config.Config
	Logger   *logging.Logger
	Observer Observer

	// LocalRank and LocalSize place this PE within its node for IPC
	// mapping and the predefined SHARED/NODE teams; LocalRank indexes
	// within [0, LocalSize). A LocalSize of 0 or 1 means "no intra-node
	// peers", i.e. IPC mapping is skipped and every op goes through the
	// proxy path.
	LocalRank int
	LocalSize int

	// IPCPeers lists every intra-node peer's export handle (self
	// included) for the IPC mapping exchange. Required when
	// Config.EnableGPUIPC is true and LocalSize > 1.
	IPCPeers []ipcmap.PeerExport

	// TeamRegistry backs the fast counting barrier used by
	// TeamSync when a team is only-intra. It is an in-process stand-in
	// for the symmetric-heap-resident counters a real multi-process
	// deployment would use (see teams.go); every PE in one simulated job
	// must share the same registry. Nil disables the fast path: team
	// sync always delegates to the transport backend.
	TeamRegistry *TeamRegistry
}

// PE is one process's view of the job: its symmetric heap, its IPC
// mapping table, its request ring and proxy goroutine, and its team pool.
// Every exported RMA/AMO/signal/collective function in this package takes
// a *PE as its first argument (Go has no generic methods, so the
// type-parameterized primitives are free functions rather than methods).
type PE struct {
	id int
	n  int

	cfg      *config.Config
	log      *logging.Logger
	observer Observer
	metrics  *Metrics

	transport interfaces.TransportBackend
	runtime   interfaces.DeviceRuntime

	heap      *heap.Heap
	ipc       *ipcmap.Table
	onlyIntra bool

	r             *ring.Ring
	dispatchTable *dispatch.Table
	px            *proxy.Proxy
	proxyCancel   context.CancelFunc
	msgs          messagePool

	topo *topology.Table

	teamsMu    sync.Mutex
	teams      map[int]*Team
	nextTeamID int
	teamReg    *TeamRegistry

	threadLevel ThreadLevel
	initialized bool

	finiMu sync.Mutex
	fini   []func() error
}

// Init brings up a PE with ThreadSingle support, the common case for
// callers that don't need InitThread's negotiated thread level.
func Init(params Params) (*PE, error) {
	_, p, err := InitThread(int(ThreadSingle), params)
	return p, err
}

// InitAttr is the attribute-driven form of Init: in this implementation
// attr carries nothing Params doesn't already, so it's a thin alias kept
// for API-surface parity with the spec's lifecycle group.
func InitAttr(attr Params) (*PE, error) {
	return Init(attr)
}

// InitThread brings up a PE, requesting the given thread support level,
// and returns the level actually provided (always equal to requested:
// this implementation has no funneled/serialized distinction to enforce
// since Go's runtime already serializes goroutine scheduling safely).
// On any setup failure every subsystem initialized so far is unwound in
// reverse order before the error is returned, per spec.md section 7.
func InitThread(requested int, params Params) (provided int, pe *PE, err error) {
	if params.Transport == nil {
		return 0, nil, newError("init_thread", CodeInvalidRuntime, "Params.Transport is required")
	}

	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	switch cfg.Runtime {
	case "loopback", "tcp":
	default:
		return 0, nil, newError("init_thread", CodeInvalidRuntime,
			fmt.Sprintf("unknown RUNTIME selector %q (want loopback or tcp)", cfg.Runtime))
	}
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := params.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	log = log.WithPE(params.Transport.Rank())

	p := &PE{
		id:          params.Transport.Rank(),
		n:           params.Transport.Size(),
		cfg:         cfg,
		log:         log,
		observer:    obs,
		metrics:     NewMetrics(time.Now()),
		transport:   params.Transport,
		teams:       make(map[int]*Team),
		teamReg:     params.TeamRegistry,
		threadLevel: ThreadLevel(requested),
	}

	var fini []func() error
	unwind := func(cause error) (int, *PE, error) {
		for i := len(fini) - 1; i >= 0; i-- {
			if uerr := fini[i](); uerr != nil {
				log.Error("init: rollback step failed", "err", uerr)
			}
		}
		return 0, nil, cause
	}

	runtime := params.Runtime
	if runtime == nil {
		dev, err := accel.NewDevice(accel.Config{LinkQueueCount: 1, Logger: log})
		if err != nil {
			return unwind(p.wrap("init", err))
		}
		runtime = dev
	}
	p.runtime = runtime

	h, selfHandle, err := heap.New(runtime, uintptr(cfg.SymmetricSize))
	if err != nil {
		return unwind(p.wrap("init", err))
	}
	p.heap = h
	fini = append(fini, h.Destroy)

	// The heap is the RMA window: a transport-level Put/Get/AMO at offset
	// o lands in the target PE's heap at base+o, the same byte a
	// device-side IPC store through the delta table would reach. The
	// barrier keeps any PE from issuing RMA before every peer has
	// registered; init is collective anyway, so this adds no new
	// requirement on callers.
	heapBytes, err := runtime.Bytes(h.Base, uintptr(cfg.SymmetricSize))
	if err != nil {
		return unwind(p.wrap("init", err))
	}
	params.Transport.RegisterWindow(heapBytes)
	if err := params.Transport.Barrier(context.Background()); err != nil {
		return unwind(p.wrap("init", err))
	}

	onlyIntra := params.LocalSize > 0 && params.LocalSize == p.n
	if cfg.EnableGPUIPC && params.LocalSize > 1 {
		self := ipcmap.PeerExport{
			GlobalPE:  p.id,
			LocalRank: params.LocalRank,
			Pid:       os.Getpid(),
			Handle:    selfHandle,
			HeapBase:  h.Base,
		}
		peers := params.IPCPeers
		if len(peers) == 0 {
			peers = []ipcmap.PeerExport{self}
		}
		table, err := ipcmap.Build(runtime, h.Base, self, peers, onlyIntra, log)
		if err != nil {
			return unwind(p.wrap("init", err))
		}
		p.ipc = table
	} else {
		p.ipc = ipcmap.NewTable()
		p.ipc.OnlyIntra = onlyIntra
		// Self always maps to its own heap at delta 0, even with IPC
		// disabled, so Ptr(dst, MyPE()) still behaves for the calling
		// PE's own address.
		p.ipc.LocalPEs[p.id] = 1
		p.ipc.Entries[1] = ipcmap.Entry{Buffer: h.Base, Delta: 0}
	}
	p.onlyIntra = onlyIntra

	p.r = ring.New()
	p.dispatchTable = dispatch.NewTable(log)
	p.registerBackend()

	ctx, cancel := context.WithCancel(context.Background())
	p.proxyCancel = cancel
	p.px = proxy.New(p.r, p.dispatchTable, log, p.observer)
	if params.LocalSize > 1 {
		// Round-robin the proxy thread across CPUs the way the teacher's
		// ioLoop pins each queue's thread, so proxies on the same node
		// don't all contend for one core.
		p.px.SetCPUAffinity(params.LocalRank % goruntime.NumCPU())
	}
	go p.px.Run(ctx)
	fini = append(fini, func() error {
		cancel()
		<-p.px.Stopped()
		return nil
	})

	if params.LocalSize > 0 {
		if err := p.discoverTopology(params.LocalRank, params.LocalSize); err != nil {
			log.Warn("init: topology discovery failed, falling back to single-host assumption", "err", err)
		}
	}

	p.teams[int(TeamWorld)] = newWorldTeam(p)
	sharedSize := params.LocalSize
	if sharedSize <= 0 {
		sharedSize = 1
	}
	p.teams[int(TeamShared)] = newNodeTeam(p, int(TeamShared), sharedSize)
	p.teams[int(TeamNode)] = newNodeTeam(p, int(TeamNode), sharedSize)
	p.nextTeamID = int(TeamNode) + 1

	p.fini = fini
	p.initialized = true
	return requested, p, nil
}

// discoverTopology builds the host x local_rank -> global_pe table per
// spec.md section 4.7, assuming PEs are laid out in contiguous
// LocalSize-sized blocks per host (the common launcher convention); see
// DESIGN.md for the rationale.
func (p *PE) discoverTopology(localRank, localSize int) error {
	hostStart := (p.id / localSize) * localSize
	nextPE := hostStart + (localRank+1)%localSize
	self := topology.PEInfo{GlobalPE: p.id, LocalRank: localRank, NextPE: nextPE}

	selfBytes := encodePEInfo(self)
	gathered := make([]byte, p.n*len(selfBytes))
	if err := p.transport.Fcollect(context.Background(), gathered, selfBytes); err != nil {
		return err
	}

	infos := make([]topology.PEInfo, p.n)
	for i := range infos {
		infos[i] = decodePEInfo(gathered[i*len(selfBytes) : (i+1)*len(selfBytes)])
		// Fcollect orders contributions by the transport's rank, which this
		// package always sets equal to the global PE number (see
		// InitThread), so position i in the gathered buffer is PE i's
		// contribution without needing to carry GlobalPE over the wire.
		infos[i].GlobalPE = i
	}
	table, err := topology.Discover(infos, localSize)
	if err != nil {
		return err
	}
	p.topo = table
	return nil
}

// Finalize tears down every subsystem in reverse init order. It is safe
// to call on a PE whose Init partially failed (Init already unwound what
// it started) and safe to call more than once.
func (p *PE) Finalize() error {
	if !p.initialized {
		return nil
	}
	p.finiMu.Lock()
	defer p.finiMu.Unlock()
	if !p.initialized {
		return nil
	}
	for i := len(p.fini) - 1; i >= 0; i-- {
		if err := p.fini[i](); err != nil {
			p.log.Error("finalize: subsystem teardown failed", "err", err)
		}
	}
	p.initialized = false
	return p.transport.Close()
}

// MyPE returns this process's global PE number.
func (p *PE) MyPE() int { return p.id }

// NPes returns the total number of PEs in the job.
func (p *PE) NPes() int { return p.n }

// QueryThread returns the thread support level negotiated at InitThread.
func (p *PE) QueryThread() int { return int(p.threadLevel) }

// QueryInitialized reports whether p has been initialized and not yet
// finalized.
func (p *PE) QueryInitialized() bool { return p.initialized }

// Name and Version satisfy the spec's version/name query group.
func (p *PE) Name() string        { return "goishmem" }
func (p *PE) Version() (int, int) { return 1, 0 }

func (p *PE) isIntraNode(pe int) bool {
	idx, ok := p.ipc.LocalPEs[pe]
	return ok && idx != 0
}

// wrap attaches p's PE number to err via the structured Error type,
// returning nil for a nil err.
func (p *PE) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	e := wrapError(op, err)
	e.PE = p.id
	return e
}

func encodePEInfo(info topology.PEInfo) []byte {
	var b [8]byte
	putI32(b[0:4], int32(info.LocalRank))
	putI32(b[4:8], int32(info.NextPE))
	return b[:]
}

func decodePEInfo(b []byte) topology.PEInfo {
	return topology.PEInfo{
		LocalRank: int(getI32(b[0:4])),
		NextPE:    int(getI32(b[4:8])),
	}
}

func putI32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getI32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
