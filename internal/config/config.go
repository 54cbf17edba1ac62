// Package config resolves goishmem's runtime tunables from environment
// variables, mirroring the env-var-driven configuration style used
// throughout the reference OpenSHMEM-style runtimes this library follows.
package config

import (
	"os"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/goishmem/goishmem/internal/constants"
)

// Config holds every environment-tunable knob read at Init time.
type Config struct {
	// SymmetricSize is the per-PE symmetric heap size in bytes.
	SymmetricSize uint64

	// Debug is read from ISHMEM_DEBUG and kept in the Config; no code path
	// reads it, so setting it adds no checks and no output. The allocation
	// checksum log is controlled by EnableVerbosePrint.
	Debug bool

	// EnableVerbosePrint makes Align log, at debug level, an xxhash
	// fingerprint of each region it allocates. It adds no per-call trace
	// of dispatch or proxy activity.
	EnableVerbosePrint bool

	// EnableGPUIPC turns on intra-node IPC mapping. When false, every PE
	// communicates exclusively through the transport backend, even peers
	// on the same node.
	EnableGPUIPC bool

	// EnableGPUIPCPidfd is read from ISHMEM_ENABLE_GPU_IPC_PIDFD and kept
	// in the Config. The IPC exchange does not read it: it always tries
	// pidfd_getfd first and falls back to the Unix-socket SCM_RIGHTS
	// exchange when that fails.
	EnableGPUIPCPidfd bool

	// EnableAccessibleHostHeap is read from
	// ISHMEM_ENABLE_ACCESSIBLE_HOST_HEAP and kept in the Config; no code
	// path reads it, so the heap is allocated and IPC-mapped the same way
	// whether it is set or not.
	EnableAccessibleHostHeap bool

	// NBICount is the initial reservation for non-blocking operation
	// bookkeeping.
	NBICount int

	// Runtime names which TransportBackend to construct: "loopback" or
	// "tcp".
	Runtime string

	// Cut-over thresholds, in bytes. At or above RMACutover a blocking RMA
	// to a PE without a direct mapping calls the transport instead of the
	// ring; at or above StridedRMACutover a unit-stride IPut/IGet becomes
	// one contiguous transfer; at or above BroadcastCutover and
	// FcollectCutover a WORLD-team Broadcast/Fcollect delegates to the
	// transport backend. AllToAllCutover and CollectCutover are not read.
	RMACutover        uint64
	StridedRMACutover uint64
	AllToAllCutover   uint64
	BroadcastCutover  uint64
	CollectCutover    uint64
	FcollectCutover   uint64
}

// DefaultConfig returns the configuration goishmem uses when no environment
// variables are set.
func DefaultConfig() *Config {
	return &Config{
		SymmetricSize:            constants.DefaultSymmetricSize,
		Debug:                    false,
		EnableVerbosePrint:       false,
		EnableGPUIPC:             true,
		EnableGPUIPCPidfd:        true,
		EnableAccessibleHostHeap: false,
		NBICount:                 constants.DefaultNBICount,
		Runtime:                  "loopback",
		RMACutover:               constants.DefaultRMACutover,
		StridedRMACutover:        constants.DefaultStridedRMACutover,
		AllToAllCutover:          constants.DefaultAllToAllCutover,
		BroadcastCutover:         constants.DefaultBroadcastCutover,
		CollectCutover:           constants.DefaultCollectCutover,
		FcollectCutover:          constants.DefaultFcollectCutover,
	}
}

// FromEnv builds a Config starting from DefaultConfig and overriding each
// field whose environment variable is set.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v, ok := lookupUint(envSize); ok {
		cfg.SymmetricSize = v
	}
	if v, ok := lookupBool(envDebug); ok {
		cfg.Debug = v
	}
	if v, ok := lookupBool(envVerbosePrint); ok {
		cfg.EnableVerbosePrint = v
	}
	if v, ok := lookupBool(envGPUIPC); ok {
		cfg.EnableGPUIPC = v
	}
	if v, ok := lookupBool(envGPUIPCPidfd); ok {
		cfg.EnableGPUIPCPidfd = v
	}
	if v, ok := lookupBool(envAccessibleHeap); ok {
		cfg.EnableAccessibleHostHeap = v
	}
	if v, ok := lookupInt(envNBICount); ok {
		cfg.NBICount = v
	}
	if v, ok := os.LookupEnv(envRuntime); ok && v != "" {
		cfg.Runtime = v
	}
	if v, ok := lookupUint(envRMACutover); ok {
		cfg.RMACutover = v
	}
	if v, ok := lookupUint(envStridedCutover); ok {
		cfg.StridedRMACutover = v
	}
	if v, ok := lookupUint(envAllToAllCutover); ok {
		cfg.AllToAllCutover = v
	}
	if v, ok := lookupUint(envBroadcastCutover); ok {
		cfg.BroadcastCutover = v
	}
	if v, ok := lookupUint(envCollectCutover); ok {
		cfg.CollectCutover = v
	}
	if v, ok := lookupUint(envFcollectCutover); ok {
		cfg.FcollectCutover = v
	}

	return cfg
}

const (
	envSize             = "ISHMEM_SYMMETRIC_SIZE"
	envDebug            = "ISHMEM_DEBUG"
	envVerbosePrint     = "ISHMEM_ENABLE_VERBOSE_PRINT"
	envGPUIPC           = "ISHMEM_ENABLE_GPU_IPC"
	envGPUIPCPidfd      = "ISHMEM_ENABLE_GPU_IPC_PIDFD"
	envAccessibleHeap   = "ISHMEM_ENABLE_ACCESSIBLE_HOST_HEAP"
	envNBICount         = "ISHMEM_NBI_COUNT"
	envRuntime          = "ISHMEM_RUNTIME"
	envRMACutover       = "ISHMEM_RMA_CUTOVER"
	envStridedCutover   = "ISHMEM_STRIDED_RMA_CUTOVER"
	envAllToAllCutover  = "ISHMEM_ALLTOALL_CUTOVER"
	envBroadcastCutover = "ISHMEM_BCAST_CUTOVER"
	envCollectCutover   = "ISHMEM_COLLECT_CUTOVER"
	envFcollectCutover  = "ISHMEM_FCOLLECT_CUTOVER"
)

// DumpJSON renders the config as indented JSON, a human-readable snapshot
// of the resolved environment, using json-iterator's
// standard-library-compatible configuration. No code path in goishmem
// calls it, and nothing else in goishmem uses json-iterator.
func (c *Config) DumpJSON() (string, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func lookupBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func lookupUint(name string) (uint64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
