package goishmem

import "github.com/goishmem/goishmem/internal/constants"

// Re-exported tunables and limits, so callers configuring goishmem don't
// need to import the internal package directly.
const (
	MaxLocalPEs             = constants.MaxLocalPEs
	MaxTeams                = constants.MaxTeams
	MaxPEs                  = constants.MaxPEs
	HeapAlignment           = constants.HeapAlignment
	DefaultSymmetricSize    = constants.DefaultSymmetricSize
	RingSize                = constants.RingSize
	DefaultNBICount         = constants.DefaultNBICount
	MaxIPCRetries           = constants.MaxIPCRetries
	DefaultRMACutover       = constants.DefaultRMACutover
	DefaultBroadcastCutover = constants.DefaultBroadcastCutover
	DefaultFcollectCutover  = constants.DefaultFcollectCutover
)
