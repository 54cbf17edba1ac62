// Package topology discovers the node-local structure of the job: which
// PEs share a host, each PE's local rank, and the 2-D host x local_rank to
// global PE table used by collectives and by the fast-path/proxy split.
package topology

import "fmt"

// PEInfo is what every PE contributes to the discovery fcollect.
type PEInfo struct {
	GlobalPE  int
	LocalRank int
	// NextPE is the global PE whose local rank is (LocalRank+1) mod
	// LocalSize on the same host.
	NextPE int
}

// Table is the discovered topology: a dense host x local_rank grid of
// global PE numbers, plus convenience lookups.
type Table struct {
	// Hosts[h][r] is the global PE at host h, local rank r.
	Hosts [][]int

	LocalSize int
	NumHosts  int

	localPEOf map[int]int // global PE -> host index
}

// Discover builds the topology table from every PE's contribution. infos
// must contain exactly one entry per global PE (indexed by GlobalPE, i.e.
// infos[p].GlobalPE == p); this is what an fcollect of local_info across
// WORLD produces. localSize is the number of PEs sharing this process's
// host (obtained from the transport backend's node-local rank API).
func Discover(infos []PEInfo, localSize int) (*Table, error) {
	n := len(infos)
	if localSize <= 0 || n%localSize != 0 {
		return nil, fmt.Errorf("topology: n_pes=%d not divisible by local_size=%d", n, localSize)
	}
	numHosts := n / localSize

	byPE := make(map[int]PEInfo, n)
	for _, info := range infos {
		byPE[info.GlobalPE] = info
	}

	hosts := make([][]int, numHosts)
	for i := range hosts {
		hosts[i] = make([]int, localSize)
		for r := range hosts[i] {
			hosts[i][r] = -1
		}
	}

	seen := make(map[int]bool, n)
	host := 0
	for _, info := range infos {
		if info.LocalRank != 0 {
			continue
		}
		cur := info.GlobalPE
		for r := 0; r < localSize; r++ {
			if host >= numHosts {
				return nil, fmt.Errorf("topology: more local_rank==0 chains than hosts (%d)", numHosts)
			}
			hosts[host][r] = cur
			if seen[cur] {
				return nil, fmt.Errorf("topology: pe %d appears in more than one chain", cur)
			}
			seen[cur] = true
			next, ok := byPE[cur]
			if !ok {
				return nil, fmt.Errorf("topology: missing contribution from pe %d", cur)
			}
			cur = next.NextPE
		}
		host++
	}

	if host != numHosts {
		return nil, fmt.Errorf("topology: found %d local_rank==0 chains, want %d", host, numHosts)
	}
	if len(seen) != n {
		return nil, fmt.Errorf("topology: %d distinct PEs visited, want %d", len(seen), n)
	}

	localPEOf := make(map[int]int, n)
	for h, row := range hosts {
		for _, pe := range row {
			localPEOf[pe] = h
		}
	}

	return &Table{
		Hosts:     hosts,
		LocalSize: localSize,
		NumHosts:  numHosts,
		localPEOf: localPEOf,
	}, nil
}

// HostOf returns the host index that global PE pe belongs to.
func (t *Table) HostOf(pe int) int {
	return t.localPEOf[pe]
}

// PeersOf returns every global PE sharing pe's host, in local-rank order.
func (t *Table) PeersOf(pe int) []int {
	h := t.HostOf(pe)
	peers := make([]int, len(t.Hosts[h]))
	copy(peers, t.Hosts[h])
	return peers
}

// OnlyIntra reports whether the entire job fits on a single host.
func (t *Table) OnlyIntra() bool {
	return t.NumHosts == 1
}
