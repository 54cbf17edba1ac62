package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildInfos constructs the PEInfo contributions for the given layout
// (hosts[h] lists host h's global PEs in local-rank order, e.g.
// host0=[0,1,2,3], host1=[4,5,6,7]) with next_pe wrapping within each host.
func buildInfos(hosts [][]int) []PEInfo {
	localSize := len(hosts[0])
	n := len(hosts) * localSize
	infos := make([]PEInfo, n)
	for _, row := range hosts {
		for r, pe := range row {
			next := row[(r+1)%localSize]
			infos[pe] = PEInfo{GlobalPE: pe, LocalRank: r, NextPE: next}
		}
	}
	return infos
}

func TestDiscoverBuildsHostTable(t *testing.T) {
	infos := buildInfos([][]int{{0, 1, 2, 3}, {4, 5, 6, 7}})

	table, err := Discover(infos, 4)
	require.NoError(t, err)

	assert.Equal(t, 2, table.NumHosts)
	assert.Equal(t, 4, table.LocalSize)
	assert.Equal(t, []int{0, 1, 2, 3}, table.Hosts[0])
	assert.Equal(t, []int{4, 5, 6, 7}, table.Hosts[1])
	assert.False(t, table.OnlyIntra())
}

func TestDiscoverSingleHostIsOnlyIntra(t *testing.T) {
	infos := buildInfos([][]int{{0, 1, 2, 3}})

	table, err := Discover(infos, 4)
	require.NoError(t, err)
	assert.True(t, table.OnlyIntra())
}

func TestPeersOfReturnsSameHostMembers(t *testing.T) {
	infos := buildInfos([][]int{{0, 1, 2, 3}, {4, 5, 6, 7}})
	table, err := Discover(infos, 4)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 1, 2, 3}, table.PeersOf(2))
	assert.ElementsMatch(t, []int{4, 5, 6, 7}, table.PeersOf(7))
}

func TestDiscoverRejectsMismatchedLocalSize(t *testing.T) {
	infos := buildInfos([][]int{{0, 1, 2, 3}, {4, 5, 6, 7}})
	_, err := Discover(infos, 3)
	assert.Error(t, err)
}

func TestDiscoverRejectsDuplicatePEInChain(t *testing.T) {
	infos := buildInfos([][]int{{0, 1, 2, 3}, {4, 5, 6, 7}})
	// Corrupt host 1's chain so it immediately steps into PE 0, which host
	// 0's chain already visited.
	infos[4].NextPE = 0
	_, err := Discover(infos, 4)
	assert.Error(t, err)
}
