package scanner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flonet/flocrawl/internal/chainview"
	"github.com/flonet/flocrawl/internal/peer"
)

// Status is a machine-readable fold of the current session states.
type Status struct {
	Peers     int
	Open      int
	Synced    int
	Destroyed uint64

	NumChains int
	Chains    []ChainStatus
}

// ChainStatus summarizes one group of agreeing peers.
type ChainStatus struct {
	ID         chainview.ChainID
	NumPeers   int
	BestHeight int32
	BestHash   peer.RHash
}

// Status folds every session snapshot plus the chain view into one report.
func (s *Scanner) Status() Status {
	view, snaps := s.view()

	st := Status{Peers: len(snaps)}
	s.mtx.Lock()
	st.Destroyed = s.destroyed
	s.mtx.Unlock()

	for _, snap := range snaps {
		if snap.Open() {
			st.Open++
		}
		if snap.InitialSyncComplete {
			st.Synced++
		}
	}

	st.NumChains = view.NumChains()
	for _, id := range view.ChainIDs() {
		g := view.Groups[id]
		st.Chains = append(st.Chains, ChainStatus{
			ID:         id,
			NumPeers:   len(g.Peers),
			BestHeight: g.BestHeight,
			BestHash:   g.BestHash,
		})
	}
	// Busiest chain first; ties go to the higher tip.
	sort.Slice(st.Chains, func(i, j int) bool {
		if st.Chains[i].NumPeers != st.Chains[j].NumPeers {
			return st.Chains[i].NumPeers > st.Chains[j].NumPeers
		}
		return st.Chains[i].BestHeight > st.Chains[j].BestHeight
	})

	return st
}

// Inspect renders the current status for humans.
func (s *Scanner) Inspect() string {
	return s.Status().String()
}

func (st Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "peers=%d open=%d synced=%d destroyed=%d chains=%d",
		st.Peers, st.Open, st.Synced, st.Destroyed, st.NumChains)
	for i, c := range st.Chains {
		fmt.Fprintf(&b, "\n  chain %d [%s] peers=%d height=%d tip=%s",
			i, c.ID.Short(), c.NumPeers, c.BestHeight, c.BestHash.Short())
	}
	return b.String()
}
