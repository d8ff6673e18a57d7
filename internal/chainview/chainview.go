// Package chainview folds per-peer sync snapshots into a cross-peer view:
// which peers agree on which chain, and what each group's best tip is.
package chainview

import (
	"fmt"

	"github.com/flonet/flocrawl/internal/peer"
)

// ChainID labels a group of peers that agree on every block the crawler has
// observed from them. The label is the display hash of the earliest block
// observed for the group; when that hash already labels another chain, the
// chain's creation index is appended ("<hash>#<n>"). It is stable for the
// lifetime of one View and otherwise opaque.
type ChainID = peer.RHash

// PeerInfo identifies one grouped peer.
type PeerInfo struct {
	UserAgent string
	Addr      string
}

// Group is the set of peers following one observed chain.
type Group struct {
	Peers      []PeerInfo
	BestHeight int32
	BestHash   peer.RHash
}

// View is the aggregation result. Chains carries the height→hash window each
// group was keyed on; Groups carries the member peers per chain.
type View struct {
	Chains map[ChainID]map[int32]peer.RHash
	Groups map[ChainID]*Group

	// order preserves chain creation order so matching is deterministic
	// for a given snapshot sequence.
	order []ChainID
}

// Build groups the given snapshots by observed-chain agreement. Peers that
// have not finished their initial sync, or that have no blocks at all, carry
// no usable information and are skipped.
//
// A peer matches an existing chain when every height→hash entry it reports is
// present, with the same hash, in that chain's window. Two chains that agree
// on the observed window but would diverge outside it are indistinguishable
// here; the view reports observed agreement, not validated identity.
func Build(snaps []peer.Snapshot) *View {
	v := &View{
		Chains: make(map[ChainID]map[int32]peer.RHash),
		Groups: make(map[ChainID]*Group),
	}

	for _, snap := range snaps {
		if !snap.InitialSyncComplete || len(snap.BlockHeights) == 0 {
			continue
		}

		id, ok := v.match(snap.BlockHeights)
		if !ok {
			id = firstHash(snap.BlockHeights)
			if _, taken := v.Chains[id]; taken {
				// A fork shares its oldest observed blocks with the
				// chain it split from; keep the labels distinct.
				id = ChainID(fmt.Sprintf("%s#%d", id, len(v.order)))
			}
			window := make(map[int32]peer.RHash, len(snap.BlockHeights))
			for h, rh := range snap.BlockHeights {
				window[h] = rh
			}
			v.Chains[id] = window
			v.Groups[id] = &Group{}
			v.order = append(v.order, id)
		}

		g := v.Groups[id]
		g.Peers = append(g.Peers, PeerInfo{
			UserAgent: snap.UserAgent,
			Addr:      snap.Addr,
		})
		if snap.BestHeight > g.BestHeight {
			g.BestHeight = snap.BestHeight
			g.BestHash = snap.LastRBlockHash
		}
	}

	return v
}

// ChainIDs returns the chain labels in creation order.
func (v *View) ChainIDs() []ChainID {
	ids := make([]ChainID, len(v.order))
	copy(ids, v.order)
	return ids
}

// NumChains reports how many distinct chains the synced peers follow.
func (v *View) NumChains() int { return len(v.order) }

func (v *View) match(heights map[int32]peer.RHash) (ChainID, bool) {
	for _, id := range v.order {
		window := v.Chains[id]
		matched := true
		for h, rh := range heights {
			if got, ok := window[h]; !ok || got != rh {
				matched = false
				break
			}
		}
		if matched {
			return id, true
		}
	}
	return "", false
}

// firstHash picks the label for a new chain: the hash at the lowest observed
// height.
func firstHash(heights map[int32]peer.RHash) ChainID {
	var (
		minHeight int32
		label     peer.RHash
		found     bool
	)
	for h, rh := range heights {
		if !found || h < minHeight {
			minHeight = h
			label = rh
			found = true
		}
	}
	return label
}
