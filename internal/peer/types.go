package peer

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// RHash is a block hash in display (reversed) byte order, hex encoded. The
// wire protocol carries hashes in internal order (chainhash.Hash); logs,
// RPC results and the per-peer block maps use display order. Keeping the two
// as distinct types makes accidental mixing a compile error.
type RHash string

// NewRHash converts an internal-order hash to display order.
func NewRHash(h *chainhash.Hash) RHash {
	return RHash(h.String())
}

func (r RHash) String() string { return string(r) }

// Short returns a truncated form for log lines.
func (r RHash) Short() string {
	if len(r) < 8 {
		return string(r)
	}
	return string(r[:8])
}

// HashAddress derives the stable session identity for a peer address. Address
// gossip dedups against this.
func HashAddress(addr string) string {
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:])
}

// Phase is the lifecycle state of a session.
type Phase int32

const (
	PhaseDialing Phase = iota
	PhaseHandshaking
	PhaseOpen
	PhaseHeaderSync
	PhaseBlockSync
	PhaseLive
	PhaseDead
)

func (p Phase) String() string {
	switch p {
	case PhaseDialing:
		return "dialing"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseOpen:
		return "open"
	case PhaseHeaderSync:
		return "header-sync"
	case PhaseBlockSync:
		return "block-sync"
	case PhaseLive:
		return "live"
	case PhaseDead:
		return "dead"
	default:
		return "unknown"
	}
}

// open reports whether the phase counts as an established connection.
func (p Phase) open() bool {
	switch p {
	case PhaseOpen, PhaseHeaderSync, PhaseBlockSync, PhaseLive:
		return true
	default:
		return false
	}
}

// Snapshot is an immutable copy of the session state consumed by the chain
// aggregator and status reporting. The height map is copied; nothing in a
// Snapshot aliases live session state.
type Snapshot struct {
	PeerHash        string
	Addr            string
	UserAgent       string
	ProtocolVersion int32
	Phase           Phase

	BestHeight          int32
	HeaderSyncComplete  bool
	InitialSyncComplete bool

	LastHeaderHash chainhash.Hash
	LastBlockHash  chainhash.Hash
	LastRBlockHash RHash

	HeadersBuffered int
	RequestedBlocks int
	MempoolSize     int

	BlockHeights map[RHash]int32
}

// Open reports whether the snapshot was taken from an established session.
func (s Snapshot) Open() bool { return s.Phase.open() }
