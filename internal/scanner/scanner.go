// Package scanner supervises the crawl: it discovers peers over DNS, admits
// them under a connection cap, fans address gossip back into discovery, reaps
// dead sessions, and watches the full node's chain tips for reorgs.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"

	"github.com/flonet/flocrawl/chainparams"
	"github.com/flonet/flocrawl/internal/chainview"
	"github.com/flonet/flocrawl/internal/fullnode"
	"github.com/flonet/flocrawl/internal/peer"
	"github.com/flonet/flocrawl/libs/log"
	"github.com/flonet/flocrawl/libs/service"
)

const (
	defaultMaxPeers           = 1000
	defaultReorgTriggerLength = 10
	defaultReorgTipMaxAge     = 25

	defaultStallInterval  = 60 * time.Second
	defaultTipInterval    = 5 * time.Second
	defaultStatusInterval = 50 * time.Millisecond

	// destroyLogInterval rate-limits the "destroyed peers" log line; on a
	// public network session churn is constant and per-event logging would
	// drown everything else.
	destroyLogInterval = 30 * time.Second
)

var (
	// ErrDuplicatePeer is returned when an address hashes to an already
	// supervised session.
	ErrDuplicatePeer = errors.New("duplicate peer")

	// ErrTooManyPeers is returned when admission would exceed the session
	// cap.
	ErrTooManyPeers = errors.New("too many peers")

	errNotRunning = errors.New("scanner is not running")
)

// session is the supervisor-facing surface of one peer session.
type session interface {
	Start(context.Context) error
	Stop() error
	IsOpen() bool
	Hash() string
	Addr() string
	Snapshot() peer.Snapshot
	RequestBlocks()
}

var _ session = (*peer.Session)(nil)

// ChainTipsProvider is the slice of the full node the tip watcher needs.
type ChainTipsProvider interface {
	ChainTips() ([]btcjson.GetChainTipsResult, error)
}

// ReorgTrigger is delivered to the armed subscriber when a competing branch
// of meaningful length appears near the active tip.
type ReorgTrigger struct {
	BestTip  btcjson.GetChainTipsResult
	ReorgTip btcjson.GetChainTipsResult
}

// Config carries the supervisor's tunables. Zero values fall back to the
// defaults from the original deployment: 1000 peers, branch length 10, tip
// age 25.
type Config struct {
	MaxPeers           int
	ReorgTriggerLength int64
	ReorgTipMaxAge     int64

	UserAgentName    string
	UserAgentVersion string

	DisableStatusUpdate bool

	StallInterval  time.Duration
	TipInterval    time.Duration
	StatusInterval time.Duration
}

func (cfg *Config) fillDefaults() {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.ReorgTriggerLength == 0 {
		cfg.ReorgTriggerLength = defaultReorgTriggerLength
	}
	if cfg.ReorgTipMaxAge == 0 {
		cfg.ReorgTipMaxAge = defaultReorgTipMaxAge
	}
	if cfg.StallInterval == 0 {
		cfg.StallInterval = defaultStallInterval
	}
	if cfg.TipInterval == 0 {
		cfg.TipInterval = defaultTipInterval
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.UserAgentName == "" {
		cfg.UserAgentName = "flocrawl"
	}
	if cfg.UserAgentVersion == "" {
		cfg.UserAgentVersion = "0.0.0"
	}
}

// Scanner owns the peers map; every mutation of it happens under mtx, and
// sessions reach back only through the OnAddress/OnDisconnect capabilities.
type Scanner struct {
	service.BaseService
	logger     log.Logger
	peerLogger log.Logger

	cfg     Config
	params  chainparams.Params
	node    ChainTipsProvider
	metrics *Metrics

	newSession func(peer.Config, peer.Supervisor, log.Logger) session

	mtx         sync.Mutex
	runCtx      context.Context
	peers       map[string]session
	destroyed   uint64
	lastDestroy time.Time
	reorgFn     func(ReorgTrigger)
	rendered    string
}

// Option sets an optional parameter on the Scanner.
type Option func(*Scanner)

// WithMetrics installs a metrics set; the default is no-op metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// WithPeerLogger gives sessions their own logger, letting the operator gate
// peer chatter independently of supervisor logs.
func WithPeerLogger(l log.Logger) Option {
	return func(s *Scanner) { s.peerLogger = l }
}

// New builds a Scanner for the given network against the given full node.
func New(logger log.Logger, cfg Config, params chainparams.Params, node ChainTipsProvider, options ...Option) *Scanner {
	cfg.fillDefaults()

	s := &Scanner{
		logger:     logger,
		peerLogger: logger,
		cfg:        cfg,
		params:     params,
		node:       node,
		metrics:    NopMetrics(),
		peers:      make(map[string]session),
		newSession: func(cfg peer.Config, sup peer.Supervisor, l log.Logger) session {
			return peer.New(cfg, sup, l)
		},
	}
	for _, opt := range options {
		opt(s)
	}
	s.BaseService = *service.NewBaseService(logger, "Scanner", s)
	return s
}

func (s *Scanner) OnStart(ctx context.Context) error {
	s.mtx.Lock()
	s.runCtx = ctx
	s.mtx.Unlock()

	go s.discover(ctx)
	go s.stallLoop(ctx)
	go s.tipLoop(ctx)
	if !s.cfg.DisableStatusUpdate {
		go s.statusLoop(ctx)
	}
	return nil
}

func (s *Scanner) OnStop() {
	s.mtx.Lock()
	sessions := make([]session, 0, len(s.peers))
	for _, sess := range s.peers {
		sessions = append(sessions, sess)
	}
	s.peers = make(map[string]session)
	s.mtx.Unlock()

	for _, sess := range sessions {
		if err := sess.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			s.logger.Debug("error stopping session", "peer", sess.Hash()[:8], "err", err)
		}
	}
}

// AddPeer admits one address. The identity is sha256 of the address string;
// readmitting a known address is a no-op error, and admission fails once
// either the open-session count or the total session count reaches the cap.
func (s *Scanner) AddPeer(addr string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.runCtx == nil || s.runCtx.Err() != nil {
		return errNotRunning
	}

	hash := peer.HashAddress(addr)
	if _, ok := s.peers[hash]; ok {
		return ErrDuplicatePeer
	}

	open := 0
	for _, sess := range s.peers {
		if sess.IsOpen() {
			open++
		}
	}
	if open >= s.cfg.MaxPeers || len(s.peers) >= s.cfg.MaxPeers {
		return ErrTooManyPeers
	}

	sess := s.newSession(peer.Config{
		Addr:             addr,
		Params:           s.params,
		UserAgentName:    s.cfg.UserAgentName,
		UserAgentVersion: s.cfg.UserAgentVersion,
	}, s, s.peerLogger)

	if err := sess.Start(s.runCtx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	s.peers[hash] = sess
	s.metrics.Peers.Set(float64(len(s.peers)))

	return nil
}

// RemovePeer destroys the session for hash, if any. With restart set, the
// captured address is immediately readmitted.
func (s *Scanner) RemovePeer(hash string, restart bool) {
	s.mtx.Lock()
	sess, ok := s.peers[hash]
	if !ok {
		s.mtx.Unlock()
		return
	}
	addr := sess.Addr()
	delete(s.peers, hash)
	s.noteDestroyedLocked(1)
	s.metrics.Peers.Set(float64(len(s.peers)))
	s.mtx.Unlock()

	if err := sess.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		s.logger.Debug("error stopping session", "peer", hash[:8], "err", err)
	}
	s.metrics.DestroyedPeers.Add(1)

	if restart {
		if err := s.AddPeer(addr); err != nil {
			s.logger.Debug("restart failed", "addr", addr, "err", err)
		}
	}
}

// NumPeers returns the supervised session count.
func (s *Scanner) NumPeers() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.peers)
}

// OnReorgTrigger arms the reorg subscriber slot. The slot is one-shot: after
// a trigger fires the subscriber is dropped, and a new call is needed before
// another trigger can fire. Calling it again before a fire replaces the
// subscriber.
func (s *Scanner) OnReorgTrigger(fn func(ReorgTrigger)) {
	s.mtx.Lock()
	s.reorgFn = fn
	s.mtx.Unlock()
}

// OnAddress implements peer.Supervisor: gossip flows straight back into
// admission, and the duplicate/cap errors are the uninteresting common case.
func (s *Scanner) OnAddress(addr string) {
	if err := s.AddPeer(addr); err != nil {
		if errors.Is(err, ErrDuplicatePeer) || errors.Is(err, ErrTooManyPeers) {
			return
		}
		s.logger.Debug("gossiped address rejected", "addr", addr, "err", err)
	}
}

// OnDisconnect implements peer.Supervisor.
func (s *Scanner) OnDisconnect(peerHash string, wasOpen bool) {
	s.RemovePeer(peerHash, false)
}

// discover resolves every DNS seed concurrently and feeds the results into
// admission. Resolution failures are best-effort and dropped.
func (s *Scanner) discover(ctx context.Context) {
	connmgr.SeedFromDNS(s.params.Params, 0,
		func(host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		func(addrs []*wire.NetAddress) {
			for _, na := range addrs {
				addr := net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
				// Seeds return plenty of duplicates; admission dedups.
				_ = s.AddPeer(addr)
			}
		})
}

func (s *Scanner) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapDead()
			s.recoverStalled()
		}
	}
}

// recoverStalled re-drives synced sessions that sit below the best height
// reported by any peer with an empty in-flight window. Without this a peer
// that never gossips its tip would stay behind forever.
func (s *Scanner) recoverStalled() {
	sessions := s.sessionList()
	snaps := make([]peer.Snapshot, len(sessions))

	var max int32
	for i, sess := range sessions {
		snaps[i] = sess.Snapshot()
		if snaps[i].BestHeight > max {
			max = snaps[i].BestHeight
		}
	}

	for i, snap := range snaps {
		if snap.HeaderSyncComplete && snap.BestHeight < max && snap.RequestedBlocks == 0 {
			s.logger.Debug("re-driving stalled peer",
				"peer", snap.PeerHash[:8], "height", snap.BestHeight, "best", max)
			sessions[i].RequestBlocks()
		}
	}
}

// reapDead collects sessions that died without a disconnect emission
// (ignored-class socket errors). Their slots are reclaimed here instead.
func (s *Scanner) reapDead() {
	s.mtx.Lock()
	var dead []session
	for hash, sess := range s.peers {
		if sess.Snapshot().Phase == peer.PhaseDead {
			dead = append(dead, sess)
			delete(s.peers, hash)
		}
	}
	if len(dead) > 0 {
		s.noteDestroyedLocked(len(dead))
		s.metrics.Peers.Set(float64(len(s.peers)))
	}
	s.mtx.Unlock()

	for _, sess := range dead {
		if err := sess.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			s.logger.Debug("error stopping dead session", "err", err)
		}
		s.metrics.DestroyedPeers.Add(1)
	}
}

func (s *Scanner) noteDestroyedLocked(n int) {
	s.destroyed += uint64(n)
	now := time.Now()
	if now.Sub(s.lastDestroy) >= destroyLogInterval {
		s.logger.Info("destroyed peers", "total", s.destroyed, "supervised", len(s.peers))
		s.lastDestroy = now
	}
}

func (s *Scanner) tipLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkChainTips()
		}
	}
}

// checkChainTips compares the full node's non-active tips against the
// trigger thresholds: a fork at least ReorgTriggerLength blocks long whose tip is
// within ReorgTipMaxAge of the active height is recent enough to matter.
func (s *Scanner) checkChainTips() {
	tips, err := s.node.ChainTips()
	if err != nil {
		s.logger.Debug("getchaintips failed", "err", err)
		return
	}

	best, others := partitionTips(tips)
	if best == nil {
		return
	}
	s.metrics.BestHeight.Set(float64(best.Height))

	for _, tip := range others {
		if tip.Status == fullnode.TipStatusActive {
			continue
		}
		if tip.BranchLen < s.cfg.ReorgTriggerLength {
			continue
		}
		if tip.Height < best.Height-s.cfg.ReorgTipMaxAge {
			continue
		}
		s.fireReorg(ReorgTrigger{BestTip: *best, ReorgTip: tip})
	}
}

// fireReorg delivers the event to the armed subscriber and disarms the slot,
// so one fork can't storm the downstream across ticks.
func (s *Scanner) fireReorg(ev ReorgTrigger) {
	s.mtx.Lock()
	fn := s.reorgFn
	s.reorgFn = nil
	s.mtx.Unlock()

	if fn == nil {
		return
	}

	s.logger.Info("reorg trigger",
		"active_height", ev.BestTip.Height,
		"fork_height", ev.ReorgTip.Height,
		"fork_hash", ev.ReorgTip.Hash,
		"branchlen", ev.ReorgTip.BranchLen)
	s.metrics.ReorgTriggers.Add(1)
	fn(ev)
}

// partitionTips splits getchaintips output into the best active tip (highest
// active wins) and everything else.
func partitionTips(tips []btcjson.GetChainTipsResult) (*btcjson.GetChainTipsResult, []btcjson.GetChainTipsResult) {
	var best *btcjson.GetChainTipsResult
	others := make([]btcjson.GetChainTipsResult, 0, len(tips))

	for i := range tips {
		tip := tips[i]
		if tip.Status == fullnode.TipStatusActive {
			if best == nil || tip.Height > best.Height {
				if best != nil {
					others = append(others, *best)
				}
				b := tip
				best = &b
				continue
			}
		}
		others = append(others, tip)
	}
	return best, others
}

func (s *Scanner) sessionList() []session {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sessions := make([]session, 0, len(s.peers))
	for _, sess := range s.peers {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Scanner) snapshots() []peer.Snapshot {
	sessions := s.sessionList()
	snaps := make([]peer.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	return snaps
}

func (s *Scanner) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Status()
			s.mtx.Lock()
			s.rendered = st.String()
			s.mtx.Unlock()
			s.metrics.OpenPeers.Set(float64(st.Open))
			s.metrics.SyncedPeers.Set(float64(st.Synced))
			s.metrics.Chains.Set(float64(st.NumChains))
		}
	}
}

// Rendered returns the last status string produced by the render loop.
func (s *Scanner) Rendered() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.rendered
}

// view is exposed for the chainview aggregation over the current sessions.
func (s *Scanner) view() (*chainview.View, []peer.Snapshot) {
	snaps := s.snapshots()
	return chainview.Build(snaps), snaps
}
