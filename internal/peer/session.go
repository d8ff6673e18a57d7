// Package peer implements the outbound peer session: one supervised
// connection to a remote node, with its own header/block sync state.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/flonet/flocrawl/chainparams"
	"github.com/flonet/flocrawl/libs/log"
	"github.com/flonet/flocrawl/libs/service"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultAddrInterval     = 60 * time.Second

	maxConsecutiveBadMsgs = 10
)

// Supervisor is the capability surface a session reports back through. The
// scanner implements it; sessions never reach into supervisor state directly.
type Supervisor interface {
	// OnAddress is invoked once per host:port announced by the peer.
	OnAddress(addr string)

	// OnDisconnect is invoked when the session dies for any reason other
	// than an explicit Stop or an ignored-class socket error.
	OnDisconnect(peerHash string, wasOpen bool)
}

// Config carries the immutable inputs of a session.
type Config struct {
	Addr   string
	Params chainparams.Params

	UserAgentName    string
	UserAgentVersion string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	AddrInterval     time.Duration
}

func (cfg *Config) fillDefaults() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AddrInterval == 0 {
		cfg.AddrInterval = defaultAddrInterval
	}
}

// Session drives one outbound peer through handshake, header sync, block sync
// and live tip tracking. All protocol handlers run on the session's read loop,
// so within a session they never interleave; state shared with Snapshot and
// the supervisor-driven RequestBlocks is guarded by mtx.
type Session struct {
	service.BaseService
	logger log.Logger

	cfg  Config
	hash string
	sup  Supervisor

	cancel context.CancelFunc

	connMtx sync.Mutex
	conn    net.Conn
	pver    uint32

	// send is the outbound path; replaced in tests to capture messages.
	send func(wire.Message)

	mtx             sync.Mutex
	phase           Phase
	bestHeight      int32
	userAgent       string
	protocolVersion int32

	headersBuffer      []*wire.BlockHeader
	lastHeaderHash     chainhash.Hash
	lastHeader         *wire.BlockHeader
	headerSyncComplete bool

	blockMap        map[RHash]*btcutil.Block
	blockHeightMap  map[RHash]int32
	requestedBlocks map[chainhash.Hash]struct{}
	lastBlockHash   chainhash.Hash
	lastRBlockHash  RHash

	initialSyncComplete bool

	mempool []*btcutil.Tx
}

// New constructs a session for addr. It does not dial; Start does.
func New(cfg Config, sup Supervisor, logger log.Logger) *Session {
	cfg.fillDefaults()

	s := &Session{
		cfg:             cfg,
		hash:            HashAddress(cfg.Addr),
		sup:             sup,
		pver:            chainparams.ProtocolVersion,
		phase:           PhaseDialing,
		lastHeaderHash:  *cfg.Params.AnchorHash,
		blockMap:        make(map[RHash]*btcutil.Block),
		blockHeightMap:  make(map[RHash]int32),
		requestedBlocks: make(map[chainhash.Hash]struct{}),
	}
	s.logger = logger.With("peer", s.hash[:8], "addr", cfg.Addr)
	s.send = s.writeMessage
	s.BaseService = *service.NewBaseService(s.logger, "Session", s)
	return s
}

// Hash returns the sha256 identity of the session's address.
func (s *Session) Hash() string { return s.hash }

// Addr returns the remote host:port.
func (s *Session) Addr() string { return s.cfg.Addr }

// IsOpen reports whether the connection is established and not yet dead.
func (s *Session) IsOpen() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.phase.open()
}

// OnStart dials and runs the session in the background.
func (s *Session) OnStart(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// OnStop cancels the timers, closes the socket and releases the heavy caches.
// The base service makes this run at most once.
func (s *Session) OnStop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()

	s.mtx.Lock()
	s.markDeadLocked()
	s.mtx.Unlock()
}

// Snapshot returns an immutable copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	heights := make(map[RHash]int32, len(s.blockHeightMap))
	for rh, h := range s.blockHeightMap {
		heights[rh] = h
	}

	return Snapshot{
		PeerHash:            s.hash,
		Addr:                s.cfg.Addr,
		UserAgent:           s.userAgent,
		ProtocolVersion:     s.protocolVersion,
		Phase:               s.phase,
		BestHeight:          s.bestHeight,
		HeaderSyncComplete:  s.headerSyncComplete,
		InitialSyncComplete: s.initialSyncComplete,
		LastHeaderHash:      s.lastHeaderHash,
		LastBlockHash:       s.lastBlockHash,
		LastRBlockHash:      s.lastRBlockHash,
		HeadersBuffered:     len(s.headersBuffer),
		RequestedBlocks:     len(s.requestedBlocks),
		MempoolSize:         len(s.mempool),
		BlockHeights:        heights,
	}
}

// RequestBlocks re-drives block sync from the last block seen. The supervisor
// calls this on sessions that look stalled.
func (s *Session) RequestBlocks() {
	s.mtx.Lock()
	if s.phase == PhaseDead {
		s.mtx.Unlock()
		return
	}
	locator := s.lastBlockHash
	s.mtx.Unlock()

	s.sendGetBlocks(&locator)
}

func (s *Session) run(ctx context.Context) {
	conn, err := s.dial(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	s.connMtx.Lock()
	s.conn = conn
	s.connMtx.Unlock()

	if err := s.handshake(conn); err != nil {
		s.fail(ctx, err)
		return
	}

	s.mtx.Lock()
	if s.phase == PhaseDead {
		s.mtx.Unlock()
		return
	}
	s.phase = PhaseOpen
	s.mtx.Unlock()

	s.logger.Debug("peer open",
		"agent", s.userAgent, "height", s.bestHeight)

	go s.addrLoop(ctx)

	// Kick off discovery and header sync from the bootstrap anchor.
	s.sendGetAddr()
	s.startHeaderSync()

	s.readLoop(ctx)
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	s.setPhase(PhaseDialing)

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake performs the version/verack exchange. The deadline covers the
// whole exchange; a remote that connects but never completes negotiation
// surfaces as a stall.
func (s *Session) handshake(conn net.Conn) error {
	s.setPhase(PhaseHandshaking)

	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		return err
	}

	ourNA := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	theirNA := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		theirNA = wire.NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port), 0)
	}

	verMsg := wire.NewMsgVersion(ourNA, theirNA, nonce, 0)
	verMsg.ProtocolVersion = int32(chainparams.ProtocolVersion)
	if err := verMsg.AddUserAgent(s.cfg.UserAgentName, s.cfg.UserAgentVersion); err != nil {
		return err
	}

	if err := wire.WriteMessage(conn, verMsg, chainparams.ProtocolVersion, s.cfg.Params.Net); err != nil {
		return err
	}

	var gotVersion, gotVerack bool
	for !gotVersion || !gotVerack {
		msg, _, err := wire.ReadMessage(conn, chainparams.ProtocolVersion, s.cfg.Params.Net)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: handshake timed out", errPeerStalling)
			}
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			s.handleVersion(m)
			gotVersion = true
			if err := wire.WriteMessage(conn, wire.NewMsgVerAck(), chainparams.ProtocolVersion, s.cfg.Params.Net); err != nil {
				return err
			}
		case *wire.MsgVerAck:
			gotVerack = true
		default:
			// Anything else before verack is noise.
		}
	}

	return conn.SetDeadline(time.Time{})
}

// readLoop services inbound messages until the socket dies. This is the only
// goroutine that mutates sync state, which gives per-session handlers their
// run-to-completion guarantee.
func (s *Session) readLoop(ctx context.Context) {
	var badMsgs int
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}

		msg, _, err := wire.ReadMessage(conn, s.negotiatedPver(), s.cfg.Params.Net)
		if err != nil {
			if ctx.Err() != nil || !s.IsRunning() {
				return
			}
			if _, ok := err.(*wire.MessageError); ok && badMsgs < maxConsecutiveBadMsgs {
				// Malformed or unknown command; the codec has
				// discarded the payload. A run of these means the
				// stream itself is out of sync.
				badMsgs++
				s.logger.Debug("dropping bad message", "err", err)
				continue
			}
			s.fail(ctx, err)
			return
		}

		badMsgs = 0
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		// Already consumed during the handshake; a repeat is a protocol
		// violation we don't care about.
	case *wire.MsgAddr:
		s.handleAddr(m)
	case *wire.MsgHeaders:
		s.handleHeaders(m)
	case *wire.MsgInv:
		s.handleInv(m)
	case *wire.MsgBlock:
		s.handleBlock(m)
	case *wire.MsgTx:
		s.handleTx(m)
	case *wire.MsgPing:
		s.send(wire.NewMsgPong(m.Nonce))
	default:
		s.logger.Debug("ignoring message", "command", msg.Command())
	}
}

func (s *Session) handleVersion(msg *wire.MsgVersion) {
	s.mtx.Lock()
	s.bestHeight = msg.LastBlock
	s.userAgent = msg.UserAgent
	s.protocolVersion = msg.ProtocolVersion
	s.mtx.Unlock()

	pver := chainparams.ProtocolVersion
	if uint32(msg.ProtocolVersion) < pver {
		pver = uint32(msg.ProtocolVersion)
	}
	s.connMtx.Lock()
	s.pver = pver
	s.connMtx.Unlock()
}

func (s *Session) handleAddr(msg *wire.MsgAddr) {
	if len(msg.AddrList) == 0 {
		return
	}
	for _, na := range msg.AddrList {
		addr := net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
		s.sup.OnAddress(addr)
	}
}

// handleHeaders advances the header-sync window. Batches of 1000 or more mean
// we are mid-sync, so the buffer is reset before appending: it is a sliding
// window over the unsynced suffix, not an archive. An empty or short batch
// means the peer has nothing past our locator, which completes header sync and
// starts block sync from the oldest buffered header (the getblocks locator
// enumerates everything after it).
func (s *Session) handleHeaders(msg *wire.MsgHeaders) {
	s.mtx.Lock()
	if s.phase == PhaseDead || s.headerSyncComplete {
		s.mtx.Unlock()
		return
	}

	if len(msg.Headers) >= 1000 {
		s.headersBuffer = s.headersBuffer[:0]
	}
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		s.headersBuffer = append(s.headersBuffer, h)
		s.lastHeader = h
	}

	if len(msg.Headers) < wire.MaxBlockHeadersPerMsg {
		// Nothing more to fetch from this peer.
		s.headerSyncComplete = true
		s.phase = PhaseBlockSync

		if len(s.headersBuffer) == 0 {
			// The peer had nothing past the anchor at all.
			s.lastBlockHash = s.lastHeaderHash
			s.initialSyncComplete = true
			s.phase = PhaseLive
			s.mtx.Unlock()
			return
		}

		tip := s.headersBuffer[len(s.headersBuffer)-1].BlockHash()
		s.lastHeaderHash = tip

		first := s.headersBuffer[0].BlockHash()
		s.lastBlockHash = first
		locator := first
		s.mtx.Unlock()

		s.sendGetBlocks(&locator)
		return
	}

	next := s.lastHeader.BlockHash()
	s.lastHeaderHash = next
	locator := next
	s.mtx.Unlock()

	s.sendGetHeaders(&locator)
}

func (s *Session) handleInv(msg *wire.MsgInv) {
	var blocks, txs []*wire.InvVect
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			blocks = append(blocks, iv)
		case wire.InvTypeTx:
			txs = append(txs, iv)
		}
	}

	gd := wire.NewMsgGetData()

	s.mtx.Lock()
	if s.phase == PhaseDead {
		s.mtx.Unlock()
		return
	}
	syncing := s.headerSyncComplete && !s.initialSyncComplete

	switch {
	case syncing && len(blocks) > 1:
		// The peer answered our getblocks: these are the bodies still
		// missing, and they replace any previous in-flight window.
		s.requestedBlocks = make(map[chainhash.Hash]struct{}, len(blocks))
		for _, iv := range blocks {
			s.requestedBlocks[iv.Hash] = struct{}{}
			gd.AddInvVect(iv) //nolint:errcheck // bounded by inv size
		}
	case s.initialSyncComplete && len(blocks) >= 1:
		// Tip gossip; fetch without touching the in-flight window.
		for _, iv := range blocks {
			gd.AddInvVect(iv) //nolint:errcheck // bounded by inv size
		}
	}
	s.mtx.Unlock()

	for _, iv := range txs {
		gd.AddInvVect(iv) //nolint:errcheck // bounded by inv size
	}

	if len(gd.InvList) > 0 {
		s.send(gd)
	}
}

func (s *Session) handleBlock(msg *wire.MsgBlock) {
	blk := btcutil.NewBlock(msg)
	hash := msg.BlockHash()
	rh := NewRHash(&hash)

	var height int32 = -1
	if txs := blk.Transactions(); len(txs) > 0 {
		if h, err := blockchain.ExtractCoinbaseHeight(txs[0]); err == nil {
			height = h
			blk.SetHeight(h)
		}
	}

	s.mtx.Lock()
	if s.phase == PhaseDead {
		s.mtx.Unlock()
		return
	}

	if height >= 0 {
		if height > s.bestHeight {
			s.bestHeight = height
		}
		s.blockHeightMap[rh] = height
	}
	s.blockMap[rh] = blk

	s.lastBlockHash = hash
	s.lastRBlockHash = rh
	delete(s.requestedBlocks, hash)

	s.pruneMempoolLocked(msg)

	var requestMore bool
	if !s.initialSyncComplete {
		if s.lastBlockHash == s.lastHeaderHash {
			s.initialSyncComplete = true
			s.phase = PhaseLive
			s.logger.Debug("initial sync complete",
				"height", s.bestHeight, "tip", rh.Short())
		} else if len(s.requestedBlocks) == 0 {
			requestMore = true
		}
	}
	locator := s.lastBlockHash
	s.mtx.Unlock()

	if requestMore {
		s.sendGetBlocks(&locator)
	}
}

func (s *Session) handleTx(msg *wire.MsgTx) {
	tx := btcutil.NewTx(msg)
	s.mtx.Lock()
	if s.phase != PhaseDead {
		s.mempool = append(s.mempool, tx)
	}
	s.mtx.Unlock()
}

// pruneMempoolLocked drops mempool entries confirmed by the given block.
// Collect-then-remove keeps iteration safe against the removals.
func (s *Session) pruneMempoolLocked(blk *wire.MsgBlock) {
	if len(s.mempool) == 0 {
		return
	}

	confirmed := make(map[chainhash.Hash]struct{}, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		confirmed[tx.TxHash()] = struct{}{}
	}

	kept := s.mempool[:0]
	for _, tx := range s.mempool {
		if _, ok := confirmed[*tx.Hash()]; ok {
			continue
		}
		kept = append(kept, tx)
	}
	for i := len(kept); i < len(s.mempool); i++ {
		s.mempool[i] = nil
	}
	s.mempool = kept
}

// MempoolSize reports the number of unconfirmed transactions seen from this
// peer.
func (s *Session) MempoolSize() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.mempool)
}

func (s *Session) startHeaderSync() {
	s.mtx.Lock()
	if s.phase != PhaseOpen {
		s.mtx.Unlock()
		return
	}
	s.phase = PhaseHeaderSync
	locator := s.lastHeaderHash
	s.mtx.Unlock()

	s.sendGetHeaders(&locator)
}

func (s *Session) sendGetHeaders(locator *chainhash.Hash) {
	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = s.negotiatedPver()
	msg.AddBlockLocatorHash(locator) //nolint:errcheck // single locator entry
	s.send(msg)
}

func (s *Session) sendGetBlocks(locator *chainhash.Hash) {
	msg := wire.NewMsgGetBlocks(&chainhash.Hash{})
	msg.ProtocolVersion = s.negotiatedPver()
	msg.AddBlockLocatorHash(locator) //nolint:errcheck // single locator entry
	s.send(msg)
}

func (s *Session) sendGetAddr() {
	s.send(wire.NewMsgGetAddr())
}

func (s *Session) addrLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AddrInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendGetAddr()
		}
	}
}

// writeMessage is the default send path. Failures after close are swallowed:
// the read loop owns surfacing socket death.
func (s *Session) writeMessage(msg wire.Message) {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()

	if s.conn == nil {
		return
	}
	if err := wire.WriteMessage(s.conn, msg, s.pver, s.cfg.Params.Net); err != nil {
		s.logger.Debug("send failed", "command", msg.Command(), "err", err)
	}
}

func (s *Session) currentConn() net.Conn {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	return s.conn
}

func (s *Session) negotiatedPver() uint32 {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	return s.pver
}

func (s *Session) closeConn() {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	if s.conn != nil {
		s.conn.Close() //nolint:errcheck // best effort on teardown
		s.conn = nil
	}
}

func (s *Session) setPhase(p Phase) {
	s.mtx.Lock()
	if s.phase != PhaseDead {
		s.phase = p
	}
	s.mtx.Unlock()
}

// markDeadLocked transitions to Dead and releases the heavy caches. Returns
// false if the session was already dead.
func (s *Session) markDeadLocked() bool {
	if s.phase == PhaseDead {
		return false
	}
	s.phase = PhaseDead
	s.headersBuffer = nil
	s.lastHeader = nil
	s.blockMap = nil
	s.blockHeightMap = nil
	s.requestedBlocks = nil
	s.mempool = nil
	return true
}

// fail tears the session down after a socket-layer error. Ignored-class
// errors die silently; quiet-class errors emit a disconnect without logging;
// anything else is logged first.
func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	s.mtx.Lock()
	wasOpen := s.phase.open()
	dead := !s.markDeadLocked()
	s.mtx.Unlock()
	if dead {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()

	switch classify(err) {
	case classIgnore:
		return
	case classQuiet:
	default:
		s.logger.Error("peer error", "err", err)
	}

	s.sup.OnDisconnect(s.hash, wasOpen)
}
