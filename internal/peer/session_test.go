package peer

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flonet/flocrawl/chainparams"
	"github.com/flonet/flocrawl/libs/log"
	"github.com/flonet/flocrawl/libs/service"
)

type disconnect struct {
	hash    string
	wasOpen bool
}

type recordingSup struct {
	mtx         sync.Mutex
	addrs       []string
	disconnects []disconnect
}

func (r *recordingSup) OnAddress(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.addrs = append(r.addrs, addr)
}

func (r *recordingSup) OnDisconnect(peerHash string, wasOpen bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.disconnects = append(r.disconnects, disconnect{peerHash, wasOpen})
}

func (r *recordingSup) numDisconnects() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.disconnects)
}

func (r *recordingSup) numAddrs() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.addrs)
}

type sentRecorder struct {
	mtx  sync.Mutex
	msgs []wire.Message
}

func (sr *sentRecorder) record(msg wire.Message) {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	sr.msgs = append(sr.msgs, msg)
}

func (sr *sentRecorder) commands() []string {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	cmds := make([]string, len(sr.msgs))
	for i, m := range sr.msgs {
		cmds[i] = m.Command()
	}
	return cmds
}

func (sr *sentRecorder) last() wire.Message {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	if len(sr.msgs) == 0 {
		return nil
	}
	return sr.msgs[len(sr.msgs)-1]
}

// newTestSession builds a session whose sends are captured instead of
// written to a socket.
func newTestSession(t testing.TB) (*Session, *recordingSup, *sentRecorder) {
	sup := &recordingSup{}
	s := New(Config{
		Addr:             "127.0.0.1:17312",
		Params:           chainparams.Testnet,
		UserAgentName:    "flocrawl-test",
		UserAgentVersion: "0.0.1",
	}, sup, log.NewNopLogger())

	rec := &sentRecorder{}
	s.send = rec.record
	return s, sup, rec
}

// headerChain builds n headers chained from prev.
func headerChain(n int, prev chainhash.Hash) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, n)
	for i := 0; i < n; i++ {
		h := &wire.BlockHeader{
			Version:   2,
			PrevBlock: prev,
			Timestamp: time.Unix(1500000000+int64(i)*40, 0),
			Bits:      0x1e0ffff0,
			Nonce:     uint32(i),
		}
		headers[i] = h
		prev = h.BlockHash()
	}
	return headers
}

// coinbaseTx encodes height the BIP34 way.
func coinbaseTx(height int32) *wire.MsgTx {
	script := make([]byte, 5)
	script[0] = 0x04
	binary.LittleEndian.PutUint32(script[1:], uint32(height))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  script,
	})
	tx.AddTxOut(&wire.TxOut{Value: 50 * 1e8, PkScript: []byte{0x51}})
	return tx
}

func blockFor(hdr *wire.BlockHeader, height int32) *wire.MsgBlock {
	blk := wire.NewMsgBlock(hdr)
	blk.AddTransaction(coinbaseTx(height)) //nolint:errcheck
	return blk
}

func TestStartHeaderSyncSendsAnchorLocator(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseOpen

	s.startHeaderSync()

	require.Equal(t, []string{"getheaders"}, rec.commands())
	gh := rec.last().(*wire.MsgGetHeaders)
	require.Len(t, gh.BlockLocatorHashes, 1)
	assert.Equal(t, *chainparams.Testnet.AnchorHash, *gh.BlockLocatorHashes[0])
	assert.Equal(t, PhaseHeaderSync, s.phase)
}

func TestHeaderSyncPaging(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseHeaderSync

	chain := headerChain(2500, *chainparams.Testnet.AnchorHash)

	s.handleHeaders(&wire.MsgHeaders{Headers: chain[:2000]})

	assert.False(t, s.headerSyncComplete)
	assert.Len(t, s.headersBuffer, 2000)
	want := chain[1999].BlockHash()
	assert.Equal(t, want, s.lastHeaderHash)

	gh, ok := rec.last().(*wire.MsgGetHeaders)
	require.True(t, ok, "expected a getheaders follow-up")
	require.Len(t, gh.BlockLocatorHashes, 1)
	assert.Equal(t, want, *gh.BlockLocatorHashes[0])

	s.handleHeaders(&wire.MsgHeaders{Headers: chain[2000:]})

	assert.True(t, s.headerSyncComplete)
	assert.Len(t, s.headersBuffer, 2500)
	assert.Equal(t, PhaseBlockSync, s.phase)

	// The in-flight pointer sits on the buffer tip, block sync starts from
	// the oldest buffered header.
	assert.Equal(t, chain[2499].BlockHash(), s.lastHeaderHash)
	assert.Equal(t, chain[0].BlockHash(), s.lastBlockHash)

	gb, ok := rec.last().(*wire.MsgGetBlocks)
	require.True(t, ok, "expected a getblocks kick-off")
	require.Len(t, gb.BlockLocatorHashes, 1)
	assert.Equal(t, chain[0].BlockHash(), *gb.BlockLocatorHashes[0])
}

func TestHeaderSyncEmptyBatchCompletes(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseHeaderSync

	s.handleHeaders(&wire.MsgHeaders{})

	// Nothing past the anchor: the session is already at this peer's tip.
	assert.True(t, s.headerSyncComplete)
	assert.True(t, s.initialSyncComplete)
	assert.Equal(t, PhaseLive, s.phase)
	assert.Equal(t, s.lastHeaderHash, s.lastBlockHash)
	assert.Empty(t, rec.commands())
}

func TestHeaderSyncMidSyncBufferReset(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.phase = PhaseHeaderSync

	chain := headerChain(3500, *chainparams.Testnet.AnchorHash)

	s.handleHeaders(&wire.MsgHeaders{Headers: chain[:2000]})
	require.Len(t, s.headersBuffer, 2000)

	// A big batch resets the window instead of growing it without bound.
	s.handleHeaders(&wire.MsgHeaders{Headers: chain[2000:]})

	assert.Len(t, s.headersBuffer, 1500)
	assert.True(t, s.headerSyncComplete)
	assert.Equal(t, chain[2000].BlockHash(), s.lastBlockHash)
	assert.Equal(t, chain[3499].BlockHash(), s.lastHeaderHash)
}

func TestInitialBlockSync(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseHeaderSync

	const n = 30
	chain := headerChain(n, *chainparams.Testnet.AnchorHash)
	s.handleHeaders(&wire.MsgHeaders{Headers: chain})
	require.True(t, s.headerSyncComplete)

	inv := wire.NewMsgInv()
	for _, hdr := range chain {
		hash := hdr.BlockHash()
		require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)))
	}
	s.handleInv(inv)

	assert.Len(t, s.requestedBlocks, n)
	gd, ok := rec.last().(*wire.MsgGetData)
	require.True(t, ok)
	assert.Len(t, gd.InvList, n)

	for i, hdr := range chain {
		require.False(t, s.initialSyncComplete, "sync completed early at block %d", i)
		s.handleBlock(blockFor(hdr, int32(1000+i)))
	}

	assert.True(t, s.initialSyncComplete)
	assert.Equal(t, PhaseLive, s.phase)
	// At the transition the block pointer has caught the header pointer
	// and the in-flight window has drained.
	assert.Equal(t, s.lastHeaderHash, s.lastBlockHash)
	assert.Empty(t, s.requestedBlocks)

	assert.Len(t, s.blockHeightMap, n)
	assert.EqualValues(t, 1000+n-1, s.bestHeight)

	tip := chain[n-1].BlockHash()
	assert.Equal(t, NewRHash(&tip), s.lastRBlockHash)
}

func TestBlockSyncRedrivesWhenWindowDrains(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseHeaderSync

	chain := headerChain(30, *chainparams.Testnet.AnchorHash)
	s.handleHeaders(&wire.MsgHeaders{Headers: chain})

	inv := wire.NewMsgInv()
	for _, hdr := range chain[:10] {
		hash := hdr.BlockHash()
		require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)))
	}
	s.handleInv(inv)
	require.Len(t, s.requestedBlocks, 10)

	for i, hdr := range chain[:10] {
		s.handleBlock(blockFor(hdr, int32(1000+i)))
	}

	require.False(t, s.initialSyncComplete)
	assert.Empty(t, s.requestedBlocks)

	// The window drained short of the header tip: the session re-drives
	// from the last block it holds.
	gb, ok := rec.last().(*wire.MsgGetBlocks)
	require.True(t, ok, "expected a getblocks re-drive")
	require.Len(t, gb.BlockLocatorHashes, 1)
	assert.Equal(t, chain[9].BlockHash(), *gb.BlockLocatorHashes[0])
}

func TestSingleBlockInvIgnoredDuringSync(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseBlockSync
	s.headerSyncComplete = true

	inv := wire.NewMsgInv()
	hash := chainhash.Hash{1}
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)))
	s.handleInv(inv)

	assert.Empty(t, rec.commands())
	assert.Empty(t, s.requestedBlocks)
}

func TestTipGossipAfterSync(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseLive
	s.headerSyncComplete = true
	s.initialSyncComplete = true

	inv := wire.NewMsgInv()
	hash := chainhash.Hash{2}
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)))
	s.handleInv(inv)

	gd, ok := rec.last().(*wire.MsgGetData)
	require.True(t, ok)
	assert.Len(t, gd.InvList, 1)
	// Tip tracking does not touch the initial-sync window.
	assert.Empty(t, s.requestedBlocks)
}

func TestTxInvAlwaysFetched(t *testing.T) {
	s, _, rec := newTestSession(t)
	s.phase = PhaseHeaderSync

	inv := wire.NewMsgInv()
	hash := chainhash.Hash{3}
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash)))
	s.handleInv(inv)

	gd, ok := rec.last().(*wire.MsgGetData)
	require.True(t, ok)
	require.Len(t, gd.InvList, 1)
	assert.Equal(t, wire.InvTypeTx, gd.InvList[0].Type)
}

func TestMempoolPrunedByBlock(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.phase = PhaseLive
	s.headerSyncComplete = true
	s.initialSyncComplete = true

	tx1 := wire.NewMsgTx(wire.TxVersion)
	tx1.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})
	tx2 := wire.NewMsgTx(wire.TxVersion)
	tx2.AddTxOut(&wire.TxOut{Value: 2, PkScript: []byte{0x51}})
	tx3 := wire.NewMsgTx(wire.TxVersion)
	tx3.AddTxOut(&wire.TxOut{Value: 3, PkScript: []byte{0x51}})

	s.handleTx(tx1)
	s.handleTx(tx2)
	s.handleTx(tx3)
	require.Equal(t, 3, s.MempoolSize())

	hdr := headerChain(1, *chainparams.Testnet.AnchorHash)[0]
	blk := wire.NewMsgBlock(hdr)
	require.NoError(t, blk.AddTransaction(coinbaseTx(2000)))
	require.NoError(t, blk.AddTransaction(tx1))
	require.NoError(t, blk.AddTransaction(tx3))

	s.handleBlock(blk)

	// tx1 sat at index 0 and must be pruned like any other entry.
	require.Equal(t, 1, s.MempoolSize())
	assert.Equal(t, tx2.TxHash(), *s.mempool[0].Hash())
}

func TestHandleAddrForwards(t *testing.T) {
	s, sup, _ := newTestSession(t)

	s.handleAddr(&wire.MsgAddr{})
	assert.Zero(t, sup.numAddrs())

	msg := &wire.MsgAddr{}
	na1 := wire.NewNetAddressIPPort(net.ParseIP("198.51.100.7"), 7312, 0)
	na2 := wire.NewNetAddressIPPort(net.ParseIP("2001:db8::1"), 7312, 0)
	require.NoError(t, msg.AddAddress(na1))
	require.NoError(t, msg.AddAddress(na2))

	s.handleAddr(msg)

	require.Equal(t, 2, sup.numAddrs())
	assert.Equal(t, "198.51.100.7:7312", sup.addrs[0])
	assert.Equal(t, "[2001:db8::1]:7312", sup.addrs[1])
}

func TestHandleVersionRecordsAndNegotiates(t *testing.T) {
	s, _, _ := newTestSession(t)

	ver := &wire.MsgVersion{
		ProtocolVersion: 70002,
		UserAgent:       "/Florincoin:0.15.2/",
		LastBlock:       424242,
	}
	s.handleVersion(ver)

	assert.EqualValues(t, 424242, s.bestHeight)
	assert.Equal(t, "/Florincoin:0.15.2/", s.userAgent)
	assert.EqualValues(t, 70002, s.protocolVersion)
	assert.EqualValues(t, 70002, s.negotiatedPver())
}

func TestSnapshotCopiesHeights(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.blockHeightMap["aa"] = 5

	snap := s.Snapshot()
	snap.BlockHeights["bb"] = 6

	assert.Len(t, s.blockHeightMap, 1)
}

// serveRemote speaks the remote side of the protocol: handshake, then the
// given script.
func serveRemote(t *testing.T, ln net.Listener, script func(conn net.Conn)) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	pver := chainparams.ProtocolVersion
	btcnet := chainparams.Testnet.Net

	var gotVersion, gotVerack bool
	for !gotVersion || !gotVerack {
		msg, _, err := wire.ReadMessage(conn, pver, btcnet)
		if err != nil {
			t.Logf("remote read: %v", err)
			return
		}
		switch msg.(type) {
		case *wire.MsgVersion:
			gotVersion = true
			na := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
			nonce, _ := wire.RandomUint64()
			ver := wire.NewMsgVersion(na, na, nonce, 100)
			_ = ver.AddUserAgent("fakeflod", "0.1.0")
			if err := wire.WriteMessage(conn, ver, pver, btcnet); err != nil {
				return
			}
			if err := wire.WriteMessage(conn, wire.NewMsgVerAck(), pver, btcnet); err != nil {
				return
			}
		case *wire.MsgVerAck:
			gotVerack = true
		}
	}

	script(conn)
}

func TestSessionLifecycleOverTCP(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	remoteDone := make(chan struct{})
	go func() {
		defer close(remoteDone)
		serveRemote(t, ln, func(conn net.Conn) {
			pver := chainparams.ProtocolVersion
			btcnet := chainparams.Testnet.Net

			// The session asks for addresses and headers right after
			// the handshake.
			var cmds []string
			for len(cmds) < 2 {
				msg, _, err := wire.ReadMessage(conn, pver, btcnet)
				if err != nil {
					t.Logf("remote read: %v", err)
					return
				}
				cmds = append(cmds, msg.Command())
			}
			assert.ElementsMatch(t, []string{"getaddr", "getheaders"}, cmds)

			// Nothing past the anchor; then hang up.
			_ = wire.WriteMessage(conn, &wire.MsgHeaders{}, pver, btcnet)
			conn.Close()
		})
	}()

	sup := &recordingSup{}
	s := New(Config{
		Addr:             ln.Addr().String(),
		Params:           chainparams.Testnet,
		UserAgentName:    "flocrawl-test",
		UserAgentVersion: "0.0.1",
	}, sup, log.NewTestingLogger(t))

	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.InitialSyncComplete || snap.Phase == PhaseDead
	}, 5*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.True(t, snap.InitialSyncComplete)
	assert.Contains(t, snap.UserAgent, "fakeflod:0.1.0")
	assert.EqualValues(t, 100, snap.BestHeight)

	// The remote hangs up: an expected disconnect, emitted but not logged.
	require.Eventually(t, func() bool {
		return sup.numDisconnects() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, sup.disconnects[0].wasOpen)
	assert.Equal(t, s.Hash(), sup.disconnects[0].hash)

	<-remoteDone
}

func TestDestroyIdempotent(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go serveRemote(t, ln, func(conn net.Conn) {
		// Consume whatever the session sends and keep the socket open
		// until the session goes away.
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		for {
			if _, _, err := wire.ReadMessage(conn, chainparams.ProtocolVersion, chainparams.Testnet.Net); err != nil {
				conn.Close()
				return
			}
		}
	})

	sup := &recordingSup{}
	s := New(Config{
		Addr:             ln.Addr().String(),
		Params:           chainparams.Testnet,
		UserAgentName:    "flocrawl-test",
		UserAgentVersion: "0.0.1",
	}, sup, log.NewTestingLogger(t))

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, s.IsOpen, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), service.ErrAlreadyStopped)

	snap := s.Snapshot()
	assert.Equal(t, PhaseDead, snap.Phase)
	assert.False(t, s.IsOpen())

	// An explicit destroy is not a disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sup.numDisconnects())
}

func TestHeaderSyncProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&headerSyncModel{}))
}

type headerSyncModel struct {
	s     *Session
	chain []*wire.BlockHeader
	next  int
}

func (m *headerSyncModel) Init(t *rapid.T) {
	sup := &recordingSup{}
	m.s = New(Config{
		Addr:             "127.0.0.1:17312",
		Params:           chainparams.Testnet,
		UserAgentName:    "flocrawl-test",
		UserAgentVersion: "0.0.1",
	}, sup, log.NewNopLogger())
	m.s.send = func(wire.Message) {}
	m.s.phase = PhaseHeaderSync

	n := rapid.IntRange(0, 4500).Draw(t, "chainLen").(int)
	m.chain = headerChain(n, *chainparams.Testnet.AnchorHash)
	m.next = 0
}

func (m *headerSyncModel) DeliverBatch(t *rapid.T) {
	if m.s.headerSyncComplete {
		return
	}
	remaining := len(m.chain) - m.next
	max := remaining
	if max > wire.MaxBlockHeadersPerMsg {
		max = wire.MaxBlockHeadersPerMsg
	}
	batch := rapid.IntRange(0, max).Draw(t, "batch").(int)

	m.s.handleHeaders(&wire.MsgHeaders{Headers: m.chain[m.next : m.next+batch]})
	m.next += batch
}

func (m *headerSyncModel) Check(t *rapid.T) {
	m.s.mtx.Lock()
	defer m.s.mtx.Unlock()

	// The buffer is always a contiguous hash chain.
	for i := 1; i < len(m.s.headersBuffer); i++ {
		prev := m.s.headersBuffer[i-1].BlockHash()
		if m.s.headersBuffer[i].PrevBlock != prev {
			t.Fatalf("buffer breaks the hash chain at %d", i)
		}
	}

	if m.s.headerSyncComplete && len(m.s.headersBuffer) > 0 {
		tip := m.s.headersBuffer[len(m.s.headersBuffer)-1].BlockHash()
		if m.s.lastHeaderHash != tip {
			t.Fatalf("completed sync does not point at the buffer tip")
		}
		first := m.s.headersBuffer[0].BlockHash()
		if m.s.lastBlockHash != first {
			t.Fatalf("block sync does not start at the oldest buffered header")
		}
	}
}
