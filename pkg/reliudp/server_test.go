package reliudp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkwkekzz/hktnet/pkg/wire"
)

// recordingHandler collects server events for assertions.
type recordingHandler struct {
	mu          sync.Mutex
	connects    []PeerKey
	disconnects map[PeerKey]string
	data        map[PeerKey][][]byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		disconnects: make(map[PeerKey]string),
		data:        make(map[PeerKey][][]byte),
	}
}

func (h *recordingHandler) OnConnect(_ context.Context, peer PeerKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, peer)
}

func (h *recordingHandler) OnDisconnect(_ context.Context, peer PeerKey, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects[peer] = reason
}

func (h *recordingHandler) OnData(_ context.Context, peer PeerKey, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[peer] = append(h.data[peer], payload)
}

func (h *recordingHandler) connectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connects)
}

func (h *recordingHandler) disconnectReason(peer PeerKey) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.disconnects[peer]
	return r, ok
}

func (h *recordingHandler) payloads(peer PeerKey) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.data[peer]...)
}

// tickUntil drives the given tick functions until cond holds or the attempt
// budget runs out. The sleeps are real time; the protocol clock may well be
// fake.
func tickUntil(t *testing.T, ctx context.Context, cond func() bool, tickers ...func(context.Context)) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		for _, tick := range tickers {
			tick(ctx)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// connectedPair returns a server and a client that have completed the
// handshake over an in-memory network.
func connectedPair(t *testing.T, ctx context.Context, n *memNet, h Handler) (*Server, *Client) {
	t.Helper()
	srv := NewServer(DefaultConfig(), h)
	require.NoError(t, srv.StartConn(ctx, n.conn("server:7777")))
	t.Cleanup(func() { _ = srv.Stop(ctx) })

	cli := NewClient(DefaultConfig())
	require.NoError(t, cli.ConnectConn(ctx, n.conn("client:7778"), memAddr("server:7777")))
	t.Cleanup(func() { _ = cli.Disconnect(ctx) })

	tickUntil(t, ctx, cli.IsConnected, srv.Tick, cli.Tick)
	return srv, cli
}

func (s *Server) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func TestHandshake(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	h := newRecordingHandler()
	_, cli := connectedPair(t, ctx, newMemNet(), h)

	assert.True(t, cli.IsConnected())
	require.Equal(t, 1, h.connectCount())
	assert.Equal(t, PeerKey("client:7778"), h.connects[0])
}

func TestUnknownPeerDropped(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	n := newMemNet()
	srv := NewServer(DefaultConfig(), nil)
	require.NoError(t, srv.StartConn(ctx, n.conn("server:7777")))
	defer srv.Stop(ctx)

	// Data before Connect must not create a peer.
	stranger := n.conn("stranger:9")
	_, err := stranger.WriteTo(wire.Encode(wire.Header{Kind: wire.Data, Sequence: 1}, []byte("hi")), memAddr("server:7777"))
	require.NoError(t, err)

	tickUntil(t, ctx, func() bool { return srv.Stats().PacketsDropped >= 1 }, srv.Tick)
	assert.Zero(t, srv.peerCount())
}

func TestMalformedPacketDropped(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	n := newMemNet()
	srv := NewServer(DefaultConfig(), nil)
	require.NoError(t, srv.StartConn(ctx, n.conn("server:7777")))
	defer srv.Stop(ctx)

	stranger := n.conn("stranger:9")
	_, err := stranger.WriteTo([]byte{0xff, 0x01}, memAddr("server:7777"))
	require.NoError(t, err)

	tickUntil(t, ctx, func() bool { return srv.Stats().PacketsDropped >= 1 }, srv.Tick)
	assert.Zero(t, srv.peerCount())
}

func TestMaxClients(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	n := newMemNet()
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	srv := NewServer(cfg, nil)
	require.NoError(t, srv.StartConn(ctx, n.conn("server:7777")))
	defer srv.Stop(ctx)

	first := NewClient(DefaultConfig())
	require.NoError(t, first.ConnectConn(ctx, n.conn("client:1"), memAddr("server:7777")))
	defer first.Disconnect(ctx)
	tickUntil(t, ctx, first.IsConnected, srv.Tick, first.Tick)

	second := NewClient(DefaultConfig())
	require.NoError(t, second.ConnectConn(ctx, n.conn("client:2"), memAddr("server:7777")))
	defer second.Disconnect(ctx)
	for i := 0; i < 50; i++ {
		srv.Tick(ctx)
		second.Tick(ctx)
		time.Sleep(time.Millisecond)
	}
	assert.False(t, second.IsConnected())
	assert.Equal(t, 1, srv.peerCount())
}

func TestClientRequestedDisconnect(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	h := newRecordingHandler()
	srv, cli := connectedPair(t, ctx, newMemNet(), h)

	require.NoError(t, cli.Disconnect(ctx))
	tickUntil(t, ctx, func() bool {
		_, ok := h.disconnectReason("client:7778")
		return ok
	}, srv.Tick)

	reason, _ := h.disconnectReason("client:7778")
	assert.Equal(t, ReasonRequested, reason)
	assert.Zero(t, srv.peerCount())
}

func TestPeerTimeout(t *testing.T) {
	ft := dtime.NewFakeTime()
	dtime.SetNow(ft.Now)
	defer dtime.SetNow(time.Now)

	ctx := dlog.NewTestContext(t, false)
	h := newRecordingHandler()
	srv, cli := connectedPair(t, ctx, newMemNet(), h)

	// Freeze the client so nothing refreshes its activity timestamp.
	require.NoError(t, cli.teardown(ctx))

	ft.Step(6 * time.Second)
	srv.Tick(ctx)

	reason, ok := h.disconnectReason("client:7778")
	require.True(t, ok, "peer should have timed out")
	assert.Equal(t, ReasonTimeout, reason)
	assert.Zero(t, srv.peerCount())
	assert.Equal(t, uint64(1), srv.Stats().PeersTimedOut)
}

func TestKeepAlivePreventsTimeout(t *testing.T) {
	ft := dtime.NewFakeTime()
	dtime.SetNow(ft.Now)
	defer dtime.SetNow(time.Now)

	ctx := dlog.NewTestContext(t, false)
	h := newRecordingHandler()
	srv, cli := connectedPair(t, ctx, newMemNet(), h)

	// Idle for 12 seconds of protocol time. The client's Pings must keep the
	// server's idle scan at bay the whole way.
	for i := 0; i < 4; i++ {
		received := srv.Stats().PacketsReceived
		ft.Step(3 * time.Second)
		cli.Tick(ctx)
		tickUntil(t, ctx, func() bool { return srv.Stats().PacketsReceived > received }, srv.Tick)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.disconnects)
	assert.True(t, cli.IsConnected())
}

func TestRetryExhaustionDisconnectsPeer(t *testing.T) {
	ft := dtime.NewFakeTime()
	dtime.SetNow(ft.Now)
	defer dtime.SetNow(time.Now)

	ctx := dlog.NewTestContext(t, false)
	n := newMemNet()
	h := newRecordingHandler()
	srv, _ := connectedPair(t, ctx, n, h)

	// The client goes deaf: everything the server sends is lost.
	n.setDrop(func(from, _ net.Addr, _ []byte) bool { return from.String() == "server:7777" })

	require.NoError(t, srv.SendTo(ctx, "client:7778", []byte("anyone home?")))

	cfg := DefaultConfig()
	for i := 0; i <= cfg.MaxRetries; i++ {
		ft.Step(cfg.ResendTimeout + 50*time.Millisecond)
		srv.Tick(ctx)
	}

	reason, ok := h.disconnectReason("client:7778")
	require.True(t, ok, "peer should have been dropped")
	assert.Equal(t, ReasonRetryExhausted, reason)

	// The packet went out at most MaxRetries extra times.
	assert.Equal(t, uint64(cfg.MaxRetries), srv.Stats().PacketsRetransmitted)
	assert.Equal(t, uint64(1), srv.Stats().PeersRetryExhausted)
}

func TestGroupConsistency(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	n := newMemNet()
	h := newRecordingHandler()
	srv, cli := connectedPair(t, ctx, n, h)

	require.NoError(t, srv.JoinGroup(ctx, "client:7778", 42))
	require.NoError(t, srv.JoinGroup(ctx, "client:7778", 42)) // idempotent
	require.NoError(t, srv.JoinGroup(ctx, "client:7778", 7))
	assertGroupInvariant(t, srv)

	require.NoError(t, srv.LeaveGroup(ctx, "client:7778", 7))
	assertGroupInvariant(t, srv)

	srv.mu.Lock()
	_, groupExists := srv.groups[7]
	members := len(srv.groups[42])
	srv.mu.Unlock()
	assert.False(t, groupExists, "empty group must be deleted")
	assert.Equal(t, 1, members)

	// Removing the peer purges it from every group.
	srv.DisconnectPeer(ctx, "client:7778", "test")
	assertGroupInvariant(t, srv)
	srv.mu.Lock()
	groups := len(srv.groups)
	srv.mu.Unlock()
	assert.Zero(t, groups)
	_ = cli
}

func TestGroupOpsOnUnknownPeer(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	srv := NewServer(DefaultConfig(), nil)
	require.NoError(t, srv.StartConn(ctx, newMemNet().conn("server:7777")))
	defer srv.Stop(ctx)

	assert.ErrorIs(t, srv.JoinGroup(ctx, "nobody:1", 42), ErrUnknownPeer)
	assert.ErrorIs(t, srv.LeaveGroup(ctx, "nobody:1", 42), ErrUnknownPeer)
	assert.ErrorIs(t, srv.SendTo(ctx, "nobody:1", []byte("x")), ErrUnknownPeer)
}

// assertGroupInvariant checks both directions of the membership relation: a
// peer is in groups[g] exactly when g is in the peer's own group set.
func assertGroupInvariant(t *testing.T, s *Server) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for g, members := range s.groups {
		assert.NotEmpty(t, members, "group %d must not linger empty", g)
		for key := range members {
			p := s.peers[key]
			require.NotNil(t, p, "group %d member %s must be a live peer", g, key)
			assert.Contains(t, p.groups, g)
		}
	}
	for key, p := range s.peers {
		for g := range p.groups {
			assert.Contains(t, s.groups[g], key)
		}
	}
}
