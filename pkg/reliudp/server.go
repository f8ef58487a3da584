// Package reliudp implements a reliable transport on top of UDP datagrams
// for the gameplay runtime. Each Data packet carries a per-peer sequence
// number and piggybacked acknowledgement state; unacknowledged packets are
// retransmitted on a fixed timer and the receiver suppresses duplicates with
// a 32-slot sliding window.
//
// An endpoint owns two flows of control: a receiver goroutine that does
// nothing but move datagrams from the socket into a queue, and the caller's
// Tick, which drains that queue, applies the protocol state machine and
// performs retransmission and timeout scans. All sends originate from the
// Tick side.
package reliudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/dkwkekzz/hktnet/pkg/wire"
)

// readWait bounds how long the receiver goroutine blocks in a socket read so
// that it notices cancellation.
const readWait = 100 * time.Millisecond

// maxDatagram is the size of the receive scratch buffer.
const maxDatagram = 0x10000

// rawPacket is one datagram as handed from the receiver goroutine to Tick.
type rawPacket struct {
	addr net.Addr
	data []byte
}

// outPacket is one datagram scheduled for transmission after the endpoint
// mutex has been released.
type outPacket struct {
	data []byte
	addr net.Addr
}

// Handler receives the events a Server surfaces. All methods are invoked on
// the goroutine that calls Tick, never with the endpoint mutex held.
type Handler interface {
	// OnConnect fires when a previously unknown peer completes the
	// handshake.
	OnConnect(ctx context.Context, peer PeerKey)

	// OnDisconnect fires when a peer is removed, with the reason.
	OnDisconnect(ctx context.Context, peer PeerKey, reason string)

	// OnData fires once per delivered payload, in the order the packets
	// arrive from that peer; payloads are not reordered by sequence number.
	OnData(ctx context.Context, peer PeerKey, payload []byte)
}

// Server is the listening end of the transport. It keeps one sliding-window
// state per connected peer, accepts new peers on their first Connect packet,
// and routes group broadcasts.
type Server struct {
	id      uuid.UUID
	cfg     Config
	handler Handler

	conn     net.PacketConn
	incoming chan rawPacket
	cancel   context.CancelFunc
	recvDone chan struct{}
	sockErr  atomic.Value // error

	mu      sync.Mutex
	started bool
	peers   map[PeerKey]*peer
	groups  map[int32]map[PeerKey]*peer

	stats stats
}

// NewServer returns an unstarted server. The handler may be nil, in which
// case events are dropped.
func NewServer(cfg Config, handler Handler) *Server {
	return &Server{
		id:      uuid.New(),
		cfg:     cfg,
		handler: handler,
		peers:   make(map[PeerKey]*peer),
		groups:  make(map[int32]map[PeerKey]*peer),
	}
}

// ID identifies this endpoint instance in logs and metrics.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// Start binds a UDP socket on the given port and starts the receiver
// goroutine. The context governs the receiver's lifetime; cancelling it ends
// the receiver goroutine but leaves the socket open, so Stop is still needed.
func (s *Server) Start(ctx context.Context, port uint16) error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("unable to bind UDP port %d: %w", port, err)
	}
	return s.StartConn(ctx, conn)
}

// StartConn is Start for an already created packet connection. Tests use it
// to run the protocol over in-memory connections.
func (s *Server) StartConn(ctx context.Context, conn net.PacketConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.conn = conn
	s.incoming = make(chan rawPacket, s.cfg.QueueDepth)
	s.recvDone = make(chan struct{})

	ctx, s.cancel = context.WithCancel(ctx)
	go s.readLoop(ctx)
	dlog.Infof(ctx, "server %s listening on %s", s.id, conn.LocalAddr())
	return nil
}

// Stop shuts down the receiver goroutine, waits for it to exit, and closes
// the socket. It is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.recvDone

	var result error
	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	dlog.Infof(ctx, "server %s stopped", s.id)
	return result
}

// Err reports the socket error that stopped the receiver goroutine, if any.
func (s *Server) Err() error {
	if err, ok := s.sockErr.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns a snapshot of the endpoint's counters.
func (s *Server) Stats() StatsSnapshot {
	s.mu.Lock()
	peers := len(s.peers)
	s.mu.Unlock()
	return s.stats.snapshot(peers)
}

// readLoop owns the read side of the socket. It never touches peer state: a
// received datagram is copied and enqueued for Tick, and the queue spills by
// dropping when the tick side cannot keep up.
func (s *Server) readLoop(ctx context.Context) {
	defer close(s.recvDone)
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			dlog.Errorf(ctx, "socket read failed: %v", err)
			s.sockErr.Store(err)
			return
		}
		if n == 0 {
			continue
		}
		atomic.AddUint64(&s.stats.packetsReceived, 1)
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.incoming <- rawPacket{addr: addr, data: data}:
		default:
			atomic.AddUint64(&s.stats.packetsDropped, 1)
			dlog.Warnf(ctx, "raw packet queue full, dropping %d bytes from %s", n, addr)
		}
	}
}

// Tick processes one batch of inbound traffic, retransmits unacknowledged
// packets and drops peers that went silent. It must be called at application
// cadence; all Handler callbacks fire from here.
func (s *Server) Tick(ctx context.Context) {
	s.processIncoming(ctx)
	s.checkResends(ctx)
	s.checkTimeouts(ctx)
}

func (s *Server) processIncoming(ctx context.Context) {
	for {
		select {
		case pkt := <-s.incoming:
			s.handlePacket(ctx, pkt)
		default:
			return
		}
	}
}

// handlePacket applies one inbound datagram to the peer table. State is
// mutated under the mutex; socket writes and handler callbacks happen after
// it has been released.
func (s *Server) handlePacket(ctx context.Context, pkt rawPacket) {
	h, payload, err := wire.Decode(pkt.data)
	if err != nil {
		atomic.AddUint64(&s.stats.packetsDropped, 1)
		dlog.Warnf(ctx, "dropping packet from %s: %v", pkt.addr, err)
		return
	}
	key := peerKeyOf(pkt.addr)
	dlog.Tracef(ctx, "<- %s %s seq=%d ack=%d bits=%#x", key, h.Kind, h.Sequence, h.LastAcked, h.AckBitfield)

	var sends []outPacket
	var deliver []byte
	connected := false
	disconnectReason := ""

	s.mu.Lock()
	p := s.peers[key]
	if p == nil {
		accepted := s.acceptLocked(ctx, h.Kind, key, pkt.addr)
		if accepted == nil {
			s.mu.Unlock()
			atomic.AddUint64(&s.stats.packetsDropped, 1)
			return
		}
		connected = true
		sends = append(sends, outPacket{data: wire.Encode(s.ackHeaderLocked(accepted), nil), addr: pkt.addr})
	} else {
		p.lastReceiveTime = dtime.Now()
		p.processAck(h)

		switch h.Kind {
		case wire.Data:
			fresh, inWindow := p.updateReceived(h.Sequence)
			switch {
			case fresh:
				deliver = payload
			case inWindow:
				atomic.AddUint64(&s.stats.duplicatesSuppressed, 1)
				dlog.Debugf(ctx, "suppressing duplicate seq %d from %s", h.Sequence, key)
			default:
				atomic.AddUint64(&s.stats.packetsDropped, 1)
				dlog.Debugf(ctx, "dropping out-of-window seq %d from %s", h.Sequence, key)
			}
			sends = append(sends, outPacket{data: wire.Encode(s.ackHeaderLocked(p), nil), addr: p.addr})
		case wire.Ack:
			// All work was done by processAck.
		case wire.Connect:
			// The client did not see our handshake Ack yet.
			dlog.Debugf(ctx, "repeated connect from %s, re-sending ack", key)
			sends = append(sends, outPacket{data: wire.Encode(s.ackHeaderLocked(p), nil), addr: p.addr})
		case wire.Disconnect:
			disconnectReason = ReasonRequested
		case wire.Ping:
			pong := wire.Header{Kind: wire.Pong, LastAcked: p.receivedSequence, AckBitfield: p.receivedBitfield}
			sends = append(sends, outPacket{data: wire.Encode(pong, nil), addr: p.addr})
		case wire.Pong:
			// Nothing beyond the activity timestamp update.
		case wire.JoinGroup:
			if gid, err := wire.DecodeGroupID(payload); err != nil {
				dlog.Warnf(ctx, "malformed JoinGroup from %s: %v", key, err)
			} else {
				s.joinGroupLocked(ctx, p, gid)
			}
		case wire.LeaveGroup:
			if gid, err := wire.DecodeGroupID(payload); err != nil {
				dlog.Warnf(ctx, "malformed LeaveGroup from %s: %v", key, err)
			} else {
				s.leaveGroupLocked(ctx, p, gid)
			}
		}
	}
	s.mu.Unlock()

	if connected {
		dlog.Infof(ctx, "new peer connected: %s", key)
	}
	// Delivery happens before the ack goes out.
	if deliver != nil {
		atomic.AddUint64(&s.stats.payloadsDelivered, 1)
		if s.handler != nil {
			s.handler.OnData(ctx, key, deliver)
		}
	}
	for _, o := range sends {
		_ = s.writeTo(ctx, o.data, o.addr)
	}
	if connected && s.handler != nil {
		s.handler.OnConnect(ctx, key)
	}
	if disconnectReason != "" {
		s.DisconnectPeer(ctx, key, disconnectReason)
	}
}

// acceptLocked decides whether a packet from an unknown address opens a new
// connection. Only Connect does, and only below the client cap.
func (s *Server) acceptLocked(ctx context.Context, kind wire.Kind, key PeerKey, addr net.Addr) *peer {
	if kind != wire.Connect {
		dlog.Warnf(ctx, "dropping %s packet from unknown peer %s", kind, key)
		return nil
	}
	if s.cfg.MaxClients > 0 && len(s.peers) >= s.cfg.MaxClients {
		dlog.Warnf(ctx, "refusing connect from %s: server is full (%d clients)", key, s.cfg.MaxClients)
		return nil
	}
	p := newPeer(addr, dtime.Now())
	s.peers[key] = p
	return p
}

func (s *Server) ackHeaderLocked(p *peer) wire.Header {
	return wire.Header{
		Kind:        wire.Ack,
		LastAcked:   p.receivedSequence,
		AckBitfield: p.receivedBitfield,
	}
}

// SendTo transmits a payload reliably to a connected peer. The new sequence
// is recorded in the peer's pending table until the peer acknowledges it.
func (s *Server) SendTo(ctx context.Context, key PeerKey, payload []byte) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	p := s.peers[key]
	if p == nil {
		s.mu.Unlock()
		return ErrUnknownPeer
	}
	h := wire.Header{
		Kind:        wire.Data,
		Sequence:    p.nextSequence(),
		LastAcked:   p.receivedSequence,
		AckBitfield: p.receivedBitfield,
	}
	data := wire.Encode(h, payload)
	p.pending[h.Sequence] = &pendingPacket{data: data, sentTime: dtime.Now()}
	addr := p.addr
	s.mu.Unlock()

	dlog.Tracef(ctx, "-> %s Data seq=%d ack=%d bits=%#x", key, h.Sequence, h.LastAcked, h.AckBitfield)
	return s.writeTo(ctx, data, addr)
}

// BroadcastToGroup sends a payload to every member of a group except
// exclude. Membership is snapshotted under the lock and each key is resolved
// again on send, so peers that vanish mid-broadcast are skipped.
func (s *Server) BroadcastToGroup(ctx context.Context, group int32, payload []byte, exclude PeerKey) {
	s.mu.Lock()
	members := make([]PeerKey, 0, len(s.groups[group]))
	for key := range s.groups[group] {
		if key != exclude {
			members = append(members, key)
		}
	}
	s.mu.Unlock()

	dlog.Debugf(ctx, "broadcasting %d bytes to group %d (%d members)", len(payload), group, len(members))
	for _, key := range members {
		if err := s.SendTo(ctx, key, payload); err != nil {
			dlog.Debugf(ctx, "skipping group %d member %s: %v", group, key, err)
		}
	}
}

// JoinGroup adds a connected peer to a group. It is idempotent.
func (s *Server) JoinGroup(ctx context.Context, key PeerKey, group int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[key]
	if p == nil {
		return ErrUnknownPeer
	}
	s.joinGroupLocked(ctx, p, group)
	return nil
}

// LeaveGroup removes a connected peer from a group.
func (s *Server) LeaveGroup(ctx context.Context, key PeerKey, group int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[key]
	if p == nil {
		return ErrUnknownPeer
	}
	s.leaveGroupLocked(ctx, p, group)
	return nil
}

func (s *Server) joinGroupLocked(ctx context.Context, p *peer, group int32) {
	if _, ok := p.groups[group]; ok {
		dlog.Debugf(ctx, "peer %s is already in group %d", p.key, group)
		return
	}
	p.groups[group] = struct{}{}
	members := s.groups[group]
	if members == nil {
		members = make(map[PeerKey]*peer)
		s.groups[group] = members
	}
	members[p.key] = p
	dlog.Infof(ctx, "peer %s joined group %d (%d members)", p.key, group, len(members))
}

func (s *Server) leaveGroupLocked(ctx context.Context, p *peer, group int32) {
	if _, ok := p.groups[group]; !ok {
		dlog.Warnf(ctx, "peer %s is not in group %d", p.key, group)
		return
	}
	delete(p.groups, group)
	if members := s.groups[group]; members != nil {
		delete(members, p.key)
		if len(members) == 0 {
			delete(s.groups, group)
			dlog.Debugf(ctx, "group %d is empty and has been removed", group)
		}
	}
	dlog.Infof(ctx, "peer %s left group %d", p.key, group)
}

// DisconnectPeer removes a peer from the connection table and purges it from
// every group it joined, then fires OnDisconnect.
func (s *Server) DisconnectPeer(ctx context.Context, key PeerKey, reason string) {
	s.mu.Lock()
	p := s.peers[key]
	if p == nil {
		s.mu.Unlock()
		return
	}
	delete(s.peers, key)
	for group := range p.groups {
		if members := s.groups[group]; members != nil {
			delete(members, key)
			if len(members) == 0 {
				delete(s.groups, group)
			}
		}
	}
	remaining := len(s.peers)
	s.mu.Unlock()

	dlog.Infof(ctx, "peer %s disconnected: %s (%d remaining)", key, reason, remaining)
	if s.handler != nil {
		s.handler.OnDisconnect(ctx, key, reason)
	}
}

// checkResends retransmits every pending packet older than the resend
// timeout, verbatim. A packet that has exhausted its retries takes the whole
// peer down instead.
func (s *Server) checkResends(ctx context.Context) {
	now := dtime.Now()
	var resends []outPacket
	var exhausted []PeerKey

	s.mu.Lock()
	for key, p := range s.peers {
		for seq, pp := range p.pending {
			if now.Sub(pp.sentTime) <= s.cfg.ResendTimeout {
				continue
			}
			if pp.retries >= s.cfg.MaxRetries {
				exhausted = append(exhausted, key)
				break
			}
			pp.sentTime = now
			pp.retries++
			resends = append(resends, outPacket{data: pp.data, addr: p.addr})
			dlog.Debugf(ctx, "resending seq %d to %s, retry %d/%d", seq, key, pp.retries, s.cfg.MaxRetries)
		}
	}
	s.mu.Unlock()

	for _, o := range resends {
		atomic.AddUint64(&s.stats.packetsRetransmitted, 1)
		_ = s.writeTo(ctx, o.data, o.addr)
	}
	for _, key := range exhausted {
		atomic.AddUint64(&s.stats.peersRetryExhausted, 1)
		s.DisconnectPeer(ctx, key, ReasonRetryExhausted)
	}
}

// checkTimeouts drops peers that have been silent longer than PeerTimeout.
func (s *Server) checkTimeouts(ctx context.Context) {
	now := dtime.Now()
	var timedOut []PeerKey

	s.mu.Lock()
	for key, p := range s.peers {
		if now.Sub(p.lastReceiveTime) > s.cfg.PeerTimeout {
			timedOut = append(timedOut, key)
		}
	}
	s.mu.Unlock()

	for _, key := range timedOut {
		atomic.AddUint64(&s.stats.peersTimedOut, 1)
		s.DisconnectPeer(ctx, key, ReasonTimeout)
	}
}

func (s *Server) writeTo(ctx context.Context, data []byte, addr net.Addr) error {
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		dlog.Errorf(ctx, "socket write to %s failed: %v", addr, err)
		return fmt.Errorf("socket write: %w", err)
	}
	atomic.AddUint64(&s.stats.packetsSent, 1)
	return nil
}
