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

// Client is the connecting end of the transport. It mirrors the server's
// reliability engine for a single peer, the server, and adds the handshake:
// a Connect packet is answered by the server with an Ack carrying
// last_acked=0, which completes the connection.
//
// Unlike the server, the client never sends standalone acks for received
// Data; acknowledgement state rides along in the header of whatever it sends
// next.
type Client struct {
	id  uuid.UUID
	cfg Config

	conn     net.PacketConn
	incoming chan rawPacket
	received chan []byte
	cancel   context.CancelFunc
	recvDone chan struct{}
	sockErr  atomic.Value // error

	mu           sync.Mutex
	started      bool
	connected    bool
	server       *peer
	lastSendTime time.Time

	stats stats
}

// NewClient returns an unconnected client.
func NewClient(cfg Config) *Client {
	return &Client{
		id:  uuid.New(),
		cfg: cfg,
	}
}

// ID identifies this endpoint instance in logs and metrics.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Connect binds the local UDP socket, starts the receiver goroutine and
// sends the connection request. The handshake completes asynchronously: the
// server's answer is only processed by Tick, so keep ticking until
// IsConnected reports true.
func (c *Client) Connect(ctx context.Context, server string) error {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return fmt.Errorf("unable to resolve server address %s: %w", server, err)
	}
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", c.cfg.ClientPort))
	if err != nil {
		return fmt.Errorf("unable to bind UDP port %d: %w", c.cfg.ClientPort, err)
	}
	return c.ConnectConn(ctx, conn, raddr)
}

// ConnectConn is Connect for an already created packet connection. Tests use
// it to run the protocol over in-memory connections.
func (c *Client) ConnectConn(ctx context.Context, conn net.PacketConn, server net.Addr) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.conn = conn
	c.server = newPeer(server, dtime.Now())
	c.incoming = make(chan rawPacket, c.cfg.QueueDepth)
	c.received = make(chan []byte, c.cfg.QueueDepth)
	c.recvDone = make(chan struct{})

	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.readLoop(rctx)
	c.mu.Unlock()

	dlog.Infof(ctx, "client %s on %s connecting to %s", c.id, conn.LocalAddr(), server)
	return c.sendControl(ctx, wire.Connect, nil)
}

// Disconnect tells the server we are leaving, best effort, then shuts the
// endpoint down. It is idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.connected
	c.mu.Unlock()

	if wasConnected {
		_ = c.sendControl(ctx, wire.Disconnect, nil)
	}
	err := c.teardown(ctx)
	dlog.Infof(ctx, "client %s disconnected", c.id)
	return err
}

// teardown stops the receiver goroutine, waits for it to exit and closes the
// socket.
func (c *Client) teardown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.connected = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	<-c.recvDone

	var result error
	if err := c.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// IsConnected reports whether the handshake has completed and the connection
// has not been torn down since.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Err reports the socket error that stopped the receiver goroutine, if any.
func (c *Client) Err() error {
	if err, ok := c.sockErr.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns a snapshot of the endpoint's counters.
func (c *Client) Stats() StatsSnapshot {
	c.mu.Lock()
	peers := 0
	if c.connected {
		peers = 1
	}
	c.mu.Unlock()
	return c.stats.snapshot(peers)
}

// Poll removes and returns the next received payload, if one is queued.
func (c *Client) Poll() ([]byte, bool) {
	select {
	case payload := <-c.received:
		return payload, true
	default:
		return nil, false
	}
}

// Send transmits a payload reliably to the server.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	p := c.server
	h := wire.Header{
		Kind:        wire.Data,
		Sequence:    p.nextSequence(),
		LastAcked:   p.receivedSequence,
		AckBitfield: p.receivedBitfield,
	}
	data := wire.Encode(h, payload)
	p.pending[h.Sequence] = &pendingPacket{data: data, sentTime: dtime.Now()}
	addr := p.addr
	c.lastSendTime = dtime.Now()
	c.mu.Unlock()

	dlog.Tracef(ctx, "-> server Data seq=%d ack=%d bits=%#x", h.Sequence, h.LastAcked, h.AckBitfield)
	return c.writeTo(ctx, data, addr)
}

// JoinGroup asks the server to add this client to a group.
func (c *Client) JoinGroup(ctx context.Context, group int32) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	dlog.Debugf(ctx, "requesting to join group %d", group)
	return c.sendControl(ctx, wire.JoinGroup, wire.EncodeGroupID(group))
}

// LeaveGroup asks the server to remove this client from a group.
func (c *Client) LeaveGroup(ctx context.Context, group int32) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	dlog.Debugf(ctx, "requesting to leave group %d", group)
	return c.sendControl(ctx, wire.LeaveGroup, wire.EncodeGroupID(group))
}

// sendControl transmits a non-Data packet. It carries sequence zero, is not
// recorded for retransmission, and still piggybacks the receive state.
func (c *Client) sendControl(ctx context.Context, kind wire.Kind, payload []byte) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	h := wire.Header{
		Kind:        kind,
		LastAcked:   c.server.receivedSequence,
		AckBitfield: c.server.receivedBitfield,
	}
	addr := c.server.addr
	c.lastSendTime = dtime.Now()
	c.mu.Unlock()

	dlog.Tracef(ctx, "-> server %s ack=%d bits=%#x", kind, h.LastAcked, h.AckBitfield)
	return c.writeTo(ctx, wire.Encode(h, payload), addr)
}

// Tick processes one batch of inbound traffic, retransmits unacknowledged
// packets, keeps the handshake and the keep-alive going. It must be called
// at application cadence.
func (c *Client) Tick(ctx context.Context) {
	c.processIncoming(ctx)

	c.mu.Lock()
	started := c.started
	connected := c.connected
	lastSend := c.lastSendTime
	c.mu.Unlock()
	if !started {
		return
	}
	now := dtime.Now()

	if !connected {
		// The connection request itself is not in the pending table, so it
		// gets its own retransmission here until the handshake ack arrives.
		if now.Sub(lastSend) > c.cfg.ResendTimeout {
			dlog.Debugf(ctx, "re-sending connection request")
			_ = c.sendControl(ctx, wire.Connect, nil)
		}
		return
	}

	c.checkResends(ctx)

	if c.cfg.PingInterval > 0 && c.IsConnected() && now.Sub(lastSend) > c.cfg.PingInterval {
		dlog.Tracef(ctx, "-> server Ping")
		_ = c.sendControl(ctx, wire.Ping, nil)
	}
}

func (c *Client) processIncoming(ctx context.Context) {
	for {
		select {
		case pkt := <-c.incoming:
			c.handlePacket(ctx, pkt)
		default:
			return
		}
	}
}

func (c *Client) handlePacket(ctx context.Context, pkt rawPacket) {
	h, payload, err := wire.Decode(pkt.data)
	if err != nil {
		atomic.AddUint64(&c.stats.packetsDropped, 1)
		dlog.Warnf(ctx, "dropping packet from server: %v", err)
		return
	}
	dlog.Tracef(ctx, "<- server %s seq=%d ack=%d bits=%#x", h.Kind, h.Sequence, h.LastAcked, h.AckBitfield)

	var sends []outPacket
	var deliver []byte
	handshake := false

	c.mu.Lock()
	p := c.server
	if !c.connected && h.Kind == wire.Ack && h.LastAcked == 0 {
		c.connected = true
		handshake = true
	}
	p.lastReceiveTime = dtime.Now()
	p.processAck(h)

	switch h.Kind {
	case wire.Data:
		fresh, inWindow := p.updateReceived(h.Sequence)
		switch {
		case fresh:
			deliver = payload
		case inWindow:
			atomic.AddUint64(&c.stats.duplicatesSuppressed, 1)
			dlog.Debugf(ctx, "suppressing duplicate seq %d from server", h.Sequence)
		default:
			atomic.AddUint64(&c.stats.packetsDropped, 1)
			dlog.Debugf(ctx, "dropping out-of-window seq %d from server", h.Sequence)
		}
	case wire.Ping:
		pong := wire.Header{Kind: wire.Pong, LastAcked: p.receivedSequence, AckBitfield: p.receivedBitfield}
		sends = append(sends, outPacket{data: wire.Encode(pong, nil), addr: p.addr})
	case wire.Disconnect:
		c.connected = false
	default:
		// Ack and Pong carry nothing beyond what processAck consumed.
	}
	c.mu.Unlock()

	if handshake {
		dlog.Infof(ctx, "handshake complete, connected to %s", pkt.addr)
	}
	if deliver != nil {
		select {
		case c.received <- deliver:
			atomic.AddUint64(&c.stats.payloadsDelivered, 1)
		default:
			atomic.AddUint64(&c.stats.packetsDropped, 1)
			dlog.Warnf(ctx, "receive queue full, dropping %d byte payload", len(deliver))
		}
	}
	for _, o := range sends {
		_ = c.writeTo(ctx, o.data, o.addr)
	}
	if h.Kind == wire.Disconnect {
		dlog.Infof(ctx, "server closed the connection")
	}
}

// checkResends retransmits every pending packet older than the resend
// timeout, verbatim. When a packet runs out of retries the client gives the
// connection up for dead and tears itself down.
func (c *Client) checkResends(ctx context.Context) {
	now := dtime.Now()
	var resends []outPacket
	exhausted := false

	c.mu.Lock()
	p := c.server
	for seq, pp := range p.pending {
		if now.Sub(pp.sentTime) <= c.cfg.ResendTimeout {
			continue
		}
		if pp.retries >= c.cfg.MaxRetries {
			exhausted = true
			break
		}
		pp.sentTime = now
		pp.retries++
		resends = append(resends, outPacket{data: pp.data, addr: p.addr})
		dlog.Debugf(ctx, "resending seq %d, retry %d/%d", seq, pp.retries, c.cfg.MaxRetries)
	}
	c.mu.Unlock()

	if exhausted {
		atomic.AddUint64(&c.stats.peersRetryExhausted, 1)
		dlog.Warnf(ctx, "server stopped acknowledging, giving up: %s", ReasonRetryExhausted)
		_ = c.teardown(ctx)
		return
	}
	for _, o := range resends {
		atomic.AddUint64(&c.stats.packetsRetransmitted, 1)
		_ = c.writeTo(ctx, o.data, o.addr)
	}
}

// readLoop owns the read side of the socket. Datagrams from anyone but the
// server are discarded.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.recvDone)
	serverKey := c.server.key
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			dlog.Errorf(ctx, "socket read failed: %v", err)
			c.sockErr.Store(err)
			return
		}
		if n == 0 {
			continue
		}
		if peerKeyOf(addr) != serverKey {
			atomic.AddUint64(&c.stats.packetsDropped, 1)
			dlog.Debugf(ctx, "dropping %d bytes from stranger %s", n, addr)
			continue
		}
		atomic.AddUint64(&c.stats.packetsReceived, 1)
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.incoming <- rawPacket{addr: addr, data: data}:
		default:
			atomic.AddUint64(&c.stats.packetsDropped, 1)
			dlog.Warnf(ctx, "raw packet queue full, dropping %d bytes", n)
		}
	}
}

func (c *Client) writeTo(ctx context.Context, data []byte, addr net.Addr) error {
	if _, err := c.conn.WriteTo(data, addr); err != nil {
		dlog.Errorf(ctx, "socket write failed: %v", err)
		return fmt.Errorf("socket write: %w", err)
	}
	atomic.AddUint64(&c.stats.packetsSent, 1)
	return nil
}
