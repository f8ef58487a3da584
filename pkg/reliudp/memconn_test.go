package reliudp

import (
	"net"
	"sync"
	"time"
)

// memNet is an in-memory datagram network. Every conn gets an inbox; a drop
// policy installed with setDrop can discard datagrams in flight to simulate
// a lossy link.
type memNet struct {
	mu    sync.Mutex
	conns map[string]*memConn
	drop  func(from, to net.Addr, data []byte) bool
}

func newMemNet() *memNet {
	return &memNet{conns: make(map[string]*memConn)}
}

func (n *memNet) setDrop(drop func(from, to net.Addr, data []byte) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

// conn registers a new endpoint under the given address.
func (n *memNet) conn(addr string) *memConn {
	c := &memConn{
		net:    n,
		addr:   memAddr(addr),
		inbox:  make(chan memPacket, 512),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[addr] = c
	n.mu.Unlock()
	return c
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memPacket struct {
	from net.Addr
	data []byte
}

type memConn struct {
	net       *memNet
	addr      memAddr
	inbox     chan memPacket
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

// timeoutError mimics the os.ErrDeadlineExceeded behavior of a real socket.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case p := <-c.inbox:
		n := copy(b, p.data)
		return n, p.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *memConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.mu.Lock()
	target := c.net.conns[addr.String()]
	drop := c.net.drop
	c.net.mu.Unlock()

	// A datagram to nowhere, or one eaten by the drop policy, is still a
	// successful send as far as the sender can tell.
	if target == nil || (drop != nil && drop(c.addr, addr, b)) {
		return len(b), nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case target.inbox <- memPacket{from: c.addr, data: data}:
	default:
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }

func (c *memConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error { return nil }
