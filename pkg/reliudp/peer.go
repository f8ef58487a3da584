package reliudp

import (
	"net"
	"time"

	"github.com/dkwkekzz/hktnet/pkg/wire"
)

// PeerKey is a compact and immutable representation of a peer's remote
// address which is suitable as a map key.
type PeerKey string

// peerKeyOf derives the key for a remote address.
func peerKeyOf(addr net.Addr) PeerKey {
	return PeerKey(addr.String())
}

// receiveWindow is the number of sequences preceding receivedSequence that
// the receive bitfield can track.
const receiveWindow = 32

// pendingPacket is a sent Data packet awaiting acknowledgement. It holds the
// full wire bytes so a retransmission is a verbatim resend of the original
// datagram.
type pendingPacket struct {
	data     []byte
	sentTime time.Time
	retries  int
}

// peer is the sliding-window state for one remote endpoint. The server keeps
// one per connected client; the client embeds a single instance for the
// server. All fields are guarded by the owning endpoint's mutex.
type peer struct {
	addr net.Addr
	key  PeerKey

	sentSequence     uint32
	receivedSequence uint32
	receivedBitfield uint32
	lastReceiveTime  time.Time
	groups           map[int32]struct{}

	pending map[uint32]*pendingPacket
}

func newPeer(addr net.Addr, now time.Time) *peer {
	return &peer{
		addr:            addr,
		key:             peerKeyOf(addr),
		lastReceiveTime: now,
		groups:          make(map[int32]struct{}),
		pending:         make(map[uint32]*pendingPacket),
	}
}

// nextSequence reserves the sequence number for the next outbound Data
// packet. Sequence zero is reserved for non-Data packets, so the counter
// starts at one.
func (p *peer) nextSequence() uint32 {
	p.sentSequence++
	return p.sentSequence
}

// processAck removes every pending packet that the given header confirms:
// LastAcked itself plus, for each set bit i of the bitfield, the sequence
// LastAcked-(i+1). Sequences that are no longer pending are ignored.
func (p *peer) processAck(h wire.Header) int {
	acked := 0
	if _, ok := p.pending[h.LastAcked]; ok {
		delete(p.pending, h.LastAcked)
		acked++
	}
	for i := 0; i < receiveWindow; i++ {
		if (h.AckBitfield>>i)&1 == 0 {
			continue
		}
		seq := h.LastAcked - uint32(i+1)
		if _, ok := p.pending[seq]; ok {
			delete(p.pending, seq)
			acked++
		}
	}
	return acked
}

// updateReceived records an inbound Data sequence in the receive window.
// It returns fresh=true when the payload has not been seen before and must
// be delivered, and inWindow=false when the sequence is more than
// receiveWindow-1 behind receivedSequence and the packet must be dropped
// outright.
func (p *peer) updateReceived(seq uint32) (fresh, inWindow bool) {
	if wire.IsNewer(p.receivedSequence-(receiveWindow-1), seq) {
		return false, false
	}
	if wire.IsNewer(seq, p.receivedSequence) {
		d := seq - p.receivedSequence
		if d > receiveWindow {
			// Everything the bitfield tracked has aged out of the window.
			p.receivedBitfield = 0
		} else {
			// Slide the window. The previous head lands on bit d-1; the bits
			// in between stay clear until those sequences actually arrive.
			p.receivedBitfield = p.receivedBitfield<<d | 1<<(d-1)
		}
		p.receivedSequence = seq
		return true, true
	}
	d := p.receivedSequence - seq
	if d == 0 {
		// Replay of the newest delivered sequence.
		return false, true
	}
	mask := uint32(1) << (d - 1)
	if p.receivedBitfield&mask != 0 {
		return false, true
	}
	p.receivedBitfield |= mask
	return true, true
}
