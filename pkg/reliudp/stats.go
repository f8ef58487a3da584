package reliudp

import "sync/atomic"

// stats holds the cumulative counters of one endpoint. Counters are bumped
// with atomics so the receiver goroutine and the tick goroutine can both
// report without taking the endpoint mutex.
type stats struct {
	packetsSent          uint64
	packetsReceived      uint64
	packetsRetransmitted uint64
	packetsDropped       uint64
	payloadsDelivered    uint64
	duplicatesSuppressed uint64
	peersTimedOut        uint64
	peersRetryExhausted  uint64
}

func (s *stats) snapshot(peers int) StatsSnapshot {
	return StatsSnapshot{
		PeersConnected:       peers,
		PacketsSent:          atomic.LoadUint64(&s.packetsSent),
		PacketsReceived:      atomic.LoadUint64(&s.packetsReceived),
		PacketsRetransmitted: atomic.LoadUint64(&s.packetsRetransmitted),
		PacketsDropped:       atomic.LoadUint64(&s.packetsDropped),
		PayloadsDelivered:    atomic.LoadUint64(&s.payloadsDelivered),
		DuplicatesSuppressed: atomic.LoadUint64(&s.duplicatesSuppressed),
		PeersTimedOut:        atomic.LoadUint64(&s.peersTimedOut),
		PeersRetryExhausted:  atomic.LoadUint64(&s.peersRetryExhausted),
	}
}

// StatsSnapshot is a point-in-time copy of an endpoint's counters.
type StatsSnapshot struct {
	// PeersConnected is the current size of the connection table (always
	// zero or one on the client).
	PeersConnected int

	// PacketsSent counts datagrams written to the socket, retransmissions
	// included.
	PacketsSent uint64

	// PacketsReceived counts datagrams handed over by the receiver
	// goroutine, whether or not they decoded cleanly.
	PacketsReceived uint64

	// PacketsRetransmitted counts verbatim resends of unacknowledged Data
	// packets.
	PacketsRetransmitted uint64

	// PacketsDropped counts datagrams discarded without delivery: malformed,
	// from an unknown peer, Data older than the receive window, or spilled
	// from a full queue.
	PacketsDropped uint64

	// PayloadsDelivered counts Data payloads handed to the application.
	PayloadsDelivered uint64

	// DuplicatesSuppressed counts Data packets recognized as replays by the
	// receive window and not redelivered.
	DuplicatesSuppressed uint64

	// PeersTimedOut counts peers dropped by the idle scan.
	PeersTimedOut uint64

	// PeersRetryExhausted counts peers dropped after a packet ran out of
	// retransmission attempts.
	PeersRetryExhausted uint64
}
