package reliudp

import "errors"

var (
	// ErrNotConnected is returned by client operations that require a
	// completed handshake.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownPeer is returned when a send is addressed to a peer that is
	// not in the connection table.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrAlreadyStarted is returned when an endpoint is started twice.
	ErrAlreadyStarted = errors.New("endpoint already started")

	// ErrNotStarted is returned when an endpoint is used before Start.
	ErrNotStarted = errors.New("endpoint not started")
)

// Disconnect reasons surfaced through Handler.OnDisconnect.
const (
	ReasonRequested      = "Client requested disconnect."
	ReasonTimeout        = "Connection timed out."
	ReasonRetryExhausted = "retry exhaustion"
)
