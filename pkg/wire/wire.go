// Package wire defines the datagram format shared by the reliable-UDP client
// and server. Every transport-level unit is one datagram: a fixed 13-byte
// little-endian header followed by an opaque payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies the role of a datagram.
type Kind uint8

const (
	Data Kind = iota
	Ack
	Connect
	Disconnect
	Ping
	Pong
	JoinGroup
	LeaveGroup
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "Data"
	case Ack:
		return "Ack"
	case Connect:
		return "Connect"
	case Disconnect:
		return "Disconnect"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case JoinGroup:
		return "JoinGroup"
	case LeaveGroup:
		return "LeaveGroup"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// HeaderLen is the encoded size of a Header. The layout has no padding.
const HeaderLen = 13

// GroupIDLen is the encoded size of a group id in JoinGroup/LeaveGroup
// request payloads.
const GroupIDLen = 4

// Header is the preamble of every datagram.
//
// Sequence is non-zero on Data packets only; all other kinds carry zero.
// LastAcked is the most recent sequence received from the remote end (zero
// until the first Data packet arrives) and AckBitfield marks, for bit i, that
// sequence LastAcked-(i+1) was also received.
type Header struct {
	Kind        Kind
	Sequence    uint32
	LastAcked   uint32
	AckBitfield uint32
}

// ErrMalformedPacket is returned when a datagram is too short to hold a
// header, carries a kind outside the enum range, or has a truncated payload
// for kinds that mandate one.
var ErrMalformedPacket = errors.New("malformed packet")

// Encode serializes the header and appends the payload. The payload may be
// empty; a Data packet without payload is a valid keep-alive carrying only
// ack information.
func Encode(h Header, payload []byte) []byte {
	b := make([]byte, HeaderLen+len(payload))
	b[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(b[1:5], h.Sequence)
	binary.LittleEndian.PutUint32(b[5:9], h.LastAcked)
	binary.LittleEndian.PutUint32(b[9:13], h.AckBitfield)
	copy(b[HeaderLen:], payload)
	return b
}

// Decode splits a datagram into its header and payload. The returned payload
// aliases b.
func Decode(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformedPacket, len(b), HeaderLen)
	}
	if b[0] > byte(LeaveGroup) {
		return Header{}, nil, fmt.Errorf("%w: unknown packet kind %d", ErrMalformedPacket, b[0])
	}
	h := Header{
		Kind:        Kind(b[0]),
		Sequence:    binary.LittleEndian.Uint32(b[1:5]),
		LastAcked:   binary.LittleEndian.Uint32(b[5:9]),
		AckBitfield: binary.LittleEndian.Uint32(b[9:13]),
	}
	return h, b[HeaderLen:], nil
}

// EncodeGroupID serializes a group id for a JoinGroup or LeaveGroup request.
func EncodeGroupID(id int32) []byte {
	b := make([]byte, GroupIDLen)
	binary.LittleEndian.PutUint32(b, uint32(id))
	return b
}

// DecodeGroupID parses the payload of a JoinGroup or LeaveGroup request.
func DecodeGroupID(payload []byte) (int32, error) {
	if len(payload) != GroupIDLen {
		return 0, fmt.Errorf("%w: group request payload is %d bytes, want %d", ErrMalformedPacket, len(payload), GroupIDLen)
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}

// IsNewer reports whether sequence a is more recent than b. The 32-bit
// sequence space is circular, so the comparison is done on the signed
// difference rather than on the raw values.
func IsNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
