package mux

import "fmt"

// ConnState is the lifecycle of a Session.
type ConnState uint32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", uint32(s))
	}
}

// ChannelState is the lifecycle of a Channel.
type ChannelState uint8

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelHalfClosedLocal
	ChannelHalfClosedRemote
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "OPENING"
	case ChannelOpen:
		return "OPEN"
	case ChannelHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case ChannelHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case ChannelClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

// Direction records which side opened a channel.
type Direction uint8

const (
	LocalInitiated Direction = iota
	RemoteInitiated
)

func (d Direction) String() string {
	if d == LocalInitiated {
		return "LOCAL"
	}
	return "REMOTE"
}
