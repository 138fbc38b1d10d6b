package bus

import (
	"github.com/tinyland-inc/chatline/pkg/protocol"
)

// EventKind classifies an inbound event produced by a connection handle.
type EventKind int

const (
	// EventFrame carries a decoded server frame.
	EventFrame EventKind = iota
	// EventProtocolError carries a payload that failed to decode. The
	// connection stays open.
	EventProtocolError
	// EventClosed reports that the handle closed cleanly.
	EventClosed
	// EventErrored reports a connection-level failure. Terminal for the handle.
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventProtocolError:
		return "protocol_error"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// InboundEvent is one event from a connection handle, tagged with the epoch
// of the handle that produced it.
type InboundEvent struct {
	Epoch uint64
	Kind  EventKind
	Frame protocol.Frame
	Err   error
}
