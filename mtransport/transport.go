// Package mtransport declares the physical peer-to-peer transport
// that modnet multiplexes virtual channels over.
//
// The transport is shaped after connection-oriented P2P socket APIs:
// a local peer listens on numeric virtual ports,
// remote peers attempt connections to those ports,
// and every state change or inbound message is queued as an [Event]
// that the owner drains with [Transport.Poll].
//
// Implementations live in [github.com/gordian-engine/modnet/mquic]
// (QUIC over UDP) and [github.com/gordian-engine/modnet/mmem] (in-memory).
package mtransport

import (
	"errors"
	"fmt"
)

// PeerID is the stable 64-bit identifier of a session participant.
type PeerID uint64

func (p PeerID) String() string {
	return fmt.Sprintf("%016X", uint64(p))
}

// Port is a virtual port a channel binds to.
// Port zero is never bound; it means "unresolved".
type Port uint16

// Handle identifies one raw transport connection.
// Handles are unique per transport instance and never reused.
type Handle uint64

// CloseCode is the application reason attached to a closed connection.
type CloseCode uint16

const (
	// The channel owning the connection was closed.
	CodeChannelClosed CloseCode = 1000

	// The inbound connection attempt was refused.
	CodeRefused CloseCode = 1001

	// The connection was closed by an explicit disconnect.
	CodeDisconnected CloseCode = 1002

	// All connections to the peer were killed, typically after a rejected join.
	CodeKilled CloseCode = 1003

	// The inbound attempt was refused because both peers dialed each other
	// and the refusing peer keeps its own attempt instead.
	// The dialer should expect the remote's inbound attempt rather than report a failure.
	CodeSimultaneous CloseCode = 1004

	// The transport detected a problem locally (I/O error, reset).
	CodeProblemDetected CloseCode = 5000
)

// SendFlags control delivery of a single message.
type SendFlags uint8

const (
	// SendReliable delivers the message reliably and in order.
	SendReliable SendFlags = 0

	// SendUnreliable delivers the message as fast as possible,
	// possibly out of order or not at all.
	SendUnreliable SendFlags = 1 << 0
)

// EventKind discriminates [Event] values.
type EventKind uint8

const (
	// Keep zero invalid, so a zero Event is never mistaken for a real one.
	_ EventKind = iota

	// A remote peer is attempting to connect to a listening port.
	// The owner must answer with [Transport.Accept] or [Transport.Close].
	ConnectionRequested

	// The connection is established.
	// Raised on both ends: for the dialer when the remote accepts,
	// and for the acceptor once its accept completes.
	Connected

	// An established connection was closed by the peer or by a local problem.
	Disconnected

	// A connection attempt ended before being established.
	Failed

	// A message arrived on an established connection.
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case ConnectionRequested:
		return "ConnectionRequested"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Failed:
		return "Failed"
	case MessageReceived:
		return "MessageReceived"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a single transport notification, as drained from [Transport.Poll].
type Event struct {
	Kind   EventKind
	Handle Handle
	Peer   PeerID

	// Local listening port, set for ConnectionRequested.
	Port Port

	// Set for Disconnected and Failed.
	Code CloseCode

	// Set for MessageReceived.
	// The slice is owned by the receiver of the event.
	Data []byte
}

// Refused reports whether a Failed event was caused by the remote refusing the attempt.
func (e Event) Refused() bool {
	return e.Kind == Failed && e.Code == CodeRefused
}

// Stats are counters for a single connection.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	// Messages accepted by Send but not yet handed to the network.
	// As this climbs the connection is saturating.
	Queued int
}

// Transport is the physical P2P transport.
//
// Methods other than Poll must be safe for concurrent use.
// Poll is only called from the owner's tick.
// No method may block on a remote peer.
type Transport interface {
	// LocalPeer returns the identifier of this peer.
	LocalPeer() PeerID

	// Listen starts accepting connections on port.
	Listen(Port) error

	// Unlisten stops accepting connections on port.
	// Connections already accepted are unaffected.
	Unlisten(Port) error

	// Connect starts a connection attempt to the remote peer's port.
	// The outcome is reported later as a Connected or Failed event.
	Connect(PeerID, Port) (Handle, error)

	// Accept completes an inbound connection announced by ConnectionRequested.
	Accept(Handle) error

	// Close closes a connection or refuses a pending inbound attempt.
	// Closing never produces an event for the local side.
	Close(h Handle, code CloseCode, reason string) error

	// Send queues data for delivery on an established connection.
	Send(h Handle, data []byte, flags SendFlags) error

	// Poll moves up to len(dst) queued events into dst
	// and returns the number of events written.
	Poll(dst []Event) int

	// Stats returns counters for the connection, if it is known.
	Stats(Handle) (Stats, bool)
}

var (
	// ErrUnknownHandle is returned for handles the transport does not know,
	// including handles that were already closed.
	ErrUnknownHandle = errors.New("unknown connection handle")

	// ErrNotEstablished is returned when sending on a connection that is not yet established.
	ErrNotEstablished = errors.New("connection not established")

	// ErrClosed is returned after the transport has been shut down.
	ErrClosed = errors.New("transport closed")
)

// PortInUseError is returned from [Transport.Listen] when the port is already bound.
type PortInUseError struct {
	Port Port
}

func (e PortInUseError) Error() string {
	return fmt.Sprintf("port %d already in use", e.Port)
}
