package mdisc

import (
	"fmt"

	"github.com/gordian-engine/modnet/mtransport"
)

// DecodeError is returned when a discovery message is malformed.
type DecodeError struct {
	Op     Op
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("malformed %s message: %s", e.Op, e.Reason)
}

// HandshakeMismatchError describes a peer whose first discovery message
// was not the expected version handshake.
type HandshakeMismatchError struct {
	Peer mtransport.PeerID
	Got  []byte
}

func (e HandshakeMismatchError) Error() string {
	return fmt.Sprintf("discovery handshake mismatch from %s: got % X", e.Peer, e.Got)
}
