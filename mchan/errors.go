package mchan

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when sending to a peer
// without an established connection on the channel.
var ErrNotConnected = errors.New("peer not connected")

// ChannelClosedError is returned when using a channel after Close.
type ChannelClosedError struct {
	Key Key
}

func (e ChannelClosedError) Error() string {
	return fmt.Sprintf("channel %s closed", e.Key)
}
