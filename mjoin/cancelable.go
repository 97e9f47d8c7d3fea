package mjoin

import (
	"sync/atomic"

	"github.com/gordian-engine/modnet/mtransport"
)

// Cancelable lets event subscribers veto an action.
// Every subscriber still observes the event after one cancels,
// and a canceled value cannot be un-canceled.
type Cancelable struct {
	canceled atomic.Bool
}

// Cancel vetoes the action.
func (c *Cancelable) Cancel() { c.canceled.Store(true) }

// Canceled reports whether any subscriber canceled.
func (c *Cancelable) Canceled() bool { return c.canceled.Load() }

// AuthEvent is published to the authentication hooks.
type AuthEvent struct {
	Peer   mtransport.PeerID
	Cancel *Cancelable
}
