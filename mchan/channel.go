package mchan

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/modnet/mevent"
	"github.com/gordian-engine/modnet/mtransport"
)

// Key identifies a logical channel: the owning extension and a small index.
type Key struct {
	Ext   string
	Index uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Ext, k.Index)
}

// Message is a payload received from a peer.
type Message struct {
	Peer mtransport.PeerID
	Data []byte
}

// ConnectionFailure reports an outbound connection attempt that did not succeed.
type ConnectionFailure struct {
	Peer mtransport.PeerID

	// Refused is set when the remote peer actively rejected the attempt.
	// It is false for an unresolved remote port or a transport problem.
	Refused bool
}

// conn is a channel's logical connection to one peer.
type conn struct {
	h mtransport.Handle

	established bool
	inbound     bool
}

// Channel is a virtual wire bound to one local port.
//
// Subscribe to the exported hubs to observe channel activity.
// Hub callbacks run on the session tick, never while the channel holds a lock,
// so they may call back into the channel freely.
type Channel struct {
	log *slog.Logger
	r   *Registry

	key  Key
	port mtransport.Port

	// Lock order: Registry.mu before Channel.mu.
	mu          sync.Mutex
	conns       map[mtransport.PeerID]conn
	attempts    map[mtransport.PeerID]uint64
	nextAttempt uint64
	admit       func(mtransport.PeerID) bool
	closed      bool

	Messages         mevent.Hub[Message]
	Connected        mevent.Hub[mtransport.PeerID]
	Disconnected     mevent.Hub[mtransport.PeerID]
	ConnectionFailed mevent.Hub[ConnectionFailure]
}

// Key returns the channel's key.
func (c *Channel) Key() Key { return c.key }

// Port returns the local port the channel is bound to.
func (c *Channel) Port() mtransport.Port { return c.port }

// Send reliably sends data to peer.
// It fails with [ErrNotConnected] unless a connection to peer is established.
func (c *Channel) Send(peer mtransport.PeerID, data []byte) error {
	return c.send(peer, data, mtransport.SendReliable)
}

// SendUnreliable sends data to peer as fast as possible,
// without delivery or ordering guarantees.
func (c *Channel) SendUnreliable(peer mtransport.PeerID, data []byte) error {
	return c.send(peer, data, mtransport.SendUnreliable)
}

func (c *Channel) send(peer mtransport.PeerID, data []byte, flags mtransport.SendFlags) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ChannelClosedError{Key: c.key}
	}
	cn, ok := c.conns[peer]
	c.mu.Unlock()

	if !ok || !cn.established {
		return ErrNotConnected
	}

	if err := c.r.t.Send(cn.h, data, flags); err != nil {
		if errors.Is(err, mtransport.ErrUnknownHandle) || errors.Is(err, mtransport.ErrNotEstablished) {
			// Lost a race with a disconnect that has not been polled yet.
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("failed to send to %s on %s: %w", peer, c.key, err)
	}

	c.r.capture.Packet(c.key.Ext, c.key.Index, peer, data, true)
	return nil
}

// Connect starts connecting to peer, unless a connection
// or attempt for that peer already exists.
//
// The remote port is resolved through discovery first.
// The outcome is reported on the Connected or ConnectionFailed hub.
// The only direct error is [ChannelClosedError].
func (c *Channel) Connect(peer mtransport.PeerID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ChannelClosedError{Key: c.key}
	}
	if _, ok := c.conns[peer]; ok {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.attempts[peer]; ok {
		c.mu.Unlock()
		return nil
	}
	c.nextAttempt++
	attempt := c.nextAttempt
	c.attempts[peer] = attempt
	c.mu.Unlock()

	c.r.capture.Connecting(c.key.Ext, c.key.Index, peer, false)
	c.log.Debug("Resolving remote port", "peer", peer)

	c.r.resolvePort(peer, c.key, func(port mtransport.Port) {
		c.dial(peer, attempt, port)
	})
	return nil
}

// dial completes a connection attempt once the remote port is known.
func (c *Channel) dial(peer mtransport.PeerID, attempt uint64, port mtransport.Port) {
	r := c.r

	r.mu.Lock()
	c.mu.Lock()

	if c.closed || c.attempts[peer] != attempt {
		// Cancelled by Disconnect, Close, or a bulk disconnect.
		c.mu.Unlock()
		r.mu.Unlock()
		return
	}
	delete(c.attempts, peer)

	if _, ok := c.conns[peer]; ok {
		// The peer connected to us while we were resolving.
		c.mu.Unlock()
		r.mu.Unlock()
		return
	}

	if port == 0 {
		c.mu.Unlock()
		r.mu.Unlock()
		c.log.Debug("Remote port unresolved", "peer", peer)
		c.failed(peer, false)
		return
	}

	h, err := r.t.Connect(peer, port)
	if err != nil {
		c.mu.Unlock()
		r.mu.Unlock()
		c.log.Info("Failed to start connection", "peer", peer, "port", port, "err", err)
		c.failed(peer, false)
		return
	}

	c.conns[peer] = conn{h: h}
	r.byHandle[h] = binding{ch: c, peer: peer}

	c.mu.Unlock()
	r.mu.Unlock()
}

// Disconnect closes the connection to peer, if any,
// and cancels an attempt in progress.
// No Disconnected event is raised for a local disconnect.
func (c *Channel) Disconnect(peer mtransport.PeerID) {
	r := c.r

	r.mu.Lock()
	c.mu.Lock()
	delete(c.attempts, peer)
	cn, ok := c.conns[peer]
	if ok {
		delete(c.conns, peer)
		delete(r.byHandle, cn.h)
	}
	c.mu.Unlock()
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.t.Close(cn.h, mtransport.CodeDisconnected, "Connection closed"); err != nil {
		c.log.Debug("Failed to close connection", "peer", peer, "err", err)
	}
	if cn.established {
		r.capture.ConnectStatus(c.key.Ext, c.key.Index, peer, true)
	}
}

// SetAdmissionPredicate sets the function deciding whether to accept
// an inbound connection from a peer.
// Until it is set, every inbound connection is refused.
// A nil fn restores the default.
func (c *Channel) SetAdmissionPredicate(fn func(mtransport.PeerID) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admit = fn
}

func (c *Channel) admits(peer mtransport.PeerID) bool {
	c.mu.Lock()
	fn := c.admit
	c.mu.Unlock()

	return fn != nil && fn(peer)
}

// IsConnected reports whether an established connection to peer exists.
func (c *Channel) IsConnected(peer mtransport.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[peer]
	return ok && cn.established
}

// Peers returns the peers with established connections, in ascending order.
func (c *Channel) Peers() []mtransport.PeerID {
	c.mu.Lock()
	out := make([]mtransport.PeerID, 0, len(c.conns))
	for p, cn := range c.conns {
		if cn.established {
			out = append(out, p)
		}
	}
	c.mu.Unlock()

	slices.Sort(out)
	return out
}

// Stats returns transport counters for the connection to peer.
// Different channels report independently for the same peer.
func (c *Channel) Stats(peer mtransport.PeerID) (mtransport.Stats, bool) {
	c.mu.Lock()
	cn, ok := c.conns[peer]
	c.mu.Unlock()
	if !ok {
		return mtransport.Stats{}, false
	}
	return c.r.t.Stats(cn.h)
}

// Close terminates every connection, releases the port and unregisters the channel.
// Later calls are no-ops.
func (c *Channel) Close() {
	c.r.closeChannel(c)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) failed(peer mtransport.PeerID, refused bool) {
	c.r.capture.Connecting(c.key.Ext, c.key.Index, peer, true)
	c.ConnectionFailed.Publish(ConnectionFailure{Peer: peer, Refused: refused})
}
