package mmem

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/gordian-engine/modnet/mtransport"
)

type connState uint8

const (
	statePending connState = iota
	stateEstablished
)

// conn is one end of an in-memory connection.
type conn struct {
	t *Transport
	h mtransport.Handle

	peer mtransport.PeerID
	port mtransport.Port

	state connState

	// The other end. Nil if the attempt failed before reaching the remote.
	remote *conn

	stats mtransport.Stats
}

// drop removes c from its transport and reports the loss to c's owner.
// The network lock must be held.
func (c *conn) drop(code mtransport.CloseCode) {
	if _, ok := c.t.conns[c.h]; !ok {
		return
	}
	delete(c.t.conns, c.h)

	kind := mtransport.Failed
	if c.state == stateEstablished {
		kind = mtransport.Disconnected
	}
	c.t.push(mtransport.Event{
		Kind:   kind,
		Handle: c.h,
		Peer:   c.peer,
		Code:   code,
	})
}

// Transport is a single peer's view of a [Network].
type Transport struct {
	n  *Network
	id mtransport.PeerID

	// Guarded by n.mu.
	listening map[mtransport.Port]struct{}
	conns     map[mtransport.Handle]*conn
	queue     []mtransport.Event
	closed    bool
}

var _ mtransport.Transport = (*Transport)(nil)

func (t *Transport) LocalPeer() mtransport.PeerID { return t.id }

func (t *Transport) Listen(p mtransport.Port) error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	if t.closed {
		return mtransport.ErrClosed
	}
	if _, ok := t.listening[p]; ok {
		return mtransport.PortInUseError{Port: p}
	}
	t.listening[p] = struct{}{}
	return nil
}

func (t *Transport) Unlisten(p mtransport.Port) error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	delete(t.listening, p)
	return nil
}

func (t *Transport) Connect(peer mtransport.PeerID, p mtransport.Port) (mtransport.Handle, error) {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	if t.closed {
		return 0, mtransport.ErrClosed
	}

	local := &conn{
		t:    t,
		h:    t.n.allocHandle(),
		peer: peer,
		port: p,
	}
	t.conns[local.h] = local

	rt := t.n.transports[peer]
	if rt == nil {
		local.drop(mtransport.CodeProblemDetected)
		return local.h, nil
	}
	if _, ok := rt.listening[p]; !ok {
		local.drop(mtransport.CodeProblemDetected)
		return local.h, nil
	}

	remote := &conn{
		t:    rt,
		h:    t.n.allocHandle(),
		peer: t.id,
		port: p,

		remote: local,
	}
	local.remote = remote
	rt.conns[remote.h] = remote

	rt.push(mtransport.Event{
		Kind:   mtransport.ConnectionRequested,
		Handle: remote.h,
		Peer:   t.id,
		Port:   p,
	})

	return local.h, nil
}

func (t *Transport) Accept(h mtransport.Handle) error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	c := t.conns[h]
	if c == nil {
		return mtransport.ErrUnknownHandle
	}
	if c.state == stateEstablished {
		return nil
	}
	if c.remote == nil {
		// The dialer went away between request and accept.
		c.drop(mtransport.CodeProblemDetected)
		return nil
	}

	c.state = stateEstablished
	c.remote.state = stateEstablished

	t.push(mtransport.Event{
		Kind:   mtransport.Connected,
		Handle: c.h,
		Peer:   c.peer,
	})
	c.remote.t.push(mtransport.Event{
		Kind:   mtransport.Connected,
		Handle: c.remote.h,
		Peer:   t.id,
	})
	return nil
}

func (t *Transport) Close(h mtransport.Handle, code mtransport.CloseCode, _ string) error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	c := t.conns[h]
	if c == nil {
		return mtransport.ErrUnknownHandle
	}
	delete(t.conns, h)

	if c.remote != nil {
		c.remote.remote = nil
		c.remote.drop(code)
	}
	return nil
}

func (t *Transport) Send(h mtransport.Handle, data []byte, _ mtransport.SendFlags) error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	c := t.conns[h]
	if c == nil {
		return mtransport.ErrUnknownHandle
	}
	if c.state != stateEstablished || c.remote == nil {
		return mtransport.ErrNotEstablished
	}

	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(len(data))

	r := c.remote
	r.stats.MessagesReceived++
	r.stats.BytesReceived += uint64(len(data))
	r.t.push(mtransport.Event{
		Kind:   mtransport.MessageReceived,
		Handle: r.h,
		Peer:   t.id,
		Data:   bytes.Clone(data),
	})
	return nil
}

func (t *Transport) Poll(dst []mtransport.Event) int {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	n := copy(dst, t.queue)
	t.queue = slices.Delete(t.queue, 0, n)
	return n
}

func (t *Transport) Stats(h mtransport.Handle) (mtransport.Stats, bool) {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()

	c := t.conns[h]
	if c == nil {
		return mtransport.Stats{}, false
	}
	return c.stats, true
}

// Pending reports the number of events waiting to be polled.
func (t *Transport) Pending() int {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	return len(t.queue)
}

// Listening reports whether the transport is bound to p.
func (t *Transport) Listening(p mtransport.Port) bool {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	_, ok := t.listening[p]
	return ok
}

func (t *Transport) push(e mtransport.Event) {
	if t.closed {
		return
	}
	t.queue = append(t.queue, e)
}

// sortedConns returns t's connections in handle order,
// so that bulk operations produce events deterministically.
func (t *Transport) sortedConns() []*conn {
	out := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *conn) int {
		return cmp.Compare(a.h, b.h)
	})
	return out
}
