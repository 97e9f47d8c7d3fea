package mchan

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/modnet/internal/mport"
	"github.com/gordian-engine/modnet/mcapture"
	"github.com/gordian-engine/modnet/mtransport"
)

// DefaultPollBatch is the number of transport events drained per poll call.
const DefaultPollBatch = 64

// PortResolver looks up the port a channel is bound to on a remote peer.
// Discovery implements it.
//
// ResolvePort must call fn exactly once, possibly synchronously,
// with port zero if the port could not be resolved.
type PortResolver interface {
	ResolvePort(peer mtransport.PeerID, key Key, fn func(mtransport.Port))
}

// RegistryConfig is the configuration for a [Registry].
type RegistryConfig struct {
	Transport mtransport.Transport

	// Session-level gate applied to every inbound connection
	// before the channel's own admission predicate.
	// If nil, all peers pass.
	InboundFilter func(mtransport.PeerID) bool

	// Optional capture of channel activity.
	Capture *mcapture.Writer

	// Events drained per transport poll.
	// If zero, DefaultPollBatch is used.
	PollBatch int
}

func (c RegistryConfig) validate() {
	var panicErrs error

	if c.Transport == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("RegistryConfig.Transport may not be nil"),
		)
	}

	if c.PollBatch < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("RegistryConfig.PollBatch must not be negative (got %d)", c.PollBatch),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

type binding struct {
	ch   *Channel
	peer mtransport.PeerID
}

// Registry owns every open [Channel] and routes transport events to them.
//
// Poll (and HandleEvent) must only be called from the session tick.
// Other methods are safe for concurrent use.
type Registry struct {
	log *slog.Logger

	t       mtransport.Transport
	ports   *mport.Allocator
	filter  func(mtransport.PeerID) bool
	capture *mcapture.Writer

	events []mtransport.Event

	mu       sync.Mutex
	byPort   map[mtransport.Port]*Channel
	byKey    map[Key]*Channel
	byHandle map[mtransport.Handle]binding
	resolver PortResolver
}

// NewRegistry returns a Registry multiplexing channels over cfg.Transport.
// It panics if cfg is invalid.
func NewRegistry(log *slog.Logger, cfg RegistryConfig) *Registry {
	cfg.validate()

	batch := cfg.PollBatch
	if batch == 0 {
		batch = DefaultPollBatch
	}

	filter := cfg.InboundFilter
	if filter == nil {
		filter = func(mtransport.PeerID) bool { return true }
	}

	return &Registry{
		log: log,

		t:       cfg.Transport,
		ports:   mport.NewAllocator(),
		filter:  filter,
		capture: cfg.Capture,

		events: make([]mtransport.Event, batch),

		byPort:   make(map[mtransport.Port]*Channel),
		byKey:    make(map[Key]*Channel),
		byHandle: make(map[mtransport.Handle]binding),
	}
}

// LocalPeer returns the ID of the local peer.
func (r *Registry) LocalPeer() mtransport.PeerID {
	return r.t.LocalPeer()
}

// SetResolver sets the resolver used by [Channel.Connect].
// Until it is set every resolution yields port zero.
func (r *Registry) SetResolver(pr PortResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = pr
}

func (r *Registry) resolvePort(peer mtransport.PeerID, key Key, fn func(mtransport.Port)) {
	r.mu.Lock()
	pr := r.resolver
	r.mu.Unlock()

	if pr == nil {
		fn(0)
		return
	}
	pr.ResolvePort(peer, key, fn)
}

// Open returns the channel for key, opening it on the lowest free port
// if it is not already open.
func (r *Registry) Open(key Key) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.byKey[key]; ok {
		return ch, nil
	}

	port, err := r.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port for %s: %w", key, err)
	}

	if err := r.t.Listen(port); err != nil {
		r.ports.Release(port)
		return nil, fmt.Errorf("failed to listen for %s: %w", key, err)
	}

	ch := &Channel{
		log: r.log.With("ext", key.Ext, "index", key.Index, "port", port),
		r:   r,

		key:  key,
		port: port,

		conns:    make(map[mtransport.PeerID]conn),
		attempts: make(map[mtransport.PeerID]uint64),
	}
	r.byKey[key] = ch
	r.byPort[port] = ch

	r.capture.ChannelStatus(key.Ext, key.Index, port, false)
	ch.log.Debug("Opened channel")

	return ch, nil
}

// Lookup returns the open channel for key, if any.
func (r *Registry) Lookup(key Key) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byKey[key]
	return ch, ok
}

// LookupPort returns the local port bound for key, or zero if none.
func (r *Registry) LookupPort(key Key) mtransport.Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.byKey[key]; ok {
		return ch.port
	}
	return 0
}

// Keys returns the keys of all open channels, ordered by port.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	chs := make([]*Channel, 0, len(r.byKey))
	for _, ch := range r.byKey {
		chs = append(chs, ch)
	}
	r.mu.Unlock()

	slices.SortFunc(chs, func(a, b *Channel) int {
		return cmp.Compare(a.port, b.port)
	})
	out := make([]Key, len(chs))
	for i, ch := range chs {
		out[i] = ch.key
	}
	return out
}

func (r *Registry) closeChannel(ch *Channel) {
	r.mu.Lock()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		r.mu.Unlock()
		return
	}
	ch.closed = true

	handles := make([]mtransport.Handle, 0, len(ch.conns))
	for _, cn := range ch.conns {
		handles = append(handles, cn.h)
		delete(r.byHandle, cn.h)
	}
	clear(ch.conns)
	clear(ch.attempts)
	ch.mu.Unlock()

	delete(r.byKey, ch.key)
	delete(r.byPort, ch.port)
	r.mu.Unlock()

	if err := r.t.Unlisten(ch.port); err != nil {
		ch.log.Debug("Failed to unlisten", "err", err)
	}
	slices.Sort(handles)
	for _, h := range handles {
		if err := r.t.Close(h, mtransport.CodeChannelClosed, "Channel closed"); err != nil {
			ch.log.Debug("Failed to close connection", "handle", h, "err", err)
		}
	}

	// Release only after the listener is gone,
	// so a reopened port never sees stale inbound attempts.
	r.ports.Release(ch.port)

	r.capture.ChannelStatus(ch.key.Ext, ch.key.Index, ch.port, true)
	ch.log.Debug("Closed channel")
}

// Kill closes every connection to peer on every channel with [mtransport.CodeKilled].
// Channels raise Disconnected for established connections
// and ConnectionFailed for attempts in progress.
func (r *Registry) Kill(peer mtransport.PeerID) {
	r.dropMatching(func(p mtransport.PeerID) bool { return p == peer }, mtransport.CodeKilled, "Killed")
}

// DisconnectAll closes every connection on every channel,
// raising the same events as [Registry.Kill].
// Channels stay open.
func (r *Registry) DisconnectAll() {
	r.dropMatching(func(mtransport.PeerID) bool { return true }, mtransport.CodeDisconnected, "Disconnected")
}

// CloseAll closes every open channel, highest port first.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	chs := make([]*Channel, 0, len(r.byPort))
	for _, ch := range r.byPort {
		chs = append(chs, ch)
	}
	r.mu.Unlock()

	slices.SortFunc(chs, func(a, b *Channel) int {
		return cmp.Compare(b.port, a.port)
	})
	for _, ch := range chs {
		r.closeChannel(ch)
	}
}

type dropped struct {
	ch          *Channel
	peer        mtransport.PeerID
	h           mtransport.Handle
	established bool
	attempt     bool
}

func (r *Registry) dropMatching(match func(mtransport.PeerID) bool, code mtransport.CloseCode, reason string) {
	var drops []dropped

	r.mu.Lock()
	chs := make([]*Channel, 0, len(r.byPort))
	for _, ch := range r.byPort {
		chs = append(chs, ch)
	}
	slices.SortFunc(chs, func(a, b *Channel) int {
		return cmp.Compare(a.port, b.port)
	})

	for _, ch := range chs {
		ch.mu.Lock()
		for p, cn := range ch.conns {
			if !match(p) {
				continue
			}
			delete(ch.conns, p)
			delete(r.byHandle, cn.h)
			drops = append(drops, dropped{ch: ch, peer: p, h: cn.h, established: cn.established})
		}
		for p := range ch.attempts {
			if !match(p) {
				continue
			}
			delete(ch.attempts, p)
			drops = append(drops, dropped{ch: ch, peer: p, attempt: true})
		}
		ch.mu.Unlock()
	}
	r.mu.Unlock()

	slices.SortStableFunc(drops, func(a, b dropped) int {
		if c := cmp.Compare(a.ch.port, b.ch.port); c != 0 {
			return c
		}
		return cmp.Compare(a.peer, b.peer)
	})

	for _, d := range drops {
		if !d.attempt {
			if err := r.t.Close(d.h, code, reason); err != nil {
				d.ch.log.Debug("Failed to close connection", "peer", d.peer, "err", err)
			}
		}

		if d.established {
			r.capture.ConnectStatus(d.ch.key.Ext, d.ch.key.Index, d.peer, true)
			d.ch.Disconnected.Publish(d.peer)
		} else {
			d.ch.failed(d.peer, false)
		}
	}
}

// Poll drains transport events in batches and routes them to their channels,
// stopping once a poll returns less than a full batch.
// It returns the number of events handled.
func (r *Registry) Poll() int {
	total := 0
	for {
		n := r.t.Poll(r.events)
		for i := range n {
			r.HandleEvent(r.events[i])
			r.events[i] = mtransport.Event{}
		}
		total += n

		if n < len(r.events) {
			return total
		}
	}
}

// HandleEvent routes a single transport event.
func (r *Registry) HandleEvent(e mtransport.Event) {
	switch e.Kind {
	case mtransport.ConnectionRequested:
		r.handleRequested(e)
	case mtransport.Connected:
		r.handleConnected(e)
	case mtransport.Disconnected, mtransport.Failed:
		r.handleClosed(e)
	case mtransport.MessageReceived:
		r.handleMessage(e)
	default:
		panic(fmt.Errorf("BUG: unknown transport event kind %s", e.Kind))
	}
}

func (r *Registry) refuse(e mtransport.Event, reason string) {
	if err := r.t.Close(e.Handle, mtransport.CodeRefused, reason); err != nil {
		r.log.Debug("Failed to refuse connection", "peer", e.Peer, "err", err)
	}
}

func (r *Registry) handleRequested(e mtransport.Event) {
	r.mu.Lock()
	ch := r.byPort[e.Port]
	r.mu.Unlock()

	if ch == nil {
		r.log.Debug("Refusing connection to unbound port", "peer", e.Peer, "port", e.Port)
		r.refuse(e, "No channel on port")
		return
	}

	// Both predicates are caller code; evaluate them unlocked.
	if !r.filter(e.Peer) {
		ch.log.Debug("Refusing connection from non-session peer", "peer", e.Peer)
		r.refuse(e, "Not a session peer")
		return
	}
	if !ch.admits(e.Peer) {
		ch.log.Debug("Channel refused connection", "peer", e.Peer)
		r.refuse(e, "Connection refused")
		return
	}

	r.mu.Lock()
	ch.mu.Lock()

	if ch.closed {
		ch.mu.Unlock()
		r.mu.Unlock()
		r.refuse(e, "Channel closed")
		return
	}

	old, hadOld := ch.conns[e.Peer]
	if hadOld && !old.established && !old.inbound && r.t.LocalPeer() < e.Peer {
		// Both sides dialed each other.
		// The connection dialed by the lower peer ID is kept on both ends.
		// The distinct code lets the remote drop its attempt quietly,
		// whichever of our attempt and this refusal reaches it first.
		ch.mu.Unlock()
		r.mu.Unlock()
		if err := r.t.Close(e.Handle, mtransport.CodeSimultaneous, "Simultaneous connect"); err != nil {
			r.log.Debug("Failed to refuse connection", "peer", e.Peer, "err", err)
		}
		return
	}

	if err := r.t.Accept(e.Handle); err != nil {
		ch.mu.Unlock()
		r.mu.Unlock()
		ch.log.Info("Failed to accept connection", "peer", e.Peer, "err", err)
		return
	}

	delete(ch.attempts, e.Peer)
	ch.conns[e.Peer] = conn{h: e.Handle, inbound: true}
	r.byHandle[e.Handle] = binding{ch: ch, peer: e.Peer}
	if hadOld {
		delete(r.byHandle, old.h)
	}

	ch.mu.Unlock()
	r.mu.Unlock()

	if hadOld {
		if err := r.t.Close(old.h, mtransport.CodeChannelClosed, "Superseded"); err != nil {
			ch.log.Debug("Failed to close superseded connection", "peer", e.Peer, "err", err)
		}
		if old.established {
			// The remote reconnected; its old connection is gone.
			r.capture.ConnectStatus(ch.key.Ext, ch.key.Index, e.Peer, true)
			ch.Disconnected.Publish(e.Peer)
		}
	}
}

// lookup returns the binding for h, logging when there is none.
// Events for handles we already closed locally are expected.
func (r *Registry) lookup(e mtransport.Event) (binding, bool) {
	r.mu.Lock()
	b, ok := r.byHandle[e.Handle]
	r.mu.Unlock()

	if !ok {
		r.log.Debug(
			"Dropping event for unmapped connection",
			"kind", e.Kind, "handle", e.Handle, "peer", e.Peer,
		)
	}
	return b, ok
}

func (r *Registry) handleConnected(e mtransport.Event) {
	b, ok := r.lookup(e)
	if !ok {
		return
	}

	ch := b.ch
	ch.mu.Lock()
	cn, ok := ch.conns[b.peer]
	if !ok || cn.h != e.Handle || cn.established {
		ch.mu.Unlock()
		return
	}
	cn.established = true
	ch.conns[b.peer] = cn
	ch.mu.Unlock()

	r.capture.ConnectStatus(ch.key.Ext, ch.key.Index, b.peer, false)
	ch.log.Debug("Connected", "peer", b.peer, "inbound", cn.inbound)
	ch.Connected.Publish(b.peer)
}

func (r *Registry) handleClosed(e mtransport.Event) {
	r.mu.Lock()
	b, ok := r.byHandle[e.Handle]
	var cn conn
	if ok {
		delete(r.byHandle, e.Handle)

		b.ch.mu.Lock()
		cn, ok = b.ch.conns[b.peer]
		if ok && cn.h == e.Handle {
			delete(b.ch.conns, b.peer)
		} else {
			ok = false
		}
		b.ch.mu.Unlock()
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug(
			"Dropping event for unmapped connection",
			"kind", e.Kind, "handle", e.Handle, "peer", e.Peer,
		)
		return
	}

	ch := b.ch
	if cn.established {
		r.capture.ConnectStatus(ch.key.Ext, ch.key.Index, b.peer, true)
		ch.log.Debug("Disconnected", "peer", b.peer, "code", e.Code)
		ch.Disconnected.Publish(b.peer)
		return
	}

	if e.Code == mtransport.CodeSimultaneous && !cn.inbound {
		// The remote's own attempt is on its way and will connect us.
		ch.log.Debug("Yielding to remote connection attempt", "peer", b.peer)
		return
	}

	ch.log.Debug("Connection failed", "peer", b.peer, "code", e.Code)
	ch.failed(b.peer, e.Refused())
}

func (r *Registry) handleMessage(e mtransport.Event) {
	b, ok := r.lookup(e)
	if !ok {
		return
	}

	r.capture.Packet(b.ch.key.Ext, b.ch.key.Index, b.peer, e.Data, false)
	b.ch.Messages.Publish(Message{Peer: b.peer, Data: e.Data})
}
