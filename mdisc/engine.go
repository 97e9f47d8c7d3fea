package mdisc

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/modnet/mevent"
	"github.com/gordian-engine/modnet/mtransport"
)

// Responder supplies the local answers to a peer's discovery requests.
type Responder interface {
	// EnabledIDs lists the locally enabled extensions, in load order.
	EnabledIDs() []string

	// RequiredFor lists the extensions the given peer must have enabled.
	RequiredFor(peer mtransport.PeerID) []string

	// LocalPort returns the local port of an extension's channel,
	// or zero if the extension is not a managed enabled extension
	// or the channel is not open.
	LocalPort(ext string, index uint16) mtransport.Port
}

type portAnswer struct {
	Ext   string
	Index uint16
	Port  mtransport.Port

	// Set when the engine closes, releasing every waiter.
	Closed bool
}

// Engine runs the V1 discovery protocol with one peer,
// after both handshakes have been exchanged.
//
// Receive is called from the session tick.
// Requests may be made from any goroutine.
type Engine struct {
	log  *slog.Logger
	peer mtransport.PeerID

	send   func([]byte) error
	resp   Responder
	onMods func([]string)

	mu     sync.Mutex
	mods   []string
	closed bool

	required mevent.Hub[[]string]
	ports    mevent.Hub[portAnswer]
}

// NewEngine returns an engine talking to peer through send.
// onMods, if set, is called each time the peer reports its enabled extensions.
func NewEngine(
	log *slog.Logger,
	peer mtransport.PeerID,
	send func([]byte) error,
	resp Responder,
	onMods func([]string),
) *Engine {
	return &Engine{
		log:  log,
		peer: peer,

		send:   send,
		resp:   resp,
		onMods: onMods,
	}
}

// Start sends the initial DISCOVER request.
func (e *Engine) Start() error {
	if err := e.send(EncodeDiscoverRequest()); err != nil {
		return fmt.Errorf("failed to send discover request: %w", err)
	}
	return nil
}

// Mods returns the peer's last reported enabled extensions,
// or nil if it has not reported yet.
func (e *Engine) Mods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.mods)
}

// Receive handles one message from the peer.
// Malformed messages are returned as a [DecodeError] and otherwise ignored.
func (e *Engine) Receive(data []byte) error {
	p, err := Decode(data)
	if err != nil {
		return err
	}

	switch p.Op {
	case OpDiscover:
		if !p.Response {
			return e.reply(EncodeDiscoverResponse(e.resp.EnabledIDs()))
		}

		e.mu.Lock()
		e.mods = p.IDs
		e.mu.Unlock()

		e.log.Debug("Peer reported extensions", "peer", e.peer, "mods", p.IDs)
		if e.onMods != nil {
			e.onMods(slices.Clone(p.IDs))
		}

	case OpRequire:
		if !p.Response {
			return e.reply(EncodeRequireResponse(e.resp.RequiredFor(e.peer)))
		}
		e.required.Publish(p.IDs)

	case OpPort:
		if !p.Response {
			return e.reply(EncodePortResponse(p.Ext, p.Index, e.resp.LocalPort(p.Ext, p.Index)))
		}
		e.ports.Publish(portAnswer{Ext: p.Ext, Index: p.Index, Port: p.Port})

	default:
		panic(fmt.Errorf("BUG: Decode returned unhandled op %s", p.Op))
	}

	return nil
}

func (e *Engine) reply(b []byte) error {
	if err := e.send(b); err != nil {
		return fmt.Errorf("failed to send %s response: %w", Op(b[0]), err)
	}
	return nil
}

// RequestRequired asks the peer which extensions it requires of us.
// fn is called once with the answer,
// or with nil if the request cannot be sent or the engine closes first.
func (e *Engine) RequestRequired(fn func([]string)) {
	// Subscribe under the lock so Close either sees the subscriber or we see closed.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn(nil)
		return
	}
	sub := e.required.SubscribeOnce(fn)
	e.mu.Unlock()

	if err := e.send(EncodeRequireRequest()); err != nil {
		e.log.Debug("Failed to send require request", "peer", e.peer, "err", err)
		sub.Cancel()
		fn(nil)
	}
}

// RequestPort asks the peer for the port of an extension channel.
// fn is called once with the answer,
// or with zero if the request cannot be sent or the engine closes first.
//
// Answers are matched by extension and index,
// so concurrent requests for different channels are fine.
func (e *Engine) RequestPort(ext string, index uint16, fn func(mtransport.Port)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn(0)
		return
	}
	sub := e.ports.SubscribeUntil(func(a portAnswer) bool {
		if a.Closed {
			fn(0)
			return true
		}
		if a.Ext != ext || a.Index != index {
			return false
		}
		fn(a.Port)
		return true
	})
	e.mu.Unlock()

	if err := e.send(EncodePortRequest(ext, index)); err != nil {
		e.log.Debug("Failed to send port request", "peer", e.peer, "err", err)
		sub.Cancel()
		fn(0)
	}
}

// Close releases every outstanding request with an empty result.
// Later requests complete immediately with empty results.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.required.Publish(nil)
	e.ports.Publish(portAnswer{Closed: true})
}
