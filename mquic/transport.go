// Package mquic implements [mtransport.Transport] over QUIC.
//
// Peers hold at most a few QUIC connections to each other,
// authenticated with mutual TLS against a shared set of trusted CAs.
// A peer's ID is derived from its certificate's public key, see [PeerIDFromCert].
//
// Every virtual connection is a bidirectional stream on a QUIC connection.
// Reliable messages travel on the stream;
// unreliable messages are QUIC datagrams,
// falling back to the stream when a datagram cannot be sent.
package mquic

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/gordian-engine/modnet/mtransport"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned from [Transport.Send]
// when a connection's reliable send queue is full.
var ErrQueueFull = errors.New("send queue full")

// UnknownPeerError is reported when connecting to a peer without a known address.
type UnknownPeerError struct {
	Peer mtransport.PeerID
}

func (e UnknownPeerError) Error() string {
	return fmt.Sprintf("no address for peer %s", e.Peer)
}

// PeerMismatchError is reported when a dialed address presents
// a certificate for a different peer.
type PeerMismatchError struct {
	Want, Got mtransport.PeerID
}

func (e PeerMismatchError) Error() string {
	return fmt.Sprintf("dialed peer %s but remote is %s", e.Want, e.Got)
}

// Transport is a QUIC implementation of [mtransport.Transport].
//
// Background goroutines serve connections until the context
// passed to [NewTransport] is canceled or [Transport.Shutdown] is called.
type Transport struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	local mtransport.PeerID

	qt       *quic.Transport
	ql       *quic.Listener
	quicConf *quic.Config
	tlsConf  *tls.Config

	serverName string
	inRate     rate.Limit
	inBurst    int
	queueSize  int
	maxMsg     int

	mu         sync.Mutex
	closed     bool
	addrs      map[mtransport.PeerID]net.Addr
	peers      map[mtransport.PeerID]*peerConn
	dialing    map[mtransport.PeerID]chan struct{}
	limiters   map[mtransport.PeerID]*rate.Limiter
	listening  map[mtransport.Port]struct{}
	conns      map[mtransport.Handle]*vconn
	nextHandle mtransport.Handle
	events     []mtransport.Event
}

var _ mtransport.Transport = (*Transport)(nil)

// NewTransport starts listening on cfg.UDPConn.
// The ctx parameter controls the lifecycle of the Transport;
// canceling it has the same effect as [Transport.Shutdown]
// except that it does not wait for background work.
//
// NewTransport returns runtime errors that happen during initialization.
// Configuration errors cause a panic.
func NewTransport(ctx context.Context, log *slog.Logger, cfg Config) (*Transport, error) {
	cfg.validate(log)

	ctx, cancel := context.WithCancel(ctx)

	// A quic.Transport rather than quic.Listen,
	// so dialing and listening share the one UDP socket.
	qt := &quic.Transport{
		Conn: cfg.UDPConn,
	}

	tlsConf := cfg.baseTLSConfig(log)
	ql, err := qt.Listen(tlsConf, cfg.QUIC)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set up QUIC listener: %w", err)
	}

	t := &Transport{
		log: log,

		ctx:    ctx,
		cancel: cancel,

		local: PeerIDFromCert(cfg.TLS.Certificates[0].Leaf),

		qt:       qt,
		ql:       ql,
		quicConf: cfg.QUIC,
		tlsConf:  tlsConf,

		serverName: cfg.ServerName,
		inRate:     cmp.Or(cfg.InboundRate, DefaultInboundRate),
		inBurst:    cmp.Or(cfg.InboundBurst, DefaultInboundBurst),
		queueSize:  cmp.Or(cfg.SendQueue, DefaultSendQueue),
		maxMsg:     cmp.Or(cfg.MaxMessageSize, DefaultMaxMessageSize),

		addrs:     make(map[mtransport.PeerID]net.Addr),
		peers:     make(map[mtransport.PeerID]*peerConn),
		dialing:   make(map[mtransport.PeerID]chan struct{}),
		limiters:  make(map[mtransport.PeerID]*rate.Limiter),
		listening: make(map[mtransport.Port]struct{}),
		conns:     make(map[mtransport.Handle]*vconn),
	}

	t.wg.Add(1)
	go t.acceptConnections()

	context.AfterFunc(ctx, t.shutdown)

	return t, nil
}

// LocalPeer returns the ID derived from this transport's certificate.
func (t *Transport) LocalPeer() mtransport.PeerID { return t.local }

// Addr returns the local UDP address.
func (t *Transport) Addr() net.Addr {
	return t.qt.Conn.LocalAddr()
}

// AddPeer records the address used to dial peer.
// Inbound connections need no address.
func (t *Transport) AddPeer(peer mtransport.PeerID, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[peer] = addr
}

func (t *Transport) Listen(p mtransport.Port) error {
	t.mu.Lock()
	defer t.mu.Unlock()

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
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listening, p)
	return nil
}

func (t *Transport) Connect(peer mtransport.PeerID, p mtransport.Port) (mtransport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, mtransport.ErrClosed
	}

	vc := t.newVconnLocked(peer, p, false)

	t.wg.Add(1)
	go t.dialVirtual(vc)

	return vc.h, nil
}

func (t *Transport) newVconnLocked(peer mtransport.PeerID, p mtransport.Port, inbound bool) *vconn {
	t.nextHandle++
	vc := &vconn{
		h:       t.nextHandle,
		peer:    peer,
		port:    p,
		inbound: inbound,

		out:  make(chan []byte, t.queueSize),
		done: make(chan struct{}),
	}
	t.conns[vc.h] = vc
	return vc
}

func (t *Transport) Accept(h mtransport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	vc := t.conns[h]
	if vc == nil {
		return mtransport.ErrUnknownHandle
	}
	if !vc.inbound {
		return fmt.Errorf("cannot accept outbound connection %d", h)
	}
	if vc.established {
		return nil
	}

	// The writer sends the accept byte ahead of any message.
	select {
	case vc.out <- []byte{acceptByte}:
	default:
		panic(errors.New("BUG: send queue of pending connection not empty"))
	}

	vc.established = true
	t.pushLocked(mtransport.Event{
		Kind:   mtransport.Connected,
		Handle: h,
		Peer:   vc.peer,
	})
	return nil
}

func (t *Transport) Close(h mtransport.Handle, code mtransport.CloseCode, reason string) error {
	t.mu.Lock()
	vc := t.conns[h]
	if vc == nil {
		t.mu.Unlock()
		return mtransport.ErrUnknownHandle
	}
	t.removeLocked(vc)
	vc.code = code
	s := vc.s
	t.mu.Unlock()

	t.log.Debug("Closing connection", "peer", vc.peer, "handle", h, "code", code, "reason", reason)

	// If the stream is still being opened, the dialer resets it on completion.
	if s != nil {
		resetStream(s, code)
	}
	vc.stop()
	return nil
}

func (t *Transport) Send(h mtransport.Handle, data []byte, flags mtransport.SendFlags) error {
	t.mu.Lock()
	vc := t.conns[h]
	if vc == nil {
		t.mu.Unlock()
		return mtransport.ErrUnknownHandle
	}
	if !vc.established {
		t.mu.Unlock()
		return mtransport.ErrNotEstablished
	}

	if flags&mtransport.SendUnreliable != 0 {
		qc, id := vc.pc.qc, vc.s.StreamID()
		t.mu.Unlock()

		if err := qc.SendDatagram(encodeDatagram(id, data)); err == nil {
			t.mu.Lock()
			vc.stats.MessagesSent++
			vc.stats.BytesSent += uint64(len(data))
			t.mu.Unlock()
			return nil
		}

		// Too large, or the peer does not take datagrams.
		t.mu.Lock()
		if t.conns[h] != vc {
			t.mu.Unlock()
			return mtransport.ErrUnknownHandle
		}
	}
	defer t.mu.Unlock()

	select {
	case vc.out <- encodeFrame(data):
		vc.stats.MessagesSent++
		vc.stats.BytesSent += uint64(len(data))
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Transport) Poll(dst []mtransport.Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := copy(dst, t.events)
	t.events = slices.Delete(t.events, 0, n)
	return n
}

func (t *Transport) Stats(h mtransport.Handle) (mtransport.Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	vc := t.conns[h]
	if vc == nil {
		return mtransport.Stats{}, false
	}
	s := vc.stats
	s.Queued = len(vc.out)
	return s, true
}

// Shutdown stops the transport and waits for its background work.
// The UDP connection is left open.
func (t *Transport) Shutdown() error {
	t.cancel()
	t.shutdown()
	t.wg.Wait()
	return nil
}

// Wait blocks until background work finishes after the lifecycle context is canceled.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true

	pcs := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		pcs = append(pcs, pc)
	}
	vcs := make([]*vconn, 0, len(t.conns))
	for _, vc := range t.conns {
		vcs = append(vcs, vc)
	}
	clear(t.conns)
	t.events = nil
	t.mu.Unlock()

	for _, vc := range vcs {
		vc.stop()
	}
	for _, pc := range pcs {
		_ = pc.qc.CloseWithError(0, "transport closed")
	}
	if err := t.ql.Close(); err != nil {
		t.log.Debug("Failed to close listener", "err", err)
	}
	if err := t.qt.Close(); err != nil {
		t.log.Debug("Failed to close QUIC transport", "err", err)
	}
}

func (t *Transport) pushLocked(e mtransport.Event) {
	if t.closed {
		return
	}
	t.events = append(t.events, e)
}

// removeLocked forgets vc so that no further events are raised for it.
func (t *Transport) removeLocked(vc *vconn) {
	delete(t.conns, vc.h)
	if vc.pc != nil && vc.s != nil {
		delete(vc.pc.streams, vc.s.StreamID())
	}
}

// limiter returns the inbound request limiter for peer.
func (t *Transport) limiter(peer mtransport.PeerID) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.limiters[peer]
	if l == nil {
		l = rate.NewLimiter(t.inRate, t.inBurst)
		t.limiters[peer] = l
	}
	return l
}
