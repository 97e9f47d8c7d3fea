package mdisc

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/modnet/mchan"
	"github.com/gordian-engine/modnet/mevent"
	"github.com/gordian-engine/modnet/mext"
	"github.com/gordian-engine/modnet/mtransport"
)

// DefaultFrameworkID is the extension ID owning the discovery channel.
const DefaultFrameworkID = "modnet"

// DiscoveryPort is the port of the discovery channel on every peer.
// It is the first channel a session opens.
const DiscoveryPort mtransport.Port = 1

// SessionInfo is the view of the multiplayer session that discovery needs.
type SessionInfo interface {
	// Multiplayer reports whether a multiplayer session is active.
	Multiplayer() bool

	// IsServer reports whether the local peer hosts the session.
	IsServer() bool

	// IsHost reports whether peer hosts the session.
	IsHost(peer mtransport.PeerID) bool

	// IsPeer reports whether peer is a participant of the session.
	IsPeer(peer mtransport.PeerID) bool

	// SceneReady reports whether the local peer has finished loading into the session.
	SceneReady() bool

	// Players lists the session participants, possibly including the local peer.
	Players() []mtransport.PeerID
}

// PeerState is the discovery state of one peer.
type PeerState uint8

const (
	// No discovery connection to the peer.
	StateUnstarted PeerState = iota

	// Connected, waiting for the peer's handshake.
	StateAwaitingHandshake

	// Handshake received; a protocol engine is running.
	StateReady
)

func (s PeerState) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("PeerState(%d)", uint8(s))
	}
}

// ServiceConfig is the configuration for a [Service].
type ServiceConfig struct {
	Registry *mchan.Registry
	Loader   mext.Loader
	Session  SessionInfo

	// Owner of the discovery channel.
	// If empty, DefaultFrameworkID is used.
	FrameworkID string
}

func (c ServiceConfig) validate() {
	var panicErrs error

	if c.Registry == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ServiceConfig.Registry may not be nil"),
		)
	}
	if c.Loader == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ServiceConfig.Loader may not be nil"),
		)
	}
	if c.Session == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ServiceConfig.Session may not be nil"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

type peerState struct {
	// Nil until the peer's handshake arrives.
	engine *Engine
}

// Service runs discovery with every connected peer
// and answers queries about them.
//
// Its hubs publish on the session tick.
type Service struct {
	log *slog.Logger

	reg     *mchan.Registry
	loader  mext.Loader
	session SessionInfo

	fw string
	ch *mchan.Channel

	mu       sync.Mutex
	peers    map[mtransport.PeerID]*peerState
	expected map[mtransport.PeerID]struct{}

	// Ready is published once every peer dialed by MissionLoaded
	// has either connected or failed.
	Ready mevent.Hub[struct{}]

	// ModsAvailable is published when a peer reports its enabled extensions,
	// and also when discovery with the peer fails, with no extensions known.
	ModsAvailable mevent.Hub[mtransport.PeerID]

	// ConnectionResolved is published when a peer's handshake arrives,
	// or when discovery with the peer fails.
	ConnectionResolved mevent.Hub[mtransport.PeerID]
}

var (
	_ Responder          = (*Service)(nil)
	_ mchan.PortResolver = (*Service)(nil)
)

// NewService opens the discovery channel and starts answering peers.
// It must run before any other channel is opened on the registry,
// so that the discovery channel binds [DiscoveryPort].
// NewService panics if cfg is invalid.
func NewService(log *slog.Logger, cfg ServiceConfig) (*Service, error) {
	cfg.validate()

	fw := cfg.FrameworkID
	if fw == "" {
		fw = DefaultFrameworkID
	}

	ch, err := cfg.Registry.Open(mchan.Key{Ext: fw, Index: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery channel: %w", err)
	}
	if ch.Port() != DiscoveryPort {
		ch.Close()
		return nil, fmt.Errorf(
			"discovery channel bound to port %d instead of %d; open it before any other channel",
			ch.Port(), DiscoveryPort,
		)
	}

	s := &Service{
		log: log,

		reg:     cfg.Registry,
		loader:  cfg.Loader,
		session: cfg.Session,

		fw: fw,
		ch: ch,

		peers:    make(map[mtransport.PeerID]*peerState),
		expected: make(map[mtransport.PeerID]struct{}),
	}

	ch.SetAdmissionPredicate(s.admit)
	ch.Connected.Subscribe(s.onConnected)
	ch.ConnectionFailed.Subscribe(s.onFailed)
	ch.Disconnected.Subscribe(s.onDisconnected)
	ch.Messages.Subscribe(s.onMessage)

	cfg.Registry.SetResolver(s)

	return s, nil
}

// Channel returns the discovery channel.
func (s *Service) Channel() *mchan.Channel { return s.ch }

// FrameworkID returns the extension ID owning the discovery channel.
func (s *Service) FrameworkID() string { return s.fw }

func (s *Service) admit(peer mtransport.PeerID) bool {
	return s.session.IsServer() || s.session.IsPeer(peer) || s.session.IsHost(peer)
}

// Connect starts discovery with peer.
func (s *Service) Connect(peer mtransport.PeerID) error {
	return s.ch.Connect(peer)
}

// State returns the discovery state of peer.
func (s *Service) State(peer mtransport.PeerID) PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.peers[peer]
	switch {
	case !ok:
		return StateUnstarted
	case st.engine == nil:
		return StateAwaitingHandshake
	default:
		return StateReady
	}
}

// Players returns the peers with a discovery connection, in ascending order.
func (s *Service) Players() []mtransport.PeerID {
	s.mu.Lock()
	out := make([]mtransport.PeerID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	s.mu.Unlock()

	slices.Sort(out)
	return out
}

func (s *Service) engine(peer mtransport.PeerID) *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.peers[peer]; ok {
		return st.engine
	}
	return nil
}

// GetMods returns the extensions peer last reported enabled,
// or nil if they are not known.
func (s *Service) GetMods(peer mtransport.PeerID) []string {
	if e := s.engine(peer); e != nil {
		return e.Mods()
	}
	return nil
}

// GetRequired asks peer which extensions it requires of us.
// If discovery with peer is not ready, fn is called immediately with nil.
func (s *Service) GetRequired(peer mtransport.PeerID, fn func([]string)) {
	e := s.engine(peer)
	if e == nil {
		fn(nil)
		return
	}
	e.RequestRequired(fn)
}

// GetPort asks peer which port the given extension channel is bound to.
// fn receives zero if the port cannot be resolved,
// immediately if discovery with peer is not ready.
// The request is sent even for extensions missing from the peer's last DISCOVER answer,
// since a join check may have enabled them since.
func (s *Service) GetPort(peer mtransport.PeerID, ext string, index uint16, fn func(mtransport.Port)) {
	if ext == s.fw && index == 0 {
		fn(DiscoveryPort)
		return
	}

	e := s.engine(peer)
	if e == nil {
		fn(0)
		return
	}

	e.RequestPort(ext, index, fn)
}

// ResolvePort implements [mchan.PortResolver].
func (s *Service) ResolvePort(peer mtransport.PeerID, key mchan.Key, fn func(mtransport.Port)) {
	s.GetPort(peer, key.Ext, key.Index, fn)
}

// EnabledIDs implements [Responder].
func (s *Service) EnabledIDs() []string {
	return mext.IDs(s.loader.Enabled())
}

// RequiredFor implements [Responder].
func (s *Service) RequiredFor(peer mtransport.PeerID) []string {
	return RequiredFor(
		s.loader.Enabled(),
		s.session.IsServer(),
		s.session.IsHost(peer),
		!s.session.SceneReady(),
	)
}

// LocalPort implements [Responder].
func (s *Service) LocalPort(ext string, index uint16) mtransport.Port {
	if ext != s.fw {
		e, ok := s.loader.Lookup(ext)
		if !ok || !e.Managed || !s.loader.IsEnabled(ext) {
			return 0
		}
	}
	return s.reg.LookupPort(mchan.Key{Ext: ext, Index: index})
}

// MissionLoaded starts discovery with every other session participant
// when the local peer is a multiplayer client.
// Ready is published once every attempt has resolved.
func (s *Service) MissionLoaded() {
	if !s.session.Multiplayer() || s.session.IsServer() {
		return
	}

	local := s.reg.LocalPeer()
	players := slices.DeleteFunc(slices.Clone(s.session.Players()), func(p mtransport.PeerID) bool {
		return p == local
	})
	slices.Sort(players)
	players = slices.Compact(players)

	// A peer that already dialed us, such as the host authenticating this client,
	// has a discovery connection and counts as resolved.
	dial := players[:0]
	s.mu.Lock()
	clear(s.expected)
	for _, p := range players {
		if _, ok := s.peers[p]; ok {
			continue
		}
		s.expected[p] = struct{}{}
		dial = append(dial, p)
	}
	s.mu.Unlock()

	s.log.Info("Starting discovery", "peers", len(players), "dialing", len(dial))

	if len(dial) == 0 {
		s.Ready.Publish(struct{}{})
		return
	}

	for _, p := range dial {
		if err := s.ch.Connect(p); err != nil {
			s.log.Warn("Failed to start discovery", "peer", p, "err", err)
		}
	}
}

// MissionUnloaded disconnects discovery from every peer and forgets them.
func (s *Service) MissionUnloaded() {
	s.mu.Lock()
	peers := make([]mtransport.PeerID, 0, len(s.peers))
	engines := make([]*Engine, 0, len(s.peers))
	for p, st := range s.peers {
		peers = append(peers, p)
		if st.engine != nil {
			engines = append(engines, st.engine)
		}
	}
	clear(s.peers)
	clear(s.expected)
	s.mu.Unlock()

	slices.Sort(peers)
	for _, p := range peers {
		s.ch.Disconnect(p)
	}
	for _, e := range engines {
		e.Close()
	}
}

// Close forgets every peer and closes the discovery channel.
func (s *Service) Close() {
	s.MissionUnloaded()
	s.ch.Close()
}

// resolveExpected removes peer from the peers MissionLoaded is waiting on,
// publishing Ready when it was the last one.
func (s *Service) resolveExpected(peer mtransport.PeerID) {
	s.mu.Lock()
	_, ok := s.expected[peer]
	if ok {
		delete(s.expected, peer)
	}
	ready := ok && len(s.expected) == 0
	s.mu.Unlock()

	if ready {
		s.log.Info("Discovery ready")
		s.Ready.Publish(struct{}{})
	}
}

func (s *Service) onConnected(peer mtransport.PeerID) {
	s.mu.Lock()
	old := s.peers[peer]
	s.peers[peer] = &peerState{}
	s.mu.Unlock()

	if old != nil && old.engine != nil {
		old.engine.Close()
	}

	s.log.Debug("Discovery connected", "peer", peer)
	if err := s.ch.Send(peer, Handshake[:]); err != nil {
		s.log.Warn("Failed to send discovery handshake", "peer", peer, "err", err)
	}

	s.resolveExpected(peer)
}

func (s *Service) onFailed(f mchan.ConnectionFailure) {
	s.log.Debug("Discovery failed", "peer", f.Peer, "refused", f.Refused)

	s.ConnectionResolved.Publish(f.Peer)
	s.ModsAvailable.Publish(f.Peer)

	s.resolveExpected(f.Peer)
}

func (s *Service) onDisconnected(peer mtransport.PeerID) {
	s.mu.Lock()
	st := s.peers[peer]
	delete(s.peers, peer)
	s.mu.Unlock()

	s.log.Debug("Discovery disconnected", "peer", peer)
	if st != nil && st.engine != nil {
		st.engine.Close()
	}
}

func (s *Service) onMessage(m mchan.Message) {
	s.mu.Lock()
	st := s.peers[m.Peer]
	var e *Engine
	if st != nil {
		e = st.engine
	}
	s.mu.Unlock()

	if st == nil {
		s.log.Debug("Dropping discovery message from unknown peer", "peer", m.Peer)
		return
	}

	if e != nil {
		if err := e.Receive(m.Data); err != nil {
			s.log.Warn("Failed to handle discovery message", "peer", m.Peer, "err", err)
		}
		return
	}

	if !bytes.Equal(m.Data, Handshake[:]) {
		s.log.Warn(
			"Dropping discovery connection",
			"err", HandshakeMismatchError{Peer: m.Peer, Got: m.Data},
		)

		s.mu.Lock()
		if s.peers[m.Peer] == st {
			delete(s.peers, m.Peer)
		}
		s.mu.Unlock()

		s.ch.Disconnect(m.Peer)

		// Nothing more will be learned from this peer; let joins proceed.
		s.ConnectionResolved.Publish(m.Peer)
		s.ModsAvailable.Publish(m.Peer)
		return
	}

	peer := m.Peer
	e = NewEngine(
		s.log,
		peer,
		func(b []byte) error { return s.ch.Send(peer, b) },
		s,
		func([]string) { s.ModsAvailable.Publish(peer) },
	)

	s.mu.Lock()
	if s.peers[peer] != st {
		s.mu.Unlock()
		return
	}
	st.engine = e
	s.mu.Unlock()

	if err := e.Start(); err != nil {
		s.log.Warn("Failed to start discovery", "peer", peer, "err", err)
	}
	s.ConnectionResolved.Publish(peer)
}
