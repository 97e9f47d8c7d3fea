package modnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/modnet/mcapture"
	"github.com/gordian-engine/modnet/mchan"
	"github.com/gordian-engine/modnet/mdisc"
	"github.com/gordian-engine/modnet/mext"
	"github.com/gordian-engine/modnet/mjoin"
	"github.com/gordian-engine/modnet/mtransport"
)

// DefaultTickInterval is the tick period used by [Session.Run]
// when no interval is given.
const DefaultTickInterval = 20 * time.Millisecond

// Session is the networking context of one multiplayer session.
// It owns the channel registry, the discovery service
// and the join authenticator, and drives them from a single tick.
type Session struct {
	log *slog.Logger

	reg     *mchan.Registry
	disc    *mdisc.Service
	auth    *mjoin.Authenticator
	capture *mcapture.Writer

	tickMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// SessionConfig is the configuration for a [Session].
type SessionConfig struct {
	// The physical transport. The session does not close it.
	Transport mtransport.Transport

	// The plugin loader, queried for enabled extensions
	// and toggled by join checks.
	Loader mext.Loader

	// The session lifecycle collaborator.
	Info mdisc.SessionInfo

	// Told the outcome of pending joins.
	// If nil, outcomes are only observable through the authenticator's hubs.
	// Kicked peers have all their channel connections killed either way.
	Gate mjoin.Gate

	// Optional capture of channel activity.
	// The session closes it on Close.
	Capture *mcapture.Writer

	// If positive, joins still pending after this long are rejected.
	CheckpointTimeout time.Duration

	// Transport events drained per poll.
	// If zero, [mchan.DefaultPollBatch] is used.
	PollBatch int

	// Owner of the discovery channel.
	// If empty, [mdisc.DefaultFrameworkID] is used.
	FrameworkID string

	// Clock for join timeouts. Defaults to time.Now.
	Now func() time.Time
}

// validate panics if there are any illegal settings in the configuration.
func (c SessionConfig) validate() {
	// Collect everything so one panic reports every problem.
	var panicErrs error

	if c.Transport == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("SessionConfig.Transport may not be nil"),
		)
	}

	if c.Loader == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("SessionConfig.Loader may not be nil"),
		)
	}

	if c.Info == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("SessionConfig.Info may not be nil"),
		)
	}

	if c.CheckpointTimeout < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("SessionConfig.CheckpointTimeout must not be negative (got %s)", c.CheckpointTimeout),
		)
	}

	if c.PollBatch < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("SessionConfig.PollBatch must not be negative (got %d)", c.PollBatch),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewSession opens the discovery channel on the transport
// and wires the join authenticator to it.
// It panics if cfg is invalid.
func NewSession(log *slog.Logger, cfg SessionConfig) (*Session, error) {
	cfg.validate()

	info := cfg.Info
	reg := mchan.NewRegistry(log.With("session_sys", "registry"), mchan.RegistryConfig{
		Transport: cfg.Transport,
		Capture:   cfg.Capture,
		PollBatch: cfg.PollBatch,

		InboundFilter: func(p mtransport.PeerID) bool {
			return (info.Multiplayer() && (info.IsServer() || info.IsPeer(p))) || info.IsHost(p)
		},
	})

	// Discovery must be first to open a channel, to hold its reserved port.
	disc, err := mdisc.NewService(log.With("session_sys", "discovery"), mdisc.ServiceConfig{
		Registry:    reg,
		Loader:      cfg.Loader,
		Session:     info,
		FrameworkID: cfg.FrameworkID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}

	s := &Session{
		log: log,

		reg:     reg,
		disc:    disc,
		capture: cfg.Capture,

		done: make(chan struct{}),
	}

	s.auth = mjoin.NewAuthenticator(log.With("session_sys", "auth"), mjoin.Config{
		Discovery:         disc,
		Loader:            cfg.Loader,
		Gate:              killGate{reg: reg, next: cfg.Gate},
		Local:             reg.LocalPeer(),
		CheckpointTimeout: cfg.CheckpointTimeout,
		Now:               cfg.Now,
	})

	disc.ConnectionResolved.Subscribe(s.auth.HandleConnectionResolved)
	disc.ModsAvailable.Subscribe(s.auth.HandleModsAvailable)

	return s, nil
}

// killGate severs every channel to a kicked peer
// before passing the outcome on.
type killGate struct {
	reg  *mchan.Registry
	next mjoin.Gate
}

func (g killGate) Admit(p mtransport.PeerID) {
	if g.next != nil {
		g.next.Admit(p)
	}
}

func (g killGate) Kick(p mtransport.PeerID) {
	g.reg.Kill(p)
	if g.next != nil {
		g.next.Kick(p)
	}
}

// LocalPeer returns the ID of the local peer.
func (s *Session) LocalPeer() mtransport.PeerID {
	return s.reg.LocalPeer()
}

// Network returns the channel API for the extension with the given ID.
func (s *Session) Network(ext string) mchan.ExtensionAPI {
	return s.reg.API(ext)
}

// Discovery returns the discovery service.
func (s *Session) Discovery() *mdisc.Service {
	return s.disc
}

// Auth returns the join authenticator,
// whose hubs expose the player lifecycle.
func (s *Session) Auth() *mjoin.Authenticator {
	return s.auth
}

// Authenticate evaluates a peer joining the session.
// See [mjoin.Authenticator.Authenticate].
func (s *Session) Authenticate(peer mtransport.PeerID) mjoin.Decision {
	return s.auth.Authenticate(peer)
}

// PlayerLeft records that peer left the session
// and closes every channel connection to it.
func (s *Session) PlayerLeft(peer mtransport.PeerID) {
	s.auth.Left(peer)
	s.reg.Kill(peer)
}

// MissionLoaded starts discovery with the other session participants.
func (s *Session) MissionLoaded() {
	s.disc.MissionLoaded()
}

// MissionUnloaded drops every peer connection and abandons pending joins.
// Channels stay open.
func (s *Session) MissionUnloaded() {
	s.disc.MissionUnloaded()
	s.reg.DisconnectAll()
	s.auth.Reset()
}

// Tick drains the transport and expires stalled joins.
// Every hub of the session publishes from within Tick,
// on the calling goroutine.
// It returns the number of transport events handled.
func (s *Session) Tick(now time.Time) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	select {
	case <-s.done:
		return 0
	default:
	}

	n := s.reg.Poll()
	s.auth.Expire(now)
	return n
}

// Run calls Tick every interval until ctx is canceled or the session is closed.
// A non-positive interval means [DefaultTickInterval].
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-s.done:
			return ErrSessionClosed
		case now := <-t.C:
			s.Tick(now)
		}
	}
}

// Close closes every channel and the capture writer.
// The transport is left open.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.tickMu.Lock()
		defer s.tickMu.Unlock()

		s.auth.Reset()
		s.disc.Close()
		s.reg.CloseAll()

		if err := s.capture.Close(); err != nil {
			s.log.Warn("Failed to close capture", "err", err)
		}
	})
}
