// Package mjoin decides whether a peer joining the session is admitted.
//
// A join passes a cancelable pre-authentication hook,
// then two independent checkpoints fed by discovery:
// the mod-list checkpoint compares the peer's enabled extensions
// with ours that every participant must have,
// and the required checkpoint enables whatever the peer requires of us.
// Once both pass, a cancelable authentication hook runs
// and the peer is admitted through the [Gate].
package mjoin

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/modnet/internal/mbarrier"
	"github.com/gordian-engine/modnet/mdisc"
	"github.com/gordian-engine/modnet/mevent"
	"github.com/gordian-engine/modnet/mext"
	"github.com/gordian-engine/modnet/mtransport"
)

// Discovery is the part of [mdisc.Service] the authenticator queries.
type Discovery interface {
	Connect(mtransport.PeerID) error
	State(mtransport.PeerID) mdisc.PeerState
	GetMods(mtransport.PeerID) []string
	GetRequired(mtransport.PeerID, func([]string))
}

// Gate is the session layer's control over a joining peer.
type Gate interface {
	// Admit lets the peer continue into the session.
	Admit(mtransport.PeerID)

	// Kick disconnects the peer from the session.
	Kick(mtransport.PeerID)
}

// Decision is the immediate outcome of [Authenticator.Authenticate].
type Decision uint8

const (
	// The peer was rejected and kicked.
	Rejected Decision = iota

	// Checks are in progress; the Gate will be told the outcome.
	Pending

	// The peer is admitted; the Gate is not called.
	Admitted
)

func (d Decision) String() string {
	switch d {
	case Rejected:
		return "Rejected"
	case Pending:
		return "Pending"
	case Admitted:
		return "Admitted"
	default:
		return fmt.Sprintf("Decision(%d)", uint8(d))
	}
}

// Reason explains a rejection.
type Reason uint8

const (
	_ Reason = iota

	ReasonPreAuthCanceled
	ReasonMissingExtension
	ReasonRequiredNotLoaded
	ReasonRequiredDisabled
	ReasonToggleFailed
	ReasonAuthCanceled
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonPreAuthCanceled:
		return "pre-authentication canceled"
	case ReasonMissingExtension:
		return "peer lacks an extension every participant needs"
	case ReasonRequiredNotLoaded:
		return "required extension not loaded"
	case ReasonRequiredDisabled:
		return "required extension disabled and cannot be enabled"
	case ReasonToggleFailed:
		return "failed to toggle extension"
	case ReasonAuthCanceled:
		return "authentication canceled"
	case ReasonTimeout:
		return "checkpoints timed out"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// Rejection is published when a joining peer is kicked.
type Rejection struct {
	Peer   mtransport.PeerID
	Reason Reason

	// The extension involved, if any.
	Ext string
}

// Config is the configuration for an [Authenticator].
type Config struct {
	Discovery Discovery
	Loader    mext.Loader
	Gate      Gate

	// The local peer, which is always admitted.
	Local mtransport.PeerID

	// If positive, a join still pending this long after Authenticate
	// is rejected by Expire.
	// Zero waits forever.
	CheckpointTimeout time.Duration

	// Clock for timeouts. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) validate() {
	var panicErrs error

	if c.Discovery == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Discovery may not be nil"))
	}
	if c.Loader == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Loader may not be nil"))
	}
	if c.Gate == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Gate may not be nil"))
	}
	if c.CheckpointTimeout < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("Config.CheckpointTimeout must not be negative (got %s)", c.CheckpointTimeout),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// request is one join attempt.
type request struct {
	peer    mtransport.PeerID
	started time.Time

	// Both checkpoints join here; the second to pass runs authentication.
	pair *mbarrier.Pair

	// Guarded by Authenticator.mu.
	checking     bool
	awaitingMods bool
}

// Authenticator runs the join state machine for every joining peer.
//
// Hub subscribers run synchronously from whichever call
// drives the join forward, normally the session tick.
type Authenticator struct {
	log *slog.Logger

	disc    Discovery
	loader  mext.Loader
	gate    Gate
	local   mtransport.PeerID
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	pending  map[mtransport.PeerID]*request
	admitted map[mtransport.PeerID]struct{}

	// Published before any discovery activity for a join.
	// Avoid networking from subscribers; nothing is connected yet.
	PrePlayerAuthenticating mevent.Hub[AuthEvent]

	// Published once both checkpoints pass.
	PlayerAuthenticating mevent.Hub[AuthEvent]

	PlayerJoined mevent.Hub[mtransport.PeerID]

	// Published when an admitted peer leaves.
	PlayerLeft mevent.Hub[mtransport.PeerID]

	Rejected mevent.Hub[Rejection]
}

// NewAuthenticator returns an Authenticator.
// It panics if cfg is invalid.
func NewAuthenticator(log *slog.Logger, cfg Config) *Authenticator {
	cfg.validate()

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Authenticator{
		log: log,

		disc:    cfg.Discovery,
		loader:  cfg.Loader,
		gate:    cfg.Gate,
		local:   cfg.Local,
		timeout: cfg.CheckpointTimeout,
		now:     now,

		pending:  make(map[mtransport.PeerID]*request),
		admitted: make(map[mtransport.PeerID]struct{}),
	}
}

// Authenticate starts evaluating a joining peer.
// Calling it again for a peer already pending or admitted
// reports the current state without side effects.
func (a *Authenticator) Authenticate(peer mtransport.PeerID) Decision {
	if peer == a.local {
		return Admitted
	}

	a.mu.Lock()
	if _, ok := a.admitted[peer]; ok {
		a.mu.Unlock()
		return Admitted
	}
	if _, ok := a.pending[peer]; ok {
		a.mu.Unlock()
		return Pending
	}
	a.mu.Unlock()

	c := new(Cancelable)
	a.PrePlayerAuthenticating.Publish(AuthEvent{Peer: peer, Cancel: c})
	if c.Canceled() {
		a.log.Info("Join canceled before authentication", "peer", peer)
		a.gate.Kick(peer)
		a.Rejected.Publish(Rejection{Peer: peer, Reason: ReasonPreAuthCanceled})
		return Rejected
	}

	req := &request{peer: peer, started: a.now()}
	req.pair = mbarrier.NewPair(func() { a.authenticate(req) })

	a.mu.Lock()
	a.pending[peer] = req
	a.mu.Unlock()

	a.log.Debug("Authenticating", "peer", peer)

	if err := a.disc.Connect(peer); err != nil {
		a.log.Warn("Failed to start discovery for joining peer", "peer", peer, "err", err)
	}

	// An existing discovery connection will not resolve again.
	if a.disc.State(peer) == mdisc.StateReady {
		a.HandleConnectionResolved(peer)
	}

	return Pending
}

// HandleConnectionResolved starts both checkpoints for a pending peer.
// Wire it to [mdisc.Service.ConnectionResolved].
func (a *Authenticator) HandleConnectionResolved(peer mtransport.PeerID) {
	a.mu.Lock()
	req := a.pending[peer]
	if req == nil || req.checking {
		a.mu.Unlock()
		return
	}
	req.checking = true

	// The mod list may already be known from an earlier connection.
	mods := a.disc.GetMods(peer)
	req.awaitingMods = mods == nil
	a.mu.Unlock()

	if mods != nil {
		a.checkMods(req, mods)
	}

	a.disc.GetRequired(peer, func(required []string) {
		a.checkRequired(req, required)
	})
}

// HandleModsAvailable runs the mod-list checkpoint for a pending peer.
// Wire it to [mdisc.Service.ModsAvailable].
func (a *Authenticator) HandleModsAvailable(peer mtransport.PeerID) {
	a.mu.Lock()
	req := a.pending[peer]
	if req == nil || !req.awaitingMods {
		a.mu.Unlock()
		return
	}
	req.awaitingMods = false
	a.mu.Unlock()

	a.checkMods(req, a.disc.GetMods(peer))
}

func (a *Authenticator) live(req *request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[req.peer] == req
}

// checkMods is the mod-list checkpoint:
// every enabled managed extension that all participants need
// must be enabled on the peer, or be disabled here.
func (a *Authenticator) checkMods(req *request, mods []string) {
	if !a.live(req) {
		return
	}

	for _, e := range a.loader.Enabled() {
		if !e.Managed || e.Multiplayer != mext.RequiresAll {
			continue
		}
		if slices.Contains(mods, e.ID) {
			continue
		}

		if !e.Runtime.CanToggle() {
			a.kick(req, ReasonMissingExtension, e.ID)
			return
		}

		if err := a.loader.SetEnabled(e.ID, false); err != nil {
			a.log.Warn("Failed to disable extension", "ext", e.ID, "err", err)
			a.kick(req, ReasonToggleFailed, e.ID)
			return
		}
		a.log.Info("Disabled extension missing on joining peer", "peer", req.peer, "ext", e.ID)
	}

	a.log.Debug("Mod-list checkpoint passed", "peer", req.peer)
	req.pair.DoneA()
}

// checkRequired is the required checkpoint:
// everything the peer requires must be loaded here, and enabled if it is not.
func (a *Authenticator) checkRequired(req *request, required []string) {
	if !a.live(req) {
		return
	}

	exts := make([]mext.Extension, 0, len(required))
	for _, id := range required {
		e, ok := a.loader.Lookup(id)
		if !ok {
			a.kick(req, ReasonRequiredNotLoaded, id)
			return
		}
		exts = append(exts, e)
	}

	for _, e := range exts {
		if a.loader.IsEnabled(e.ID) {
			continue
		}
		if !e.Toggleable() {
			a.kick(req, ReasonRequiredDisabled, e.ID)
			return
		}

		if err := a.loader.SetEnabled(e.ID, true); err != nil {
			a.log.Warn("Failed to enable extension", "ext", e.ID, "err", err)
			a.kick(req, ReasonToggleFailed, e.ID)
			return
		}
		a.log.Info("Enabled extension required by joining peer", "peer", req.peer, "ext", e.ID)
	}

	a.log.Debug("Required checkpoint passed", "peer", req.peer)
	req.pair.DoneB()
}

// authenticate runs once both checkpoints pass.
func (a *Authenticator) authenticate(req *request) {
	if !a.live(req) {
		return
	}

	c := new(Cancelable)
	a.PlayerAuthenticating.Publish(AuthEvent{Peer: req.peer, Cancel: c})
	if c.Canceled() {
		a.kick(req, ReasonAuthCanceled, "")
		return
	}

	a.mu.Lock()
	if a.pending[req.peer] != req {
		a.mu.Unlock()
		return
	}
	delete(a.pending, req.peer)
	a.admitted[req.peer] = struct{}{}
	a.mu.Unlock()

	a.log.Info("Player joined", "peer", req.peer)
	a.PlayerJoined.Publish(req.peer)
	a.gate.Admit(req.peer)
}

// kick rejects req unless it was already decided.
func (a *Authenticator) kick(req *request, reason Reason, ext string) {
	a.mu.Lock()
	if a.pending[req.peer] != req {
		a.mu.Unlock()
		return
	}
	delete(a.pending, req.peer)
	a.mu.Unlock()

	req.pair.Cancel()

	a.log.Info("Rejected joining peer", "peer", req.peer, "reason", reason, "ext", ext)
	a.gate.Kick(req.peer)
	a.Rejected.Publish(Rejection{Peer: req.peer, Reason: reason, Ext: ext})
}

// Left records that peer left the session.
// A pending join is abandoned silently;
// an admitted peer raises PlayerLeft.
func (a *Authenticator) Left(peer mtransport.PeerID) {
	a.mu.Lock()
	req := a.pending[peer]
	delete(a.pending, peer)
	_, wasAdmitted := a.admitted[peer]
	delete(a.admitted, peer)
	a.mu.Unlock()

	if req != nil {
		req.pair.Cancel()
		a.log.Debug("Joining peer left", "peer", peer)
	}
	if wasAdmitted {
		a.log.Info("Player left", "peer", peer)
		a.PlayerLeft.Publish(peer)
	}
}

// Expire rejects joins pending longer than the checkpoint timeout.
// It is a no-op when no timeout is configured.
func (a *Authenticator) Expire(now time.Time) {
	if a.timeout <= 0 {
		return
	}

	a.mu.Lock()
	var expired []*request
	for _, req := range a.pending {
		if now.Sub(req.started) >= a.timeout {
			expired = append(expired, req)
		}
	}
	a.mu.Unlock()

	slices.SortFunc(expired, func(x, y *request) int {
		return cmp.Compare(x.peer, y.peer)
	})
	for _, req := range expired {
		a.kick(req, ReasonTimeout, "")
	}
}

// Pending returns the peers whose joins are undecided, in ascending order.
func (a *Authenticator) Pending() []mtransport.PeerID {
	a.mu.Lock()
	out := make([]mtransport.PeerID, 0, len(a.pending))
	for p := range a.pending {
		out = append(out, p)
	}
	a.mu.Unlock()

	slices.Sort(out)
	return out
}

// IsAdmitted reports whether peer has joined and not left.
func (a *Authenticator) IsAdmitted(peer mtransport.PeerID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.admitted[peer]
	return ok
}

// Reset abandons every pending join and forgets admitted peers,
// without publishing anything.
func (a *Authenticator) Reset() {
	a.mu.Lock()
	reqs := make([]*request, 0, len(a.pending))
	for _, req := range a.pending {
		reqs = append(reqs, req)
	}
	clear(a.pending)
	clear(a.admitted)
	a.mu.Unlock()

	for _, req := range reqs {
		req.pair.Cancel()
	}
}
