// Package modnettest contains fixtures for tests
// that need several sessions talking to each other.
package modnettest

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/modnet"
	"github.com/gordian-engine/modnet/internal/mtest"
	"github.com/gordian-engine/modnet/mdisc"
	"github.com/gordian-engine/modnet/mext"
	"github.com/gordian-engine/modnet/mmem"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/stretchr/testify/require"
)

// Roster is the session membership shared by every node in a [Network].
// It is safe for concurrent use.
type Roster struct {
	mu sync.Mutex

	multiplayer bool
	host        mtransport.PeerID
	players     []mtransport.PeerID
}

// SetPlayers replaces the session participants.
func (r *Roster) SetPlayers(ps ...mtransport.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = slices.Clone(ps)
}

// SetMultiplayer sets whether a multiplayer session is active.
func (r *Roster) SetMultiplayer(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.multiplayer = on
}

// Info is one node's view of a [Roster].
type Info struct {
	r     *Roster
	local mtransport.PeerID
}

var _ mdisc.SessionInfo = Info{}

func (i Info) Multiplayer() bool {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return i.r.multiplayer
}

func (i Info) IsServer() bool {
	return i.IsHost(i.local)
}

func (i Info) IsHost(p mtransport.PeerID) bool {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return p == i.r.host
}

func (i Info) IsPeer(p mtransport.PeerID) bool {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return slices.Contains(i.r.players, p)
}

func (i Info) SceneReady() bool { return true }

func (i Info) Players() []mtransport.PeerID {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return slices.Clone(i.r.players)
}

// Gate records join outcomes.
type Gate struct {
	mu sync.Mutex

	admitted []mtransport.PeerID
	kicked   []mtransport.PeerID
}

func (g *Gate) Admit(p mtransport.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted = append(g.admitted, p)
}

func (g *Gate) Kick(p mtransport.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kicked = append(g.kicked, p)
}

// Admitted returns the admitted peers in admission order.
func (g *Gate) Admitted() []mtransport.PeerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.admitted)
}

// Kicked returns the kicked peers in kick order.
func (g *Gate) Kicked() []mtransport.PeerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.kicked)
}

// NodeConfig describes one node of a [Network].
type NodeConfig struct {
	ID mtransport.PeerID

	// Extensions loaded on the node.
	// All are enabled except those named in Disabled.
	Extensions []mext.Extension
	Disabled   []string

	CheckpointTimeout time.Duration
}

// NetworkNode contains the details for a node in a [Network].
type NetworkNode struct {
	ID        mtransport.PeerID
	Session   *modnet.Session
	Transport *mmem.Transport
	Loader    *mext.Registry
	Gate      *Gate
}

// Network contains a collection of sessions on one in-memory network,
// to simplify tests that require multiple peers.
type Network struct {
	Mem    *mmem.Network
	Roster *Roster

	Nodes []NetworkNode
}

// NewNetwork creates one session per node config,
// in a multiplayer session hosted by host with every node as a participant.
//
// If any error occurs while creating the network, t.Fatal is called.
// t.Cleanup closes every session.
func NewNetwork(t *testing.T, host mtransport.PeerID, cfgs ...NodeConfig) *Network {
	t.Helper()

	log := mtest.NewLogger(t)

	n := &Network{
		Mem:    mmem.NewNetwork(),
		Roster: &Roster{multiplayer: true, host: host},
		Nodes:  make([]NetworkNode, len(cfgs)),
	}

	ids := make([]mtransport.PeerID, len(cfgs))
	for i, c := range cfgs {
		ids[i] = c.ID
	}
	n.Roster.SetPlayers(ids...)

	for i, c := range cfgs {
		l := mext.NewRegistry()
		for _, e := range c.Extensions {
			require.NoError(t, l.Add(e, !slices.Contains(c.Disabled, e.ID)))
		}

		tr := n.Mem.NewTransport(c.ID)
		g := new(Gate)

		s, err := modnet.NewSession(log.With("node", c.ID), modnet.SessionConfig{
			Transport: tr,
			Loader:    l,
			Info:      Info{r: n.Roster, local: c.ID},
			Gate:      g,

			CheckpointTimeout: c.CheckpointTimeout,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)

		n.Nodes[i] = NetworkNode{
			ID:        c.ID,
			Session:   s,
			Transport: tr,
			Loader:    l,
			Gate:      g,
		}
	}

	return n
}

// Node returns the node with the given ID.
// It panics if there is no such node.
func (n *Network) Node(id mtransport.PeerID) *NetworkNode {
	for i := range n.Nodes {
		if n.Nodes[i].ID == id {
			return &n.Nodes[i]
		}
	}
	panic("no node with ID " + id.String())
}

// Pump ticks every session until no transport events remain.
func (n *Network) Pump(t *testing.T) {
	t.Helper()

	now := time.Now()
	for range 100 {
		total := 0
		for _, nn := range n.Nodes {
			total += nn.Session.Tick(now)
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("events never settled")
}

// Join runs the join of client into the session:
// the client loads the mission and the host authenticates it.
// It pumps the network until everything settles.
func (n *Network) Join(t *testing.T, client mtransport.PeerID) {
	t.Helper()

	n.Node(client).Session.MissionLoaded()

	n.Roster.mu.Lock()
	host := n.Roster.host
	n.Roster.mu.Unlock()

	n.Node(host).Session.Authenticate(client)
	n.Pump(t)
}
