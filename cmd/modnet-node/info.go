package main

import (
	"slices"
	"sync/atomic"

	"github.com/gordian-engine/modnet/mdisc"
	"github.com/gordian-engine/modnet/mtransport"
)

// staticInfo is a session whose participants are fixed by the manifest.
type staticInfo struct {
	local   mtransport.PeerID
	host    mtransport.PeerID
	players []mtransport.PeerID

	loaded atomic.Bool
}

var _ mdisc.SessionInfo = (*staticInfo)(nil)

func (i *staticInfo) Multiplayer() bool { return len(i.players) > 1 }

func (i *staticInfo) IsServer() bool { return i.local == i.host }

func (i *staticInfo) IsHost(p mtransport.PeerID) bool { return p == i.host }

func (i *staticInfo) IsPeer(p mtransport.PeerID) bool {
	return slices.Contains(i.players, p)
}

func (i *staticInfo) SceneReady() bool { return i.loaded.Load() }

func (i *staticInfo) Players() []mtransport.PeerID {
	return slices.Clone(i.players)
}
