package mchan_test

import (
	"testing"

	"github.com/gordian-engine/modnet/internal/mtest"
	"github.com/gordian-engine/modnet/mchan"
	"github.com/gordian-engine/modnet/mmem"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/stretchr/testify/require"
)

// lookupResolver resolves remote ports by asking the remote registry directly.
type lookupResolver map[mtransport.PeerID]*mchan.Registry

func (l lookupResolver) ResolvePort(peer mtransport.PeerID, key mchan.Key, fn func(mtransport.Port)) {
	if r, ok := l[peer]; ok {
		fn(r.LookupPort(key))
		return
	}
	fn(0)
}

type fixture struct {
	Net  *mmem.Network
	Regs map[mtransport.PeerID]*mchan.Registry
	Trs  map[mtransport.PeerID]*mmem.Transport
}

func newFixture(t *testing.T, ids ...mtransport.PeerID) *fixture {
	t.Helper()

	f := &fixture{
		Net:  mmem.NewNetwork(),
		Regs: make(map[mtransport.PeerID]*mchan.Registry, len(ids)),
		Trs:  make(map[mtransport.PeerID]*mmem.Transport, len(ids)),
	}
	res := make(lookupResolver, len(ids))
	for _, id := range ids {
		tr := f.Net.NewTransport(id)
		f.Trs[id] = tr
		r := mchan.NewRegistry(mtest.NewLogger(t).With("peer", id), mchan.RegistryConfig{
			Transport: tr,
		})
		r.SetResolver(res)
		f.Regs[id] = r
		res[id] = r
	}
	return f
}

// Pump polls every registry until no events remain.
func (f *fixture) Pump(t *testing.T) {
	t.Helper()

	for range 100 {
		n := 0
		for _, r := range f.Regs {
			n += r.Poll()
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("events never settled")
}

// recorder collects everything a channel publishes.
type recorder struct {
	Messages     []mchan.Message
	Connected    []mtransport.PeerID
	Disconnected []mtransport.PeerID
	Failed       []mchan.ConnectionFailure
}

func record(ch *mchan.Channel) *recorder {
	rec := new(recorder)
	ch.Messages.Subscribe(func(m mchan.Message) { rec.Messages = append(rec.Messages, m) })
	ch.Connected.Subscribe(func(p mtransport.PeerID) { rec.Connected = append(rec.Connected, p) })
	ch.Disconnected.Subscribe(func(p mtransport.PeerID) { rec.Disconnected = append(rec.Disconnected, p) })
	ch.ConnectionFailed.Subscribe(func(f mchan.ConnectionFailure) { rec.Failed = append(rec.Failed, f) })
	return rec
}

func acceptAll(mtransport.PeerID) bool { return true }

func TestRegistry_Open_idempotentAndPorts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	r := f.Regs[1]

	a, err := r.Open(mchan.Key{Ext: "a", Index: 0})
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(1), a.Port())

	again, err := r.Open(mchan.Key{Ext: "a", Index: 0})
	require.NoError(t, err)
	require.Same(t, a, again)

	b, err := r.Open(mchan.Key{Ext: "b", Index: 7})
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(2), b.Port())

	c, err := r.Open(mchan.Key{Ext: "c", Index: 0})
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(3), c.Port())

	b.Close()
	require.True(t, b.Closed())
	require.Zero(t, r.LookupPort(mchan.Key{Ext: "b", Index: 7}))

	// Second close must not release the port again.
	b.Close()

	d, err := r.Open(mchan.Key{Ext: "d", Index: 0})
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(2), d.Port())

	e, err := r.Open(mchan.Key{Ext: "e", Index: 0})
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(4), e.Port())

	require.Equal(t, []mchan.Key{
		{Ext: "a", Index: 0},
		{Ext: "d", Index: 0},
		{Ext: "c", Index: 0},
		{Ext: "e", Index: 0},
	}, r.Keys())
}

func TestChannel_Send_notConnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)
	ch, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)

	require.ErrorIs(t, ch.Send(2, []byte("hello")), mchan.ErrNotConnected)
	require.ErrorIs(t, ch.SendUnreliable(2, []byte("hello")), mchan.ErrNotConnected)

	_, ok := ch.Stats(2)
	require.False(t, ok)
	require.Empty(t, ch.Peers())

	ch.Close()
	require.ErrorIs(t, ch.Send(2, []byte("hello")), mchan.ChannelClosedError{Key: ch.Key()})
}

func TestChannel_Connect_roundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	// Open an unrelated channel first on peer 2 so the ports differ.
	_, err := f.Regs[2].API("other").OpenChannel(0)
	require.NoError(t, err)

	a, err := f.Regs[1].API("ext").OpenChannel(3)
	require.NoError(t, err)
	b, err := f.Regs[2].API("ext").OpenChannel(3)
	require.NoError(t, err)
	require.NotEqual(t, a.Port(), b.Port())

	b.SetAdmissionPredicate(acceptAll)
	recA, recB := record(a), record(b)

	require.NoError(t, a.Connect(2))
	// Repeated connects while in progress are no-ops.
	require.NoError(t, a.Connect(2))
	f.Pump(t)

	require.Equal(t, []mtransport.PeerID{2}, recA.Connected)
	require.Equal(t, []mtransport.PeerID{1}, recB.Connected)
	require.True(t, a.IsConnected(2))
	require.Equal(t, []mtransport.PeerID{1}, b.Peers())

	require.NoError(t, a.Send(2, []byte("ping")))
	f.Pump(t)
	require.NoError(t, b.SendUnreliable(1, []byte("pong")))
	f.Pump(t)

	require.Equal(t, []mchan.Message{{Peer: 1, Data: []byte("ping")}}, recB.Messages)
	require.Equal(t, []mchan.Message{{Peer: 2, Data: []byte("pong")}}, recA.Messages)

	st, ok := a.Stats(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), st.MessagesSent)
	require.Equal(t, uint64(1), st.MessagesReceived)
	require.Equal(t, uint64(4), st.BytesSent)

	// Connect on an established connection is a no-op.
	require.NoError(t, a.Connect(2))
	f.Pump(t)
	require.Len(t, recA.Connected, 1)

	a.Disconnect(2)
	f.Pump(t)

	require.Empty(t, recA.Disconnected)
	require.Equal(t, []mtransport.PeerID{1}, recB.Disconnected)
	require.ErrorIs(t, b.Send(1, []byte("late")), mchan.ErrNotConnected)
	require.Empty(t, recA.Failed)
	require.Empty(t, recB.Failed)
}

func TestChannel_Connect_defaultRefuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	a, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)
	b, err := f.Regs[2].API("ext").OpenChannel(0)
	require.NoError(t, err)

	recA, recB := record(a), record(b)

	require.NoError(t, a.Connect(2))
	f.Pump(t)

	require.Equal(t, []mchan.ConnectionFailure{{Peer: 2, Refused: true}}, recA.Failed)
	require.Empty(t, recA.Connected)
	require.Empty(t, recB.Connected)

	// The failure left no state behind; the next attempt starts fresh.
	b.SetAdmissionPredicate(func(p mtransport.PeerID) bool { return p == 1 })
	require.NoError(t, a.Connect(2))
	f.Pump(t)
	require.Equal(t, []mtransport.PeerID{2}, recA.Connected)
}

func TestChannel_Connect_unresolvedPort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	a, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)
	recA := record(a)

	// Peer 2 never opened the channel.
	require.NoError(t, a.Connect(2))
	require.Equal(t, []mchan.ConnectionFailure{{Peer: 2, Refused: false}}, recA.Failed)

	// Unknown peer.
	require.NoError(t, a.Connect(99))
	require.Equal(t, mchan.ConnectionFailure{Peer: 99}, recA.Failed[1])

	f.Pump(t)
	require.Len(t, recA.Failed, 2)
}

func TestChannel_Connect_simultaneous(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	a, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)
	b, err := f.Regs[2].API("ext").OpenChannel(0)
	require.NoError(t, err)
	a.SetAdmissionPredicate(acceptAll)
	b.SetAdmissionPredicate(acceptAll)
	recA, recB := record(a), record(b)

	require.NoError(t, a.Connect(2))
	require.NoError(t, b.Connect(1))
	f.Pump(t)

	require.Equal(t, []mtransport.PeerID{2}, recA.Connected)
	require.Equal(t, []mtransport.PeerID{1}, recB.Connected)
	require.Empty(t, recA.Failed)
	require.Empty(t, recB.Failed)

	require.NoError(t, a.Send(2, []byte("x")))
	require.NoError(t, b.Send(1, []byte("y")))
	f.Pump(t)
	require.Len(t, recA.Messages, 1)
	require.Len(t, recB.Messages, 1)
}

func TestChannel_Connect_simultaneousRefusalFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	a, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)
	b, err := f.Regs[2].API("ext").OpenChannel(0)
	require.NoError(t, err)
	a.SetAdmissionPredicate(acceptAll)
	b.SetAdmissionPredicate(acceptAll)
	recA, recB := record(a), record(b)

	require.NoError(t, a.Connect(2))
	require.NoError(t, b.Connect(1))

	// Peer 1 refuses peer 2's attempt in favor of its own.
	f.Regs[1].Poll()

	var evs [8]mtransport.Event
	n := f.Trs[2].Poll(evs[:])
	require.Equal(t, 2, n)
	require.Equal(t, mtransport.ConnectionRequested, evs[0].Kind)
	require.Equal(t, mtransport.Failed, evs[1].Kind)
	require.Equal(t, mtransport.CodeSimultaneous, evs[1].Code)
	require.False(t, evs[1].Refused())

	// Deliver the refusal before the request, as a transport without cross-stream ordering may.
	f.Regs[2].HandleEvent(evs[1])
	require.Empty(t, recB.Failed)
	f.Regs[2].HandleEvent(evs[0])
	f.Pump(t)

	require.Equal(t, []mtransport.PeerID{2}, recA.Connected)
	require.Equal(t, []mtransport.PeerID{1}, recB.Connected)
	require.Empty(t, recA.Failed)
	require.Empty(t, recB.Failed)

	require.NoError(t, b.Send(1, []byte("y")))
	f.Pump(t)
	require.Equal(t, []mchan.Message{{Peer: 2, Data: []byte("y")}}, recA.Messages)
}

func TestRegistry_InboundFilter(t *testing.T) {
	t.Parallel()

	net := mmem.NewNetwork()
	ra := mchan.NewRegistry(mtest.NewLogger(t), mchan.RegistryConfig{
		Transport: net.NewTransport(1),
	})
	rb := mchan.NewRegistry(mtest.NewLogger(t), mchan.RegistryConfig{
		Transport:     net.NewTransport(2),
		InboundFilter: func(mtransport.PeerID) bool { return false },
	})
	res := lookupResolver{1: ra, 2: rb}
	ra.SetResolver(res)
	rb.SetResolver(res)

	a, err := ra.Open(mchan.Key{Ext: "ext"})
	require.NoError(t, err)
	b, err := rb.Open(mchan.Key{Ext: "ext"})
	require.NoError(t, err)

	admitted := false
	b.SetAdmissionPredicate(func(mtransport.PeerID) bool {
		admitted = true
		return true
	})
	recA := record(a)

	require.NoError(t, a.Connect(2))
	for ra.Poll()+rb.Poll() > 0 {
	}

	require.False(t, admitted, "channel predicate must not run when the session filter refuses")
	require.Equal(t, []mchan.ConnectionFailure{{Peer: 2, Refused: true}}, recA.Failed)
}

func TestRegistry_Kill(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2, 3)

	chs := make(map[mtransport.PeerID]*mchan.Channel)
	recs := make(map[mtransport.PeerID]*recorder)
	for id, r := range f.Regs {
		ch, err := r.API("ext").OpenChannel(0)
		require.NoError(t, err)
		ch.SetAdmissionPredicate(acceptAll)
		chs[id] = ch
		recs[id] = record(ch)
	}

	require.NoError(t, chs[1].Connect(2))
	require.NoError(t, chs[1].Connect(3))
	f.Pump(t)
	require.Equal(t, []mtransport.PeerID{2, 3}, chs[1].Peers())

	f.Regs[1].Kill(2)
	f.Pump(t)

	require.Equal(t, []mtransport.PeerID{2}, recs[1].Disconnected)
	require.Equal(t, []mtransport.PeerID{1}, recs[2].Disconnected)
	require.Empty(t, recs[3].Disconnected)
	require.Equal(t, []mtransport.PeerID{3}, chs[1].Peers())

	f.Regs[1].DisconnectAll()
	f.Pump(t)
	require.Equal(t, []mtransport.PeerID{2, 3}, recs[1].Disconnected)
	require.Equal(t, []mtransport.PeerID{1}, recs[3].Disconnected)
	require.Empty(t, chs[1].Peers())
}

func TestChannel_Close(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)

	a, err := f.Regs[1].API("ext").OpenChannel(0)
	require.NoError(t, err)
	b, err := f.Regs[2].API("ext").OpenChannel(0)
	require.NoError(t, err)
	b.SetAdmissionPredicate(acceptAll)
	recA, recB := record(a), record(b)

	require.NoError(t, a.Connect(2))
	f.Pump(t)
	require.Len(t, recB.Connected, 1)

	port := b.Port()
	f.Regs[2].API("ext").CloseChannel(0)
	f.Pump(t)

	require.Equal(t, []mtransport.PeerID{2}, recA.Disconnected)
	// Local close raises nothing locally.
	require.Empty(t, recB.Disconnected)
	require.ErrorIs(t, b.Connect(1), mchan.ChannelClosedError{Key: b.Key()})

	reopened, err := f.Regs[2].API("again").OpenChannel(0)
	require.NoError(t, err)
	require.Equal(t, port, reopened.Port())
}

func TestRegistry_unmappedEventsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	r := f.Regs[1]

	require.NotPanics(t, func() {
		r.HandleEvent(mtransport.Event{Kind: mtransport.MessageReceived, Handle: 42, Peer: 9, Data: []byte{1}})
		r.HandleEvent(mtransport.Event{Kind: mtransport.Connected, Handle: 42, Peer: 9})
		r.HandleEvent(mtransport.Event{Kind: mtransport.Disconnected, Handle: 42, Peer: 9})
	})
	require.Panics(t, func() {
		r.HandleEvent(mtransport.Event{})
	})
}
