package mquic_test

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/gordian-engine/modnet/internal/mtest"
	"github.com/gordian-engine/modnet/mquic"
	"github.com/gordian-engine/modnet/mquic/mquictest"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/stretchr/testify/require"
)

// establish connects a to port p on b and returns both handles.
func establish(
	t *testing.T, a, b *mquic.Transport, p mtransport.Port,
) (mtransport.Handle, mtransport.Handle) {
	t.Helper()

	ha, err := a.Connect(b.LocalPeer(), p)
	require.NoError(t, err)

	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.ConnectionRequested, e.Kind)
	require.Equal(t, a.LocalPeer(), e.Peer)
	require.Equal(t, p, e.Port)
	hb := e.Handle

	require.NoError(t, b.Accept(hb))

	e = mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.Connected, e.Kind)
	require.Equal(t, hb, e.Handle)

	e = mquictest.NextEvent(t, a)
	require.Equal(t, mtransport.Connected, e.Kind)
	require.Equal(t, ha, e.Handle)
	require.Equal(t, b.LocalPeer(), e.Peer)

	return ha, hb
}

func TestTransport_connectAcceptSend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]
	require.NotEqual(t, a.LocalPeer(), b.LocalPeer())

	require.NoError(t, b.Listen(7))
	ha, hb := establish(t, a, b, 7)

	payload := mtest.RandomPayload(t, 4096)
	require.NoError(t, a.Send(ha, payload, mtransport.SendReliable))

	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.MessageReceived, e.Kind)
	require.Equal(t, hb, e.Handle)
	require.Equal(t, payload, e.Data)

	require.NoError(t, b.Send(hb, []byte("pong"), mtransport.SendReliable))
	e = mquictest.NextEvent(t, a)
	require.Equal(t, mtransport.MessageReceived, e.Kind)
	require.Equal(t, "pong", string(e.Data))

	st, ok := a.Stats(ha)
	require.True(t, ok)
	require.Equal(t, uint64(1), st.MessagesSent)
	require.Equal(t, uint64(4096), st.BytesSent)
	require.Equal(t, uint64(1), st.MessagesReceived)
	require.Equal(t, uint64(4), st.BytesReceived)
}

func TestTransport_messagesInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, b.Listen(3))
	ha, _ := establish(t, a, b, 3)

	for i := range 20 {
		require.NoError(t, a.Send(ha, []byte{byte(i)}, mtransport.SendReliable))
	}
	for i := range 20 {
		e := mquictest.NextEvent(t, b)
		require.Equal(t, mtransport.MessageReceived, e.Kind)
		require.Equal(t, []byte{byte(i)}, e.Data)
	}
}

func TestTransport_unreliable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, b.Listen(2))
	ha, hb := establish(t, a, b, 2)

	require.NoError(t, a.Send(ha, []byte("fast"), mtransport.SendUnreliable))
	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.MessageReceived, e.Kind)
	require.Equal(t, hb, e.Handle)
	require.Equal(t, "fast", string(e.Data))

	// Too large for a datagram, so it falls back to the stream.
	big := mtest.RandomPayload(t, 8*1024)
	require.NoError(t, a.Send(ha, big, mtransport.SendUnreliable))
	e = mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.MessageReceived, e.Kind)
	require.Equal(t, big, e.Data)
}

func TestTransport_refuse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, b.Listen(5))
	ha, err := a.Connect(b.LocalPeer(), 5)
	require.NoError(t, err)

	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.ConnectionRequested, e.Kind)

	// Sending before accepting is not allowed.
	require.ErrorIs(t, b.Send(e.Handle, []byte("x"), mtransport.SendReliable), mtransport.ErrNotEstablished)

	require.NoError(t, b.Close(e.Handle, mtransport.CodeRefused, "no thanks"))

	e = mquictest.NextEvent(t, a)
	require.Equal(t, mtransport.Failed, e.Kind)
	require.Equal(t, ha, e.Handle)
	require.True(t, e.Refused())

	_, ok := a.Stats(ha)
	require.False(t, ok)

	// Closing raises nothing locally.
	mquictest.NoEvent(t, b, 50*time.Millisecond)
}

func TestTransport_connectFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	t.Run("port not listening", func(t *testing.T) {
		h, err := a.Connect(b.LocalPeer(), 9)
		require.NoError(t, err)

		e := mquictest.NextEvent(t, a)
		require.Equal(t, mtransport.Failed, e.Kind)
		require.Equal(t, h, e.Handle)
		require.Equal(t, mtransport.CodeProblemDetected, e.Code)
		require.False(t, e.Refused())
	})

	t.Run("unknown peer", func(t *testing.T) {
		h, err := a.Connect(12345, 1)
		require.NoError(t, err)

		e := mquictest.NextEvent(t, a)
		require.Equal(t, mtransport.Failed, e.Kind)
		require.Equal(t, h, e.Handle)
		require.Equal(t, mtransport.PeerID(12345), e.Peer)
		require.Equal(t, mtransport.CodeProblemDetected, e.Code)
	})
}

func TestTransport_closeEstablished(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, b.Listen(4))
	ha, hb := establish(t, a, b, 4)

	require.NoError(t, a.Close(ha, mtransport.CodeDisconnected, "done"))

	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.Disconnected, e.Kind)
	require.Equal(t, hb, e.Handle)
	require.Equal(t, mtransport.CodeDisconnected, e.Code)

	require.ErrorIs(t, a.Send(ha, []byte("x"), mtransport.SendReliable), mtransport.ErrUnknownHandle)
	require.ErrorIs(t, a.Close(ha, mtransport.CodeDisconnected, ""), mtransport.ErrUnknownHandle)
	mquictest.NoEvent(t, a, 50*time.Millisecond)

	// The QUIC connection stays up for the next virtual connection.
	establish(t, a, b, 4)
}

func TestTransport_bothDirections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, a.Listen(1))
	require.NoError(t, b.Listen(1))

	hab, _ := establish(t, a, b, 1)
	_, hab2 := establish(t, b, a, 1)

	require.NoError(t, a.Send(hab, []byte("ab"), mtransport.SendReliable))
	require.NoError(t, a.Send(hab2, []byte("ab2"), mtransport.SendReliable))

	got := map[string]bool{}
	for range 2 {
		e := mquictest.NextEvent(t, b)
		require.Equal(t, mtransport.MessageReceived, e.Kind)
		got[string(e.Data)] = true
	}
	require.Equal(t, map[string]bool{"ab": true, "ab2": true}, got)
}

func TestTransport_Listen(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mquictest.NewTransports(t, ctx, 1)[0]

	require.NoError(t, a.Listen(3))
	require.ErrorIs(t, a.Listen(3), mtransport.PortInUseError{Port: 3})
	require.NoError(t, a.Unlisten(3))
	require.NoError(t, a.Listen(3))

	require.ErrorIs(t, a.Accept(99), mtransport.ErrUnknownHandle)
	_, ok := a.Stats(99)
	require.False(t, ok)
}

func TestTransport_Shutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := mquictest.NewTransports(t, ctx, 2)
	a, b := ts[0], ts[1]

	require.NoError(t, b.Listen(2))
	_, hb := establish(t, a, b, 2)

	require.NoError(t, a.Shutdown())

	e := mquictest.NextEvent(t, b)
	require.Equal(t, mtransport.Disconnected, e.Kind)
	require.Equal(t, hb, e.Handle)

	_, err := a.Connect(b.LocalPeer(), 2)
	require.ErrorIs(t, err, mtransport.ErrClosed)
	require.ErrorIs(t, a.Listen(8), mtransport.ErrClosed)
}

func TestTransport_contextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mquictest.NewTransports(t, ctx, 1)[0]
	cancel()
	a.Wait()

	require.Eventually(t, func() bool {
		return errors.Is(a.Listen(1), mtransport.ErrClosed)
	}, mquictest.EventDelay, 5*time.Millisecond)
}

func TestPeerIDFromCert(t *testing.T) {
	t.Parallel()

	ca, err := mquictest.NewCA(0)
	require.NoError(t, err)

	l1, err := ca.NewLeaf()
	require.NoError(t, err)
	l2, err := ca.NewLeaf()
	require.NoError(t, err)

	require.Equal(t, mquic.PeerIDFromCert(l1.Cert), mquic.PeerIDFromCert(l1.Cert))
	require.NotEqual(t, mquic.PeerIDFromCert(l1.Cert), mquic.PeerIDFromCert(l2.Cert))
}

func TestNewTransport_invalidConfig(t *testing.T) {
	t.Parallel()

	log := mtest.NewLogger(t)

	require.Panics(t, func() {
		_, _ = mquic.NewTransport(context.Background(), log, mquic.Config{})
	})

	ca, err := mquictest.NewCA(0)
	require.NoError(t, err)
	leaf, err := ca.NewLeaf()
	require.NoError(t, err)

	cert := leaf.TLSCertificate()
	cert.Leaf = nil
	require.Panics(t, func() {
		_, _ = mquic.NewTransport(context.Background(), log, mquic.Config{
			QUIC: mquic.DefaultQUICConfig(),
			TLS:  &tls.Config{Certificates: []tls.Certificate{cert}},
		})
	})
}
