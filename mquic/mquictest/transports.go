package mquictest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/gordian-engine/modnet/internal/mtest"
	"github.com/gordian-engine/modnet/mquic"
	"github.com/stretchr/testify/require"
)

// NewTransports returns n QUIC transports on loopback UDP,
// trusting one shared CA and knowing each other's addresses.
//
// If any error occurs, t.Fatal is called.
// t.Cleanup closes the transports and their UDP sockets.
func NewTransports(t *testing.T, ctx context.Context, n int) []*mquic.Transport {
	t.Helper()

	log := mtest.NewLogger(t)

	ca, err := NewCA(0)
	require.NoError(t, err)

	out := make([]*mquic.Transport, n)
	for i := range out {
		uc, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: 0,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := uc.Close(); err != nil {
				t.Logf("Error closing UDP listener: %v", err)
			}
		})

		leaf, err := ca.NewLeaf()
		require.NoError(t, err)

		tr, err := mquic.NewTransport(ctx, log.With("transport", i), mquic.Config{
			UDPConn: uc,
			QUIC:    mquic.DefaultQUICConfig(),
			TLS: &tls.Config{
				Certificates: []tls.Certificate{leaf.TLSCertificate()},
			},
			TrustedCAs: []*x509.Certificate{ca.Cert},
		})
		require.NoError(t, err)

		// Registered after the UDP cleanup, so it runs first.
		t.Cleanup(func() { _ = tr.Shutdown() })

		out[i] = tr
	}

	for _, a := range out {
		for _, b := range out {
			if a != b {
				a.AddPeer(b.LocalPeer(), b.Addr())
			}
		}
	}

	return out
}
