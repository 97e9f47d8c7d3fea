package mquic

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "modnet/1"

const (
	// DefaultInboundRate is the default sustained rate
	// of inbound virtual connection requests accepted from one peer.
	DefaultInboundRate rate.Limit = 32

	// DefaultInboundBurst is the default burst of inbound
	// virtual connection requests accepted from one peer.
	DefaultInboundBurst = 64

	// DefaultSendQueue is the default number of reliable messages
	// buffered per virtual connection.
	DefaultSendQueue = 256

	// DefaultMaxMessageSize is the default largest message accepted from a peer.
	DefaultMaxMessageSize = 1 << 20
)

// Config is the configuration for a [Transport].
type Config struct {
	UDPConn *net.UDPConn
	QUIC    *quic.Config

	// The base TLS configuration.
	// The transport clones it and sets the trust pools, ALPN and client auth.
	TLS *tls.Config

	// CAs trusted to sign peer certificates, for both directions.
	TrustedCAs []*x509.Certificate

	// If set, the server name used to verify every dialed peer.
	// Otherwise the host part of the peer's address is used.
	ServerName string

	// Inbound virtual connection requests from one peer
	// beyond this rate are refused.
	// Zero values use DefaultInboundRate and DefaultInboundBurst.
	InboundRate  rate.Limit
	InboundBurst int

	// Reliable messages buffered per connection before Send fails.
	// If zero, DefaultSendQueue is used.
	SendQueue int

	// Largest message accepted from a peer; larger frames drop the connection.
	// If zero, DefaultMaxMessageSize is used.
	MaxMessageSize int
}

// validate panics if there are any illegal settings in the configuration.
// It also warns about any suspect settings.
func (c Config) validate(log *slog.Logger) {
	var panicErrs error

	if c.UDPConn == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.UDPConn may not be nil"),
		)
	}

	if c.QUIC == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.QUIC may not be nil; use DefaultQUICConfig"),
		)
	} else if !c.QUIC.EnableDatagrams {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("QUIC datagrams must be enabled; set Config.QUIC.EnableDatagrams=true"),
		)
	}

	if len(c.TrustedCAs) == 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.TrustedCAs must not be empty"),
		)
	}

	if c.InboundRate < 0 || c.InboundBurst < 0 || c.SendQueue < 0 || c.MaxMessageSize < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config limits must not be negative"),
		)
	}

	if c.TLS == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.TLS may not be nil"),
		)
	} else if len(c.TLS.Certificates) != 1 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("Config.TLS must have exactly one certificate (got %d)", len(c.TLS.Certificates)),
		)
	} else {
		cert := c.TLS.Certificates[0]
		if cert.Leaf == nil {
			panicErrs = errors.Join(
				panicErrs,
				errors.New("BUG: TLS.Certificates[0].Leaf must be set (use x509.ParseCertificate if needed)"),
			)
		} else {
			now := time.Now()
			if cert.Leaf.NotBefore.After(now) {
				log.Error(
					"Certificate's not before field is in the future",
					"not_before", cert.Leaf.NotBefore,
				)
			}
			if cert.Leaf.NotAfter.Before(now) {
				log.Error(
					"Certificate's not after field is in the past",
					"not_after", cert.Leaf.NotAfter,
				)
			}

			if !slices.Contains(cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth) {
				log.Error(
					"Certificate is missing server authentication extended key usage; peers will reject TLS handshake",
				)
			}
			if !slices.Contains(cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth) {
				log.Error(
					"Certificate is missing client authentication extended key usage; peers will reject TLS handshake",
				)
			}
		}
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// baseTLSConfig returns a clone of c.TLS requiring mutual authentication
// against exactly the trusted CAs.
func (c Config) baseTLSConfig(log *slog.Logger) *tls.Config {
	conf := c.TLS.Clone()

	if conf.RootCAs != nil || conf.ClientCAs != nil {
		log.Warn("Transport's TLS configuration had CA pools set; only Config.TrustedCAs are used")
	}

	pool := x509.NewCertPool()
	for _, ca := range c.TrustedCAs {
		pool.AddCert(ca)
	}
	conf.RootCAs = pool
	conf.ClientCAs = pool
	conf.ClientAuth = tls.RequireAndVerifyClientCert
	conf.NextProtos = []string{ALPN}

	return conf
}

// DefaultQUICConfig is the default QUIC configuration for a [Config].
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// Defaults to 5 otherwise, which is far higher latency than a game session wants.
		HandshakeIdleTimeout: 2 * time.Second,

		// Peers can sit idle between missions.
		KeepAlivePeriod: 10 * time.Second,

		InitialStreamReceiveWindow: 32 * 1024,
		MaxStreamReceiveWindow:     1024 * 1024,

		InitialConnectionReceiveWindow: 4 * 32 * 1024,
		MaxConnectionReceiveWindow:     8 * 1024 * 1024,

		// Every virtual connection is one bidirectional stream.
		MaxIncomingStreams:    1024,
		MaxIncomingUniStreams: -1,

		// Unreliable sends.
		EnableDatagrams: true,
	}
}
