// Package mquictest contains helpers for tests of QUIC transports:
// an in-memory certificate authority and sets of connected transports.
package mquictest

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// CA is a test certificate authority with ed25519 keys.
type CA struct {
	Cert *x509.Certificate

	priv ed25519.PrivateKey

	mu         sync.Mutex
	prevSerial int64
}

// NewCA generates a CA valid for the given duration.
// A zero duration means one hour.
func NewCA(validFor time.Duration) (*CA, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	if validFor == 0 {
		validFor = time.Hour
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),

		Subject: pkix.Name{
			Organization: []string{"modnet test CA"},
			CommonName:   "modnet test CA root",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			// The CA needs every extended key usage that the leaf certificate will have.
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(nil, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return &CA{Cert: cert, priv: priv, prevSerial: 1}, nil
}

// Leaf is a certificate issued by a [CA].
type Leaf struct {
	Cert *x509.Certificate
	Priv ed25519.PrivateKey
}

// TLSCertificate returns the leaf in the form a [tls.Config] takes,
// with Leaf populated.
func (l Leaf) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{l.Cert.Raw},
		PrivateKey:  l.Priv,
		Leaf:        l.Cert,
	}
}

// NewLeaf issues a certificate for a peer.
// It is valid for localhost and 127.0.0.1, for both client and server auth.
func (ca *CA) NewLeaf() (Leaf, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Leaf{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	ca.mu.Lock()
	ca.prevSerial++
	serial := ca.prevSerial
	ca.mu.Unlock()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"modnet test peer"},
			CommonName:   "localhost",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  ca.Cert.NotAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		DNSNames: []string{"localhost"},

		// Without this, you would get an error like:
		// x509: cannot validate certificate for 127.0.0.1 because it doesn't contain any IP SANs.
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},

		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(nil, template, ca.Cert, pub, ca.priv)
	if err != nil {
		return Leaf{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Leaf{}, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return Leaf{Cert: cert, Priv: priv}, nil
}
