package mquic

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"

	"github.com/gordian-engine/modnet/mtransport"
	"github.com/quic-go/quic-go"
)

// PeerIDFromCert derives the peer ID of the holder of cert.
// It is the first 8 bytes, big-endian, of the SHA-256 of the certificate's public key info,
// so a peer keeps its ID across certificate renewals with the same key.
func PeerIDFromCert(cert *x509.Certificate) mtransport.PeerID {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return mtransport.PeerID(binary.BigEndian.Uint64(sum[:8]))
}

// remotePeerID returns the peer ID of the remote end of an authenticated connection.
func remotePeerID(qc *quic.Conn) (mtransport.PeerID, error) {
	certs := qc.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return 0, errors.New("remote presented no certificate")
	}
	return PeerIDFromCert(certs[0]), nil
}
