package mquic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordian-engine/modnet/mtransport"
	"github.com/quic-go/quic-go"
)

// Each virtual connection is one bidirectional QUIC stream.
// The dialer opens it with a header naming the port,
// and the acceptor answers with a single acceptByte
// or resets the stream with the close code.
// Afterward both directions carry uvarint length-prefixed messages.
//
// Unreliable messages are QUIC datagrams prefixed with the uvarint stream ID.
const (
	headerVersion byte = 1
	headerSize         = 3

	acceptByte byte = 0xAC
)

func encodeHeader(p mtransport.Port) []byte {
	return []byte{headerVersion, byte(p), byte(p >> 8)}
}

func decodeHeader(b []byte) (mtransport.Port, error) {
	if len(b) != headerSize {
		return 0, fmt.Errorf("header must be %d bytes (got %d)", headerSize, len(b))
	}
	if b[0] != headerVersion {
		return 0, fmt.Errorf("unsupported header version %d", b[0])
	}
	p := mtransport.Port(b[1]) | mtransport.Port(b[2])<<8
	if p == 0 {
		return 0, errors.New("header names port zero")
	}
	return p, nil
}

func encodeFrame(data []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(data))
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, data...)
}

// readFrame reads one message, refusing any longer than limit.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(limit) {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", n, limit)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeDatagram(id quic.StreamID, data []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(data))
	out = binary.AppendUvarint(out, uint64(id))
	return append(out, data...)
}

func decodeDatagram(b []byte) (quic.StreamID, []byte, error) {
	id, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.New("malformed datagram stream ID")
	}
	return quic.StreamID(id), b[n:], nil
}

// closeCode extracts the close code a remote sent by resetting the stream,
// or returns CodeProblemDetected for any other failure.
func closeCode(err error) mtransport.CloseCode {
	var se *quic.StreamError
	if errors.As(err, &se) && se.Remote && se.ErrorCode <= 0xFFFF {
		return mtransport.CloseCode(se.ErrorCode)
	}

	var ae *quic.ApplicationError
	if errors.As(err, &ae) && ae.Remote && ae.ErrorCode != 0 && ae.ErrorCode <= 0xFFFF {
		return mtransport.CloseCode(ae.ErrorCode)
	}

	return mtransport.CodeProblemDetected
}
