package mdisc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gordian-engine/modnet/mtransport"
)

// Handshake is the first message each side sends on a new discovery connection:
// the highest understood protocol version, 1.0, as little-endian major and minor.
// It carries no opcode.
var Handshake = [4]byte{0x01, 0x00, 0x00, 0x00}

// Op is a discovery command opcode.
type Op uint8

const (
	OpDiscover Op = 0
	OpRequire  Op = 1
	OpPort     Op = 2
)

func (o Op) String() string {
	switch o {
	case OpDiscover:
		return "DISCOVER"
	case OpRequire:
		return "REQUIRE"
	case OpPort:
		return "PORT"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Packet is a decoded discovery message.
type Packet struct {
	Op       Op
	Response bool

	// Extension IDs, for DISCOVER and REQUIRE responses.
	IDs []string

	// Channel key, for PORT.
	Ext   string
	Index uint16

	// Remote port, for PORT responses.
	Port mtransport.Port
}

// EncodeDiscoverRequest asks the peer for its enabled extensions.
func EncodeDiscoverRequest() []byte {
	return []byte{byte(OpDiscover)}
}

// EncodeDiscoverResponse answers a DISCOVER request.
func EncodeDiscoverResponse(ids []string) []byte {
	return appendIDs([]byte{byte(OpDiscover)}, ids)
}

// EncodeRequireRequest asks the peer which extensions it requires of us.
func EncodeRequireRequest() []byte {
	return []byte{byte(OpRequire)}
}

// EncodeRequireResponse answers a REQUIRE request.
func EncodeRequireResponse(ids []string) []byte {
	return appendIDs([]byte{byte(OpRequire)}, ids)
}

// EncodePortRequest asks the peer which port a channel is bound to.
func EncodePortRequest(ext string, index uint16) []byte {
	b := make([]byte, 0, 1+binary.MaxVarintLen32+len(ext)+2)
	b = append(b, byte(OpPort))
	b = appendString(b, ext)
	return binary.LittleEndian.AppendUint16(b, index)
}

// EncodePortResponse answers a PORT request.
// The request fields are echoed so the asker can match the answer.
func EncodePortResponse(ext string, index uint16, port mtransport.Port) []byte {
	b := EncodePortRequest(ext, index)
	return binary.LittleEndian.AppendUint16(b, uint16(port))
}

func appendIDs(b []byte, ids []string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ids)))
	for _, id := range ids {
		b = appendString(b, id)
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// Decode parses a discovery message.
//
// DISCOVER and REQUIRE messages consisting of only the opcode are requests;
// anything longer is a response.
// A PORT message ending right after the channel key is a request;
// one carrying a port after the key is a response.
// Bytes after a complete message are ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, DecodeError{Reason: "empty message"}
	}

	p := Packet{Op: Op(b[0])}
	r := reader{b: b[1:]}

	switch p.Op {
	case OpDiscover, OpRequire:
		if len(b) == 1 {
			return p, nil
		}
		p.Response = true

		n, ok := r.uint32()
		if !ok {
			return Packet{}, DecodeError{Op: p.Op, Reason: "short count"}
		}
		// Each ID takes at least its length byte.
		if uint64(n) > uint64(r.remaining()) {
			return Packet{}, DecodeError{Op: p.Op, Reason: fmt.Sprintf("count %d exceeds payload", n)}
		}
		p.IDs = make([]string, n)
		for i := range p.IDs {
			s, err := r.string()
			if err != nil {
				return Packet{}, DecodeError{Op: p.Op, Reason: fmt.Sprintf("id %d: %v", i, err)}
			}
			p.IDs[i] = s
		}

	case OpPort:
		ext, err := r.string()
		if err != nil {
			return Packet{}, DecodeError{Op: p.Op, Reason: "extension: " + err.Error()}
		}
		p.Ext = ext

		idx, ok := r.uint16()
		if !ok {
			return Packet{}, DecodeError{Op: p.Op, Reason: "short channel index"}
		}
		p.Index = idx

		if r.remaining() == 0 {
			return p, nil
		}
		p.Response = true

		port, ok := r.uint16()
		if !ok {
			return Packet{}, DecodeError{Op: p.Op, Reason: "short port"}
		}
		p.Port = mtransport.Port(port)

	default:
		return Packet{}, DecodeError{Op: p.Op, Reason: "unknown opcode"}
	}

	return p, nil
}

type reader struct {
	b []byte
}

func (r *reader) remaining() int { return len(r.b) }

func (r *reader) uint16() (uint16, bool) {
	if len(r.b) < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v, true
}

func (r *reader) uint32() (uint32, bool) {
	if len(r.b) < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, true
}

var errBadLength = errors.New("bad length prefix")

// string reads a uvarint length-prefixed UTF-8 string.
func (r *reader) string() (string, error) {
	n, sz := binary.Uvarint(r.b)
	if sz <= 0 {
		return "", errBadLength
	}
	r.b = r.b[sz:]
	if n > uint64(len(r.b)) {
		return "", fmt.Errorf("length %d exceeds payload", n)
	}
	s := r.b[:n]
	r.b = r.b[n:]
	if !utf8.Valid(s) {
		return "", errors.New("invalid UTF-8")
	}
	return string(s), nil
}
