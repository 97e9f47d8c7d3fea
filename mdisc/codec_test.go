package mdisc_test

import (
	"testing"

	"github.com/gordian-engine/modnet/mdisc"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, mdisc.Handshake[:])
}

func TestEncode_wireFormat(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{0}, mdisc.EncodeDiscoverRequest())
	require.Equal(t, []byte{1}, mdisc.EncodeRequireRequest())

	require.Equal(t,
		[]byte{0, 2, 0, 0, 0, 1, 'A', 1, 'B'},
		mdisc.EncodeDiscoverResponse([]string{"A", "B"}),
	)
	require.Equal(t,
		[]byte{1, 0, 0, 0, 0},
		mdisc.EncodeRequireResponse(nil),
	)
	require.Equal(t,
		[]byte{2, 2, 'a', 'b', 3, 0},
		mdisc.EncodePortRequest("ab", 3),
	)
	require.Equal(t,
		[]byte{2, 2, 'a', 'b', 3, 0, 0x34, 0x12},
		mdisc.EncodePortResponse("ab", 3, 0x1234),
	)
}

func TestEncode_longStringPrefix(t *testing.T) {
	t.Parallel()

	id := string(make([]byte, 200))
	b := mdisc.EncodePortRequest(id, 0)

	// 200 needs two 7-bit groups: 0xC8 0x01.
	require.Equal(t, []byte{2, 0xC8, 0x01}, b[:3])
	require.Len(t, b, 1+2+200+2)

	p, err := mdisc.Decode(b)
	require.NoError(t, err)
	require.Equal(t, id, p.Ext)
	require.False(t, p.Response)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		in   []byte
		want mdisc.Packet
	}{
		{
			name: "discover request",
			in:   []byte{0},
			want: mdisc.Packet{Op: mdisc.OpDiscover},
		},
		{
			name: "discover response",
			in:   mdisc.EncodeDiscoverResponse([]string{"A", "B"}),
			want: mdisc.Packet{Op: mdisc.OpDiscover, Response: true, IDs: []string{"A", "B"}},
		},
		{
			name: "empty require response",
			in:   mdisc.EncodeRequireResponse(nil),
			want: mdisc.Packet{Op: mdisc.OpRequire, Response: true, IDs: []string{}},
		},
		{
			name: "port request",
			in:   mdisc.EncodePortRequest("radar", 7),
			want: mdisc.Packet{Op: mdisc.OpPort, Ext: "radar", Index: 7},
		},
		{
			name: "port response",
			in:   mdisc.EncodePortResponse("radar", 7, 4),
			want: mdisc.Packet{Op: mdisc.OpPort, Response: true, Ext: "radar", Index: 7, Port: 4},
		},
		{
			name: "trailing bytes ignored",
			in:   append(mdisc.EncodePortResponse("x", 1, 2), 0xFF),
			want: mdisc.Packet{Op: mdisc.OpPort, Response: true, Ext: "x", Index: 1, Port: 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := mdisc.Decode(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecode_malformed(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		in   []byte
		op   mdisc.Op
	}{
		{name: "empty", in: nil},
		{name: "short count", in: []byte{0, 1, 0}, op: mdisc.OpDiscover},
		{name: "count exceeds payload", in: []byte{1, 0xFF, 0xFF, 0xFF, 0xFF, 1, 'a'}, op: mdisc.OpRequire},
		{name: "truncated id", in: []byte{0, 1, 0, 0, 0, 5, 'a', 'b'}, op: mdisc.OpDiscover},
		{name: "invalid utf8", in: []byte{0, 1, 0, 0, 0, 1, 0xFF}, op: mdisc.OpDiscover},
		{name: "port missing key", in: []byte{2}, op: mdisc.OpPort},
		{name: "port short index", in: []byte{2, 1, 'a', 3}, op: mdisc.OpPort},
		{name: "port short port", in: []byte{2, 1, 'a', 3, 0, 9}, op: mdisc.OpPort},
		{name: "unknown opcode", in: []byte{9}, op: 9},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := mdisc.Decode(tc.in)
			var de mdisc.DecodeError
			require.ErrorAs(t, err, &de)
			require.Equal(t, tc.op, de.Op)
		})
	}
}

func TestPacket_portZeroIsUnresolved(t *testing.T) {
	t.Parallel()

	p, err := mdisc.Decode(mdisc.EncodePortResponse("gone", 0, 0))
	require.NoError(t, err)
	require.True(t, p.Response)
	require.Equal(t, mtransport.Port(0), p.Port)
}
