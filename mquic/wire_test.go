package mquic

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/gordian-engine/modnet/mtransport"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	t.Parallel()

	p, err := decodeHeader(encodeHeader(0x1234))
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(0x1234), p)

	_, err = decodeHeader(encodeHeader(0))
	require.Error(t, err)

	_, err = decodeHeader([]byte{2, 1, 0})
	require.Error(t, err)

	_, err = decodeHeader([]byte{headerVersion, 1})
	require.Error(t, err)
}

func TestFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(encodeFrame([]byte("hello")))
	buf.Write(encodeFrame(nil))
	buf.Write(encodeFrame(bytes.Repeat([]byte{'x'}, 300)))

	r := bufio.NewReader(&buf)

	got, err := readFrame(r, 1024)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = readFrame(r, 1024)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = readFrame(r, 1024)
	require.NoError(t, err)
	require.Len(t, got, 300)

	_, err = readFrame(r, 1024)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrames_limit(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(bytes.NewReader(encodeFrame(make([]byte, 65))))
	_, err := readFrame(r, 64)
	require.ErrorContains(t, err, "exceeds limit")
}

func TestFrames_truncated(t *testing.T) {
	t.Parallel()

	b := encodeFrame([]byte("hello"))
	r := bufio.NewReader(bytes.NewReader(b[:3]))
	_, err := readFrame(r, 64)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDatagram(t *testing.T) {
	t.Parallel()

	id, data, err := decodeDatagram(encodeDatagram(400, []byte("ping")))
	require.NoError(t, err)
	require.Equal(t, quic.StreamID(400), id)
	require.Equal(t, "ping", string(data))

	_, _, err = decodeDatagram(nil)
	require.Error(t, err)
}

func TestCloseCode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		err  error
		want mtransport.CloseCode
	}{
		{
			name: "remote stream reset",
			err:  &quic.StreamError{StreamID: 4, ErrorCode: 1001, Remote: true},
			want: mtransport.CodeRefused,
		},
		{
			name: "wrapped remote stream reset",
			err:  fmt.Errorf("reading: %w", &quic.StreamError{ErrorCode: 1002, Remote: true}),
			want: mtransport.CodeDisconnected,
		},
		{
			name: "local stream reset",
			err:  &quic.StreamError{ErrorCode: 1000},
			want: mtransport.CodeProblemDetected,
		},
		{
			name: "code out of range",
			err:  &quic.StreamError{ErrorCode: 1 << 20, Remote: true},
			want: mtransport.CodeProblemDetected,
		},
		{
			name: "remote application close",
			err:  &quic.ApplicationError{ErrorCode: 1003, Remote: true},
			want: mtransport.CodeKilled,
		},
		{
			name: "plain close",
			err:  &quic.ApplicationError{Remote: true},
			want: mtransport.CodeProblemDetected,
		},
		{
			name: "eof",
			err:  io.EOF,
			want: mtransport.CodeProblemDetected,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, closeCode(tc.err))
		})
	}
}
