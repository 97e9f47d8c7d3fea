// Package mcapture records channel activity to a text stream
// for offline debugging of extension traffic.
//
// Each record is one line:
//
//	[2006-01-02T15:04:05Z]: OPEN radar:0 port=3
//	[2006-01-02T15:04:05Z]: CONNECTING 00000000000000AB (radar:0)
//	[2006-01-02T15:04:05Z]: CONNECT 00000000000000AB (radar:0)
//	[2006-01-02T15:04:05Z]: < 00000000000000AB (radar:0) 68 65 6C 6C 6F
//
// where '<' marks outbound and '>' inbound packets.
// Output may optionally be wrapped in a snappy framed stream.
package mcapture

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gordian-engine/modnet/mtransport"
)

// CaptureAll in a filter captures every extension.
const CaptureAll = "all"

// Config controls a [Writer].
type Config struct {
	// Extension IDs to capture.
	// Empty captures nothing; a list containing [CaptureAll] captures everything.
	Filter []string

	// Compress wraps the output in a snappy framed stream.
	Compress bool

	// Now returns the timestamp for records.
	// Defaults to time.Now.
	Now func() time.Time
}

// ParseFilter splits a semicolon-separated filter,
// trimming and lowercasing the special values "none" and "all".
func ParseFilter(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		switch strings.ToLower(part) {
		case "", "none":
			continue
		case CaptureAll:
			out = append(out, CaptureAll)
		default:
			out = append(out, part)
		}
	}
	return out
}

// Writer writes capture records.
// A nil *Writer is valid and discards everything,
// so callers need not check whether capture is configured.
type Writer struct {
	mu sync.Mutex

	bw *bufio.Writer
	sw *snappy.Writer

	all    bool
	filter map[string]struct{}

	now func() time.Time
}

// New returns a Writer writing to w.
// It returns nil if the filter selects nothing.
func New(w io.Writer, cfg Config) *Writer {
	if len(cfg.Filter) == 0 {
		return nil
	}

	cw := &Writer{
		all:    slices.Contains(cfg.Filter, CaptureAll),
		filter: make(map[string]struct{}, len(cfg.Filter)),
		now:    cfg.Now,
	}
	if cw.now == nil {
		cw.now = time.Now
	}
	for _, f := range cfg.Filter {
		cw.filter[f] = struct{}{}
	}

	if cfg.Compress {
		cw.sw = snappy.NewBufferedWriter(w)
		w = cw.sw
	}
	cw.bw = bufio.NewWriter(w)

	return cw
}

// Enabled reports whether records for the extension are kept.
func (w *Writer) Enabled(ext string) bool {
	if w == nil {
		return false
	}
	if w.all {
		return true
	}
	_, ok := w.filter[ext]
	return ok
}

// ChannelStatus records a channel being opened or closed.
func (w *Writer) ChannelStatus(ext string, index uint16, port mtransport.Port, closed bool) {
	if !w.Enabled(ext) {
		return
	}
	verb := "OPEN"
	if closed {
		verb = "CLOSE"
	}
	w.record("%s %s:%d port=%d", verb, ext, index, port)
}

// Connecting records an outbound connection attempt starting, or failing.
func (w *Writer) Connecting(ext string, index uint16, peer mtransport.PeerID, failed bool) {
	if !w.Enabled(ext) {
		return
	}
	verb := "CONNECTING"
	if failed {
		verb = "CONNECTING FAILED"
	}
	w.record("%s %s (%s:%d)", verb, peer, ext, index)
}

// ConnectStatus records a connection being established or torn down.
func (w *Writer) ConnectStatus(ext string, index uint16, peer mtransport.PeerID, disconnected bool) {
	if !w.Enabled(ext) {
		return
	}
	verb := "CONNECT"
	if disconnected {
		verb = "DISCONNECT"
	}
	w.record("%s %s (%s:%d)", verb, peer, ext, index)
}

// Packet records a message payload.
func (w *Writer) Packet(ext string, index uint16, peer mtransport.PeerID, data []byte, outbound bool) {
	if !w.Enabled(ext) {
		return
	}
	dir := ">"
	if outbound {
		dir = "<"
	}
	w.record("%s %s (%s:%d) % X", dir, peer, ext, index, data)
}

func (w *Writer) record(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.now().UTC().Format(time.RFC3339)
	fmt.Fprintf(w.bw, "[%s]: ", ts)
	fmt.Fprintf(w.bw, format, args...)
	w.bw.WriteByte('\n')

	// Flush per record so a crash still leaves a usable capture.
	w.bw.Flush()
	if w.sw != nil {
		w.sw.Flush()
	}
}

// Close flushes buffered output.
// It does not close the underlying writer.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush capture: %w", err)
	}
	if w.sw != nil {
		if err := w.sw.Close(); err != nil {
			return fmt.Errorf("failed to close snappy stream: %w", err)
		}
	}
	return nil
}
