package mquictest

import (
	"testing"
	"time"

	"github.com/gordian-engine/modnet/mtransport"
)

// EventDelay bounds how long [NextEvent] waits.
// It is longer than the in-memory helpers' delays to allow for QUIC handshakes.
const EventDelay = 5 * time.Second

// NextEvent polls tr until one event is available and returns it,
// failing the test if none arrives within [EventDelay].
func NextEvent(t testing.TB, tr mtransport.Transport) mtransport.Event {
	t.Helper()

	var buf [1]mtransport.Event
	deadline := time.Now().Add(EventDelay)
	for time.Now().Before(deadline) {
		if tr.Poll(buf[:]) == 1 {
			return buf[0]
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("no transport event within %s", EventDelay)
	panic("unreachable")
}

// NoEvent asserts that tr raises no event during d.
func NoEvent(t testing.TB, tr mtransport.Transport, d time.Duration) {
	t.Helper()

	var buf [1]mtransport.Event
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if tr.Poll(buf[:]) == 1 {
			t.Fatalf("expected no event, got %s for handle %d", buf[0].Kind, buf[0].Handle)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
