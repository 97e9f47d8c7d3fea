// Package mtest contains helpers shared by modnet tests.
package mtest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScheduleDelay is how long [ReceiveSoon] waits
// before failing the test.
const ScheduleDelay = 2 * time.Second

// NewLogger returns a logger that writes through t.Log,
// so output is attributed to the test that produced it.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// ReceiveSoon receives a value from ch,
// failing the test if nothing arrives within [ScheduleDelay].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(ScheduleDelay):
		t.Fatalf("did not receive value within %s", ScheduleDelay)
	}

	panic("unreachable")
}
