// Package mbarrier contains a two-of-two completion barrier.
package mbarrier

import "sync/atomic"

const (
	doneA uint32 = 1 << iota
	doneB
	canceled

	doneBoth = doneA | doneB
)

// Pair joins two independent completions, A and B.
// Whichever side completes second runs the downstream function,
// so it runs exactly once no matter the order or the goroutines involved.
//
// The zero value is not usable; use [NewPair].
type Pair struct {
	state atomic.Uint32
	fn    func()
}

// NewPair returns a Pair that calls fn once both sides complete.
func NewPair(fn func()) *Pair {
	if fn == nil {
		panic("BUG: NewPair requires a non-nil function")
	}
	return &Pair{fn: fn}
}

// DoneA marks side A complete.
// It reports whether this call ran the downstream function.
// Calls after the first are no-ops.
func (p *Pair) DoneA() bool { return p.done(doneA) }

// DoneB marks side B complete.
// It reports whether this call ran the downstream function.
// Calls after the first are no-ops.
func (p *Pair) DoneB() bool { return p.done(doneB) }

func (p *Pair) done(bit uint32) bool {
	old := p.state.Or(bit)
	if old&(bit|canceled) != 0 {
		return false
	}
	if (old|bit)&doneBoth != doneBoth {
		return false
	}

	p.fn()
	return true
}

// Cancel prevents the downstream function from running, unless it already has.
// It reports whether the function had already been triggered.
func (p *Pair) Cancel() (fired bool) {
	old := p.state.Or(canceled)
	return old&doneBoth == doneBoth && old&canceled == 0
}

// Fired reports whether the downstream function has been triggered.
func (p *Pair) Fired() bool {
	s := p.state.Load()
	return s&doneBoth == doneBoth && s&canceled == 0
}
