// Package mport owns the pool of virtual port numbers
// handed to channels.
package mport

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/modnet/mtransport"
)

// ErrExhausted is returned when every 16-bit port is held.
var ErrExhausted = errors.New("no free virtual ports")

// Allocator hands out the lowest free port.
// Port zero is permanently held: it signals "unresolved" on the wire.
//
// Allocator is safe for concurrent use;
// allocate and release are linearized by a single mutex.
type Allocator struct {
	mu   sync.Mutex
	held *bitset.BitSet
}

// NewAllocator returns an allocator with only port zero held.
func NewAllocator() *Allocator {
	held := bitset.New(64)
	held.Set(0)
	return &Allocator{held: held}
}

// Allocate reserves and returns the lowest port not currently held.
func (a *Allocator) Allocate() (mtransport.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.held.NextClear(0)
	if !ok {
		// NextClear only reports false when every allocated word is full;
		// the first index past the current length is free.
		i = a.held.Len()
	}
	if i > math.MaxUint16 {
		return 0, ErrExhausted
	}

	a.held.Set(i)
	return mtransport.Port(i), nil
}

// Release returns p to the pool.
// Releasing a port that is not held is a bug and panics,
// which catches double release.
func (a *Allocator) Release(p mtransport.Port) {
	if p == 0 {
		panic(errors.New("BUG: attempted to release reserved port 0"))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.held.Test(uint(p)) {
		panic(fmt.Errorf("BUG: released port %d which was not held", p))
	}
	a.held.Clear(uint(p))
}

// Held reports whether p is currently allocated.
func (a *Allocator) Held(p mtransport.Port) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held.Test(uint(p))
}

// Count returns the number of allocated ports, excluding port zero.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.held.Count()) - 1
}
