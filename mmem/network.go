// Package mmem is an in-memory implementation of [mtransport.Transport].
//
// All transports created from one [Network] can reach each other.
// Delivery is synchronous and lossless:
// every operation queues its resulting events immediately,
// so tests can drive sessions tick by tick without any goroutines.
package mmem

import (
	"fmt"
	"sync"

	"github.com/gordian-engine/modnet/mtransport"
)

// Network is a set of in-memory transports.
type Network struct {
	mu sync.Mutex

	nextHandle mtransport.Handle

	transports map[mtransport.PeerID]*Transport
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		transports: make(map[mtransport.PeerID]*Transport),
	}
}

// NewTransport adds a peer to the network and returns its transport.
// It panics if the peer ID is already in use.
func (n *Network) NewTransport(id mtransport.PeerID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.transports[id]; ok {
		panic(fmt.Errorf("BUG: peer %s already on network", id))
	}

	t := &Transport{
		n:  n,
		id: id,

		listening: make(map[mtransport.Port]struct{}),
		conns:     make(map[mtransport.Handle]*conn),
	}
	n.transports[id] = t
	return t
}

// Sever drops every connection between peers a and b,
// as if the link between them failed.
// Established connections raise Disconnected on both ends
// and pending ones raise Failed.
func (n *Network) Sever(a, b mtransport.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ta := n.transports[a]
	if ta == nil {
		return
	}

	for _, c := range ta.sortedConns() {
		if c.peer != b {
			continue
		}
		c.drop(mtransport.CodeProblemDetected)
		if c.remote != nil {
			c.remote.drop(mtransport.CodeProblemDetected)
		}
	}
}

// Remove takes a peer off the network.
// Its connections are reported as dropped to the remote ends,
// and later calls on its transport fail with [mtransport.ErrClosed].
func (n *Network) Remove(id mtransport.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := n.transports[id]
	if t == nil {
		return
	}

	for _, c := range t.sortedConns() {
		if c.remote != nil {
			c.remote.drop(mtransport.CodeProblemDetected)
		}
		delete(t.conns, c.h)
	}

	t.closed = true
	delete(n.transports, id)
}

func (n *Network) allocHandle() mtransport.Handle {
	n.nextHandle++
	return n.nextHandle
}
