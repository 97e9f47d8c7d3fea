// Package mevent contains the observer registry used by modnet components
// to expose their events.
//
// A [Hub] has any number of subscribers.
// Persistent subscribers observe every published value;
// one-shot subscribers are removed the first time they report completion,
// which is how request/response pairs are matched in discovery.
package mevent

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Hub is a set of subscribers to values of type T.
// The zero value is ready to use.
//
// Subscribers are invoked synchronously by [Hub.Publish],
// in subscription order, without any lock held,
// so a subscriber may itself subscribe, cancel, or publish.
type Hub[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*subscriber[T]
}

type subscriber[T any] struct {
	id   uint64
	fn   func(T) bool
	once bool

	// Set once a one-shot subscriber has completed,
	// so that a concurrent or reentrant publish skips it.
	done atomic.Bool
}

// Subscription is returned from the subscribe methods
// and removes the subscriber when canceled.
type Subscription struct {
	cancel func()
}

// Cancel removes the subscriber.
// Canceling more than once, or canceling the zero Subscription, is a no-op.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers fn to observe every published value
// until the returned subscription is canceled.
func (h *Hub[T]) Subscribe(fn func(T)) Subscription {
	return h.add(func(v T) bool {
		fn(v)
		return false
	}, false)
}

// SubscribeUntil registers fn to observe published values
// until fn returns true; it is then removed and never called again.
func (h *Hub[T]) SubscribeUntil(fn func(T) bool) Subscription {
	return h.add(fn, false)
}

// SubscribeOnce registers fn to observe exactly one published value.
func (h *Hub[T]) SubscribeOnce(fn func(T)) Subscription {
	return h.add(func(v T) bool {
		fn(v)
		return true
	}, true)
}

func (h *Hub[T]) add(fn func(T) bool, once bool) Subscription {
	h.mu.Lock()
	h.nextID++
	s := &subscriber[T]{id: h.nextID, fn: fn, once: once}
	h.subs = append(h.subs, s)
	h.mu.Unlock()

	return Subscription{cancel: func() {
		s.done.Store(true)
		h.remove(s.id)
	}}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs = slices.DeleteFunc(h.subs, func(s *subscriber[T]) bool {
		return s.id == id
	})
}

// Publish delivers v to the current subscribers.
// Subscribers added during Publish do not observe v.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	subs := slices.Clone(h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		if s.once {
			// Claim the single delivery before calling out.
			if !s.done.CompareAndSwap(false, true) {
				continue
			}
			h.remove(s.id)
			s.fn(v)
			continue
		}

		if s.done.Load() {
			continue
		}
		if s.fn(v) {
			if s.done.CompareAndSwap(false, true) {
				h.remove(s.id)
			}
		}
	}
}

// Len returns the number of registered subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
