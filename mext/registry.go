package mext

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordian-engine/modnet/mevent"
)

// Loader is the view of the plugin loader that modnet consumes.
//
// Loaded and Enabled return extensions in load order.
type Loader interface {
	Loaded() []Extension
	Enabled() []Extension

	Lookup(id string) (Extension, bool)
	IsEnabled(id string) bool

	// SetEnabled changes the state of a toggleable extension.
	SetEnabled(id string, enabled bool) error
}

// Registry is an in-memory [Loader].
// It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	order   []string
	exts    map[string]Extension
	enabled map[string]bool

	// Toggled is published after SetEnabled changes an extension's state.
	Toggled mevent.Hub[Toggle]
}

var _ Loader = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exts:    make(map[string]Extension),
		enabled: make(map[string]bool),
	}
}

// Add registers a loaded extension.
func (r *Registry) Add(e Extension, enabled bool) error {
	if e.ID == "" {
		return errors.New("extension ID must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exts[e.ID]; ok {
		return fmt.Errorf("extension %q already loaded", e.ID)
	}

	r.order = append(r.order, e.ID)
	r.exts[e.ID] = e
	r.enabled[e.ID] = enabled
	return nil
}

func (r *Registry) Loaded() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Extension, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.exts[id])
	}
	return out
}

func (r *Registry) Enabled() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Extension, 0, len(r.order))
	for _, id := range r.order {
		if r.enabled[id] {
			out = append(out, r.exts[id])
		}
	}
	return out
}

func (r *Registry) Lookup(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exts[id]
	return e, ok
}

func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()

	e, ok := r.exts[id]
	if !ok {
		r.mu.Unlock()
		return UnknownExtensionError{ID: id}
	}
	if !e.Toggleable() {
		r.mu.Unlock()
		return NotToggleableError{ID: id}
	}
	if r.enabled[id] == enabled {
		r.mu.Unlock()
		return nil
	}
	r.enabled[id] = enabled
	r.mu.Unlock()

	r.Toggled.Publish(Toggle{ID: id, Enabled: enabled})
	return nil
}

// IDs returns the IDs of the given extensions, preserving order.
func IDs(exts []Extension) []string {
	out := make([]string, len(exts))
	for i, e := range exts {
		out[i] = e.ID
	}
	return out
}
