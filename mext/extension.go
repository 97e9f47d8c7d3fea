// Package mext describes extensions ("mods") and their multiplayer requirements,
// and provides an in-memory [Registry] standing in for the plugin loader.
package mext

import (
	"fmt"
)

// MultiplayerPolicy declares which session participants
// must run an extension for it to work.
//
// The zero value is [RequiresHost].
type MultiplayerPolicy uint8

const (
	// The extension must also be enabled on the session host.
	RequiresHost MultiplayerPolicy = iota

	// Every participant must have the extension enabled.
	RequiresAll

	// The extension only affects the local client; peers need not have it.
	ClientOnly

	// The extension only runs on the server; clients need not have it.
	ServerOnly
)

func (p MultiplayerPolicy) String() string {
	switch p {
	case RequiresHost:
		return "requires_host"
	case RequiresAll:
		return "requires_all"
	case ClientOnly:
		return "client_only"
	case ServerOnly:
		return "server_only"
	default:
		return fmt.Sprintf("MultiplayerPolicy(%d)", uint8(p))
	}
}

func (p MultiplayerPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *MultiplayerPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "requires_host", "":
		*p = RequiresHost
	case "requires_all":
		*p = RequiresAll
	case "client_only":
		*p = ClientOnly
	case "server_only":
		*p = ServerOnly
	default:
		return fmt.Errorf("unknown multiplayer policy %q", b)
	}
	return nil
}

// RuntimePolicy declares whether an extension tolerates
// being enabled or disabled while the application runs.
//
// The zero value is [RuntimeFixed].
type RuntimePolicy uint8

const (
	// The extension cannot change state at runtime.
	RuntimeFixed RuntimePolicy = iota

	// The extension can be switched on and off.
	RuntimeToggleable

	// The extension can be switched and fully reloaded.
	RuntimeReloadable
)

// CanToggle reports whether the policy permits runtime enable and disable.
func (p RuntimePolicy) CanToggle() bool {
	return p != RuntimeFixed
}

func (p RuntimePolicy) String() string {
	switch p {
	case RuntimeFixed:
		return "fixed"
	case RuntimeToggleable:
		return "toggleable"
	case RuntimeReloadable:
		return "reloadable"
	default:
		return fmt.Sprintf("RuntimePolicy(%d)", uint8(p))
	}
}

func (p RuntimePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *RuntimePolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fixed", "":
		*p = RuntimeFixed
	case "toggleable":
		*p = RuntimeToggleable
	case "reloadable":
		*p = RuntimeReloadable
	default:
		return fmt.Errorf("unknown runtime policy %q", b)
	}
	return nil
}

// Extension describes one loaded extension.
type Extension struct {
	ID string `yaml:"id"`

	// Managed extensions are built against modnet and declare their policies.
	// Unmanaged (legacy) extensions have no declared policies;
	// they are never toggled and are reported as required to every peer.
	Managed bool `yaml:"managed"`

	Multiplayer MultiplayerPolicy `yaml:"multiplayer"`
	Runtime     RuntimePolicy     `yaml:"runtime"`
}

// Toggleable reports whether the extension may be enabled or disabled at runtime.
func (e Extension) Toggleable() bool {
	return e.Managed && e.Runtime.CanToggle()
}

// Toggle is published when an extension changes enabled state.
type Toggle struct {
	ID      string
	Enabled bool
}

// NotToggleableError is returned when attempting to change the state
// of an extension whose policy forbids it.
type NotToggleableError struct {
	ID string
}

func (e NotToggleableError) Error() string {
	return fmt.Sprintf("extension %q cannot be toggled at runtime", e.ID)
}

// UnknownExtensionError is returned when referencing an extension that is not loaded.
type UnknownExtensionError struct {
	ID string
}

func (e UnknownExtensionError) Error() string {
	return fmt.Sprintf("extension %q is not loaded", e.ID)
}
