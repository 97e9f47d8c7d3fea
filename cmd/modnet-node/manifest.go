package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gordian-engine/modnet/mext"
	"github.com/gordian-engine/modnet/mtransport"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML document describing one node.
type Manifest struct {
	// UDP address to listen on.
	Listen string `yaml:"listen"`

	TLS TLSFiles `yaml:"tls"`

	// Peer ID of the session host.
	// Empty means this node hosts.
	Host string `yaml:"host"`

	Peers []PeerEntry `yaml:"peers"`

	Extensions []ExtensionEntry `yaml:"extensions"`

	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`

	Capture CaptureEntry `yaml:"capture"`
}

// TLSFiles are paths to PEM files.
type TLSFiles struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type PeerEntry struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type ExtensionEntry struct {
	mext.Extension `yaml:",inline"`

	Disabled bool `yaml:"disabled"`
}

type CaptureEntry struct {
	Path     string `yaml:"path"`
	Filter   string `yaml:"filter"`
	Compress bool   `yaml:"compress"`
}

func loadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return parseManifest(b)
}

func parseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

func (m Manifest) validate() error {
	var errs error

	if m.Listen == "" {
		errs = errors.Join(errs, errors.New("listen address is required"))
	}
	if m.TLS.CA == "" || m.TLS.Cert == "" || m.TLS.Key == "" {
		errs = errors.Join(errs, errors.New("tls.ca, tls.cert and tls.key are required"))
	}
	if m.Host != "" {
		if _, err := parsePeerID(m.Host); err != nil {
			errs = errors.Join(errs, fmt.Errorf("host: %w", err))
		}
	}
	for i, p := range m.Peers {
		if _, err := parsePeerID(p.ID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("peers[%d]: %w", i, err))
		}
		if p.Addr == "" {
			errs = errors.Join(errs, fmt.Errorf("peers[%d]: addr is required", i))
		}
	}

	seen := make(map[string]struct{}, len(m.Extensions))
	for i, e := range m.Extensions {
		if e.ID == "" {
			errs = errors.Join(errs, fmt.Errorf("extensions[%d]: id is required", i))
			continue
		}
		if _, ok := seen[e.ID]; ok {
			errs = errors.Join(errs, fmt.Errorf("extensions[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = struct{}{}
	}

	if m.CheckpointTimeout < 0 {
		errs = errors.Join(errs, errors.New("checkpoint_timeout must not be negative"))
	}

	return errs
}

// parsePeerID parses the hexadecimal form printed by [mtransport.PeerID.String].
func parsePeerID(s string) (mtransport.PeerID, error) {
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid peer ID %q: %w", s, err)
	}
	return mtransport.PeerID(n), nil
}

// registry returns a loader holding the manifest's extensions.
func (m Manifest) registry() (*mext.Registry, error) {
	r := mext.NewRegistry()
	for _, e := range m.Extensions {
		if err := r.Add(e.Extension, !e.Disabled); err != nil {
			return nil, fmt.Errorf("failed to load extension %q: %w", e.ID, err)
		}
	}
	return r, nil
}
