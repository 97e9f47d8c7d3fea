// Command modnet-node runs one modnet session participant over QUIC.
//
// The node is described by a YAML manifest naming its listen address,
// TLS material, the session host, the other participants and the loaded extensions.
// Participants are identified by peer IDs derived from their certificates;
// the node prints its own ID on startup.
//
// On startup the host authenticates every listed peer
// and prints each join outcome. Every node prints a discovery summary
// once all peers have been reached.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/gordian-engine/modnet"
	"github.com/gordian-engine/modnet/mcapture"
	"github.com/gordian-engine/modnet/mjoin"
	"github.com/gordian-engine/modnet/mquic"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/pterm/pterm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "modnet.yaml", "Path to the node manifest")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log := newLogger(*debug)

	if err := run(ctx, log, *configPath); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := pterm.LogLevelInfo
	if debug {
		level = pterm.LogLevelDebug
	}
	logger := pterm.DefaultLogger.WithLevel(level).WithTime(true)
	return slog.New(pterm.NewSlogHandler(logger))
}

func run(ctx context.Context, log *slog.Logger, configPath string) error {
	m, err := loadManifest(configPath)
	if err != nil {
		return err
	}

	tlsConf, cas, err := loadTLS(m.TLS)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", m.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}
	uc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer uc.Close()

	tr, err := mquic.NewTransport(ctx, log.With("sys", "transport"), mquic.Config{
		UDPConn:    uc,
		QUIC:       mquic.DefaultQUICConfig(),
		TLS:        tlsConf,
		TrustedCAs: cas,
	})
	if err != nil {
		return err
	}
	defer tr.Shutdown()

	local := tr.LocalPeer()
	pterm.Info.Printfln("Peer %s listening on %s", local, tr.Addr())

	info := &staticInfo{local: local, host: local, players: []mtransport.PeerID{local}}
	if m.Host != "" {
		info.host, _ = parsePeerID(m.Host)
	}
	for _, p := range m.Peers {
		id, _ := parsePeerID(p.ID)
		pa, err := net.ResolveUDPAddr("udp", p.Addr)
		if err != nil {
			return fmt.Errorf("failed to resolve address of peer %s: %w", id, err)
		}
		tr.AddPeer(id, pa)
		info.players = append(info.players, id)
	}

	loader, err := m.registry()
	if err != nil {
		return err
	}

	var capture *mcapture.Writer
	if m.Capture.Path != "" {
		f, err := os.Create(m.Capture.Path)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		// The session closes the writer, which does not close f.
		defer f.Close()
		capture = mcapture.New(f, mcapture.Config{
			Filter:   mcapture.ParseFilter(m.Capture.Filter),
			Compress: m.Capture.Compress,
		})
	}

	s, err := modnet.NewSession(log.With("sys", "session"), modnet.SessionConfig{
		Transport:         tr,
		Loader:            loader,
		Info:              info,
		Capture:           capture,
		CheckpointTimeout: m.CheckpointTimeout,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	watch(s)

	s.MissionLoaded()
	info.loaded.Store(true)

	if info.IsServer() {
		for _, p := range info.players {
			if p == local {
				continue
			}
			pterm.Info.Printfln("Authenticating %s: %s", p, s.Authenticate(p))
		}
	}

	err = s.Run(ctx, modnet.DefaultTickInterval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watch prints discovery and join progress.
func watch(s *modnet.Session) {
	disc := s.Discovery()

	disc.Ready.Subscribe(func(struct{}) {
		data := pterm.TableData{{"Peer", "State", "Extensions"}}
		for _, p := range disc.Players() {
			mods := disc.GetMods(p)
			slices.Sort(mods)
			data = append(data, []string{p.String(), disc.State(p).String(), strings.Join(mods, ", ")})
		}
		pterm.Success.Println("Discovery complete")
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			pterm.Warning.Printfln("Failed to render peer table: %v", err)
		}
	})

	auth := s.Auth()
	auth.PlayerJoined.Subscribe(func(p mtransport.PeerID) {
		pterm.Success.Printfln("Peer %s joined", p)
	})
	auth.PlayerLeft.Subscribe(func(p mtransport.PeerID) {
		pterm.Info.Printfln("Peer %s left", p)
	})
	auth.Rejected.Subscribe(func(r mjoin.Rejection) {
		if r.Ext != "" {
			pterm.Warning.Printfln("Peer %s rejected: %s (%s)", r.Peer, r.Reason, r.Ext)
			return
		}
		pterm.Warning.Printfln("Peer %s rejected: %s", r.Peer, r.Reason)
	})
}

func loadTLS(files TLSFiles) (*tls.Config, []*x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	if cert.Leaf == nil {
		cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}

	b, err := os.ReadFile(files.CA)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	cas, err := parseCertificates(b)
	if err != nil {
		return nil, nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, cas, nil
}

// parseCertificates parses every CERTIFICATE block in b.
func parseCertificates(b []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errors.New("no certificates in CA file")
	}
	return out, nil
}
