// Package wizard drives an interactive prompt sequence that produces a
// config.Config, for first-time setup of a connection manager agent.
package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/muti-metroo/internal/certutil"
	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/identity"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Wizard accumulates answers into a config.Config across a sequence of huh
// form groups. An existing config, if supplied, seeds the defaults of the
// basic, listener, TLS and status-surface questions; its peers are not offered
// as defaults, and the peers entered replace them.
type Wizard struct {
	existing *config.Config
}

// New creates a wizard with no existing configuration to draw defaults from.
func New() *Wizard {
	return &Wizard{}
}

// LoadExisting seeds the wizard's defaults from a previously saved config.
func (w *Wizard) LoadExisting(cfg *config.Config) {
	w.existing = cfg
}

// Run walks the user through data directory, display name, log level,
// listener, TLS, peer, and status-surface questions and returns the assembled
// config.
func (w *Wizard) Run() (*config.Config, error) {
	fmt.Println(bannerStyle.Render("Connection Manager Setup"))
	fmt.Println(infoStyle.Render("Answer the prompts below to generate a config.yaml."))
	fmt.Println()

	cfg := config.Default()
	if w.existing != nil {
		cfg = w.existing
	}

	if err := w.askBasic(cfg); err != nil {
		return nil, err
	}
	if err := w.askListener(cfg); err != nil {
		return nil, err
	}
	if err := w.askTLS(cfg); err != nil {
		return nil, err
	}
	if err := w.askPeers(cfg); err != nil {
		return nil, err
	}
	if err := w.askStatusSurface(cfg); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Summary"))
	fmt.Printf("  Data directory: %s\n", cfg.Agent.DataDir)
	fmt.Printf("  Display name:   %s\n", cfg.Agent.DisplayName)
	if len(cfg.Listeners) > 0 {
		fmt.Printf("  Listening on:   %s (%s)\n", cfg.Listeners[0].Address, cfg.Listeners[0].Transport)
	}
	fmt.Printf("  Configured peers: %d\n", len(cfg.Peers))

	return cfg, nil
}

func (w *Wizard) askBasic(cfg *config.Config) error {
	dataDir := cfg.Agent.DataDir
	displayName := cfg.Agent.DisplayName
	logLevel := cfg.Agent.LogLevel

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Where the agent's identity and state are stored").
				Value(&dataDir).
				Validate(notEmpty("data directory")),
			huh.NewInput().
				Title("Display name").
				Description("Human-readable name printed when the agent starts (optional)").
				Value(&displayName),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("basic setup: %w", err)
	}

	cfg.Agent.DataDir = dataDir
	cfg.Agent.DisplayName = displayName
	cfg.Agent.LogLevel = logLevel
	return nil
}

func (w *Wizard) askListener(cfg *config.Config) error {
	var have bool
	transport := "quic"
	address := "0.0.0.0:4433"
	path := "/mesh"
	if len(cfg.Listeners) > 0 {
		have = true
		transport = cfg.Listeners[0].Transport
		address = cfg.Listeners[0].Address
		path = cfg.Listeners[0].Path
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Accept inbound connections?").
				Value(&have),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("listener setup: %w", err)
	}
	if !have {
		cfg.Listeners = nil
		return nil
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("QUIC", "quic"),
					huh.NewOption("HTTP/2", "h2"),
					huh.NewOption("WebSocket", "ws"),
				).
				Value(&transport),
			huh.NewInput().
				Title("Listen address").
				Value(&address).
				Validate(notEmpty("listen address")),
			huh.NewInput().
				Title("Path").
				Description("Used by the h2 and ws transports").
				Value(&path),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("listener setup: %w", err)
	}

	cfg.Listeners = []config.ListenerConfig{{
		Transport: transport,
		Address:   address,
		Path:      path,
	}}
	return nil
}

func (w *Wizard) askTLS(cfg *config.Config) error {
	mode := "self-signed"
	if cfg.TLS.HasCert() {
		mode = "existing"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("TLS material").
				Options(
					huh.NewOption("Generate a self-signed certificate", "self-signed"),
					huh.NewOption("Use existing certificate/key files", "existing"),
					huh.NewOption("None (plaintext, for testing only)", "none"),
				).
				Value(&mode),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("TLS setup: %w", err)
	}

	switch mode {
	case "none":
		cfg.TLS = config.GlobalTLSConfig{}
		return nil
	case "existing":
		certPath, keyPath := cfg.TLS.Cert, cfg.TLS.Key
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().Title("Certificate file").Value(&certPath).Validate(notEmpty("certificate path")),
				huh.NewInput().Title("Key file").Value(&keyPath).Validate(notEmpty("key path")),
			),
		).Run()
		if err != nil {
			return fmt.Errorf("TLS setup: %w", err)
		}
		cfg.TLS.Cert = certPath
		cfg.TLS.Key = keyPath
		return nil
	default:
		commonName := cfg.Agent.DisplayName
		if commonName == "" {
			commonName = "muti-metroo-agent"
		}
		opts := certutil.DefaultPeerOptions(commonName)
		cert, err := certutil.GenerateCert(opts)
		if err != nil {
			return fmt.Errorf("generate self-signed cert: %w", err)
		}
		certPath := cfg.Agent.DataDir + "/agent.crt"
		keyPath := cfg.Agent.DataDir + "/agent.key"
		if err := cert.SaveToFiles(certPath, keyPath); err != nil {
			return fmt.Errorf("save self-signed cert: %w", err)
		}
		cfg.TLS.Cert = certPath
		cfg.TLS.Key = keyPath
		fmt.Printf("  Generated %s (fingerprint %s)\n", certPath, cert.Fingerprint())
		return nil
	}
}

func (w *Wizard) askPeers(cfg *config.Config) error {
	var addMore bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().Title("Dial any peers on startup?").Value(&addMore),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("peer setup: %w", err)
	}

	var peers []config.PeerConfig
	for addMore {
		peerID := ""
		address := ""
		transport := "quic"
		var persistent bool

		err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Peer ID").
					Description("The remote agent's identity, as printed by its init command").
					Value(&peerID).
					Validate(validPeerID),
				huh.NewInput().Title("Peer address").Value(&address).Validate(notEmpty("peer address")),
				huh.NewSelect[string]().
					Title("Transport").
					Options(
						huh.NewOption("QUIC", "quic"),
						huh.NewOption("HTTP/2", "h2"),
						huh.NewOption("WebSocket", "ws"),
					).
					Value(&transport),
				huh.NewConfirm().Title("Reconnect automatically if lost?").Value(&persistent),
			),
		).Run()
		if err != nil {
			return fmt.Errorf("peer setup: %w", err)
		}

		peers = append(peers, config.PeerConfig{ID: peerID, Address: address, Transport: transport, Persistent: persistent})

		err = huh.NewForm(
			huh.NewGroup(huh.NewConfirm().Title("Add another peer?").Value(&addMore)),
		).Run()
		if err != nil {
			return fmt.Errorf("peer setup: %w", err)
		}
	}

	cfg.Peers = peers
	return nil
}

func (w *Wizard) askStatusSurface(cfg *config.Config) error {
	var enable bool
	addr := cfg.Agent.StatusAddr
	if addr == "" {
		addr = "127.0.0.1:9090"
	} else {
		enable = true
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Expose a local /peers and /metrics HTTP surface?").
				Value(&enable),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("status surface setup: %w", err)
	}
	if !enable {
		cfg.Agent.StatusAddr = ""
		return nil
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Bind address").Value(&addr).Validate(notEmpty("bind address")),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("status surface setup: %w", err)
	}
	cfg.Agent.StatusAddr = addr
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validPeerID(s string) error {
	if _, err := identity.ParsePeerID(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("not a valid peer id: %v", err)
	}
	return nil
}
