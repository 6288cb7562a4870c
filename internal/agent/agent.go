// Package agent wires the connection manager core (identity, transport,
// handshaking, the peer registry and event loop) into a runnable process:
// it resolves configuration into concrete transports and TLS material,
// starts listeners, dials configured peers, and keeps persistent peers
// reconnecting after they are lost. None of this lives in internal/connmgr
// itself, which stays a pure in-process library.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-metroo/internal/certutil"
	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/connmgr"
	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/peer"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/transport"
)

// Stats is a point-in-time snapshot of agent state, used by the CLI's run
// command to print the bound listen addresses after Start.
type Stats struct {
	PeerID      identity.PeerID
	PeerCount   int
	ListenAddrs []string
	Uptime      time.Duration
}

// Agent owns every collaborator the connmgr core needs (Endpoint, Incoming,
// HandlerFactory) plus the surrounding pieces the core deliberately treats
// as out of scope: transport/listener lifecycle, TLS material, and
// reconnection of persistent peers.
type Agent struct {
	cfg    *config.Config
	id     identity.PeerID
	logger *slog.Logger
	metric *metrics.Metrics

	registry *connmgr.PeerRegistry
	manager  *connmgr.ConnectionManager
	mailbox  chan<- connmgr.ConnectionManagerRequest
	promReg  *prometheus.Registry

	transports map[transport.TransportType]transport.Transport
	listeners  []transport.Listener

	reconnector *peer.Reconnector
	persistent  map[string]bool // addr -> persistent

	mu           sync.RWMutex
	peerIDByAddr map[string]identity.PeerID

	statusSrv *http.Server

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New resolves cfg into a runnable Agent. It loads or creates the local
// identity under cfg.Agent.DataDir, builds one transport.Transport per
// distinct protocol referenced by the config's listeners and peers, binds
// every configured listener, and assembles the connmgr core around them. It
// does not run the connection manager or dial any peer; call Start for that.
func New(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	id, err := resolveIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(promReg)
	registry := connmgr.NewPeerRegistry(logger, m)

	a := &Agent{
		cfg:          cfg,
		id:           id,
		logger:       logger,
		metric:       m,
		registry:     registry,
		promReg:      promReg,
		transports:   make(map[transport.TransportType]transport.Transport),
		persistent:   make(map[string]bool),
		peerIDByAddr: make(map[string]identity.PeerID),
	}

	for _, t := range requiredTransports(cfg) {
		tr, err := newTransport(t)
		if err != nil {
			return nil, err
		}
		a.transports[t] = tr
	}

	handshaker := peer.NewHandshaker(id, nil, cfg.Connections.Timeout)
	endpoint, err := a.buildEndpoint(handshaker)
	if err != nil {
		return nil, err
	}

	incoming, err := a.buildIncoming(handshaker)
	if err != nil {
		return nil, err
	}

	handlerFactory := connmgr.NewDefaultHandlerFactory(logger, nil, connmgr.KeepaliveConfig{
		Interval: cfg.Connections.IdleThreshold,
		Jitter:   cfg.Connections.KeepaliveJitter,
		Metrics:  m,
	})
	manager, mailbox := connmgr.New(endpoint, registry, incoming, handlerFactory, logger, m)
	a.manager = manager
	a.mailbox = mailbox

	rcfg := peer.ReconnectConfig{
		InitialDelay: cfg.Connections.Reconnect.InitialDelay,
		MaxDelay:     cfg.Connections.Reconnect.MaxDelay,
		Multiplier:   cfg.Connections.Reconnect.Multiplier,
		MaxAttempts:  cfg.Connections.Reconnect.MaxRetries,
		Jitter:       cfg.Connections.Reconnect.Jitter,
	}
	a.reconnector = peer.NewReconnector(rcfg, a.dialAddr)

	for _, pc := range cfg.Peers {
		if pc.Persistent {
			a.persistent[pc.Address] = true
		}
	}

	return a, nil
}

// ID returns the local peer identity.
func (a *Agent) ID() identity.PeerID {
	return a.id
}

// Registry exposes the PeerRegistry handle for external subscribers.
func (a *Agent) Registry() *connmgr.PeerRegistry {
	return a.registry
}

// Stats returns a snapshot of the running agent.
func (a *Agent) Stats() Stats {
	addrs := make([]string, 0, len(a.listeners))
	for _, l := range a.listeners {
		addrs = append(addrs, l.Addr().String())
	}
	uptime := time.Duration(0)
	if !a.startedAt.IsZero() {
		uptime = time.Since(a.startedAt)
	}
	return Stats{
		PeerID:      a.id,
		PeerCount:   len(a.registry.Peers()),
		ListenAddrs: addrs,
		Uptime:      uptime,
	}
}

// Start logs the listeners New already bound, starts the status server when
// one is configured, launches the connmgr event loop, dials every configured
// peer once, and begins watching for persistent peers to reconnect after
// they are lost.
func (a *Agent) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startedAt = time.Now()

	if err := a.startListeners(); err != nil {
		cancel()
		return err
	}

	if a.cfg.Agent.StatusAddr != "" {
		a.startStatusServer()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.manager.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("connection manager exited", logging.KeyError, err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchLostPeers(ctx)
	}()

	for _, pc := range a.cfg.Peers {
		go a.dialAddr(pc.Address)
	}

	return nil
}

// StopWithContext cancels the event loop (aborting any in-flight
// handshake), stops the reconnector, closes listeners, and waits up to
// ctx's deadline for the manager's goroutine to exit.
func (a *Agent) StopWithContext(ctx context.Context) error {
	a.reconnector.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if a.statusSrv != nil {
		a.statusSrv.Shutdown(ctx)
	}
	for _, l := range a.listeners {
		l.Close()
	}
	for _, tr := range a.transports {
		tr.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialAddr is the Reconnector's callback and the initial-dial entrypoint:
// it enqueues a Connect request and records the resulting peer id so a
// later LostPeer event for that peer can be mapped back to addr.
func (a *Agent) dialAddr(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Connections.Timeout)
	defer cancel()

	peerID, err := connmgr.Connect(ctx, a.mailbox, addr)
	if err != nil {
		a.logger.Warn("dial failed", logging.KeyAddress, addr, logging.KeyError, err)
		return err
	}

	a.mu.Lock()
	a.peerIDByAddr[addr] = peerID
	a.mu.Unlock()

	a.logger.Info("dial admitted", logging.KeyAddress, addr, logging.KeyPeerID, peerID.ShortString())
	return nil
}

// watchLostPeers subscribes to the registry and schedules a reconnect for
// any persistent peer's address whenever its current session is lost.
func (a *Agent) watchLostPeers(ctx context.Context) {
	events, _ := a.registry.Subscribe()
	defer a.registry.Unsubscribe(events)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != connmgr.LostPeer {
				continue
			}
			addr := a.addrForPeer(ev.PeerID)
			if addr != "" && a.persistent[addr] {
				a.reconnector.Schedule(addr)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) addrForPeer(p identity.PeerID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for addr, id := range a.peerIDByAddr {
		if id.Equal(p) {
			return addr
		}
	}
	return ""
}

// peerStatus is the JSON shape returned by GET /peers.
type peerStatus struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Origin      string `json:"origin"`
	Transport   string `json:"transport"`
	RTT         string `json:"rtt,omitempty"`
}

// startStatusServer binds cfg.Agent.StatusAddr and serves GET /peers (a JSON
// registry snapshot) and GET /metrics (this agent's own Prometheus
// registry), optionally behind HTTP Basic Auth when StatusPasswordHash is
// set. Closing happens in StopWithContext.
func (a *Agent) startStatusServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", a.handlePeers)
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	if a.cfg.Agent.StatusPasswordHash != "" {
		handler = a.requireBasicAuth(mux)
	}

	srv := &http.Server{Addr: a.cfg.Agent.StatusAddr, Handler: handler}
	a.statusSrv = srv

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.logger, "agent.status-server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("status server exited", logging.KeyError, err)
		}
	}()
}

func (a *Agent) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(a.cfg.Agent.StatusPasswordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="muti-metroo"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) handlePeers(w http.ResponseWriter, r *http.Request) {
	ids := a.registry.Peers()
	out := make([]peerStatus, 0, len(ids))
	for _, id := range ids {
		conn, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, peerStatus{
			PeerID:      id.String(),
			DisplayName: conn.RemoteDisplayName,
			Origin:      conn.Origin().String(),
			Transport:   string(conn.TransportType()),
			RTT:         conn.RTT().String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func resolveIdentity(cfg *config.Config) (identity.PeerID, error) {
	if cfg.Agent.ID != "" && cfg.Agent.ID != "auto" {
		return identity.ParsePeerID(cfg.Agent.ID)
	}
	id, _, err := identity.LoadOrCreate(cfg.Agent.DataDir)
	return id, err
}

func requiredTransports(cfg *config.Config) []transport.TransportType {
	seen := make(map[transport.TransportType]bool)
	var out []transport.TransportType
	add := func(name string) {
		t := transport.TransportType(name)
		if name == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, l := range cfg.Listeners {
		add(l.Transport)
	}
	for _, p := range cfg.Peers {
		add(p.Transport)
	}
	if len(out) == 0 {
		add("quic")
	}
	return out
}

func newTransport(t transport.TransportType) (transport.Transport, error) {
	switch t {
	case transport.TransportQUIC:
		return transport.NewQUICTransport(), nil
	case transport.TransportHTTP2:
		return transport.NewH2Transport(), nil
	case transport.TransportWebSocket:
		return transport.NewWebSocketTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

// endpointMux implements connmgr.Endpoint by routing each dial to the
// transport.Transport configured for that address. Addresses the config
// never named (e.g. a future interactive "connect" request) go to a fallback
// endpoint built on whichever configured transport the agent's transport map
// yields first; which one that is, when several are configured, is not
// fixed.
type endpointMux struct {
	localID  identity.PeerID
	byAddr   map[string]connmgr.Endpoint
	fallback connmgr.Endpoint
}

func (e *endpointMux) PeerID() identity.PeerID { return e.localID }

func (e *endpointMux) Connect(ctx context.Context, addr string) (connmgr.Connecting, error) {
	ep := e.byAddr[addr]
	if ep == nil {
		ep = e.fallback
	}
	if ep == nil {
		return nil, fmt.Errorf("no transport configured to dial %s", addr)
	}
	return ep.Connect(ctx, addr)
}

func (a *Agent) buildEndpoint(handshaker *peer.Handshaker) (connmgr.Endpoint, error) {
	mux := &endpointMux{localID: a.id, byAddr: make(map[string]connmgr.Endpoint)}

	for _, pc := range a.cfg.Peers {
		tr, ok := a.transports[transport.TransportType(pc.Transport)]
		if !ok {
			return nil, fmt.Errorf("peer %s: transport %q not configured", pc.Address, pc.Transport)
		}
		dialOpts, err := a.dialOptionsFor(pc)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", pc.Address, err)
		}
		connCfg := a.connectionConfig()
		if pc.ID != "" {
			expected, err := identity.ParsePeerID(pc.ID)
			if err != nil {
				return nil, fmt.Errorf("peer %s: invalid id: %w", pc.Address, err)
			}
			connCfg.ExpectedPeerID = expected
		}
		ep := connmgr.NewTransportEndpoint(a.id, tr, handshaker, dialOpts, connCfg)
		mux.byAddr[pc.Address] = ep
	}

	for _, tr := range a.transports {
		mux.fallback = connmgr.NewTransportEndpoint(a.id, tr, handshaker, transport.DefaultDialOptions(), a.connectionConfig())
		break
	}

	return mux, nil
}

func (a *Agent) connectionConfig() peer.ConnectionConfig {
	cfg := peer.DefaultConnectionConfig(a.id)
	cfg.HandshakeTimeout = a.cfg.Connections.Timeout
	cfg.OnFrame = connmgr.ControlFrameHandler(a.logger, a.metric)
	return cfg
}

func (a *Agent) dialOptionsFor(pc config.PeerConfig) (transport.DialOptions, error) {
	opts := transport.DefaultDialOptions()
	opts.Timeout = a.cfg.Connections.Timeout
	opts.ProxyURL = pc.Proxy
	opts.ProxyUsername = pc.ProxyAuth.Username
	opts.ProxyPassword = pc.ProxyAuth.Password
	opts.WSSubprotocol = a.cfg.Protocol.WSSubprotocol

	tlsCfg, err := a.buildTLSConfig(&pc.TLS, false)
	if err != nil {
		return opts, err
	}
	opts.TLSConfig = a.applyALPN(tlsCfg)
	return opts, nil
}

// applyALPN stamps the configured ALPN identifier onto tlsCfg's NextProtos.
// Nil in, nil out.
func (a *Agent) applyALPN(tlsCfg *tls.Config) *tls.Config {
	if tlsCfg == nil || a.cfg.Protocol.ALPN == "" {
		return tlsCfg
	}
	tlsCfg.NextProtos = []string{a.cfg.Protocol.ALPN}
	return tlsCfg
}

// buildTLSConfig assembles a *tls.Config from the global and per-connection
// PEM material in cfg, via certutil for the CA pool and transport for the
// key-pair parsing. Returns nil if neither side configured any TLS material,
// letting the transport fall back to its own InsecureSkipVerify default.
func (a *Agent) buildTLSConfig(override *config.TLSConfig, isServer bool) (*tls.Config, error) {
	certPEM, err := a.cfg.GetEffectiveCertPEM(override)
	if err != nil {
		return nil, err
	}
	keyPEM, err := a.cfg.GetEffectiveKeyPEM(override)
	if err != nil {
		return nil, err
	}
	caPEM, err := a.cfg.GetEffectiveCAPEM(override)
	if err != nil {
		return nil, err
	}

	pin := !isServer && override != nil && override.Fingerprint != ""

	var tlsCfg *tls.Config
	if len(certPEM) > 0 && len(keyPEM) > 0 {
		tlsCfg, err = transport.TLSConfigFromBytes(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
	} else if len(caPEM) == 0 && !pin {
		return nil, nil
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	if len(caPEM) > 0 {
		pool, err := certutil.CreateCertPool(caPEM)
		if err != nil {
			return nil, err
		}
		if isServer {
			tlsCfg.ClientCAs = pool
			if override != nil && override.MTLS != nil && *override.MTLS || a.cfg.TLS.MTLS {
				tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
			}
		} else {
			tlsCfg.RootCAs = pool
		}
	}
	if override != nil && override.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if pin {
		// Pinning replaces chain verification: the dialed peer must present
		// exactly the expected certificate, CA-signed or not.
		expected := override.Fingerprint
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("peer presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			if !certutil.VerifyFingerprint(cert, expected) {
				return fmt.Errorf("peer certificate fingerprint mismatch")
			}
			return nil
		}
	}
	return tlsCfg, nil
}

func (a *Agent) buildIncoming(handshaker *peer.Handshaker) (connmgr.Incoming, error) {
	var sources []connmgr.Incoming
	for _, lc := range a.cfg.Listeners {
		tr, ok := a.transports[transport.TransportType(lc.Transport)]
		if !ok {
			return nil, fmt.Errorf("listener %s: transport %q not configured", lc.Address, lc.Transport)
		}
		opts := transport.DefaultListenOptions()
		opts.Path = lc.Path
		opts.MaxStreams = a.cfg.Limits.MaxStreamsPerPeer
		opts.PlainText = lc.PlainText
		opts.WSSubprotocol = a.cfg.Protocol.WSSubprotocol
		tlsCfg, err := a.buildTLSConfig(&lc.TLS, true)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		opts.TLSConfig = a.applyALPN(tlsCfg)

		listener, err := tr.Listen(lc.Address, opts)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		a.listeners = append(a.listeners, listener)
		sources = append(sources, connmgr.NewListenerIncoming(listener, handshaker, a.connectionConfig()))
	}

	burst := a.cfg.Limits.MaxPendingDials
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(burst), burst)
	return newFanInIncoming(sources, limiter), nil
}

func (a *Agent) startListeners() error {
	for _, l := range a.listeners {
		a.logger.Info("listening", logging.KeyAddress, l.Addr().String())
	}
	return nil
}

// acceptResult pairs an accepted Connecting handle with any error from the
// underlying Accept call, so fanInIncoming can forward both uniformly.
type acceptResult struct {
	connecting connmgr.Connecting
	err        error
}

// fanInIncoming merges any number of connmgr.Incoming sources (one per
// bound listener) into a single stream, since ConnectionManager only ever
// drives one Incoming. limiter throttles how fast accepted connections are
// handed off to the manager for handshaking, bounding the rate at which an
// inbound flood can spawn handshake tasks; it does not cap how many of those
// tasks are in flight at once.
type fanInIncoming struct {
	ch      chan acceptResult
	limiter *rate.Limiter
}

func newFanInIncoming(sources []connmgr.Incoming, limiter *rate.Limiter) *fanInIncoming {
	f := &fanInIncoming{ch: make(chan acceptResult), limiter: limiter}
	for _, src := range sources {
		go f.pump(src)
	}
	return f
}

func (f *fanInIncoming) pump(src connmgr.Incoming) {
	ctx := context.Background()
	for {
		c, err := src.Accept(ctx)
		if err == nil && f.limiter != nil {
			f.limiter.Wait(ctx)
		}
		f.ch <- acceptResult{connecting: c, err: err}
		if err != nil {
			return
		}
	}
}

func (f *fanInIncoming) Accept(ctx context.Context) (connmgr.Connecting, error) {
	select {
	case r := <-f.ch:
		return r.connecting, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
