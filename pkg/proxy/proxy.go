// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/wsbridge/pkg/breaker"
	"github.com/absmach/wsbridge/pkg/metrics"
	"github.com/absmach/wsbridge/pkg/ratelimit"
	"github.com/absmach/wsbridge/pkg/relay"
	"github.com/absmach/wsbridge/pkg/session"
	"github.com/absmach/wsbridge/pkg/wsconn"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout and sessions had to be interrupted.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the acceptor configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// BrokerAddress is the MQTT broker TCP address (host:port).
	BrokerAddress string

	// Path is the WebSocket upgrade path (default /mqtt).
	Path string

	// OptPath is the second upgrade path (default /mqtt_opt), served by the
	// pooled-buffer relay. Setting it equal to Path disables it.
	OptPath string

	// TLSConfig is optional TLS for the listener.
	TLSConfig *tls.Config

	// Policy is the relay buffering policy. Zero value means defaults.
	Policy relay.Policy

	// ReadBufferSize is the per-chunk relay read buffer (default 64 KiB).
	ReadBufferSize int

	// DialTimeout bounds the broker TCP connect (default 10s).
	DialTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown (default 30s).
	ShutdownTimeout time.Duration

	// PingInterval enables transport-level WebSocket pings when positive.
	// Disabled by default: MQTT has its own keepalive and a transport ping
	// timeout would kill long-idle-but-healthy sessions.
	PingInterval time.Duration

	// IdleTimeout, when positive, tears down sessions with no traffic in
	// either direction for that long. Disabled by default.
	IdleTimeout time.Duration

	// Logger for acceptor events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// Breaker optionally guards broker dials.
	Breaker *breaker.Breaker

	// Limiter optionally rate limits upgrade attempts per client address.
	Limiter *ratelimit.Limiter
}

// Proxy accepts WebSocket connections and bridges each one to the broker.
type Proxy struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	copier    relay.Copier // Path
	optCopier relay.Copier // OptPath

	wg sync.WaitGroup

	mu      sync.Mutex
	sessCtx context.Context
}

// New creates a Proxy from cfg, filling in defaults.
func New(cfg Config) *Proxy {
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.OptPath == "" {
		cfg.OptPath = "/mqtt_opt"
	}
	if cfg.Policy == (relay.Policy{}) {
		cfg.Policy = relay.DefaultPolicy()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = relay.DefaultBufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var rec relay.Recorder = relay.NopRecorder{}
	if cfg.Metrics != nil {
		rec = cfg.Metrics.Recorder()
	}

	return &Proxy{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Make this configurable
				return true
			},
		},
		copier:    relay.NewStreamer(cfg.Policy, cfg.ReadBufferSize, rec),
		optCopier: relay.NewPooledStreamer(cfg.Policy, cfg.ReadBufferSize, rec),
		sessCtx:   context.Background(),
	}
}

// Handler returns the HTTP handler serving the upgrade paths. Exposed so the
// acceptor can be mounted in tests or embedded in a larger server.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(p.cfg.Path, p.serveWS(p.copier))
	if p.cfg.OptPath != "" && p.cfg.OptPath != p.cfg.Path {
		mux.HandleFunc(p.cfg.OptPath, p.serveWS(p.optCopier))
	}
	return mux
}

// Listen starts the bridge server and blocks until the context is cancelled.
// Shutdown stops the listener first, then drains active sessions, and after
// ShutdownTimeout interrupts whatever remains.
func (p *Proxy) Listen(ctx context.Context) error {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	defer sessCancel()
	p.setSessionContext(sessCtx)

	server := &http.Server{
		Addr:      p.cfg.Address,
		Handler:   p.Handler(),
		TLSConfig: p.cfg.TLSConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		if server.TLSConfig != nil {
			errCh <- server.ListenAndServeTLS("", "")
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	p.logger.Info("WebSocket bridge started",
		slog.String("address", p.cfg.Address),
		slog.String("broker", p.cfg.BrokerAddress),
		slog.String("path", p.cfg.Path))

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received, closing bridge")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("error during shutdown", slog.String("error", err.Error()))
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("all sessions closed gracefully")
			return nil
		case <-time.After(p.cfg.ShutdownTimeout):
			p.logger.Warn("shutdown timeout exceeded, interrupting remaining sessions")
			sessCancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return ErrShutdownTimeout
		}

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// serveWS returns the upgrade handler for one endpoint, bound to its relay
// implementation.
func (p *Proxy) serveWS(copier relay.Copier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p.cfg.Limiter != nil && !p.cfg.Limiter.Allow(clientKey(r.RemoteAddr)) {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RateLimited.Inc()
			}
			p.logger.Debug("upgrade rate limited", slog.String("remote", r.RemoteAddr))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		// Dial before upgrading, as the session contract requires: a broker
		// connect failure must reach the client as a WebSocket close code,
		// and no relay may ever start.
		broker, dialErr := p.dialBroker(r.Context())

		ws, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if broker != nil {
				broker.Close()
			}
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.UpgradeFailures.Inc()
			}
			p.logger.Error("failed to upgrade connection",
				slog.String("remote", r.RemoteAddr),
				slog.String("error", err.Error()))
			return
		}

		client := wsconn.New(ws)
		defer client.Close()

		if dialErr != nil {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.BrokerDialFailures.Inc()
			}
			p.logger.Warn("broker unreachable, rejecting client",
				slog.String("remote", r.RemoteAddr),
				slog.String("broker", p.cfg.BrokerAddress),
				slog.String("error", dialErr.Error()))
			_ = client.CloseWithCode(websocket.CloseInternalServerErr, "broker unavailable")
			return
		}

		p.runSession(r, client, broker, copier)
	}
}

// runSession bridges one accepted client until either leg terminates.
func (p *Proxy) runSession(r *http.Request, client *wsconn.Conn, broker net.Conn, copier relay.Copier) {
	p.wg.Add(1)
	defer p.wg.Done()

	id := uuid.New().String()
	p.logger.Debug("session started",
		slog.String("session", id),
		slog.String("client", r.RemoteAddr),
		slog.String("path", r.URL.Path),
		slog.String("subprotocol", client.Subprotocol()))

	if p.cfg.PingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go p.keepalive(client, stop)
	}

	sess := session.New(id, client, broker, session.Config{
		Copier:          copier,
		IdleTimeout:     p.cfg.IdleTimeout,
		WriteBufferSize: p.cfg.Policy.FlushThreshold + p.cfg.ReadBufferSize,
		Logger:          p.logger,
	})

	run := func() error {
		return sess.Run(p.sessionContext())
	}
	if p.cfg.Metrics != nil {
		_ = p.cfg.Metrics.ObserveSession(run)
	} else {
		_ = run()
	}
}

// keepalive sends transport-level pings until stopped. A failed ping write
// closes the WebSocket, which unblocks both relay loops of the session.
func (p *Proxy) keepalive(client *wsconn.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := client.Ping(p.cfg.PingInterval); err != nil {
				client.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// dialBroker opens the outbound TCP connection, through the circuit breaker
// when one is configured.
func (p *Proxy) dialBroker(ctx context.Context) (net.Conn, error) {
	dial := func() (net.Conn, error) {
		d := net.Dialer{Timeout: p.cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", p.cfg.BrokerAddress)
	}

	if p.cfg.Breaker == nil {
		return dial()
	}

	var conn net.Conn
	err := p.cfg.Breaker.Call(func() error {
		var derr error
		conn, derr = dial()
		return derr
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Proxy) setSessionContext(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessCtx = ctx
}

func (p *Proxy) sessionContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessCtx
}

// clientKey reduces a RemoteAddr to a rate-limit key (the host part, so one
// client's parallel connections share a bucket).
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
