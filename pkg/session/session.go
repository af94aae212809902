// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session coordinates the two relay loops of one bridged connection.
//
// A session owns exactly one client leg (the WebSocket, wrapped as net.Conn)
// and one broker leg (the TCP connection) for its lifetime. Run starts both
// relay directions, waits for whichever finishes first, interrupts the other
// by expiring the connection deadlines, and then closes the broker leg
// (write side first) exactly once. The WebSocket leg is closed by the
// acceptor that created the session.
//
// The aggressive broker-side teardown is deliberate: a TCP connection left
// open after the client WebSocket vanishes makes the broker consider the
// MQTT client ID still in use, blocking reconnection with the same ID until
// the protocol-level keepalive expires.
package session

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	wserrors "github.com/absmach/wsbridge/pkg/errors"
	"github.com/absmach/wsbridge/pkg/relay"
)

// Config holds per-session settings. All fields are optional; zero values
// fall back to defaults.
type Config struct {
	// Copier runs the relay loops. Defaults to the reference streamer with
	// the stock policy.
	Copier relay.Copier

	// WriteBufferSize is the size of the buffered writer in front of the
	// broker socket. It must exceed FlushThreshold plus one read buffer so
	// that the buffering policy, not the writer's own capacity, decides when
	// bytes hit the socket. Defaults accordingly.
	WriteBufferSize int

	// IdleTimeout, when positive, arms a read deadline on both legs before
	// every read. An idle-expired session tears down through the normal
	// first-completed race. Zero disables idle policing; MQTT keepalive is
	// the protocol-level liveness mechanism.
	IdleTimeout time.Duration

	// Logger for session events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Session is one end-to-end bridge between a WebSocket client and the broker
// TCP connection created for it.
type Session struct {
	id     string
	client net.Conn
	broker net.Conn

	copier  relay.Copier
	logger  *slog.Logger
	idle    time.Duration
	bufSize int

	teardown sync.Once

	// mu orders interrupt against idle-deadline re-arming so a stopping
	// session can never have its expired deadline pushed back out.
	mu       sync.Mutex
	stopping bool
	done     bool
}

// New creates a session over an established client and broker connection.
// The session takes over broker-leg teardown; the caller keeps ownership of
// closing the client leg.
func New(id string, client, broker net.Conn, cfg Config) *Session {
	if cfg.Copier == nil {
		cfg.Copier = relay.NewStreamer(relay.DefaultPolicy(), relay.DefaultBufferSize, nil)
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = relay.DefaultFlushThreshold + relay.DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		id:      id,
		client:  client,
		broker:  broker,
		copier:  cfg.Copier,
		logger:  cfg.Logger,
		idle:    cfg.IdleTimeout,
		bufSize: cfg.WriteBufferSize,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run relays bytes in both directions until either leg terminates, then
// tears the session down. It returns nil when the session ended through a
// clean EOF, a peer disconnect, or cancellation, and the first transport
// error otherwise.
//
// Run blocks until both relay loops have stopped and the broker leg is
// closed; it must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	stop := make(chan struct{})
	defer close(stop)

	// Context cancellation (server shutdown) must interrupt blocked reads,
	// not wait for the peers to go away.
	go func() {
		select {
		case <-ctx.Done():
			s.interrupt()
		case <-stop:
		}
	}()

	bw := bufio.NewWriterSize(s.broker, s.bufSize)

	go func() {
		_, err := s.copier.Copy(bw, s.source(s.client), relay.ClientToBroker)
		errc <- wserrors.Wrap("relay", s.id, s.client.RemoteAddr().String(), err)
	}()
	go func() {
		_, err := s.copier.Copy(relay.NopFlusher(s.client), s.source(s.broker), relay.BrokerToClient)
		errc <- wserrors.Wrap("relay", s.id, s.broker.RemoteAddr().String(), err)
	}()

	// First-completed semantics: one direction ending, for any reason, ends
	// the session. The sibling loop is interrupted rather than awaited.
	first := <-errc
	s.interrupt()
	second := <-errc

	s.closeBroker()

	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	return s.outcome(first, second)
}

// Done reports whether the session has finished.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// source wraps a leg for reading, arming the idle deadline when configured.
func (s *Session) source(c net.Conn) *legReader {
	return &legReader{sess: s, conn: c}
}

// interrupt expires the deadlines on both legs, unblocking any in-flight
// read or write. Safe to call repeatedly and concurrently.
func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopping = true
	now := time.Now()
	_ = s.client.SetDeadline(now)
	_ = s.broker.SetDeadline(now)
}

// armIdle pushes the read deadline of c out by the idle timeout, unless the
// session is already stopping.
func (s *Session) armIdle(c net.Conn) {
	if s.idle <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping {
		_ = c.SetReadDeadline(time.Now().Add(s.idle))
	}
}

// closeBroker shuts the broker leg down, write side first so the broker sees
// a clean FIN and releases the client ID immediately. Errors are swallowed:
// the broker may already have reset the connection.
func (s *Session) closeBroker() {
	s.teardown.Do(func() {
		if cw, ok := s.broker.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		_ = s.broker.Close()
	})
}

// outcome classifies the two loop results. Disconnects and cancellations are
// the expected way sessions end; only transport errors surface.
func (s *Session) outcome(first, second error) error {
	for _, err := range []error{first, second} {
		if wserrors.IsExpected(err) {
			continue
		}
		s.logger.Warn("session ended with transport error",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
		return err
	}

	s.logger.Debug("session closed",
		slog.String("session", s.id),
		slog.String("client", s.client.RemoteAddr().String()))
	return nil
}

// legReader reads from one leg of the session, re-arming the idle deadline
// before each read when idle policing is on.
type legReader struct {
	sess *Session
	conn net.Conn
}

func (r *legReader) Read(p []byte) (int, error) {
	r.sess.armIdle(r.conn)
	return r.conn.Read(p)
}
