// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy for wsbridge sessions.
//
// The relay treats a vanished peer as the normal end of a session, not a
// fault. The classifiers here let the session coordinator keep expected
// disconnects and cancellations out of the error logs while still surfacing
// genuine transport problems.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrBrokerUnavailable indicates the outbound TCP connect to the broker
	// failed before any relay started.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrSessionClosed indicates an operation on a session that has already
	// finished.
	ErrSessionClosed = errors.New("session closed")

	// ErrRateLimited indicates an upgrade attempt rejected by the limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// SessionError wraps an error with session context for logging.
type SessionError struct {
	Op         string // operation that failed (dial, upgrade, relay)
	SessionID  string
	RemoteAddr string
	Err        error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Wrap attaches session context to err. Returns nil if err is nil.
func Wrap(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// IsDisconnect reports whether err is a disconnect-class error: the peer went
// away, by closing cleanly or by resetting the connection. These are the
// expected way relay loops end and are not reported as failures.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}

// IsCancellation reports whether err is the result of the session coordinator
// interrupting a relay loop (deadline expiry on the connection) or of context
// cancellation. Such errors are control flow, never failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// IsExpected reports whether err is an expected session outcome: nil, a
// disconnect, or a cancellation. Anything else is a transport error worth
// reporting.
func IsExpected(err error) bool {
	return err == nil || IsDisconnect(err) || IsCancellation(err)
}
