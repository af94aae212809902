// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for outbound broker dials.
//
// When the broker is down, every upgrade would otherwise eat a full dial
// timeout before the client gets its close frame. The breaker fails those
// sessions fast after repeated dial failures and probes the broker again
// once the reset timeout has passed.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned instead of dialing while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings. Zero fields use defaults.
type Config struct {
	// MaxFailures is the consecutive dial failures before the circuit opens.
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before a probe dial is
	// allowed.
	ResetTimeout time.Duration

	// SuccessThreshold is the consecutive successful probes required to
	// close the circuit again.
	SuccessThreshold int
}

// Breaker guards an operation with the circuit breaker pattern.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	onStateChange func(from, to State)
}

// New creates a Breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{cfg: cfg}
}

// Call runs fn if the circuit allows it and records the outcome. While the
// circuit is open it returns ErrOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		// Any failure while probing reopens immediately.
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = time.Now()
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback invoked (asynchronously) on every state
// transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
