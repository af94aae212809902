// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial tcp: connection refused")

func TestOpensAfterMaxFailures(t *testing.T) {
	b := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("call %d returned %v, want dial error", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call while open returned %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	b.Call(func() error { return errDial })
	b.Call(func() error { return errDial })
	b.Call(func() error { return nil })
	b.Call(func() error { return errDial })
	b.Call(func() error { return errDial })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	b.Call(func() error { return errDial })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First probe succeeds: half-open, not yet closed.
	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe call returned %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open after one probe", b.State())
	}

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("second probe returned %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after success threshold", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	b.Call(func() error { return errDial })
	time.Sleep(20 * time.Millisecond)

	b.Call(func() error { return errDial })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestOnStateChange(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})

	transitions := make(chan [2]State, 4)
	b.OnStateChange(func(from, to State) {
		transitions <- [2]State{from, to}
	})

	b.Call(func() error { return errDial })

	select {
	case tr := <-transitions:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Errorf("transition = %v→%v, want closed→open", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("no state change notification")
	}
}
