// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsbridge

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "TESTBRIDGE_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if cfg.Address() != ":8083" {
		t.Errorf("Address() = %q, want %q", cfg.Address(), ":8083")
	}
	if cfg.BrokerAddress() != "127.0.0.1:1883" {
		t.Errorf("BrokerAddress() = %q, want %q", cfg.BrokerAddress(), "127.0.0.1:1883")
	}
	if cfg.PathName != "/mqtt" || cfg.OptPath != "/mqtt_opt" {
		t.Errorf("paths = %q, %q", cfg.PathName, cfg.OptPath)
	}
	if cfg.FlushThreshold != 131072 || cfg.SmallChunkThreshold != 100 {
		t.Errorf("flush policy = %d/%d", cfg.FlushThreshold, cfg.SmallChunkThreshold)
	}
	if cfg.PingInterval != 0 || cfg.IdleTimeout != 0 {
		t.Errorf("keepalive defaults = %v/%v, want disabled", cfg.PingInterval, cfg.IdleTimeout)
	}
	if cfg.TLSConfig != nil {
		t.Error("TLSConfig set without cert configured")
	}
}

func TestNewConfigFromEnvironment(t *testing.T) {
	t.Setenv("TESTBRIDGE_PORT", "9001")
	t.Setenv("TESTBRIDGE_BROKER_HOST", "broker.internal")
	t.Setenv("TESTBRIDGE_FLUSH_THRESHOLD", "65536")
	t.Setenv("TESTBRIDGE_DIAL_TIMEOUT", "3s")

	cfg, err := NewConfig(env.Options{Prefix: "TESTBRIDGE_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if cfg.Address() != ":9001" {
		t.Errorf("Address() = %q, want %q", cfg.Address(), ":9001")
	}
	if cfg.BrokerAddress() != "broker.internal:1883" {
		t.Errorf("BrokerAddress() = %q", cfg.BrokerAddress())
	}
	if cfg.FlushThreshold != 65536 {
		t.Errorf("FlushThreshold = %d, want 65536", cfg.FlushThreshold)
	}
	if cfg.DialTimeout != 3*time.Second {
		t.Errorf("DialTimeout = %v, want 3s", cfg.DialTimeout)
	}
}

func TestNewConfigBadTLSPair(t *testing.T) {
	t.Setenv("TESTBRIDGE_CERT_FILE", "/nonexistent/cert.pem")
	t.Setenv("TESTBRIDGE_KEY_FILE", "/nonexistent/key.pem")

	if _, err := NewConfig(env.Options{Prefix: "TESTBRIDGE_"}); err == nil {
		t.Fatal("NewConfig succeeded with missing TLS files")
	}
}
