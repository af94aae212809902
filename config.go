// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsbridge holds the environment-driven configuration shared by the
// bridge binaries.
package wsbridge

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the bridge configuration, loaded from the environment. Every
// variable carries the prefix passed to NewConfig (WSBRIDGE_ for the stock
// binary).
type Config struct {
	// Listener
	Host     string `env:"HOST"             envDefault:""`
	Port     string `env:"PORT"             envDefault:"8083"`
	PathName string `env:"WS_PATH"          envDefault:"/mqtt"`
	OptPath  string `env:"WS_OPT_PATH"      envDefault:"/mqtt_opt"`

	// Broker
	BrokerHost string `env:"BROKER_HOST"    envDefault:"127.0.0.1"`
	BrokerPort string `env:"BROKER_PORT"    envDefault:"1883"`

	// Relay tuning
	ReadBufferSize      int `env:"READ_BUFFER_SIZE"       envDefault:"65536"`
	SmallChunkThreshold int `env:"SMALL_CHUNK_THRESHOLD"  envDefault:"100"`
	FlushThreshold      int `env:"FLUSH_THRESHOLD"        envDefault:"131072"`

	// Timeouts
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"      envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`
	PingInterval    time.Duration `env:"PING_INTERVAL"     envDefault:"0"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"      envDefault:"0"`

	// TLS
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	// Circuit breaker for broker dials
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"   envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"  envDefault:"30s"`

	// Per-client upgrade rate limiting (0 capacity disables)
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	RateLimitClients  int   `env:"RATE_LIMIT_CLIENTS"   envDefault:"10000"`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig loads a Config from the environment using the given parse
// options, then loads the TLS key pair when one is configured.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return c, nil
}

// Address returns the listener address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BrokerAddress returns the broker TCP address.
func (c Config) BrokerAddress() string {
	return net.JoinHostPort(c.BrokerHost, c.BrokerPort)
}
