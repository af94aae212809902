// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for wsbridge.
//
// The relay loops never touch Prometheus directly: they observe traffic
// through the relay.Recorder interface, and Recorder() returns a
// prometheus-backed implementation. Tests inject fakes instead, which keeps
// rate and byte counters per-session state rather than ambient globals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/absmach/wsbridge/pkg/relay"
)

// Metrics holds all Prometheus metrics for wsbridge.
type Metrics struct {
	// Session lifecycle
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Relay traffic
	RelayedBytes *prometheus.CounterVec
	Flushes      *prometheus.CounterVec

	// Acceptor and broker leg
	UpgradeFailures    prometheus.Counter
	BrokerDialFailures prometheus.Counter
	RateLimited        prometheus.Counter

	// Circuit breaker
	BreakerState prometheus.Gauge
	BreakerTrips prometheus.Counter
}

// New creates a Metrics instance registered on reg. A nil reg falls back to
// the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsbridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently bridged sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by terminal status",
		}, []string{"status"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 30, 60, 300, 600, 1800, 3600},
		}),
		RelayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Sink flushes by direction and reason",
		}, []string{"direction", "reason"}),
		UpgradeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_failures_total",
			Help:      "WebSocket upgrade handshakes that failed",
		}),
		BrokerDialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_dial_failures_total",
			Help:      "Outbound broker TCP connects that failed",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_upgrades_total",
			Help:      "Upgrade attempts rejected by the rate limiter",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Broker dial circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Times the broker dial circuit breaker opened",
		}),
	}
}

// Recorder returns a relay.Recorder that feeds the traffic counters.
func (m *Metrics) Recorder() relay.Recorder {
	return recorder{m}
}

type recorder struct {
	m *Metrics
}

func (r recorder) RelayedBytes(dir relay.Direction, n int) {
	r.m.RelayedBytes.WithLabelValues(dir.String()).Add(float64(n))
}

func (r recorder) RecordFlush(dir relay.Direction, reason relay.FlushReason) {
	r.m.Flushes.WithLabelValues(dir.String(), string(reason)).Inc()
}

// ObserveSession tracks one session lifecycle around f: active gauge while
// running, duration histogram, and a status-labelled counter at the end.
func (m *Metrics) ObserveSession(f func() error) error {
	m.ActiveSessions.Inc()
	start := time.Now()

	err := f()

	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(time.Since(start).Seconds())

	status := "clean"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}
