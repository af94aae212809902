// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limiting of WebSocket upgrade
// attempts, keyed by client address. A reconnect storm from one client must
// not be able to monopolize the acceptor.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket: capacity tokens, refilled at refill tokens per
// second.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refill     float64
	lastRefill time.Time
}

// NewBucket creates a full bucket.
func NewBucket(capacity, refillPerSecond int64) *Bucket {
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refill:     float64(refillPerSecond),
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter tracks one bucket per client key.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*entry
	capacity   int64
	refill     int64
	maxClients int
}

type entry struct {
	bucket   *Bucket
	lastSeen time.Time
}

// NewLimiter creates a per-client limiter. maxClients bounds the tracked key
// set; beyond it, new clients are rejected until stale entries are evicted.
func NewLimiter(capacity, refillPerSecond int64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*entry),
		capacity:   capacity,
		refill:     refillPerSecond,
		maxClients: maxClients,
	}
}

// Allow reports whether an upgrade attempt from key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.evictStale()
		}
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		e = &entry{bucket: NewBucket(l.capacity, l.refill)}
		l.buckets[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.bucket.Allow()
}

// evictStale drops entries idle long enough to have fully refilled anyway.
// Must be called with the lock held.
func (l *Limiter) evictStale() {
	cutoff := time.Now().Add(-5 * time.Minute)
	for k, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Tracked returns the number of client keys currently tracked.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
