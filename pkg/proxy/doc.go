// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the wsbridge connection acceptor: an HTTP server
// that upgrades inbound requests to WebSocket, dials the MQTT broker over
// TCP, and runs one relay session per accepted connection.
//
// # Architecture
//
//	┌─────────┐   WS upgrade   ┌───────────┐    TCP dial    ┌────────┐
//	│ Client  │ ─────────────→ │   Proxy   │ ─────────────→ │ Broker │
//	└─────────┘                │ (acceptor)│                └────────┘
//	                           └─────┬─────┘
//	                                 ↓ one per connection
//	                           ┌───────────┐
//	                           │  Session  │  (two relay loops)
//	                           └───────────┘
//
// # Connection Flow
//
//  1. Optional rate-limit check on the client address
//  2. Dial the broker (optionally through a circuit breaker)
//  3. Upgrade the HTTP request, negotiating the `mqtt` subprotocol
//  4. On dial failure: WebSocket close 1011, no session starts
//  5. Otherwise run the session to completion and close the WebSocket
//
// Sessions are fully independent: they share no mutable state beyond the
// broker address, and one session's failure never reaches another.
//
// # Endpoints
//
// Two paths are registered, Path (default /mqtt) and OptPath (default
// /mqtt_opt), kept for clients of either historical endpoint. They are
// behaviorally identical; OptPath uses the pooled-buffer relay
// implementation.
//
// # Graceful Shutdown
//
// Cancelling the Listen context stops the listener, then waits for active
// sessions to drain. After ShutdownTimeout the remaining sessions are
// interrupted and torn down.
package proxy
