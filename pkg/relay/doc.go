// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the unidirectional byte-copy loops at the core of
// wsbridge, together with the buffering policy that decides when buffered
// client→broker bytes are flushed to the socket.
//
// # Overview
//
// A bridged connection runs exactly two relay loops:
//
//	┌────────┐              ┌──────────┐              ┌────────┐
//	│ Client │ ─WebSocket─→ │ wsbridge │ ────TCP────→ │ Broker │
//	│  (WS)  │ ←─WebSocket─ │          │ ←───TCP───── │ (MQTT) │
//	└────────┘              └──────────┘              └────────┘
//	              ClientToBroker ↑   ↓ BrokerToClient
//
// Each loop reads one chunk at a time from its source and writes it to its
// sink in order. Payloads are opaque: the relay never looks at MQTT frame
// boundaries.
//
// # Buffering Policy
//
// Writes toward the broker go through a buffered sink. After every chunk the
// policy decides whether to flush:
//
//   - A chunk smaller than Policy.SmallChunk is very likely a protocol
//     acknowledgement or keepalive (PINGREQ, PUBACK and friends), so it is
//     flushed immediately to keep latency low.
//   - Larger chunks are coalesced until more than Policy.FlushThreshold bytes
//     are pending, amortizing syscall overhead under publish floods.
//
// The broker→client direction flushes every chunk: the broker batches on its
// own and the bridge must not add latency on top of that.
//
// When a loop terminates with bytes still pending, a final flush is attempted
// so nothing buffered is silently dropped.
//
// # Copier Implementations
//
// Copier has two interchangeable implementations selected at construction:
// Streamer, which allocates its read buffer per call, and PooledStreamer,
// which recycles buffers through a sync.Pool for high-rate deployments. Both
// obey the same policy and termination contract.
//
// # Termination
//
// Copy returns nil on clean end-of-stream (source EOF) and the causing error
// otherwise. It never closes either endpoint; connection ownership stays with
// the session coordinator.
package relay
