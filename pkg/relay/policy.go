// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

// Defaults for the buffering policy and the relay read buffer.
const (
	// DefaultSmallChunk is the size below which a chunk is treated as a
	// latency-sensitive protocol message and flushed immediately.
	DefaultSmallChunk = 100

	// DefaultFlushThreshold is the pending-byte count above which coalesced
	// large chunks are flushed.
	DefaultFlushThreshold = 128 * 1024

	// DefaultBufferSize is the read buffer used for one chunk.
	DefaultBufferSize = 64 * 1024
)

// Policy decides whether the client→broker sink must be flushed after a chunk.
// The zero value is not useful; use DefaultPolicy or fill both fields.
type Policy struct {
	// SmallChunk is the chunk size below which a flush is immediate.
	SmallChunk int

	// FlushThreshold is the pending-byte count above which a flush happens
	// even for large chunks.
	FlushThreshold int
}

// DefaultPolicy returns the policy with the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SmallChunk:     DefaultSmallChunk,
		FlushThreshold: DefaultFlushThreshold,
	}
}

// ShouldFlush reports whether the sink must be flushed after writing a chunk
// of n bytes, given the bytes already pending before this chunk. On true the
// caller resets its pending count to zero; on false it adds n to it.
func (p Policy) ShouldFlush(n, pending int) bool {
	if n < p.SmallChunk {
		return true
	}
	return pending+n > p.FlushThreshold
}

// FlushReason labels why a flush happened, for metrics.
type FlushReason string

const (
	// FlushSmallChunk is a latency flush triggered by a small chunk.
	FlushSmallChunk FlushReason = "small_chunk"

	// FlushThresholdHit is a throughput flush triggered by the pending-byte
	// threshold.
	FlushThresholdHit FlushReason = "threshold"

	// FlushEveryChunk is the unconditional per-chunk flush of the
	// broker→client direction.
	FlushEveryChunk FlushReason = "every_chunk"

	// FlushFinal is the teardown flush of trailing pending bytes.
	FlushFinal FlushReason = "final"
)
