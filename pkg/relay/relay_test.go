// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
)

// chunkReader delivers each chunk in exactly one Read call, then io.EOF.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return copy(p, c), nil
}

// recordingSink captures everything written plus flush boundaries.
type recordingSink struct {
	data    bytes.Buffer
	flushes int
	// flushedAt records the total byte count at each flush.
	flushedAt []int
	writeErr  error
	flushErr  error
}

func (s *recordingSink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.data.Write(p)
}

func (s *recordingSink) Flush() error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushes++
	s.flushedAt = append(s.flushedAt, s.data.Len())
	return nil
}

type recordedFlush struct {
	dir    Direction
	reason FlushReason
}

type fakeRecorder struct {
	mu      sync.Mutex
	bytes   map[Direction]int
	flushes []recordedFlush
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{bytes: make(map[Direction]int)}
}

func (r *fakeRecorder) RelayedBytes(dir Direction, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes[dir] += n
}

func (r *fakeRecorder) RecordFlush(dir Direction, reason FlushReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, recordedFlush{dir, reason})
}

func chunk(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestCopySmallChunkFlushesImmediately(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{chunk(50, 'a')}}
	sink := &recordingSink{}
	rec := newFakeRecorder()

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, rec)
	written, err := s.Copy(sink, src, ClientToBroker)
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if written != 50 {
		t.Errorf("written = %d, want 50", written)
	}
	if sink.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", sink.flushes)
	}
	if sink.flushedAt[0] != 50 {
		t.Errorf("flush happened at %d bytes, want 50", sink.flushedAt[0])
	}
	if len(rec.flushes) != 1 || rec.flushes[0].reason != FlushSmallChunk {
		t.Errorf("recorded flushes = %+v, want one small_chunk flush", rec.flushes)
	}
}

func TestCopyLargeChunksCoalesce(t *testing.T) {
	// Ten chunks of 20000 bytes. Pending crosses 131072 when the 7th chunk
	// lands (140000 bytes), so there is exactly one threshold flush there,
	// and the remaining 60000 bytes go out in the final flush.
	var chunks [][]byte
	for i := 0; i < 10; i++ {
		chunks = append(chunks, chunk(20000, byte('a'+i)))
	}
	src := &chunkReader{chunks: chunks}
	sink := &recordingSink{}
	rec := newFakeRecorder()

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, rec)
	written, err := s.Copy(sink, src, ClientToBroker)
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if written != 200000 {
		t.Errorf("written = %d, want 200000", written)
	}
	if sink.flushes != 2 {
		t.Fatalf("flushes = %d, want exactly 2", sink.flushes)
	}
	if sink.flushedAt[0] != 140000 {
		t.Errorf("first flush at %d bytes, want 140000", sink.flushedAt[0])
	}
	if sink.flushedAt[1] != 200000 {
		t.Errorf("final flush at %d bytes, want 200000", sink.flushedAt[1])
	}
	if rec.flushes[0].reason != FlushThresholdHit || rec.flushes[1].reason != FlushFinal {
		t.Errorf("flush reasons = %+v, want threshold then final", rec.flushes)
	}
}

func TestCopyPreservesByteOrder(t *testing.T) {
	chunks := [][]byte{
		[]byte("CONNECT "),
		chunk(20000, 'p'),
		[]byte("PINGREQ"),
		chunk(150, 'q'),
	}
	var want bytes.Buffer
	for _, c := range chunks {
		want.Write(c)
	}

	src := &chunkReader{chunks: chunks}
	sink := &recordingSink{}

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})
	if _, err := s.Copy(sink, src, ClientToBroker); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if !bytes.Equal(sink.data.Bytes(), want.Bytes()) {
		t.Errorf("sink received %d bytes out of order or corrupted, want exact concatenation of %d bytes",
			sink.data.Len(), want.Len())
	}
}

func TestCopyBrokerToClientFlushesEveryChunk(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{
		chunk(20000, 'x'),
		chunk(20000, 'y'),
		chunk(10, 'z'),
	}}
	sink := &recordingSink{}
	rec := newFakeRecorder()

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, rec)
	if _, err := s.Copy(sink, src, BrokerToClient); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if sink.flushes != 3 {
		t.Errorf("flushes = %d, want one per chunk", sink.flushes)
	}
	for _, f := range rec.flushes {
		if f.reason != FlushEveryChunk {
			t.Errorf("flush reason = %q, want every_chunk", f.reason)
		}
	}
	if rec.bytes[BrokerToClient] != 40010 {
		t.Errorf("recorded bytes = %d, want 40010", rec.bytes[BrokerToClient])
	}
}

func TestCopyFinalFlushOnSourceError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	src := io.MultiReader(
		&chunkReader{chunks: [][]byte{chunk(1000, 'a')}},
		&errReader{err: boom},
	)
	sink := &recordingSink{}

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})
	written, err := s.Copy(sink, src, ClientToBroker)
	if !errors.Is(err, boom) {
		t.Fatalf("Copy error = %v, want %v", err, boom)
	}
	if written != 1000 {
		t.Errorf("written = %d, want 1000", written)
	}
	// Pending bytes must still have been pushed out.
	if sink.flushes != 1 || sink.flushedAt[0] != 1000 {
		t.Errorf("flushes = %d at %v, want final flush of the pending 1000 bytes", sink.flushes, sink.flushedAt)
	}
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestCopyStopsOnSinkError(t *testing.T) {
	boom := errors.New("broken pipe")
	src := &chunkReader{chunks: [][]byte{chunk(10, 'a'), chunk(10, 'b')}}
	sink := &recordingSink{writeErr: boom}

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})
	if _, err := s.Copy(sink, src, ClientToBroker); !errors.Is(err, boom) {
		t.Fatalf("Copy error = %v, want %v", err, boom)
	}
}

func TestCopyFlushErrorSurfaces(t *testing.T) {
	boom := errors.New("use of closed network connection")
	src := &chunkReader{chunks: [][]byte{chunk(10, 'a')}}
	sink := &recordingSink{flushErr: boom}

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})
	if _, err := s.Copy(sink, src, ClientToBroker); !errors.Is(err, boom) {
		t.Fatalf("Copy error = %v, want %v", err, boom)
	}
}

func TestPooledStreamerMatchesStreamer(t *testing.T) {
	build := func() [][]byte {
		var chunks [][]byte
		for i := 0; i < 10; i++ {
			chunks = append(chunks, chunk(20000, byte('a'+i)))
		}
		chunks = append(chunks, chunk(42, '!'))
		return chunks
	}

	ref := &recordingSink{}
	opt := &recordingSink{}

	s := NewStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})
	p := NewPooledStreamer(DefaultPolicy(), DefaultBufferSize, NopRecorder{})

	refN, refErr := s.Copy(ref, &chunkReader{chunks: build()}, ClientToBroker)
	optN, optErr := p.Copy(opt, &chunkReader{chunks: build()}, ClientToBroker)

	if refErr != nil || optErr != nil {
		t.Fatalf("Copy errors: streamer=%v pooled=%v", refErr, optErr)
	}
	if refN != optN {
		t.Errorf("byte counts differ: streamer=%d pooled=%d", refN, optN)
	}
	if !bytes.Equal(ref.data.Bytes(), opt.data.Bytes()) {
		t.Error("pooled streamer produced different output than reference streamer")
	}
	if ref.flushes != opt.flushes {
		t.Errorf("flush counts differ: streamer=%d pooled=%d", ref.flushes, opt.flushes)
	}
}

func TestPooledStreamerReusesBuffers(t *testing.T) {
	p := NewPooledStreamer(DefaultPolicy(), 1024, NopRecorder{})

	// Sequential copies must not interfere through the shared pool.
	for i := 0; i < 5; i++ {
		sink := &recordingSink{}
		src := &chunkReader{chunks: [][]byte{chunk(512, byte('0' + i))}}
		if _, err := p.Copy(sink, src, ClientToBroker); err != nil {
			t.Fatalf("Copy %d returned error: %v", i, err)
		}
		if sink.data.Len() != 512 {
			t.Fatalf("Copy %d wrote %d bytes, want 512", i, sink.data.Len())
		}
	}
}

func TestNopFlusher(t *testing.T) {
	var buf bytes.Buffer
	fw := NopFlusher(&buf)
	if _, err := fw.Write([]byte("frame")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if buf.String() != "frame" {
		t.Errorf("buffer = %q, want %q", buf.String(), "frame")
	}
}

func TestDirectionString(t *testing.T) {
	if ClientToBroker.String() != "client_to_broker" || BrokerToClient.String() != "broker_to_client" {
		t.Error("unexpected Direction string values")
	}
}
