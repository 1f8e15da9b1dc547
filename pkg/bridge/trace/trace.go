// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package trace keeps a fixed-capacity ring buffer of call records for
// diagnostics, optionally mirrored to a durable append-only sink.
package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// sinkTimeout bounds one durable append so a slow sink cannot back up the
// mirror goroutine indefinitely.
const sinkTimeout = 5 * time.Second

// Tracer records call outcomes in a fixed-size circular buffer, overwriting
// the oldest record when full. Recording never blocks the caller on the
// durable sink; mirroring happens on a separate goroutine and drops records
// rather than applying backpressure.
type Tracer struct {
	mu      sync.Mutex
	records []bridge.CallRecord
	next    int
	count   int
	closed  bool

	sink   bridge.TraceSink
	sinkCh chan bridge.CallRecord
	done   chan struct{}
}

// New creates a tracer holding at most capacity records. sink may be nil to
// disable durable mirroring.
func New(capacity int, sink bridge.TraceSink) (*Tracer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: trace capacity must be positive, got %d", bridge.ErrInvalidConfig, capacity)
	}

	t := &Tracer{
		records: make([]bridge.CallRecord, capacity),
		sink:    sink,
	}
	if sink != nil {
		t.sinkCh = make(chan bridge.CallRecord, capacity)
		t.done = make(chan struct{})
		go t.mirror()
	}
	return t, nil
}

// Record appends one call record, assigning an ID when the caller left it
// empty. When the buffer is full the oldest record is overwritten.
func (t *Tracer) Record(rec bridge.CallRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	t.mu.Lock()
	t.records[t.next] = rec
	t.next = (t.next + 1) % len(t.records)
	if t.count < len(t.records) {
		t.count++
	}

	// The non-blocking send happens under t.mu, the same lock Close holds
	// when it closes sinkCh, so a record can never race the close.
	dropped := false
	if t.sinkCh != nil && !t.closed {
		select {
		case t.sinkCh <- rec:
		default:
			dropped = true
		}
	}
	t.mu.Unlock()

	if dropped {
		logger.Warnf("Trace sink backlog full, dropping record %s for %s", rec.ID, rec.Capability)
	}
}

// Recent returns up to n records, most recent first.
func (t *Tracer) Recent(n int) []bridge.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]bridge.CallRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, t.at(i))
	}
	return out
}

// ByCapability returns all buffered records for a qualified capability name,
// most recent first.
func (t *Tracer) ByCapability(name string) []bridge.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []bridge.CallRecord
	for i := 0; i < t.count; i++ {
		if rec := t.at(i); rec.Capability == name {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of buffered records.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Close stops the mirror goroutine, flushes records still queued for the
// sink, and closes the sink. The ring buffer stays readable.
func (t *Tracer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.sinkCh != nil {
		close(t.sinkCh)
	}
	t.mu.Unlock()

	if t.sink == nil {
		return nil
	}
	<-t.done
	return t.sink.Close()
}

// at returns the i-th most recent record. Caller holds t.mu.
func (t *Tracer) at(i int) bridge.CallRecord {
	idx := (t.next - 1 - i + 2*len(t.records)) % len(t.records)
	return t.records[idx]
}

// mirror drains the sink channel, appending records best-effort.
func (t *Tracer) mirror() {
	defer close(t.done)
	for rec := range t.sinkCh {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := t.sink.Append(ctx, rec); err != nil {
			logger.Warnf("Failed to append trace record %s to durable sink: %v", rec.ID, err)
		}
		cancel()
	}
}
