// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

type fakeSink struct {
	mu       sync.Mutex
	appended []bridge.CallRecord
	err      error
	closed   bool
}

func (f *fakeSink) Append(_ context.Context, rec bridge.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) records() []bridge.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.CallRecord(nil), f.appended...)
}

func record(capability string, n int) bridge.CallRecord {
	return bridge.CallRecord{
		ID:         fmt.Sprintf("rec-%s-%d", capability, n),
		Capability: capability,
		StartedAt:  time.Now(),
		Success:    true,
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(0, nil)
	require.ErrorIs(t, err, bridge.ErrInvalidConfig)

	tr, err := New(5, nil)
	require.NoError(t, err)
	require.NotNil(t, tr)
}

func TestRecord_AssignsID(t *testing.T) {
	t.Parallel()

	tr, err := New(5, nil)
	require.NoError(t, err)

	tr.Record(bridge.CallRecord{Capability: "mcp_s1_echo"})
	recs := tr.Recent(1)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	t.Parallel()

	tr, err := New(3, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tr.Record(record("cap", i))
	}

	assert.Equal(t, 3, tr.Len(), "buffer never exceeds capacity")

	recs := tr.Recent(0)
	require.Len(t, recs, 3)
	assert.Equal(t, "rec-cap-4", recs[0].ID, "most recent first")
	assert.Equal(t, "rec-cap-3", recs[1].ID)
	assert.Equal(t, "rec-cap-2", recs[2].ID, "oldest records were overwritten")
}

func TestRecent_Limit(t *testing.T) {
	t.Parallel()

	tr, err := New(10, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		tr.Record(record("cap", i))
	}

	recs := tr.Recent(2)
	require.Len(t, recs, 2)
	assert.Equal(t, "rec-cap-3", recs[0].ID)

	assert.Len(t, tr.Recent(100), 4, "limit beyond buffered count returns everything")
}

func TestByCapability(t *testing.T) {
	t.Parallel()

	tr, err := New(10, nil)
	require.NoError(t, err)

	tr.Record(record("mcp_s1_echo", 0))
	tr.Record(record("mcp_s2_fetch", 1))
	tr.Record(record("mcp_s1_echo", 2))

	recs := tr.ByCapability("mcp_s1_echo")
	require.Len(t, recs, 2)
	assert.Equal(t, "rec-mcp_s1_echo-2", recs[0].ID)
	assert.Equal(t, "rec-mcp_s1_echo-0", recs[1].ID)

	assert.Empty(t, tr.ByCapability("mcp_s3_missing"))
}

func TestSink_MirrorsRecords(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	tr, err := New(5, sink)
	require.NoError(t, err)

	tr.Record(record("cap", 0))
	tr.Record(record("cap", 1))

	require.NoError(t, tr.Close())

	recs := sink.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "rec-cap-0", recs[0].ID)
	assert.True(t, sink.closed)
}

func TestSink_FailureDoesNotAffectBuffer(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: errors.New("disk full")}
	tr, err := New(5, sink)
	require.NoError(t, err)

	tr.Record(record("cap", 0))
	require.NoError(t, tr.Close())

	assert.Equal(t, 1, tr.Len(), "sink failure never loses the in-memory record")
}

func TestRecord_ConcurrentWithClose(t *testing.T) {
	t.Parallel()

	// Records racing a concurrent Close must never panic on the sink
	// channel; late records are buffered in the ring and simply skip the
	// durable sink.
	for i := 0; i < 200; i++ {
		tr, err := New(8, &fakeSink{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for n := 0; n < 25; n++ {
					tr.Record(record(fmt.Sprintf("cap-%d", g), n))
				}
			}(g)
		}
		require.NoError(t, tr.Close())
		wg.Wait()

		assert.Equal(t, 8, tr.Len(), "ring stays writable through close")
	}
}

func TestRecord_AfterClose(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	tr, err := New(5, sink)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr.Record(record("cap", 0))
	assert.Equal(t, 1, tr.Len(), "ring still records after close")
	assert.Empty(t, sink.records(), "closed sink receives nothing")
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	tr, err := New(5, &fakeSink{})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}
