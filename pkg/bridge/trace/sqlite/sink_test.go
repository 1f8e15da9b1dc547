// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := New(context.Background(), filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestAppendAndRecent(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := sink.Append(ctx, bridge.CallRecord{
			ID:         string(rune('a' + i)),
			Capability: "mcp_s1_echo",
			ServerName: "s1",
			Identity:   "qq:123:group+qq:9:user",
			Arguments:  map[string]any{"x": float64(i)},
			StartedAt:  base.Add(time.Duration(i) * time.Second),
			Duration:   250 * time.Millisecond,
			Success:    true,
		})
		require.NoError(t, err)
	}

	recs, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID, "most recent first")
	assert.Equal(t, "b", recs[1].ID)
	assert.Equal(t, "mcp_s1_echo", recs[0].Capability)
	assert.Equal(t, map[string]any{"x": float64(2)}, recs[0].Arguments)
	assert.Equal(t, 250*time.Millisecond, recs[0].Duration)
	assert.True(t, recs[0].StartedAt.Equal(base.Add(2*time.Second)))
}

func TestAppend_FailureRecord(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()

	err := sink.Append(ctx, bridge.CallRecord{
		ID:         "f1",
		Capability: "mcp_s1_echo",
		ServerName: "s1",
		StartedAt:  time.Now(),
		Success:    false,
		Error:      "operation timed out",
	})
	require.NoError(t, err)

	recs, err := sink.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, "operation timed out", recs[0].Error)
}

func TestNew_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.db")
	ctx := context.Background()

	sink, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, sink.Append(ctx, bridge.CallRecord{ID: "r1", StartedAt: time.Now()}))
	require.NoError(t, sink.Close())

	// Migrations are idempotent across reopen, and data survives.
	sink, err = New(ctx, path)
	require.NoError(t, err)
	defer sink.Close()

	recs, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
