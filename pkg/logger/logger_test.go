// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := Get()
	Set(newLogger(buf, level, true))
	t.Cleanup(func() { Set(prev) })
	return buf
}

func TestFormattedHelpers(t *testing.T) {
	buf := captureLogs(t, slog.LevelDebug)

	Debugf("connecting to %s", "example")
	Infof("added %d servers", 3)
	Warnf("probe failed: %v", "timeout")
	Errorf("dispatch error: %s", "boom")

	out := buf.String()
	assert.Contains(t, out, "connecting to example")
	assert.Contains(t, out, "added 3 servers")
	assert.Contains(t, out, "probe failed: timeout")
	assert.Contains(t, out, "dispatch error: boom")
}

func TestStructuredHelpers(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Infow("call complete", "capability", "mcp_s1_echo", "duration_ms", 12)

	out := buf.String()
	assert.Contains(t, out, "call complete")
	assert.Contains(t, out, "capability=mcp_s1_echo")
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Debug("should not appear")
	require.Empty(t, buf.String())
}

func TestUnstructuredLogsEnv(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "false")
	assert.False(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "true")
	assert.True(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "")
	assert.True(t, unstructuredLogs())
}
