// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"
)

const (
	// defaultPrefix qualifies exposed capability names.
	defaultPrefix = "mcp"

	// defaultConnectAttempts bounds connect retries on add and manual
	// reconnect.
	defaultConnectAttempts = 3

	// defaultConnectRetryInterval is the initial backoff between connect
	// attempts.
	defaultConnectRetryInterval = 5 * time.Second

	// defaultHeartbeatInterval is the period between health probe rounds.
	defaultHeartbeatInterval = 60 * time.Second

	// defaultProbeTimeout bounds each individual health probe.
	defaultProbeTimeout = 10 * time.Second

	// defaultMaxReconnectAttempts is the number of consecutive heartbeat
	// failures after which automatic reconnection pauses.
	defaultMaxReconnectAttempts = 3

	// defaultCacheMaxEntries bounds the call result cache.
	defaultCacheMaxEntries = 256

	// defaultCacheTTL is the lifetime of a cached call result.
	defaultCacheTTL = 5 * time.Minute

	// defaultTraceCapacity is the size of the in-memory trace ring.
	defaultTraceCapacity = 512

	// defaultCallTimeout bounds each tool call end to end.
	defaultCallTimeout = 60 * time.Second
)

// DefaultConfig returns a fully populated Config with default values for
// every section. This is the single source of truth for configuration
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix: defaultPrefix,
		Registry: &RegistryConfig{
			ConnectAttempts:      defaultConnectAttempts,
			ConnectRetryInterval: Duration(defaultConnectRetryInterval),
			HeartbeatInterval:    Duration(defaultHeartbeatInterval),
			ProbeTimeout:         Duration(defaultProbeTimeout),
			MaxReconnectAttempts: defaultMaxReconnectAttempts,
		},
		Cache: &CacheConfig{
			MaxEntries: defaultCacheMaxEntries,
			TTL:        Duration(defaultCacheTTL),
		},
		Trace: &TraceConfig{
			Capacity: defaultTraceCapacity,
		},
		Calls: &CallConfig{
			Timeout: Duration(defaultCallTimeout),
		},
	}
}

// EnsureDefaults fills any missing or zero-value fields with defaults while
// preserving user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	_ = mergo.Merge(c, DefaultConfig())
}
