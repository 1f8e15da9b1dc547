// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP bridge.
//
// The model is YAML-first and platform-agnostic; the CLI loads it from a
// single file and hands typed sections to the components they configure.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/permissions"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// String formats the duration the way time.Duration does.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level configuration model for the bridge.
type Config struct {
	// Prefix is prepended to every exposed capability name, as
	// {prefix}_{server}_{capability}. It may contain letters, digits and
	// hyphens only.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Servers lists the upstream MCP servers the bridge manages.
	Servers []ServerConfig `json:"servers" yaml:"servers"`

	// Registry configures session lifecycle and health monitoring.
	Registry *RegistryConfig `json:"registry,omitempty" yaml:"registry,omitempty"`

	// Cache configures the call result cache.
	Cache *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`

	// Trace configures the in-memory call trace and its durable sink.
	Trace *TraceConfig `json:"trace,omitempty" yaml:"trace,omitempty"`

	// Permissions configures the call permission policy.
	Permissions *permissions.Config `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// Calls configures per-call dispatch and post-processing behavior.
	Calls *CallConfig `json:"calls,omitempty" yaml:"calls,omitempty"`
}

// ServerConfig describes one upstream MCP server.
type ServerConfig struct {
	// Name identifies the server. It may contain letters, digits and
	// hyphens only, and must be unique across the configuration.
	Name string `json:"name" yaml:"name"`

	// Enabled controls whether the bridge connects to this server.
	// Defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Transport is one of "stdio", "sse" or "streamable-http".
	Transport string `json:"transport" yaml:"transport"`

	// Command is the executable to spawn for stdio transport.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are the command arguments for stdio transport.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env holds extra environment variables for stdio transport.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the endpoint for sse and streamable-http transports.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Headers holds extra HTTP headers for sse and streamable-http
	// transports.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// PostProcess overrides the global post-processing setting for results
	// from this server.
	PostProcess *bool `json:"postProcess,omitempty" yaml:"postProcess,omitempty"`
}

// Descriptor converts the server entry into the runtime descriptor.
func (s ServerConfig) Descriptor() bridge.ServerDescriptor {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return bridge.ServerDescriptor{
		Name:        s.Name,
		Enabled:     enabled,
		Transport:   bridge.Transport(s.Transport),
		Command:     s.Command,
		Args:        s.Args,
		Env:         s.Env,
		URL:         s.URL,
		Headers:     s.Headers,
		PostProcess: s.PostProcess,
	}
}

// RegistryConfig configures session lifecycle and health monitoring.
type RegistryConfig struct {
	// ConnectAttempts bounds the connect retries when a server is added or
	// manually reconnected.
	ConnectAttempts int `json:"connectAttempts,omitempty" yaml:"connectAttempts,omitempty"`

	// ConnectRetryInterval is the initial backoff between connect attempts.
	ConnectRetryInterval Duration `json:"connectRetryInterval,omitempty" yaml:"connectRetryInterval,omitempty"`

	// HeartbeatInterval is the period between health probe rounds.
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`

	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout Duration `json:"probeTimeout,omitempty" yaml:"probeTimeout,omitempty"`

	// MaxReconnectAttempts is the number of consecutive heartbeat failures
	// after which automatic reconnection is paused for a server.
	MaxReconnectAttempts int `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"`
}

// CacheConfig configures the call result cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached results.
	MaxEntries int `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`

	// TTL is the lifetime of a cached result.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	// Exclude lists glob patterns of qualified capability names whose
	// results are never cached.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// TraceConfig configures the call trace.
type TraceConfig struct {
	// Capacity is the size of the in-memory trace ring.
	Capacity int `json:"capacity,omitempty" yaml:"capacity,omitempty"`

	// SQLitePath is the path of the durable trace database. Empty disables
	// the durable sink; the in-memory ring still records every call.
	SQLitePath string `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`
}

// CallConfig configures per-call dispatch and post-processing.
type CallConfig struct {
	// Timeout bounds each tool call end to end.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// PostProcessThreshold is the minimum raw result size, in bytes, that
	// triggers post-processing. Zero disables post-processing.
	PostProcessThreshold int `json:"postProcessThreshold,omitempty" yaml:"postProcessThreshold,omitempty"`

	// MaxOutputSize caps the post-processed result size, in bytes.
	MaxOutputSize int `json:"maxOutputSize,omitempty" yaml:"maxOutputSize,omitempty"`
}
