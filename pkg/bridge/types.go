// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge defines the shared domain types for the multi-server MCP
// session bridge: server descriptors, session states, capabilities, call
// records, and the interfaces its subpackages implement.
package bridge

import (
	"context"
	"time"
)

// Transport selects the connection type for a server.
type Transport string

const (
	// TransportStdio runs the server as a local child process and speaks the
	// protocol over its stdin/stdout pipes.
	TransportStdio Transport = "stdio"

	// TransportSSE connects to a remote server over HTTP with server-sent
	// events for the response stream.
	TransportSSE Transport = "sse"

	// TransportStreamableHTTP connects to a remote server using the
	// streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerDescriptor describes one configured server. It is immutable once a
// session has been constructed from it; changing connection parameters
// requires removing and re-adding the server.
type ServerDescriptor struct {
	// Name uniquely identifies the server. It becomes the middle segment of
	// qualified capability names and therefore must not contain underscores.
	Name string

	// Enabled controls whether the registry connects the server at startup.
	Enabled bool

	// Transport selects the connection type: stdio, sse, or streamable-http.
	Transport Transport

	// Command, Args and Env configure the child process for stdio transports.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the endpoint for sse and streamable-http transports.
	URL string

	// Headers are sent with every HTTP request for remote transports.
	Headers map[string]string

	// PostProcess overrides the pipeline-level post-processing setting for
	// results from this server. Nil means inherit.
	PostProcess *bool
}

// SessionState describes the lifecycle state of one server session.
type SessionState string

const (
	// StateDisconnected means no transport is established. Initial state, and
	// the state after reconnect attempts are exhausted.
	StateDisconnected SessionState = "disconnected"

	// StateConnecting means a connect attempt is in progress.
	StateConnecting SessionState = "connecting"

	// StateConnected means the transport is established and the last probe
	// succeeded.
	StateConnected SessionState = "connected"

	// StateDegraded means the transport is established but liveness probes
	// are failing.
	StateDegraded SessionState = "degraded"

	// StateClosed is terminal; the session's resources are released and the
	// descriptor needs a fresh session to be used again.
	StateClosed SessionState = "closed"
)

// Usable reports whether calls may be dispatched to a session in this state.
func (s SessionState) Usable() bool {
	return s == StateConnected || s == StateDegraded
}

// Capability is one named operation a server exposes, as discovered from the
// server's capability listing.
type Capability struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// QualifiedCapability is a capability bound to its owning server under its
// globally unique qualified name.
type QualifiedCapability struct {
	// Name is the qualified name: {prefix}_{server}_{capability}.
	Name string

	// ServerName is the owning server.
	ServerName string

	// RawName is the capability name as the server knows it.
	RawName string

	Description string
	InputSchema map[string]any

	// Parameters is the static parameter description mapped from InputSchema,
	// for hosts that materialize callable wrappers.
	Parameters []ParameterSpec
}

// ParameterSpec is a static, schema-derived description of one call parameter.
type ParameterSpec struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     any
	Enum        []any
}

// CallResult is the outcome payload of one successful dispatch.
type CallResult struct {
	// Text is the flattened textual content of the response.
	Text string

	// IsError is set when the server answered the call but flagged the result
	// as an application-level error.
	IsError bool
}

// Session owns one transport connection to one server.
//
// Connect is idempotent while connected. Disconnect is safe to call multiple
// times and transitions the session to its terminal closed state. Invoke and
// Probe return errors from the bridge taxonomy.
type Session interface {
	// Connect establishes the transport, performs the protocol handshake and
	// fetches the capability list.
	Connect(ctx context.Context) error

	// Disconnect releases transport resources. Reachable from any state.
	Disconnect(ctx context.Context) error

	// Invoke sends one request and awaits one response within timeout.
	Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (*CallResult, error)

	// Probe performs a lightweight liveness check. It does not count as a
	// user-visible call in statistics.
	Probe(ctx context.Context) error

	// Capabilities returns the capability list discovered by the last
	// successful connect. Empty until then.
	Capabilities() []Capability

	// State returns the current lifecycle state.
	State() SessionState

	// Descriptor returns the descriptor the session was built from.
	Descriptor() ServerDescriptor
}

// CapabilityNotifier receives capability registration events so a host can
// materialize and tear down invocable wrappers. Implementations must tolerate
// repeated registration for the same server (list refresh on reconnect).
type CapabilityNotifier interface {
	RegisterCapabilities(serverName string, capabilities []QualifiedCapability)
	UnregisterCapabilities(serverName string)
}

// PostProcessor transforms large raw results before they are returned to the
// caller, e.g. by summarization. Errors degrade to the raw result.
type PostProcessor interface {
	Process(ctx context.Context, raw string) (string, error)
}

// CallRecord is an immutable snapshot of one invocation through the pipeline.
type CallRecord struct {
	ID            string
	Capability    string
	ServerName    string
	Identity      string
	Arguments     map[string]any
	StartedAt     time.Time
	Duration      time.Duration
	Success       bool
	CacheHit      bool
	PostProcessed bool
	Result        string
	Error         string
}

// TraceSink is an optional durable destination for call records. Append is
// best-effort; failures are logged and never surfaced to the caller whose
// call produced the record.
type TraceSink interface {
	Append(ctx context.Context, rec CallRecord) error
	Close() error
}

// CallStats holds monotonic counters for a server or a single capability.
// Counters are never reset except by process restart.
type CallStats struct {
	Attempts      uint64
	Successes     uint64
	TotalDuration time.Duration
}

// SuccessRate returns the fraction of attempts that succeeded, or 0 when no
// attempts have been made.
func (s CallStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// MeanDuration returns the average duration of all attempts, or 0 when no
// attempts have been made.
func (s CallStats) MeanDuration() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Attempts)
}

// ServerStatus is a point-in-time snapshot of one registered server.
type ServerStatus struct {
	Name                string
	State               SessionState
	Enabled             bool
	CapabilityCount     int
	ConsecutiveFailures int

	// ReconnectPaused is set when auto-reconnect has been suspended after
	// exhausting the configured attempt budget; a manual reconnect clears it.
	ReconnectPaused bool

	Stats CallStats
}

// StatusSnapshot aggregates the state of every registered server.
type StatusSnapshot struct {
	Servers []ServerStatus

	// Capabilities maps qualified capability names to their per-capability
	// call statistics.
	Capabilities map[string]CallStats
}
