// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client implements the per-server session: one transport connection
// driven through a small lifecycle state machine, with capability discovery,
// call dispatch, and liveness probing.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

const (
	clientName    = "mcpbridge"
	clientVersion = "0.1.0"

	// httpRequestTimeout bounds individual HTTP requests on remote
	// transports. Long-running calls are still limited by the per-call
	// timeout passed to Invoke.
	httpRequestTimeout = 30 * time.Second

	defaultProbeTimeout = 10 * time.Second
)

// protocolClient is the slice of mark3labs/mcp-go's client.Client the session
// needs. Narrowed to an interface so tests can substitute a fake.
type protocolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ protocolClient = (*mcpclient.Client)(nil)

// Session owns one transport connection to one server and implements
// bridge.Session. Lifecycle operations (Connect, Disconnect) are serialized;
// Invoke and Probe may run concurrently against the live connection.
type Session struct {
	// opMu serializes connect and disconnect so the session never runs two
	// lifecycle transitions at once.
	opMu sync.Mutex

	// mu guards the fields below.
	mu           sync.RWMutex
	state        bridge.SessionState
	client       protocolClient
	capabilities []bridge.Capability

	desc         bridge.ServerDescriptor
	probeTimeout time.Duration

	// clientFactory builds and starts the transport-specific protocol
	// client. Overridable in tests.
	clientFactory func(ctx context.Context, desc bridge.ServerDescriptor) (protocolClient, error)
}

var _ bridge.Session = (*Session)(nil)

// Option adjusts session construction.
type Option func(*Session)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// NewSession creates a disconnected session for the given descriptor.
func NewSession(desc bridge.ServerDescriptor, opts ...Option) *Session {
	s := &Session{
		state:         bridge.StateDisconnected,
		desc:          desc,
		probeTimeout:  defaultProbeTimeout,
		clientFactory: defaultClientFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultClientFactory builds the protocol client for the descriptor's
// transport and starts its connection.
func defaultClientFactory(ctx context.Context, desc bridge.ServerDescriptor) (protocolClient, error) {
	switch desc.Transport {
	case bridge.TransportStdio:
		env := make([]string, 0, len(desc.Env))
		for k, v := range desc.Env {
			env = append(env, k+"="+v)
		}
		c, err := mcpclient.NewStdioMCPClient(desc.Command, env, desc.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}
		// NewStdioMCPClient starts the child process itself.
		return c, nil

	case bridge.TransportStreamableHTTP:
		c, err := mcpclient.NewStreamableHttpClient(
			desc.URL,
			transport.WithHTTPTimeout(httpRequestTimeout),
			transport.WithHTTPHeaders(desc.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start client connection: %w", err)
		}
		return c, nil

	case bridge.TransportSSE:
		httpClient := &http.Client{Timeout: 0} // the event stream stays open
		c, err := mcpclient.NewSSEMCPClient(
			desc.URL,
			transport.WithHTTPClient(httpClient),
			transport.WithHeaders(desc.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start client connection: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q (supported: %s, %s, %s)",
			desc.Transport, bridge.TransportStdio, bridge.TransportSSE, bridge.TransportStreamableHTTP)
	}
}

// Connect establishes the transport, performs the protocol handshake and
// fetches the capability list. It is a no-op success when already connected
// and fails on a closed session.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.State() {
	case bridge.StateClosed:
		return fmt.Errorf("%w: session for %s is closed", bridge.ErrUnavailable, s.desc.Name)
	case bridge.StateConnected, bridge.StateDegraded:
		return nil
	default:
	}

	s.setState(bridge.StateConnecting)
	logger.Debugf("Connecting to server %s (%s)", s.desc.Name, s.desc.Transport)

	c, err := s.clientFactory(ctx, s.desc)
	if err != nil {
		s.setState(bridge.StateDisconnected)
		return fmt.Errorf("%w: server %s: %v", bridge.ErrConnectFailed, s.desc.Name, err)
	}

	if err := initialize(ctx, c); err != nil {
		closeQuietly(c, s.desc.Name)
		s.setState(bridge.StateDisconnected)
		return fmt.Errorf("%w: handshake with server %s: %v", bridge.ErrConnectFailed, s.desc.Name, err)
	}

	caps, err := fetchCapabilities(ctx, c)
	if err != nil {
		closeQuietly(c, s.desc.Name)
		s.setState(bridge.StateDisconnected)
		return fmt.Errorf("%w: listing capabilities of server %s: %v", bridge.ErrConnectFailed, s.desc.Name, err)
	}

	s.mu.Lock()
	s.client = c
	s.capabilities = caps
	s.state = bridge.StateConnected
	s.mu.Unlock()

	logger.Infof("Connected to server %s with %d capabilities", s.desc.Name, len(caps))
	return nil
}

// Disconnect releases transport resources and transitions the session to its
// terminal closed state. Safe to call multiple times and from any state.
func (s *Session) Disconnect(_ context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c := s.client
	s.client = nil
	alreadyClosed := s.state == bridge.StateClosed
	s.state = bridge.StateClosed
	s.mu.Unlock()

	if c != nil {
		closeQuietly(c, s.desc.Name)
	}
	if !alreadyClosed {
		logger.Debugf("Session for server %s closed", s.desc.Name)
	}
	return nil
}

// Invoke sends one request and awaits one response within timeout. Timeouts,
// transport failures and protocol-level errors map to distinct sentinel
// errors.
func (s *Session) Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (*bridge.CallResult, error) {
	c, state := s.snapshot()
	if !state.Usable() || c == nil {
		return nil, fmt.Errorf("%w: server %s is %s", bridge.ErrUnavailable, s.desc.Name, state)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      capability,
			Arguments: args,
		},
	})
	if err != nil {
		wrapped := s.wrapInvokeError(err, capability)
		s.degradeOnTransportError(wrapped)
		return nil, wrapped
	}

	text := flattenContent(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool execution error"
		}
		return nil, fmt.Errorf("%w: %s on server %s: %s", bridge.ErrProtocolError, capability, s.desc.Name, msg)
	}

	return &bridge.CallResult{Text: text}, nil
}

// Probe performs a protocol ping within the probe timeout. A successful probe
// restores a degraded session to connected; a failed probe degrades a
// connected one.
func (s *Session) Probe(ctx context.Context) error {
	c, state := s.snapshot()
	if !state.Usable() || c == nil {
		return fmt.Errorf("%w: server %s is %s", bridge.ErrUnavailable, s.desc.Name, state)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	if err := c.Ping(probeCtx); err != nil {
		s.transition(bridge.StateConnected, bridge.StateDegraded)
		return fmt.Errorf("%w: probe of server %s: %v", bridge.ErrUnavailable, s.desc.Name, err)
	}

	s.transition(bridge.StateDegraded, bridge.StateConnected)
	return nil
}

// Capabilities returns the capability list discovered by the last successful
// connect.
func (s *Session) Capabilities() []bridge.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bridge.Capability, len(s.capabilities))
	copy(out, s.capabilities)
	return out
}

// State returns the current lifecycle state.
func (s *Session) State() bridge.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Descriptor returns the descriptor the session was built from.
func (s *Session) Descriptor() bridge.ServerDescriptor {
	return s.desc
}

func (s *Session) snapshot() (protocolClient, bridge.SessionState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.state
}

func (s *Session) setState(state bridge.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// transition moves the session from one state to another if it is currently
// in the expected state.
func (s *Session) transition(from, to bridge.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == from {
		s.state = to
	}
}

// degradeOnTransportError marks a connected session degraded when a call
// failed at the transport level. Protocol-level errors leave the state alone;
// repeated probe failures handle the rest.
func (s *Session) degradeOnTransportError(err error) {
	if isTransportFailure(err) {
		s.transition(bridge.StateConnected, bridge.StateDegraded)
	}
}

// wrapInvokeError maps a dispatch error onto the bridge error taxonomy.
func (s *Session) wrapInvokeError(err error, capability string) error {
	switch {
	case isTimeoutError(err):
		return fmt.Errorf("%w: %s on server %s: %v", bridge.ErrTimeout, capability, s.desc.Name, err)
	case isConnectionError(err):
		return fmt.Errorf("%w: %s on server %s: %v", bridge.ErrUnavailable, capability, s.desc.Name, err)
	default:
		return fmt.Errorf("%w: %s on server %s: %v", bridge.ErrProtocolError, capability, s.desc.Name, err)
	}
}

// initialize performs the MCP protocol initialization handshake.
func initialize(ctx context.Context, c protocolClient) error {
	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	return err
}

// fetchCapabilities lists the server's tools and converts them to the bridge
// capability type.
func fetchCapabilities(ctx context.Context, c protocolClient) ([]bridge.Capability, error) {
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	caps := make([]bridge.Capability, 0, len(result.Tools))
	for _, tool := range result.Tools {
		caps = append(caps, bridge.Capability{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: decodeSchema(tool.InputSchema),
		})
	}
	return caps, nil
}

// decodeSchema renders a tool's input schema as a plain JSON-decoded map so
// downstream consumers see canonical JSON types regardless of how the client
// library represents the schema internally.
func decodeSchema(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// flattenContent joins the textual parts of a tool result.
func flattenContent(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		if textContent, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, textContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func closeQuietly(c protocolClient, server string) {
	if err := c.Close(); err != nil {
		logger.Debugf("Failed to close client for server %s: %v", server, err)
	}
}
