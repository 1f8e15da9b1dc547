// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/cache"
	"github.com/stacklok/mcpbridge/pkg/bridge/permissions"
	"github.com/stacklok/mcpbridge/pkg/bridge/trace"
)

// fakeSession implements just enough of bridge.Session for dispatch.
type fakeSession struct {
	mu         sync.Mutex
	desc       bridge.ServerDescriptor
	result     string
	invokeErr  error
	slow       bool
	dispatches int
}

func (f *fakeSession) Connect(context.Context) error    { return nil }
func (f *fakeSession) Disconnect(context.Context) error { return nil }
func (f *fakeSession) Probe(context.Context) error      { return nil }
func (f *fakeSession) Capabilities() []bridge.Capability {
	return nil
}
func (f *fakeSession) State() bridge.SessionState          { return bridge.StateConnected }
func (f *fakeSession) Descriptor() bridge.ServerDescriptor { return f.desc }

func (f *fakeSession) Invoke(ctx context.Context, _ string, _ map[string]any, _ time.Duration) (*bridge.CallResult, error) {
	f.mu.Lock()
	f.dispatches++
	slow, result, err := f.slow, f.result, f.invokeErr
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: dispatch: %v", bridge.ErrTimeout, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return &bridge.CallResult{Text: result}, nil
}

func (f *fakeSession) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

// fakeResolver routes every known qualified name to one session.
type fakeResolver struct {
	mu       sync.Mutex
	session  *fakeSession
	routes   map[string]string // qualified -> raw
	recorded []bool
}

func (f *fakeResolver) Resolve(qualified string) (bridge.Session, string, error) {
	raw, ok := f.routes[qualified]
	if !ok {
		return nil, "", fmt.Errorf("%w: capability %q", bridge.ErrNotFound, qualified)
	}
	return f.session, raw, nil
}

func (f *fakeResolver) Owner(qualified string) (string, bool) {
	if _, ok := f.routes[qualified]; !ok {
		return "", false
	}
	return f.session.desc.Name, true
}

func (f *fakeResolver) RecordCall(_, _ string, _ time.Duration, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, success)
}

type fakePost struct {
	out string
	err error
}

func (f *fakePost) Process(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

type fixture struct {
	pipeline *Pipeline
	session  *fakeSession
	resolver *fakeResolver
	tracer   *trace.Tracer
}

func newFixture(t *testing.T, cfg Config, permCfg permissions.Config, excluded []string, opts ...Option) *fixture {
	t.Helper()

	callCache, err := cache.New(16, excluded)
	require.NoError(t, err)
	perms, err := permissions.New(permCfg)
	require.NoError(t, err)
	tracer, err := trace.New(32, nil)
	require.NoError(t, err)

	session := &fakeSession{
		desc:   bridge.ServerDescriptor{Name: "s1", Enabled: true, Transport: bridge.TransportStdio},
		result: "pong",
	}
	resolver := &fakeResolver{
		session: session,
		routes:  map[string]string{"mcp_s1_echo": "echo", "mcp_s1_fetch": "fetch"},
	}

	return &fixture{
		pipeline: New(cfg, resolver, callCache, perms, tracer, opts...),
		session:  session,
		resolver: resolver,
		tracer:   tracer,
	}
}

func callerIdentity() bridge.IdentitySet {
	return bridge.IdentitySet{
		Chat: &bridge.Identity{Scope: bridge.ScopeGroup, Value: "qq:456:group"},
		User: &bridge.Identity{Scope: bridge.ScopeUser, Value: "qq:9:user"},
	}
}

func TestInvoke_SuccessThenCacheHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{}, nil)
	ctx := context.Background()
	args := map[string]any{"x": 1}

	res, err := f.pipeline.Invoke(ctx, "mcp_s1_echo", args, callerIdentity(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, 1, f.session.dispatchCount())

	recs := f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.False(t, recs[0].CacheHit)
	assert.Equal(t, "s1", recs[0].ServerName)

	// Identical call within TTL is served from cache, no dispatch.
	res, err = f.pipeline.Invoke(ctx, "mcp_s1_echo", args, callerIdentity(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, 1, f.session.dispatchCount())

	recs = f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CacheHit)
	assert.Equal(t, "s1", recs[0].ServerName, "cache hits are still attributed to the owning server")
}

func TestInvoke_CacheExpiryDispatchesAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{CacheTTL: 20 * time.Millisecond}, permissions.Config{}, nil)
	ctx := context.Background()
	args := map[string]any{"x": 1}

	_, err := f.pipeline.Invoke(ctx, "mcp_s1_echo", args, callerIdentity(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.session.dispatchCount())

	time.Sleep(40 * time.Millisecond)

	_, err = f.pipeline.Invoke(ctx, "mcp_s1_echo", args, callerIdentity(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.session.dispatchCount(), "expired entry dispatches again")
}

func TestInvoke_PermissionDenied(t *testing.T) {
	t.Parallel()

	permCfg := permissions.Config{
		Rules: []permissions.Rule{
			{Capability: "mcp_s1_*", Mode: permissions.ModeBlacklist, Identities: []string{"qq:123:group"}},
		},
	}
	f := newFixture(t, Config{}, permCfg, nil)
	ctx := context.Background()

	denied := bridge.IdentitySet{
		Chat: &bridge.Identity{Scope: bridge.ScopeGroup, Value: "qq:123:group"},
		User: &bridge.Identity{Scope: bridge.ScopeUser, Value: "qq:9:user"},
	}
	_, err := f.pipeline.Invoke(ctx, "mcp_s1_echo", nil, denied, 0)
	require.ErrorIs(t, err, bridge.ErrPermissionDenied)
	assert.Equal(t, 0, f.session.dispatchCount(), "denied calls never dispatch")

	recs := f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Contains(t, recs[0].Error, "permission denied")

	// A different group passes the blacklist.
	_, err = f.pipeline.Invoke(ctx, "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err)
}

func TestInvoke_ExcludedCapabilityNeverCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{}, []string{"mcp_s1_fetch"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Invoke(ctx, "mcp_s1_fetch", nil, callerIdentity(), 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.session.dispatchCount())
	assert.Equal(t, 0, f.pipeline.CacheStats().Size)
}

func TestInvoke_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{}, nil)

	_, err := f.pipeline.Invoke(context.Background(), "mcp_s9_echo", nil, callerIdentity(), 0)
	require.ErrorIs(t, err, bridge.ErrNotFound)

	recs := f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestInvoke_TimeoutNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{}, nil)
	f.session.slow = true
	ctx := context.Background()

	_, err := f.pipeline.Invoke(ctx, "mcp_s1_echo", nil, callerIdentity(), 30*time.Millisecond)
	require.ErrorIs(t, err, bridge.ErrTimeout)

	recs := f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)

	// The failed call must not have been cached.
	f.session.mu.Lock()
	f.session.slow = false
	f.session.mu.Unlock()
	_, err = f.pipeline.Invoke(ctx, "mcp_s1_echo", nil, callerIdentity(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, f.session.dispatchCount(), "timeout result is never served from cache")
}

func TestInvoke_PostProcessing(t *testing.T) {
	t.Parallel()

	post := &fakePost{out: strings.Repeat("s", 20)}
	f := newFixture(t,
		Config{PostProcessThreshold: 3, MaxOutputSize: 10},
		permissions.Config{}, nil,
		WithPostProcessor(post))

	res, err := f.pipeline.Invoke(context.Background(), "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("s", 10), res.Text, "output capped at max size")

	recs := f.tracer.Recent(1)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].PostProcessed)
}

func TestInvoke_PostProcessingFailureDegradesToRaw(t *testing.T) {
	t.Parallel()

	post := &fakePost{err: errors.New("summarizer offline")}
	f := newFixture(t,
		Config{PostProcessThreshold: 3},
		permissions.Config{}, nil,
		WithPostProcessor(post))

	res, err := f.pipeline.Invoke(context.Background(), "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err, "post-processing failure never fails the call")
	assert.Equal(t, "pong", res.Text)
	assert.False(t, f.tracer.Recent(1)[0].PostProcessed)
}

func TestInvoke_PostProcessingServerOverride(t *testing.T) {
	t.Parallel()

	post := &fakePost{out: "summary"}
	f := newFixture(t,
		Config{PostProcessThreshold: 3},
		permissions.Config{}, nil,
		WithPostProcessor(post))
	disabled := false
	f.session.desc.PostProcess = &disabled

	res, err := f.pipeline.Invoke(context.Background(), "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text, "per-server override disables post-processing")
}

func TestInvoke_BelowThresholdSkipsPostProcessing(t *testing.T) {
	t.Parallel()

	post := &fakePost{out: "summary"}
	f := newFixture(t,
		Config{PostProcessThreshold: 100},
		permissions.Config{}, nil,
		WithPostProcessor(post))

	res, err := f.pipeline.Invoke(context.Background(), "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
}

func TestInvoke_ExactlyOneTraceRecordPerCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{Default: permissions.DenyAll}, nil)
	ctx := context.Background()

	// Every call is denied by the default policy; each one still records
	// exactly once.
	calls := []string{"mcp_s1_echo", "mcp_s9_echo", "mcp_s1_fetch", "mcp_s1_echo"}
	for _, name := range calls {
		_, _ = f.pipeline.Invoke(ctx, name, nil, callerIdentity(), 0)
	}
	assert.Equal(t, len(calls), f.tracer.Len())
}

func TestInvoke_RecordsCallStatistics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, permissions.Config{}, nil)
	ctx := context.Background()

	_, err := f.pipeline.Invoke(ctx, "mcp_s1_echo", nil, callerIdentity(), 0)
	require.NoError(t, err)

	f.session.mu.Lock()
	f.session.invokeErr = fmt.Errorf("%w: boom", bridge.ErrProtocolError)
	f.session.mu.Unlock()
	_, err = f.pipeline.Invoke(ctx, "mcp_s1_fetch", nil, callerIdentity(), 0)
	require.ErrorIs(t, err, bridge.ErrProtocolError)

	f.resolver.mu.Lock()
	defer f.resolver.mu.Unlock()
	require.Equal(t, []bool{true, false}, f.resolver.recorded)
}
