// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the set of configured servers and their sessions:
// qualified-name resolution, heartbeat-driven health checks, bounded
// reconnection, and status aggregation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/client"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// Config holds the registry's connection and health-check settings.
type Config struct {
	// Prefix is the first segment of qualified capability names.
	Prefix string

	// ConnectAttempts bounds connect retries for addServer and manual
	// reconnects. Includes the initial attempt.
	ConnectAttempts int

	// ConnectRetryInterval is the initial backoff interval between connect
	// attempts.
	ConnectRetryInterval time.Duration

	// HeartbeatInterval is the cadence of the heartbeat loop started by
	// StartHeartbeat.
	HeartbeatInterval time.Duration

	// ProbeTimeout bounds each liveness probe.
	ProbeTimeout time.Duration

	// MaxReconnectAttempts pauses auto-reconnect for a server after this many
	// consecutive heartbeat failures. A manual reconnect resets the counter
	// and lifts the pause.
	MaxReconnectAttempts int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:               "mcp",
		ConnectAttempts:      3,
		ConnectRetryInterval: 5 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		ProbeTimeout:         10 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// QualifiedName builds the globally unique capability name
// {prefix}_{server}_{capability}. Server names must not contain underscores
// (enforced at registration), which keeps the mapping unambiguous.
func QualifiedName(prefix, server, capability string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, server, capability)
}

// route maps one qualified capability name to its owning server and the raw
// capability name the server knows.
type route struct {
	server string
	raw    string
}

// serverEntry tracks one registered server. opMu serializes lifecycle
// operations (connect, reconnect, teardown) so heartbeat-driven and manual
// reconnects are mutually exclusive; stateMu guards the snapshot fields.
type serverEntry struct {
	desc bridge.ServerDescriptor

	opMu sync.Mutex

	stateMu             sync.RWMutex
	session             bridge.Session
	consecutiveFailures int
	reconnectPaused     bool
	stats               bridge.CallStats
}

func (e *serverEntry) currentSession() bridge.Session {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.session
}

func (e *serverEntry) setSession(s bridge.Session) {
	e.stateMu.Lock()
	e.session = s
	e.stateMu.Unlock()
}

func (e *serverEntry) resetFailures() {
	e.stateMu.Lock()
	e.consecutiveFailures = 0
	e.reconnectPaused = false
	e.stateMu.Unlock()
}

func (e *serverEntry) recordFailure() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.consecutiveFailures++
	return e.consecutiveFailures
}

func (e *serverEntry) pause() {
	e.stateMu.Lock()
	e.reconnectPaused = true
	e.stateMu.Unlock()
}

func (e *serverEntry) paused() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.reconnectPaused
}

// Registry implements the session registry. All methods are safe for
// concurrent use.
type Registry struct {
	cfg            Config
	sessionFactory func(bridge.ServerDescriptor) bridge.Session
	notifier       bridge.CapabilityNotifier

	mu      sync.RWMutex
	servers map[string]*serverEntry
	routes  map[string]route
	caps    map[string][]bridge.QualifiedCapability

	statsMu  sync.Mutex
	capStats map[string]*bridge.CallStats

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithSessionFactory overrides how sessions are built from descriptors.
// Used by tests and by hosts that decorate sessions.
func WithSessionFactory(f func(bridge.ServerDescriptor) bridge.Session) Option {
	return func(r *Registry) { r.sessionFactory = f }
}

// WithNotifier installs the capability-registration sink invoked when a
// server's capability set is (re)discovered or removed.
func WithNotifier(n bridge.CapabilityNotifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New creates a registry with the given configuration.
func New(cfg Config, opts ...Option) (*Registry, error) {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if err := validateSegment(cfg.Prefix); err != nil {
		return nil, fmt.Errorf("%w: prefix %q: %v", bridge.ErrInvalidConfig, cfg.Prefix, err)
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = def.ConnectRetryInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}

	r := &Registry{
		cfg:      cfg,
		servers:  make(map[string]*serverEntry),
		routes:   make(map[string]route),
		caps:     make(map[string][]bridge.QualifiedCapability),
		capStats: make(map[string]*bridge.CallStats),
	}
	r.sessionFactory = func(desc bridge.ServerDescriptor) bridge.Session {
		return client.NewSession(desc, client.WithProbeTimeout(cfg.ProbeTimeout))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AddServer registers a descriptor and connects its session, retrying per
// the configured budget. On connect failure the server is retained in failed
// state, visible in status and eligible for reconnection.
func (r *Registry) AddServer(ctx context.Context, desc bridge.ServerDescriptor) error {
	if err := validateSegment(desc.Name); err != nil {
		return fmt.Errorf("%w: server name %q: %v", bridge.ErrInvalidConfig, desc.Name, err)
	}

	entry := &serverEntry{desc: desc, session: r.sessionFactory(desc)}

	r.mu.Lock()
	if _, exists := r.servers[desc.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: server %q already registered", bridge.ErrInvalidConfig, desc.Name)
	}
	r.servers[desc.Name] = entry
	r.mu.Unlock()

	if !desc.Enabled {
		logger.Infof("Server %s registered but disabled, not connecting", desc.Name)
		return nil
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if err := r.connectWithRetry(ctx, entry, r.cfg.ConnectAttempts); err != nil {
		logger.Errorf("Failed to connect server %s after %d attempts: %v", desc.Name, r.cfg.ConnectAttempts, err)
		return err
	}
	r.registerCapabilities(entry)
	return nil
}

// RemoveServer disconnects and discards a server and its capability routes.
func (r *Registry) RemoveServer(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: server %q", bridge.ErrNotFound, name)
	}
	delete(r.servers, name)
	r.dropRoutesLocked(name)
	r.mu.Unlock()

	entry.opMu.Lock()
	_ = entry.currentSession().Disconnect(ctx)
	entry.opMu.Unlock()

	if r.notifier != nil {
		r.notifier.UnregisterCapabilities(name)
	}
	logger.Infof("Server %s removed", name)
	return nil
}

// Resolve maps a qualified capability name to the owning session and the raw
// capability name.
func (r *Registry) Resolve(qualified string) (bridge.Session, string, error) {
	r.mu.RLock()
	rt, ok := r.routes[qualified]
	var entry *serverEntry
	if ok {
		entry = r.servers[rt.server]
	}
	r.mu.RUnlock()

	if !ok || entry == nil {
		return nil, "", fmt.Errorf("%w: capability %q", bridge.ErrNotFound, qualified)
	}

	sess := entry.currentSession()
	if !sess.State().Usable() {
		return nil, "", fmt.Errorf("%w: server %s is %s", bridge.ErrUnavailable, rt.server, sess.State())
	}
	return sess, rt.raw, nil
}

// Owner returns the name of the server owning a qualified capability,
// regardless of the session's current availability.
func (r *Registry) Owner(qualified string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[qualified]
	return rt.server, ok
}

// RecordCall updates the per-server and per-capability statistics for one
// dispatched call. A successful call also resets the owning server's
// consecutive-failure counter.
func (r *Registry) RecordCall(qualified, serverName string, duration time.Duration, success bool) {
	r.mu.RLock()
	entry := r.servers[serverName]
	r.mu.RUnlock()

	if entry != nil {
		entry.stateMu.Lock()
		entry.stats.Attempts++
		entry.stats.TotalDuration += duration
		if success {
			entry.stats.Successes++
			entry.consecutiveFailures = 0
		}
		entry.stateMu.Unlock()
	}

	r.statsMu.Lock()
	cs, ok := r.capStats[qualified]
	if !ok {
		cs = &bridge.CallStats{}
		r.capStats[qualified] = cs
	}
	cs.Attempts++
	cs.TotalDuration += duration
	if success {
		cs.Successes++
	}
	r.statsMu.Unlock()
}

// HeartbeatTick probes every enabled server once. Probes run concurrently so
// one slow server cannot starve the others; each carries its own timeout.
// Servers whose consecutive-failure count reaches the configured budget are
// torn down and their auto-reconnect paused until a manual reconnect.
func (r *Registry) HeartbeatTick(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*serverEntry, 0, len(r.servers))
	for _, e := range r.servers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *serverEntry) {
			defer wg.Done()
			r.checkServer(ctx, e)
		}(entry)
	}
	wg.Wait()
}

// checkServer performs one heartbeat evaluation of a single server.
func (r *Registry) checkServer(ctx context.Context, entry *serverEntry) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if !entry.desc.Enabled || entry.paused() {
		return
	}

	sess := entry.currentSession()
	if sess.State().Usable() {
		if err := sess.Probe(ctx); err == nil {
			entry.resetFailures()
			return
		}
		logger.Warnf("Heartbeat probe failed for server %s", entry.desc.Name)
	}
	// Probe failed, or the session was already down (e.g. the initial
	// connect never succeeded). Both count against the reconnect budget.
	failures := entry.recordFailure()

	if failures >= r.cfg.MaxReconnectAttempts {
		entry.pause()
		r.teardown(ctx, entry)
		logger.Errorf("Server %s paused after %d consecutive failures; manual reconnect required",
			entry.desc.Name, failures)
		return
	}

	logger.Infof("Attempting auto-reconnect of server %s (failure %d/%d)",
		entry.desc.Name, failures, r.cfg.MaxReconnectAttempts)
	if err := r.rebuildAndConnect(ctx, entry, 1); err != nil {
		logger.Warnf("Auto-reconnect of server %s failed: %v", entry.desc.Name, err)
		return
	}
	entry.resetFailures()
	r.registerCapabilities(entry)
}

// Reconnect manually reconnects one server, resetting its failure counter
// and lifting any auto-reconnect pause.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	r.mu.RLock()
	entry, ok := r.servers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: server %q", bridge.ErrNotFound, name)
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.resetFailures()
	if err := r.rebuildAndConnect(ctx, entry, r.cfg.ConnectAttempts); err != nil {
		return err
	}
	r.registerCapabilities(entry)
	logger.Infof("Server %s reconnected", name)
	return nil
}

// ReconnectAll manually reconnects every registered server, collecting
// individual failures.
func (r *Registry) ReconnectAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := r.Reconnect(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of every server plus per-capability statistics.
func (r *Registry) Status() bridge.StatusSnapshot {
	r.mu.RLock()
	entries := make([]*serverEntry, 0, len(r.servers))
	capCounts := make(map[string]int, len(r.caps))
	for _, e := range r.servers {
		entries = append(entries, e)
	}
	for name, caps := range r.caps {
		capCounts[name] = len(caps)
	}
	r.mu.RUnlock()

	snapshot := bridge.StatusSnapshot{Capabilities: make(map[string]bridge.CallStats)}
	for _, e := range entries {
		e.stateMu.RLock()
		st := bridge.ServerStatus{
			Name:                e.desc.Name,
			State:               e.session.State(),
			Enabled:             e.desc.Enabled,
			CapabilityCount:     capCounts[e.desc.Name],
			ConsecutiveFailures: e.consecutiveFailures,
			ReconnectPaused:     e.reconnectPaused,
			Stats:               e.stats,
		}
		e.stateMu.RUnlock()
		snapshot.Servers = append(snapshot.Servers, st)
	}
	sort.Slice(snapshot.Servers, func(i, j int) bool {
		return snapshot.Servers[i].Name < snapshot.Servers[j].Name
	})

	r.statsMu.Lock()
	for name, cs := range r.capStats {
		snapshot.Capabilities[name] = *cs
	}
	r.statsMu.Unlock()
	return snapshot
}

// Capabilities returns every registered qualified capability, sorted by name.
func (r *Registry) Capabilities() []bridge.QualifiedCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []bridge.QualifiedCapability
	for _, caps := range r.caps {
		out = append(out, caps...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartHeartbeat runs HeartbeatTick on the configured interval until the
// context is cancelled or Shutdown is called.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if r.hbCancel != nil {
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	r.hbCancel = cancel
	done := make(chan struct{})
	r.hbDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				r.HeartbeatTick(hbCtx)
			}
		}
	}()
	logger.Infof("Heartbeat started with interval %s", r.cfg.HeartbeatInterval)
}

// Shutdown stops the heartbeat and disconnects every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.hbMu.Lock()
	if r.hbCancel != nil {
		r.hbCancel()
		<-r.hbDone
		r.hbCancel = nil
	}
	r.hbMu.Unlock()

	r.mu.RLock()
	entries := make([]*serverEntry, 0, len(r.servers))
	for _, e := range r.servers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		entry.opMu.Lock()
		_ = entry.currentSession().Disconnect(ctx)
		entry.opMu.Unlock()
	}
	logger.Info("Session registry shut down")
	return nil
}

// connectWithRetry connects the entry's session with exponential backoff.
func (r *Registry) connectWithRetry(ctx context.Context, entry *serverEntry, attempts int) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.cfg.ConnectRetryInterval

	operation := func() (any, error) {
		return nil, entry.currentSession().Connect(ctx)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is a small positive config value
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Connect attempt for server %s failed, retrying in %v: %v", entry.desc.Name, duration, err)
		}),
	)
	return err
}

// rebuildAndConnect replaces the entry's session with a fresh one and
// connects it. Sessions are terminal once closed, so reconnection always
// builds a new one. Caller holds entry.opMu.
func (r *Registry) rebuildAndConnect(ctx context.Context, entry *serverEntry, attempts int) error {
	_ = entry.currentSession().Disconnect(ctx)
	entry.setSession(r.sessionFactory(entry.desc))
	return r.connectWithRetry(ctx, entry, attempts)
}

// teardown closes the current session and installs a fresh disconnected one
// so status reports the server as disconnected rather than closed. Caller
// holds entry.opMu.
func (r *Registry) teardown(ctx context.Context, entry *serverEntry) {
	_ = entry.currentSession().Disconnect(ctx)
	entry.setSession(r.sessionFactory(entry.desc))
}

// registerCapabilities rebuilds the qualified-name routes for the entry's
// current capability list and notifies the registration sink. Caller holds
// entry.opMu.
func (r *Registry) registerCapabilities(entry *serverEntry) {
	server := entry.desc.Name
	caps := entry.currentSession().Capabilities()

	qcaps := make([]bridge.QualifiedCapability, 0, len(caps))
	for _, c := range caps {
		qcaps = append(qcaps, bridge.QualifiedCapability{
			Name:        QualifiedName(r.cfg.Prefix, server, c.Name),
			ServerName:  server,
			RawName:     c.Name,
			Description: c.Description,
			InputSchema: c.InputSchema,
			Parameters:  bridge.SchemaToParameters(c.InputSchema),
		})
	}

	r.mu.Lock()
	r.dropRoutesLocked(server)
	for _, qc := range qcaps {
		r.routes[qc.Name] = route{server: server, raw: qc.RawName}
	}
	r.caps[server] = qcaps
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.RegisterCapabilities(server, qcaps)
	}
	logger.Debugf("Registered %d capabilities for server %s", len(qcaps), server)
}

// dropRoutesLocked removes all routes owned by a server. Caller holds r.mu.
func (r *Registry) dropRoutesLocked(server string) {
	for name, rt := range r.routes {
		if rt.server == server {
			delete(r.routes, name)
		}
	}
	delete(r.caps, server)
}

// validateSegment checks that a name segment of the qualified naming scheme
// contains only letters, digits and hyphens. Underscores are rejected so the
// {prefix}_{server}_{capability} scheme stays unambiguous.
func validateSegment(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("invalid character %q (allowed: letters, digits, hyphen)", r)
		}
	}
	return nil
}
