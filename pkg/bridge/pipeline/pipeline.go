// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline composes the permission evaluator, call cache, session
// registry, post-processing hook and call tracer into the single entry point
// every tool call goes through.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/cache"
	"github.com/stacklok/mcpbridge/pkg/bridge/permissions"
	"github.com/stacklok/mcpbridge/pkg/bridge/trace"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// Resolver is the slice of the session registry the pipeline dispatches
// through.
type Resolver interface {
	Resolve(qualified string) (bridge.Session, string, error)
	Owner(qualified string) (string, bool)
	RecordCall(qualified, serverName string, duration time.Duration, success bool)
}

// Config holds the pipeline's call settings.
type Config struct {
	// CallTimeout is the deadline applied when the caller does not supply
	// one. It bounds resolve, dispatch and post-processing cumulatively.
	CallTimeout time.Duration

	// CacheTTL is the lifetime of cached call results.
	CacheTTL time.Duration

	// PostProcessThreshold is the minimum raw result length, in bytes, that
	// triggers post-processing. Zero disables post-processing entirely.
	PostProcessThreshold int

	// MaxOutputSize caps the post-processed result length, in bytes.
	// Zero means uncapped.
	MaxOutputSize int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout: 60 * time.Second,
		CacheTTL:    5 * time.Minute,
	}
}

// Pipeline is the ordered gate a tool invocation passes through: permission
// check, cache lookup, dispatch, post-processing, trace recording. Every
// call produces exactly one trace record, whichever branch it exits on.
type Pipeline struct {
	cfg      Config
	resolver Resolver
	cache    *cache.CallCache
	perms    *permissions.Evaluator
	tracer   *trace.Tracer
	post     bridge.PostProcessor
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithPostProcessor installs the optional large-result post-processor.
func WithPostProcessor(p bridge.PostProcessor) Option {
	return func(pl *Pipeline) { pl.post = p }
}

// New builds a pipeline over the given components.
func New(cfg Config, resolver Resolver, callCache *cache.CallCache, perms *permissions.Evaluator, tracer *trace.Tracer, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	p := &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		cache:    callCache,
		perms:    perms,
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke runs one tool call through the full gate. deadline bounds resolve,
// dispatch and post-processing cumulatively; zero applies the configured
// default.
func (p *Pipeline) Invoke(ctx context.Context, qualified string, args map[string]any, ids bridge.IdentitySet, deadline time.Duration) (*bridge.CallResult, error) {
	started := time.Now()
	rec := bridge.CallRecord{
		Capability: qualified,
		Identity:   ids.String(),
		Arguments:  args,
		StartedAt:  started,
	}
	// Exactly one trace record per call, on every exit path.
	defer func() {
		rec.Duration = time.Since(started)
		p.tracer.Record(rec)
	}()

	decision := p.perms.Check(qualified, ids)
	if !decision.Allowed {
		err := fmt.Errorf("%w: %s (%s)", bridge.ErrPermissionDenied, qualified, decision.Reason)
		rec.Error = err.Error()
		return nil, err
	}

	cacheable := !p.cache.Excluded(qualified)
	if cacheable {
		if value, ok := p.cache.Get(qualified, args); ok {
			// Resolution is skipped on a hit; attribute the record through
			// the routing table so traces still name the server.
			if server, ok := p.resolver.Owner(qualified); ok {
				rec.ServerName = server
			}
			rec.Success = true
			rec.CacheHit = true
			rec.Result = value
			return &bridge.CallResult{Text: value}, nil
		}
	}

	if deadline <= 0 {
		deadline = p.cfg.CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sess, raw, err := p.resolver.Resolve(qualified)
	if err != nil {
		rec.Error = err.Error()
		return nil, err
	}
	server := sess.Descriptor().Name
	rec.ServerName = server

	result, err := sess.Invoke(callCtx, raw, args, 0)
	p.resolver.RecordCall(qualified, server, time.Since(started), err == nil)
	if err != nil {
		rec.Error = err.Error()
		return nil, err
	}

	// Raw results are cached before post-processing so a degraded or
	// disabled post-processor never poisons the cache.
	if cacheable {
		p.cache.Put(qualified, args, result.Text, p.cfg.CacheTTL)
	}

	text, processed := p.postProcess(callCtx, sess.Descriptor(), qualified, result.Text)

	rec.Success = true
	rec.Result = text
	rec.PostProcessed = processed
	return &bridge.CallResult{Text: text}, nil
}

// postProcess runs the optional post-processor on large results. Failures
// degrade to the raw result and never fail the call.
func (p *Pipeline) postProcess(ctx context.Context, desc bridge.ServerDescriptor, qualified, raw string) (string, bool) {
	if p.post == nil || p.cfg.PostProcessThreshold <= 0 || len(raw) <= p.cfg.PostProcessThreshold {
		return raw, false
	}
	if desc.PostProcess != nil && !*desc.PostProcess {
		return raw, false
	}

	out, err := p.post.Process(ctx, raw)
	if err != nil {
		logger.Warnf("Post-processing of %s result failed, returning raw result: %v", qualified, err)
		return raw, false
	}
	if p.cfg.MaxOutputSize > 0 && len(out) > p.cfg.MaxOutputSize {
		out = out[:p.cfg.MaxOutputSize]
	}
	return out, true
}

// TraceRecent returns the n most recent call records.
func (p *Pipeline) TraceRecent(n int) []bridge.CallRecord {
	return p.tracer.Recent(n)
}

// TraceByCapability returns buffered call records for one capability.
func (p *Pipeline) TraceByCapability(name string) []bridge.CallRecord {
	return p.tracer.ByCapability(name)
}

// CacheStats returns the call cache counters.
func (p *Pipeline) CacheStats() cache.Stats {
	return p.cache.Stats()
}

// CacheClear drops all cached results.
func (p *Pipeline) CacheClear() {
	p.cache.Clear()
}

// PermissionsFor returns the effective permission summary for a capability.
func (p *Pipeline) PermissionsFor(capability string) permissions.Summary {
	return p.perms.For(capability)
}
