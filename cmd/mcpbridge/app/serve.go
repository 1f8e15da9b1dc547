// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/cache"
	"github.com/stacklok/mcpbridge/pkg/bridge/config"
	"github.com/stacklok/mcpbridge/pkg/bridge/permissions"
	"github.com/stacklok/mcpbridge/pkg/bridge/pipeline"
	"github.com/stacklok/mcpbridge/pkg/bridge/registry"
	"github.com/stacklok/mcpbridge/pkg/bridge/trace"
	tracesqlite "github.com/stacklok/mcpbridge/pkg/bridge/trace/sqlite"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// newServeCmd creates the serve command for running the bridge
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP bridge",
		Long: `Run the MCP bridge until interrupted.

The bridge connects to every enabled server from the configuration file,
starts the heartbeat monitor and keeps sessions healthy. Sending SIGHUP
triggers a manual reconnect of all servers.`,
		RunE: runServe,
	}
}

// bridgeComponents groups everything the CLI wires together from one
// configuration file.
type bridgeComponents struct {
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	tracer   *trace.Tracer
}

// buildComponents constructs the registry, pipeline and tracer from a loaded
// configuration and connects every configured server. Connect failures are
// logged and left to the heartbeat; they do not abort startup.
func buildComponents(ctx context.Context, cfg *config.Config, opts ...registry.Option) (*bridgeComponents, error) {
	callCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.Exclude)
	if err != nil {
		return nil, fmt.Errorf("building call cache: %w", err)
	}

	permCfg := permissions.Config{}
	if cfg.Permissions != nil {
		permCfg = *cfg.Permissions
	}
	perms, err := permissions.New(permCfg)
	if err != nil {
		return nil, fmt.Errorf("building permission evaluator: %w", err)
	}

	var sink bridge.TraceSink
	if cfg.Trace.SQLitePath != "" {
		sink, err = tracesqlite.New(ctx, cfg.Trace.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening trace sink: %w", err)
		}
	}
	tracer, err := trace.New(cfg.Trace.Capacity, sink)
	if err != nil {
		return nil, fmt.Errorf("building call tracer: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Prefix:               cfg.Prefix,
		ConnectAttempts:      cfg.Registry.ConnectAttempts,
		ConnectRetryInterval: time.Duration(cfg.Registry.ConnectRetryInterval),
		HeartbeatInterval:    time.Duration(cfg.Registry.HeartbeatInterval),
		ProbeTimeout:         time.Duration(cfg.Registry.ProbeTimeout),
		MaxReconnectAttempts: cfg.Registry.MaxReconnectAttempts,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("building session registry: %w", err)
	}

	for _, s := range cfg.Servers {
		if err := reg.AddServer(ctx, s.Descriptor()); err != nil {
			// The server stays registered; the heartbeat keeps trying.
			logger.Warnf("Server %s added but not connected: %v", s.Name, err)
		}
	}

	pl := pipeline.New(pipeline.Config{
		CallTimeout:          time.Duration(cfg.Calls.Timeout),
		CacheTTL:             time.Duration(cfg.Cache.TTL),
		PostProcessThreshold: cfg.Calls.PostProcessThreshold,
		MaxOutputSize:        cfg.Calls.MaxOutputSize,
	}, reg, callCache, perms, tracer)

	return &bridgeComponents{registry: reg, pipeline: pl, tracer: tracer}, nil
}

// shutdown tears the bridge down in dependency order.
func (b *bridgeComponents) shutdown(ctx context.Context) {
	if err := b.registry.Shutdown(ctx); err != nil {
		logger.Warnf("Registry shutdown reported errors: %v", err)
	}
	if err := b.tracer.Close(); err != nil {
		logger.Warnf("Trace sink close reported errors: %v", err)
	}
}

// loggingNotifier logs capability registration changes. It stands in for a
// host that materializes callable wrappers.
type loggingNotifier struct{}

func (loggingNotifier) RegisterCapabilities(serverName string, capabilities []bridge.QualifiedCapability) {
	logger.Infow("Capabilities registered", "server", serverName, "count", len(capabilities))
	for _, c := range capabilities {
		logger.Debugw("Capability available", "name", c.Name, "parameters", len(c.Parameters))
	}
}

func (loggingNotifier) UnregisterCapabilities(serverName string) {
	logger.Infow("Capabilities unregistered", "server", serverName)
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	components, err := buildComponents(ctx, cfg, registry.WithNotifier(loggingNotifier{}))
	if err != nil {
		return err
	}

	components.registry.StartHeartbeat(ctx)
	logger.Infof("Bridge running with %d servers, heartbeat every %s",
		len(cfg.Servers), cfg.Registry.HeartbeatInterval)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Infof("SIGHUP received, reconnecting all servers")
			if err := components.registry.ReconnectAll(ctx); err != nil {
				logger.Warnf("Reconnect-all reported errors: %v", err)
			}
		case <-ctx.Done():
			logger.Infof("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			components.shutdown(shutdownCtx)
			return nil
		}
	}
}
