// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/bridge/cache"
	"github.com/stacklok/mcpbridge/pkg/bridge/permissions"
)

// validTransports lists the supported server transports.
var validTransports = []string{
	string(bridge.TransportStdio),
	string(bridge.TransportSSE),
	string(bridge.TransportStreamableHTTP),
}

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate performs comprehensive validation of the configuration. It
// expects defaults to have been applied already.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", bridge.ErrInvalidConfig)
	}

	var errs []string

	if err := validateSegment("prefix", cfg.Prefix); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateServers(cfg.Servers); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateRegistry(cfg.Registry); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateCache(cfg.Cache); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateTrace(cfg.Trace); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validatePermissions(cfg.Permissions); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateCalls(cfg.Calls); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", bridge.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateSegment enforces the naming rule for prefixes and server names.
// The underscore is reserved as the qualified-name separator, so segments
// may contain letters, digits and hyphens only.
func validateSegment(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("%s %q may contain letters, digits and hyphens only", field, value)
		}
	}
	return nil
}

func (v *DefaultValidator) validateServers(servers []ServerConfig) error {
	names := make(map[string]bool, len(servers))
	for i, s := range servers {
		if err := validateSegment(fmt.Sprintf("servers[%d].name", i), s.Name); err != nil {
			return err
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name: %s", s.Name)
		}
		names[s.Name] = true

		if err := v.validateServerTransport(i, s); err != nil {
			return err
		}
	}
	return nil
}

func (*DefaultValidator) validateServerTransport(i int, s ServerConfig) error {
	if !contains(validTransports, s.Transport) {
		return fmt.Errorf("servers[%d].transport must be one of: %s", i, strings.Join(validTransports, ", "))
	}

	switch bridge.Transport(s.Transport) {
	case bridge.TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("servers[%d].command is required for stdio transport", i)
		}
		if s.URL != "" {
			return fmt.Errorf("servers[%d].url is not applicable to stdio transport", i)
		}
	case bridge.TransportSSE, bridge.TransportStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("servers[%d].url is required for %s transport", i, s.Transport)
		}
		if s.Command != "" {
			return fmt.Errorf("servers[%d].command is not applicable to %s transport", i, s.Transport)
		}
	}
	return nil
}

func (*DefaultValidator) validateRegistry(r *RegistryConfig) error {
	if r == nil {
		return fmt.Errorf("registry section is required")
	}
	if r.ConnectAttempts <= 0 {
		return fmt.Errorf("registry.connectAttempts must be positive")
	}
	if r.ConnectRetryInterval <= 0 {
		return fmt.Errorf("registry.connectRetryInterval must be positive")
	}
	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeatInterval must be positive")
	}
	if r.ProbeTimeout <= 0 {
		return fmt.Errorf("registry.probeTimeout must be positive")
	}
	if r.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("registry.maxReconnectAttempts must be positive")
	}
	return nil
}

func (*DefaultValidator) validateCache(c *CacheConfig) error {
	if c == nil {
		return fmt.Errorf("cache section is required")
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("cache.maxEntries must be positive")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	// Compile the exclusion patterns up front so a bad glob fails at
	// validation time rather than at startup.
	if _, err := cache.New(c.MaxEntries, c.Exclude); err != nil {
		return fmt.Errorf("cache.exclude: %v", err)
	}
	return nil
}

func (*DefaultValidator) validateTrace(t *TraceConfig) error {
	if t == nil {
		return fmt.Errorf("trace section is required")
	}
	if t.Capacity <= 0 {
		return fmt.Errorf("trace.capacity must be positive")
	}
	return nil
}

func (*DefaultValidator) validatePermissions(p *permissions.Config) error {
	if p == nil {
		return nil // permissions are optional, default policy applies
	}
	if _, err := permissions.New(*p); err != nil {
		return fmt.Errorf("permissions: %v", err)
	}
	return nil
}

func (*DefaultValidator) validateCalls(c *CallConfig) error {
	if c == nil {
		return fmt.Errorf("calls section is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("calls.timeout must be positive")
	}
	if c.PostProcessThreshold < 0 {
		return fmt.Errorf("calls.postProcessThreshold cannot be negative")
	}
	if c.MaxOutputSize < 0 {
		return fmt.Errorf("calls.maxOutputSize cannot be negative")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
