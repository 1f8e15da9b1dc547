// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

// YAMLLoader loads the configuration from a YAML file.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader creates a loader for the given file path.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load reads, parses and defaults the configuration. The result has every
// section populated; callers still run NewValidator().Validate on it.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", bridge.ErrInvalidConfig, l.path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", bridge.ErrInvalidConfig, l.path, err)
	}

	cfg.EnsureDefaults()
	return &cfg, nil
}
