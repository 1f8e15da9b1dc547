// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package permissions implements the rule-based access evaluator for tool
// calls: quick allow/deny lists, ordered glob rules, and a default policy.
package permissions

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// RuleMode selects how a rule's identity patterns are interpreted.
type RuleMode string

const (
	// ModeWhitelist allows the call only when an identity matches one of the
	// rule's patterns.
	ModeWhitelist RuleMode = "whitelist"

	// ModeBlacklist denies the call when an identity matches one of the
	// rule's patterns.
	ModeBlacklist RuleMode = "blacklist"
)

// DefaultMode is the policy applied when no rule matches a capability.
type DefaultMode string

const (
	// AllowAll permits calls that match no rule.
	AllowAll DefaultMode = "allow_all"

	// DenyAll refuses calls that match no rule.
	DenyAll DefaultMode = "deny_all"
)

// Rule gates capabilities whose qualified name matches Capability (glob
// syntax). Identities lists identity patterns of the form scope:id, with id
// allowed to be a wildcard; their meaning depends on Mode.
type Rule struct {
	Capability string   `yaml:"capability"`
	Mode       RuleMode `yaml:"mode"`
	Identities []string `yaml:"identities"`
}

// Config is the full permission policy.
type Config struct {
	// Default applies when no rule's capability pattern matches.
	Default DefaultMode `yaml:"default"`

	// QuickAllow short-circuits to allow when any caller identity matches.
	// Intended for admin identities.
	QuickAllow []string `yaml:"quick_allow"`

	// QuickDeny short-circuits to deny when the caller's chat-scope identity
	// matches. Evaluated after QuickAllow.
	QuickDeny []string `yaml:"quick_deny"`

	// Rules are evaluated in declaration order; the first rule whose
	// capability pattern matches decides the call.
	Rules []Rule `yaml:"rules"`
}

// Decision is the outcome of one permission check.
type Decision struct {
	Allowed bool

	// Reason names the list, rule, or default that decided the call, for
	// logging and trace records.
	Reason string
}

type compiledRule struct {
	rule       Rule
	capability glob.Glob
	identities []glob.Glob
}

// Evaluator checks (capability, identity set) pairs against a compiled
// policy. It is immutable after construction and safe for concurrent use.
type Evaluator struct {
	defaultMode DefaultMode
	quickAllow  []glob.Glob
	quickDeny   []glob.Glob
	rules       []compiledRule
}

// New compiles the policy. Pattern compilation failures and unknown modes are
// reported as invalid configuration.
func New(cfg Config) (*Evaluator, error) {
	switch cfg.Default {
	case AllowAll, DenyAll:
	case "":
		cfg.Default = AllowAll
	default:
		return nil, fmt.Errorf("%w: unknown permission default %q", bridge.ErrInvalidConfig, cfg.Default)
	}

	quickAllow, err := compilePatterns(cfg.QuickAllow, "quick_allow")
	if err != nil {
		return nil, err
	}
	quickDeny, err := compilePatterns(cfg.QuickDeny, "quick_deny")
	if err != nil {
		return nil, err
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Mode != ModeWhitelist && r.Mode != ModeBlacklist {
			return nil, fmt.Errorf("%w: rule %d has unknown mode %q", bridge.ErrInvalidConfig, i, r.Mode)
		}
		capGlob, err := glob.Compile(r.Capability)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d capability pattern %q: %v", bridge.ErrInvalidConfig, i, r.Capability, err)
		}
		ids, err := compilePatterns(r.Identities, fmt.Sprintf("rule %d identities", i))
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiledRule{rule: r, capability: capGlob, identities: ids})
	}

	return &Evaluator{
		defaultMode: cfg.Default,
		quickAllow:  quickAllow,
		quickDeny:   quickDeny,
		rules:       rules,
	}, nil
}

func compilePatterns(patterns []string, where string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s pattern %q: %v", bridge.ErrInvalidConfig, where, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Check evaluates a call in fixed precedence order: quick-allow, quick-deny,
// first matching rule, default policy.
func (e *Evaluator) Check(capability string, ids bridge.IdentitySet) Decision {
	identities := ids.All()

	for _, g := range e.quickAllow {
		for _, id := range identities {
			if g.Match(id.Value) {
				return Decision{Allowed: true, Reason: "quick-allow"}
			}
		}
	}

	if ids.Chat != nil {
		for _, g := range e.quickDeny {
			if g.Match(ids.Chat.Value) {
				return Decision{Allowed: false, Reason: "quick-deny"}
			}
		}
	}

	for _, cr := range e.rules {
		if !cr.capability.Match(capability) {
			continue
		}
		matched := anyIdentityMatches(cr.identities, identities)
		reason := fmt.Sprintf("rule %s %s", cr.rule.Mode, cr.rule.Capability)
		if cr.rule.Mode == ModeWhitelist {
			return Decision{Allowed: matched, Reason: reason}
		}
		return Decision{Allowed: !matched, Reason: reason}
	}

	allowed := e.defaultMode == AllowAll
	if !allowed {
		logger.Debugf("Permission check fell through to %s for %s", e.defaultMode, capability)
	}
	return Decision{Allowed: allowed, Reason: "default " + string(e.defaultMode)}
}

func anyIdentityMatches(patterns []glob.Glob, identities []bridge.Identity) bool {
	for _, g := range patterns {
		for _, id := range identities {
			if g.Match(id.Value) {
				return true
			}
		}
	}
	return false
}

// Summary describes the effective policy for one capability: the matching
// rules in evaluation order plus the fall-through default.
type Summary struct {
	Capability string
	Default    DefaultMode
	Rules      []Rule
}

// For returns the effective rule summary for a capability.
func (e *Evaluator) For(capability string) Summary {
	s := Summary{Capability: capability, Default: e.defaultMode}
	for _, cr := range e.rules {
		if cr.capability.Match(capability) {
			s.Rules = append(s.Rules, cr.rule)
		}
	}
	return s
}
