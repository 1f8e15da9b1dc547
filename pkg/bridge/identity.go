// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import "fmt"

// IdentityScope classifies a caller identity.
type IdentityScope string

const (
	// ScopeGroup identifies a group conversation.
	ScopeGroup IdentityScope = "group"

	// ScopePrivateChat identifies a one-on-one conversation.
	ScopePrivateChat IdentityScope = "private-chat"

	// ScopeUser identifies the individual user behind a call.
	ScopeUser IdentityScope = "user"
)

// Identity is one caller identity. Value is the full opaque identity string
// as it appears in permission rules, e.g. "qq:123:group" or "qq:42:user".
type Identity struct {
	Scope IdentityScope
	Value string
}

// String returns the identity's rule-matchable string form.
func (i Identity) String() string {
	return i.Value
}

// IdentitySet is the set of identities one call carries: at most one chat
// scope (group or private chat) plus the user identity. Both are checked by
// the permission evaluator.
type IdentitySet struct {
	Chat *Identity
	User *Identity
}

// All returns the identities present in the set.
func (s IdentitySet) All() []Identity {
	out := make([]Identity, 0, 2)
	if s.Chat != nil {
		out = append(out, *s.Chat)
	}
	if s.User != nil {
		out = append(out, *s.User)
	}
	return out
}

// String renders the set for trace records and log lines.
func (s IdentitySet) String() string {
	switch {
	case s.Chat != nil && s.User != nil:
		return fmt.Sprintf("%s+%s", s.Chat.Value, s.User.Value)
	case s.Chat != nil:
		return s.Chat.Value
	case s.User != nil:
		return s.User.Value
	default:
		return ""
	}
}
