// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import "errors"

// Common domain errors used across bridge subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrConnectFailed indicates the transport or protocol handshake failed
	// while establishing a session. Wrapping errors should include the server
	// name and the underlying transport error.
	ErrConnectFailed = errors.New("connect failed")

	// ErrUnavailable indicates a capability resolved to a session that is not
	// currently usable (disconnected, closed, or paused after exhausting
	// reconnect attempts).
	ErrUnavailable = errors.New("server unavailable")

	// ErrNotFound indicates a requested resource (server, capability, qualified
	// name) was not found. Wrapping errors should name what was not found.
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates an operation exceeded its deadline.
	// Wrapping errors should include the operation type and timeout duration.
	ErrTimeout = errors.New("operation timed out")

	// ErrPermissionDenied indicates the permission evaluator denied the call.
	// Wrapping errors should include the capability and the matched rule.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrProtocolError indicates a malformed or error-bearing response from a
	// server on an established session.
	ErrProtocolError = errors.New("protocol error")

	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)
