// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

// Error classification for dispatch failures. Type-based detection is
// preferred; string matching is the fallback for errors the client library
// does not wrap in structured types.

// isTimeoutError reports whether the error represents a deadline or timeout.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(err, "timeout", "timed out", "deadline exceeded")
}

// isConnectionError reports whether the error represents a broken or
// unreachable transport.
func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(err,
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"transport is closed",
		"eof",
	)
}

// isTransportFailure reports whether a wrapped invoke error indicates the
// connection itself is suspect, as opposed to a protocol-level error the
// server answered with.
func isTransportFailure(err error) bool {
	return errors.Is(err, bridge.ErrTimeout) || errors.Is(err, bridge.ErrUnavailable)
}

func containsAny(err error, fragments ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
