// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides the durable append-only trace sink backed by a
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

// Sink appends call records to a SQLite database. It implements
// bridge.TraceSink.
type Sink struct {
	db *sql.DB
}

var _ bridge.TraceSink = (*Sink)(nil)

// New opens (creating if necessary) the database at path and applies pending
// migrations.
func New(ctx context.Context, path string) (*Sink, error) {
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path), url.Values{
		"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(NORMAL)"},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn from the mirror goroutine.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Sink{db: db}, nil
}

// Append stores one call record.
func (s *Sink) Append(ctx context.Context, rec bridge.CallRecord) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_records (
			id, capability, server_name, identity, arguments, started_at,
			duration_ms, success, cache_hit, post_processed, result, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Capability,
		rec.ServerName,
		rec.Identity,
		string(args),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(),
		rec.Success,
		rec.CacheHit,
		rec.PostProcessed,
		rec.Result,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// Recent returns up to n stored records, most recent first.
func (s *Sink) Recent(ctx context.Context, n int) ([]bridge.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability, server_name, identity, arguments, started_at,
			duration_ms, success, cache_hit, post_processed, result, error
		FROM call_records
		ORDER BY started_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var out []bridge.CallRecord
	for rows.Next() {
		var rec bridge.CallRecord
		var args, startedAt string
		var durationMS int64
		if err := rows.Scan(
			&rec.ID, &rec.Capability, &rec.ServerName, &rec.Identity, &args,
			&startedAt, &durationMS, &rec.Success, &rec.CacheHit,
			&rec.PostProcessed, &rec.Result, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		if args != "" {
			_ = json.Unmarshal([]byte(args), &rec.Arguments)
		}
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = ts
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
