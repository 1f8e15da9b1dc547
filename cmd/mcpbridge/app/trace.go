// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	tracesqlite "github.com/stacklok/mcpbridge/pkg/bridge/trace/sqlite"
)

// newTraceCmd creates the trace command
func newTraceCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print recent call records from the durable trace sink",
		Long: `Print the most recent call records from the durable trace database.

Requires trace.sqlitePath to be set in the configuration file; records are
written there by a running bridge.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Trace.SQLitePath == "" {
				return fmt.Errorf("no durable trace sink configured, set trace.sqlitePath")
			}

			sink, err := tracesqlite.New(ctx, cfg.Trace.SQLitePath)
			if err != nil {
				return fmt.Errorf("opening trace database: %w", err)
			}
			defer sink.Close()

			records, err := sink.Recent(ctx, limit)
			if err != nil {
				return fmt.Errorf("reading trace records: %w", err)
			}
			return renderTraceTable(records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records to print")
	return cmd
}

// renderTraceTable prints call records, most recent first, to stdout.
func renderTraceTable(records []bridge.CallRecord) error {
	if len(records) == 0 {
		fmt.Println("No call records found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	headers := []string{"Time", "Capability", "Server", "Identity", "Duration", "Outcome"}
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, rec := range records {
		if err := table.Append([]string{
			rec.StartedAt.Local().Format(time.DateTime),
			rec.Capability,
			rec.ServerName,
			rec.Identity,
			rec.Duration.Round(time.Millisecond).String(),
			outcome(rec),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func outcome(rec bridge.CallRecord) string {
	switch {
	case rec.Success && rec.CacheHit:
		return "ok (cached)"
	case rec.Success && rec.PostProcessed:
		return "ok (post-processed)"
	case rec.Success:
		return "ok"
	case rec.Error != "":
		return "error: " + rec.Error
	default:
		return "error"
	}
}
