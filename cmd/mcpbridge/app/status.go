// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/mcpbridge/pkg/bridge"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to the configured servers and report their state",
		Long: `Connect to every enabled server from the configuration file, probe them
once and print a point-in-time status table. Servers that cannot be reached
are reported as disconnected.`,
		RunE: runStatus,
	}
}

// runStatus implements the status command logic
func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		components.shutdown(shutdownCtx)
	}()

	snapshot := components.registry.Status()
	if err := renderStatusTable(snapshot); err != nil {
		return err
	}
	return renderCapabilityStatsTable(snapshot)
}

// renderStatusTable prints the per-server status table to stdout.
func renderStatusTable(snapshot bridge.StatusSnapshot) error {
	if len(snapshot.Servers) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	headers := []string{"Server", "State", "Enabled", "Capabilities", "Failures", "Calls", "Success Rate", "Mean Duration"}
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

	for _, s := range snapshot.Servers {
		state := string(s.State)
		if s.ReconnectPaused {
			state += " (reconnect paused)"
		}
		rate := "-"
		mean := "-"
		if s.Stats.Attempts > 0 {
			rate = fmt.Sprintf("%.0f%%", s.Stats.SuccessRate()*100)
			mean = s.Stats.MeanDuration().Round(time.Millisecond).String()
		}
		if err := table.Append([]string{
			s.Name,
			state,
			strconv.FormatBool(s.Enabled),
			strconv.Itoa(s.CapabilityCount),
			strconv.Itoa(s.ConsecutiveFailures),
			strconv.FormatUint(s.Stats.Attempts, 10),
			rate,
			mean,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// renderCapabilityStatsTable prints per-capability call statistics, when any
// calls have been recorded.
func renderCapabilityStatsTable(snapshot bridge.StatusSnapshot) error {
	if len(snapshot.Capabilities) == 0 {
		return nil
	}

	names := make([]string, 0, len(snapshot.Capabilities))
	for name := range snapshot.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	headers := []string{"Capability", "Calls", "Success Rate", "Mean Duration"}
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

	for _, name := range names {
		stats := snapshot.Capabilities[name]
		if err := table.Append([]string{
			name,
			strconv.FormatUint(stats.Attempts, 10),
			fmt.Sprintf("%.0f%%", stats.SuccessRate()*100),
			stats.MeanDuration().Round(time.Millisecond).String(),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
