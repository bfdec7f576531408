// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/eventstore"
	"github.com/tmbx/kwm/workspace"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runStatus(args []string, out io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("kwmd status", pflag.ContinueOnError)
	addCommonFlags(flagSet, &opts)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.logLevel == "info" {
		opts.logLevel = "warn"
	}
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	store, err := eventstore.OpenStore(eventstore.StoreConfig{
		Path:     cfg.Paths.Database,
		PoolSize: 1,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	statuses, err := workspace.SavedSessions(context.Background(), store)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, renderStatus(statuses))
	return err
}

var statusColumns = []string{"ID", "NAME", "SERVER", "WORKSPACE", "TASK", "HEALTH", "LAST EVENT", "PENDING", "MEMBERS"}

// renderStatus formats saved sessions as an aligned table.
func renderStatus(statuses []workspace.Status) string {
	if len(statuses) == 0 {
		return dimStyle.Render("no saved workspaces") + "\n"
	}

	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		health := status.MainStatus.String()
		switch {
		case status.DeletedOnServer:
			health = warningStyle.Render("deleted on server")
		case status.MainStatus == workspace.MainRebuildRequired:
			health = warningStyle.Render(health)
		case status.Rebuilding:
			health += " (rebuilding)"
		}
		name := status.Name
		if name == "" {
			name = dimStyle.Render("-")
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(status.ID), 10),
			name,
			string(status.Server),
			strconv.FormatUint(status.ExternalID, 10),
			status.RequestedTask.String(),
			health,
			strconv.FormatUint(status.LastReceivedEventID, 10),
			strconv.Itoa(status.UnprocessedCount),
			strconv.Itoa(status.Members),
		})
	}

	widths := make([]int, len(statusColumns))
	for i, column := range statusColumns {
		widths[i] = lipgloss.Width(column)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var builder strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			builder.WriteString(cell)
			if i < len(cells)-1 {
				builder.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		builder.WriteString("\n")
	}
	writeRow(statusColumns, &headerStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	fmt.Fprintf(&builder, "%d workspace(s)\n", len(rows))
	return builder.String()
}
