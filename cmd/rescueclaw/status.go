// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/rescue"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("245"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type statusParams struct {
	configParams
	cli.JSONOutput
}

func (a *app) statusCommand() *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show gateway health, watchdog state and backups",
		Description: `Ask the running daemon for its view (failure counter, open checkpoint).
When no daemon answers, the gateway is probed and the backups are
summarised from this process.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("status", &params) },
		Run: func(ctx context.Context, _ []string) error {
			cfg, logger, err := a.loadConfig(params.configParams)
			if err != nil {
				return err
			}

			var status rescue.Status
			err = daemonClient(cfg).Call(ctx, rescue.ActionStatus, nil, &status)
			if errors.Is(err, control.ErrNoDaemon) {
				logger.Debug("no daemon answering, computing status locally", "socket", cfg.Control.Socket)
				service, serviceErr := rescue.New(cfg, rescue.Options{Logger: logger})
				if serviceErr != nil {
					return serviceErr
				}
				local, statusErr := service.Status(ctx)
				if statusErr != nil {
					return statusErr
				}
				status = *local
			} else if err != nil {
				return err
			}

			if done, err := params.EmitJSON(a.stdout, status); done {
				return err
			}
			renderStatus(a.stdout, &status)
			return nil
		},
	}
}

func renderStatus(w io.Writer, status *rescue.Status) {
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), value)
	}

	fmt.Fprintln(w, titleStyle.Render("rescueclaw "+status.Version))

	if status.Watchdog.Running {
		row("Watchdog", goodStyle.Render("running")+fmt.Sprintf(" (pid %d, %.1f MB, up %s)",
			status.Watchdog.PID, status.Watchdog.MemoryMB, strings.TrimSuffix(humanize.Time(status.Watchdog.StartedAt), " ago")))
	} else {
		row("Watchdog", warnStyle.Render("not running"))
	}

	if status.Gateway.Online {
		row("Gateway", goodStyle.Render("online")+fmt.Sprintf(" on port %d", status.Gateway.Port))
	} else {
		row("Gateway", badStyle.Render("offline")+fmt.Sprintf(" on port %d", status.Gateway.Port))
		if status.Gateway.Error != "" {
			row("", status.Gateway.Error)
		}
	}

	if health := status.Health; health != nil {
		failures := fmt.Sprintf("%d consecutive failed check(s)", health.ConsecutiveFailures)
		if health.ConsecutiveFailures > 0 {
			failures = badStyle.Render(failures)
		}
		row("Health", failures)
		if checkpoint := health.Checkpoint; checkpoint != nil {
			row("Checkpoint", warnStyle.Render("open")+fmt.Sprintf(" until %s (%s), snapshot %s",
				checkpoint.Deadline.Local().Format("15:04:05"), checkpoint.Reason, checkpoint.SnapshotID))
		} else {
			row("Checkpoint", "none")
		}
		if health.LastRestoreError != "" {
			row("Last restore", badStyle.Render(health.LastRestoreError))
		}
	}

	backups := fmt.Sprintf("%d in %s", status.BackupCount, status.BackupDir)
	if last := status.LastBackup; last != nil {
		backups += fmt.Sprintf(" (last %s, %s, %s)", last.ID, humanize.Time(last.CreatedAt), last.Size)
	}
	row("Backups", backups)
	row("Workspace", status.Workspace)
	if status.SkillInstalled {
		row("Skill", goodStyle.Render("installed"))
	} else {
		row("Skill", "not installed")
	}
	if status.ConfigSource != "" {
		row("Config", status.ConfigSource)
	}
}
