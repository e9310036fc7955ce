// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/rescue"
	"github.com/harman314/rescueclaw/lib/restore"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/validate"
)

type backupParams struct {
	configParams
	cli.JSONOutput
}

func (a *app) backupCommand() *cli.Command {
	var params backupParams
	return &cli.Command{
		Name:    "backup",
		Summary: "Take a snapshot now",
		Description: `Archive the gateway workspace and configuration. A running daemon takes
the snapshot so its metrics see it; otherwise this process does.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("backup", &params) },
		Run: func(ctx context.Context, _ []string) error {
			cfg, logger, err := a.loadConfig(params.configParams)
			if err != nil {
				return err
			}

			var taken snapshot.Snapshot
			err = daemonClient(cfg).Call(ctx, rescue.ActionBackup, nil, &taken)
			if errors.Is(err, control.ErrNoDaemon) {
				service, serviceErr := rescue.New(cfg, rescue.Options{Logger: logger})
				if serviceErr != nil {
					return serviceErr
				}
				taken, err = service.TakeSnapshot(ctx)
			}
			if err != nil {
				return fmt.Errorf("taking snapshot: %w", err)
			}

			if done, err := params.EmitJSON(a.stdout, taken); done {
				return err
			}
			fmt.Fprintf(a.stdout, "Snapshot %s (%s, %d files)\n", taken.ID, taken.Size, taken.FileCount)
			return nil
		},
	}
}

type listParams struct {
	configParams
	cli.JSONOutput
	Verify bool `flag:"verify" desc:"read every archive's manifest (decompresses each archive)" default:"true"`
}

func (a *app) listCommand() *cli.Command {
	var params listParams
	return &cli.Command{
		Name:    "list",
		Summary: "List snapshots, newest first",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Run: func(_ context.Context, _ []string) error {
			service, err := a.localService(params.configParams)
			if err != nil {
				return err
			}
			infos, err := service.ListSnapshots(params.Verify)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(a.stdout, infos); done {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintf(a.stdout, "No snapshots in %s\n", service.Config().Backup.Path)
				return nil
			}

			table := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(table, "ID\tCREATED\tSIZE\tFILES\tVERIFIED")
			for _, info := range infos {
				verified := "-"
				if info.Verified {
					verified = "✓"
				}
				files := "?"
				if info.Verified {
					files = fmt.Sprint(info.FileCount)
				}
				fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
					info.ID, humanize.Time(info.CreatedAt), info.Size, files, verified)
			}
			return table.Flush()
		},
	}
}

type restoreParams struct {
	configParams
	cli.JSONOutput
	Force  bool `flag:"force" desc:"skip integrity verification and the validation gate"`
	DryRun bool `flag:"dry-run" desc:"validate the snapshot and report without changing anything"`
}

func (a *app) restoreCommand() *cli.Command {
	var params restoreParams
	return &cli.Command{
		Name:    "restore",
		Summary: "Roll the gateway back to a snapshot",
		Usage:   "rescueclaw restore [snapshot-id] [flags]",
		Description: `Restore a snapshot (the newest when no id is given). The snapshot is
first extracted to a scratch directory and validated; a snapshot that
would leave the gateway unable to start is refused with exit code 2
unless --force is given. A running gateway is stopped before the files
are replaced and started again afterwards.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("restore", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("restore takes at most one snapshot id, got %d arguments", len(args))
			}
			request := restore.Request{Force: params.Force, DryRun: params.DryRun}
			if len(args) == 1 {
				request.SnapshotID = args[0]
			}

			service, err := a.localService(params.configParams)
			if err != nil {
				return err
			}
			report, restoreErr := service.Restore(ctx, request)
			if report == nil {
				return restoreErr
			}

			refused := report.WouldFail || errors.Is(restoreErr, validate.ErrValidationFailed)
			if done, err := params.EmitJSON(a.stdout, report); done {
				if err != nil {
					return err
				}
			} else {
				renderReport(a.stdout, report)
				if refused {
					fmt.Fprintln(a.stdout, badStyle.Render("Restore refused: the snapshot failed validation (use --force to override)."))
				}
			}
			if refused {
				return &cli.ExitError{Code: cli.ExitValidationFailed}
			}
			return restoreErr
		},
	}
}

func renderReport(w io.Writer, report *restore.Report) {
	switch {
	case report.DryRun:
		fmt.Fprintf(w, "Dry run of snapshot %s\n", report.SnapshotID)
	case report.FilesRestored:
		fmt.Fprintf(w, "Restored snapshot %s\n", report.SnapshotID)
	default:
		fmt.Fprintf(w, "Snapshot %s\n", report.SnapshotID)
	}
	for _, issue := range report.Issues {
		style := warnStyle
		if issue.Severity == validate.SeverityError {
			style = badStyle
		}
		fmt.Fprintf(w, "  %s\n", style.Render(issue.String()))
	}
	if report.DryRun {
		if !report.WouldFail {
			fmt.Fprintf(w, "  would restore into %s and %s\n", report.Targets.Workspace, report.Targets.Config)
		}
		return
	}
	if !report.FilesRestored && report.Issues.HasErrors() {
		return
	}
	if report.StopError != "" {
		fmt.Fprintf(w, "  %s\n", warnStyle.Render("stopping gateway: "+report.StopError))
	}
	if report.FilesRestored {
		fmt.Fprintf(w, "  %d files restored\n", report.FileCount)
	}
	switch {
	case !report.WasRunning:
		fmt.Fprintln(w, "  gateway was not running; left stopped")
	case report.Responsive:
		fmt.Fprintln(w, "  gateway "+goodStyle.Render("responsive")+fmt.Sprintf(" on port %d", report.Port))
	case report.Started:
		fmt.Fprintln(w, "  gateway started but "+warnStyle.Render("not yet responsive"))
	}
	fmt.Fprintf(w, "  took %s\n", report.Duration.Round(time.Millisecond))
}
