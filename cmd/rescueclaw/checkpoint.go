// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/rescue"
	"github.com/harman314/rescueclaw/lib/watchdog"
)

func (a *app) checkpointCommand() *cli.Command {
	return &cli.Command{
		Name:    "checkpoint",
		Summary: "Arm, withdraw or inspect an automatic rollback",
		Description: `A checkpoint asks the daemon to snapshot the gateway now and restore
that snapshot if the gateway stops answering within the rollback window.
Open one before a risky change; close it once the change is known good.`,
		Subcommands: []*cli.Command{
			a.checkpointOpenCommand(),
			a.checkpointCloseCommand(),
			a.checkpointShowCommand(),
		},
	}
}

type checkpointOpenParams struct {
	configParams
	Window time.Duration `flag:"window,w" desc:"rollback window (default: checkpoint.defaultWindow)"`
}

func (a *app) checkpointOpenCommand() *cli.Command {
	var params checkpointOpenParams
	return &cli.Command{
		Name:    "open",
		Summary: "File a checkpoint request",
		Usage:   "rescueclaw checkpoint open [flags] <reason...>",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("checkpoint open", &params) },
		Run: func(_ context.Context, args []string) error {
			cfg, _, err := a.loadConfig(params.configParams)
			if err != nil {
				return err
			}
			if params.Window < 0 {
				return fmt.Errorf("--window must not be negative, got %s", params.Window)
			}
			reason := strings.Join(args, " ")
			if reason == "" {
				reason = "manual checkpoint"
			}
			request := watchdog.Request{
				Action:                watchdog.ActionCheckpoint,
				Reason:                reason,
				Timestamp:             time.Now().UTC(),
				RollbackWindowSeconds: int64(params.Window / time.Second),
			}
			if err := watchdog.Write(cfg.Checkpoint.RequestFile, request); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Checkpoint requested (%s), rollback window %s\n",
				reason, request.Window(cfg.Checkpoint.DefaultWindow.Std()))
			return nil
		},
	}
}

func (a *app) checkpointCloseCommand() *cli.Command {
	var params configParams
	return &cli.Command{
		Name:    "close",
		Summary: "Withdraw the checkpoint request",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("checkpoint close", &params) },
		Run: func(_ context.Context, _ []string) error {
			cfg, _, err := a.loadConfig(params)
			if err != nil {
				return err
			}
			if err := watchdog.Clear(cfg.Checkpoint.RequestFile); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "Checkpoint request withdrawn")
			return nil
		},
	}
}

type checkpointShowParams struct {
	configParams
	cli.JSONOutput
}

// checkpointView is what "checkpoint show" reports.
type checkpointView struct {
	Request *watchdog.Request `json:"request,omitempty"`

	// Open is the daemon's open checkpoint; nil when closed or when no
	// daemon answered.
	Open          *checkpointState `json:"open,omitempty"`
	DaemonRunning bool             `json:"daemon_running"`
}

type checkpointState struct {
	Reason     string    `json:"reason"`
	Deadline   time.Time `json:"deadline"`
	SnapshotID string    `json:"snapshot_id"`
}

func (a *app) checkpointShowCommand() *cli.Command {
	var params checkpointShowParams
	return &cli.Command{
		Name:    "show",
		Summary: "Show the pending request and the daemon's open checkpoint",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("checkpoint show", &params) },
		Run: func(ctx context.Context, _ []string) error {
			cfg, _, err := a.loadConfig(params.configParams)
			if err != nil {
				return err
			}

			var view checkpointView
			request, pending, err := watchdog.Check(cfg.Checkpoint.RequestFile)
			if err != nil {
				return err
			}
			if pending {
				view.Request = &request
			}

			var status rescue.Status
			err = daemonClient(cfg).Call(ctx, rescue.ActionStatus, nil, &status)
			switch {
			case errors.Is(err, control.ErrNoDaemon):
			case err != nil:
				return err
			default:
				view.DaemonRunning = true
				if status.Health != nil && status.Health.Checkpoint != nil {
					open := status.Health.Checkpoint
					view.Open = &checkpointState{Reason: open.Reason, Deadline: open.Deadline, SnapshotID: open.SnapshotID}
				}
			}

			if done, err := params.EmitJSON(a.stdout, view); done {
				return err
			}
			if view.Request != nil {
				fmt.Fprintf(a.stdout, "Request:    %q filed %s, window %s\n",
					view.Request.Reason, view.Request.Timestamp.Local().Format(time.DateTime),
					view.Request.Window(cfg.Checkpoint.DefaultWindow.Std()))
			} else {
				fmt.Fprintln(a.stdout, "Request:    none")
			}
			switch {
			case !view.DaemonRunning:
				fmt.Fprintln(a.stdout, "Checkpoint: unknown (daemon not running)")
			case view.Open != nil:
				fmt.Fprintf(a.stdout, "Checkpoint: open until %s, snapshot %s\n",
					view.Open.Deadline.Local().Format(time.DateTime), view.Open.SnapshotID)
			default:
				fmt.Fprintln(a.stdout, "Checkpoint: closed")
			}
			return nil
		},
	}
}
