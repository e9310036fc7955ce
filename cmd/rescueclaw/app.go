// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/config"
	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/rescue"
)

// app carries what every command shares: where output goes and how to
// build the service from configuration.
type app struct {
	stdout io.Writer

	// logger overrides the command logger. Tests set it to keep stderr
	// quiet.
	logger *slog.Logger
}

// configParams is embedded in every command's params.
type configParams struct {
	ConfigPath string `flag:"config,c" desc:"rescueclaw config file (default: $RESCUECLAW_CONFIG, ./rescueclaw.yaml, ~/.config/rescueclaw, /etc/rescueclaw)"`
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "rescueclaw",
		Summary: "Watchdog and rollback for an OpenClaw gateway",
		Description: `rescueclaw watches an OpenClaw gateway, takes periodic snapshots of its
workspace and configuration, and restores a known-good snapshot when the
gateway stops answering. A checkpoint opened before a risky change
arms an automatic rollback for a limited window.`,
		Subcommands: []*cli.Command{
			a.startCommand(),
			a.statusCommand(),
			a.backupCommand(),
			a.listCommand(),
			a.restoreCommand(),
			a.logsCommand(),
			a.checkpointCommand(),
			a.validateCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Run the watchdog in the foreground", Command: "rescueclaw start"},
			{Description: "Arm a rollback before editing the gateway config", Command: "rescueclaw checkpoint open --window 10m 'switching model provider'"},
			{Description: "Check what a restore would do", Command: "rescueclaw restore --dry-run"},
		},
	}
}

// loadConfig resolves the configuration and a logger at its level.
func (a *app) loadConfig(params configParams) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(params.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if a.logger != nil {
		return cfg, a.logger, nil
	}
	level, err := cli.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cli.NewCommandLogger(level), nil
}

// localService builds a service that runs in this process.
func (a *app) localService(params configParams) (*rescue.Service, error) {
	cfg, logger, err := a.loadConfig(params)
	if err != nil {
		return nil, err
	}
	return rescue.New(cfg, rescue.Options{Logger: logger})
}

func daemonClient(cfg *config.Config) *control.Client {
	return control.NewClient(cfg.Control.Socket)
}
