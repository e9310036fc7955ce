// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/config"
	"github.com/harman314/rescueclaw/lib/metrics"
	"github.com/harman314/rescueclaw/lib/rescue"
)

type startParams struct {
	configParams
	MetricsListen string `flag:"metrics-listen" desc:"serve Prometheus metrics on this host:port (overrides metrics.listen)"`
}

func (a *app) startCommand() *cli.Command {
	var params startParams
	return &cli.Command{
		Name:    "start",
		Summary: "Run the watchdog daemon in the foreground",
		Description: `Run the health loop, the scheduled backup loop and the control socket
until interrupted. Logs are JSON on stderr.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("start", &params) },
		Run: func(ctx context.Context, _ []string) error {
			cfg, err := config.Load(params.ConfigPath)
			if err != nil {
				return err
			}
			if params.MetricsListen != "" {
				cfg.Metrics.Listen = params.MetricsListen
			}
			level, err := cli.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			logger := a.logger
			if logger == nil {
				logger = cli.NewDaemonLogger(level)
			}

			service, err := rescue.New(cfg, rescue.Options{Metrics: metrics.New(), Logger: logger})
			if err != nil {
				return err
			}
			daemon, err := rescue.NewDaemon(service)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
