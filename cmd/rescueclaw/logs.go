// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
)

type logsParams struct {
	configParams
	cli.JSONOutput
	Limit int `flag:"limit,n" desc:"number of incidents to show" default:"20"`
}

func (a *app) logsCommand() *cli.Command {
	var params logsParams
	return &cli.Command{
		Name:    "logs",
		Summary: "Show recent incidents, newest first",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("logs", &params) },
		Run: func(_ context.Context, _ []string) error {
			service, err := a.localService(params.configParams)
			if err != nil {
				return err
			}
			records, err := service.RecentIncidents(params.Limit)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(a.stdout, records); done {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(a.stdout, "No incidents recorded.")
				return nil
			}
			for _, record := range records {
				fmt.Fprintf(a.stdout, "%s │ %s │ %s\n",
					record.Timestamp.Local().Format(time.DateTime), record.Cause, record.Recovery)
			}
			return nil
		},
	}
}
