// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/validate"
)

type validateParams struct {
	configParams
	cli.JSONOutput
}

func (a *app) validateCommand() *cli.Command {
	var params validateParams
	return &cli.Command{
		Name:    "validate",
		Summary: "Run the restore validation checks on the live gateway files",
		Description: `Check the live workspace and gateway config with the same rules that
gate a restore. Exits 2 when any check reports an error.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("validate", &params) },
		Run: func(_ context.Context, _ []string) error {
			service, err := a.localService(params.configParams)
			if err != nil {
				return err
			}
			issues := service.ValidateLive()

			if done, err := params.EmitJSON(a.stdout, issues); done {
				if err != nil {
					return err
				}
			} else if len(issues) == 0 {
				fmt.Fprintln(a.stdout, goodStyle.Render("No issues found."))
			} else {
				for _, issue := range issues {
					style := warnStyle
					if issue.Severity == validate.SeverityError {
						style = badStyle
					}
					fmt.Fprintln(a.stdout, style.Render(issue.String()))
				}
				fmt.Fprintf(a.stdout, "%d error(s), %d warning(s)\n", len(issues.Errors()), len(issues.Warnings()))
			}
			if issues.HasErrors() {
				return &cli.ExitError{Code: cli.ExitValidationFailed}
			}
			return nil
		},
	}
}
