// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/harman314/rescueclaw/lib/cli"
	"github.com/harman314/rescueclaw/lib/version"
)

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(_ context.Context, _ []string) error {
			fmt.Fprintf(a.stdout, "rescueclaw %s\n", version.Full())
			return nil
		},
	}
}
