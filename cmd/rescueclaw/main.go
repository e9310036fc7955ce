// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Command rescueclaw watches an OpenClaw gateway, snapshots its
// workspace and configuration, and rolls it back when it stops
// answering.
package main

import (
	"context"
	"os"

	"github.com/harman314/rescueclaw/lib/process"
)

func main() {
	application := &app{stdout: os.Stdout}
	if err := application.root().Execute(context.Background(), os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}
