// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// exitCoder is implemented by errors that carry their own exit status,
// such as cli.ExitError.
type exitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits with code 1. Errors
// that carry an exit code exit with that code and print nothing, since
// the command has already reported its own outcome.
func Fatal(err error) {
	if coder, ok := err.(exitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
