// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// Exit codes with a fixed meaning.
const (
	ExitFailure          = 1
	ExitValidationFailed = 2
)

// ExitError ends the process with Code and no further message. The
// command has already printed whatever explains the outcome, for
// example the issues that blocked a restore.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by process.Fatal.
func (e *ExitError) ExitCode() int {
	return e.Code
}
