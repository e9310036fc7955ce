// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command-tree framework behind the rescueclaw
// binary.
//
// A [Command] has a name, an optional pflag set factory, and either a
// Run function or nested subcommands. [Command.Execute] routes the
// argument list down the tree, parses flags, and prints help. Unknown
// commands and flags get a "did you mean" suggestion based on edit
// distance.
//
// Flags are usually declared as tagged struct fields and bound with
// [FlagsFromParams]; [JSONOutput] adds a --json switch to any params
// struct.
package cli
