// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers: short socket
// directories, directory-tree builders and readers for snapshot round
// trips, and channel receive helpers with a timeout safety valve.
//
// All helpers call t.Fatalf on failure; test setup errors are not
// recoverable.
package testutil
