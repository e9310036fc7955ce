// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog reads and writes the checkpoint request file.
//
// A process about to do something risky to the gateway (an upgrade, a
// config migration) files a request; the supervisor notices it, snapshots
// the gateway's state and opens a rollback window. Removing the file
// closes the window. A liveness failure while the window is open rolls the
// gateway back to the snapshot.
//
// The file is written atomically (temporary file, fsync, rename, directory
// fsync) so the supervisor never parses a half-written request. A file
// that is present but unparseable, or carries an action other than
// "checkpoint", is treated as no request.
package watchdog
