// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot manages the gateway's snapshot archives.
//
// A snapshot is a compressed tar of a fixed set of workspace and config
// entries, optionally the session transcripts, and a manifest.json
// written last. Archives live flat in the backup directory as
// backup-<id>.tar.{gz,zst,lz4}[.age]; the id is the UTC creation time as
// YYYYMMDD-HHMMSS, with a -NN suffix when two snapshots land in the same
// second, so ids sort chronologically.
//
// Archives are built under a hidden ".partial" name, fsynced and renamed
// into place, so a crash mid-build never leaves something that List
// would report. Every regular file is hashed with BLAKE3 as it is
// written and the digests recorded in the manifest; [Verify] checks an
// extraction against them.
//
// Snapshot creation, extraction, pruning and deletion serialize through
// [Store.Exclusive], which holds an in-process mutex and a flock on
// <backupDir>/.lock so a CLI invocation and the daemon cannot interleave.
package snapshot
