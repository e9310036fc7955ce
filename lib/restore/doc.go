// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package restore rolls the gateway's live state back to a snapshot.
//
// A restore runs entirely under the snapshot store's exclusive lock:
//
//  1. Resolve the snapshot (an explicit id, or the newest).
//  2. Unless forced, extract it into a scratch directory, verify the
//     manifest digests and run the validation gate on the copy. Any
//     blocking issue aborts with a [*validate.FailedError].
//  3. A dry run stops here and reports what would happen.
//  4. Locate the gateway by port and stop it if it is running. A stop
//     failure is recorded and extraction proceeds.
//  5. Extract onto the live workspace, config and sessions directories.
//  6. If the gateway was running, start it and wait for it to answer.
//
// A gateway that was not running before the restore is not started.
package restore
