// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor is the health and checkpoint control loop.
//
// Each tick the supervisor:
//
//  1. Reads the checkpoint request file. A new request while no
//     checkpoint is open takes a snapshot and opens a rollback window.
//     A vanished request closes an open checkpoint: the change it
//     guarded succeeded.
//  2. Closes a checkpoint whose window has passed, without restoring.
//  3. Probes the gateway. Failures are counted and logged as incidents.
//     A failure inside an open window restores the checkpoint snapshot
//     at once; otherwise, with auto-restore enabled, reaching the
//     failure threshold restores the newest snapshot.
//
// Between ticks a file watcher on the request file's directory reruns
// step 1 so a checkpoint opens as soon as it is requested.
//
// All state is owned by the loop goroutine. Other goroutines read the
// [Observation] published after every step.
package supervisor
