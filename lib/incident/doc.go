// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package incident keeps the append-only incident log: one JSON object per
// line in <backupDir>/incidents.jsonl recording each liveness failure and
// the outcome of each recovery attempt.
package incident
