// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers used before the
// structured logger exists (or after it can no longer be trusted).
// Everything else in the daemon logs through log/slog.
package process
