// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package fileutil holds the two filesystem disciplines rescueclaw
// relies on: atomic replacement of small state files, and an exclusive
// advisory lock that serializes snapshot and restore operations across
// processes.
package fileutil
