// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate is the gate a snapshot must pass before it may
// overwrite the gateway's live state.
//
// The checks are pure functions of directory contents. They never modify
// anything and never fail: every problem, including an unreadable or
// missing config file, is reported as an [Issue]. An issue with
// [SeverityError] blocks an unforced restore; [SeverityWarning] is
// advisory.
package validate
