// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the rescueclaw
// binary. The producer version is also stamped into every snapshot
// manifest so an archive records which release wrote it.
//
// Values are injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/harman314/rescueclaw/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
