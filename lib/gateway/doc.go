// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway locates and controls the supervised gateway process.
//
// The gateway is found by the TCP port it listens on rather than by
// name, since it may run under node, a wrapper script or systemd. Stop is
// SIGTERM, a fixed grace period, then SIGKILL. Start tries the gateway's
// own CLI (current, then legacy name) before falling back to systemd.
// Liveness is any HTTP response from the status endpoint.
package gateway
