// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the daemon's Prometheus collectors and the
// optional /metrics endpoint. Each Metrics owns its own registry, so
// tests and multiple instances never collide on the global one.
package metrics
