// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single place that configures CBOR for the
// control socket protocol. Consumers import this package rather than
// fxamacker/cbor directly.
package codec
