// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the daemon's local request/response socket.
//
// Each connection carries exactly one exchange: the client writes one
// CBOR map with an "action" key plus action-specific fields, the server
// replies with one [Response] and closes. CBOR is self-delimiting, so
// there is no framing.
package control
