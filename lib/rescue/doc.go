// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package rescue assembles the supervision components from a resolved
// configuration and exposes the operations collaborators drive: status,
// snapshots, restore and the incident log. [Daemon] runs the long-lived
// loops on top of the same [Service].
package rescue
