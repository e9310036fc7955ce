// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads rescueclaw's own configuration file.
//
// The file is YAML (JSON files parse as YAML, so the rescueclaw.json
// written by older installs keeps working). [Default] returns a complete
// configuration and the file is unmarshaled over it, so a file only needs
// the keys it changes. Unknown sections such as "telegram" are ignored.
//
// After loading, "~" and ${VAR} / ${VAR:-default} patterns in path fields
// are expanded. No environment variable overrides a config value except
// RESCUECLAW_CONFIG, which selects the file.
package config
