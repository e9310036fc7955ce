// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// DefaultPort is the gateway's standard HTTP port.
const DefaultPort = 7744

// ReadPort returns gateway.port from the first of names that exists in
// configDir. It returns fallback when no file exists, the file does not
// parse, or the port is missing or out of range.
func ReadPort(configDir string, names []string, fallback int) int {
	for _, name := range names {
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(configDir, name))
		if err != nil {
			continue
		}
		var document struct {
			Gateway struct {
				Port json.Number `json:"port"`
			} `json:"gateway"`
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
			return fallback
		}
		port, err := document.Gateway.Port.Int64()
		if err != nil || port < 1 || port > 65535 {
			return fallback
		}
		return int(port)
	}
	return fallback
}
