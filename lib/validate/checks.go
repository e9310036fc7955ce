// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Validator holds the file names the checks look for. The zero value
// uses the OpenClaw defaults.
type Validator struct {
	ConfigFile       string
	LegacyConfigFile string
	IdentityFile     string
	AgentsFile       string
	MemoryDir        string

	// MinEntries is the workspace size below which it is reported as
	// sparse.
	MinEntries int
}

func (v Validator) withDefaults() Validator {
	if v.ConfigFile == "" {
		v.ConfigFile = "openclaw.json"
	}
	if v.LegacyConfigFile == "" {
		v.LegacyConfigFile = "clawdbot.json"
	}
	if v.IdentityFile == "" {
		v.IdentityFile = "SOUL.md"
	}
	if v.AgentsFile == "" {
		v.AgentsFile = "AGENTS.md"
	}
	if v.MemoryDir == "" {
		v.MemoryDir = "memory"
	}
	if v.MinEntries == 0 {
		v.MinEntries = 3
	}
	return v
}

// Gate runs the workspace and config checks and concatenates their
// findings.
func (v Validator) Gate(workspaceDir, configDir string) Issues {
	issues := v.Workspace(workspaceDir)
	return append(issues, v.Config(configDir)...)
}

// LocateConfig returns the service config file under configDir: the
// canonical name, then the legacy name, then configDir itself when it
// is a file. It returns "" when none exists.
func (v Validator) LocateConfig(configDir string) string {
	v = v.withDefaults()
	for _, name := range []string{v.ConfigFile, v.LegacyConfigFile} {
		candidate := filepath.Join(configDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if info, err := os.Stat(configDir); err == nil && info.Mode().IsRegular() {
		return configDir
	}
	return ""
}

// Config checks the service config file in configDir.
func (v Validator) Config(configDir string) Issues {
	v = v.withDefaults()

	path := v.LocateConfig(configDir)
	if path == "" {
		return Issues{errorf("service config not found (looked for %s and %s in %s)",
			v.ConfigFile, v.LegacyConfigFile, configDir)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Issues{errorf("reading service config: %v", err)}
	}
	document, err := parseDocument(data)
	if err != nil {
		return Issues{errorf("service config %s is not valid JSON: %v", filepath.Base(path), err)}
	}

	var issues Issues
	if !hasDefaultModel(document) {
		issues = append(issues, warningf("no primary model configured (agents.defaults.model.primary)"))
	}
	issues = append(issues, checkProviders(document)...)

	if profiles, ok := lookup(document, "auth", "profiles").(map[string]any); ok && len(profiles) == 0 {
		issues = append(issues, warningf("auth.profiles is empty"))
	}

	gateway, present := document["gateway"]
	if !present {
		issues = append(issues, warningf("no gateway section"))
	} else if gatewayObject, ok := gateway.(map[string]any); ok {
		if port, present := gatewayObject["port"]; present {
			if _, valid := portNumber(port); !valid {
				issues = append(issues, errorf("gateway.port %v is not a port number (1-65535)", port))
			}
		}
	}
	return issues
}

func hasDefaultModel(document map[string]any) bool {
	candidates := []any{
		lookup(document, "agents", "defaults", "model", "primary"),
		lookup(document, "agents", "defaults", "model"),
		document["defaultModel"],
	}
	for _, candidate := range candidates {
		if text, ok := candidate.(string); ok && text != "" {
			return true
		}
	}
	return false
}

func checkProviders(document map[string]any) Issues {
	section, present := lookupPresent(document, "models", "providers")
	if !present {
		section, present = document["providers"]
	}
	if !present {
		return Issues{warningf("no model providers section (models.providers); the service will use built-in defaults")}
	}
	providers, ok := section.(map[string]any)
	if !ok {
		return Issues{warningf("model providers section is not an object; skipped")}
	}
	if len(providers) == 0 {
		return Issues{warningf("no model providers configured")}
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var issues Issues
	for _, name := range names {
		provider, ok := providers[name].(map[string]any)
		if !ok {
			issues = append(issues, warningf("provider %q is not an object; skipped", name))
			continue
		}
		if baseURL, ok := provider["baseUrl"].(string); ok {
			switch {
			case baseURL == "":
				issues = append(issues, errorf("provider %q has an empty baseUrl", name))
			case !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://"):
				issues = append(issues, errorf("provider %q has invalid baseUrl %q", name, baseURL))
			}
		}
		if apiKey, ok := provider["apiKey"].(string); ok {
			switch {
			case apiKey == "":
				issues = append(issues, warningf("provider %q has an empty apiKey", name))
			case IsPlaceholderKey(apiKey):
				issues = append(issues, warningf("provider %q appears to have a placeholder apiKey", name))
			}
		}
		if models, ok := provider["models"].([]any); ok && len(models) == 0 {
			issues = append(issues, warningf("provider %q has an empty models list", name))
		}
	}
	return issues
}

var placeholderFragments = []string{"your_key", "your-key", "placeholder", "xxx", "replace"}

// IsPlaceholderKey reports whether an API key looks like template text
// rather than a real credential.
func IsPlaceholderKey(key string) bool {
	if key == "sk-" {
		return true
	}
	lower := strings.ToLower(key)
	for _, fragment := range placeholderFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Workspace checks the workspace directory. A missing or non-directory
// workspace short-circuits with a single error.
func (v Validator) Workspace(workspaceDir string) Issues {
	v = v.withDefaults()

	info, err := os.Stat(workspaceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Issues{errorf("workspace %s does not exist", workspaceDir)}
		}
		return Issues{errorf("reading workspace: %v", err)}
	}
	if !info.IsDir() {
		return Issues{errorf("workspace %s is not a directory", workspaceDir)}
	}

	var issues Issues
	if !exists(filepath.Join(workspaceDir, v.IdentityFile)) {
		issues = append(issues, errorf("missing %s (agent identity file)", v.IdentityFile))
	}
	if !exists(filepath.Join(workspaceDir, v.AgentsFile)) {
		issues = append(issues, warningf("missing %s", v.AgentsFile))
	}
	memory, err := os.Stat(filepath.Join(workspaceDir, v.MemoryDir))
	switch {
	case err != nil:
		issues = append(issues, warningf("missing %s/ directory", v.MemoryDir))
	case !memory.IsDir():
		issues = append(issues, errorf("%s exists but is not a directory", v.MemoryDir))
	}
	if entries, err := os.ReadDir(workspaceDir); err == nil && len(entries) < v.MinEntries {
		issues = append(issues, warningf("workspace looks sparse (only %d entries)", len(entries)))
	}
	return issues
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// parseDocument decodes a JSON object, tolerating comments and trailing
// commas. Numbers stay json.Number so integer checks are exact.
func parseDocument(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.UseNumber()
	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, err
	}
	if document == nil {
		return nil, errors.New("top level is not an object")
	}
	return document, nil
}

// lookup walks nested objects; nil when any step is absent.
func lookup(document map[string]any, keys ...string) any {
	value, _ := lookupPresent(document, keys...)
	return value
}

func lookupPresent(document map[string]any, keys ...string) (any, bool) {
	var current any = document
	for _, key := range keys {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func portNumber(value any) (int, bool) {
	number, ok := value.(json.Number)
	if !ok {
		return 0, false
	}
	port, err := number.Int64()
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return int(port), true
}
