// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backup.Interval.Std() != 6*time.Hour {
		t.Errorf("backup.interval = %v, want 6h", cfg.Backup.Interval)
	}
	if cfg.Backup.MaxSnapshots != 10 {
		t.Errorf("backup.maxSnapshots = %d, want 10", cfg.Backup.MaxSnapshots)
	}
	if cfg.Health.CheckInterval.Std() != 5*time.Minute {
		t.Errorf("health.checkInterval = %v, want 5m", cfg.Health.CheckInterval)
	}
	if cfg.Health.UnhealthyThreshold != 3 {
		t.Errorf("health.unhealthyThreshold = %d, want 3", cfg.Health.UnhealthyThreshold)
	}
	if cfg.Health.AutoRestore {
		t.Error("health.autoRestore = true, want false")
	}
	if cfg.Health.AutoRestoreCooldown != 0 {
		t.Errorf("health.autoRestoreCooldown = %v, want 0", cfg.Health.AutoRestoreCooldown)
	}
	if len(cfg.Backup.WorkspaceEntries) != 10 {
		t.Errorf("backup.workspaceEntries has %d entries, want 10", len(cfg.Backup.WorkspaceEntries))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
backup:
  interval: 30m
  path: /srv/backups
  compression: zstd
health:
  autoRestore: true
  autoRestoreCooldown: 1h
openclaw:
  port: 9000
telegram:
  token: ignored
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Backup.Interval.Std() != 30*time.Minute {
		t.Errorf("backup.interval = %v, want 30m", cfg.Backup.Interval)
	}
	if cfg.Backup.Path != "/srv/backups" {
		t.Errorf("backup.path = %q, want /srv/backups", cfg.Backup.Path)
	}
	if cfg.Backup.Compression != "zstd" {
		t.Errorf("backup.compression = %q, want zstd", cfg.Backup.Compression)
	}
	if cfg.Backup.MaxSnapshots != 10 {
		t.Errorf("backup.maxSnapshots = %d, want default 10", cfg.Backup.MaxSnapshots)
	}
	if !cfg.Health.AutoRestore {
		t.Error("health.autoRestore = false, want true")
	}
	if cfg.Health.AutoRestoreCooldown.Std() != time.Hour {
		t.Errorf("health.autoRestoreCooldown = %v, want 1h", cfg.Health.AutoRestoreCooldown)
	}
	if cfg.OpenClaw.Port != 9000 {
		t.Errorf("openclaw.port = %d, want 9000", cfg.OpenClaw.Port)
	}
	if cfg.OpenClaw.Command != "openclaw" {
		t.Errorf("openclaw.command = %q, want default openclaw", cfg.OpenClaw.Command)
	}
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{
  "backup": {"interval": "6h", "maxSnapshots": 3, "path": "/tmp/b", "includeSessions": true},
  "health": {"checkInterval": "60s", "unhealthyThreshold": 2, "autoRestore": false},
  "telegram": {"token": "", "allowedUsers": []},
  "openclaw": {"workspace": "/home/agent/clawd", "configPath": "/home/agent/.openclaw"}
}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backup.MaxSnapshots != 3 {
		t.Errorf("backup.maxSnapshots = %d, want 3", cfg.Backup.MaxSnapshots)
	}
	if !cfg.Backup.IncludeSessions {
		t.Error("backup.includeSessions = false, want true")
	}
	if cfg.Health.CheckInterval.Std() != time.Minute {
		t.Errorf("health.checkInterval = %v, want 1m", cfg.Health.CheckInterval)
	}
	if cfg.OpenClaw.Workspace != "/home/agent/clawd" {
		t.Errorf("openclaw.workspace = %q, want /home/agent/clawd", cfg.OpenClaw.Workspace)
	}
	if got := cfg.OpenClaw.SessionsPath(); got != "/home/agent/.openclaw/agents/main/sessions" {
		t.Errorf("SessionsPath() = %q, want /home/agent/.openclaw/agents/main/sessions", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"compression", "backup: {compression: bzip2}"},
		{"threshold", "health: {unhealthyThreshold: 0}"},
		{"port", "openclaw: {port: 70000}"},
		{"level", "logging: {level: chatty}"},
		{"probe path", "health: {probePath: api/status}"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse(%q) error = %v, want ErrInvalid", test.yaml, err)
			}
		})
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("health: {checkInterval: soon}"))
	if err == nil {
		t.Fatal("Parse accepted an unparseable duration")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"6h", 6 * time.Hour},
		{"30m", 30 * time.Minute},
		{"60s", time.Minute},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"45", 45 * time.Second},
		{" 5m ", 5 * time.Minute},
	}
	for _, test := range tests {
		got, err := ParseDuration(test.input)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", test.input, err)
			continue
		}
		if got.Std() != test.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", test.input, got, test.want)
		}
	}

	for _, input := range []string{"", "h", "xd", "six hours"} {
		if _, err := ParseDuration(input); err == nil {
			t.Errorf("ParseDuration(%q) succeeded, want error", input)
		}
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("RESCUECLAW_TEST_DIR", "/data")

	tests := []struct {
		input string
		want  string
	}{
		{"~", "/home/tester"},
		{"~/clawd", "/home/tester/clawd"},
		{"${HOME}/.openclaw", "/home/tester/.openclaw"},
		{"${RESCUECLAW_TEST_DIR}/backups", "/data/backups"},
		{"${RESCUECLAW_UNSET_VAR:-/fallback}/x", "/fallback/x"},
		{"/absolute/~/kept", "/absolute/~/kept"},
	}
	for _, test := range tests {
		if got := ExpandPath(test.input); got != test.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "custom.yaml")
	if err := os.WriteFile(path, []byte("backup: {maxSnapshots: 4}\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv(EnvConfigPath, filepath.Join(directory, "ignored.yaml"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.MaxSnapshots != 4 {
		t.Errorf("backup.maxSnapshots = %d, want 4", cfg.Backup.MaxSnapshots)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
}

func TestLoad_EnvironmentVariable(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "env.json")
	if err := os.WriteFile(path, []byte(`{"backup": {"maxSnapshots": 7}}`), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.MaxSnapshots != 7 {
		t.Errorf("backup.maxSnapshots = %d, want 7", cfg.Backup.MaxSnapshots)
	}
}

func TestLoad_SearchPathInWorkingDirectory(t *testing.T) {
	directory := t.TempDir()
	t.Chdir(directory)
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", t.TempDir())
	if err := os.WriteFile("rescueclaw.yaml", []byte("backup: {maxSnapshots: 2}\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.MaxSnapshots != 2 {
		t.Errorf("backup.maxSnapshots = %d, want 2", cfg.Backup.MaxSnapshots)
	}
	if cfg.Source != "rescueclaw.yaml" {
		t.Errorf("Source = %q, want rescueclaw.yaml", cfg.Source)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadFile(missing) error = %v, want os.ErrNotExist", err)
	}
}
