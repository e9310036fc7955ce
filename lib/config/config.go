// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that selects the config file.
const EnvConfigPath = "RESCUECLAW_CONFIG"

// ErrInvalid is wrapped by every error returned from [Config.Validate].
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete rescueclaw configuration.
type Config struct {
	Backup     BackupConfig     `yaml:"backup"`
	Health     HealthConfig     `yaml:"health"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	OpenClaw   OpenClawConfig   `yaml:"openclaw"`
	Control    ControlConfig    `yaml:"control"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Source is the file the configuration was loaded from, empty when
	// only defaults are in effect.
	Source string `yaml:"-"`
}

// BackupConfig configures scheduled snapshots and their retention.
type BackupConfig struct {
	// Interval between scheduled snapshots. Zero disables the schedule.
	Interval Duration `yaml:"interval"`

	// MaxSnapshots is how many archives survive pruning. Zero or
	// negative keeps everything.
	MaxSnapshots int `yaml:"maxSnapshots"`

	// Path is the directory holding archives, the incident log and the
	// store lock.
	Path string `yaml:"path"`

	// IncludeSessions adds the service's session transcripts.
	IncludeSessions bool `yaml:"includeSessions"`

	// Compression is one of gzip, zstd or lz4.
	Compression string `yaml:"compression"`

	// WorkspaceEntries are names relative to the service workspace.
	WorkspaceEntries []string `yaml:"workspaceEntries"`

	// ConfigEntries are names relative to the service config directory.
	ConfigEntries []string `yaml:"configEntries"`

	Encryption EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig enables age encryption of archives.
type EncryptionConfig struct {
	// Recipients are age X25519 public keys ("age1..."). When empty,
	// archives are written unencrypted.
	Recipients []string `yaml:"recipients"`

	// IdentityFile holds the age identities used to read encrypted
	// archives. Only needed for restore and manifest inspection.
	IdentityFile string `yaml:"identityFile"`
}

// HealthConfig configures the liveness loop.
type HealthConfig struct {
	CheckInterval      Duration `yaml:"checkInterval"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold"`
	AutoRestore        bool     `yaml:"autoRestore"`

	// AutoRestoreCooldown is the minimum time between threshold-driven
	// restore attempts. Zero means no cooldown.
	AutoRestoreCooldown Duration `yaml:"autoRestoreCooldown"`

	ProbePath      string   `yaml:"probePath"`
	ProbeTimeout   Duration `yaml:"probeTimeout"`
	RestartTimeout Duration `yaml:"restartTimeout"`
}

// CheckpointConfig configures the checkpoint request protocol.
type CheckpointConfig struct {
	// RequestFile is where "rescueclaw checkpoint open" files a request.
	RequestFile string `yaml:"requestFile"`

	// DefaultWindow applies when a request carries no window of its own.
	DefaultWindow Duration `yaml:"defaultWindow"`
}

// OpenClawConfig locates the supervised gateway.
type OpenClawConfig struct {
	Workspace  string `yaml:"workspace"`
	ConfigPath string `yaml:"configPath"`

	// Port overrides gateway.port from the service config when non-zero.
	Port int `yaml:"port"`

	ConfigFile       string `yaml:"configFile"`
	LegacyConfigFile string `yaml:"legacyConfigFile"`
	Command          string `yaml:"command"`
	LegacyCommand    string `yaml:"legacyCommand"`
	SystemdUnit      string `yaml:"systemdUnit"`

	// SessionsDir is relative to ConfigPath.
	SessionsDir string `yaml:"sessionsDir"`
}

// SessionsPath returns the absolute sessions directory.
func (o OpenClawConfig) SessionsPath() string {
	if filepath.IsAbs(o.SessionsDir) {
		return o.SessionsDir
	}
	return filepath.Join(o.ConfigPath, o.SessionsDir)
}

// ControlConfig configures the daemon's control socket.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port for the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Backup: BackupConfig{
			Interval:     Duration(6 * hour),
			MaxSnapshots: 10,
			Path:         "/var/rescueclaw/backups",
			Compression:  "gzip",
			WorkspaceEntries: []string{
				"SOUL.md", "IDENTITY.md", "AGENTS.md", "USER.md", "MEMORY.md",
				"TOOLS.md", "HEARTBEAT.md", "TODO.md", "memory", "scripts",
			},
			ConfigEntries: []string{"openclaw.json", "clawdbot.json", "agents"},
		},
		Health: HealthConfig{
			CheckInterval:      Duration(5 * minute),
			UnhealthyThreshold: 3,
			ProbePath:          "/api/status",
			ProbeTimeout:       Duration(5 * second),
			RestartTimeout:     Duration(30 * second),
		},
		Checkpoint: CheckpointConfig{
			RequestFile:   "/var/rescueclaw/checkpoint.json",
			DefaultWindow: Duration(5 * minute),
		},
		OpenClaw: OpenClawConfig{
			Workspace:        "${HOME}/clawd",
			ConfigPath:       "${HOME}/.openclaw",
			ConfigFile:       "openclaw.json",
			LegacyConfigFile: "clawdbot.json",
			Command:          "openclaw",
			LegacyCommand:    "clawdbot",
			SystemdUnit:      "openclaw-gateway",
			SessionsDir:      "agents/main/sessions",
		},
		Control: ControlConfig{
			Socket: "/run/rescueclaw/control.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SearchPaths returns the candidate config files in lookup order.
func SearchPaths() []string {
	paths := []string{"rescueclaw.yaml", "rescueclaw.json"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		directory := filepath.Join(home, ".config", "rescueclaw")
		paths = append(paths,
			filepath.Join(directory, "rescueclaw.yaml"),
			filepath.Join(directory, "rescueclaw.json"))
	}
	return append(paths,
		"/etc/rescueclaw/rescueclaw.yaml",
		"/etc/rescueclaw/rescueclaw.json")
}

// Load resolves the config file and loads it. An explicit path (from a
// --config flag) wins, then RESCUECLAW_CONFIG, then the first existing
// entry of [SearchPaths]. When nothing is found the defaults are returned.
func Load(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return LoadFile(explicitPath)
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFile(path)
	}
	for _, candidate := range SearchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return LoadFile(candidate)
		}
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from path over the defaults and validates
// the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes configuration bytes over the defaults, expands path
// variables and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Backup.Path,
		&c.Backup.Encryption.IdentityFile,
		&c.Checkpoint.RequestFile,
		&c.OpenClaw.Workspace,
		&c.OpenClaw.ConfigPath,
		&c.Control.Socket,
	} {
		*field = ExpandPath(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandPath replaces a leading "~" with the home directory and expands
// ${VAR} and ${VAR:-default} from the environment.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}
	return varPattern.ReplaceAllStringFunc(path, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid value, joined. Each error wraps
// [ErrInvalid].
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Backup.Path == "" {
		invalid("backup.path is required")
	}
	if c.Backup.Interval < 0 {
		invalid("backup.interval must not be negative")
	}
	switch c.Backup.Compression {
	case "gzip", "zstd", "lz4":
	default:
		invalid("backup.compression %q must be one of gzip, zstd, lz4", c.Backup.Compression)
	}
	if c.Health.CheckInterval <= 0 {
		invalid("health.checkInterval must be positive")
	}
	if c.Health.UnhealthyThreshold < 1 {
		invalid("health.unhealthyThreshold must be at least 1")
	}
	if c.Health.AutoRestoreCooldown < 0 {
		invalid("health.autoRestoreCooldown must not be negative")
	}
	if c.Health.ProbeTimeout <= 0 {
		invalid("health.probeTimeout must be positive")
	}
	if c.Health.RestartTimeout <= 0 {
		invalid("health.restartTimeout must be positive")
	}
	if !strings.HasPrefix(c.Health.ProbePath, "/") {
		invalid("health.probePath %q must start with /", c.Health.ProbePath)
	}
	if c.Checkpoint.RequestFile == "" {
		invalid("checkpoint.requestFile is required")
	}
	if c.Checkpoint.DefaultWindow <= 0 {
		invalid("checkpoint.defaultWindow must be positive")
	}
	if c.OpenClaw.Workspace == "" {
		invalid("openclaw.workspace is required")
	}
	if c.OpenClaw.ConfigPath == "" {
		invalid("openclaw.configPath is required")
	}
	if c.OpenClaw.Port < 0 || c.OpenClaw.Port > 65535 {
		invalid("openclaw.port %d is out of range", c.OpenClaw.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}

	return errors.Join(errs...)
}
