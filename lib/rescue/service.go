// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package rescue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/config"
	"github.com/harman314/rescueclaw/lib/gateway"
	"github.com/harman314/rescueclaw/lib/incident"
	"github.com/harman314/rescueclaw/lib/metrics"
	"github.com/harman314/rescueclaw/lib/restore"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/supervisor"
	"github.com/harman314/rescueclaw/lib/validate"
	"github.com/harman314/rescueclaw/lib/version"
)

// SkillDir is where the companion skill is installed inside the
// gateway workspace.
const SkillDir = "skills/rescueclaw-skill"

// Gateway is the process control and probing the service needs.
// *gateway.Controller implements it.
type Gateway interface {
	restore.Gateway
	Probe(ctx context.Context, port int) error
}

var _ Gateway = (*gateway.Controller)(nil)

// Options supplies collaborators. Nil fields are built from the
// configuration.
type Options struct {
	Gateway Gateway
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Service is the collaborator surface over one supervised gateway.
type Service struct {
	config    *config.Config
	store     *snapshot.Store
	gateway   Gateway
	engine    *restore.Engine
	incidents *incident.Log
	validator validate.Validator
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *slog.Logger

	// observe is set by a Daemon so Status reports the live loop state.
	observe   func() supervisor.Observation
	startedAt time.Time
}

// New builds the store, gateway controller and restore engine from cfg.
func New(cfg *config.Config, options Options) (*Service, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	openclaw := cfg.OpenClaw

	store, err := snapshot.New(snapshot.Options{
		BackupDir:        cfg.Backup.Path,
		WorkspaceDir:     openclaw.Workspace,
		ConfigDir:        openclaw.ConfigPath,
		WorkspaceEntries: cfg.Backup.WorkspaceEntries,
		ConfigEntries:    cfg.Backup.ConfigEntries,
		SessionsDir:      openclaw.SessionsPath(),
		IncludeSessions:  cfg.Backup.IncludeSessions,
		Compression:      snapshot.Compression(cfg.Backup.Compression),
		Recipients:       cfg.Backup.Encryption.Recipients,
		IdentityFile:     cfg.Backup.Encryption.IdentityFile,
		MaxSnapshots:     cfg.Backup.MaxSnapshots,
		Version:          version.Short(),
		Clock:            options.Clock,
		Logger:           options.Logger.With("component", "snapshot"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	if options.Gateway == nil {
		options.Gateway = gateway.NewController(gateway.Options{
			ConfigDir:        openclaw.ConfigPath,
			ConfigFile:       openclaw.ConfigFile,
			LegacyConfigFile: openclaw.LegacyConfigFile,
			Port:             openclaw.Port,
			Command:          openclaw.Command,
			LegacyCommand:    openclaw.LegacyCommand,
			SystemdUnit:      openclaw.SystemdUnit,
			ProbePath:        cfg.Health.ProbePath,
			ProbeTimeout:     cfg.Health.ProbeTimeout.Std(),
			Clock:            options.Clock,
			Logger:           options.Logger.With("component", "gateway"),
		})
	}

	validator := validate.Validator{
		ConfigFile:       openclaw.ConfigFile,
		LegacyConfigFile: openclaw.LegacyConfigFile,
	}
	targets := snapshot.Targets{
		Workspace: openclaw.Workspace,
		Config:    openclaw.ConfigPath,
	}
	if cfg.Backup.IncludeSessions {
		targets.Sessions = openclaw.SessionsPath()
	}
	engine, err := restore.New(restore.Options{
		Store:          store,
		Gateway:        options.Gateway,
		Validator:      validator,
		Targets:        targets,
		RestartTimeout: cfg.Health.RestartTimeout.Std(),
		Clock:          options.Clock,
		Logger:         options.Logger.With("component", "restore"),
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		config:    cfg,
		store:     store,
		gateway:   options.Gateway,
		engine:    engine,
		incidents: incident.Open(cfg.Backup.Path),
		validator: validator,
		metrics:   options.Metrics,
		clock:     options.Clock,
		logger:    options.Logger,
		startedAt: options.Clock.Now(),
	}, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.config }

// GatewayStatus is the liveness half of a Status.
type GatewayStatus struct {
	Port   int    `json:"port" cbor:"port"`
	Online bool   `json:"online" cbor:"online"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
}

// WatchdogStatus describes the daemon process. Running is false when
// the status was computed locally because no daemon answered.
type WatchdogStatus struct {
	Running   bool      `json:"running" cbor:"running"`
	PID       int       `json:"pid,omitempty" cbor:"pid,omitempty"`
	MemoryMB  float64   `json:"memory_mb,omitempty" cbor:"memory_mb,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero" cbor:"started_at,omitempty"`
}

// Status is a point-in-time report on the gateway and the watchdog.
type Status struct {
	Version        string                  `json:"version" cbor:"version"`
	Gateway        GatewayStatus           `json:"gateway" cbor:"gateway"`
	Watchdog       WatchdogStatus          `json:"watchdog" cbor:"watchdog"`
	Health         *supervisor.Observation `json:"health,omitempty" cbor:"health,omitempty"`
	Workspace      string                  `json:"workspace" cbor:"workspace"`
	BackupDir      string                  `json:"backup_dir" cbor:"backup_dir"`
	BackupCount    int                     `json:"backup_count" cbor:"backup_count"`
	LastBackup     *snapshot.Snapshot      `json:"last_backup,omitempty" cbor:"last_backup,omitempty"`
	SkillInstalled bool                    `json:"skill_installed" cbor:"skill_installed"`
	ConfigSource   string                  `json:"config_source,omitempty" cbor:"config_source,omitempty"`
}

// Status probes the gateway and summarises the snapshot store.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		Version:      version.Short(),
		Workspace:    s.config.OpenClaw.Workspace,
		BackupDir:    s.store.Dir(),
		ConfigSource: s.config.Source,
	}

	status.Gateway.Port = s.gateway.Port()
	if err := s.gateway.Probe(ctx, status.Gateway.Port); err != nil {
		status.Gateway.Error = err.Error()
	} else {
		status.Gateway.Online = true
	}

	snapshots, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	status.BackupCount = len(snapshots)
	if len(snapshots) > 0 {
		status.LastBackup = &snapshots[0]
	}

	if info, err := os.Stat(filepath.Join(s.config.OpenClaw.Workspace, SkillDir)); err == nil && info.IsDir() {
		status.SkillInstalled = true
	}

	if s.observe != nil {
		observation := s.observe()
		status.Health = &observation
		status.Watchdog = WatchdogStatus{
			Running:   true,
			PID:       os.Getpid(),
			MemoryMB:  residentMemoryMB(),
			StartedAt: s.startedAt,
		}
	}
	return status, nil
}

// residentMemoryMB reads VmRSS from /proc/self/status; 0 when
// unavailable.
func residentMemoryMB() float64 {
	file, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "VmRSS:" {
			kilobytes, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return 0
			}
			return kilobytes / 1024
		}
	}
	return 0
}

// TakeSnapshot archives the gateway's current state.
func (s *Service) TakeSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	taken, err := s.store.TakeSnapshot(ctx)
	if s.metrics != nil {
		s.metrics.SnapshotTaken(taken.SizeBytes, s.clock.Now(), err)
	}
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	s.logger.Info("snapshot taken",
		"snapshot_id", taken.ID,
		"size", taken.Size,
		"file_count", taken.FileCount,
	)
	return taken, nil
}

// SnapshotInfo is a listed snapshot. Verified means its manifest could
// be read back.
type SnapshotInfo struct {
	snapshot.Snapshot
	Verified bool `json:"verified" cbor:"verified"`
}

// ListSnapshots returns every snapshot, newest first. With
// readManifests each archive's manifest is decoded, which decompresses
// the archive.
func (s *Service) ListSnapshots(readManifests bool) ([]SnapshotInfo, error) {
	snapshots, err := s.store.List()
	if err != nil {
		return nil, err
	}
	infos := make([]SnapshotInfo, len(snapshots))
	for index, item := range snapshots {
		infos[index].Snapshot = item
		if !readManifests {
			continue
		}
		manifest, err := s.store.ReadManifest(item)
		if err != nil {
			s.logger.Debug("reading snapshot manifest", "snapshot_id", item.ID, "error", err)
			continue
		}
		infos[index].Manifest = manifest
		infos[index].FileCount = manifest.FileCount
		infos[index].Verified = true
	}
	return infos, nil
}

// Restore rolls the gateway back and records the outcome of a real
// (not dry-run) restore in the incident log.
func (s *Service) Restore(ctx context.Context, request restore.Request) (*restore.Report, error) {
	report, err := s.engine.Restore(ctx, request)
	if request.DryRun {
		return report, err
	}
	target := request.SnapshotID
	if report != nil {
		target = report.SnapshotID
	}
	if target == "" {
		target = "latest"
	}
	record := incident.Record{
		Cause:    "Manual restore to " + target,
		Recovery: incident.RecoveryRestored,
	}
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return report, err
		}
		record.Cause = fmt.Sprintf("Manual restore to %s failed: %v", target, err)
		record.Recovery = incident.RecoveryFailed
	}
	if appendErr := s.incidents.Append(record); appendErr != nil {
		s.logger.Warn("appending incident", "error", appendErr)
	}
	return report, err
}

// RecentIncidents returns up to limit incidents, newest first.
func (s *Service) RecentIncidents(limit int) ([]incident.Record, error) {
	return s.incidents.Recent(limit)
}

// ValidateLive runs the validation gate on the live workspace and
// config.
func (s *Service) ValidateLive() validate.Issues {
	return s.validator.Gate(s.config.OpenClaw.Workspace, s.config.OpenClaw.ConfigPath)
}
