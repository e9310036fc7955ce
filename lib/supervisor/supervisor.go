// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/incident"
	"github.com/harman314/rescueclaw/lib/restore"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/watchdog"
)

// Checkpoint is an open rollback window.
type Checkpoint struct {
	Reason      string    `json:"reason" cbor:"reason"`
	Deadline    time.Time `json:"deadline" cbor:"deadline"`
	SnapshotID  string    `json:"snapshot_id" cbor:"snapshot_id"`
	RequestedAt time.Time `json:"requested_at" cbor:"requested_at"`
}

// State is the loop's mutable state.
type State struct {
	ConsecutiveFailures int
	Checkpoint          *Checkpoint

	// lastHandledRequest identifies the request most recently expired
	// or consumed, so a file left behind does not reopen a window.
	lastHandledRequest string
	lastAutoRestore    time.Time
}

// Observation is a read-only copy of the loop state.
type Observation struct {
	ConsecutiveFailures int         `json:"consecutive_failures" cbor:"consecutive_failures"`
	Checkpoint          *Checkpoint `json:"checkpoint,omitempty" cbor:"checkpoint,omitempty"`
	Port                int         `json:"port" cbor:"port"`
	LastProbe           time.Time   `json:"last_probe,omitzero" cbor:"last_probe,omitempty"`
	LastProbeOK         bool        `json:"last_probe_ok" cbor:"last_probe_ok"`
	LastProbeError      string      `json:"last_probe_error,omitempty" cbor:"last_probe_error,omitempty"`
	LastRestore         time.Time   `json:"last_restore,omitzero" cbor:"last_restore,omitempty"`
	LastRestoreError    string      `json:"last_restore_error,omitempty" cbor:"last_restore_error,omitempty"`
}

// Prober checks gateway liveness. *gateway.Controller implements it.
type Prober interface {
	Port() int
	Probe(ctx context.Context, port int) error
}

// Snapshotter takes checkpoint snapshots. *snapshot.Store implements it.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (snapshot.Snapshot, error)
}

// Restorer performs rollbacks. *restore.Engine implements it.
type Restorer interface {
	Restore(ctx context.Context, request restore.Request) (*restore.Report, error)
}

// IncidentLog records incidents. *incident.Log implements it.
type IncidentLog interface {
	Append(record incident.Record) error
}

// Recorder receives loop events for metrics. A nil Recorder is allowed.
type Recorder interface {
	ProbeCompleted(alive bool, consecutiveFailures int)
	RestoreAttempted(trigger string, err error)
	CheckpointChanged(open bool, outcome string)
}

// Restore triggers and checkpoint outcomes reported to the Recorder.
const (
	TriggerCheckpoint = "checkpoint"
	TriggerThreshold  = "threshold"

	OutcomeOpened    = "opened"
	OutcomeWithdrawn = "withdrawn"
	OutcomeExpired   = "expired"
	OutcomeConsumed  = "consumed"
)

// Options configures a Supervisor. Zero values take the defaults in
// parentheses.
type Options struct {
	Prober      Prober
	Snapshotter Snapshotter
	Restorer    Restorer
	Incidents   IncidentLog
	Recorder    Recorder

	RequestFile   string
	DefaultWindow time.Duration // (5m)

	CheckInterval       time.Duration // (5m)
	UnhealthyThreshold  int           // (3)
	AutoRestore         bool
	AutoRestoreCooldown time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor runs the control loop.
type Supervisor struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	state       State
	observation atomic.Pointer[Observation]
}

// New returns a Supervisor in the idle state.
func New(options Options) (*Supervisor, error) {
	if options.Prober == nil || options.Snapshotter == nil || options.Restorer == nil {
		return nil, errors.New("supervisor: prober, snapshotter and restorer are required")
	}
	if options.RequestFile == "" {
		return nil, errors.New("supervisor: checkpoint request file is required")
	}
	if options.DefaultWindow <= 0 {
		options.DefaultWindow = 5 * time.Minute
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = 5 * time.Minute
	}
	if options.UnhealthyThreshold < 1 {
		options.UnhealthyThreshold = 3
	}
	supervisor := &Supervisor{
		options: options,
		clock:   options.Clock,
		logger:  options.Logger,
	}
	if supervisor.clock == nil {
		supervisor.clock = clock.Real()
	}
	if supervisor.logger == nil {
		supervisor.logger = slog.New(slog.DiscardHandler)
	}
	supervisor.observation.Store(&Observation{})
	return supervisor, nil
}

// Observe returns the state published after the most recent step. Safe
// to call from any goroutine.
func (s *Supervisor) Observe() Observation {
	return *s.observation.Load()
}

// Run ticks until ctx is cancelled. The first tick runs immediately. An
// in-flight tick completes before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		"check_interval", s.options.CheckInterval,
		"unhealthy_threshold", s.options.UnhealthyThreshold,
		"auto_restore", s.options.AutoRestore,
		"request_file", s.options.RequestFile,
	)

	requestChanged, stopWatching := s.watchRequestFile()
	defer stopWatching()

	ticker := s.clock.NewTicker(s.options.CheckInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		case <-requestChanged:
			s.CheckRequest(ctx)
		}
	}
}

// watchRequestFile returns a channel that fires when the request file
// is created, written or removed. Without a watcher the channel never
// fires.
func (s *Supervisor) watchRequestFile() (<-chan struct{}, func()) {
	changed := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("checkpoint requests will be noticed on the next tick only", "error", err)
		return changed, func() {}
	}
	directory := filepath.Dir(s.options.RequestFile)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		s.logger.Debug("creating checkpoint request directory", "directory", directory, "error", err)
	}
	if err := watcher.Add(directory); err != nil {
		s.logger.Warn("checkpoint requests will be noticed on the next tick only",
			"directory", directory,
			"error", err,
		)
		watcher.Close()
		return changed, func() {}
	}

	name := filepath.Clean(s.options.RequestFile)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Debug("request file watcher error", "error", err)
			}
		}
	}()
	return changed, func() {
		close(done)
		watcher.Close()
	}
}

// Tick runs one full step: request handling, window expiry, then the
// health probe.
func (s *Supervisor) Tick(ctx context.Context) {
	s.CheckRequest(ctx)
	s.expireCheckpoint()
	s.probe(ctx)
	s.publish(nil)
}

// CheckRequest handles the checkpoint request file: opening a window on
// a new request, closing one whose request was withdrawn.
func (s *Supervisor) CheckRequest(ctx context.Context) {
	defer s.publish(nil)

	request, present, err := watchdog.Check(s.options.RequestFile)
	if err != nil {
		s.logger.Warn("reading checkpoint request", "path", s.options.RequestFile, "error", err)
		return
	}

	if !present {
		// The retired request is gone; whatever appears next is new.
		s.state.lastHandledRequest = ""
		if checkpoint := s.state.Checkpoint; checkpoint != nil {
			s.logger.Info("checkpoint closed: request withdrawn",
				"reason", checkpoint.Reason,
				"snapshot_id", checkpoint.SnapshotID,
			)
			s.closeCheckpoint(OutcomeWithdrawn)
		}
		return
	}
	if s.state.Checkpoint != nil {
		return
	}
	key := requestKey(request)
	if key == s.state.lastHandledRequest {
		return
	}

	taken, err := s.options.Snapshotter.TakeSnapshot(ctx)
	if err != nil {
		s.logger.Error("checkpoint snapshot failed, checkpoint not opened",
			"reason", request.Reason,
			"error", err,
		)
		return
	}
	now := s.clock.Now()
	window := request.Window(s.options.DefaultWindow)
	s.state.Checkpoint = &Checkpoint{
		Reason:      request.Reason,
		Deadline:    now.Add(window),
		SnapshotID:  taken.ID,
		RequestedAt: request.Timestamp,
	}
	s.state.lastHandledRequest = ""
	s.logger.Info("checkpoint opened",
		"reason", request.Reason,
		"snapshot_id", taken.ID,
		"window", window,
		"deadline", s.state.Checkpoint.Deadline,
	)
	s.record(func(recorder Recorder) { recorder.CheckpointChanged(true, OutcomeOpened) })
}

func (s *Supervisor) expireCheckpoint() {
	checkpoint := s.state.Checkpoint
	if checkpoint == nil || !s.clock.Now().After(checkpoint.Deadline) {
		return
	}
	s.logger.Info("checkpoint expired without incident",
		"reason", checkpoint.Reason,
		"snapshot_id", checkpoint.SnapshotID,
	)
	s.retireRequest()
	s.closeCheckpoint(OutcomeExpired)
}

func (s *Supervisor) probe(ctx context.Context) {
	port := s.options.Prober.Port()
	err := s.options.Prober.Probe(ctx, port)
	if ctx.Err() != nil {
		return
	}

	now := s.clock.Now()
	if err == nil {
		if s.state.ConsecutiveFailures > 0 {
			s.logger.Info("gateway recovered", "previous_failures", s.state.ConsecutiveFailures)
			s.appendIncident(incident.Record{
				Cause:    fmt.Sprintf("Agent responsive again after %d failed check(s)", s.state.ConsecutiveFailures),
				Recovery: incident.RecoveryRecovered,
			})
		}
		s.state.ConsecutiveFailures = 0
		s.publish(func(observation *Observation) {
			observation.Port = port
			observation.LastProbe = now
			observation.LastProbeOK = true
			observation.LastProbeError = ""
		})
		s.record(func(recorder Recorder) { recorder.ProbeCompleted(true, 0) })
		return
	}

	s.state.ConsecutiveFailures++
	failures := s.state.ConsecutiveFailures
	s.logger.Warn("gateway health check failed",
		"port", port,
		"consecutive_failures", failures,
		"error", err,
	)
	s.appendIncident(incident.Record{
		Cause:    fmt.Sprintf("Agent unresponsive (check #%d)", failures),
		Recovery: incident.RecoveryPending,
	})
	s.publish(func(observation *Observation) {
		observation.Port = port
		observation.LastProbe = now
		observation.LastProbeOK = false
		observation.LastProbeError = err.Error()
	})
	s.record(func(recorder Recorder) { recorder.ProbeCompleted(false, failures) })

	if s.state.Checkpoint != nil {
		s.rollbackCheckpoint(ctx)
		return
	}
	if !s.options.AutoRestore || failures < s.options.UnhealthyThreshold {
		return
	}
	if !s.state.lastAutoRestore.IsZero() && now.Sub(s.state.lastAutoRestore) < s.options.AutoRestoreCooldown {
		s.logger.Info("auto-restore suppressed by cooldown",
			"cooldown", s.options.AutoRestoreCooldown,
			"last_attempt", s.state.lastAutoRestore,
		)
		return
	}
	s.autoRestore(ctx)
}

// rollbackCheckpoint restores the open checkpoint's snapshot. On failure
// the checkpoint stays open so the next failed probe inside the window
// tries again.
func (s *Supervisor) rollbackCheckpoint(ctx context.Context) {
	checkpoint := s.state.Checkpoint
	logger := s.logger.With("snapshot_id", checkpoint.SnapshotID, "reason", checkpoint.Reason)
	logger.Warn("failure inside checkpoint window, rolling back")

	report, err := s.options.Restorer.Restore(context.WithoutCancel(ctx), restore.Request{SnapshotID: checkpoint.SnapshotID})
	s.noteRestore(TriggerCheckpoint, err)
	if err != nil {
		logger.Error("checkpoint rollback failed", "error", err)
		s.appendIncident(incident.Record{
			Cause:    fmt.Sprintf("Checkpoint rollback to %s failed: %v", checkpoint.SnapshotID, err),
			Recovery: incident.RecoveryFailed,
		})
		return
	}

	s.state.ConsecutiveFailures = 0
	s.retireRequest()
	s.closeCheckpoint(OutcomeConsumed)
	logger.Info("checkpoint rollback complete", "responsive", report.Responsive)
	s.appendIncident(incident.Record{
		Cause:    fmt.Sprintf("Checkpoint rollback to %s (%s)", checkpoint.SnapshotID, checkpoint.Reason),
		Recovery: incident.RecoveryRestored,
	})
}

func (s *Supervisor) autoRestore(ctx context.Context) {
	failures := s.state.ConsecutiveFailures
	s.state.lastAutoRestore = s.clock.Now()
	s.logger.Warn("unhealthy threshold reached, restoring newest snapshot",
		"consecutive_failures", failures,
		"unhealthy_threshold", s.options.UnhealthyThreshold,
	)

	report, err := s.options.Restorer.Restore(context.WithoutCancel(ctx), restore.Request{})
	s.noteRestore(TriggerThreshold, err)
	if err != nil {
		s.logger.Error("auto-restore failed", "consecutive_failures", failures, "error", err)
		s.appendIncident(incident.Record{
			Cause:    fmt.Sprintf("Auto-restore after %d failed checks failed: %v", failures, err),
			Recovery: incident.RecoveryFailed,
		})
		return
	}

	s.state.ConsecutiveFailures = 0
	s.logger.Info("auto-restore complete", "snapshot_id", report.SnapshotID, "responsive", report.Responsive)
	s.appendIncident(incident.Record{
		Cause:    fmt.Sprintf("Auto-restore to %s after %d failed checks", report.SnapshotID, failures),
		Recovery: incident.RecoveryRestored,
	})
}

// retireRequest removes the request file and remembers it so a copy
// that survives the removal is not treated as a new request.
func (s *Supervisor) retireRequest() {
	request, present, err := watchdog.Check(s.options.RequestFile)
	if err == nil && present {
		s.state.lastHandledRequest = requestKey(request)
	}
	if err := watchdog.Clear(s.options.RequestFile); err != nil {
		s.logger.Warn("removing checkpoint request", "path", s.options.RequestFile, "error", err)
	}
}

func (s *Supervisor) closeCheckpoint(outcome string) {
	s.state.Checkpoint = nil
	s.record(func(recorder Recorder) { recorder.CheckpointChanged(false, outcome) })
}

func (s *Supervisor) noteRestore(trigger string, err error) {
	now := s.clock.Now()
	s.publish(func(observation *Observation) {
		observation.LastRestore = now
		observation.LastRestoreError = ""
		if err != nil {
			observation.LastRestoreError = err.Error()
		}
	})
	s.record(func(recorder Recorder) { recorder.RestoreAttempted(trigger, err) })
}

func (s *Supervisor) appendIncident(record incident.Record) {
	if s.options.Incidents == nil {
		return
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.clock.Now()
	}
	if err := s.options.Incidents.Append(record); err != nil {
		s.logger.Warn("appending incident", "error", err)
	}
}

func (s *Supervisor) record(fn func(Recorder)) {
	if s.options.Recorder != nil {
		fn(s.options.Recorder)
	}
}

// publish copies the loop state into a new Observation, applying update
// to the copy first.
func (s *Supervisor) publish(update func(*Observation)) {
	next := *s.observation.Load()
	next.ConsecutiveFailures = s.state.ConsecutiveFailures
	next.Checkpoint = nil
	if s.state.Checkpoint != nil {
		checkpoint := *s.state.Checkpoint
		next.Checkpoint = &checkpoint
	}
	if update != nil {
		update(&next)
	}
	s.observation.Store(&next)
}

func requestKey(request watchdog.Request) string {
	return request.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + request.Reason
}
