// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/gateway"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/validate"
)

// Request selects a snapshot and the restore mode.
type Request struct {
	// SnapshotID is empty for the newest snapshot.
	SnapshotID string `json:"snapshot_id,omitempty" cbor:"snapshot_id,omitempty"`

	// Force skips verification and the validation gate.
	Force bool `json:"force,omitempty" cbor:"force,omitempty"`

	// DryRun validates and reports without touching live state or the
	// gateway process.
	DryRun bool `json:"dry_run,omitempty" cbor:"dry_run,omitempty"`
}

// Report describes what a restore did, or under DryRun would do.
type Report struct {
	SnapshotID string `json:"snapshot_id" cbor:"snapshot_id"`
	DryRun     bool   `json:"dry_run" cbor:"dry_run"`
	Forced     bool   `json:"forced" cbor:"forced"`

	// Issues are the validation findings on the extracted copy. Empty
	// when forced.
	Issues validate.Issues `json:"issues" cbor:"issues"`

	// WouldFail is set by a dry run whose validation found errors.
	WouldFail bool `json:"would_fail,omitempty" cbor:"would_fail,omitempty"`

	Targets snapshot.Targets `json:"targets" cbor:"targets"`

	Port       int  `json:"port,omitempty" cbor:"port,omitempty"`
	WasRunning bool `json:"was_running" cbor:"was_running"`
	PID        int  `json:"pid,omitempty" cbor:"pid,omitempty"`

	// LocateError and StopError record non-fatal process control
	// failures.
	LocateError string `json:"locate_error,omitempty" cbor:"locate_error,omitempty"`
	StopError   string `json:"stop_error,omitempty" cbor:"stop_error,omitempty"`

	FilesRestored bool `json:"files_restored" cbor:"files_restored"`
	FileCount     int  `json:"file_count" cbor:"file_count"`

	Started    bool `json:"started" cbor:"started"`
	Responsive bool `json:"responsive" cbor:"responsive"`

	Duration time.Duration `json:"duration" cbor:"duration"`
}

// Gateway is the process control the engine needs. *gateway.Controller
// implements it.
type Gateway interface {
	Port() int
	Locate(ctx context.Context, port int) (pid int, found bool, err error)
	Terminate(ctx context.Context, pid int) error
	Start(ctx context.Context) error
	WaitUntilResponsive(ctx context.Context, port int, timeout time.Duration) bool
}

var _ Gateway = (*gateway.Controller)(nil)

// Options configures an Engine.
type Options struct {
	Store     *snapshot.Store
	Gateway   Gateway
	Validator validate.Validator

	// Targets are the live directories a restore writes to.
	Targets snapshot.Targets

	// RestartTimeout bounds the wait for the gateway to answer after it
	// is started (30s).
	RestartTimeout time.Duration

	// ScratchDir is the parent of temporary validation copies. Empty
	// means the system temporary directory.
	ScratchDir string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine performs restores.
type Engine struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns an Engine.
func New(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("restore: snapshot store is required")
	}
	if options.Gateway == nil {
		return nil, errors.New("restore: gateway controller is required")
	}
	if options.Targets.Workspace == "" || options.Targets.Config == "" {
		return nil, errors.New("restore: workspace and config targets are required")
	}
	if options.RestartTimeout <= 0 {
		options.RestartTimeout = 30 * time.Second
	}
	engine := &Engine{
		options: options,
		clock:   options.Clock,
		logger:  options.Logger,
	}
	if engine.clock == nil {
		engine.clock = clock.Real()
	}
	if engine.logger == nil {
		engine.logger = slog.New(slog.DiscardHandler)
	}
	return engine, nil
}

// Restore rolls live state back to the requested snapshot. The report is
// non-nil whenever the snapshot was resolved, including alongside a
// validation or start failure.
func (e *Engine) Restore(ctx context.Context, request Request) (*Report, error) {
	var report *Report
	err := e.options.Store.Exclusive(func() error {
		var err error
		report, err = e.restoreLocked(ctx, request)
		return err
	})
	return report, err
}

func (e *Engine) restoreLocked(ctx context.Context, request Request) (*Report, error) {
	started := e.clock.Now()
	target, err := e.options.Store.Resolve(request.SnapshotID)
	if err != nil {
		return nil, err
	}
	report := &Report{
		SnapshotID: target.ID,
		DryRun:     request.DryRun,
		Forced:     request.Force,
		Issues:     validate.Issues{},
		Targets:    e.options.Targets,
	}
	defer func() { report.Duration = e.clock.Now().Sub(started) }()

	logger := e.logger.With("snapshot_id", target.ID)
	logger.Info("restore starting", "force", request.Force, "dry_run", request.DryRun)

	if !request.Force {
		issues, err := e.validateCopy(target)
		if err != nil {
			return report, err
		}
		report.Issues = issues
		if issues.HasErrors() {
			if request.DryRun {
				report.WouldFail = true
				logger.Warn("dry run: restore would be refused", "errors", len(issues.Errors()))
				return report, nil
			}
			logger.Warn("restore refused by validation", "errors", len(issues.Errors()))
			return report, &validate.FailedError{Issues: issues}
		}
	}

	if request.DryRun {
		logger.Info("dry run complete", "warnings", len(report.Issues.Warnings()))
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	// Past this point the gateway is stopped and restarted as a unit; a
	// shutdown must not leave it stopped halfway through.
	ctx = context.WithoutCancel(ctx)

	report.Port = e.options.Gateway.Port()
	pid, running, err := e.options.Gateway.Locate(ctx, report.Port)
	if err != nil {
		// Without a pid there is nothing to stop; extraction still
		// proceeds and the gateway is left as it is.
		report.LocateError = err.Error()
		logger.Warn("cannot locate gateway process", "port", report.Port, "error", err)
	}
	report.WasRunning = running
	report.PID = pid

	if running {
		if err := e.options.Gateway.Terminate(ctx, pid); err != nil {
			report.StopError = err.Error()
			logger.Error("stopping gateway failed, restoring files anyway", "pid", pid, "error", err)
		}
	}

	result, err := e.options.Store.ExtractUnlocked(target, e.options.Targets)
	if err != nil {
		return report, fmt.Errorf("restoring snapshot %s: %w", target.ID, err)
	}
	report.FilesRestored = true
	report.FileCount = len(result.Files)
	logger.Info("snapshot files restored", "file_count", report.FileCount)

	if !running {
		return report, nil
	}
	if err := e.options.Gateway.Start(ctx); err != nil {
		logger.Error("files restored, gateway not confirmed running", "error", err)
		return report, err
	}
	report.Started = true
	report.Responsive = e.options.Gateway.WaitUntilResponsive(ctx, report.Port, e.options.RestartTimeout)
	if report.Responsive {
		logger.Info("gateway responsive after restore", "port", report.Port)
	} else {
		logger.Warn("gateway started but not responding", "port", report.Port, "timeout", e.options.RestartTimeout)
	}
	return report, nil
}

// validateCopy extracts target into a scratch directory and gates it. A
// digest mismatch is reported as a blocking issue.
func (e *Engine) validateCopy(target snapshot.Snapshot) (validate.Issues, error) {
	scratch, err := os.MkdirTemp(e.options.ScratchDir, "rescueclaw-restore-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("removing scratch directory", "path", scratch, "error", err)
		}
	}()

	copyTargets := snapshot.Targets{
		Workspace: filepath.Join(scratch, snapshot.PrefixWorkspace),
		Config:    filepath.Join(scratch, snapshot.PrefixConfig),
	}
	for _, directory := range []string{copyTargets.Workspace, copyTargets.Config} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating scratch directory: %w", err)
		}
	}
	result, err := e.options.Store.ExtractUnlocked(target, copyTargets)
	if err != nil {
		return nil, fmt.Errorf("extracting snapshot %s for validation: %w", target.ID, err)
	}

	var issues validate.Issues
	if err := snapshot.Verify(result); err != nil {
		var verifyError *snapshot.VerifyError
		if !errors.As(err, &verifyError) {
			return nil, err
		}
		issues = append(issues, validate.Issue{Severity: validate.SeverityError, Message: err.Error()})
	}
	issues = append(issues, e.options.Validator.Gate(copyTargets.Workspace, copyTargets.Config)...)
	if issues == nil {
		issues = validate.Issues{}
	}
	return issues, nil
}
