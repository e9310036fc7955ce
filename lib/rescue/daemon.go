// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package rescue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/fileutil"
	"github.com/harman314/rescueclaw/lib/supervisor"
)

// ErrAlreadyRunning means another daemon holds the daemon lock for the
// same backup directory.
var ErrAlreadyRunning = errors.New("another rescueclaw daemon is already running")

const daemonLockName = ".daemon.lock"

// Daemon runs the health loop, the backup loop, the control socket and
// the optional metrics endpoint.
type Daemon struct {
	service    *Service
	supervisor *supervisor.Supervisor
	server     *control.Server
}

// NewDaemon wires a supervisor and control server to service.
func NewDaemon(service *Service) (*Daemon, error) {
	cfg := service.config
	options := supervisor.Options{
		Prober:              service.gateway,
		Snapshotter:         service,
		Restorer:            service.engine,
		Incidents:           service.incidents,
		RequestFile:         cfg.Checkpoint.RequestFile,
		DefaultWindow:       cfg.Checkpoint.DefaultWindow.Std(),
		CheckInterval:       cfg.Health.CheckInterval.Std(),
		UnhealthyThreshold:  cfg.Health.UnhealthyThreshold,
		AutoRestore:         cfg.Health.AutoRestore,
		AutoRestoreCooldown: cfg.Health.AutoRestoreCooldown.Std(),
		Clock:               service.clock,
		Logger:              service.logger.With("component", "supervisor"),
	}
	if service.metrics != nil {
		options.Recorder = service.metrics
	}
	loop, err := supervisor.New(options)
	if err != nil {
		return nil, err
	}
	service.observe = loop.Observe

	server := control.NewServer(cfg.Control.Socket, service.logger.With("component", "control"))
	RegisterActions(server, service)

	return &Daemon{service: service, supervisor: loop, server: server}, nil
}

// Supervisor returns the health loop.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.supervisor }

// Run blocks until ctx is cancelled or a component fails. Only one
// daemon may run per backup directory.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.service.config
	logger := d.service.logger

	if err := os.MkdirAll(cfg.Backup.Path, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	lock, acquired, err := fileutil.TryLock(filepath.Join(cfg.Backup.Path, daemonLockName))
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}
	defer lock.Release()

	logger.Info("rescueclaw daemon starting",
		"pid", os.Getpid(),
		"config", cfg.Source,
		"workspace", cfg.OpenClaw.Workspace,
		"backup_dir", cfg.Backup.Path,
		"check_interval", cfg.Health.CheckInterval,
		"backup_interval", cfg.Backup.Interval,
	)

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error { return d.supervisor.Run(groupContext) })
	group.Go(func() error { return d.service.BackupLoop(groupContext) })
	group.Go(func() error { return d.server.Serve(groupContext) })
	if d.service.metrics != nil && cfg.Metrics.Listen != "" {
		group.Go(func() error {
			return d.service.metrics.Serve(groupContext, cfg.Metrics.Listen, logger.With("component", "metrics"))
		})
	}

	err = group.Wait()
	logger.Info("rescueclaw daemon stopped", "error", err)
	return err
}
