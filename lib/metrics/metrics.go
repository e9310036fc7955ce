// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rescueclaw"

// Metrics holds the collectors. The zero value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	probes              *prometheus.CounterVec
	consecutiveFailures prometheus.Gauge
	restores            *prometheus.CounterVec
	checkpointOpen      prometheus.Gauge
	checkpoints         *prometheus.CounterVec
	snapshots           *prometheus.CounterVec
	snapshotBytes       prometheus.Gauge
	lastSnapshot        prometheus.Gauge
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Gateway liveness probes by result.",
		}, []string{"result"}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Current run of failed liveness probes.",
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "attempts_total",
			Help:      "Automatic restore attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		checkpointOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "open",
			Help:      "1 while a checkpoint rollback window is open.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "transitions_total",
			Help:      "Checkpoint openings and closings by outcome.",
		}, []string{"outcome"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "taken_total",
			Help:      "Snapshot attempts by result.",
		}, []string{"result"}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_size_bytes",
			Help:      "Archive size of the most recent snapshot.",
		}),
		lastSnapshot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.probes,
		m.consecutiveFailures,
		m.restores,
		m.checkpointOpen,
		m.checkpoints,
		m.snapshots,
		m.snapshotBytes,
		m.lastSnapshot,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ProbeCompleted records one liveness probe.
func (m *Metrics) ProbeCompleted(alive bool, consecutiveFailures int) {
	m.probes.WithLabelValues(resultLabel(alive)).Inc()
	m.consecutiveFailures.Set(float64(consecutiveFailures))
}

// RestoreAttempted records an automatic restore.
func (m *Metrics) RestoreAttempted(trigger string, err error) {
	m.restores.WithLabelValues(trigger, resultLabel(err == nil)).Inc()
}

// CheckpointChanged records a checkpoint opening or closing.
func (m *Metrics) CheckpointChanged(open bool, outcome string) {
	if open {
		m.checkpointOpen.Set(1)
	} else {
		m.checkpointOpen.Set(0)
	}
	m.checkpoints.WithLabelValues(outcome).Inc()
}

// SnapshotTaken records a snapshot attempt.
func (m *Metrics) SnapshotTaken(sizeBytes int64, at time.Time, err error) {
	m.snapshots.WithLabelValues(resultLabel(err == nil)).Inc()
	if err != nil {
		return
	}
	m.snapshotBytes.Set(float64(sizeBytes))
	m.lastSnapshot.Set(float64(at.Unix()))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve listens on address and serves /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return m.serve(ctx, listener, logger)
}

func (m *Metrics) serve(ctx context.Context, listener net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}()

	logger.Info("metrics endpoint listening", "address", listener.Addr().String())
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
}
