// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/incident"
	"github.com/harman314/rescueclaw/lib/restore"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/testutil"
	"github.com/harman314/rescueclaw/lib/watchdog"
)

var epoch = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeProber struct {
	mu      sync.Mutex
	failing bool
}

func (p *fakeProber) setFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

func (p *fakeProber) Port() int { return 7744 }

func (p *fakeProber) Probe(context.Context, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("connection refused")
	}
	return nil
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (s *fakeSnapshotter) TakeSnapshot(context.Context) (snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return snapshot.Snapshot{}, s.err
	}
	s.count++
	return snapshot.Snapshot{ID: fmt.Sprintf("checkpoint-%d", s.count)}, nil
}

func (s *fakeSnapshotter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type fakeRestorer struct {
	mu       sync.Mutex
	err      error
	requests []restore.Request

	// during runs inside Restore; ctxErrs holds ctx.Err() observed after it.
	during  func()
	ctxErrs []error
}

func (r *fakeRestorer) Restore(ctx context.Context, request restore.Request) (*restore.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request)
	if r.during != nil {
		r.during()
	}
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if r.err != nil {
		return nil, r.err
	}
	id := request.SnapshotID
	if id == "" {
		id = "latest"
	}
	return &restore.Report{SnapshotID: id, FilesRestored: true, Responsive: true}, nil
}

func (r *fakeRestorer) Requests() []restore.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]restore.Request(nil), r.requests...)
}

type memoryIncidents struct {
	mu      sync.Mutex
	records []incident.Record
}

func (l *memoryIncidents) Append(record incident.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *memoryIncidents) Recoveries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var recoveries []string
	for _, record := range l.records {
		recoveries = append(recoveries, record.Recovery)
	}
	return recoveries
}

type countingRecorder struct {
	mu       sync.Mutex
	probes   int
	restores map[string]int
	outcomes []string
}

func (r *countingRecorder) ProbeCompleted(bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
}

func (r *countingRecorder) RestoreAttempted(trigger string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restores == nil {
		r.restores = make(map[string]int)
	}
	r.restores[trigger]++
}

func (r *countingRecorder) CheckpointChanged(_ bool, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type harness struct {
	supervisor  *Supervisor
	clock       *clock.FakeClock
	prober      *fakeProber
	snapshotter *fakeSnapshotter
	restorer    *fakeRestorer
	incidents   *memoryIncidents
	recorder    *countingRecorder
	requestFile string
}

func newHarness(t *testing.T, modify func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock:       clock.Fake(epoch),
		prober:      &fakeProber{},
		snapshotter: &fakeSnapshotter{},
		restorer:    &fakeRestorer{},
		incidents:   &memoryIncidents{},
		recorder:    &countingRecorder{},
		requestFile: filepath.Join(t.TempDir(), "checkpoint.json"),
	}
	options := Options{
		Prober:             h.prober,
		Snapshotter:        h.snapshotter,
		Restorer:           h.restorer,
		Incidents:          h.incidents,
		Recorder:           h.recorder,
		RequestFile:        h.requestFile,
		DefaultWindow:      5 * time.Minute,
		CheckInterval:      time.Second,
		UnhealthyThreshold: 3,
		Clock:              h.clock,
	}
	if modify != nil {
		modify(&options)
	}
	supervisor, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.supervisor = supervisor
	return h
}

func (h *harness) fileRequest(t *testing.T, reason string, windowSeconds int64) {
	t.Helper()
	err := watchdog.Write(h.requestFile, watchdog.Request{
		Reason:                reason,
		Timestamp:             h.clock.Now(),
		RollbackWindowSeconds: windowSeconds,
	})
	if err != nil {
		t.Fatalf("watchdog.Write: %v", err)
	}
}

func (h *harness) requestFilePresent() bool {
	_, err := os.Stat(h.requestFile)
	return err == nil
}

// TestCheckpointWindowScenario files a request with a 5s window: a
// failure 2s in rolls back to the checkpoint snapshot, while a failure
// 10s in (after a fresh request) finds the window closed and only the
// threshold path applies.
func TestCheckpointWindowScenario(t *testing.T) {
	h := newHarness(t, func(options *Options) {
		options.AutoRestore = true
		options.UnhealthyThreshold = 1
	})
	ctx := context.Background()

	h.fileRequest(t, "config edit", 5)
	h.supervisor.Tick(ctx)
	checkpoint := h.supervisor.Observe().Checkpoint
	if checkpoint == nil {
		t.Fatal("checkpoint not opened after request")
	}
	if want := epoch.Add(5 * time.Second); !checkpoint.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", checkpoint.Deadline, want)
	}

	h.clock.Advance(2 * time.Second)
	h.prober.setFailing(true)
	h.supervisor.Tick(ctx)

	requests := h.restorer.Requests()
	if len(requests) != 1 || requests[0].SnapshotID != checkpoint.SnapshotID {
		t.Fatalf("restore requests = %+v, want one for %s", requests, checkpoint.SnapshotID)
	}
	if requests[0].Force || requests[0].DryRun {
		t.Errorf("checkpoint rollback request = %+v, want neither forced nor dry run", requests[0])
	}
	observation := h.supervisor.Observe()
	if observation.Checkpoint != nil || observation.ConsecutiveFailures != 0 {
		t.Errorf("after rollback: %+v, want idle with zero failures", observation)
	}
	if h.requestFilePresent() {
		t.Error("request file survived a consumed checkpoint")
	}

	// A second request, then a failure well after its window.
	h.prober.setFailing(false)
	h.fileRequest(t, "second edit", 5)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Fatal("second checkpoint not opened")
	}
	h.clock.Advance(10 * time.Second)
	h.prober.setFailing(true)
	h.supervisor.Tick(ctx)

	requests = h.restorer.Requests()
	if len(requests) != 2 {
		t.Fatalf("restore requests = %+v, want 2", requests)
	}
	if requests[1].SnapshotID != "" {
		t.Errorf("late failure restored %q, want the newest snapshot via the threshold path", requests[1].SnapshotID)
	}
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("expired checkpoint still open")
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if h.recorder.restores[TriggerCheckpoint] != 1 || h.recorder.restores[TriggerThreshold] != 1 {
		t.Errorf("restore triggers = %v, want one of each", h.recorder.restores)
	}
}

func TestCheckpointWithdrawnClosesWithoutRestore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fileRequest(t, "upgrade", 60)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Fatal("checkpoint not opened")
	}
	if err := watchdog.Clear(h.requestFile); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	h.supervisor.CheckRequest(ctx)
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("checkpoint still open after the request was withdrawn")
	}
	if got := len(h.restorer.Requests()); got != 0 {
		t.Errorf("restores = %d, want 0", got)
	}
}

func TestCheckpointExpiryIsNotReopened(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fileRequest(t, "upgrade", 5)
	h.supervisor.Tick(ctx)
	h.clock.Advance(6 * time.Second)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint != nil {
		t.Fatal("checkpoint still open after its deadline")
	}
	if h.requestFilePresent() {
		t.Error("request file survived expiry")
	}

	// The same request reappearing (a stale copy restored by some other
	// tool) must not reopen the window.
	if err := watchdog.Write(h.requestFile, watchdog.Request{Reason: "upgrade", Timestamp: epoch, RollbackWindowSeconds: 5}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("stale request reopened a checkpoint")
	}
	if got := h.snapshotter.Count(); got != 1 {
		t.Errorf("snapshots taken = %d, want 1", got)
	}

	// A genuinely new request opens a new window.
	h.fileRequest(t, "upgrade", 5)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Error("new request did not open a checkpoint")
	}
}

// TestTimestamplessRequestRepeats files the same hand-written request
// without a timestamp twice. Once the first has expired and its file has
// been seen gone, the second opens a new window.
func TestTimestamplessRequestRepeats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	body := `{"action":"checkpoint","reason":"deploy","rollbackWindowSeconds":5}`
	fileRaw := func() {
		testutil.WriteTree(t, filepath.Dir(h.requestFile), map[string]string{
			filepath.Base(h.requestFile): body,
		})
	}

	fileRaw()
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Fatal("first request did not open a checkpoint")
	}
	h.clock.Advance(6 * time.Second)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint != nil {
		t.Fatal("checkpoint still open after its deadline")
	}
	h.clock.Advance(time.Second)
	h.supervisor.Tick(ctx)

	fileRaw()
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Error("repeated request did not open a checkpoint")
	}
	if got := h.snapshotter.Count(); got != 2 {
		t.Errorf("snapshots taken = %d, want 2", got)
	}
}

func TestRequestWhileOpenIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fileRequest(t, "first", 60)
	h.supervisor.Tick(ctx)
	first := h.supervisor.Observe().Checkpoint

	h.clock.Advance(time.Second)
	h.fileRequest(t, "second", 600)
	h.supervisor.Tick(ctx)
	current := h.supervisor.Observe().Checkpoint
	if current == nil || current.Reason != first.Reason || !current.Deadline.Equal(first.Deadline) {
		t.Errorf("checkpoint = %+v, want the first one unchanged", current)
	}
	if got := h.snapshotter.Count(); got != 1 {
		t.Errorf("snapshots taken = %d, want 1", got)
	}
}

func TestDefaultWindow(t *testing.T) {
	h := newHarness(t, func(options *Options) { options.DefaultWindow = 90 * time.Second })
	h.fileRequest(t, "no window given", 0)
	h.supervisor.Tick(context.Background())
	checkpoint := h.supervisor.Observe().Checkpoint
	if checkpoint == nil {
		t.Fatal("checkpoint not opened")
	}
	if want := epoch.Add(90 * time.Second); !checkpoint.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", checkpoint.Deadline, want)
	}
}

func TestSnapshotFailureDoesNotOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.snapshotter.err = errors.New("disk full")
	h.fileRequest(t, "upgrade", 60)
	h.supervisor.Tick(context.Background())
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("checkpoint opened without a snapshot")
	}
}

func TestUnparseableRequestIgnored(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, filepath.Dir(h.requestFile), map[string]string{
		filepath.Base(h.requestFile): "{not json",
	})
	h.supervisor.Tick(context.Background())
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("unparseable request opened a checkpoint")
	}
}

func TestUnparseableRequestWithdrawsCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fileRequest(t, "upgrade", 60)
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint == nil {
		t.Fatal("request did not open a checkpoint")
	}
	testutil.WriteTree(t, filepath.Dir(h.requestFile), map[string]string{
		filepath.Base(h.requestFile): `{"action":"checkpoint","reason":"upgrade","timestamp":"Sat Oct 18 12:00:00 UTC 2026"}`,
	})
	h.supervisor.Tick(ctx)
	if h.supervisor.Observe().Checkpoint != nil {
		t.Error("checkpoint still open after its request became unparseable")
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if n := len(h.recorder.outcomes); n == 0 || h.recorder.outcomes[n-1] != OutcomeWithdrawn {
		t.Errorf("checkpoint outcomes = %v, want last %q", h.recorder.outcomes, OutcomeWithdrawn)
	}
}

func TestRollbackFailureKeepsCheckpointOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fileRequest(t, "upgrade", 60)
	h.supervisor.Tick(ctx)
	h.restorer.err = errors.New("validation failed")
	h.prober.setFailing(true)
	h.clock.Advance(time.Second)
	h.supervisor.Tick(ctx)

	observation := h.supervisor.Observe()
	if observation.Checkpoint == nil {
		t.Error("checkpoint closed after a failed rollback")
	}
	if observation.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", observation.ConsecutiveFailures)
	}
	if observation.LastRestoreError == "" {
		t.Error("LastRestoreError not published")
	}
	recoveries := h.incidents.Recoveries()
	if len(recoveries) != 2 || recoveries[0] != incident.RecoveryPending || recoveries[1] != incident.RecoveryFailed {
		t.Errorf("incident recoveries = %v, want [pending failed]", recoveries)
	}
}

func TestThresholdAutoRestore(t *testing.T) {
	h := newHarness(t, func(options *Options) { options.AutoRestore = true })
	ctx := context.Background()
	h.prober.setFailing(true)

	for tick := 1; tick <= 2; tick++ {
		h.supervisor.Tick(ctx)
		if got := len(h.restorer.Requests()); got != 0 {
			t.Fatalf("restored after %d failures, want none before the threshold", tick)
		}
	}
	h.supervisor.Tick(ctx)
	if got := len(h.restorer.Requests()); got != 1 {
		t.Fatalf("restores after 3 failures = %d, want 1", got)
	}
	if got := h.supervisor.Observe().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures after restore = %d, want 0", got)
	}
}

// TestRestoreOutlivesShutdown cancels the loop context while a rollback
// and an auto-restore are in progress. Neither restore sees the
// cancellation.
func TestRestoreOutlivesShutdown(t *testing.T) {
	t.Run("checkpoint rollback", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h.fileRequest(t, "upgrade", 60)
		h.supervisor.Tick(ctx)
		h.restorer.during = cancel
		h.prober.setFailing(true)
		h.clock.Advance(time.Second)
		h.supervisor.Tick(ctx)

		if len(h.restorer.ctxErrs) != 1 || h.restorer.ctxErrs[0] != nil {
			t.Errorf("restore context errors = %v, want [<nil>]", h.restorer.ctxErrs)
		}
		if h.supervisor.Observe().Checkpoint != nil {
			t.Error("checkpoint still open after a completed rollback")
		}
	})
	t.Run("auto-restore", func(t *testing.T) {
		h := newHarness(t, func(options *Options) {
			options.AutoRestore = true
			options.UnhealthyThreshold = 1
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h.restorer.during = cancel
		h.prober.setFailing(true)
		h.supervisor.Tick(ctx)

		if len(h.restorer.ctxErrs) != 1 || h.restorer.ctxErrs[0] != nil {
			t.Errorf("restore context errors = %v, want [<nil>]", h.restorer.ctxErrs)
		}
		if got := h.supervisor.Observe().ConsecutiveFailures; got != 0 {
			t.Errorf("ConsecutiveFailures = %d, want 0 after a completed auto-restore", got)
		}
	})
}

func TestIncidentTimestampsFollowClock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.prober.setFailing(true)
	h.clock.Advance(90 * time.Second)
	h.supervisor.Tick(ctx)
	h.prober.setFailing(false)
	h.clock.Advance(time.Minute)
	h.supervisor.Tick(ctx)

	h.incidents.mu.Lock()
	defer h.incidents.mu.Unlock()
	want := []time.Time{epoch.Add(90 * time.Second), epoch.Add(150 * time.Second)}
	if len(h.incidents.records) != len(want) {
		t.Fatalf("got %d incidents, want %d", len(h.incidents.records), len(want))
	}
	for i, record := range h.incidents.records {
		if !record.Timestamp.Equal(want[i]) {
			t.Errorf("incident %d timestamp = %v, want %v", i, record.Timestamp, want[i])
		}
	}
}

func TestThresholdWithoutAutoRestore(t *testing.T) {
	h := newHarness(t, nil)
	h.prober.setFailing(true)
	for range 5 {
		h.supervisor.Tick(context.Background())
	}
	if got := len(h.restorer.Requests()); got != 0 {
		t.Errorf("restores = %d with autoRestore off, want 0", got)
	}
	if got := h.supervisor.Observe().ConsecutiveFailures; got != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", got)
	}
}

func TestAutoRestoreFailureKeepsCounter(t *testing.T) {
	h := newHarness(t, func(options *Options) {
		options.AutoRestore = true
		options.UnhealthyThreshold = 1
	})
	h.restorer.err = errors.New("no snapshots available")
	h.prober.setFailing(true)
	h.supervisor.Tick(context.Background())
	h.supervisor.Tick(context.Background())

	if got := h.supervisor.Observe().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
	if got := len(h.restorer.Requests()); got != 2 {
		t.Errorf("restore attempts = %d, want 2 without a cooldown", got)
	}
}

func TestAutoRestoreCooldown(t *testing.T) {
	h := newHarness(t, func(options *Options) {
		options.AutoRestore = true
		options.UnhealthyThreshold = 1
		options.AutoRestoreCooldown = time.Minute
	})
	h.restorer.err = errors.New("gateway will not start")
	h.prober.setFailing(true)
	ctx := context.Background()

	h.supervisor.Tick(ctx)
	h.clock.Advance(30 * time.Second)
	h.supervisor.Tick(ctx)
	if got := len(h.restorer.Requests()); got != 1 {
		t.Errorf("restore attempts inside cooldown = %d, want 1", got)
	}
	h.clock.Advance(31 * time.Second)
	h.supervisor.Tick(ctx)
	if got := len(h.restorer.Requests()); got != 2 {
		t.Errorf("restore attempts after cooldown = %d, want 2", got)
	}
}

func TestRecoveryResetsCounter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prober.setFailing(true)
	h.supervisor.Tick(ctx)
	h.supervisor.Tick(ctx)
	h.prober.setFailing(false)
	h.supervisor.Tick(ctx)

	observation := h.supervisor.Observe()
	if observation.ConsecutiveFailures != 0 || !observation.LastProbeOK || observation.LastProbeError != "" {
		t.Errorf("observation = %+v, want healthy", observation)
	}
	recoveries := h.incidents.Recoveries()
	want := []string{incident.RecoveryPending, incident.RecoveryPending, incident.RecoveryRecovered}
	if strings.Join(recoveries, ",") != strings.Join(want, ",") {
		t.Errorf("incident recoveries = %v, want %v", recoveries, want)
	}
}

func TestIncidentCause(t *testing.T) {
	h := newHarness(t, nil)
	h.prober.setFailing(true)
	h.supervisor.Tick(context.Background())
	h.incidents.mu.Lock()
	defer h.incidents.mu.Unlock()
	if len(h.incidents.records) != 1 || h.incidents.records[0].Cause != "Agent unresponsive (check #1)" {
		t.Errorf("incidents = %+v", h.incidents.records)
	}
}

func TestRunWakesOnRequestFile(t *testing.T) {
	h := newHarness(t, func(options *Options) { options.CheckInterval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.supervisor.Run(ctx) }()

	// The ticker is registered after the watcher is set up.
	h.clock.WaitForTimers(1)
	testutil.Eventually(t, 5*time.Second, "first tick", func() bool {
		return !h.supervisor.Observe().LastProbe.IsZero()
	})

	h.fileRequest(t, "live edit", 60)
	testutil.Eventually(t, 5*time.Second, "checkpoint opened by file event", func() bool {
		return h.supervisor.Observe().Checkpoint != nil
	})

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run returning"); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRunTicksOnClock(t *testing.T) {
	h := newHarness(t, func(options *Options) { options.CheckInterval = time.Minute })
	h.prober.setFailing(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.supervisor.Run(ctx) }()

	h.clock.WaitForTimers(1)
	testutil.Eventually(t, 5*time.Second, "first tick", func() bool {
		return h.supervisor.Observe().ConsecutiveFailures == 1
	})
	h.clock.Advance(time.Minute)
	testutil.Eventually(t, 5*time.Second, "second tick", func() bool {
		return h.supervisor.Observe().ConsecutiveFailures == 2
	})
	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run returning")
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{RequestFile: "/tmp/x"}); err == nil {
		t.Error("New without collaborators succeeded")
	}
	if _, err := New(Options{Prober: &fakeProber{}, Snapshotter: &fakeSnapshotter{}, Restorer: &fakeRestorer{}}); err == nil {
		t.Error("New without a request file succeeded")
	}
}
