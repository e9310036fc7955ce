// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/gateway"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/testutil"
	"github.com/harman314/rescueclaw/lib/validate"
)

// fakeGateway records process control calls.
type fakeGateway struct {
	mu sync.Mutex

	port       int
	pid        int
	running    bool
	locateErr  error
	stopErr    error
	startErr   error
	responsive bool

	calls []string

	// onLocate runs inside Locate.
	onLocate func()
	// ctxErrs records ctx.Err() as seen by Terminate and Start.
	ctxErrs map[string]error
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) Port() int { return g.port }

func (g *fakeGateway) recordContext(call string, ctx context.Context) {
	g.record(call)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctxErrs == nil {
		g.ctxErrs = make(map[string]error)
	}
	g.ctxErrs[call] = ctx.Err()
}

func (g *fakeGateway) Locate(context.Context, int) (int, bool, error) {
	g.record("locate")
	if g.onLocate != nil {
		g.onLocate()
	}
	return g.pid, g.running, g.locateErr
}

func (g *fakeGateway) Terminate(ctx context.Context, _ int) error {
	g.recordContext("terminate", ctx)
	return g.stopErr
}

func (g *fakeGateway) Start(ctx context.Context) error {
	g.recordContext("start", ctx)
	return g.startErr
}

func (g *fakeGateway) WaitUntilResponsive(context.Context, int, time.Duration) bool {
	g.record("wait")
	return g.responsive
}

const healthyConfig = `{"agents":{"defaults":{"model":{"primary":"m"}}},"models":{"providers":{"a":{"baseUrl":"https://example.com"}}},"gateway":{"port":7744}}`

type fixture struct {
	engine    *Engine
	store     *snapshot.Store
	gateway   *fakeGateway
	workspace string
	config    string
	scratch   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		workspace: filepath.Join(root, "clawd"),
		config:    filepath.Join(root, "openclaw"),
		scratch:   filepath.Join(root, "scratch"),
		gateway:   &fakeGateway{port: 7744, pid: 4242, running: true, responsive: true},
	}
	if err := os.MkdirAll(f.scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	store, err := snapshot.New(snapshot.Options{
		BackupDir:        filepath.Join(root, "backups"),
		WorkspaceDir:     f.workspace,
		ConfigDir:        f.config,
		WorkspaceEntries: []string{"SOUL.md", "AGENTS.md", "memory"},
		ConfigEntries:    []string{"openclaw.json"},
		Clock:            clock.Fake(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	f.store = store
	engine, err := New(Options{
		Store:      store,
		Gateway:    f.gateway,
		Targets:    snapshot.Targets{Workspace: f.workspace, Config: f.config},
		ScratchDir: f.scratch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.engine = engine
	return f
}

// snapshotState writes a workspace and config and snapshots them.
func (f *fixture) snapshotState(t *testing.T, config string) snapshot.Snapshot {
	t.Helper()
	testutil.WriteTree(t, f.workspace, map[string]string{
		"SOUL.md":        "# Soul v1\n",
		"AGENTS.md":      "# Agents\n",
		"memory/note.md": "note v1\n",
	})
	testutil.WriteTree(t, f.config, map[string]string{"openclaw.json": config})
	taken, err := f.store.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	return taken
}

// breakLiveState overwrites the live files after the snapshot.
func (f *fixture) breakLiveState(t *testing.T) {
	t.Helper()
	testutil.WriteTree(t, f.workspace, map[string]string{
		"SOUL.md":        "# Soul v2 (broken)\n",
		"memory/note.md": "note v2\n",
	})
	testutil.WriteTree(t, f.config, map[string]string{"openclaw.json": "{broken"})
}

func (f *fixture) requireScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	if err != nil {
		t.Fatalf("ReadDir scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch directory has %d leftover entries", len(entries))
	}
}

func TestRestoreRunningGateway(t *testing.T) {
	f := newFixture(t)
	taken := f.snapshotState(t, healthyConfig)
	f.breakLiveState(t)

	report, err := f.engine.Restore(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.SnapshotID != taken.ID {
		t.Errorf("SnapshotID = %q, want %q", report.SnapshotID, taken.ID)
	}
	if !report.WasRunning || report.PID != 4242 || !report.FilesRestored || !report.Started || !report.Responsive {
		t.Errorf("report = %+v, want running gateway restarted and responsive", report)
	}

	live := testutil.ReadTree(t, f.workspace)
	if live["SOUL.md"] != "# Soul v1\n" || live["memory/note.md"] != "note v1\n" {
		t.Errorf("workspace after restore = %v", live)
	}
	if got := testutil.ReadTree(t, f.config)["openclaw.json"]; got != healthyConfig {
		t.Errorf("openclaw.json after restore = %q", got)
	}

	want := []string{"locate", "terminate", "start", "wait"}
	calls := f.gateway.Calls()
	if len(calls) != len(want) {
		t.Fatalf("gateway calls = %v, want %v", calls, want)
	}
	for index := range want {
		if calls[index] != want[index] {
			t.Errorf("call %d = %q, want %q", index, calls[index], want[index])
		}
	}
	f.requireScratchEmpty(t)
}

func TestRestoreRefusesInvalidSnapshot(t *testing.T) {
	f := newFixture(t)
	f.snapshotState(t, `{"models":{"providers":{"openai":{"baseUrl":""}}},"gateway":{"port":7744}}`)
	f.breakLiveState(t)
	beforeWorkspace := testutil.ReadTree(t, f.workspace)
	beforeConfig := testutil.ReadTree(t, f.config)

	report, err := f.engine.Restore(context.Background(), Request{})
	if !errors.Is(err, validate.ErrValidationFailed) {
		t.Fatalf("Restore error = %v, want ErrValidationFailed", err)
	}
	var failed *validate.FailedError
	if !errors.As(err, &failed) || !failed.Issues.HasErrors() {
		t.Errorf("error %v does not carry the blocking issues", err)
	}
	if report == nil || report.FilesRestored {
		t.Errorf("report = %+v, want files untouched", report)
	}

	if got := testutil.ReadTree(t, f.workspace); !equalTrees(got, beforeWorkspace) {
		t.Errorf("workspace changed by a refused restore: %v", got)
	}
	if got := testutil.ReadTree(t, f.config); !equalTrees(got, beforeConfig) {
		t.Errorf("config changed by a refused restore: %v", got)
	}
	if calls := f.gateway.Calls(); len(calls) != 0 {
		t.Errorf("gateway calls = %v, want none", calls)
	}
	f.requireScratchEmpty(t)
}

func TestRestoreForceSkipsValidation(t *testing.T) {
	f := newFixture(t)
	f.snapshotState(t, `{"models":{"providers":{"openai":{"baseUrl":""}}}}`)
	f.breakLiveState(t)

	report, err := f.engine.Restore(context.Background(), Request{Force: true})
	if err != nil {
		t.Fatalf("forced Restore: %v", err)
	}
	if !report.Forced || !report.FilesRestored || len(report.Issues) != 0 {
		t.Errorf("report = %+v, want forced restore without issues", report)
	}
	if got := testutil.ReadTree(t, f.workspace)["SOUL.md"]; got != "# Soul v1\n" {
		t.Errorf("SOUL.md = %q after forced restore", got)
	}
}

func TestRestoreDryRunMutatesNothing(t *testing.T) {
	for _, config := range []string{healthyConfig, `{"models":{"providers":{"x":{"baseUrl":""}}}}`} {
		f := newFixture(t)
		f.snapshotState(t, config)
		f.breakLiveState(t)
		beforeWorkspace := testutil.ReadTree(t, f.workspace)
		beforeConfig := testutil.ReadTree(t, f.config)

		report, err := f.engine.Restore(context.Background(), Request{DryRun: true})
		if err != nil {
			t.Fatalf("dry run Restore: %v", err)
		}
		if !report.DryRun || report.FilesRestored {
			t.Errorf("report = %+v, want dry run without restored files", report)
		}
		if report.WouldFail != report.Issues.HasErrors() {
			t.Errorf("WouldFail = %v with issues %v", report.WouldFail, report.Issues)
		}
		if got := testutil.ReadTree(t, f.workspace); !equalTrees(got, beforeWorkspace) {
			t.Errorf("dry run changed the workspace: %v", got)
		}
		if got := testutil.ReadTree(t, f.config); !equalTrees(got, beforeConfig) {
			t.Errorf("dry run changed the config: %v", got)
		}
		if calls := f.gateway.Calls(); len(calls) != 0 {
			t.Errorf("dry run gateway calls = %v, want none", calls)
		}
		f.requireScratchEmpty(t)
	}
}

func TestRestoreStoppedGatewayStaysStopped(t *testing.T) {
	f := newFixture(t)
	f.gateway.running = false
	f.snapshotState(t, healthyConfig)

	report, err := f.engine.Restore(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.WasRunning || report.Started || !report.FilesRestored {
		t.Errorf("report = %+v, want files restored and gateway left stopped", report)
	}
	for _, call := range f.gateway.Calls() {
		if call == "start" || call == "terminate" {
			t.Errorf("unexpected gateway call %q", call)
		}
	}
}

func TestRestoreStartFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.startErr = &gateway.ProcessControlError{Op: "start", Err: errors.New("no launcher")}
	f.snapshotState(t, healthyConfig)
	f.breakLiveState(t)

	report, err := f.engine.Restore(context.Background(), Request{})
	var controlError *gateway.ProcessControlError
	if !errors.As(err, &controlError) {
		t.Fatalf("Restore error = %v, want *gateway.ProcessControlError", err)
	}
	if report == nil || !report.FilesRestored || report.Started {
		t.Errorf("report = %+v, want files restored and gateway not started", report)
	}
	if got := testutil.ReadTree(t, f.workspace)["SOUL.md"]; got != "# Soul v1\n" {
		t.Errorf("SOUL.md = %q, want the restored content", got)
	}
}

func TestRestoreStopFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.gateway.stopErr = errors.New("operation not permitted")
	f.snapshotState(t, healthyConfig)

	report, err := f.engine.Restore(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.StopError == "" || !report.FilesRestored || !report.Started {
		t.Errorf("report = %+v, want stop error recorded and restore completed", report)
	}
}

// TestRestoreSurvivesCancellation cancels the caller's context once the
// restore has begun stopping the gateway. The restore still runs to the
// end and the gateway is started again.
func TestRestoreSurvivesCancellation(t *testing.T) {
	f := newFixture(t)
	f.snapshotState(t, healthyConfig)
	f.breakLiveState(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.onLocate = cancel

	report, err := f.engine.Restore(ctx, Request{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context was not cancelled during the restore")
	}
	if !report.FilesRestored || !report.Started || !report.Responsive {
		t.Errorf("report = %+v, want files restored and gateway started", report)
	}
	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	for _, call := range []string{"terminate", "start"} {
		if err, seen := f.gateway.ctxErrs[call]; !seen || err != nil {
			t.Errorf("%s saw context error %v (called: %v), want a live context", call, err, seen)
		}
	}
	if got := testutil.ReadTree(t, f.workspace)["SOUL.md"]; got != "# Soul v1\n" {
		t.Errorf("SOUL.md = %q, want the snapshot content", got)
	}
}

func TestRestoreExplicitAndMissingSnapshot(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Restore(context.Background(), Request{}); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Restore with no snapshots = %v, want ErrNotFound", err)
	}

	taken := f.snapshotState(t, healthyConfig)
	if _, err := f.engine.Restore(context.Background(), Request{SnapshotID: "20000101-000000"}); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Restore of unknown id = %v, want ErrNotFound", err)
	}
	report, err := f.engine.Restore(context.Background(), Request{SnapshotID: taken.ID, DryRun: true})
	if err != nil {
		t.Fatalf("Restore(%s): %v", taken.ID, err)
	}
	if report.SnapshotID != taken.ID {
		t.Errorf("SnapshotID = %q, want %q", report.SnapshotID, taken.ID)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	store, err := snapshot.New(snapshot.Options{BackupDir: t.TempDir()})
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	targets := snapshot.Targets{Workspace: "/w", Config: "/c"}
	tests := []struct {
		name    string
		options Options
	}{
		{"no store", Options{Gateway: &fakeGateway{}, Targets: targets}},
		{"no gateway", Options{Store: store, Targets: targets}},
		{"no targets", Options{Store: store, Gateway: &fakeGateway{}}},
	}
	for _, test := range tests {
		if _, err := New(test.options); err == nil {
			t.Errorf("%s: New succeeded, want error", test.name)
		}
	}
}

func equalTrees(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if b[key] != value {
			return false
		}
	}
	return true
}
