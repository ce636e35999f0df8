package manager

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantops/scriptd/internal/registry"
	"github.com/quantops/scriptd/internal/run"
	"github.com/quantops/scriptd/internal/runlog"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func newTestManager(t *testing.T, scriptsDir string, opts Options) *Manager {
	t.Helper()
	reg, err := registry.New(scriptsDir)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if opts.LogsDir == "" {
		opts.LogsDir = t.TempDir()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 2 * time.Second
	}
	opts.UseOSEnv = true
	return New(reg, opts)
}

func waitForState(t *testing.T, m *Manager, runID string, want run.State, timeout time.Duration) run.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		rec, err := m.Get(runID)
		if err != nil {
			t.Fatalf("get %s: %v", runID, err)
		}
		if rec.State == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck in %s, want %s", runID, rec.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartAndExitZero(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hello.sh", "echo hello world\n")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "hello.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.RunID == "" || rec.PID == 0 {
		t.Fatalf("start record incomplete: %+v", rec)
	}
	if rec.State != run.StateRunning {
		t.Fatalf("expected running, got %s", rec.State)
	}

	final := waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exit code: %+v", final.ExitCode)
	}
	if final.EndedAt == nil || final.StartedAt == nil {
		t.Fatalf("timestamps missing: %+v", final)
	}

	res, err := m.ReadLogs(rec.RunID, runlog.StreamStdout, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello world") {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestStartAndExitNonZero(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "fail.sh", "exit 3\n")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "fail.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("exit code: %+v", final.ExitCode)
	}
}

func TestStartUnknownScript(t *testing.T) {
	m := newTestManager(t, t.TempDir(), Options{})
	_, err := m.Start(StartRequest{ScriptID: "missing.sh"})
	if !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if m.store.Len() != 0 {
		t.Fatalf("failed validation must not create records")
	}
}

func TestCwdViolation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hello.sh", "pwd\n")
	m := newTestManager(t, dir, Options{})

	for _, cwd := range []string{"..", "../outside", "/etc"} {
		_, err := m.Start(StartRequest{ScriptID: "hello.sh", Cwd: cwd})
		if !errors.Is(err, run.ErrPathViolation) {
			t.Fatalf("cwd %q: expected ErrPathViolation, got %v", cwd, err)
		}
	}
	if m.store.Len() != 0 {
		t.Fatalf("violations must not create records")
	}
}

func TestCwdSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "where.sh", "pwd\n")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "where.sh", Cwd: "sub"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	res, err := m.ReadLogs(final.RunID, runlog.StreamStdout, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(res.Stdout, "sub") {
		t.Fatalf("pwd output: %q", res.Stdout)
	}
}

func TestSpawnFailureRecordedAsFailed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "task.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := newTestManager(t, dir, Options{Interpreter: []string{"/nonexistent-interpreter"}})

	rec, err := m.Start(StartRequest{ScriptID: "task.py"})
	if err != nil {
		t.Fatalf("spawn failure must return the record, got error %v", err)
	}
	if rec.State != run.StateFailed {
		t.Fatalf("expected failed, got %s", rec.State)
	}
	if rec.FailureReason == "" {
		t.Fatalf("failure reason missing")
	}

	// the outcome stays queryable
	got, err := m.Get(rec.RunID)
	if err != nil || got.State != run.StateFailed {
		t.Fatalf("get after spawn failure: %+v err=%v", got, err)
	}
}

func TestEnvInjection(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "env.sh", "echo \"FOO=$FOO BAR=$BAR\"\n")
	m := newTestManager(t, dir, Options{GlobalEnv: []string{"BAR=global"}})

	rec, err := m.Start(StartRequest{ScriptID: "env.sh", Env: map[string]string{"FOO": "per-run"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	res, err := m.ReadLogs(rec.RunID, runlog.StreamStdout, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(res.Stdout, "FOO=per-run") || !strings.Contains(res.Stdout, "BAR=global") {
		t.Fatalf("env output: %q", res.Stdout)
	}
}

func TestOSEnvInheritedWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "env.sh", "echo \"got=$DAEMON_ONLY_VAR\"\n")
	t.Setenv("DAEMON_ONLY_VAR", "from-daemon")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "env.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	res, err := m.ReadLogs(rec.RunID, runlog.StreamStdout, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(res.Stdout, "got=from-daemon") {
		t.Fatalf("daemon env not inherited: %q", res.Stdout)
	}
}

func TestOSEnvNotInheritedWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "env.sh", "echo \"got=$DAEMON_ONLY_VAR\"\n")
	t.Setenv("DAEMON_ONLY_VAR", "from-daemon")

	reg, err := registry.New(dir)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := New(reg, Options{LogsDir: t.TempDir(), GlobalEnv: []string{"BAR=global"}, GracePeriod: 2 * time.Second})

	rec, err := m.Start(StartRequest{ScriptID: "env.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)
	res, err := m.ReadLogs(rec.RunID, runlog.StreamStdout, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if strings.Contains(res.Stdout, "from-daemon") {
		t.Fatalf("daemon env leaked into child: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "got=") {
		t.Fatalf("script output missing: %q", res.Stdout)
	}
}

func TestStopRunningRun(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "long.sh", "echo started\nsleep 60\n")
	m := newTestManager(t, dir, Options{GracePeriod: 2 * time.Second})

	rec, err := m.Start(StartRequest{ScriptID: "long.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateRunning, 5*time.Second)

	stopped, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != run.StateStopped {
		t.Fatalf("expected stopped, got %s", stopped.State)
	}
	if stopped.EndedAt == nil {
		t.Fatalf("ended_at missing")
	}

	// idempotent: second stop reports the recorded terminal state
	again, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.State != run.StateStopped {
		t.Fatalf("second stop state: %s", again.State)
	}
}

func TestStopKillsChildren(t *testing.T) {
	dir := t.TempDir()
	// parent spawns a background child in the same process group
	writeScript(t, dir, "spawn.sh", "sleep 60 &\necho child $!\nsleep 60\n")
	m := newTestManager(t, dir, Options{GracePeriod: 2 * time.Second})

	rec, err := m.Start(StartRequest{ScriptID: "spawn.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateRunning, 5*time.Second)

	stopped, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !stopped.State.Terminal() {
		t.Fatalf("expected terminal state, got %s", stopped.State)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	// ignore TERM so only KILL ends it
	writeScript(t, dir, "stubborn.sh", "trap '' TERM\necho trapped\nwhile true; do sleep 1; done\n")
	m := newTestManager(t, dir, Options{GracePeriod: 500 * time.Millisecond})

	rec, err := m.Start(StartRequest{ScriptID: "stubborn.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateRunning, 5*time.Second)

	// give the shell a moment to install the trap
	time.Sleep(200 * time.Millisecond)

	stopped, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != run.StateStopped {
		// the kill may still be settling; poll briefly
		stopped = waitForState(t, m, rec.RunID, run.StateStopped, 5*time.Second)
	}
	if stopped.State != run.StateStopped {
		t.Fatalf("expected stopped after SIGKILL, got %s", stopped.State)
	}
}

func TestStopUnknownRun(t *testing.T) {
	m := newTestManager(t, t.TempDir(), Options{})
	_, err := m.Stop("nope")
	if !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopAfterExitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "quick.sh", "true\n")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "quick.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)

	got, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("stop after exit: %v", err)
	}
	if got.State != run.StateExited {
		t.Fatalf("stop overwrote exit: %s", got.State)
	}
}

func TestConcurrentStopsConverge(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "long.sh", "sleep 60\n")
	m := newTestManager(t, dir, Options{GracePeriod: 2 * time.Second})

	rec, err := m.Start(StartRequest{ScriptID: "long.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateRunning, 5*time.Second)

	type outcome struct {
		rec run.Record
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := m.Stop(rec.RunID)
			results <- outcome{r, err}
		}()
	}
	for i := 0; i < 2; i++ {
		got := <-results
		if got.err != nil {
			t.Fatalf("concurrent stop: %v", got.err)
		}
		if got.rec.State != run.StateStopped {
			t.Fatalf("concurrent stop state: %s", got.rec.State)
		}
	}
}

func TestHandleReleasedAfterExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "quick.sh", "echo done\n")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "quick.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		_, live := m.handles[rec.RunID]
		m.mu.Unlock()
		if !live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handle retained after exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the writer stays behind so merged reads keep working
	res, err := m.ReadLogs(rec.RunID, runlog.StreamBoth, 0)
	if err != nil {
		t.Fatalf("merged read after reap: %v", err)
	}
	if len(res.Entries) == 0 {
		t.Fatalf("merged entries lost after reap")
	}
}

func TestMergedLogRead(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "both.sh", "echo out1\necho err1 1>&2\necho out2\n")
	m := newTestManager(t, dir, Options{})

	rec, err := m.Start(StartRequest{ScriptID: "both.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, rec.RunID, run.StateExited, 5*time.Second)

	res, err := m.ReadLogs(rec.RunID, runlog.StreamBoth, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	var streams []string
	for _, e := range res.Entries {
		streams = append(streams, string(e.Stream))
	}
	joined := strings.Join(streams, ",")
	if !strings.Contains(joined, "stdout") || !strings.Contains(joined, "stderr") {
		t.Fatalf("merged entries: %v", res.Entries)
	}
	for i := 1; i < len(res.Entries); i++ {
		if res.Entries[i].Seq <= res.Entries[i-1].Seq {
			t.Fatalf("seq not monotonic: %+v", res.Entries)
		}
	}
}

func TestReadLogsUnknownRun(t *testing.T) {
	m := newTestManager(t, t.TempDir(), Options{})
	_, err := m.ReadLogs("nope", runlog.StreamStdout, 0)
	if !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndRunningCount(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "quick.sh", "true\n")
	writeScript(t, dir, "long.sh", "sleep 60\n")
	m := newTestManager(t, dir, Options{})

	quick, err := m.Start(StartRequest{ScriptID: "quick.sh"})
	if err != nil {
		t.Fatalf("start quick: %v", err)
	}
	long, err := m.Start(StartRequest{ScriptID: "long.sh"})
	if err != nil {
		t.Fatalf("start long: %v", err)
	}
	waitForState(t, m, quick.RunID, run.StateExited, 5*time.Second)

	if got := m.RunningCount(); got != 1 {
		t.Fatalf("running count: %d", got)
	}
	running := run.StateRunning
	recs := m.List(&running, 0, 0)
	if len(recs) != 1 || recs[0].RunID != long.RunID {
		t.Fatalf("filtered list: %+v", recs)
	}

	if _, err := m.Stop(long.RunID); err != nil {
		t.Fatalf("cleanup stop: %v", err)
	}
}
