// Package manager owns process spawning, run-state tracking, log capture
// wiring, and stop semantics. It is the sole mutator of run records; every
// transition goes through the store's compare-and-set path so a racing stop
// and a natural exit converge on exactly one terminal state.
package manager

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quantops/scriptd/internal/metrics"
	"github.com/quantops/scriptd/internal/registry"
	"github.com/quantops/scriptd/internal/run"
	"github.com/quantops/scriptd/internal/runlog"
)

// DefaultGracePeriod bounds how long Stop waits after SIGTERM before
// escalating to SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// killReapWindow bounds the wait for the exit watcher to reap after SIGKILL.
const killReapWindow = 2 * time.Second

// Options configures a Manager.
type Options struct {
	LogsDir     string
	Interpreter []string // argv prefix for .py scripts, e.g. ["python3", "-u"]
	GlobalEnv   []string // KEY=VALUE pairs layered under per-run overrides
	// UseOSEnv inherits the daemon's own environment into every run. When
	// false, children see only GlobalEnv, per-run overrides, and the
	// unbuffered-python default.
	UseOSEnv    bool
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// StartRequest is a validated client request to launch one script run.
type StartRequest struct {
	ScriptID string
	Args     []string
	Env      map[string]string
	Cwd      string // relative to the scripts root; empty means the root itself
}

// handle tracks the live process for a running run. waitDone is closed by
// the exit watcher once Wait has returned and the terminal transition is
// recorded, so stoppers can block on confirmed death without a second Wait.
type handle struct {
	cmd           *exec.Cmd
	waitDone      chan struct{}
	stopRequested atomic.Bool
}

// Manager composes the script registry, run record store, log writers, and
// the stop controller behind the client-facing operations.
type Manager struct {
	reg    *registry.Registry
	store  *run.Store
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	writers map[string]*runlog.Writer
}

func New(reg *registry.Registry, opts Options) *Manager {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if len(opts.Interpreter) == 0 {
		opts.Interpreter = []string{"python3", "-u"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:     reg,
		store:   run.NewStore(),
		opts:    opts,
		logger:  logger,
		handles: make(map[string]*handle),
		writers: make(map[string]*runlog.Writer),
	}
}

// Registry exposes the script registry for listing and rescans.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Start validates, records, and spawns one run. Validation failures return
// before any state is created; a spawn failure after the pending record is
// inserted is recorded as a terminal failed state on that record, so the
// outcome stays queryable rather than vanishing with the error.
func (m *Manager) Start(req StartRequest) (run.Record, error) {
	desc, err := m.reg.Lookup(req.ScriptID)
	if err != nil {
		return run.Record{}, err
	}
	cwd, err := m.resolveCwd(req.Cwd)
	if err != nil {
		return run.Record{}, err
	}

	runID := uuid.NewString()
	stdoutPath, stderrPath := runlog.Paths(m.opts.LogsDir, runID)
	rec := run.Record{
		RunID:      runID,
		ScriptID:   req.ScriptID,
		Args:       append([]string(nil), req.Args...),
		Cwd:        cwd,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}
	if err := m.store.Insert(rec); err != nil {
		return run.Record{}, err
	}

	w, err := runlog.NewWriter(m.opts.LogsDir, runID)
	if err != nil {
		return m.failPending(runID, fmt.Errorf("open log sinks: %w", err))
	}

	cmd := m.buildCmd(desc, req, cwd, w)
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return m.failPending(runID, fmt.Errorf("spawn: %w", err))
	}

	h := &handle{cmd: cmd, waitDone: make(chan struct{})}
	m.mu.Lock()
	m.handles[runID] = h
	m.writers[runID] = w
	m.mu.Unlock()

	rec, _, err = m.store.Update(runID, run.Transition{To: run.StateRunning, PID: cmd.Process.Pid})
	if err != nil {
		// cannot happen for a record we just inserted; report and carry on
		m.logger.Error("running transition rejected", "run_id", runID, "error", err)
	}
	metrics.IncStarted(req.ScriptID)
	metrics.SetRunning(m.store.CountByState(run.StateRunning))
	m.logger.Info("run started", "run_id", runID, "script", req.ScriptID, "pid", cmd.Process.Pid)

	go m.watch(runID, h, w)
	return rec, nil
}

// failPending writes the spawn-time terminal failure into the record and
// returns the updated record with a nil error: the failure is the outcome,
// and it must remain visible to later queries.
func (m *Manager) failPending(runID string, cause error) (run.Record, error) {
	rec, _, err := m.store.Update(runID, run.Transition{To: run.StateFailed, FailureReason: cause.Error()})
	if err != nil {
		return run.Record{}, err
	}
	metrics.IncTerminal(string(run.StateFailed))
	m.logger.Warn("run failed to spawn", "run_id", runID, "error", cause)
	return rec, nil
}

func (m *Manager) buildCmd(desc registry.Descriptor, req StartRequest, cwd string, w *runlog.Writer) *exec.Cmd {
	var argv []string
	if strings.HasSuffix(desc.AbsPath, ".py") {
		argv = append(argv, m.opts.Interpreter...)
	}
	argv = append(argv, desc.AbsPath)
	argv = append(argv, req.Args...)
	// ok: script path comes from the registry snapshot, not raw user input
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = m.mergedEnv(req.Env)
	cmd.Stdin = nil
	cmd.Stdout = w.Stdout()
	cmd.Stderr = w.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// mergedEnv layers os environ (when configured), manager globals, per-run
// overrides, and an unbuffered-python default, last writer winning.
func (m *Manager) mergedEnv(extra map[string]string) []string {
	env := make(map[string]string)
	if m.opts.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				env[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, kv := range m.opts.GlobalEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	if _, ok := env["PYTHONUNBUFFERED"]; !ok {
		env["PYTHONUNBUFFERED"] = "1"
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// resolveCwd validates that the requested working directory stays under the
// scripts root. Violations abort before anything is created.
func (m *Manager) resolveCwd(override string) (string, error) {
	root := m.reg.Root()
	if override == "" {
		return root, nil
	}
	abs := override
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, override)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q: %w", override, run.ErrPathViolation)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("cwd %q must be an existing directory under the scripts root: %w", override, run.ErrPathViolation)
	}
	return abs, nil
}

// watch reaps the process and performs exactly one terminal transition. It
// runs per spawned process and never blocks a request path.
func (m *Manager) watch(runID string, h *handle, w *runlog.Writer) {
	waitErr := h.cmd.Wait()
	_ = w.Close()

	tr := run.Transition{To: run.StateExited}
	code := h.cmd.ProcessState.ExitCode()
	tr.ExitCode = &code
	switch {
	case h.stopRequested.Load():
		tr.To = run.StateStopped
	case waitErr == nil:
		// normal zero exit
	default:
		if _, ok := waitErr.(*exec.ExitError); !ok {
			tr = run.Transition{To: run.StateFailed, FailureReason: waitErr.Error()}
		}
	}

	rec, applied, err := m.store.Update(runID, tr)
	close(h.waitDone)
	// the process is reaped; keep the writer for merged reads but drop the
	// live-process bookkeeping
	m.mu.Lock()
	delete(m.handles, runID)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("terminal transition failed", "run_id", runID, "error", err)
		return
	}
	if applied {
		metrics.IncTerminal(string(rec.State))
		metrics.SetRunning(m.store.CountByState(run.StateRunning))
	}
	m.logger.Info("run finished", "run_id", runID, "state", rec.State, "exit_code", code)
}

// Get returns the record for a run id.
func (m *Manager) Get(runID string) (run.Record, error) {
	return m.store.Get(runID)
}

// List returns run records in creation order with optional state filter and
// pagination.
func (m *Manager) List(filter *run.State, offset, limit int) []run.Record {
	return m.store.List(filter, offset, limit)
}

// Stop drives graceful-then-forceful termination of a running run. It is
// idempotent: terminal runs return their recorded state, and concurrent
// stops converge without double-signal errors. Stopping a pending run is an
// invalid operation since there is no process yet.
func (m *Manager) Stop(runID string) (run.Record, error) {
	rec, err := m.store.Get(runID)
	if err != nil {
		return run.Record{}, err
	}
	if rec.State == run.StatePending {
		return rec, fmt.Errorf("run %s is pending: %w", runID, run.ErrInvalidState)
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	m.mu.Lock()
	h := m.handles[runID]
	m.mu.Unlock()
	if h == nil {
		// watcher already reaped it between Get and here
		return m.store.Get(runID)
	}

	began := time.Now()
	h.stopRequested.Store(true)
	pid := h.cmd.Process.Pid
	// signal the whole group so descendants are not orphaned
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-h.waitDone:
	case <-time.After(m.opts.GracePeriod):
		m.logger.Warn("grace period expired, killing", "run_id", runID, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-h.waitDone:
		case <-time.After(killReapWindow):
			// best effort; the watcher records the outcome when Wait returns
		}
	}
	metrics.ObserveStopDuration(time.Since(began).Seconds())
	return m.store.Get(runID)
}

// LogResult carries one log read: raw bytes for a single stream, or the
// merged tagged entries for stream=both.
type LogResult struct {
	Stdout  string         `json:"stdout,omitempty"`
	Stderr  string         `json:"stderr,omitempty"`
	Entries []runlog.Entry `json:"entries,omitempty"`
}

// ReadLogs returns captured output for a run. Missing stream files (run
// still pending) read as empty; unknown run ids are not found.
func (m *Manager) ReadLogs(runID string, stream runlog.Stream, tailBytes int64) (LogResult, error) {
	rec, err := m.store.Get(runID)
	if err != nil {
		return LogResult{}, err
	}
	var res LogResult
	switch stream {
	case runlog.StreamStdout:
		b, err := runlog.Tail(rec.StdoutPath, tailBytes)
		if err != nil {
			return LogResult{}, err
		}
		res.Stdout = string(b)
	case runlog.StreamStderr:
		b, err := runlog.Tail(rec.StderrPath, tailBytes)
		if err != nil {
			return LogResult{}, err
		}
		res.Stderr = string(b)
	case runlog.StreamBoth:
		m.mu.Lock()
		w := m.writers[runID]
		m.mu.Unlock()
		if w != nil {
			res.Entries = w.Merged(tailBytes)
		} else {
			res.Entries = []runlog.Entry{}
		}
	}
	return res, nil
}

// RunningCount reports how many runs are currently in the running state.
func (m *Manager) RunningCount() int {
	return m.store.CountByState(run.StateRunning)
}
