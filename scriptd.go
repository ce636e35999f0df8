// Package scriptd turns a directory of scripts into independently managed
// processes behind a REST management API. This package is a thin public
// facade over the internal packages for embedding; the scriptd binary in
// cmd/scriptd is built on the same surface.
package scriptd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantops/scriptd/internal/auth"
	"github.com/quantops/scriptd/internal/config"
	"github.com/quantops/scriptd/internal/logger"
	"github.com/quantops/scriptd/internal/manager"
	"github.com/quantops/scriptd/internal/metrics"
	"github.com/quantops/scriptd/internal/registry"
	"github.com/quantops/scriptd/internal/run"
	"github.com/quantops/scriptd/internal/runlog"
	iapi "github.com/quantops/scriptd/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = run.Record

type State = run.State

const (
	StatePending = run.StatePending
	StateRunning = run.StateRunning
	StateExited  = run.StateExited
	StateStopped = run.StateStopped
	StateFailed  = run.StateFailed
)

type Script = registry.Descriptor

type Options = manager.Options

type StartRequest = manager.StartRequest

type LogResult = manager.LogResult

type Stream = runlog.Stream

type AuthConfig = auth.Config

type AuthService = auth.Service

type LogConfig = logger.Config

type Config = config.Server

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

// New scans scriptsRoot and builds a manager over it.
func New(scriptsRoot string, opts Options) (*Manager, error) {
	reg, err := registry.New(scriptsRoot)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: manager.New(reg, opts)}, nil
}

func (m *Manager) Start(req StartRequest) (Record, error) { return m.inner.Start(req) }
func (m *Manager) Stop(runID string) (Record, error)      { return m.inner.Stop(runID) }
func (m *Manager) Get(runID string) (Record, error)       { return m.inner.Get(runID) }
func (m *Manager) List(filter *State, offset, limit int) []Record {
	return m.inner.List(filter, offset, limit)
}
func (m *Manager) ReadLogs(runID string, stream Stream, tailBytes int64) (LogResult, error) {
	return m.inner.ReadLogs(runID, stream, tailBytes)
}
func (m *Manager) Scripts() []Script         { return m.inner.Registry().Snapshot() }
func (m *Manager) Rescan() ([]Script, error) { return m.inner.Registry().Scan() }
func (m *Manager) ScriptsRoot() string       { return m.inner.Registry().Root() }
func (m *Manager) RunningCount() int         { return m.inner.RunningCount() }
func (m *Manager) Inner() *manager.Manager   { return m.inner }

// LoadConfig loads a server config from a TOML file with SCRIPTD_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewAuthService builds the token service from config.
func NewAuthService(cfg AuthConfig) (*auth.Service, error) { return auth.NewService(cfg) }

// NewLogger builds the service logger from config.
func NewLogger(cfg LogConfig) *slog.Logger { return logger.New(cfg) }

// NewHTTPServer starts an HTTP server exposing the management API.
func NewHTTPServer(addr, basePath string, m *Manager, authSvc *auth.Service, authEnabled bool) *http.Server {
	r := iapi.NewRouter(m.inner, authSvc, authEnabled, basePath)
	return iapi.NewServer(addr, r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.RegisterDefault() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
