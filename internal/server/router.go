// Package server exposes the management API over HTTP. Handlers translate
// between the wire format and the run manager; they hold no state of their
// own, so the router can be mounted standalone or embedded in another mux.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantops/scriptd/internal/auth"
	"github.com/quantops/scriptd/internal/manager"
	"github.com/quantops/scriptd/internal/metrics"
	"github.com/quantops/scriptd/internal/registry"
	"github.com/quantops/scriptd/internal/run"
	"github.com/quantops/scriptd/internal/runlog"
)

// DefaultTailBytes bounds a log read when the client does not say how much.
const DefaultTailBytes = 65536

// Router provides the management HTTP handlers.
// Endpoints under {basePath} (default /v1):
//
//	GET  /health
//	GET  /scripts
//	POST /scripts/rescan
//	POST /runs                body: {script, args?, env?, cwd?}
//	GET  /runs                query: state, offset, limit
//	GET  /runs/:id
//	POST /runs/:id/stop
//	GET  /runs/:id/logs       query: stream=stdout|stderr|both, tail_bytes
//	POST /auth/token          body: {admin_secret} or {client_id, client_secret}
type Router struct {
	mgr      *manager.Manager
	authSvc  *auth.Service
	authMW   *auth.Middleware
	basePath string
}

// NewRouter constructs a Router. authSvc may be nil when auth is disabled;
// the middleware then passes everything through.
func NewRouter(mgr *manager.Manager, authSvc *auth.Service, authEnabled bool, basePath string) *Router {
	return &Router{
		mgr:      mgr,
		authSvc:  authSvc,
		authMW:   auth.NewMiddleware(authSvc, authEnabled && authSvc != nil),
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.GET("/health", r.handleHealth)
	group.POST("/auth/token", r.handleToken)

	authed := group.Group("", r.authMW.Authenticate())
	authed.GET("/scripts", r.authMW.RequireScope(auth.ScopeScriptsRead), r.handleListScripts)
	authed.POST("/scripts/rescan", r.authMW.RequireScope(auth.ScopeScriptsRead), r.handleRescan)
	authed.POST("/runs", r.authMW.RequireScope(auth.ScopeScriptsRun), r.handleStartRun)
	authed.GET("/runs", r.authMW.RequireScope(auth.ScopeScriptsRead), r.handleListRuns)
	authed.GET("/runs/:id", r.authMW.RequireScope(auth.ScopeScriptsRead), r.handleGetRun)
	authed.POST("/runs/:id/stop", r.authMW.RequireScope(auth.ScopeScriptsRun), r.handleStopRun)
	authed.GET("/runs/:id/logs", r.authMW.RequireScope(auth.ScopeLogsRead), r.handleRunLogs)

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status      string `json:"status"`
	ScriptsRoot string `json:"scripts_root"`
	AuthEnabled bool   `json:"auth_enabled"`
	RunningRuns int    `json:"running_runs"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{
		Status:      "ok",
		ScriptsRoot: r.mgr.Registry().Root(),
		AuthEnabled: r.authSvc != nil,
		RunningRuns: r.mgr.RunningCount(),
	})
}

type tokenReq struct {
	AdminSecret  string `json:"admin_secret"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (r *Router) handleToken(c *gin.Context) {
	if r.authSvc == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "authentication is not enabled"})
		return
	}
	var req tokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	var (
		tok auth.Token
		err error
	)
	switch {
	case req.AdminSecret != "":
		tok, err = r.authSvc.IssueAdminToken(req.AdminSecret)
	case req.ClientID != "":
		tok, err = r.authSvc.IssueClientToken(c.Request.Context(), req.ClientID, req.ClientSecret)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "admin_secret or client_id/client_secret required"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

type scriptsResp struct {
	Root    string                `json:"root"`
	Scripts []registry.Descriptor `json:"scripts"`
}

func (r *Router) handleListScripts(c *gin.Context) {
	writeJSON(c, http.StatusOK, scriptsResp{
		Root:    r.mgr.Registry().Root(),
		Scripts: r.mgr.Registry().Snapshot(),
	})
}

func (r *Router) handleRescan(c *gin.Context) {
	scripts, err := r.mgr.Registry().Scan()
	if err != nil {
		metrics.IncScan(false)
		// last good snapshot stays in effect
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	metrics.IncScan(true)
	writeJSON(c, http.StatusOK, scriptsResp{
		Root:    r.mgr.Registry().Root(),
		Scripts: scripts,
	})
}

type startRunReq struct {
	Script string            `json:"script"`
	Args   []string          `json:"args"`
	Env    map[string]string `json:"env"`
	Cwd    string            `json:"cwd"`
}

func (r *Router) handleStartRun(c *gin.Context) {
	var req startRunReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Script == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "script is required"})
		return
	}
	rec, err := r.mgr.Start(manager.StartRequest{
		ScriptID: req.Script,
		Args:     req.Args,
		Env:      req.Env,
		Cwd:      req.Cwd,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

type runListResp struct {
	Runs  []run.Record `json:"runs"`
	Total int          `json:"total"`
}

func (r *Router) handleListRuns(c *gin.Context) {
	var filter *run.State
	if s := c.Query("state"); s != "" {
		st, ok := run.ParseState(s)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown state: " + s})
			return
		}
		filter = &st
	}
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 0)
	recs := r.mgr.List(filter, offset, limit)
	writeJSON(c, http.StatusOK, runListResp{Runs: recs, Total: len(recs)})
}

func (r *Router) handleGetRun(c *gin.Context) {
	rec, err := r.mgr.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStopRun(c *gin.Context) {
	rec, err := r.mgr.Stop(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleRunLogs(c *gin.Context) {
	stream, ok := runlog.ParseStream(c.Query("stream"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "stream must be stdout, stderr, or both"})
		return
	}
	tail := int64(DefaultTailBytes)
	if s := c.Query("tail_bytes"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "tail_bytes must be a non-negative integer"})
			return
		}
		tail = n
	}
	res, err := r.mgr.ReadLogs(c.Param("id"), stream, tail)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var scanErr *registry.ScanError
	switch {
	case errors.Is(err, run.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, run.ErrPathViolation):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, run.ErrInvalidState):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &scanErr):
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
