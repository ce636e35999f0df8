package client

import "time"

// ErrorResponse is the API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Health is the GET /health response.
type Health struct {
	Status      string `json:"status"`
	ScriptsRoot string `json:"scripts_root"`
	AuthEnabled bool   `json:"auth_enabled"`
	RunningRuns int    `json:"running_runs"`
}

// Script describes one runnable script in the registry snapshot.
type Script struct {
	ID        string    `json:"id"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mtime"`
}

// ScriptList is the GET /scripts and POST /scripts/rescan response.
type ScriptList struct {
	Root    string   `json:"root"`
	Scripts []Script `json:"scripts"`
}

// StartRunRequest is the POST /runs body.
type StartRunRequest struct {
	Script string            `json:"script"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Cwd    string            `json:"cwd,omitempty"`
}

// Run mirrors the server's run record.
type Run struct {
	RunID         string     `json:"run_id"`
	Script        string     `json:"script"`
	Args          []string   `json:"args"`
	Cwd           string     `json:"cwd"`
	PID           int        `json:"pid,omitempty"`
	State         string     `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StdoutPath    string     `json:"stdout_path"`
	StderrPath    string     `json:"stderr_path"`
}

// RunList is the GET /runs response.
type RunList struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// LogEntry is one tagged line of merged output.
type LogEntry struct {
	Stream  string    `json:"stream"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// Logs is the GET /runs/{id}/logs response.
type Logs struct {
	Stdout  string     `json:"stdout,omitempty"`
	Stderr  string     `json:"stderr,omitempty"`
	Entries []LogEntry `json:"entries,omitempty"`
}

// Token is the POST /auth/token response.
type Token struct {
	Type      string    `json:"token_type"`
	Value     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}
