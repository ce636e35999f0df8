package run

import "time"

// State is the lifecycle state of a run.
// Transitions are monotonic: pending -> running -> {exited|stopped|failed},
// with pending -> failed allowed for spawn-time failures. Terminal states
// are never left.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateExited  State = "exited"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateExited || s == StateStopped || s == StateFailed
}

// ParseState validates a state string from user input ("" means no filter).
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StatePending, StateRunning, StateExited, StateStopped, StateFailed:
		return State(s), true
	}
	return "", false
}

// Record is one tracked execution attempt of a script. The store hands out
// copies; the only way to mutate the stored record is Store.Update.
type Record struct {
	RunID         string     `json:"run_id"`
	ScriptID      string     `json:"script"`
	Args          []string   `json:"args"`
	Cwd           string     `json:"cwd"`
	PID           int        `json:"pid,omitempty"`
	State         State      `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StdoutPath    string     `json:"stdout_path"`
	StderrPath    string     `json:"stderr_path"`
}

// clone returns a deep copy so callers can never alias store-owned memory.
func (r Record) clone() Record {
	out := r
	out.Args = append([]string(nil), r.Args...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	return out
}
