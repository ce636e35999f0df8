package run

import (
	"fmt"
	"sync"
	"time"
)

// Transition describes a requested state change for a run. Fields other
// than To are applied only when the transition is accepted.
type Transition struct {
	To            State
	PID           int
	ExitCode      *int
	FailureReason string
}

// Store is a concurrency-safe keyed store of run records. Records are
// inserted once at pending and mutated only through Update, which applies
// a compare-and-set discipline: once any terminal state is written, every
// later Update is a no-op returning the recorded terminal state. Records
// are never removed; run ids are valid for one service lifetime.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*Record
	// insertion order, for deterministic listings
	order []string
}

func NewStore() *Store {
	return &Store{runs: make(map[string]*Record)}
}

// Insert adds a fresh pending record. It fails on duplicate ids so a run id
// can never be reused within the store's lifetime.
func (s *Store) Insert(rec Record) error {
	if rec.RunID == "" {
		return fmt.Errorf("insert: empty run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; ok {
		return fmt.Errorf("insert %s: %w", rec.RunID, ErrDuplicateRun)
	}
	rec.State = StatePending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := rec.clone()
	s.runs[rec.RunID] = &cp
	s.order = append(s.order, rec.RunID)
	return nil
}

// Get returns a copy of the record, or ErrNotFound.
func (s *Store) Get(runID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return Record{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return rec.clone(), nil
}

// List returns records in insertion order, optionally filtered by state,
// with offset/limit pagination (limit <= 0 means no limit).
func (s *Store) List(filter *State, offset, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.runs[id]
		if filter != nil && rec.State != *filter {
			continue
		}
		out = append(out, rec.clone())
	}
	if offset > 0 {
		if offset >= len(out) {
			return []Record{}
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Len reports the number of records ever inserted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// CountByState returns the number of records currently in the given state.
func (s *Store) CountByState(st State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.runs {
		if rec.State == st {
			n++
		}
	}
	return n
}

// Update applies tr to the run if the current state permits it. The bool
// result reports whether the transition was applied; when the run is already
// terminal the existing record is returned unchanged with applied == false
// and a nil error, so racing terminal writers observe rather than overwrite
// each other's outcome.
func (s *Store) Update(runID string, tr Transition) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return Record{}, false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if rec.State.Terminal() {
		return rec.clone(), false, nil
	}
	if !legal(rec.State, tr.To) {
		return rec.clone(), false, fmt.Errorf("transition %s -> %s: %w", rec.State, tr.To, ErrInvalidState)
	}
	now := time.Now().UTC()
	switch tr.To {
	case StateRunning:
		rec.State = StateRunning
		rec.PID = tr.PID
		rec.StartedAt = &now
	case StateExited, StateStopped, StateFailed:
		rec.State = tr.To
		rec.EndedAt = &now
		if tr.ExitCode != nil {
			c := *tr.ExitCode
			rec.ExitCode = &c
		}
		if tr.FailureReason != "" {
			rec.FailureReason = tr.FailureReason
		}
	}
	return rec.clone(), true, nil
}

func legal(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to.Terminal()
	}
	return false
}
