package run

import "errors"

var (
	// ErrNotFound is returned for unknown script or run identifiers.
	ErrNotFound = errors.New("not found")
	// ErrPathViolation is returned when a working directory escapes the scripts root.
	ErrPathViolation = errors.New("working directory escapes scripts root")
	// ErrInvalidState is returned for operations illegal in the run's current state,
	// e.g. stopping a run that has no process yet.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrDuplicateRun is returned when a run id is inserted twice.
	ErrDuplicateRun = errors.New("run id already exists")
)
