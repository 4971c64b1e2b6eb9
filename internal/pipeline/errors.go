package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across the run and rollback surfaces.
var (
	// ErrNotFound means an unknown project, stage, or task was referenced.
	ErrNotFound = errors.New("not found")
	// ErrPrerequisiteNotMet means a stage was run before its dependency completed.
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")
	// ErrAlreadyRunning means a task for the project is still active.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNoInput means the stage's work set was empty when inputs were expected.
	ErrNoInput = errors.New("no input available")
)

// SystemicError marks a failure pattern that applies to the whole batch
// (bad credentials, unreachable endpoint). The engine aborts remaining
// items instead of retrying each one.
type SystemicError struct {
	Stage Stage
	Err   error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("stage %s: systemic failure: %v", e.Stage, e.Err)
}

func (e *SystemicError) Unwrap() error {
	return e.Err
}

// ItemError records a per-item failure that did not abort the batch.
type ItemError struct {
	Item string `json:"item"`
	Err  string `json:"error"`
}
