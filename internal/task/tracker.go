// Package task tracks asynchronous stage runs so a client can poll
// progress, disconnect, and later resume observing the same task.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prism-rag/prism/internal/pipeline"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress carries the latest current/total counters and message.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Message string  `json:"message,omitempty"`
	Percent float64 `json:"percent"`
}

// Task is one execution of a stage for a project. Terminal tasks are
// retained so a reconnecting client can still query their outcome.
type Task struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	Stage      pipeline.Stage `json:"stage"`
	Status     Status         `json:"status"`
	Progress   Progress       `json:"progress"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Tracker is an in-memory task registry. One task per project may be
// active at a time: combined with the engine's prerequisite check this
// is the mutual-exclusion mechanism for same-project stage runs.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Task)}
}

// Start registers a new pending task. It fails with ErrAlreadyRunning
// if any task for the project is still pending or running.
func (t *Tracker) Start(project string, stage pipeline.Stage) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.tasks {
		if existing.Project == project && !existing.Status.Terminal() {
			return nil, fmt.Errorf("project %q stage %q (task %s): %w",
				project, existing.Stage, existing.ID, pipeline.ErrAlreadyRunning)
		}
	}

	tk := &Task{
		ID:        uuid.NewString(),
		Project:   project,
		Stage:     stage,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
	t.tasks[tk.ID] = tk
	return tk.clone(), nil
}

// Run transitions a pending task to running.
func (t *Tracker) Run(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	if tk.Status != StatusPending {
		return fmt.Errorf("task %s is %s, cannot start running", id, tk.Status)
	}
	tk.Status = StatusRunning
	return nil
}

// UpdateProgress records counters for a running task. Progress is
// monotonic: an update with a smaller current than already recorded is
// clamped to the previous value so a poller never sees it go backwards.
func (t *Tracker) UpdateProgress(id string, current, total int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	if tk.Status.Terminal() {
		return fmt.Errorf("task %s is %s, cannot update progress", id, tk.Status)
	}
	if current < tk.Progress.Current {
		current = tk.Progress.Current
	}
	tk.Progress = Progress{Current: current, Total: total, Message: message}
	if total > 0 {
		tk.Progress.Percent = float64(current) / float64(total) * 100
	}
	return nil
}

// Complete marks a task completed. No transitions out of terminal states.
func (t *Tracker) Complete(id string) error {
	return t.finish(id, StatusCompleted, "")
}

// Fail marks a task failed with the given error message.
func (t *Tracker) Fail(id string, errMsg string) error {
	return t.finish(id, StatusFailed, errMsg)
}

func (t *Tracker) finish(id string, status Status, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	if tk.Status.Terminal() {
		return fmt.Errorf("task %s already %s", id, tk.Status)
	}
	now := time.Now().UTC()
	tk.Status = status
	tk.Error = errMsg
	tk.FinishedAt = &now
	return nil
}

// Get returns a snapshot of one task.
func (t *Tracker) Get(id string) (*Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tk, ok := t.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	return tk.clone(), nil
}

// ListActive returns non-terminal tasks for a project, newest first.
// Used on reconnect when the client did not retain the task id.
func (t *Tracker) ListActive(project string) []*Task {
	return t.list(project, true)
}

// List returns all tasks for a project (all projects when empty),
// newest first.
func (t *Tracker) List(project string) []*Task {
	return t.list(project, false)
}

func (t *Tracker) list(project string, activeOnly bool) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Task
	for _, tk := range t.tasks {
		if project != "" && tk.Project != project {
			continue
		}
		if activeOnly && tk.Status.Terminal() {
			continue
		}
		out = append(out, tk.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (tk *Task) clone() *Task {
	c := *tk
	if tk.FinishedAt != nil {
		f := *tk.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
