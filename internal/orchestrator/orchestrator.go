// Package orchestrator composes the project and pipeline lifecycle:
// it owns the task tracker, dispatches stage runs to the engine, and
// records every state change in the event log.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/db"
	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/rollback"
	"github.com/prism-rag/prism/internal/stage"
	"github.com/prism-rag/prism/internal/storage"
	"github.com/prism-rag/prism/internal/task"
)

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	store    *pipeline.Store
	engine   *stage.Engine
	rollback *rollback.Executor
	tracker  *task.Tracker
	db       *db.DB
	log      *zap.Logger
}

// New creates an Orchestrator.
func New(
	store *pipeline.Store,
	engine *stage.Engine,
	rb *rollback.Executor,
	tracker *task.Tracker,
	database *db.DB,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		engine:   engine,
		rollback: rb,
		tracker:  tracker,
		db:       database,
		log:      log,
	}
}

// Tracker exposes the task tracker for read-side consumers.
func (o *Orchestrator) Tracker() *task.Tracker {
	return o.tracker
}

// logEvent appends to the audit log. Best-effort: a logging failure
// never fails the operation that triggered it.
func (o *Orchestrator) logEvent(project, event string, stg pipeline.Stage, taskID, detail string) {
	if o.db == nil {
		return
	}
	if err := o.db.LogEvent(project, event, string(stg), taskID, detail); err != nil {
		o.log.Warn("event log write failed",
			zap.String("project", project),
			zap.String("event", event),
			zap.Error(err))
	}
}

// CreateProject initializes a new project.
func (o *Orchestrator) CreateProject(ctx context.Context, name, description string) (*pipeline.ProjectConfig, error) {
	cfg, err := o.store.CreateProject(ctx, name, description)
	if err != nil {
		return nil, err
	}
	o.logEvent(name, "project_created", "", "", description)
	return cfg, nil
}

// ListProjects returns the config of every project.
func (o *Orchestrator) ListProjects(ctx context.Context) ([]pipeline.ProjectConfig, error) {
	names, err := o.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	configs := make([]pipeline.ProjectConfig, 0, len(names))
	for _, name := range names {
		cfg, err := o.store.GetConfig(ctx, name)
		if err != nil {
			// A half-deleted project directory should not break listing.
			o.log.Warn("skipping project with unreadable config",
				zap.String("project", name), zap.Error(err))
			continue
		}
		configs = append(configs, *cfg)
	}
	return configs, nil
}

// DeleteProject tears a project down: remote resources first via a full
// cascade rollback, then every stored file. Rollback failures are
// reported but do not block file deletion; orphaned remote resources
// are logged so they can be cleaned up by name.
func (o *Orchestrator) DeleteProject(ctx context.Context, project string) error {
	exists, err := o.store.ProjectExists(ctx, project)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("project %q: %w", project, pipeline.ErrNotFound)
	}
	if active := o.tracker.ListActive(project); len(active) > 0 {
		return fmt.Errorf("project %q has a task in progress: %w", project, pipeline.ErrAlreadyRunning)
	}

	res, err := o.rollback.Execute(ctx, project, pipeline.StageExtraction, true)
	if err != nil {
		return fmt.Errorf("rollback before delete: %w", err)
	}
	if !res.Success {
		for _, msg := range res.Errors {
			o.log.Warn("rollback during project delete left remnants",
				zap.String("project", project), zap.String("error", msg))
		}
	}

	if err := o.store.DeleteProjectFiles(ctx, project); err != nil {
		return fmt.Errorf("delete project files: %w", err)
	}
	o.logEvent(project, "project_deleted", "", "", "")
	return nil
}

// Status returns the derived pipeline status plus any in-flight tasks.
type StatusInfo struct {
	*pipeline.ProjectStatus
	ActiveTasks []*task.Task `json:"active_tasks,omitempty"`
}

// Status reports a project's stage-by-stage state.
func (o *Orchestrator) Status(ctx context.Context, project string) (*StatusInfo, error) {
	ps, err := o.store.Status(ctx, project)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		ProjectStatus: ps,
		ActiveTasks:   o.tracker.ListActive(project),
	}, nil
}

// SaveDocument stores an uploaded source document.
func (o *Orchestrator) SaveDocument(ctx context.Context, project, filename string, content []byte) (storage.FileInfo, error) {
	info, err := o.store.SaveDocument(ctx, project, filename, content)
	if err != nil {
		return info, err
	}
	o.logEvent(project, "document_uploaded", pipeline.StageDocuments, "", info.Name)
	return info, nil
}

// ListDocuments lists a project's source documents.
func (o *Orchestrator) ListDocuments(ctx context.Context, project string) ([]storage.FileInfo, error) {
	return o.store.ListDocuments(ctx, project)
}

// DeleteDocument removes one source document. Derived artifacts stay
// until the next extraction run or an explicit rollback.
func (o *Orchestrator) DeleteDocument(ctx context.Context, project, filename string) error {
	if err := o.store.DeleteDocument(ctx, project, filename); err != nil {
		return err
	}
	o.logEvent(project, "document_deleted", pipeline.StageDocuments, "", filename)
	return nil
}

// StartStage launches a stage run in the background and returns the
// tracking task. At most one task per project runs at a time.
func (o *Orchestrator) StartStage(ctx context.Context, project string, stg pipeline.Stage, force bool) (*task.Task, error) {
	if !pipeline.IsRunnable(stg) {
		return nil, fmt.Errorf("stage %q is not runnable: %w", stg, pipeline.ErrNotFound)
	}
	exists, err := o.store.ProjectExists(ctx, project)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("project %q: %w", project, pipeline.ErrNotFound)
	}

	t, err := o.tracker.Start(project, stg)
	if err != nil {
		return nil, err
	}

	// Detached from the caller's context: the run outlives the HTTP
	// request or CLI invocation that started it.
	go o.runTask(context.Background(), t.ID, project, stg, force)
	return t, nil
}

// RunStage runs a stage synchronously, tracking it like StartStage.
func (o *Orchestrator) RunStage(ctx context.Context, project string, stg pipeline.Stage, force bool) (*stage.RunResult, error) {
	if !pipeline.IsRunnable(stg) {
		return nil, fmt.Errorf("stage %q is not runnable: %w", stg, pipeline.ErrNotFound)
	}
	t, err := o.tracker.Start(project, stg)
	if err != nil {
		return nil, err
	}
	return o.runTask(ctx, t.ID, project, stg, force)
}

func (o *Orchestrator) runTask(ctx context.Context, taskID, project string, stg pipeline.Stage, force bool) (*stage.RunResult, error) {
	_ = o.tracker.Run(taskID)
	o.logEvent(project, "stage_started", stg, taskID, "")

	res, err := o.engine.Run(ctx, stage.RunOpts{
		Project: project,
		Stage:   stg,
		Force:   force,
		Progress: func(current, total int, message string) {
			_ = o.tracker.UpdateProgress(taskID, current, total, message)
		},
	})
	if err != nil {
		_ = o.tracker.Fail(taskID, err.Error())
		o.logEvent(project, "stage_failed", stg, taskID, err.Error())
		return nil, err
	}

	detail := fmt.Sprintf("processed=%d skipped=%d failed=%d complete=%t",
		res.Processed, res.Skipped, res.Failed, res.Complete)
	_ = o.tracker.Complete(taskID)
	o.logEvent(project, "stage_completed", stg, taskID, detail)
	return res, nil
}

// RunAll runs every remaining stage in pipeline order, stopping at the
// first failure. Stages whose output is already complete are re-run
// only with force; their incremental skip makes the re-run cheap.
func (o *Orchestrator) RunAll(ctx context.Context, project string, force bool) ([]*stage.RunResult, error) {
	status, err := o.store.Status(ctx, project)
	if err != nil {
		return nil, err
	}

	var results []*stage.RunResult
	for _, stg := range pipeline.Runnable {
		rec := status.Stages[stg]
		if rec.Exists && rec.Complete && !force {
			continue
		}
		res, err := o.RunStage(ctx, project, stg, force)
		if err != nil {
			return results, fmt.Errorf("stage %s: %w", stg, err)
		}
		results = append(results, res)
		if !res.Complete {
			return results, fmt.Errorf("stage %s finished with %d failed items", stg, res.Failed)
		}
	}
	return results, nil
}

// PreviewRollback reports what a rollback would delete.
func (o *Orchestrator) PreviewRollback(ctx context.Context, project string, stg pipeline.Stage, cascade bool) (*rollback.Preview, error) {
	return o.rollback.Preview(ctx, project, stg, cascade)
}

// Rollback deletes a stage's artifacts, cascading to dependents when
// asked. Refused while the project has a task in flight.
func (o *Orchestrator) Rollback(ctx context.Context, project string, stg pipeline.Stage, cascade bool) (*rollback.Result, error) {
	if active := o.tracker.ListActive(project); len(active) > 0 {
		return nil, fmt.Errorf("project %q has a task in progress: %w", project, pipeline.ErrAlreadyRunning)
	}
	res, err := o.rollback.Execute(ctx, project, stg, cascade)
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("cascade=%t success=%t stages=%d", cascade, res.Success, len(res.Stages))
	o.logEvent(project, "rollback", stg, "", detail)
	return res, nil
}

// RollbackTo rolls back every stage after target.
func (o *Orchestrator) RollbackTo(ctx context.Context, project string, target pipeline.Stage) (*rollback.Result, error) {
	if active := o.tracker.ListActive(project); len(active) > 0 {
		return nil, fmt.Errorf("project %q has a task in progress: %w", project, pipeline.ErrAlreadyRunning)
	}
	res, err := o.rollback.RollbackTo(ctx, project, target)
	if err != nil {
		return nil, err
	}
	o.logEvent(project, "rollback_to", target, "", fmt.Sprintf("success=%t", res.Success))
	return res, nil
}

// Events returns recent audit events for a project (all projects when
// project is empty).
func (o *Orchestrator) Events(project string, limit int) ([]db.Event, error) {
	if o.db == nil {
		return nil, nil
	}
	return o.db.Events(project, limit)
}
