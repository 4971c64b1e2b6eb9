// Package rollback computes and executes cascading stage rollback:
// deleting a stage's artifacts together with every stage built on top
// of them, locally and in the remote search service.
package rollback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/search"
)

// Preview describes what a rollback would delete, without mutating
// anything.
type Preview struct {
	Project         string                 `json:"project"`
	Stages          []pipeline.Stage       `json:"stages"` // pipeline order
	LocalArtifacts  map[pipeline.Stage]int `json:"local_artifacts"`
	RemoteResources []string               `json:"remote_resources,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
}

// StageResult is the outcome of clearing one stage.
type StageResult struct {
	Stage        pipeline.Stage `json:"stage"`
	Cleared      bool           `json:"cleared"`
	DeletedFiles int            `json:"deleted_files"`
	Resource     string         `json:"resource,omitempty"` // remote resource deleted
	Error        string         `json:"error,omitempty"`
}

// Result reports a rollback execution stage by stage, in the order
// stages were attempted (deepest dependent first).
type Result struct {
	Project string           `json:"project"`
	Stage   pipeline.Stage   `json:"stage"`
	Cascade bool             `json:"cascade"`
	Success bool             `json:"success"`
	Stages  []StageResult    `json:"stages"`
	Skipped []pipeline.Stage `json:"skipped,omitempty"` // not attempted after a failure
	Errors  []string         `json:"errors,omitempty"`
}

// Executor previews and performs rollbacks.
type Executor struct {
	store  *pipeline.Store
	search search.Client
	log    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(store *pipeline.Store, searchClient search.Client, log *zap.Logger) *Executor {
	return &Executor{store: store, search: searchClient, log: log}
}

func (e *Executor) validate(ctx context.Context, project string, stage pipeline.Stage) error {
	if !pipeline.IsRunnable(stage) {
		return fmt.Errorf("stage %q cannot be rolled back: %w", stage, pipeline.ErrNotFound)
	}
	exists, err := e.store.ProjectExists(ctx, project)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("project %q: %w", project, pipeline.ErrNotFound)
	}
	return nil
}

// Preview reports the stages, artifact counts, and remote resources a
// rollback with the same arguments would delete. Purely derived from
// current state; never mutates.
func (e *Executor) Preview(ctx context.Context, project string, stage pipeline.Stage, cascade bool) (*Preview, error) {
	if err := e.validate(ctx, project, stage); err != nil {
		return nil, err
	}

	records, err := e.store.StageRecords(ctx, project)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		Project:        project,
		Stages:         pipeline.CascadeSet(stage, cascade),
		LocalArtifacts: make(map[pipeline.Stage]int),
	}
	for _, s := range p.Stages {
		count, err := e.store.CountStageArtifacts(ctx, project, s)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			p.LocalArtifacts[s] = count
		}
		if pipeline.IsRemote(s) && records[s].Exists {
			p.RemoteResources = append(p.RemoteResources, e.remoteName(project, s))
		}
	}

	if containsStage(p.Stages, pipeline.StageIndex) && records[pipeline.StageIndex].Exists {
		p.Warnings = append(p.Warnings,
			"deleting the search index removes all searchable content; re-embed and re-upload to restore search")
		if e.search != nil {
			ok, err := e.search.IndexExists(ctx, project)
			if err != nil {
				p.Warnings = append(p.Warnings,
					fmt.Sprintf("could not verify remote index: %v", err))
			} else if !ok {
				p.Warnings = append(p.Warnings,
					"index is recorded but missing remotely; rollback will only clear the local record")
			}
		}
	}
	if containsStage(p.Stages, pipeline.StageExtraction) {
		p.Warnings = append(p.Warnings,
			"deleting extraction results requires re-processing every document")
	}
	if !cascade {
		for _, dep := range pipeline.Dependents(stage) {
			if records[dep].Exists {
				p.Warnings = append(p.Warnings, fmt.Sprintf(
					"non-cascaded rollback leaves %s referencing deleted %s output", dep, stage))
			}
		}
	}
	return p, nil
}

// Execute rolls back a stage (and, with cascade, its dependents),
// deepest dependent first. A failure stops the cascade: stages closer
// to the pipeline start are left untouched and reported as skipped, so
// the result never claims success for a stage that was not cleared.
func (e *Executor) Execute(ctx context.Context, project string, stage pipeline.Stage, cascade bool) (*Result, error) {
	if err := e.validate(ctx, project, stage); err != nil {
		return nil, err
	}

	set := pipeline.CascadeSet(stage, cascade)
	result := &Result{Project: project, Stage: stage, Cascade: cascade, Success: true}

	for i := len(set) - 1; i >= 0; i-- {
		s := set[i]
		sr := e.clearStage(ctx, project, s)
		result.Stages = append(result.Stages, sr)
		if sr.Error != "" {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", s, sr.Error))
			for j := i - 1; j >= 0; j-- {
				result.Skipped = append(result.Skipped, set[j])
			}
			e.log.Error("rollback stopped on stage failure",
				zap.String("project", project),
				zap.String("stage", string(s)),
				zap.String("error", sr.Error))
			break
		}
		e.log.Info("stage rolled back",
			zap.String("project", project),
			zap.String("stage", string(s)),
			zap.Int("deleted_files", sr.DeletedFiles),
			zap.String("resource", sr.Resource))
	}
	return result, nil
}

// RollbackTo rolls back every stage strictly after target, leaving the
// project positioned at target's output.
func (e *Executor) RollbackTo(ctx context.Context, project string, target pipeline.Stage) (*Result, error) {
	if !pipeline.Valid(target) {
		return nil, fmt.Errorf("stage %q: %w", target, pipeline.ErrNotFound)
	}
	exists, err := e.store.ProjectExists(ctx, project)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("project %q: %w", project, pipeline.ErrNotFound)
	}
	deps := pipeline.Dependents(target)
	if len(deps) == 0 {
		// Nothing after the last stage.
		return &Result{Project: project, Stage: target, Cascade: true, Success: true}, nil
	}
	res, err := e.Execute(ctx, project, deps[0], true)
	if err != nil {
		return nil, err
	}
	res.Stage = target
	return res, nil
}

func (e *Executor) remoteName(project string, stage pipeline.Stage) string {
	if e.search == nil {
		return ""
	}
	switch stage {
	case pipeline.StageIndex:
		return e.search.IndexName(project)
	case pipeline.StageSource:
		return e.search.SourceName(project)
	case pipeline.StageAgent:
		return e.search.AgentName(project)
	}
	return ""
}

// clearStage removes one stage's artifacts: the remote resource first
// (when there is one), then local files and the stage record. The
// record and status flags are only dropped after the remote delete
// succeeded, so a failed remote delete keeps showing up in status.
func (e *Executor) clearStage(ctx context.Context, project string, stage pipeline.Stage) StageResult {
	sr := StageResult{Stage: stage}

	if pipeline.IsRemote(stage) {
		records, err := e.store.StageRecords(ctx, project)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		if records[stage].Exists {
			if e.search == nil {
				sr.Error = "search service is not configured"
				return sr
			}
			var delErr error
			switch stage {
			case pipeline.StageIndex:
				delErr = e.search.DeleteIndex(ctx, project)
			case pipeline.StageSource:
				delErr = e.search.DeleteSource(ctx, project)
			case pipeline.StageAgent:
				delErr = e.search.DeleteAgent(ctx, project)
			}
			if delErr != nil {
				sr.Error = delErr.Error()
				return sr
			}
			sr.Resource = e.remoteName(project, stage)
		}
		if err := e.store.UpdateRemoteStatus(ctx, project, func(rs *pipeline.RemoteStatus) {
			switch stage {
			case pipeline.StageIndex:
				rs.IsIndexed = false
				rs.IndexName = ""
			case pipeline.StageSource:
				rs.HasSource = false
				rs.SourceName = ""
			case pipeline.StageAgent:
				rs.HasAgent = false
				rs.AgentName = ""
			}
		}); err != nil {
			sr.Error = err.Error()
			return sr
		}
	}

	deleted, err := e.store.ClearStage(ctx, project, stage)
	sr.DeletedFiles = deleted
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	sr.Cleared = true
	return sr
}

func containsStage(stages []pipeline.Stage, s pipeline.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}
