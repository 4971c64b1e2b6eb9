package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/search"
	"github.com/prism-rag/prism/internal/storage"
)

// stubSearch records remote deletes in call order.
type stubSearch struct {
	deleteIndexErr  error
	deleteSourceErr error
	indexExists     bool
	deletes         []string
}

func (s *stubSearch) IndexName(p string) string  { return "prism-" + p + "-index" }
func (s *stubSearch) SourceName(p string) string { return s.IndexName(p) + "-source" }
func (s *stubSearch) AgentName(p string) string  { return s.IndexName(p) + "-agent" }

func (s *stubSearch) CreateIndex(ctx context.Context, p string) (string, error) {
	return s.IndexName(p), nil
}
func (s *stubSearch) DeleteIndex(ctx context.Context, p string) error {
	if s.deleteIndexErr != nil {
		return s.deleteIndexErr
	}
	s.deletes = append(s.deletes, s.IndexName(p))
	return nil
}
func (s *stubSearch) IndexExists(ctx context.Context, p string) (bool, error) {
	return s.indexExists, nil
}
func (s *stubSearch) UploadDocuments(ctx context.Context, p string, docs []search.Document) error {
	return nil
}
func (s *stubSearch) CreateSource(ctx context.Context, p string) (string, error) {
	return s.SourceName(p), nil
}
func (s *stubSearch) DeleteSource(ctx context.Context, p string) error {
	if s.deleteSourceErr != nil {
		return s.deleteSourceErr
	}
	s.deletes = append(s.deletes, s.SourceName(p))
	return nil
}
func (s *stubSearch) CreateAgent(ctx context.Context, p string) (string, error) {
	return s.AgentName(p), nil
}
func (s *stubSearch) DeleteAgent(ctx context.Context, p string) error {
	s.deletes = append(s.deletes, s.AgentName(p))
	return nil
}

// newFullProject builds a project with artifacts and records for every
// stage, remote resources included.
func newFullProject(t *testing.T) (*pipeline.Store, *stubSearch, *Executor) {
	t.Helper()
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := pipeline.NewStore(backend)
	if _, err := store.CreateProject(ctx, "proj", ""); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		"documents/a.pdf":                   "source",
		pipeline.ExtractionPrefix + "/a.md": "extracted",
		pipeline.ChunksPrefix + "/a.json":   "{}",
		pipeline.EmbeddedPrefix + "/a.json": "{}",
		pipeline.UploadReport:               "{}",
	}
	for path, content := range files {
		if err := backend.Write(ctx, "proj", path, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkExtraction(ctx, "proj", "a.pdf", pipeline.ExtractionExtracted, "h", ""); err != nil {
		t.Fatal(err)
	}
	for _, s := range pipeline.Runnable {
		if err := store.RecordStageOutput(ctx, "proj", s, 1, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateRemoteStatus(ctx, "proj", func(rs *pipeline.RemoteStatus) {
		rs.IsIndexed = true
		rs.IndexName = "prism-proj-index"
		rs.HasSource = true
		rs.SourceName = "prism-proj-index-source"
		rs.HasAgent = true
		rs.AgentName = "prism-proj-index-agent"
	}); err != nil {
		t.Fatal(err)
	}

	se := &stubSearch{indexExists: true}
	return store, se, NewExecutor(store, se, zap.NewNop())
}

func TestPreviewCascade(t *testing.T) {
	_, _, ex := newFullProject(t)

	p, err := ex.Preview(context.Background(), "proj", pipeline.StageChunking, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []pipeline.Stage{
		pipeline.StageChunking, pipeline.StageEmbedding,
		pipeline.StageIndex, pipeline.StageSource, pipeline.StageAgent,
	}
	if len(p.Stages) != len(want) {
		t.Fatalf("Stages = %v", p.Stages)
	}
	for i, s := range want {
		if p.Stages[i] != s {
			t.Errorf("Stages[%d] = %s, want %s", i, p.Stages[i], s)
		}
	}
	if p.LocalArtifacts[pipeline.StageChunking] == 0 {
		t.Error("no chunking artifact count")
	}
	if len(p.RemoteResources) != 3 {
		t.Errorf("RemoteResources = %v", p.RemoteResources)
	}
	var indexWarning bool
	for _, w := range p.Warnings {
		if strings.Contains(w, "search index") {
			indexWarning = true
		}
	}
	if !indexWarning {
		t.Errorf("Warnings = %v, want index warning", p.Warnings)
	}
}

func TestPreviewNonCascadeWarnsAboutDependents(t *testing.T) {
	_, _, ex := newFullProject(t)

	p, err := ex.Preview(context.Background(), "proj", pipeline.StageChunking, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stages) != 1 || p.Stages[0] != pipeline.StageChunking {
		t.Errorf("Stages = %v", p.Stages)
	}
	var dangling bool
	for _, w := range p.Warnings {
		if strings.Contains(w, string(pipeline.StageEmbedding)) {
			dangling = true
		}
	}
	if !dangling {
		t.Errorf("Warnings = %v, want dangling-dependent warning", p.Warnings)
	}
}

func TestPreviewWarnsWhenRemoteIndexMissing(t *testing.T) {
	_, se, ex := newFullProject(t)
	se.indexExists = false

	p, err := ex.Preview(context.Background(), "proj", pipeline.StageIndex, false)
	if err != nil {
		t.Fatal(err)
	}
	var missing bool
	for _, w := range p.Warnings {
		if strings.Contains(w, "missing remotely") {
			missing = true
		}
	}
	if !missing {
		t.Errorf("Warnings = %v, want missing-remote warning", p.Warnings)
	}

	// A verified remote index produces no such warning.
	se.indexExists = true
	p, err = ex.Preview(context.Background(), "proj", pipeline.StageIndex, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range p.Warnings {
		if strings.Contains(w, "missing remotely") {
			t.Errorf("unexpected warning: %s", w)
		}
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	store, se, ex := newFullProject(t)
	if _, err := ex.Preview(context.Background(), "proj", pipeline.StageExtraction, true); err != nil {
		t.Fatal(err)
	}
	if len(se.deletes) != 0 {
		t.Errorf("preview deleted remote resources: %v", se.deletes)
	}
	records, _ := store.StageRecords(context.Background(), "proj")
	if !records[pipeline.StageExtraction].Exists {
		t.Error("preview cleared a stage record")
	}
}

func TestExecuteCascadeReverseOrder(t *testing.T) {
	store, se, ex := newFullProject(t)
	ctx := context.Background()

	res, err := ex.Execute(ctx, "proj", pipeline.StageExtraction, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || len(res.Skipped) != 0 {
		t.Fatalf("result = %+v", res)
	}

	// Remote resources go deepest-first: agent, source, index.
	wantDeletes := []string{"prism-proj-index-agent", "prism-proj-index-source", "prism-proj-index"}
	if len(se.deletes) != 3 {
		t.Fatalf("deletes = %v", se.deletes)
	}
	for i, d := range wantDeletes {
		if se.deletes[i] != d {
			t.Errorf("deletes[%d] = %s, want %s", i, se.deletes[i], d)
		}
	}

	// Stage results follow the same order, ending at extraction.
	if res.Stages[0].Stage != pipeline.StageAgent || res.Stages[len(res.Stages)-1].Stage != pipeline.StageExtraction {
		t.Errorf("stage order = %+v", res.Stages)
	}

	records, _ := store.StageRecords(ctx, "proj")
	if len(records) != 0 {
		t.Errorf("records remain: %v", records)
	}
	cfg, _ := store.GetConfig(ctx, "proj")
	if cfg.Status.IsIndexed || cfg.Status.HasSource || cfg.Status.HasAgent {
		t.Errorf("remote flags not cleared: %+v", cfg.Status)
	}

	// Source documents survive a rollback.
	exists, _ := store.Backend().Exists(ctx, "proj", "documents/a.pdf")
	if !exists {
		t.Error("rollback deleted a source document")
	}
	exists, _ = store.Backend().Exists(ctx, "proj", pipeline.ExtractionPrefix+"/a.md")
	if exists {
		t.Error("extraction artifact survived")
	}
}

func TestExecuteFailureStopsCascade(t *testing.T) {
	store, se, ex := newFullProject(t)
	se.deleteIndexErr = fmt.Errorf("503 service unavailable")
	ctx := context.Background()

	res, err := ex.Execute(ctx, "proj", pipeline.StageExtraction, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("Success = true after remote delete failure")
	}
	// agent and source cleared, index failed, earlier stages untouched.
	if len(res.Stages) != 3 || res.Stages[2].Stage != pipeline.StageIndex || res.Stages[2].Error == "" {
		t.Fatalf("Stages = %+v", res.Stages)
	}
	wantSkipped := []pipeline.Stage{pipeline.StageEmbedding, pipeline.StageChunking, pipeline.StageExtraction}
	if len(res.Skipped) != len(wantSkipped) {
		t.Fatalf("Skipped = %v", res.Skipped)
	}
	for i, s := range wantSkipped {
		if res.Skipped[i] != s {
			t.Errorf("Skipped[%d] = %s, want %s", i, res.Skipped[i], s)
		}
	}

	// The failed index still shows in status; skipped artifacts remain.
	cfg, _ := store.GetConfig(ctx, "proj")
	if !cfg.Status.IsIndexed {
		t.Error("IsIndexed cleared despite failed delete")
	}
	exists, _ := store.Backend().Exists(ctx, "proj", pipeline.ChunksPrefix+"/a.json")
	if !exists {
		t.Error("skipped stage artifact was deleted")
	}
}

func TestRollbackTo(t *testing.T) {
	store, _, ex := newFullProject(t)
	ctx := context.Background()

	res, err := ex.RollbackTo(ctx, "proj", pipeline.StageChunking)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Stage != pipeline.StageChunking {
		t.Errorf("result = %+v", res)
	}

	records, _ := store.StageRecords(ctx, "proj")
	if !records[pipeline.StageChunking].Exists || !records[pipeline.StageExtraction].Exists {
		t.Errorf("target or earlier stage lost: %v", records)
	}
	if records[pipeline.StageEmbedding].Exists || records[pipeline.StageIndex].Exists {
		t.Errorf("later stages survived: %v", records)
	}
	exists, _ := store.Backend().Exists(ctx, "proj", pipeline.ChunksPrefix+"/a.json")
	if !exists {
		t.Error("target stage artifact deleted")
	}
}

func TestRollbackToLastStage(t *testing.T) {
	_, se, ex := newFullProject(t)

	res, err := ex.RollbackTo(context.Background(), "proj", pipeline.StageAgent)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || len(res.Stages) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(se.deletes) != 0 {
		t.Errorf("deletes = %v", se.deletes)
	}
}

func TestRollbackToUnknownProject(t *testing.T) {
	_, _, ex := newFullProject(t)
	ctx := context.Background()

	// Both the no-op path (last stage) and the cascading path reject
	// projects that do not exist.
	if _, err := ex.RollbackTo(ctx, "ghost", pipeline.StageAgent); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("RollbackTo(last stage) error = %v, want ErrNotFound", err)
	}
	if _, err := ex.RollbackTo(ctx, "ghost", pipeline.StageChunking); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("RollbackTo(chunking) error = %v, want ErrNotFound", err)
	}
}

func TestExecuteUnknownProject(t *testing.T) {
	_, _, ex := newFullProject(t)
	_, err := ex.Execute(context.Background(), "ghost", pipeline.StageExtraction, true)
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestExecuteInvalidStage(t *testing.T) {
	_, _, ex := newFullProject(t)
	_, err := ex.Execute(context.Background(), "proj", pipeline.StageDocuments, true)
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestExecuteRemoteStageWithoutResource(t *testing.T) {
	_, se, ex := newFullProject(t)
	ctx := context.Background()

	// Drop the agent first, then roll it back again: no remote call,
	// but the stage clears cleanly.
	if _, err := ex.Execute(ctx, "proj", pipeline.StageAgent, false); err != nil {
		t.Fatal(err)
	}
	se.deletes = nil

	res, err := ex.Execute(ctx, "proj", pipeline.StageAgent, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Stages[0].Cleared || res.Stages[0].Resource != "" {
		t.Errorf("result = %+v", res.Stages[0])
	}
	if len(se.deletes) != 0 {
		t.Errorf("remote delete issued for absent resource: %v", se.deletes)
	}
}

func TestExecuteNilSearchClient(t *testing.T) {
	store, _, _ := newFullProject(t)
	ex := NewExecutor(store, nil, zap.NewNop())

	res, err := ex.Execute(context.Background(), "proj", pipeline.StageAgent, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Stages[0].Error, "not configured") {
		t.Errorf("result = %+v", res.Stages[0])
	}
}
