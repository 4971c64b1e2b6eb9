package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/chunk"
	"github.com/prism-rag/prism/internal/db"
	"github.com/prism-rag/prism/internal/extract"
	"github.com/prism-rag/prism/internal/orchestrator"
	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/rollback"
	"github.com/prism-rag/prism/internal/stage"
	"github.com/prism-rag/prism/internal/storage"
	"github.com/prism-rag/prism/internal/task"
)

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, doc extract.Document) (string, error) {
	return "# " + doc.Name, nil
}

func newTestServer(t *testing.T) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := pipeline.NewStore(backend)
	engine := stage.NewEngine(store, stubExtractor{}, chunk.New(100, 20), nil, nil, zap.NewNop())
	engine.SetRetry(0, time.Millisecond)

	database, err := db.Open(db.Config{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "events.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	rb := rollback.NewExecutor(store, nil, zap.NewNop())
	orc := orchestrator.New(store, engine, rb, task.NewTracker(), database, zap.NewNop())
	return NewServer(orc, ":0", zap.NewNop()).Handler(), orc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func createProject(t *testing.T, h http.Handler, name string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rec.Code, rec.Body.String())
	}
}

func uploadDocument(t *testing.T, h http.Handler, project, name, content string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+project+"/documents", strings.NewReader(content))
	req.Header.Set("X-Filename", name)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateAndListProjects(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/projects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("empty list body = %q, want []", body)
	}

	createProject(t, h, "proj")
	var projects []pipeline.ProjectConfig
	decode(t, doJSON(t, h, http.MethodGet, "/api/projects", nil), &projects)
	if len(projects) != 1 || projects[0].Name != "proj" {
		t.Errorf("projects = %+v", projects)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/projects", "not an object")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body: %d", rec.Code)
	}
}

func TestProjectStatus(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")

	rec := doJSON(t, h, http.MethodGet, "/api/projects/proj", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	var info struct {
		Project string                                   `json:"project"`
		Stages  map[pipeline.Stage]pipeline.StageRecord `json:"stages"`
	}
	decode(t, rec, &info)
	if info.Project != "proj" {
		t.Errorf("project = %q", info.Project)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/projects/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown project: %d", rec.Code)
	}
}

func TestDocumentUploadAndDelete(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")
	uploadDocument(t, h, "proj", "a.pdf", "content")

	// Upload without a filename is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj/documents", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing X-Filename: %d", rec.Code)
	}

	var docs []storage.FileInfo
	decode(t, doJSON(t, h, http.MethodGet, "/api/projects/proj/documents", nil), &docs)
	if len(docs) != 1 || docs[0].Name != "a.pdf" {
		t.Errorf("docs = %+v", docs)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/projects/proj/documents/a.pdf", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/projects/proj/documents/a.pdf", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", rec.Code)
	}
}

func TestRunStageAsync(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")
	uploadDocument(t, h, "proj", "a.pdf", "content")

	rec := doJSON(t, h, http.MethodPost, "/api/projects/proj/run", map[string]interface{}{"stage": "extraction"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run: %d %s", rec.Code, rec.Body.String())
	}
	var tk task.Task
	decode(t, rec, &tk)
	if tk.ID == "" {
		t.Fatal("no task id returned")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := doJSON(t, h, http.MethodGet, "/api/tasks/"+tk.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("task get: %d", rec.Code)
		}
		var got task.Task
		decode(t, rec, &got)
		if got.Status.Terminal() {
			if got.Status != task.StatusCompleted {
				t.Errorf("task = %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not finish: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunConflictsAndNotFound(t *testing.T) {
	h, orc := newTestServer(t)
	createProject(t, h, "proj")

	rec := doJSON(t, h, http.MethodPost, "/api/projects/ghost/run", map[string]string{"stage": "extraction"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown project: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/projects/proj/run", map[string]string{"stage": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown stage: %d", rec.Code)
	}

	// A held task makes further runs and rollbacks conflict.
	if _, err := orc.Tracker().Start("proj", pipeline.StageExtraction); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/projects/proj/run", map[string]string{"stage": "extraction"})
	if rec.Code != http.StatusConflict {
		t.Errorf("run while active: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/projects/proj/rollback", map[string]interface{}{"stage": "extraction", "cascade": true})
	if rec.Code != http.StatusConflict {
		t.Errorf("rollback while active: %d", rec.Code)
	}
}

func TestRollbackPreviewAndExecute(t *testing.T) {
	h, orc := newTestServer(t)
	createProject(t, h, "proj")
	uploadDocument(t, h, "proj", "a.pdf", "content")
	if _, err := orc.RunStage(context.Background(), "proj", pipeline.StageExtraction, false); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/projects/proj/rollback",
		map[string]interface{}{"stage": "extraction", "cascade": true, "preview": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", rec.Code, rec.Body.String())
	}
	var preview rollback.Preview
	decode(t, rec, &preview)
	if len(preview.Stages) == 0 {
		t.Errorf("preview = %+v", preview)
	}

	// Preview must not have cleared anything.
	info, _ := orc.Status(context.Background(), "proj")
	if !info.Stages[pipeline.StageExtraction].Exists {
		t.Fatal("preview cleared the stage")
	}

	rec = doJSON(t, h, http.MethodPost, "/api/projects/proj/rollback",
		map[string]interface{}{"stage": "extraction", "cascade": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}
	var res rollback.Result
	decode(t, rec, &res)
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	info, _ = orc.Status(context.Background(), "proj")
	if info.Stages[pipeline.StageExtraction].Exists {
		t.Error("stage record survived rollback")
	}
}

func TestRollbackDefaultsToCascade(t *testing.T) {
	h, orc := newTestServer(t)
	createProject(t, h, "proj")
	uploadDocument(t, h, "proj", "a.pdf", "content")
	ctx := context.Background()
	if _, err := orc.RunStage(ctx, "proj", pipeline.StageExtraction, false); err != nil {
		t.Fatal(err)
	}
	if _, err := orc.RunStage(ctx, "proj", pipeline.StageChunking, false); err != nil {
		t.Fatal(err)
	}

	// No cascade field in the body: dependents are rolled back too.
	rec := doJSON(t, h, http.MethodPost, "/api/projects/proj/rollback",
		map[string]interface{}{"stage": "extraction"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rec.Code, rec.Body.String())
	}
	var res rollback.Result
	decode(t, rec, &res)
	if !res.Cascade || !res.Success {
		t.Errorf("result = %+v", res)
	}

	info, _ := orc.Status(ctx, "proj")
	if info.Stages[pipeline.StageExtraction].Exists || info.Stages[pipeline.StageChunking].Exists {
		t.Errorf("stages survived default rollback: %+v", info.Stages)
	}

	// An explicit false still limits the rollback to the named stage.
	if _, err := orc.RunStage(ctx, "proj", pipeline.StageExtraction, false); err != nil {
		t.Fatal(err)
	}
	if _, err := orc.RunStage(ctx, "proj", pipeline.StageChunking, false); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/projects/proj/rollback",
		map[string]interface{}{"stage": "chunking", "cascade": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rec.Code, rec.Body.String())
	}
	info, _ = orc.Status(ctx, "proj")
	if !info.Stages[pipeline.StageExtraction].Exists {
		t.Error("non-cascaded rollback cleared the prerequisite stage")
	}
	if info.Stages[pipeline.StageChunking].Exists {
		t.Error("target stage survived")
	}
}

func TestTasksListEmptyIsArray(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")

	rec := doJSON(t, h, http.MethodGet, "/api/projects/proj/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks: %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestEventsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")

	rec := doJSON(t, h, http.MethodGet, "/api/projects/proj/events?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	var events []db.Event
	decode(t, rec, &events)
	if len(events) != 1 || events[0].Event != "project_created" {
		t.Errorf("events = %+v", events)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")

	cases := []struct {
		method, path string
		wantAllow    string
	}{
		{http.MethodDelete, "/api/projects", "GET, POST"},
		{http.MethodPut, "/api/projects/proj", "GET, DELETE"},
		{http.MethodGet, "/api/projects/proj/run", "POST"},
		{http.MethodDelete, "/api/projects/proj/rollback", "POST"},
		{http.MethodPost, "/api/projects/proj/tasks", "GET"},
	}
	for _, tc := range cases {
		rec := doJSON(t, h, tc.method, tc.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: %d", tc.method, tc.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tc.wantAllow {
			t.Errorf("%s %s: Allow = %q, want %q", tc.method, tc.path, got, tc.wantAllow)
		}
	}
}

func TestDeleteProjectEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	createProject(t, h, "proj")

	rec := doJSON(t, h, http.MethodDelete, "/api/projects/proj", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/api/projects/proj", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after delete: %d", rec.Code)
	}
}
