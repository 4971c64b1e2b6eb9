package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/task"
)

// maxUploadBytes bounds document uploads.
const maxUploadBytes = 256 << 20

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrPrerequisiteNotMet):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNoInput):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: msg})
}

// handleProjects handles /api/projects: list and create.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.orc.ListProjects(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if projects == nil {
			projects = []pipeline.ProjectConfig{}
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		cfg, err := s.orc.CreateProject(r.Context(), req.Name, req.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cfg)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
	}
}

// routeProject dispatches /api/projects/{name}[/...].
func (s *Server) routeProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	project := parts[0]

	switch {
	case len(parts) == 1:
		s.handleProject(w, r, project)
	case len(parts) == 2 && parts[1] == "documents":
		s.handleDocuments(w, r, project)
	case len(parts) == 3 && parts[1] == "documents":
		s.handleDocument(w, r, project, parts[2])
	case len(parts) == 2 && parts[1] == "run":
		s.handleRun(w, r, project)
	case len(parts) == 2 && parts[1] == "rollback":
		s.handleRollback(w, r, project)
	case len(parts) == 2 && parts[1] == "tasks":
		s.handleTasks(w, r, project)
	case len(parts) == 2 && parts[1] == "events":
		s.handleEvents(w, r, project)
	default:
		http.NotFound(w, r)
	}
}

// handleProject handles GET (status) and DELETE on one project.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, project string) {
	switch r.Method {
	case http.MethodGet:
		info, err := s.orc.Status(r.Context(), project)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if err := s.orc.DeleteProject(r.Context(), project); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": project})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
	}
}

// handleDocuments lists documents or accepts an upload. Uploads send
// the raw file body with the name in the X-Filename header.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, project string) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.orc.ListDocuments(r.Context(), project)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	case http.MethodPost:
		filename := r.Header.Get("X-Filename")
		if filename == "" {
			badRequest(w, "X-Filename header is required")
			return
		}
		content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			badRequest(w, "read upload body: "+err.Error())
			return
		}
		info, err := s.orc.SaveDocument(r.Context(), project, filename, content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, project, filename string) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	if err := s.orc.DeleteDocument(r.Context(), project, filename); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": filename})
}

// handleRun starts a stage run in the background and returns the task.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req struct {
		Stage string `json:"stage"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	t, err := s.orc.StartStage(r.Context(), project, pipeline.Stage(req.Stage), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// handleRollback previews or executes a rollback depending on the
// request's preview flag. The "to" field switches to roll-back-to
// semantics: everything after that stage is removed.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req struct {
		Stage   string `json:"stage"`
		Cascade *bool  `json:"cascade"`
		Preview bool   `json:"preview"`
		To      string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	// Cascade unless the request opts out; a non-cascaded rollback
	// leaves dependent stages referencing deleted output.
	cascade := req.Cascade == nil || *req.Cascade

	if req.To != "" {
		res, err := s.orc.RollbackTo(r.Context(), project, pipeline.Stage(req.To))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	stg := pipeline.Stage(req.Stage)
	if req.Preview {
		p, err := s.orc.PreviewRollback(r.Context(), project, stg, cascade)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}
	res, err := s.orc.Rollback(r.Context(), project, stg, cascade)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTasks lists a project's tasks, newest first.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	tasks := s.orc.Tracker().List(project)
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskGet handles GET /api/tasks/{id}.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	t, err := s.orc.Tracker().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleEvents returns the project's recent audit events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.orc.Events(project, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
