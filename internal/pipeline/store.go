package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prism-rag/prism/internal/storage"
)

// Project file layout inside the storage backend.
const (
	ConfigFile    = "config.json"
	StatusFile    = "pipeline_status.json"
	ManifestFile  = "output/extraction_status.json"
	InventoryFile = "output/document_inventory.json"
	UploadReport  = "output/upload_report.json"

	DocumentsPrefix  = "documents"
	ExtractionPrefix = "output/extraction_results"
	ChunksPrefix     = "output/chunked_documents"
	EmbeddedPrefix   = "output/embedded_documents"
)

var projectNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Store is the durable record of what each pipeline stage has produced
// per project. All mutations for a project are serialized behind a
// per-project lock so concurrent run/rollback requests never interleave
// a read-modify-write.
type Store struct {
	backend storage.Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store over the given backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{
		backend: backend,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Backend exposes the underlying storage for callers that manage raw
// artifact files (the stage engine).
func (s *Store) Backend() storage.Backend {
	return s.backend
}

func (s *Store) lock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[project]
	if !ok {
		l = &sync.Mutex{}
		s.locks[project] = l
	}
	return l
}

// ---- project lifecycle ----

// CreateProject initialises a project with its config file. The name
// must be a filesystem/blob-safe slug and must not already exist.
func (s *Store) CreateProject(ctx context.Context, name, description string) (*ProjectConfig, error) {
	if !projectNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid project name %q: must be a lowercase slug", name)
	}
	exists, err := s.ProjectExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("project %q already exists", name)
	}

	cfg := &ProjectConfig{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := storage.WriteJSON(ctx, s.backend, name, ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("write %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// ProjectExists reports whether the project has been created.
func (s *Store) ProjectExists(ctx context.Context, name string) (bool, error) {
	return s.backend.Exists(ctx, name, ConfigFile)
}

// ListProjects returns all created project names.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	candidates, err := s.backend.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var projects []string
	for _, name := range candidates {
		ok, err := s.backend.Exists(ctx, name, ConfigFile)
		if err != nil {
			return nil, err
		}
		if ok {
			projects = append(projects, name)
		}
	}
	return projects, nil
}

// GetConfig reads the project config, ErrNotFound if the project is absent.
func (s *Store) GetConfig(ctx context.Context, project string) (*ProjectConfig, error) {
	var cfg ProjectConfig
	if err := storage.ReadJSON(ctx, s.backend, project, ConfigFile, &cfg); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("project %q: %w", project, ErrNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

// UpdateRemoteStatus applies fn to the project's remote-resource flags
// under the project lock.
func (s *Store) UpdateRemoteStatus(ctx context.Context, project string, fn func(*RemoteStatus)) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.GetConfig(ctx, project)
	if err != nil {
		return err
	}
	fn(&cfg.Status)
	return storage.WriteJSON(ctx, s.backend, project, ConfigFile, cfg)
}

// DeleteProjectFiles removes every file the project owns. Remote
// resources are the rollback executor's responsibility.
func (s *Store) DeleteProjectFiles(ctx context.Context, project string) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()
	if err := s.backend.DeleteProject(ctx, project); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return fmt.Errorf("project %q: %w", project, ErrNotFound)
		}
		return err
	}
	return nil
}

// ---- documents ----

// SaveDocument stores an uploaded source document. The filename is
// stripped of any path components.
func (s *Store) SaveDocument(ctx context.Context, project, filename string, content []byte) (storage.FileInfo, error) {
	safe := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if safe == "" || safe == "." || safe == "/" {
		return storage.FileInfo{}, fmt.Errorf("invalid filename %q", filename)
	}
	rel := DocumentsPrefix + "/" + safe
	if err := s.backend.Write(ctx, project, rel, content); err != nil {
		return storage.FileInfo{}, err
	}
	return storage.FileInfo{
		Name:     safe,
		Path:     rel,
		Size:     int64(len(content)),
		Modified: time.Now().UTC(),
	}, nil
}

// ListDocuments returns the project's source documents sorted by name.
func (s *Store) ListDocuments(ctx context.Context, project string) ([]storage.FileInfo, error) {
	return s.backend.List(ctx, project, DocumentsPrefix)
}

// DeleteDocument removes one source document.
func (s *Store) DeleteDocument(ctx context.Context, project, filename string) error {
	safe := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if err := s.backend.Delete(ctx, project, DocumentsPrefix+"/"+safe); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return fmt.Errorf("document %q: %w", filename, ErrNotFound)
		}
		return err
	}
	return nil
}

// ---- stage records ----

// StageRecords reads the raw per-stage records file. Missing file means
// nothing has run yet: an empty map is returned.
func (s *Store) StageRecords(ctx context.Context, project string) (map[Stage]StageRecord, error) {
	records := make(map[Stage]StageRecord)
	err := storage.ReadJSON(ctx, s.backend, project, StatusFile, &records)
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return nil, err
	}
	return records, nil
}

// RecordStageOutput overwrites the record for one stage after a run.
// Atomic with respect to readers: the backend replaces the file in one
// rename/put, so a reader sees the old or the new record, never half.
func (s *Store) RecordStageOutput(ctx context.Context, project string, stage Stage, count int, complete bool) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	records, err := s.StageRecords(ctx, project)
	if err != nil {
		return err
	}
	records[stage] = StageRecord{
		Exists:    true,
		Count:     count,
		Complete:  complete,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return storage.WriteJSON(ctx, s.backend, project, StatusFile, records)
}

// ---- extraction manifest ----

// Manifest reads the extraction status manifest; an absent file yields
// an empty manifest.
func (s *Store) Manifest(ctx context.Context, project string) (*Manifest, error) {
	m := &Manifest{Entries: make(map[string]ManifestEntry)}
	err := storage.ReadJSON(ctx, s.backend, project, ManifestFile, m)
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return nil, err
	}
	if m.Entries == nil {
		m.Entries = make(map[string]ManifestEntry)
	}
	return m, nil
}

// MarkExtraction updates the manifest entry for one document. The
// manifest is updated entry-by-entry so an interrupted run loses only
// the documents not yet processed.
func (s *Store) MarkExtraction(ctx context.Context, project, document string, state ExtractionState, contentHash, errMsg string) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	m, err := s.Manifest(ctx, project)
	if err != nil {
		return err
	}
	entry := ManifestEntry{
		Document:    document,
		Status:      state,
		ContentHash: contentHash,
		Error:       errMsg,
	}
	if state == ExtractionExtracted {
		entry.LastExtractedAt = time.Now().UTC().Format(time.RFC3339)
	} else if prev, ok := m.Entries[document]; ok {
		entry.LastExtractedAt = prev.LastExtractedAt
	}
	m.Entries[document] = entry
	return storage.WriteJSON(ctx, s.backend, project, ManifestFile, m)
}

// ---- status view ----

// Status assembles the read-only pipeline snapshot for a project. It
// never fails for a valid project: stages that have not run come back
// as empty records. Completeness is recomputed against current inputs,
// so adding a document flips extraction back to incomplete without any
// stage having run.
func (s *Store) Status(ctx context.Context, project string) (*ProjectStatus, error) {
	cfg, err := s.GetConfig(ctx, project)
	if err != nil {
		return nil, err
	}
	records, err := s.StageRecords(ctx, project)
	if err != nil {
		return nil, err
	}
	manifest, err := s.Manifest(ctx, project)
	if err != nil {
		return nil, err
	}

	docs, err := s.ListDocuments(ctx, project)
	if err != nil {
		return nil, err
	}
	extracted, err := s.backend.List(ctx, project, ExtractionPrefix)
	if err != nil {
		return nil, err
	}
	chunked, err := s.backend.List(ctx, project, ChunksPrefix)
	if err != nil {
		return nil, err
	}
	embedded, err := s.backend.List(ctx, project, EmbeddedPrefix)
	if err != nil {
		return nil, err
	}

	st := &ProjectStatus{
		Project:       project,
		DocumentCount: len(docs),
		Stages:        make(map[Stage]StageRecord, len(Order)),
	}

	st.Stages[StageDocuments] = StageRecord{
		Exists:   len(docs) > 0,
		Count:    len(docs),
		Complete: len(docs) > 0,
	}

	// Extraction: complete only when every currently known document has
	// a terminal manifest entry.
	extRec := records[StageExtraction]
	extRec.Exists = len(extracted) > 0 || extRec.Exists
	extRec.Count = countSuffix(extracted, ".md")
	if extRec.Complete {
		for _, d := range docs {
			entry, ok := manifest.Entries[d.Name]
			if !ok || !entry.Status.Terminal() {
				extRec.Complete = false
				break
			}
		}
	}
	st.Stages[StageExtraction] = extRec

	chunkRec := records[StageChunking]
	chunkRec.Exists = len(chunked) > 0 || chunkRec.Exists
	chunkRec.Count = countSuffix(chunked, ".json")
	if chunkRec.Complete && chunkRec.Count < extRec.Count {
		chunkRec.Complete = false
	}
	st.Stages[StageChunking] = chunkRec

	embRec := records[StageEmbedding]
	embRec.Exists = len(embedded) > 0 || embRec.Exists
	embRec.Count = countSuffix(embedded, ".json")
	if embRec.Complete && embRec.Count < chunkRec.Count {
		embRec.Complete = false
	}
	st.Stages[StageEmbedding] = embRec

	idxRec := records[StageIndex]
	idxRec.Exists = idxRec.Exists || cfg.Status.IsIndexed
	idxRec.Complete = idxRec.Complete && cfg.Status.IsIndexed
	st.Stages[StageIndex] = idxRec

	srcRec := records[StageSource]
	srcRec.Exists = srcRec.Exists || cfg.Status.HasSource
	srcRec.Complete = srcRec.Complete && cfg.Status.HasSource
	st.Stages[StageSource] = srcRec

	agRec := records[StageAgent]
	agRec.Exists = agRec.Exists || cfg.Status.HasAgent
	agRec.Complete = agRec.Complete && cfg.Status.HasAgent
	st.Stages[StageAgent] = agRec

	// A stage whose prerequisite artifacts were removed by a
	// non-cascaded rollback is flagged, not silently ignored.
	for _, stage := range []Stage{StageChunking, StageEmbedding, StageIndex} {
		prev := Prerequisite(stage)
		if st.Stages[stage].Exists && !st.Stages[prev].Exists {
			st.Warnings = append(st.Warnings, fmt.Sprintf(
				"stale_reference: %s artifacts exist but %s output was removed", stage, prev))
		}
	}

	return st, nil
}

func countSuffix(files []storage.FileInfo, suffix string) int {
	n := 0
	for _, f := range files {
		if strings.HasSuffix(f.Name, suffix) {
			n++
		}
	}
	return n
}

// ---- rollback support ----

// localArtifacts returns the storage prefixes and auxiliary files that
// make up a stage's local output.
func localArtifacts(stage Stage) (prefixes []string, aux []string) {
	switch stage {
	case StageExtraction:
		return []string{ExtractionPrefix}, []string{ManifestFile, InventoryFile}
	case StageChunking:
		return []string{ChunksPrefix}, nil
	case StageEmbedding:
		return []string{EmbeddedPrefix}, []string{UploadReport}
	default:
		return nil, nil
	}
}

// CountStageArtifacts returns how many local files a rollback of the
// stage would delete. Read-only; used by preview.
func (s *Store) CountStageArtifacts(ctx context.Context, project string, stage Stage) (int, error) {
	prefixes, aux := localArtifacts(stage)
	total := 0
	for _, p := range prefixes {
		files, err := s.backend.List(ctx, project, p)
		if err != nil {
			return 0, err
		}
		total += len(files)
	}
	for _, f := range aux {
		ok, err := s.backend.Exists(ctx, project, f)
		if err != nil {
			return 0, err
		}
		if ok {
			total++
		}
	}
	return total, nil
}

// ClearStage deletes a stage's local artifacts and drops its record.
// Partial failures are returned, never swallowed: the caller must be
// able to warn about files that could not be removed.
func (s *Store) ClearStage(ctx context.Context, project string, stage Stage) (deleted int, err error) {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	var errs []error
	prefixes, aux := localArtifacts(stage)
	for _, p := range prefixes {
		files, listErr := s.backend.List(ctx, project, p)
		if listErr != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", p, listErr))
			continue
		}
		for _, f := range files {
			if delErr := s.backend.Delete(ctx, project, f.Path); delErr != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", f.Path, delErr))
				continue
			}
			deleted++
		}
	}
	for _, f := range aux {
		ok, exErr := s.backend.Exists(ctx, project, f)
		if exErr != nil {
			errs = append(errs, exErr)
			continue
		}
		if !ok {
			continue
		}
		if delErr := s.backend.Delete(ctx, project, f); delErr != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", f, delErr))
			continue
		}
		deleted++
	}

	records, recErr := s.StageRecords(ctx, project)
	if recErr != nil {
		errs = append(errs, recErr)
	} else if _, ok := records[stage]; ok {
		delete(records, stage)
		if wErr := storage.WriteJSON(ctx, s.backend, project, StatusFile, records); wErr != nil {
			errs = append(errs, wErr)
		}
	}

	return deleted, errors.Join(errs...)
}
