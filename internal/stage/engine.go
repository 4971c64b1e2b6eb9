// Package stage executes exactly one pipeline stage for one project:
// it resolves the work set from the previous stage's artifacts, skips
// items that are already done, calls the external capability per item,
// and writes results plus the stage record back to the store.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/chunk"
	"github.com/prism-rag/prism/internal/embed"
	"github.com/prism-rag/prism/internal/extract"
	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/search"
	"github.com/prism-rag/prism/internal/storage"
)

// ProgressFunc receives per-item progress during a run.
type ProgressFunc func(current, total int, message string)

// Engine runs pipeline stages.
type Engine struct {
	store     *pipeline.Store
	extractor extract.Extractor
	chunker   *chunk.Chunker
	embedder  embed.Embedder
	search    search.Client
	log       *zap.Logger
	retry     retryPolicy
}

// NewEngine creates an Engine.
func NewEngine(
	store *pipeline.Store,
	extractor extract.Extractor,
	chunker *chunk.Chunker,
	embedder embed.Embedder,
	searchClient search.Client,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:     store,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		search:    searchClient,
		log:       log,
		retry:     defaultRetryPolicy(),
	}
}

// SetRetry overrides the retry policy (for testing).
func (e *Engine) SetRetry(maxRetries uint64, maxInterval time.Duration) {
	e.retry = retryPolicy{maxRetries: maxRetries, maxInterval: maxInterval}
}

// RunOpts configures a stage run.
type RunOpts struct {
	Project  string
	Stage    pipeline.Stage
	Force    bool // reprocess items that are already done
	Progress ProgressFunc
}

// RunResult captures the outcome of a stage run. A run with per-item
// failures still succeeds as a whole; the failures are listed here.
type RunResult struct {
	Project    string               `json:"project"`
	Stage      pipeline.Stage       `json:"stage"`
	Processed  int                  `json:"processed"`
	Skipped    int                  `json:"skipped"`
	Failed     int                  `json:"failed"`
	Count      int                  `json:"count"`    // items recorded for the stage
	Complete   bool                 `json:"complete"` // every known input covered without failure
	ItemErrors []pipeline.ItemError `json:"item_errors,omitempty"`
	Duration   time.Duration        `json:"duration"`
}

// Run executes one stage. Preconditions are checked against the
// dependency graph before any work starts.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	start := time.Now()
	if !pipeline.IsRunnable(opts.Stage) {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage, pipeline.ErrNotFound)
	}
	if opts.Progress == nil {
		opts.Progress = func(int, int, string) {}
	}

	if err := e.checkConfigured(opts.Stage); err != nil {
		return nil, err
	}

	status, err := e.store.Status(ctx, opts.Project)
	if err != nil {
		return nil, err
	}
	if err := checkPrerequisite(opts.Stage, status); err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("project", opts.Project), zap.String("stage", string(opts.Stage)))
	log.Info("stage run starting", zap.Bool("force", opts.Force))

	result := &RunResult{Project: opts.Project, Stage: opts.Stage}
	switch opts.Stage {
	case pipeline.StageExtraction:
		err = e.runExtraction(ctx, opts, result, log)
	case pipeline.StageChunking:
		err = e.runChunking(ctx, opts, result, log)
	case pipeline.StageEmbedding:
		err = e.runEmbedding(ctx, opts, result, log)
	case pipeline.StageIndex:
		err = e.runIndex(ctx, opts, result, log)
	case pipeline.StageSource:
		err = e.runSource(ctx, opts, result)
	case pipeline.StageAgent:
		err = e.runAgent(ctx, opts, result)
	}
	result.Duration = time.Since(start)
	if err != nil {
		log.Error("stage run failed", zap.Error(err), zap.Duration("duration", result.Duration))
		return nil, err
	}

	log.Info("stage run finished",
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Bool("complete", result.Complete),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// checkConfigured rejects stages whose external service has no client,
// before any state is touched.
func (e *Engine) checkConfigured(stage pipeline.Stage) error {
	switch stage {
	case pipeline.StageExtraction:
		if e.extractor == nil {
			return fmt.Errorf("extraction service is not configured")
		}
	case pipeline.StageEmbedding:
		if e.embedder == nil {
			return fmt.Errorf("embedding service is not configured")
		}
	case pipeline.StageIndex, pipeline.StageSource, pipeline.StageAgent:
		if e.search == nil {
			return fmt.Errorf("search service is not configured")
		}
	}
	return nil
}

// checkPrerequisite enforces the dependency graph. Embedding may resume
// over a partially chunked project, so it only needs chunking to exist;
// every other stage needs its immediate prerequisite complete.
func checkPrerequisite(stage pipeline.Stage, status *pipeline.ProjectStatus) error {
	prev := pipeline.Prerequisite(stage)
	rec := status.Stages[prev]
	switch stage {
	case pipeline.StageEmbedding:
		if !rec.Exists {
			return fmt.Errorf("stage %s requires %s output: %w", stage, prev, pipeline.ErrPrerequisiteNotMet)
		}
	default:
		if !rec.Complete {
			return fmt.Errorf("stage %s requires %s to be complete: %w", stage, prev, pipeline.ErrPrerequisiteNotMet)
		}
	}
	return nil
}

// recordItemFailure tracks a per-item failure without aborting the batch.
func (r *RunResult) recordItemFailure(item string, err error) {
	r.Failed++
	r.ItemErrors = append(r.ItemErrors, pipeline.ItemError{Item: item, Err: err.Error()})
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// markdownName maps a source document to its extraction output file.
func markdownName(doc string) string {
	return strings.TrimSuffix(doc, path.Ext(doc)) + ".md"
}

// ---- extraction ----

func (e *Engine) runExtraction(ctx context.Context, opts RunOpts, result *RunResult, log *zap.Logger) error {
	backend := e.store.Backend()
	docs, err := e.store.ListDocuments(ctx, opts.Project)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("project %s has no documents: %w", opts.Project, pipeline.ErrNoInput)
	}
	manifest, err := e.store.Manifest(ctx, opts.Project)
	if err != nil {
		return err
	}

	total := len(docs)
	for i, doc := range docs {
		opts.Progress(i+1, total, fmt.Sprintf("Extracting %s (%d/%d)", doc.Name, i+1, total))

		content, err := backend.Read(ctx, opts.Project, doc.Path)
		if err != nil {
			result.recordItemFailure(doc.Name, err)
			_ = e.store.MarkExtraction(ctx, opts.Project, doc.Name, pipeline.ExtractionFailed, "", err.Error())
			continue
		}
		hash := hashBytes(content)

		// The skip decision is per item: an already-extracted document
		// with an unchanged content hash is not reprocessed.
		if !opts.Force {
			if entry, ok := manifest.Entries[doc.Name]; ok &&
				entry.Status == pipeline.ExtractionExtracted && entry.ContentHash == hash {
				result.Skipped++
				continue
			}
		}

		var markdown string
		extractErr := e.retry.retry(ctx, func() error {
			var err error
			markdown, err = e.extractor.Extract(ctx, extract.Document{Name: doc.Name, Content: content})
			return err
		})
		if extractErr != nil {
			if result.Processed == 0 && result.Failed == 0 && isSystemic(extractErr) {
				return &pipeline.SystemicError{Stage: opts.Stage, Err: extractErr}
			}
			log.Warn("extraction failed", zap.String("document", doc.Name), zap.Error(extractErr))
			result.recordItemFailure(doc.Name, extractErr)
			if err := e.store.MarkExtraction(ctx, opts.Project, doc.Name, pipeline.ExtractionFailed, hash, extractErr.Error()); err != nil {
				return err
			}
			continue
		}

		outPath := pipeline.ExtractionPrefix + "/" + markdownName(doc.Name)
		if err := backend.Write(ctx, opts.Project, outPath, []byte(markdown)); err != nil {
			result.recordItemFailure(doc.Name, err)
			continue
		}
		if err := e.store.MarkExtraction(ctx, opts.Project, doc.Name, pipeline.ExtractionExtracted, hash, ""); err != nil {
			return err
		}
		result.Processed++
	}

	if err := e.writeInventory(ctx, opts.Project); err != nil {
		log.Warn("deduplication inventory failed", zap.Error(err))
	}

	extracted, err := backend.List(ctx, opts.Project, pipeline.ExtractionPrefix)
	if err != nil {
		return err
	}
	result.Count = len(extracted)
	result.Complete = result.Failed == 0 && result.Processed+result.Skipped == total
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, result.Count, result.Complete)
}

// inventory groups extracted documents by markdown content hash so
// duplicates are carried once into chunking.
type inventory struct {
	GeneratedAt string              `json:"generated_at"`
	Documents   int                 `json:"documents"`
	Duplicates  map[string][]string `json:"duplicates,omitempty"` // hash -> non-canonical files
	Canonical   map[string]string   `json:"canonical"`            // hash -> canonical file
}

func (e *Engine) writeInventory(ctx context.Context, project string) error {
	backend := e.store.Backend()
	files, err := backend.List(ctx, project, pipeline.ExtractionPrefix)
	if err != nil {
		return err
	}

	inv := inventory{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Documents:   len(files),
		Duplicates:  make(map[string][]string),
		Canonical:   make(map[string]string),
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name, ".md") {
			continue
		}
		content, err := backend.Read(ctx, project, f.Path)
		if err != nil {
			return err
		}
		h := hashBytes(content)
		if _, ok := inv.Canonical[h]; ok {
			inv.Duplicates[h] = append(inv.Duplicates[h], f.Name)
			continue
		}
		inv.Canonical[h] = f.Name
	}
	return storage.WriteJSON(ctx, backend, project, pipeline.InventoryFile, inv)
}

// ---- chunking ----

// chunkFile is the persisted output of chunking one document.
type chunkFile struct {
	SourceFile string        `json:"source_file"`
	Chunks     []chunk.Chunk `json:"chunks"`
}

func (e *Engine) runChunking(ctx context.Context, opts RunOpts, result *RunResult, log *zap.Logger) error {
	backend := e.store.Backend()
	inputs, err := backend.List(ctx, opts.Project, pipeline.ExtractionPrefix)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no extraction output to chunk: %w", pipeline.ErrNoInput)
	}

	total := len(inputs)
	for i, in := range inputs {
		if !strings.HasSuffix(in.Name, ".md") {
			result.Skipped++
			continue
		}
		opts.Progress(i+1, total, fmt.Sprintf("Chunking %s (%d/%d)", in.Name, i+1, total))

		outPath := pipeline.ChunksPrefix + "/" + strings.TrimSuffix(in.Name, ".md") + ".json"
		if !opts.Force {
			exists, err := backend.Exists(ctx, opts.Project, outPath)
			if err != nil {
				return err
			}
			if exists {
				result.Skipped++
				continue
			}
		}

		content, err := backend.Read(ctx, opts.Project, in.Path)
		if err != nil {
			result.recordItemFailure(in.Name, err)
			continue
		}
		chunks := e.chunker.Split(in.Name, string(content))
		out := chunkFile{SourceFile: in.Name, Chunks: chunks}
		if err := storage.WriteJSON(ctx, backend, opts.Project, outPath, out); err != nil {
			result.recordItemFailure(in.Name, err)
			continue
		}
		result.Processed++
	}

	files, err := backend.List(ctx, opts.Project, pipeline.ChunksPrefix)
	if err != nil {
		return err
	}
	result.Count = len(files)
	result.Complete = result.Failed == 0
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, result.Count, result.Complete)
}

// ---- embedding ----

// embeddedFile is the persisted output of embedding one chunk file.
type embeddedFile struct {
	SourceFile string            `json:"source_file"`
	Documents  []search.Document `json:"documents"`
}

func (e *Engine) runEmbedding(ctx context.Context, opts RunOpts, result *RunResult, log *zap.Logger) error {
	backend := e.store.Backend()
	inputs, err := backend.List(ctx, opts.Project, pipeline.ChunksPrefix)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no chunked documents to embed: %w", pipeline.ErrNoInput)
	}

	total := len(inputs)
	for i, in := range inputs {
		opts.Progress(i+1, total, fmt.Sprintf("Embedding %s (%d/%d)", in.Name, i+1, total))

		outPath := pipeline.EmbeddedPrefix + "/" + in.Name
		if !opts.Force {
			exists, err := backend.Exists(ctx, opts.Project, outPath)
			if err != nil {
				return err
			}
			if exists {
				result.Skipped++
				continue
			}
		}

		var cf chunkFile
		if err := storage.ReadJSON(ctx, backend, opts.Project, in.Path, &cf); err != nil {
			result.recordItemFailure(in.Name, err)
			continue
		}
		texts := make([]string, len(cf.Chunks))
		for j, c := range cf.Chunks {
			texts[j] = c.Content
		}

		var vectors [][]float32
		embedErr := e.retry.retry(ctx, func() error {
			var err error
			vectors, err = e.embedder.EmbedBatch(ctx, texts)
			return err
		})
		if embedErr != nil {
			if result.Processed == 0 && result.Failed == 0 && isSystemic(embedErr) {
				return &pipeline.SystemicError{Stage: opts.Stage, Err: embedErr}
			}
			log.Warn("embedding failed", zap.String("file", in.Name), zap.Error(embedErr))
			result.recordItemFailure(in.Name, embedErr)
			continue
		}

		out := embeddedFile{SourceFile: cf.SourceFile, Documents: make([]search.Document, len(cf.Chunks))}
		for j, c := range cf.Chunks {
			out.Documents[j] = search.Document{
				ChunkID:       c.ID,
				Content:       c.Content,
				ContentVector: vectors[j],
				SourceFile:    c.SourceFile,
				ChunkIndex:    c.Index,
			}
		}
		if err := storage.WriteJSON(ctx, backend, opts.Project, outPath, out); err != nil {
			result.recordItemFailure(in.Name, err)
			continue
		}
		result.Processed++
	}

	files, err := backend.List(ctx, opts.Project, pipeline.EmbeddedPrefix)
	if err != nil {
		return err
	}
	result.Count = len(files)
	result.Complete = result.Failed == 0 && result.Processed+result.Skipped == total
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, result.Count, result.Complete)
}

// ---- index ----

func (e *Engine) runIndex(ctx context.Context, opts RunOpts, result *RunResult, log *zap.Logger) error {
	backend := e.store.Backend()
	inputs, err := backend.List(ctx, opts.Project, pipeline.EmbeddedPrefix)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no embedded documents to index: %w", pipeline.ErrNoInput)
	}

	var indexName string
	createErr := e.retry.retry(ctx, func() error {
		var err error
		indexName, err = e.search.CreateIndex(ctx, opts.Project)
		return err
	})
	if createErr != nil {
		return &pipeline.SystemicError{Stage: opts.Stage, Err: createErr}
	}

	uploaded := 0
	total := len(inputs)
	for i, in := range inputs {
		opts.Progress(i+1, total, fmt.Sprintf("Uploading %s (%d/%d)", in.Name, i+1, total))

		var ef embeddedFile
		if err := storage.ReadJSON(ctx, backend, opts.Project, in.Path, &ef); err != nil {
			result.recordItemFailure(in.Name, err)
			continue
		}
		uploadErr := e.retry.retry(ctx, func() error {
			return e.search.UploadDocuments(ctx, opts.Project, ef.Documents)
		})
		if uploadErr != nil {
			log.Warn("upload failed", zap.String("file", in.Name), zap.Error(uploadErr))
			result.recordItemFailure(in.Name, uploadErr)
			continue
		}
		uploaded += len(ef.Documents)
		result.Processed++
	}

	report := map[string]interface{}{
		"index":       indexName,
		"uploaded":    uploaded,
		"failed":      result.Failed,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := storage.WriteJSON(ctx, backend, opts.Project, pipeline.UploadReport, report); err != nil {
		log.Warn("upload report write failed", zap.Error(err))
	}

	if err := e.store.UpdateRemoteStatus(ctx, opts.Project, func(rs *pipeline.RemoteStatus) {
		rs.IsIndexed = true
		rs.IndexName = indexName
	}); err != nil {
		return err
	}

	result.Count = uploaded
	result.Complete = result.Failed == 0
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, result.Count, result.Complete)
}

// ---- source / agent ----

func (e *Engine) runSource(ctx context.Context, opts RunOpts, result *RunResult) error {
	opts.Progress(1, 1, "Creating knowledge source")
	var name string
	err := e.retry.retry(ctx, func() error {
		var err error
		name, err = e.search.CreateSource(ctx, opts.Project)
		return err
	})
	if err != nil {
		return &pipeline.SystemicError{Stage: opts.Stage, Err: err}
	}
	if err := e.store.UpdateRemoteStatus(ctx, opts.Project, func(rs *pipeline.RemoteStatus) {
		rs.HasSource = true
		rs.SourceName = name
	}); err != nil {
		return err
	}
	result.Processed = 1
	result.Count = 1
	result.Complete = true
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, 1, true)
}

func (e *Engine) runAgent(ctx context.Context, opts RunOpts, result *RunResult) error {
	opts.Progress(1, 1, "Creating knowledge agent")
	var name string
	err := e.retry.retry(ctx, func() error {
		var err error
		name, err = e.search.CreateAgent(ctx, opts.Project)
		return err
	})
	if err != nil {
		return &pipeline.SystemicError{Stage: opts.Stage, Err: err}
	}
	if err := e.store.UpdateRemoteStatus(ctx, opts.Project, func(rs *pipeline.RemoteStatus) {
		rs.HasAgent = true
		rs.AgentName = name
	}); err != nil {
		return err
	}
	result.Processed = 1
	result.Count = 1
	result.Complete = true
	return e.store.RecordStageOutput(ctx, opts.Project, opts.Stage, 1, true)
}
