package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/chunk"
	"github.com/prism-rag/prism/internal/config"
	"github.com/prism-rag/prism/internal/db"
	"github.com/prism-rag/prism/internal/embed"
	"github.com/prism-rag/prism/internal/extract"
	"github.com/prism-rag/prism/internal/logging"
	"github.com/prism-rag/prism/internal/orchestrator"
	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/rollback"
	"github.com/prism-rag/prism/internal/search"
	"github.com/prism-rag/prism/internal/stage"
	"github.com/prism-rag/prism/internal/storage"
	"github.com/prism-rag/prism/internal/task"
)

// app wires the full dependency graph for one command invocation.
// Remote service clients are built only when configured; the engine
// rejects stages whose client is missing.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *pipeline.Store
	database *db.DB
	orc      *orchestrator.Orchestrator
	search   search.Client
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0])
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	backend, err := storage.New(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	store := pipeline.NewStore(backend)

	var extractor extract.Extractor
	if cfg.Extract.Endpoint != "" {
		extractor, err = extract.NewHTTP(cfg.Extract)
		if err != nil {
			return nil, err
		}
	}
	var embedder embed.Embedder
	if cfg.Embed.Endpoint != "" {
		embedder, err = embed.NewHTTP(cfg.Embed)
		if err != nil {
			return nil, err
		}
	}
	var searchClient search.Client
	if cfg.Search.Endpoint != "" {
		searchClient, err = search.NewHTTP(cfg.Search)
		if err != nil {
			return nil, err
		}
	}

	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	chunker := chunk.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	engine := stage.NewEngine(store, extractor, chunker, embedder, searchClient, log)
	rb := rollback.NewExecutor(store, searchClient, log)
	orc := orchestrator.New(store, engine, rb, task.NewTracker(), database, log)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		database: database,
		orc:      orc,
		search:   searchClient,
	}, nil
}

func (a *app) Close() {
	if a.database != nil {
		_ = a.database.Close()
	}
	_ = a.log.Sync()
}
