package config

import (
	"github.com/prism-rag/prism/internal/db"
	"github.com/prism-rag/prism/internal/embed"
	"github.com/prism-rag/prism/internal/extract"
	"github.com/prism-rag/prism/internal/logging"
	"github.com/prism-rag/prism/internal/search"
	"github.com/prism-rag/prism/internal/storage"
)

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Storage  storage.Config `yaml:"storage"`
	Extract  extract.Config `yaml:"extract"`
	Embed    embed.Config   `yaml:"embed"`
	Search   search.Config  `yaml:"search"`
	Chunking Chunking       `yaml:"chunking"`
	Logging  logging.Config `yaml:"logging"`
	Database db.Config      `yaml:"database"`
	Web      Web            `yaml:"web"`
}

// Chunking controls how extracted markdown is split before embedding.
type Chunking struct {
	Size    int `yaml:"size"`    // target characters per chunk
	Overlap int `yaml:"overlap"` // characters carried over between chunks
}

// Web configures the HTTP API server started by `prism serve`.
type Web struct {
	Addr string `yaml:"addr"`
}
