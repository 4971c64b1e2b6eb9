package config

import (
	"fmt"

	"github.com/prism-rag/prism/internal/storage"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	switch cfg.Storage.Kind {
	case storage.KindLocal:
		if cfg.Storage.Root == "" {
			errs = append(errs, ValidationError{Field: "storage.root", Message: "is required for local storage"})
		}
	case storage.KindMinio:
		if cfg.Storage.Endpoint == "" {
			errs = append(errs, ValidationError{Field: "storage.endpoint", Message: "is required for minio storage"})
		}
		if cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "" {
			errs = append(errs, ValidationError{Field: "storage.access_key", Message: "access_key and secret_key are required for minio storage"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.kind",
			Message: fmt.Sprintf("unrecognized storage kind %q", cfg.Storage.Kind),
		})
	}

	if cfg.Chunking.Size <= 0 {
		errs = append(errs, ValidationError{Field: "chunking.size", Message: "must be positive"})
	}
	if cfg.Chunking.Overlap < 0 {
		errs = append(errs, ValidationError{Field: "chunking.overlap", Message: "must not be negative"})
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.Size && cfg.Chunking.Size > 0 {
		errs = append(errs, ValidationError{
			Field:   "chunking.overlap",
			Message: fmt.Sprintf("overlap %d must be smaller than chunk size %d", cfg.Chunking.Overlap, cfg.Chunking.Size),
		})
	}

	if cfg.Embed.Dimensions != 0 && cfg.Search.Dimensions != 0 &&
		cfg.Embed.Dimensions != cfg.Search.Dimensions {
		errs = append(errs, ValidationError{
			Field:   "search.dimensions",
			Message: fmt.Sprintf("index dimensions %d do not match embedding dimensions %d", cfg.Search.Dimensions, cfg.Embed.Dimensions),
		})
	}

	if !recognizedLogLevels[cfg.Logging.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unrecognized level %q", cfg.Logging.Level),
		})
	}

	switch cfg.Database.Driver {
	case "", "sqlite3":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, ValidationError{Field: "database.dsn", Message: "is required for the postgres driver"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unrecognized driver %q", cfg.Database.Driver),
		})
	}

	return errs
}

// ValidateRemote reports the extra fields remote stages need. Split out
// so purely local commands (status, preview) work without a configured
// search service.
func ValidateRemote(cfg *Config) []ValidationError {
	var errs []ValidationError
	if cfg.Extract.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "extract.endpoint", Message: "is required to run extraction"})
	}
	if cfg.Embed.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "embed.endpoint", Message: "is required to run embedding"})
	}
	if cfg.Search.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "search.endpoint", Message: "is required to run index, source, or agent stages"})
	}
	return errs
}
