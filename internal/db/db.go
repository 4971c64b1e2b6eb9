// Package db is the pipeline event log: an append-only audit of stage
// runs, rollbacks, and project lifecycle. Local installs use SQLite; a
// shared deployment can point the log at Postgres instead.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Config selects the event log backend.
type Config struct {
	Driver string `yaml:"driver"` // "sqlite3" (default) or "postgres"
	DSN    string `yaml:"dsn"`    // postgres connection string
	Path   string `yaml:"path"`   // sqlite file; default ~/.prism/prism.db
}

// DB wraps the event log connection.
type DB struct {
	conn   *sql.DB
	driver string
}

// Event is one logged pipeline event.
type Event struct {
	ID        int64     `json:"id"`
	Project   string    `json:"project"`
	Event     string    `json:"event"`
	Stage     string    `json:"stage,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultPath returns ~/.prism/prism.db, creating the directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".prism")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "prism.db"), nil
}

// Open opens the event log described by cfg and applies the schema.
func Open(cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}

	var conn *sql.DB
	var err error
	switch driver {
	case "sqlite3":
		path := cfg.Path
		if path == "" {
			path, err = DefaultPath()
			if err != nil {
				return nil, err
			}
		}
		conn, err = sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres event log requires a dsn")
		}
		conn, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", driver)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{conn: conn, driver: driver}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    project    TEXT NOT NULL,
    event      TEXT NOT NULL,
    stage      TEXT,
    task_id    TEXT,
    detail     TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_project ON pipeline_events(project, created_at DESC);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id         BIGSERIAL PRIMARY KEY,
    project    TEXT NOT NULL,
    event      TEXT NOT NULL,
    stage      TEXT,
    task_id    TEXT,
    detail     TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_project ON pipeline_events(project, created_at DESC);
`

func (d *DB) migrate() error {
	schema := sqliteSchema
	if d.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// placeholder rewrites ? placeholders for postgres.
func (d *DB) placeholder(query string) string {
	if d.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// LogEvent appends one event. Logging failures are returned so callers
// can decide whether the audit gap matters; most treat it best-effort.
func (d *DB) LogEvent(project, event, stage, taskID, detail string) error {
	_, err := d.conn.Exec(
		d.placeholder(`INSERT INTO pipeline_events (project, event, stage, task_id, detail) VALUES (?, ?, ?, ?, ?)`),
		project, event, stage, taskID, detail,
	)
	if err != nil {
		return fmt.Errorf("log event %q: %w", event, err)
	}
	return nil
}

// Events returns the most recent events for a project, newest first.
// An empty project returns events across all projects.
func (d *DB) Events(project string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, project, event, COALESCE(stage, ''), COALESCE(task_id, ''), COALESCE(detail, ''), created_at
	          FROM pipeline_events`
	args := []interface{}{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(d.placeholder(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created interface{}
		if err := rows.Scan(&e.ID, &e.Project, &e.Event, &e.Stage, &e.TaskID, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		switch v := created.(type) {
		case time.Time:
			e.CreatedAt = v
		case string:
			if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
				e.CreatedAt = t
			}
		case []byte:
			if t, err := time.Parse("2006-01-02 15:04:05", string(v)); err == nil {
				e.CreatedAt = t
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
