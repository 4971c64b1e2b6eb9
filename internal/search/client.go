// Package search wraps the managed search service's resource
// lifecycle: index, knowledge source, and knowledge agent. Query
// planning and ranking happen inside the service; this client only
// creates, fills, and deletes resources.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Document is one chunk uploaded to the index.
type Document struct {
	ChunkID       string    `json:"chunk_id"`
	Content       string    `json:"content"`
	ContentVector []float32 `json:"content_vector"`
	SourceFile    string    `json:"source_file"`
	ChunkIndex    int       `json:"chunk_index"`
}

// Client is the remote resource lifecycle contract consumed by the
// stage engine and the rollback executor.
type Client interface {
	CreateIndex(ctx context.Context, project string) (name string, err error)
	DeleteIndex(ctx context.Context, project string) error
	IndexExists(ctx context.Context, project string) (bool, error)
	UploadDocuments(ctx context.Context, project string, docs []Document) error

	CreateSource(ctx context.Context, project string) (name string, err error)
	DeleteSource(ctx context.Context, project string) error

	CreateAgent(ctx context.Context, project string) (name string, err error)
	DeleteAgent(ctx context.Context, project string) error

	// IndexName and friends report the deterministic resource names
	// without touching the service. Used by rollback previews.
	IndexName(project string) string
	SourceName(project string) string
	AgentName(project string) string
}

// Config holds search service settings.
type Config struct {
	Endpoint   string `yaml:"endpoint"`
	AdminKey   string `yaml:"admin_key"`
	Prefix     string `yaml:"prefix"`      // resource name prefix, default "prism"
	Dimensions int    `yaml:"dimensions"`  // vector dimensions, default 1024
	Timeout    string `yaml:"timeout"`     // default 1m
	UploadSize int    `yaml:"upload_size"` // docs per upload batch, default 100
}

// HTTPClient talks to the search service's management REST API.
type HTTPClient struct {
	endpoint   string
	adminKey   string
	prefix     string
	dimensions int
	uploadSize int
	client     *http.Client
}

// NewHTTP creates an HTTPClient from cfg.
func NewHTTP(cfg Config) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search endpoint is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "prism"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}
	timeout := time.Minute
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse search timeout: %w", err)
		}
		timeout = d
	}
	uploadSize := cfg.UploadSize
	if uploadSize <= 0 {
		uploadSize = 100
	}
	return &HTTPClient{
		endpoint:   cfg.Endpoint,
		adminKey:   cfg.AdminKey,
		prefix:     prefix,
		dimensions: dims,
		uploadSize: uploadSize,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) IndexName(project string) string {
	return fmt.Sprintf("%s-%s-index", c.prefix, project)
}

func (c *HTTPClient) SourceName(project string) string {
	return c.IndexName(project) + "-source"
}

func (c *HTTPClient) AgentName(project string) string {
	return c.IndexName(project) + "-agent"
}

// indexSchema is the hybrid-search index definition: keyword-searchable
// content plus a vector field.
func (c *HTTPClient) indexSchema(name string) map[string]interface{} {
	return map[string]interface{}{
		"name": name,
		"fields": []map[string]interface{}{
			{"name": "chunk_id", "type": "string", "key": true},
			{"name": "content", "type": "string", "searchable": true},
			{"name": "content_vector", "type": "vector", "dimensions": c.dimensions},
			{"name": "source_file", "type": "string", "filterable": true},
			{"name": "chunk_index", "type": "int", "sortable": true},
		},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("api-key", c.adminKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call search service: %w", err)
	}
	return resp, nil
}

// checkStatus drains and closes the body, returning an error for
// non-2xx responses with the service's message attached.
func checkStatus(resp *http.Response, op string) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: search service returned %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
}

func (c *HTTPClient) CreateIndex(ctx context.Context, project string) (string, error) {
	name := c.IndexName(project)
	resp, err := c.do(ctx, http.MethodPut, "/indexes/"+name, c.indexSchema(name))
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp, "create index "+name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *HTTPClient) DeleteIndex(ctx context.Context, project string) error {
	name := c.IndexName(project)
	resp, err := c.do(ctx, http.MethodDelete, "/indexes/"+name, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil // already gone
	}
	return checkStatus(resp, "delete index "+name)
}

func (c *HTTPClient) IndexExists(ctx context.Context, project string) (bool, error) {
	name := c.IndexName(project)
	resp, err := c.do(ctx, http.MethodGet, "/indexes/"+name, nil)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return false, nil
	}
	return true, checkStatus(resp, "get index "+name)
}

func (c *HTTPClient) UploadDocuments(ctx context.Context, project string, docs []Document) error {
	name := c.IndexName(project)
	for start := 0; start < len(docs); start += c.uploadSize {
		end := start + c.uploadSize
		if end > len(docs) {
			end = len(docs)
		}
		resp, err := c.do(ctx, http.MethodPost, "/indexes/"+name+"/docs", map[string]interface{}{
			"documents": docs[start:end],
		})
		if err != nil {
			return err
		}
		if err := checkStatus(resp, fmt.Sprintf("upload docs %d-%d to %s", start, end, name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) CreateSource(ctx context.Context, project string) (string, error) {
	name := c.SourceName(project)
	resp, err := c.do(ctx, http.MethodPut, "/knowledge-sources/"+name, map[string]interface{}{
		"name":  name,
		"index": c.IndexName(project),
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp, "create knowledge source "+name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *HTTPClient) DeleteSource(ctx context.Context, project string) error {
	name := c.SourceName(project)
	resp, err := c.do(ctx, http.MethodDelete, "/knowledge-sources/"+name, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	return checkStatus(resp, "delete knowledge source "+name)
}

func (c *HTTPClient) CreateAgent(ctx context.Context, project string) (string, error) {
	name := c.AgentName(project)
	resp, err := c.do(ctx, http.MethodPut, "/knowledge-agents/"+name, map[string]interface{}{
		"name":   name,
		"source": c.SourceName(project),
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp, "create knowledge agent "+name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *HTTPClient) DeleteAgent(ctx context.Context, project string) error {
	name := c.AgentName(project)
	resp, err := c.do(ctx, http.MethodDelete, "/knowledge-agents/"+name, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	return checkStatus(resp, "delete knowledge agent "+name)
}
