// Package extract defines the document extraction contract and its
// HTTP client. Extraction itself (OCR, PDF parsing, email conversion)
// runs in an external service: a document goes in, markdown comes out.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Document is one source file to extract.
type Document struct {
	Name    string
	Content []byte
}

// Extractor converts a source document to markdown.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (markdown string, err error)
}

// Config holds extraction service settings.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"` // default 5m
}

// HTTPExtractor calls the extraction service over REST.
type HTTPExtractor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates an HTTPExtractor from cfg.
func NewHTTP(cfg Config) (*HTTPExtractor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("extraction endpoint is required")
	}
	timeout := 5 * time.Minute
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse extraction timeout: %w", err)
		}
		timeout = d
	}
	return &HTTPExtractor{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type extractResponse struct {
	Markdown string `json:"markdown"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// Extract posts the document and returns its markdown rendition.
func (e *HTTPExtractor) Extract(ctx context.Context, doc Document) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/extract", bytes.NewReader(doc.Content))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", doc.Name)
	if e.apiKey != "" {
		req.Header.Set("api-key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode extraction response: %w", err)
	}
	if out.Status == "failed" {
		return "", fmt.Errorf("extraction failed for %s: %s", doc.Name, out.Error)
	}
	return out.Markdown, nil
}
