// Package chunk splits extracted markdown into overlapping chunks
// sized for embedding and retrieval.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk is one retrievable slice of a document.
type Chunk struct {
	ID         string `json:"chunk_id"`
	SourceFile string `json:"source_file"`
	Index      int    `json:"chunk_index"`
	Content    string `json:"content"`
}

// Chunker splits text on approximate character budgets, breaking at
// word boundaries, with overlap between consecutive chunks.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. Non-positive arguments fall back to defaults
// (1500 characters, 200 overlap).
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1500
	}
	if overlap < 0 || overlap >= size {
		overlap = 200
		if overlap >= size {
			overlap = size / 4
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks markdown belonging to sourceFile.
func (c *Chunker) Split(sourceFile, markdown string) []Chunk {
	content := strings.TrimSpace(markdown)
	if content == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	index := 0
	for start < len(content) {
		end := start + c.size
		if end > len(content) {
			end = len(content)
		}
		if end < len(content) {
			if lastSpace := strings.LastIndexAny(content[start:end], " \n"); lastSpace > 0 {
				end = start + lastSpace
			}
		}

		piece := strings.TrimSpace(content[start:end])
		if piece != "" {
			chunks = append(chunks, Chunk{
				ID:         fmt.Sprintf("%s-%d", strings.TrimSuffix(sourceFile, ".md"), index),
				SourceFile: sourceFile,
				Index:      index,
				Content:    piece,
			})
			index++
		}
		if end == len(content) {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
