// Package knowledge stores and searches pre-ingested document chunks using
// PostgreSQL + pgvector. Chunks are scoped to named collections; the
// retrieval tools each search one collection.
package knowledge

import (
	"time"
)

// Chunking parameters for document ingestion.
const (
	// ChunkSize is the target chunk length in runes.
	ChunkSize = 1000

	// ChunkOverlap is the number of trailing runes repeated at the start
	// of the next chunk so sentences split across a boundary stay findable.
	ChunkOverlap = 200
)

// Document is one ingestable unit of source material.
type Document struct {
	ID         string
	Collection string
	Content    string
	Source     string
	Metadata   map[string]any
}

// Chunk is a search hit: one stored chunk plus its cosine distance to the
// query embedding. Relevance for display is 1 - Distance.
type Chunk struct {
	ID        string
	Content   string
	Source    string
	Metadata  map[string]any
	Distance  float64
	CreatedAt time.Time
}

// splitText splits content into chunks of at most size runes with the given
// overlap between consecutive chunks.
func splitText(content string, size, overlap int) []string {
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{content}
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
