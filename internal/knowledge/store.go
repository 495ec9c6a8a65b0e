package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store manages document chunks with vector search.
// Safe for concurrent use; the embedder and pool are shared process-wide.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a Store. Both pool and embedder are required.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// Add embeds one document chunk and upserts it.
func (s *Store) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.Collection == "" {
		return errors.New("document id and collection are required")
	}

	vec, err := s.embedText(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata for %q: %w", doc.ID, err)
	}
	if doc.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO document_chunks (id, collection, content, source, metadata, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   collection = EXCLUDED.collection,
		   content    = EXCLUDED.content,
		   source     = EXCLUDED.source,
		   metadata   = EXCLUDED.metadata,
		   embedding  = EXCLUDED.embedding`,
		doc.ID, doc.Collection, doc.Content, doc.Source, meta, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("upserting chunk %q: %w", doc.ID, err)
	}
	return nil
}

// Ingest splits content into overlapping chunks and stores each one.
// Chunk IDs are "{docID}_{i}". Returns the number of chunks stored.
func (s *Store) Ingest(ctx context.Context, collection, docID, source, content string, metadata map[string]any) (int, error) {
	chunks := splitText(content, ChunkSize, ChunkOverlap)
	for i, chunk := range chunks {
		doc := Document{
			ID:         fmt.Sprintf("%s_%d", docID, i),
			Collection: collection,
			Content:    chunk,
			Source:     source,
			Metadata:   metadata,
		}
		if err := s.Add(ctx, doc); err != nil {
			return i, err
		}
	}
	s.logger.Debug("ingested document", "collection", collection, "doc", docID, "chunks", len(chunks))
	return len(chunks), nil
}

// Search embeds the query and returns the topK nearest chunks in the given
// collection, ordered by ascending cosine distance. An empty or unknown
// collection yields an empty result, not an error.
func (s *Store) Search(ctx context.Context, collection, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = 5
	}

	vec, err := s.embedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, source, metadata, embedding <=> $1 AS distance, created_at
		 FROM document_chunks
		 WHERE collection = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(vec), collection, topK)
	if err != nil {
		return nil, fmt.Errorf("searching collection %q: %w", collection, err)
	}
	defer rows.Close()

	var hits []Chunk
	for rows.Next() {
		var c Chunk
		var meta []byte
		if err := rows.Scan(&c.ID, &c.Content, &c.Source, &meta, &c.Distance, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decoding chunk metadata: %w", err)
			}
		}
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}
	return hits, nil
}

// embedText generates the embedding vector for a single text.
func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, errors.New("embedder returned no embedding")
	}
	return resp.Embeddings[0].Embedding, nil
}
