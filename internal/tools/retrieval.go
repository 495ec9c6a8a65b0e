package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/koopa0/relay/internal/knowledge"
)

// Retrieval defaults, overridable per bot via the tool config map.
const (
	// DefaultTopK is the number of chunks returned per search.
	DefaultTopK = 5

	// MaxTopK bounds the per-bot top_k override.
	MaxTopK = 10

	// previewLength caps the content excerpt per result block.
	previewLength = 500

	// NoResultsMessage is returned as a successful result when the
	// collection has no matching chunks. An empty index must not fail
	// the conversation turn.
	NoResultsMessage = "No relevant documents found for your query."
)

// Collections searched by the two retrieval variants.
const (
	SharePointCollection = "sharepoint_docs"
	BoxCollection        = "box_docs"
)

// Searcher is the slice of the knowledge store the retrieval adapter needs.
type Searcher interface {
	Search(ctx context.Context, collection, query string, topK int) ([]knowledge.Chunk, error)
}

// Retrieval performs k-nearest-neighbor search over one document collection.
// The SharePoint and Box variants differ only in kind and collection.
type Retrieval struct {
	name       string
	kind       Kind
	collection string
	store      Searcher
	topK       int
	logger     *slog.Logger
}

// NewRetrieval creates a retrieval adapter for the given kind. cfg is the
// bot's opaque tool config map; recognized key: top_k (int, default 5,
// capped at MaxTopK). store may be nil, in which case the adapter fails
// closed at execution time.
func NewRetrieval(name string, kind Kind, store Searcher, cfg map[string]any, logger *slog.Logger) *Retrieval {
	if logger == nil {
		logger = slog.Default()
	}

	topK := configInt(cfg, "top_k", DefaultTopK)
	if topK < 1 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	collection := SharePointCollection
	if kind == KindBoxSearch {
		collection = BoxCollection
	}

	return &Retrieval{
		name:       name,
		kind:       kind,
		collection: collection,
		store:      store,
		topK:       topK,
		logger:     logger,
	}
}

func (t *Retrieval) Name() string { return t.name }
func (t *Retrieval) Kind() Kind   { return t.kind }

func (t *Retrieval) Description() string {
	source := "SharePoint"
	if t.kind == KindBoxSearch {
		source = "Box"
	}
	return fmt.Sprintf("Search indexed %s documents using semantic similarity. "+
		"Input is a natural-language query; output is the most relevant document "+
		"excerpts with relevance scores and sources.", source)
}

// ValidateConfig reports whether the adapter can serve searches.
func (t *Retrieval) ValidateConfig() error {
	if t.store == nil {
		return fmt.Errorf("retrieval tool %q: knowledge store not configured", t.name)
	}
	return nil
}

// Execute searches the adapter's collection. An empty result is a success
// with an explicit no-results message.
func (t *Retrieval) Execute(ctx context.Context, query string, _ map[string]any) Result {
	if t.store == nil {
		return Failure("retrieval tool %q is not available: vector store failed to initialize", t.name)
	}

	hits, err := t.store.Search(ctx, t.collection, query, t.topK)
	if err != nil {
		return Failure("search failed: %v", err)
	}

	if len(hits) == 0 {
		return Result{
			Success:  true,
			Data:     NoResultsMessage,
			Metadata: map[string]any{"results": 0, "collection": t.collection},
		}
	}

	var sb strings.Builder
	for i, hit := range hits {
		relevance := (1 - hit.Distance) * 100
		fmt.Fprintf(&sb, "**Result %d** (Relevance: %.2f%%)\n", i+1, relevance)
		if hit.Source != "" {
			fmt.Fprintf(&sb, "Source: %s\n", hit.Source)
		}
		sb.WriteString(preview(hit.Content))
		sb.WriteString("\n\n")
	}

	t.logger.Debug("retrieval tool executed",
		"tool", t.name, "collection", t.collection, "results", len(hits))
	return Result{
		Success:  true,
		Data:     strings.TrimRight(sb.String(), "\n"),
		Metadata: map[string]any{"results": len(hits), "collection": t.collection},
	}
}

// preview truncates content to previewLength runes.
func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}
