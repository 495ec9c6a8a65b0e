package tools

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/relay/internal/session"
)

// Registry resolves per-bot tool configurations into adapter instances.
// The heavyweight dependencies (database pool, knowledge store) are
// process-wide and shared; adapters themselves are cheap per-request
// structs carrying the bot's configuration.
type Registry struct {
	pool   *pgxpool.Pool
	store  Searcher
	genkit *genkit.Genkit
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]declaredTool
}

// declaredTool records the genkit definition for a tool name along with
// the kind that declared it, so conflicting reuse can be reported.
type declaredTool struct {
	tool ai.Tool
	kind Kind
}

// NewRegistry creates a Registry. pool and store may be nil when the
// corresponding backends are unavailable; affected adapters then fail
// closed rather than at startup.
func NewRegistry(g *genkit.Genkit, pool *pgxpool.Pool, store Searcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:     pool,
		store:    store,
		genkit:   g,
		logger:   logger,
		declared: make(map[string]declaredTool),
	}
}

// queryInput is the declared input schema for every adapter: the model
// supplies one query string per call.
type queryInput struct {
	Query string `json:"query" jsonschema_description:"The query to run with this tool"`
}

// Resolve builds adapters for a bot's enabled tools and returns them with
// their genkit tool references. Unknown kinds and adapters whose
// configuration fails validation are skipped with a warning; a
// misconfigured tool must not take down the whole turn.
func (r *Registry) Resolve(cfgs []session.ToolConfig) ([]Adapter, []ai.ToolRef) {
	var adapters []Adapter
	var refs []ai.ToolRef

	for _, tc := range cfgs {
		if !tc.Enabled {
			continue
		}

		kind, err := ParseKind(tc.Kind)
		if err != nil {
			r.logger.Warn("skipping tool with unknown kind", "tool", tc.Name, "kind", tc.Kind)
			continue
		}

		var adapter Adapter
		switch kind {
		case KindSQLQuery:
			adapter = NewSQLQuery(tc.Name, r.pool, tc.Config, r.logger)
		case KindSharePointSearch, KindBoxSearch:
			adapter = NewRetrieval(tc.Name, kind, r.store, tc.Config, r.logger)
		}

		if err := adapter.ValidateConfig(); err != nil {
			// Keep the adapter: it fails closed per call, which gives the
			// agent loop an observation to reason about instead of a
			// silently missing tool.
			r.logger.Warn("tool configuration invalid, tool will fail closed",
				"tool", tc.Name, "error", err)
		}

		adapters = append(adapters, adapter)
		refs = append(refs, r.declare(adapter))
	}

	return adapters, refs
}

// declare registers the genkit tool definition for an adapter name once per
// process. Genkit panics on duplicate registration, and bot configurations
// may reuse names across bots, so declarations are cached. The genkit
// registry is keyed by name alone, so a name maps to one declaration
// process-wide: a bot reusing another bot's tool name under a different
// kind gets the first declaration's description, and the conflict is
// logged. Execution is unaffected since the orchestrator dispatches tool
// requests through the per-request adapter map, not the cached handler.
func (r *Registry) declare(adapter Adapter) ai.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.declared[adapter.Name()]; ok {
		if d.kind != adapter.Kind() {
			r.logger.Warn("tool name already declared with a different kind, reusing the first declaration",
				"tool", adapter.Name(), "declared_kind", d.kind, "kind", adapter.Kind())
		}
		return d.tool
	}

	t := genkit.DefineTool(r.genkit, adapter.Name(), adapter.Description(),
		func(tctx *ai.ToolContext, input queryInput) (string, error) {
			res := adapter.Execute(tctx.Context, input.Query, nil)
			if !res.Success {
				return "", fmt.Errorf("%s", res.Error)
			}
			return res.Data, nil
		})
	r.declared[adapter.Name()] = declaredTool{tool: t, kind: adapter.Kind()}
	return t
}
