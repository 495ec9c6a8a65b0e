// Package tools implements the capability adapters a bot may enable:
// a read-guarded SQL query tool and vector retrieval tools over named
// document collections.
//
// Adapter kinds form a closed enum resolved when a bot's tool configuration
// is loaded, not per call. Every adapter fails closed: a missing dependency
// yields an unsuccessful Result, never a panic or a hung request.
package tools

import (
	"context"
	"fmt"
)

// Kind identifies an adapter implementation.
type Kind string

// The closed set of adapter kinds.
const (
	KindSQLQuery         Kind = "sql_query"
	KindSharePointSearch Kind = "sharepoint_search"
	KindBoxSearch        Kind = "box_search"
)

// ParseKind validates a kind string from bot configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSQLQuery, KindSharePointSearch, KindBoxSearch:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown tool kind %q", s)
	}
}

// Result is the outcome of exactly one tool invocation. It is consumed
// immediately by the agent loop and never persisted.
type Result struct {
	Success  bool
	Data     string
	Error    string
	Metadata map[string]any
}

// Failure builds an unsuccessful Result with a formatted error message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Adapter is the common tool contract. Execute must honor ctx cancellation;
// args is the opaque per-call context map (may be nil).
type Adapter interface {
	// Name is the identifier the model uses to request this tool.
	Name() string

	// Kind reports which adapter variant this is.
	Kind() Kind

	// Description is shown to the model when the tool is offered.
	Description() string

	// Execute runs the tool for one query.
	Execute(ctx context.Context, query string, args map[string]any) Result

	// ValidateConfig reports whether the adapter's configuration and
	// dependencies are usable. Called once when a bot's tools are resolved.
	ValidateConfig() error
}

// configInt reads an integer from an opaque tool config map, accepting the
// numeric types JSON decoding may produce.
func configInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// configBool reads a boolean from an opaque tool config map.
func configBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}
