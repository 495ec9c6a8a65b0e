package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SQL tool defaults, overridable per bot via the tool config map.
const (
	// DefaultMaxRows caps result rows returned to the model.
	DefaultMaxRows = 100

	// sqlDescription is shown to the model.
	sqlDescription = "Execute a read-only SQL query against the configured database. " +
		"Input is a single SELECT statement; output is a plain-text result table. " +
		"Mutating statements are rejected."
)

// mutationKeywords are rejected in read-only mode. This is a lexical guard,
// not a SQL parser: it is a best-effort safety net on top of database-level
// permissions, not a security boundary.
var mutationKeywords = []string{
	"insert", "update", "delete", "drop", "create",
	"alter", "truncate", "grant", "revoke", "exec", "execute",
}

// mutationPattern matches any mutation keyword on a word boundary,
// case-insensitively.
var mutationPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(mutationKeywords, "|") + `)\b`)

// SQLQuery wraps a pgx pool as a query tool.
type SQLQuery struct {
	name     string
	pool     *pgxpool.Pool
	readOnly bool
	maxRows  int
	logger   *slog.Logger
}

// NewSQLQuery creates a SQL query adapter. cfg is the bot's opaque tool
// config map; recognized keys: read_only (bool, default true) and
// max_rows (int, default 100). pool may be nil, in which case the adapter
// fails closed at execution time.
func NewSQLQuery(name string, pool *pgxpool.Pool, cfg map[string]any, logger *slog.Logger) *SQLQuery {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLQuery{
		name:     name,
		pool:     pool,
		readOnly: configBool(cfg, "read_only", true),
		maxRows:  configInt(cfg, "max_rows", DefaultMaxRows),
		logger:   logger,
	}
}

func (t *SQLQuery) Name() string        { return t.name }
func (t *SQLQuery) Kind() Kind          { return KindSQLQuery }
func (t *SQLQuery) Description() string { return sqlDescription }

// ValidateConfig reports whether the adapter can execute queries.
func (t *SQLQuery) ValidateConfig() error {
	if t.pool == nil {
		return fmt.Errorf("sql tool %q: database pool not configured", t.name)
	}
	if t.maxRows < 1 {
		return fmt.Errorf("sql tool %q: max_rows must be positive, got %d", t.name, t.maxRows)
	}
	return nil
}

// Execute runs one query. In read-only mode, queries containing mutation
// keywords are rejected before touching the database.
func (t *SQLQuery) Execute(ctx context.Context, query string, _ map[string]any) Result {
	if t.readOnly {
		if kw := mutationPattern.FindString(query); kw != "" {
			return Failure("query rejected: read-only mode forbids %q statements", strings.ToUpper(kw))
		}
	}

	if t.pool == nil {
		return Failure("sql tool %q is not available: database connection failed to initialize", t.name)
	}

	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return Failure("query failed: %v", err)
	}
	defer rows.Close()

	cols := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, " | "))
	sb.WriteByte('\n')

	count := 0
	truncated := false
	for rows.Next() {
		if count >= t.maxRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return Failure("reading row: %v", err)
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = fmt.Sprint(v)
		}
		sb.WriteString(strings.Join(fields, " | "))
		sb.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil && !truncated {
		return Failure("reading rows: %v", err)
	}

	if truncated {
		fmt.Fprintf(&sb, "(results capped at %d rows)\n", t.maxRows)
	}

	t.logger.Debug("sql tool executed", "tool", t.name, "rows", count, "truncated", truncated)
	return Result{
		Success: true,
		Data:    sb.String(),
		Metadata: map[string]any{
			"rows":      count,
			"truncated": truncated,
		},
	}
}
