// Package usage records token/cost usage events. Events are written after
// the response stream completes and are never updated or deleted here.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one durable usage record for a completed generation.
type Event struct {
	UserID           string
	SessionID        uuid.UUID
	BotID            *uuid.UUID
	ModelName        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

// Store persists usage events in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a usage Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Record inserts one usage event. A zero CreatedAt defers to the database
// clock.
func (s *Store) Record(ctx context.Context, ev Event) error {
	var err error
	if ev.CreatedAt.IsZero() {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO usage_logs
			   (user_id, session_id, bot_id, model_name,
			    prompt_tokens, completion_tokens, total_tokens, cost)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.UserID, ev.SessionID, ev.BotID, ev.ModelName,
			ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens, ev.Cost)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO usage_logs
			   (user_id, session_id, bot_id, model_name,
			    prompt_tokens, completion_tokens, total_tokens, cost, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.UserID, ev.SessionID, ev.BotID, ev.ModelName,
			ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens, ev.Cost, ev.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("recording usage event: %w", err)
	}

	s.logger.Debug("usage recorded",
		"session", ev.SessionID, "model", ev.ModelName, "total_tokens", ev.TotalTokens)
	return nil
}
