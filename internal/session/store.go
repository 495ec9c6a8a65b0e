package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store manages session persistence with a PostgreSQL backend.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Create creates a new conversation session for userID, optionally bound to
// a bot. Empty title is stored as NULL.
func (s *Store) Create(ctx context.Context, userID string, botID *uuid.UUID, title string) (*Session, error) {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}

	sess := &Session{UserID: userID, BotID: botID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (user_id, bot_id, title)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		userID, botID, titlePtr,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "user", userID)
	return sess, nil
}

// Get retrieves a session by ID. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess := &Session{}
	var title *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, bot_id, title, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.BotID, &title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	if title != nil {
		sess.Title = *title
	}
	return sess, nil
}

// History returns all messages of a session in sequence order.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, token_count, sequence, created_at
		 FROM messages WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&m.TokenCount, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return msgs, nil
}

// AppendMessage appends one message to a session, assigning the next
// sequence number. The session row is locked inside the transaction so
// concurrent appends to the same session cannot collide on sequence.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string, tokenCount int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	var locked uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("locking session %s: %w", sessionID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (session_id, role, content, token_count, sequence)
		 VALUES ($1, $2, $3, $4,
		   (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = $1))`,
		sessionID, role, content, tokenCount)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message append: %w", err)
	}
	return nil
}

// ResolveBot loads a bot with its tool configuration.
// Returns ErrBotNotFound when absent.
func (s *Store) ResolveBot(ctx context.Context, botID uuid.UUID) (*Bot, error) {
	bot := &Bot{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, model_name, system_prompt, is_public
		 FROM bots WHERE id = $1`, botID,
	).Scan(&bot.ID, &bot.Name, &bot.ModelName, &bot.SystemPrompt, &bot.IsPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving bot %s: %w", botID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, kind, config, enabled FROM bot_tools WHERE bot_id = $1 ORDER BY name`, botID)
	if err != nil {
		return nil, fmt.Errorf("loading bot tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc ToolConfig
		var raw []byte
		if err := rows.Scan(&tc.Name, &tc.Kind, &raw, &tc.Enabled); err != nil {
			return nil, fmt.Errorf("scanning bot tool: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &tc.Config); err != nil {
				return nil, fmt.Errorf("decoding tool config %q: %w", tc.Name, err)
			}
		}
		bot.Tools = append(bot.Tools, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading bot tool rows: %w", err)
	}

	return bot, nil
}

// CheckAccess reports whether userID may use the bot. Public bots are open
// to everyone; otherwise a bot_access grant is required.
func (s *Store) CheckAccess(ctx context.Context, botID uuid.UUID, userID string) (bool, error) {
	var allowed bool
	err := s.pool.QueryRow(ctx,
		`SELECT b.is_public OR EXISTS (
		    SELECT 1 FROM bot_access a WHERE a.bot_id = b.id AND a.user_id = $2
		 )
		 FROM bots b WHERE b.id = $1`, botID, userID,
	).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	if err != nil {
		return false, fmt.Errorf("checking bot access: %w", err)
	}
	return allowed, nil
}
