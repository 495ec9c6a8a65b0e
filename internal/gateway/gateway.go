// Package gateway orchestrates a complete chat exchange: session
// resolution, bot and tool lookup, token accounting, the optional tool
// phase, streamed generation, and background persistence of the result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/agent"
	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/tokens"
	"github.com/koopa0/relay/internal/tools"
	"github.com/koopa0/relay/internal/usage"
)

var (
	// ErrInvalidRequest indicates a malformed request from the caller.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBackend indicates the model backend failed before any content
	// was delivered.
	ErrBackend = errors.New("model backend error")
)

// SessionStore is the session persistence surface the gateway depends on.
// *session.Store satisfies it.
type SessionStore interface {
	Create(ctx context.Context, userID string, botID *uuid.UUID, title string) (*session.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	History(ctx context.Context, sessionID uuid.UUID) ([]session.Message, error)
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string, tokenCount int) error
	ResolveBot(ctx context.Context, botID uuid.UUID) (*session.Bot, error)
	CheckAccess(ctx context.Context, botID uuid.UUID, userID string) (bool, error)
}

// UsageRecorder records billing events. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, ev usage.Event) error
}

// Request is one user turn.
type Request struct {
	// SessionID continues an existing session when set; nil starts a new
	// session titled from the message.
	SessionID *uuid.UUID
	UserID    string
	// BotID selects a bot persona for new sessions. Existing sessions
	// keep the bot they were created with.
	BotID   *uuid.UUID
	Message string
}

// Usage is the token accounting for one exchange.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Chunk is one unit of the response stream. Content chunks carry text;
// the terminal chunk has Final set and carries Usage on success or
// Errored on mid-stream failure. Exactly one terminal chunk is emitted
// per completed stream.
type Chunk struct {
	SessionID uuid.UUID
	Content   string
	Final     bool
	Errored   bool
	Usage     *Usage
}

// EmitChunk delivers one chunk to the transport.
type EmitChunk func(ctx context.Context, chunk Chunk) error

// Result summarizes a finished exchange.
type Result struct {
	SessionID  uuid.UUID
	Completion string
	ToolUsed   string
	Usage      *Usage
	// StreamErr is set when generation failed after fragments were
	// already delivered. The terminal error chunk has been emitted and
	// nothing was persisted.
	StreamErr error
	// Canceled is set when the client went away before completion.
	Canceled bool
}

// Config assembles a Gateway.
type Config struct {
	Store        SessionStore
	Usage        UsageRecorder
	Accountant   *tokens.Accountant
	Registry     *tools.Registry
	Orchestrator *agent.Orchestrator
	Streamer     *Streamer
	// DefaultModel and SystemPrompt apply when the session has no bot or
	// the bot leaves them blank.
	DefaultModel string
	SystemPrompt string
	// PersistBuffer sizes the background persistence queue.
	PersistBuffer int
	Logger        *slog.Logger
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("gateway: session store is required")
	}
	if c.Usage == nil {
		return errors.New("gateway: usage recorder is required")
	}
	if c.Accountant == nil {
		return errors.New("gateway: token accountant is required")
	}
	if c.Streamer == nil {
		return errors.New("gateway: streamer is required")
	}
	if c.DefaultModel == "" {
		return errors.New("gateway: default model is required")
	}
	return nil
}

// Gateway is the single entry point for chat requests.
type Gateway struct {
	store        SessionStore
	accountant   *tokens.Accountant
	registry     *tools.Registry
	orchestrator *agent.Orchestrator
	streamer     *Streamer
	persister    *Persister
	defaultModel string
	systemPrompt string
	logger       *slog.Logger
}

// New creates a Gateway and starts its persistence worker.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:        cfg.Store,
		accountant:   cfg.Accountant,
		registry:     cfg.Registry,
		orchestrator: cfg.Orchestrator,
		streamer:     cfg.Streamer,
		persister:    NewPersister(cfg.Store, cfg.Usage, cfg.PersistBuffer, logger),
		defaultModel: cfg.DefaultModel,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}, nil
}

// Close drains the persistence queue. In-flight requests should be done
// before calling it.
func (g *Gateway) Close() {
	g.persister.Close()
}

// Respond handles one user turn, emitting chunks as they become
// available. Errors returned before any chunk was emitted are preflight
// failures the transport reports as structured HTTP errors. After the
// first chunk, failures surface as a terminal error chunk and a Result
// with StreamErr set.
func (g *Gateway) Respond(ctx context.Context, req Request, emit EmitChunk) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	sess, bot, err := g.preflight(ctx, req)
	if err != nil {
		return nil, err
	}
	// Stamp every outgoing chunk with the resolved session.
	userEmit := emit
	emit = func(cctx context.Context, ch Chunk) error {
		ch.SessionID = sess.ID
		return userEmit(cctx, ch)
	}

	modelName := g.defaultModel
	system := g.systemPrompt
	if bot != nil {
		if bot.ModelName != "" {
			modelName = bot.ModelName
		}
		if bot.SystemPrompt != "" {
			system = bot.SystemPrompt
		}
	}

	history, err := g.store.History(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	msgs := buildMessages(history, req.Message)
	promptEstimate := g.accountant.CountMessages(accountingMessages(system, history, req.Message), modelName)
	userTokens := g.accountant.CountText(req.Message, modelName)

	result := &Result{SessionID: sess.ID}

	if adapters, refs := g.resolveTools(bot); len(adapters) > 0 {
		return g.respondWithTools(ctx, req, sess, result, modelName, system, msgs, adapters, refs, promptEstimate, userTokens, emit)
	}

	comp, err := g.streamer.Complete(ctx, modelName, system, msgs, func(cctx context.Context, fragment string) error {
		return emit(cctx, Chunk{Content: fragment})
	})
	if err != nil {
		if ctx.Err() != nil {
			result.Canceled = true
			return result, nil
		}
		if comp.Sent {
			g.logger.Error("generation failed mid-stream",
				"session_id", sess.ID, "error", err)
			result.StreamErr = err
			_ = emit(ctx, Chunk{Content: fmt.Sprintf("Error: %v", err), Final: true, Errored: true})
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	promptTokens := comp.InputTokens
	if promptTokens == 0 {
		promptTokens = promptEstimate
	}
	completionTokens := comp.OutputTokens
	if completionTokens == 0 {
		completionTokens = g.accountant.CountText(comp.Text, modelName)
	}
	return g.finish(ctx, req, sess, result, modelName, comp.Text, promptTokens, completionTokens, userTokens, emit)
}

// respondWithTools runs the bounded tool loop and delivers the final
// answer as a single content chunk. Tool iterations are not streamed.
func (g *Gateway) respondWithTools(ctx context.Context, req Request, sess *session.Session, result *Result, modelName, system string, msgs []*ai.Message, adapters []tools.Adapter, refs []ai.ToolRef, promptEstimate, userTokens int, emit EmitChunk) (*Result, error) {
	outcome, err := g.orchestrator.Run(ctx, modelName, system, msgs, adapters, refs)
	if err != nil {
		if ctx.Err() != nil {
			result.Canceled = true
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	result.ToolUsed = outcome.ToolUsed

	if err := emit(ctx, Chunk{Content: outcome.FinalText}); err != nil {
		result.Canceled = true
		return result, nil
	}

	completionTokens := g.accountant.CountText(outcome.FinalText, modelName)
	return g.finish(ctx, req, sess, result, modelName, outcome.FinalText, promptEstimate, completionTokens, userTokens, emit)
}

// finish emits the terminal usage chunk and queues persistence. A failed
// terminal write means the client never saw the completion, so nothing
// is persisted.
func (g *Gateway) finish(ctx context.Context, req Request, sess *session.Session, result *Result, modelName, completion string, promptTokens, completionTokens, userTokens int, emit EmitChunk) (*Result, error) {
	u := &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		EstimatedCost:    g.accountant.EstimateCost(promptTokens, completionTokens, modelName),
	}
	result.Completion = completion
	result.Usage = u

	if err := emit(ctx, Chunk{Final: true, Usage: u}); err != nil {
		result.Canceled = true
		return result, nil
	}

	g.persister.enqueue(persistJob{
		sessionID:       sess.ID,
		userID:          req.UserID,
		botID:           sess.BotID,
		modelName:       modelName,
		userText:        req.Message,
		userTokens:      userTokens,
		assistantText:   completion,
		assistantTokens: completionTokens,
		usage:           *u,
	})
	return result, nil
}

// preflight resolves the session and bot and authorizes bot access before
// any row is written. For a new session the bot is authorized first, so a
// denied or unknown bot never leaves an orphaned session behind. A session
// belonging to another user is reported as not found rather than forbidden.
func (g *Gateway) preflight(ctx context.Context, req Request) (*session.Session, *session.Bot, error) {
	if req.SessionID != nil {
		sess, err := g.store.Get(ctx, *req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if sess.UserID != req.UserID {
			return nil, nil, session.ErrNotFound
		}
		var bot *session.Bot
		if sess.BotID != nil {
			if bot, err = g.authorizeBot(ctx, *sess.BotID, req.UserID); err != nil {
				return nil, nil, err
			}
		}
		return sess, bot, nil
	}

	var bot *session.Bot
	if req.BotID != nil {
		var err error
		if bot, err = g.authorizeBot(ctx, *req.BotID, req.UserID); err != nil {
			return nil, nil, err
		}
	}
	sess, err := g.store.Create(ctx, req.UserID, req.BotID, session.TitleFromMessage(req.Message))
	if err != nil {
		return nil, nil, err
	}
	return sess, bot, nil
}

// authorizeBot resolves the bot and verifies the user may chat with it.
func (g *Gateway) authorizeBot(ctx context.Context, botID uuid.UUID, userID string) (*session.Bot, error) {
	bot, err := g.store.ResolveBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	allowed, err := g.store.CheckAccess(ctx, botID, userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, session.ErrAccessDenied
	}
	return bot, nil
}

func (g *Gateway) resolveTools(bot *session.Bot) ([]tools.Adapter, []ai.ToolRef) {
	if bot == nil || g.registry == nil || g.orchestrator == nil {
		return nil, nil
	}
	enabled := bot.EnabledTools()
	if len(enabled) == 0 {
		return nil, nil
	}
	return g.registry.Resolve(enabled)
}

// buildMessages converts stored history plus the current turn into model
// messages. Stored system rows are skipped since the system prompt is
// supplied separately.
func buildMessages(history []session.Message, userMessage string) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, ai.NewUserTextMessage(m.Content))
		case session.RoleAssistant:
			msgs = append(msgs, ai.NewModelTextMessage(m.Content))
		}
	}
	return append(msgs, ai.NewUserTextMessage(userMessage))
}

// accountingMessages is the framing used for the local prompt estimate:
// system prompt first, then history, then the current user turn.
func accountingMessages(system string, history []session.Message, userMessage string) []tokens.Message {
	msgs := make([]tokens.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, tokens.Message{Role: session.RoleSystem, Content: system})
	}
	for _, m := range history {
		msgs = append(msgs, tokens.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, tokens.Message{Role: session.RoleUser, Content: userMessage})
}
