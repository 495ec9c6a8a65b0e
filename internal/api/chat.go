package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/gateway"
	"github.com/koopa0/relay/internal/session"
)

// streamRequest is the request body for POST /api/v1/chat/stream.
type streamRequest struct {
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	UserID    string     `json:"user_id"`
	BotID     *uuid.UUID `json:"bot_id,omitempty"`
	Message   string     `json:"message"`
}

// streamPayload is the JSON body of each SSE data frame. Content frames
// carry text; the terminal frame has is_complete set and carries
// token_usage on success. On mid-stream failure the terminal frame sets
// error to true and content holds the failure message.
type streamPayload struct {
	SessionID  string         `json:"session_id"`
	Content    string         `json:"content"`
	IsComplete bool           `json:"is_complete"`
	TokenUsage *gateway.Usage `json:"token_usage,omitempty"`
	Error      bool           `json:"error,omitempty"`
}

// ChatGateway is the slice of the gateway the chat handler needs.
type ChatGateway interface {
	Respond(ctx context.Context, req gateway.Request, emit gateway.EmitChunk) (*gateway.Result, error)
}

// chatHandler serves the streaming chat endpoint.
type chatHandler struct {
	gateway ChatGateway
	logger  *slog.Logger
}

// stream handles SSE streaming chat requests. SSE headers are deferred
// until the first frame so failures before any content still produce a
// structured JSON error with a proper status code.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	var req streamRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	sse := &sseStream{w: w, flusher: flusher}

	result, err := h.gateway.Respond(r.Context(), gateway.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		BotID:     req.BotID,
		Message:   req.Message,
	}, func(_ context.Context, chunk gateway.Chunk) error {
		return sse.send(streamPayload{
			SessionID:  chunk.SessionID.String(),
			Content:    chunk.Content,
			IsComplete: chunk.Final,
			TokenUsage: chunk.Usage,
			Error:      chunk.Errored,
		})
	})
	if err != nil {
		// The gateway only returns errors before any frame was sent.
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("chat stream failed", "error", err)
		}
		writeError(w, status, code, err.Error())
		return
	}

	switch {
	case result.Canceled:
		h.logger.Info("client disconnected", "session_id", result.SessionID)
	case result.StreamErr != nil:
		h.logger.Error("stream interrupted",
			"session_id", result.SessionID, "error", result.StreamErr)
	default:
		h.logger.Info("stream completed",
			"session_id", result.SessionID,
			"tool", result.ToolUsed,
			"total_tokens", result.Usage.TotalTokens)
	}
}

// statusFor maps gateway and session errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrBotNotFound):
		return http.StatusNotFound, "bot_not_found"
	case errors.Is(err, session.ErrAccessDenied):
		return http.StatusForbidden, "access_denied"
	case errors.Is(err, gateway.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, gateway.ErrBackend):
		return http.StatusBadGateway, "backend_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// sseStream writes data-only SSE frames, sending headers lazily on the
// first frame.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// send writes one "data: <json>\n\n" frame and flushes it.
func (s *sseStream) send(payload streamPayload) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
