package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/koopa0/relay/internal/log"
)

// EmitFunc receives one content fragment as it arrives from the backend.
// Returning an error aborts the stream.
type EmitFunc func(ctx context.Context, fragment string) error

// Completion is the outcome of a streamed generation.
type Completion struct {
	// Text is the full completion assembled from streamed fragments, or
	// the final message text when the backend produced no fragments.
	Text string
	// Sent reports whether any fragment reached the caller. When true a
	// failed call must not be retried since fragments were already
	// delivered.
	Sent bool
	// InputTokens and OutputTokens come from the backend usage report
	// and are zero when the backend did not report usage.
	InputTokens  int
	OutputTokens int
}

// Streamer runs streaming generations against the model backend with
// rate limiting, retry, and circuit breaking. Retries happen only before
// the first fragment is emitted; delivered fragments are never re-sent.
type Streamer struct {
	genkit  *genkit.Genkit
	breaker *CircuitBreaker
	limiter *rate.Limiter
	retry   RetryConfig
	logger  log.Logger
}

// NewStreamer creates a Streamer. A nil breaker or limiter gets defaults;
// the default limiter allows 10 requests/sec with a burst of 30.
func NewStreamer(g *genkit.Genkit, breaker *CircuitBreaker, limiter *rate.Limiter, retry RetryConfig, logger log.Logger) *Streamer {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{})
	}
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Streamer{genkit: g, breaker: breaker, limiter: limiter, retry: retry, logger: logger}
}

// Complete streams a generation, invoking emit for each content fragment.
// The returned Completion is valid even on error so callers can tell
// whether fragments were already delivered.
func (s *Streamer) Complete(ctx context.Context, modelName, system string, messages []*ai.Message, emit EmitFunc) (*Completion, error) {
	comp := &Completion{}

	if err := s.breaker.Allow(); err != nil {
		return comp, err
	}

	interval := s.retry.InitialInterval
	var lastErr error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Info("retrying generation",
				"attempt", attempt,
				"interval", interval,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return comp, ctx.Err()
			case <-time.After(interval):
			}
			interval *= 2
			if interval > s.retry.MaxInterval {
				interval = s.retry.MaxInterval
			}
		}

		// Pace every attempt, retries included.
		if err := s.limiter.Wait(ctx); err != nil {
			return comp, fmt.Errorf("rate limit wait: %w", err)
		}

		var assembled strings.Builder
		resp, err := genkit.Generate(ctx, s.genkit,
			ai.WithModelName(modelName),
			ai.WithSystem(system),
			ai.WithMessages(messages...),
			ai.WithStreaming(func(cctx context.Context, chunk *ai.ModelResponseChunk) error {
				text := chunk.Text()
				if text == "" {
					return nil
				}
				assembled.WriteString(text)
				// Mark before emitting: a failed write may still have
				// reached the client.
				comp.Sent = true
				return emit(cctx, text)
			}),
		)
		if err != nil {
			s.breaker.Failure()
			lastErr = err
			if comp.Sent {
				// Fragments already reached the caller. Retrying
				// would duplicate delivered content.
				return comp, fmt.Errorf("generation failed mid-stream: %w", err)
			}
			if ctx.Err() != nil {
				return comp, ctx.Err()
			}
			if !retryableError(err) {
				return comp, fmt.Errorf("generation failed: %w", err)
			}
			continue
		}

		s.breaker.Success()
		comp.Text = assembled.String()
		if comp.Text == "" {
			comp.Text = resp.Text()
		}
		if resp.Usage != nil {
			comp.InputTokens = resp.Usage.InputTokens
			comp.OutputTokens = resp.Usage.OutputTokens
		}
		return comp, nil
	}

	return comp, fmt.Errorf("generation failed after %d attempts: %w", s.retry.MaxRetries+1, lastErr)
}
