package agent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/koopa0/relay/internal/tools"
)

// Bridge defaults.
const (
	// DefaultToolTimeout bounds a single tool invocation. Exceeding it is
	// a tool failure, not a hung turn.
	DefaultToolTimeout = 30 * time.Second
)

// Bridge runs tool adapters on a bounded worker pool so a slow or blocking
// adapter can never exhaust the process. A weighted semaphore caps
// concurrent invocations across all requests; each invocation additionally
// gets its own timeout.
type Bridge struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

// NewBridge creates a Bridge allowing up to maxWorkers concurrent tool
// invocations. timeout <= 0 uses DefaultToolTimeout.
func NewBridge(maxWorkers int64, timeout time.Duration, logger *slog.Logger) *Bridge {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sem:     semaphore.NewWeighted(maxWorkers),
		timeout: timeout,
		logger:  logger,
	}
}

// Invoke executes one adapter call under the pool's concurrency limit and
// the per-invocation timeout. The returned Result is always usable: pool
// saturation, timeout, and cancellation all surface as failed Results.
func (b *Bridge) Invoke(ctx context.Context, adapter tools.Adapter, query string, args map[string]any) tools.Result {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return tools.Failure("tool %q not started: %v", adapter.Name(), err)
	}
	defer b.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan tools.Result, 1)
	go func() {
		done <- adapter.Execute(callCtx, query, args)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		// The goroutine is left to finish against the canceled context;
		// the buffered channel lets it exit without a receiver.
		b.logger.Warn("tool invocation timed out", "tool", adapter.Name(), "timeout", b.timeout)
		return tools.Failure("tool %q timed out after %s", adapter.Name(), b.timeout)
	}
}
