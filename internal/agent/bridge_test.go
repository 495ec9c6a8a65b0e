package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/relay/internal/tools"
)

// slowAdapter blocks until its context is done or the delay elapses.
type slowAdapter struct {
	name  string
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowAdapter) Name() string          { return s.name }
func (s *slowAdapter) Kind() tools.Kind      { return tools.KindSQLQuery }
func (s *slowAdapter) Description() string   { return "slow adapter" }
func (s *slowAdapter) ValidateConfig() error { return nil }

func (s *slowAdapter) Execute(ctx context.Context, _ string, _ map[string]any) tools.Result {
	n := s.inFlight.Add(1)
	for {
		old := s.peak.Load()
		if n <= old || s.peak.CompareAndSwap(old, n) {
			break
		}
	}
	defer s.inFlight.Add(-1)

	select {
	case <-time.After(s.delay):
		return tools.Result{Success: true, Data: "done"}
	case <-ctx.Done():
		return tools.Failure("canceled: %v", ctx.Err())
	}
}

func TestBridge_TimeoutFailsInvocation(t *testing.T) {
	b := NewBridge(2, 20*time.Millisecond, nil)
	adapter := &slowAdapter{name: "SQL_Query", delay: 5 * time.Second}

	result := b.Invoke(context.Background(), adapter, "SELECT 1", nil)
	if result.Success {
		t.Fatal("Invoke succeeded, want timeout failure")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", result.Error)
	}
}

func TestBridge_BoundsConcurrency(t *testing.T) {
	b := NewBridge(2, time.Second, nil)
	adapter := &slowAdapter{name: "SQL_Query", delay: 50 * time.Millisecond}

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Invoke(context.Background(), adapter, "SELECT 1", nil)
		}()
	}
	wg.Wait()

	if peak := adapter.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent invocations = %d, want <= 2", peak)
	}
}

func TestBridge_CanceledContext(t *testing.T) {
	b := NewBridge(1, time.Second, nil)
	adapter := &slowAdapter{name: "SQL_Query", delay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := b.Invoke(ctx, adapter, "SELECT 1", nil)
	if result.Success {
		t.Fatal("Invoke with canceled context succeeded, want failure")
	}
}
