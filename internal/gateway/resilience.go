package gateway

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for backend calls. Retries only
// apply before the first fragment reaches the caller; once anything has
// been sent, a failure is terminal for that stream.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for hosted model APIs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient error substrings by category. String
// matching is used because provider SDKs do not expose typed errors for
// these failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}

// ErrCircuitOpen is returned when the breaker is rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// breakerState is the circuit breaker state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // failures before opening (default 5)
	SuccessThreshold int           // successes to close from half-open (default 2)
	Timeout          time.Duration // time before trying half-open (default 30s)
}

// CircuitBreaker protects the model backend from hammering while it is
// failing. Closed passes everything, open rejects everything until Timeout
// elapses, half-open admits probes until SuccessThreshold closes it again.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time
	cfg         CircuitBreakerConfig
}

// NewCircuitBreaker creates a breaker, applying defaults for zero values.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.state = breakerHalfOpen
			cb.successes = 0
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Success records a successful backend call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = breakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	case breakerClosed:
		cb.failures = 0
	}
}

// Failure records a failed backend call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case breakerClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = breakerOpen
		}
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.successes = 0
	}
}
