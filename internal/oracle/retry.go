package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RetryConfig holds retry configuration for oracle API calls.
type RetryConfig struct {
	MaxRetries        int           // Retries after the first attempt (default: 1)
	InitialBackoff    time.Duration // First backoff duration (default: 1s)
	MaxBackoff        time.Duration // Backoff ceiling (default: 10s)
	BackoffMultiplier float64       // Backoff growth factor (default: 2.0)
	Timeout           time.Duration // Per-attempt deadline (default: 30s)

	// Circuit breaker
	CircuitBreakerEnabled bool          // Trip the breaker on repeated failures (default: true)
	FailureThreshold      int           // Consecutive failures that open the circuit (default: 5)
	SuccessThreshold      int           // Half-open successes needed to close again (default: 2)
	OpenTimeout           time.Duration // How long an open circuit sheds calls (default: 60s)

	// Concurrency and pacing
	MaxConcurrentCalls int           // Concurrent API call cap (default: 1, 0 = unlimited)
	MinCallInterval    time.Duration // Minimum spacing between calls (default: 5s, 0 = unpaced)
}

// DefaultRetryConfig returns the default retry configuration. The retry
// budget is a single attempt: a slow oracle must never stall the repair
// path longer than two timeouts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            1,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            10 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               30 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           60 * time.Second,
		MaxConcurrentCalls:    1,
		MinCallInterval:       5 * time.Second,
	}
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, fail fast
	CircuitHalfOpen                     // Probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker is shedding oracle calls.
var ErrCircuitOpen = errors.New("oracle circuit is open")

// CircuitBreaker sheds oracle calls after repeated failures so a dead API
// does not burn the repair budget's wall clock every cycle.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		lastStateChange:  time.Now(),
	}
}

// Allow checks whether a request may proceed. Returns ErrCircuitOpen while
// the circuit is open and the open timeout has not elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transitionToHalfOpen()
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		// Allow a probe request through
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionToClosed()
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionToOpen()
		}

	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit
		cb.transitionToOpen()
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current counters for logging and the console.
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transitionToClosed moves to closed state (lock must be held).
func (cb *CircuitBreaker) transitionToClosed() {
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	slog.Info("oracle circuit closed", "from", oldState.String())
}

// transitionToOpen moves to open state (lock must be held).
func (cb *CircuitBreaker) transitionToOpen() {
	oldState := cb.state
	cb.state = CircuitOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	slog.Warn("oracle circuit opened",
		"from", oldState.String(),
		"failures", cb.failureCount,
		"reopen_in", cb.openTimeout)
}

// transitionToHalfOpen moves to half-open state (lock must be held).
func (cb *CircuitBreaker) transitionToHalfOpen() {
	oldState := cb.state
	cb.state = CircuitHalfOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	slog.Info("oracle circuit half-open, probing for recovery", "from", oldState.String())
}

// retryWithBackoff executes one API operation with pacing, retry, and
// exponential backoff. The per-attempt deadline comes from the retry
// config; the caller's context bounds the whole exchange.
func (o *Oracle) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if o.concurrencySem != nil {
		if err := o.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquiring oracle call slot for %s: %w", operation, err)
		}
		defer o.concurrencySem.Release(1)
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for oracle call slot for %s: %w", operation, err)
		}
	}

	var lastErr error
	backoff := o.retry.InitialBackoff

	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		if o.circuitBreaker != nil {
			if err := o.circuitBreaker.Allow(); err != nil {
				state, failures, _ := o.circuitBreaker.GetMetrics()
				slog.Warn("oracle call blocked by circuit breaker",
					"operation", operation,
					"state", state.String(),
					"failures", failures)
				return fmt.Errorf("%s blocked: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if o.circuitBreaker != nil {
				o.circuitBreaker.RecordSuccess()
			}
			if attempt > 0 {
				slog.Info("oracle call succeeded after retry", "operation", operation, "retries", attempt)
			}
			return nil
		}

		lastErr = err

		// Non-retriable errors (auth, bad request) stay out of the
		// circuit breaker so one misconfiguration cannot trip it.
		if o.circuitBreaker != nil && isRetriableError(err) {
			o.circuitBreaker.RecordFailure()
		}

		if !isRetriableError(err) {
			slog.Warn("oracle call failed with non-retriable error", "operation", operation, "error", err)
			return err
		}

		if attempt == o.retry.MaxRetries {
			break
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s: caller canceled: %w", operation, ctx.Err())
		}

		slog.Info("oracle call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", o.retry.MaxRetries+1,
			"backoff", backoff,
			"error", err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * o.retry.BackoffMultiplier)
			if backoff > o.retry.MaxBackoff {
				backoff = o.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s: caller canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, o.retry.MaxRetries+1, lastErr)
}

// isRetriableError determines whether an error is transient.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	// Rate limiting is retriable
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	// Upstream 5xx responses are retriable
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	// Network failures are retriable
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// Remaining 4xx client errors will not succeed on retry
	if strings.Contains(errStr, "400") || strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "404") {
		return false
	}

	return false
}
