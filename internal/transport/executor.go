// Package transport executes remote calls with uniform fault handling:
// retry with exponential backoff and jitter, per-endpoint circuit breaking,
// hard call timeouts, and idempotency-key bookkeeping for order submissions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"leverbot/internal/ports"
)

// Observer receives retry and circuit events for the metrics collaborator.
type Observer interface {
	RetryScheduled(endpoint string, attempt int, delay time.Duration)
	CircuitTransition(endpoint string, from, to string)
}

// Config configures the executor.
type Config struct {
	MaxRetries     int           // Retry budget for rate-limit failures
	NetworkRetries int           // Smaller budget for 5xx/network/timeout failures
	BaseDelay      time.Duration // First backoff delay
	MaxDelay       time.Duration // Backoff ceiling
	CallTimeout    time.Duration // Hard per-attempt timeout (default 30s)
	Logger         ports.Logger
	Breaker        *Breaker
	Observer       Observer // May be nil
}

// Executor wraps outbound API calls with the retry/backoff/circuit policy.
// The call's result is captured by the caller's closure; Do only reports
// whether, after the whole policy, the call succeeded.
type Executor struct {
	cfg Config

	mu       sync.Mutex
	inFlight map[string]struct{} // idempotency keys currently being submitted
}

// CallOptions tunes a single call.
type CallOptions struct {
	// MaxRetries overrides the executor's rate-limit budget when positive.
	MaxRetries int
	// BaseDelay overrides the executor's first backoff delay when positive.
	BaseDelay time.Duration
	// IdempotencyKey marks the call as an order submission. At most one call
	// per key may be in flight; an ambiguous outcome must be resolved by the
	// caller through an exchange lookup on the same key.
	IdempotencyKey string
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for transport executor", ports.ErrConfigurationError)
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("%w: circuit breaker is required for transport executor", ports.ErrConfigurationError)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.NetworkRetries <= 0 || cfg.NetworkRetries > cfg.MaxRetries {
		cfg.NetworkRetries = (cfg.MaxRetries + 1) / 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Executor{cfg: cfg, inFlight: make(map[string]struct{})}, nil
}

// Do invokes call against the named endpoint under the fault policy.
// Rate-limit failures get the full retry budget, network-class failures a
// reduced one, and any other error class fails immediately: client errors
// cannot succeed on retry and risk duplicate side effects. Exhaustion
// surfaces as ErrRetryBudgetExceeded wrapping the last failure.
func (e *Executor) Do(ctx context.Context, endpoint string, opts CallOptions, call func(ctx context.Context) error) error {
	if opts.IdempotencyKey != "" {
		if err := e.acquireKey(opts.IdempotencyKey); err != nil {
			return err
		}
		defer e.releaseKey(opts.IdempotencyKey)
	}

	maxRetries := e.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	baseDelay := e.cfg.BaseDelay
	if opts.BaseDelay > 0 {
		baseDelay = opts.BaseDelay
	}

	bo := &backoff.Backoff{Min: baseDelay, Max: e.cfg.MaxDelay, Factor: 2}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.cfg.Breaker.Allow(endpoint); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := call(attemptCtx)
		cancel()

		if err == nil {
			e.cfg.Breaker.Success(endpoint)
			return nil
		}
		// A deadline on the attempt context is a network-class failure, not
		// a success and not a caller cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s call exceeded %s: %w", ports.ErrTimeout, endpoint, e.cfg.CallTimeout, err)
		}
		lastErr = err

		if ctx.Err() != nil {
			// Owner cancelled mid-sequence; abandon pending retries. The call
			// gave no verdict on the endpoint, so release any trial slot.
			e.cfg.Breaker.CancelTrial(endpoint)
			return fmt.Errorf("%w: %s: %w", ports.ErrContextCanceled, endpoint, err)
		}
		if !ports.IsRetryable(err) {
			// The endpoint answered and refused the request. For the circuit
			// that counts as a healthy endpoint, and a pending half-open trial
			// must resolve here or the circuit never leaves half-open.
			e.cfg.Breaker.Success(endpoint)
			e.cfg.Logger.Debug(ctx, "Call failed with non-retryable error", map[string]interface{}{
				"endpoint": endpoint, "error": err.Error(),
			})
			return err
		}

		e.cfg.Breaker.Failure(endpoint)

		budget := e.cfg.NetworkRetries
		if ports.IsRateLimit(err) {
			budget = maxRetries
		}
		if attempt >= budget {
			e.cfg.Logger.Warn(ctx, "Retry budget exhausted", map[string]interface{}{
				"endpoint": endpoint, "attempts": attempt + 1, "error": err.Error(),
			})
			return fmt.Errorf("%w: %s after %d attempts: %w", ports.ErrRetryBudgetExceeded, endpoint, attempt+1, err)
		}

		delay := jitter(bo.Duration())
		e.cfg.Logger.Debug(ctx, "Retrying call", map[string]interface{}{
			"endpoint": endpoint, "attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		if e.cfg.Observer != nil {
			e.cfg.Observer.RetryScheduled(endpoint, attempt+1, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s during backoff: %w", ports.ErrContextCanceled, endpoint, lastErr)
		}
	}
}

// jitter spreads a delay by +/-20% so coordinated callers do not retry in
// lockstep after a shared failure.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func (e *Executor) acquireKey(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[key]; ok {
		return fmt.Errorf("%w: idempotency key %s already in flight", ports.ErrDuplicateOrder, key)
	}
	e.inFlight[key] = struct{}{}
	return nil
}

func (e *Executor) releaseKey(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}
