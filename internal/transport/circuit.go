package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leverbot/internal/ports"
)

// CircuitState is the per-endpoint breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	Cooldown         time.Duration // Initial open window
	MaxCooldown      time.Duration // Cap for the extended cooldown
	Logger           ports.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
	// OnTransition is reported to the observability collaborator. May be nil.
	OnTransition func(endpoint string, from, to CircuitState)
}

type circuit struct {
	state         CircuitState
	failures      int           // consecutive failure count
	lastFailure   time.Time     // timestamp of the most recent failure
	nextRetryAt   time.Time     // when a trial call becomes eligible
	cooldown      time.Duration // current cooldown, extended on half-open failure
	trialInFlight bool
}

// Breaker tracks one circuit per logical remote endpoint. After a configured
// number of consecutive failures the endpoint is short-circuited for a
// cooldown window, then a single trial call decides between recovery and an
// extended cooldown.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker creates a circuit breaker.
func NewBreaker(cfg BreakerConfig) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("%w: breaker failure threshold must be positive", ports.ErrConfigurationError)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("%w: breaker cooldown must be positive", ports.ErrConfigurationError)
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown * 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}, nil
}

func (b *Breaker) get(endpoint string) *circuit {
	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{state: CircuitClosed, cooldown: b.cfg.Cooldown}
		b.circuits[endpoint] = c
	}
	return c
}

// Allow reports whether a call to the endpoint may proceed. While open it
// fails locally with ErrCircuitOpen until the cooldown elapses, then admits
// exactly one trial call in half-open state.
func (b *Breaker) Allow(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.cfg.Now().Before(c.nextRetryAt) {
			return fmt.Errorf("%w: %s retry eligible at %s", ports.ErrCircuitOpen, endpoint, c.nextRetryAt.Format(time.RFC3339))
		}
		b.transition(endpoint, c, CircuitHalfOpen)
		c.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if c.trialInFlight {
			return fmt.Errorf("%w: %s trial call in flight", ports.ErrCircuitOpen, endpoint)
		}
		c.trialInFlight = true
		return nil
	}
	return nil
}

// Success records a successful call, closing the circuit.
func (b *Breaker) Success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	c.failures = 0
	c.trialInFlight = false
	if c.state != CircuitClosed {
		c.cooldown = b.cfg.Cooldown
		b.transition(endpoint, c, CircuitClosed)
	}
}

// CancelTrial releases a half-open trial slot without a verdict, for calls
// abandoned before the endpoint could answer. The circuit stays half-open so
// the next Allow admits a fresh trial.
func (b *Breaker) CancelTrial(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(endpoint).trialInFlight = false
}

// Failure records a failed call. In closed state it opens the circuit once
// the consecutive-failure threshold is reached; in half-open state it reopens
// with the cooldown extended.
func (b *Breaker) Failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	now := b.cfg.Now()
	c.failures++
	c.lastFailure = now

	switch c.state {
	case CircuitClosed:
		if c.failures >= b.cfg.FailureThreshold {
			c.nextRetryAt = now.Add(c.cooldown)
			b.transition(endpoint, c, CircuitOpen)
		}
	case CircuitHalfOpen:
		c.trialInFlight = false
		c.cooldown *= 2
		if c.cooldown > b.cfg.MaxCooldown {
			c.cooldown = b.cfg.MaxCooldown
		}
		c.nextRetryAt = now.Add(c.cooldown)
		b.transition(endpoint, c, CircuitOpen)
	}
}

// State returns the current state for an endpoint.
func (b *Breaker) State(endpoint string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(endpoint).state
}

// transition must be called with the mutex held.
func (b *Breaker) transition(endpoint string, c *circuit, to CircuitState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn(context.Background(), "Circuit state changed", map[string]interface{}{
			"endpoint": endpoint,
			"from":     string(from),
			"to":       string(to),
			"failures": c.failures,
			"cooldown": c.cooldown.String(),
		})
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(endpoint, from, to)
	}
}
