// Package resilience wraps calls to external collaborators (ROT, cluster
// backend, telemetry handler, secure-storage gateway, broker) with retry and
// circuit-breaking so a degraded collaborator degrades one entity to FAILED
// instead of blocking a watch loop.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many half-open requests")
)

// BreakerConfig configures a CircuitBreaker guarding one collaborator
// endpoint.
type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker trips after MaxFailures consecutive failures and refuses
// calls for Timeout before probing again.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        BreakerState
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling fn while the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case BreakerHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMax {
				cb.reset(BreakerClosed)
			}
		case BreakerClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	switch cb.state {
	case BreakerHalfOpen:
		cb.reset(BreakerOpen)
	case BreakerClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.reset(BreakerOpen)
		}
	}
}

func (cb *CircuitBreaker) reset(to BreakerState) {
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0
}
