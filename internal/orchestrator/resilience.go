package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
)

// RetryConfig configures exponential backoff between acquire attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerSettings tunes the per-capability circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed while half-open (default 3)
}

// CircuitBreakerRegistry manages per-capability circuit breakers.
// A capability whose executor keeps failing trips its breaker, and tasks
// needing it fail fast until the breaker lets a probe through.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry with
// default settings.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistryWith(BreakerSettings{})
}

// NewCircuitBreakerRegistryWith creates a registry with custom settings.
// Zero fields take their defaults.
func NewCircuitBreakerRegistryWith(s BreakerSettings) *CircuitBreakerRegistry {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 3
	}
	return &CircuitBreakerRegistry{
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given capability.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(capability string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[capability]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        capability,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "capability", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the coordinator's doing, not the executor's
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[capability] = cb
	return cb
}

// States reports the current state of every breaker, keyed by capability.
func (r *CircuitBreakerRegistry) States() map[string]gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]gobreaker.State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// acquireWithRetry acquires a worker, retrying PoolExhausted with
// exponential backoff up to retries extra attempts. Any other error stops
// immediately.
func acquireWithRetry(ctx context.Context, pool *agent.Pool, capability agent.Capability, taskID string, timeout time.Duration, retries int, retryCfg RetryConfig) (agent.WorkerRecord, error) {
	var rec agent.WorkerRecord

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		got, err := pool.Acquire(ctx, capability, taskID, timeout)
		if err != nil {
			if errors.Is(err, agent.ErrPoolExhausted) {
				slog.Debug("acquire exhausted, retrying", "task", taskID, "capability", capability)
				return err
			}
			return backoff.Permanent(err)
		}
		rec = got
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = 0 // bounded by retry count instead
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		return agent.WorkerRecord{}, err
	}
	return rec, nil
}

// executeWithBreaker runs one assignment through the capability's circuit
// breaker.
func executeWithBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, exec backend.Executor, a backend.Assignment, hb backend.Heartbeat) (backend.Completion, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return exec.Execute(ctx, a, hb)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backend.Completion{}, fmt.Errorf("%w: executor for %s unavailable: %w", agent.ErrWorkerFailure, a.Capability, err)
		}
		return backend.Completion{}, err
	}
	return result.(backend.Completion), nil
}
