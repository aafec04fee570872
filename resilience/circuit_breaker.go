// Package resilience provides the per-resource availability gates that
// protect downstream services. Each registered tool owns one
// CircuitBreaker; breakers live for the process lifetime.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a probe request to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string)                      {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// Config holds configuration for the circuit breaker
type Config struct {
	// Name identifies the circuit breaker (usually the tool name)
	Name string

	// MaxFailures is the failure count that opens the circuit
	MaxFailures int

	// FailureWindow is the trailing window failures must fall within
	// to count toward MaxFailures
	FailureWindow time.Duration

	// ResetTimeout is how long the circuit stays open before a probe
	// is allowed through
	ResetTimeout time.Duration

	// Logger for state change events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector

	// now is swappable for tests
	now func() time.Time
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:          name,
		MaxFailures:   3,
		FailureWindow: 60 * time.Second,
		ResetTimeout:  30 * time.Second,
		Logger:        &core.NoOpLogger{},
		Metrics:       &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("max failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure window must be positive, got %v", c.FailureWindow)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	return nil
}

// CircuitBreaker is a three-state availability gate. Transitions happen
// on calls into the breaker, never on background timers: the Open to
// HalfOpen edge is observed lazily when IsAvailable is called after the
// reset timeout has elapsed. The probe caller resolves HalfOpen by
// invoking RecordSuccess or RecordFailure.
type CircuitBreaker struct {
	config *Config

	mu            sync.Mutex
	state         CircuitState
	failures      []time.Time // timestamps of counted failures, pruned by FailureWindow
	lastFailureAt time.Time
	openedAt      time.Time
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for
// missing optional fields.
func NewCircuitBreaker(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}, nil
}

// IsAvailable reports whether a call may proceed. In Open state it also
// performs the lazy transition to HalfOpen once the reset timeout has
// elapsed; concurrent callers may both observe HalfOpen, which is
// acceptable - the resolution call wins.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if cb.config.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false
	default:
		return false
	}
}

// RecordSuccess resolves a HalfOpen probe to Closed and resets the
// failure counter in Closed state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateClosed)
		cb.failures = nil
		cb.lastFailureAt = time.Time{}
		cb.openedAt = time.Time{}
	case StateClosed:
		cb.failures = nil
	}
}

// RecordFailure discards counted failures older than the failure window,
// counts the new failure, and opens the circuit when the threshold is
// reached. A failed HalfOpen probe re-arms the open timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.now()
	cb.config.Metrics.RecordFailure(cb.config.Name)
	cb.lastFailureAt = now

	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		cb.openedAt = now
		return
	}

	cb.pruneLocked(now)
	cb.failures = append(cb.failures, now)

	if cb.state == StateClosed && len(cb.failures) >= cb.config.MaxFailures {
		cb.transition(StateOpen)
		cb.openedAt = now
	}
}

// Reset returns the breaker to Closed and clears all counters. It is
// idempotent and intended for operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.failures = nil
	cb.lastFailureAt = time.Time{}
	cb.openedAt = time.Time{}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot used by health endpoints and error envelopes.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneLocked(cb.config.now())

	metrics := map[string]interface{}{
		"name":           cb.config.Name,
		"state":          cb.state.String(),
		"failure_count":  len(cb.failures),
		"max_failures":   cb.config.MaxFailures,
		"failure_window": cb.config.FailureWindow.String(),
		"reset_timeout":  cb.config.ResetTimeout.String(),
	}
	if !cb.lastFailureAt.IsZero() {
		metrics["last_failure_at"] = cb.lastFailureAt.UTC().Format(time.RFC3339)
	}
	if !cb.openedAt.IsZero() {
		metrics["opened_at"] = cb.openedAt.UTC().Format(time.RFC3339)
	}
	return metrics
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// pruneLocked drops counted failures that fell out of the trailing
// window. Caller must hold cb.mu.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}

// transition changes state and emits observability events. Caller must
// hold cb.mu.
func (cb *CircuitBreaker) transition(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "circuit_breaker_transition",
		"name":          cb.config.Name,
		"from":          oldState.String(),
		"to":            newState.String(),
		"failure_count": len(cb.failures),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}
