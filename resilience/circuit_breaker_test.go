package resilience

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, clock *fakeClock, maxFailures int, window, reset time.Duration) *CircuitBreaker {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.MaxFailures = maxFailures
	cfg.FailureWindow = window
	cfg.ResetTimeout = reset
	cfg.now = clock.Now

	cb, err := NewCircuitBreaker(cfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	return cb
}

func TestBreakerVisitsStatesInOrder(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 3, time.Minute, 30*time.Second)

	if cb.State() != StateClosed {
		t.Fatalf("initial state = %s, want closed", cb.State())
	}

	// Two failures stay closed
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("state after 2 failures = %s, want closed", cb.State())
	}

	// Third failure opens
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state after 3 failures = %s, want open", cb.State())
	}
	if cb.IsAvailable() {
		t.Error("open breaker reported available before reset timeout")
	}

	// After reset timeout, IsAvailable lazily transitions to half-open
	clock.Advance(31 * time.Second)
	if !cb.IsAvailable() {
		t.Error("breaker did not allow probe after reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("state after probe allowance = %s, want half-open", cb.State())
	}

	// Probe success closes
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state after probe success = %s, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 1, time.Minute, 10*time.Second)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	clock.Advance(11 * time.Second)
	if !cb.IsAvailable() {
		t.Fatal("probe not allowed")
	}

	// Failed probe re-arms the open timer
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state after failed probe = %s, want open", cb.State())
	}
	if cb.IsAvailable() {
		t.Error("breaker available immediately after failed probe")
	}

	// The timer restarted at the probe failure, not at the original open
	clock.Advance(11 * time.Second)
	if !cb.IsAvailable() {
		t.Error("second probe not allowed after re-armed timeout")
	}
}

func TestFailureWindowPruning(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 3, 10*time.Second, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()

	// Let both failures age out of the window
	clock.Advance(11 * time.Second)
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("stale failures counted toward threshold, state = %s", cb.State())
	}

	metrics := cb.Metrics()
	if metrics["failure_count"] != 1 {
		t.Errorf("failure_count = %v, want 1 after pruning", metrics["failure_count"])
	}
}

func TestSuccessInClosedResetsCounter(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 3, time.Minute, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed (counter was reset by success)", cb.State())
	}
}

func TestResetIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 1, time.Minute, time.Minute)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	cb.Reset()
	first := cb.Metrics()
	cb.Reset()
	second := cb.Metrics()

	if cb.State() != StateClosed {
		t.Errorf("state after reset = %s, want closed", cb.State())
	}
	if first["failure_count"] != second["failure_count"] {
		t.Errorf("reset not idempotent: %v vs %v", first, second)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 2, time.Minute, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()

	metrics := cb.Metrics()
	if metrics["state"] != "open" {
		t.Errorf("state = %v, want open", metrics["state"])
	}
	if metrics["failure_count"] != 2 {
		t.Errorf("failure_count = %v, want 2", metrics["failure_count"])
	}
	if _, ok := metrics["opened_at"]; !ok {
		t.Error("opened_at missing from open breaker metrics")
	}
	if _, ok := metrics["last_failure_at"]; !ok {
		t.Error("last_failure_at missing from metrics")
	}
}

func TestConcurrentProbesAreAcceptable(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock, 1, time.Minute, time.Second)

	cb.RecordFailure()
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cb.IsAvailable()
		}(i)
	}
	wg.Wait()

	// All concurrent probes may pass; resolution wins
	if cb.State() != StateHalfOpen {
		t.Errorf("state = %s, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state after resolution = %s, want closed", cb.State())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"zero max failures", func(c *Config) { c.MaxFailures = 0 }},
		{"zero window", func(c *Config) { c.FailureWindow = 0 }},
		{"zero reset timeout", func(c *Config) { c.ResetTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("ok")
			tt.mutate(cfg)
			if _, err := NewCircuitBreaker(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := NewCircuitBreaker(nil); err == nil {
		t.Error("expected error for nil config")
	}
}
