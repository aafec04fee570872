package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
)

// RecoveryReport counts what one scan did.
type RecoveryReport struct {
	Scanned   int
	Recovered int
	Abandoned int
	Failed    int
}

// RecoveryManager closes out threads whose turn died mid-flight. It
// does not re-execute anything: the latest checkpoint plus its partial
// results are the final record for that turn, so a validated thread is
// simply marked complete. Threads whose checkpoints never validate are
// abandoned after a bounded number of attempts.
type RecoveryManager struct {
	store       checkpoint.Store
	olderThan   time.Duration
	maxAttempts int
	logger      core.Logger
	telemetry   core.Telemetry

	mu       sync.Mutex
	attempts map[string]int
}

// RecoveryOption configures a RecoveryManager.
type RecoveryOption func(*RecoveryManager)

// WithRecoveryLogger sets the logger.
func WithRecoveryLogger(logger core.Logger) RecoveryOption {
	return func(r *RecoveryManager) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecoveryTelemetry sets the telemetry sink.
func WithRecoveryTelemetry(t core.Telemetry) RecoveryOption {
	return func(r *RecoveryManager) {
		if t != nil {
			r.telemetry = t
		}
	}
}

// WithStaleAfter sets how long a thread must sit untouched before the
// scan considers it dead rather than merely slow.
func WithStaleAfter(d time.Duration) RecoveryOption {
	return func(r *RecoveryManager) { r.olderThan = d }
}

// NewRecoveryManager builds a manager. maxAttempts <= 0 uses the
// config default of 3.
func NewRecoveryManager(store checkpoint.Store, maxAttempts int, opts ...RecoveryOption) *RecoveryManager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	r := &RecoveryManager{
		store:       store,
		olderThan:   5 * time.Minute,
		maxAttempts: maxAttempts,
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ScanAndRecover examines stale active threads once. It is idempotent:
// a thread closed out by one scan is invisible to the next, and the
// attempt counter never increments past the cap.
func (r *RecoveryManager) ScanAndRecover(ctx context.Context) RecoveryReport {
	var report RecoveryReport

	threadIDs, err := r.store.IncompleteThreads(ctx, r.olderThan)
	if err != nil {
		r.logger.Error("Recovery scan failed", map[string]interface{}{
			"operation": "recovery_scan",
			"error":     err.Error(),
		})
		return report
	}
	report.Scanned = len(threadIDs)

	for _, threadID := range threadIDs {
		if ctx.Err() != nil {
			break
		}
		r.recoverThread(ctx, threadID, &report)
	}

	if report.Scanned > 0 {
		r.logger.Info("Recovery scan finished", map[string]interface{}{
			"operation": "recovery_scan",
			"scanned":   report.Scanned,
			"recovered": report.Recovered,
			"abandoned": report.Abandoned,
			"failed":    report.Failed,
		})
	}
	r.telemetry.RecordMetric("recovery.scanned", float64(report.Scanned), nil)
	r.telemetry.RecordMetric("recovery.recovered", float64(report.Recovered), nil)
	r.telemetry.RecordMetric("recovery.abandoned", float64(report.Abandoned), nil)
	return report
}

func (r *RecoveryManager) recoverThread(ctx context.Context, threadID string, report *RecoveryReport) {
	r.mu.Lock()
	attempt := r.attempts[threadID]
	if attempt >= r.maxAttempts {
		r.mu.Unlock()
		r.abandon(ctx, threadID, "max recovery attempts exceeded")
		report.Abandoned++
		return
	}
	r.attempts[threadID] = attempt + 1
	r.mu.Unlock()

	record, err := r.store.Latest(ctx, threadID)
	if err != nil {
		r.logger.Error("Recovery cannot load thread", map[string]interface{}{
			"operation": "recovery_scan",
			"thread_id": threadID,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
		report.Failed++
		return
	}

	state, err := core.DecodeState(record.State)
	if err == nil {
		err = core.ValidateState(state)
	}
	if err != nil {
		// Integrity failure; the thread stays active and gets another
		// attempt on the next scan until the cap abandons it.
		r.logger.Warn("Checkpoint failed validation", map[string]interface{}{
			"operation": "recovery_scan",
			"thread_id": threadID,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
		report.Failed++
		return
	}

	if err := r.store.MarkThread(ctx, threadID, core.ThreadComplete); err != nil {
		report.Failed++
		return
	}
	report.Recovered++
	r.forget(threadID)

	r.logger.Info("Closed out interrupted thread", map[string]interface{}{
		"operation":     "recovery_scan",
		"thread_id":     threadID,
		"checkpoint_id": record.CheckpointID,
	})
}

func (r *RecoveryManager) abandon(ctx context.Context, threadID, reason string) {
	if err := r.store.MarkThread(ctx, threadID, core.ThreadIncomplete); err != nil {
		r.logger.Error("Abandoning thread failed", map[string]interface{}{
			"operation": "recovery_scan",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}
	r.forget(threadID)
	r.logger.Warn("Abandoned unrecoverable thread", map[string]interface{}{
		"operation": "recovery_scan",
		"thread_id": threadID,
		"reason":    reason,
	})
}

func (r *RecoveryManager) forget(threadID string) {
	r.mu.Lock()
	delete(r.attempts, threadID)
	r.mu.Unlock()
}

// Start runs a scan immediately and then on every tick until ctx ends.
func (r *RecoveryManager) Start(ctx context.Context, interval time.Duration) {
	go func() {
		r.ScanAndRecover(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ScanAndRecover(ctx)
			}
		}
	}()
}
