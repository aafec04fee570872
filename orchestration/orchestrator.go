// Package orchestration ties the subsystems into one request pipeline:
// classify, optionally delegate across tiers, run the workflow engine,
// and track thread lifecycle for crash recovery.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/delegation"
	"github.com/agentflow-io/agentflow/engine"
	"github.com/agentflow-io/agentflow/intent"
)

// Result is the outcome of one orchestrated query.
type Result struct {
	RequestID string `json:"request_id"`
	ThreadID  string `json:"thread_id"`
	Answer    string `json:"answer"`

	// Clarification marks a turn that short-circuited before any model
	// or tool call because a required slot was missing.
	Clarification bool `json:"clarification,omitempty"`

	Iterations  int                 `json:"iterations"`
	ContextUsed int                 `json:"context_used"`
	ToolsUsed   []map[string]string `json:"tools_used,omitempty"`
	LatencyMS   int64               `json:"latency_ms"`

	Delegated bool              `json:"delegated,omitempty"`
	Trace     *delegation.Trace `json:"trace,omitempty"`

	// Error carries a turn-level failure embedded in state; the HTTP
	// layer still returns 200 with the apologetic answer.
	Error string `json:"error,omitempty"`
}

// Orchestrator owns the request pipeline. All collaborators except the
// engine and store are optional.
type Orchestrator struct {
	engine     *engine.Engine
	store      checkpoint.Store
	cfg        *core.Config
	classifier *intent.Classifier
	delegator  *delegation.Manager
	logger     core.Logger
	telemetry  core.Telemetry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier enables pre-flight intent analysis and clarification.
func WithClassifier(c *intent.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithDelegation enables multi-tier delegation for complex queries.
func WithDelegation(m *delegation.Manager) Option {
	return func(o *Orchestrator) { o.delegator = m }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// New builds an Orchestrator.
func New(eng *engine.Engine, store checkpoint.Store, cfg *core.Config, opts ...Option) (*Orchestrator, error) {
	if eng == nil || store == nil || cfg == nil {
		return nil, fmt.Errorf("orchestrator: %w: engine, store, and config are required", core.ErrInvalidConfiguration)
	}
	o := &Orchestrator{
		engine:    eng,
		store:     store,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Query runs one turn end to end. The thread stays active until the
// turn terminates; a crash between those points leaves it for the
// recovery scan. Panics anywhere in the turn become an error result.
func (o *Orchestrator) Query(ctx context.Context, threadID, query string) (result *Result, err error) {
	start := time.Now()
	requestID := uuid.NewString()
	if threadID == "" {
		threadID = uuid.NewString()
	}

	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.query")
	defer span.End()
	span.SetAttribute("request_id", requestID)
	span.SetAttribute("thread_id", threadID)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Query panicked", map[string]interface{}{
				"operation":  "orchestrator_query",
				"request_id": requestID,
				"thread_id":  threadID,
				"panic":      fmt.Sprintf("%v", r),
			})
			result = &Result{
				RequestID: requestID,
				ThreadID:  threadID,
				Answer:    "I could not complete that request: internal error.",
				Error:     fmt.Sprintf("panic: %v", r),
				LatencyMS: time.Since(start).Milliseconds(),
			}
			err = nil
		}
		if result != nil {
			o.telemetry.RecordMetric("orchestrator.query.duration_ms",
				float64(result.LatencyMS), map[string]string{"delegated": fmt.Sprintf("%t", result.Delegated)})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	if o.classifier != nil {
		analysis := o.classifier.Analyze(query)
		if analysis.RequiresClarification {
			return o.clarify(ctx, requestID, threadID, query, analysis, start)
		}
	}

	if o.delegator != nil && o.cfg.EnableDelegation {
		// Direct plans run as a single call on the task type's tier;
		// Decompose plans fan out. Either way the engine is bypassed.
		plan := o.delegator.Plan(query)
		if res, derr := o.delegate(ctx, requestID, threadID, query, plan, start); derr == nil {
			return res, nil
		} else {
			// Delegation trouble is not fatal; the single-provider
			// engine path still gets a chance at the query.
			o.logger.Warn("Delegation failed, falling back to engine", map[string]interface{}{
				"operation":  "orchestrator_query",
				"request_id": requestID,
				"error":      derr.Error(),
			})
		}
	}

	state, err := o.seedOrContinue(ctx, threadID, query)
	if err != nil {
		return nil, err
	}

	final, err := o.engine.Run(ctx, threadID, state)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if merr := o.store.MarkThread(ctx, threadID, core.ThreadComplete); merr != nil {
		o.logger.Warn("Marking thread complete failed", map[string]interface{}{
			"operation": "orchestrator_query",
			"thread_id": threadID,
			"error":     merr.Error(),
		})
	}

	return &Result{
		RequestID:   requestID,
		ThreadID:    threadID,
		Answer:      engine.Answer(final),
		Iterations:  final.RetryCount,
		ContextUsed: len(final.Messages),
		ToolsUsed:   engine.ToolsUsed(final),
		LatencyMS:   time.Since(start).Milliseconds(),
		Error:       final.Error,
	}, nil
}

// Resume continues a previously interrupted thread from its latest
// checkpoint without adding a new user message.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	final, err := o.engine.Resume(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator resume: %w", err)
	}
	if merr := o.store.MarkThread(ctx, threadID, core.ThreadComplete); merr != nil {
		o.logger.Warn("Marking thread complete failed", map[string]interface{}{
			"operation": "orchestrator_resume",
			"thread_id": threadID,
			"error":     merr.Error(),
		})
	}
	return &Result{
		RequestID:   requestID,
		ThreadID:    threadID,
		Answer:      engine.Answer(final),
		Iterations:  final.RetryCount,
		ContextUsed: len(final.Messages),
		ToolsUsed:   engine.ToolsUsed(final),
		LatencyMS:   time.Since(start).Milliseconds(),
		Error:       final.Error,
	}, nil
}

// clarify answers with the intent's clarifying question, touching
// neither provider nor tools. The exchange is checkpointed so the
// follow-up turn sees the question in its history.
func (o *Orchestrator) clarify(ctx context.Context, requestID, threadID, query string, analysis intent.Analysis, start time.Time) (*Result, error) {
	state, err := o.seedOrContinue(ctx, threadID, query)
	if err != nil {
		return nil, err
	}
	state.Messages = append(state.Messages, core.Message{
		Role:    core.RoleAssistant,
		Content: analysis.ClarifyingQuestion,
	})
	state.NextAction = core.ActionEnd

	blob, err := core.EncodeState(state)
	if err != nil {
		return nil, fmt.Errorf("orchestrator clarify: %w", err)
	}
	// The turn is over once the question is asked; the thread must not
	// linger in the recovery scan's candidate set.
	if _, err := o.store.Put(ctx, threadID, blob, core.ThreadComplete); err != nil {
		return nil, fmt.Errorf("orchestrator clarify: %w", err)
	}

	o.logger.Info("Clarification short-circuit", map[string]interface{}{
		"operation":  "orchestrator_query",
		"request_id": requestID,
		"thread_id":  threadID,
		"intent":     analysis.Intent,
	})
	return &Result{
		RequestID:     requestID,
		ThreadID:      threadID,
		Answer:        analysis.ClarifyingQuestion,
		Clarification: true,
		ContextUsed:   len(state.Messages),
		LatencyMS:     time.Since(start).Milliseconds(),
	}, nil
}

// delegate runs a tier-routed plan and records the exchange as a
// completed thread turn.
func (o *Orchestrator) delegate(ctx context.Context, requestID, threadID, query string, plan delegation.Decomposition, start time.Time) (*Result, error) {
	outcome, err := o.delegator.Execute(ctx, requestID, query, plan)
	if err != nil {
		return nil, err
	}

	state, err := o.seedOrContinue(ctx, threadID, query)
	if err != nil {
		return nil, err
	}
	state.Messages = append(state.Messages, core.Message{
		Role:    core.RoleAssistant,
		Content: outcome.Answer,
	})
	state.NextAction = core.ActionEnd

	blob, err := core.EncodeState(state)
	if err != nil {
		return nil, fmt.Errorf("orchestrator delegate: %w", err)
	}
	if _, err := o.store.Put(ctx, threadID, blob, core.ThreadComplete); err != nil {
		return nil, fmt.Errorf("orchestrator delegate: %w", err)
	}

	return &Result{
		RequestID:   requestID,
		ThreadID:    threadID,
		Answer:      outcome.Answer,
		ContextUsed: len(state.Messages),
		LatencyMS:   time.Since(start).Milliseconds(),
		Delegated:   true,
		Trace:       outcome.Trace,
	}, nil
}

// seedOrContinue starts a fresh state or, for a known thread, appends
// the new user message to the persisted conversation.
func (o *Orchestrator) seedOrContinue(ctx context.Context, threadID, query string) (*core.WorkflowState, error) {
	record, err := o.store.Latest(ctx, threadID)
	if err != nil {
		if core.IsNotFound(err) {
			return o.engine.Seed(threadID, query), nil
		}
		return nil, fmt.Errorf("orchestrator: load thread: %w", err)
	}

	state, err := core.DecodeState(record.State)
	if err != nil {
		o.logger.Warn("Corrupt thread state, starting fresh", map[string]interface{}{
			"operation": "orchestrator_query",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return o.engine.Seed(threadID, query), nil
	}

	state.Messages = append(state.Messages, core.Message{Role: core.RoleUser, Content: query})
	state.NextAction = core.ActionLLM
	state.Error = ""
	state.RetryCount = 0
	return state, nil
}
