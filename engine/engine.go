// Package engine implements the workflow state-graph interpreter. The
// graph has three nodes (llm, tools, validate) and a terminal sink;
// routing is driven entirely by WorkflowState.NextAction, and a
// checkpoint is written after every node transition so a crashed turn
// can be inspected or resumed from its last good state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow-io/agentflow/ai"
	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/intent"
	"github.com/agentflow-io/agentflow/tools"
)

const decisionPrompt = `You are a tool-using assistant. Decide whether the user's request needs a tool.
Respond with exactly one JSON object and nothing else:
  {"type":"tool_call","tool":"<tool name>","arguments":{...}}
or
  {"type":"answer","content":"<your answer>"}
Available tools:
%s`

const synthesisPrompt = `You are a helpful assistant. Tool results for the user's request appear in the conversation. Answer the user naturally and concisely using those results. Do not mention the tools or emit JSON.`

const directPrompt = `You are a helpful assistant. Answer the user concisely.`

// Engine runs one conversation turn to termination. It is sequential
// per turn; only the tools node fans out.
type Engine struct {
	provider  ai.Provider
	registry  *tools.Registry
	store     checkpoint.Store
	cfg       *core.Config
	logger    core.Logger
	telemetry core.Telemetry
	compactor *Compactor
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithCompactor enables context compaction before each llm node.
func WithCompactor(c *Compactor) Option {
	return func(e *Engine) {
		e.compactor = c
	}
}

// New creates an Engine. provider, registry, store, and cfg are required.
func New(provider ai.Provider, registry *tools.Registry, store checkpoint.Store, cfg *core.Config, opts ...Option) (*Engine, error) {
	if provider == nil || registry == nil || store == nil || cfg == nil {
		return nil, fmt.Errorf("engine: %w: provider, registry, store, and config are required", core.ErrInvalidConfiguration)
	}

	e := &Engine{
		provider:  provider,
		registry:  registry,
		store:     store,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Seed builds the initial state for a fresh turn.
func (e *Engine) Seed(threadID, query string) *core.WorkflowState {
	var messages []core.Message
	if e.cfg.SystemPrompt != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: e.cfg.SystemPrompt})
	}
	messages = append(messages, core.Message{Role: core.RoleUser, Content: query})

	return &core.WorkflowState{
		Messages:       messages,
		NextAction:     core.ActionLLM,
		ConversationID: threadID,
		Metadata:       map[string]interface{}{},
	}
}

// Run interprets the graph until End. The returned state carries the
// final answer (last assistant message) or an error string; Run itself
// errors only on checkpoint write failure or an unroutable state.
func (e *Engine) Run(ctx context.Context, threadID string, state *core.WorkflowState) (*core.WorkflowState, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "engine.run")
	defer span.End()
	span.SetAttribute("thread_id", threadID)

	state = state.Clone()

	for {
		if ctx.Err() != nil {
			state.Error = "deadline exceeded"
			state.NextAction = core.ActionEnd
			e.logger.Warn("Turn deadline expired", map[string]interface{}{
				"operation": "engine_run",
				"thread_id": threadID,
			})
			if err := e.flushFinal(threadID, state); err != nil {
				return state, err
			}
			return state, nil
		}

		switch state.NextAction {
		case core.ActionLLM:
			e.llmNode(ctx, state)
		case core.ActionTools:
			e.toolsNode(ctx, state)
		case core.ActionValidate:
			e.validateNode(state)
		case core.ActionEnd:
			if err := e.writeCheckpoint(ctx, threadID, state); err != nil {
				return state, err
			}
			return state, nil
		default:
			return state, fmt.Errorf("engine: unroutable next action %q", state.NextAction)
		}

		if err := e.writeCheckpoint(ctx, threadID, state); err != nil {
			return state, err
		}
	}
}

// Resume loads the latest checkpoint for a thread and continues from
// the node its NextAction names.
func (e *Engine) Resume(ctx context.Context, threadID string) (*core.WorkflowState, error) {
	record, err := e.store.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("engine resume: %w", err)
	}
	state, err := core.DecodeState(record.State)
	if err != nil {
		return nil, fmt.Errorf("engine resume: %w", err)
	}
	return e.Run(ctx, threadID, state)
}

func (e *Engine) writeCheckpoint(ctx context.Context, threadID string, state *core.WorkflowState) error {
	blob, err := core.EncodeState(state)
	if err != nil {
		return fmt.Errorf("engine checkpoint: %w", err)
	}
	if _, err := e.store.Put(ctx, threadID, blob, core.ThreadActive); err != nil {
		return fmt.Errorf("engine checkpoint: %w", err)
	}
	return nil
}

// flushFinal writes the terminal checkpoint after the request context
// died; it gets its own short deadline.
func (e *Engine) flushFinal(threadID string, state *core.WorkflowState) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.writeCheckpoint(flushCtx, threadID, state)
}

// llmNode calls the provider in one of two modes. Decision mode asks
// for strict JSON choosing between a tool call and a direct answer;
// synthesis mode (after tool results) asks for a plain-text answer.
func (e *Engine) llmNode(ctx context.Context, state *core.WorkflowState) {
	if e.compactor != nil {
		e.compactor.Compact(ctx, state)
	}

	trimmed := lastN(state.Messages, e.cfg.ContextWindow)
	last := state.LastMessage()
	// Synthesis only once a tool has actually produced something; after
	// a failed tool the model gets another decision pass so it can retry
	// the tool or answer around the failure.
	synthesis := last != nil && last.Role == core.RoleTool && lastResultSucceeded(state)

	lastUser := state.LastUserMessage()
	useTools := !synthesis && e.registry.Len() > 0 &&
		lastUser != nil && intent.RequiresTools(lastUser.Content)

	req := ai.Request{
		Messages:    trimmed,
		Temperature: e.cfg.Temperature,
	}
	switch {
	case synthesis:
		req.SystemPrompt = synthesisPrompt
	case useTools:
		req.SystemPrompt = fmt.Sprintf(decisionPrompt, renderSchemas(e.registry.ToOpenAISchema()))
		req.JSONOnly = true
	default:
		req.SystemPrompt = directPrompt
	}

	resp, err := e.generateAnswer(ctx, req)
	if err != nil {
		// Transient provider failures route through validate, which
		// bounds the retries at max_iterations.
		e.logger.Error("Provider call failed", map[string]interface{}{
			"operation": "llm_node",
			"provider":  e.provider.Name(),
			"error":     err.Error(),
		})
		state.NextAction = core.ActionValidate
		return
	}

	if synthesis || !useTools {
		state.Messages = append(state.Messages, core.Message{
			Role:    core.RoleAssistant,
			Content: resp.Content,
		})
		state.NextAction = core.ActionValidate
		return
	}

	e.routeDecision(state, resp)
}

// generateAnswer calls the provider, sampling the response multiple
// times when self-consistency is configured. Voting only applies to
// plain-text answers; decision-mode JSON has no meaningful majority,
// so JSONOnly requests always take a single sample.
func (e *Engine) generateAnswer(ctx context.Context, req ai.Request) (*ai.Response, error) {
	resp, err := e.provider.Generate(ctx, req)
	if err != nil || req.JSONOnly || e.cfg.SelfConsistencySamples <= 1 {
		return resp, err
	}

	votes := map[string]int{}
	first := map[string]*ai.Response{}
	key := normalizeAnswer(resp.Content)
	votes[key]++
	first[key] = resp

	for i := 1; i < e.cfg.SelfConsistencySamples; i++ {
		sample, serr := e.provider.Generate(ctx, req)
		if serr != nil {
			// Votes gathered so far still decide the answer.
			e.logger.Warn("Self-consistency sample failed", map[string]interface{}{
				"operation": "llm_node",
				"sample":    i + 1,
				"error":     serr.Error(),
			})
			break
		}
		k := normalizeAnswer(sample.Content)
		votes[k]++
		if _, seen := first[k]; !seen {
			first[k] = sample
		}
	}

	best, bestVotes := key, 0
	for k, n := range votes {
		if n > bestVotes || (n == bestVotes && k == key) {
			best, bestVotes = k, n
		}
	}
	return first[best], nil
}

// normalizeAnswer folds trivial variation so equivalent answers vote
// together.
func normalizeAnswer(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}

// routeDecision interprets a decision-mode response. Native tool calls
// from the provider win; otherwise the strict-JSON contract is parsed
// permissively, and anything unparseable becomes a plain answer.
func (e *Engine) routeDecision(state *core.WorkflowState, resp *ai.Response) {
	if len(resp.ToolCalls) > 0 {
		calls := resp.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = uuid.NewString()
			}
		}
		state.Messages = append(state.Messages, core.Message{
			Role:      core.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		state.NextAction = core.ActionTools
		return
	}

	parsed := core.ExtractJSON(resp.Content)
	if parsed != nil {
		kind, _ := parsed["type"].(string)
		switch kind {
		case "tool_call":
			name, _ := parsed["tool"].(string)
			args, _ := parsed["arguments"].(map[string]interface{})
			if name != "" {
				state.Messages = append(state.Messages, core.Message{
					Role: core.RoleAssistant,
					ToolCalls: []core.ToolCall{{
						ID:        uuid.NewString(),
						Name:      name,
						Arguments: args,
					}},
				})
				state.NextAction = core.ActionTools
				return
			}
		case "answer":
			if content, ok := parsed["content"].(string); ok {
				state.Messages = append(state.Messages, core.Message{
					Role:    core.RoleAssistant,
					Content: content,
				})
				state.NextAction = core.ActionValidate
				return
			}
		}
	}

	// Malformed decision output is treated as a direct answer.
	state.Messages = append(state.Messages, core.Message{
		Role:    core.RoleAssistant,
		Content: resp.Content,
	})
	state.NextAction = core.ActionValidate
}

// toolsNode executes the last assistant message's tool calls in
// parallel, each under its own deadline, and appends results in call
// order.
func (e *Engine) toolsNode(ctx context.Context, state *core.WorkflowState) {
	last := state.LastMessage()
	if last == nil || last.Role != core.RoleAssistant || len(last.ToolCalls) == 0 {
		state.NextAction = core.ActionValidate
		return
	}

	calls := last.ToolCalls
	if len(calls) > e.cfg.MaxToolCallsPerTurn {
		e.logger.Warn("Capping tool calls for turn", map[string]interface{}{
			"operation": "tools_node",
			"requested": len(calls),
			"cap":       e.cfg.MaxToolCallsPerTurn,
		})
		calls = calls[:e.cfg.MaxToolCallsPerTurn]
	}

	results := make([]core.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call core.ToolCall) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
			defer cancel()
			results[i] = e.registry.Call(callCtx, call.Name, call.Arguments)
		}(i, call)
	}
	wg.Wait()

	for i, result := range results {
		state.Messages = append(state.Messages, core.Message{
			Role:       core.RoleTool,
			Content:    renderResult(result),
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
		})
		state.ToolResults = append(state.ToolResults, result)
	}
	state.NextAction = core.ActionValidate
}

// validateNode decides whether the turn is finished. Any path that
// loops back to the llm node consumes one iteration first, so a turn
// with max_iterations=1 gets exactly one model call.
func (e *Engine) validateNode(state *core.WorkflowState) {
	if state.Error != "" {
		state.NextAction = core.ActionEnd
		return
	}

	last := state.LastMessage()
	if last != nil && last.Role == core.RoleAssistant &&
		last.Content != "" && len(last.ToolCalls) == 0 {
		state.NextAction = core.ActionEnd
		return
	}

	state.RetryCount++
	if state.RetryCount >= e.cfg.MaxIterations {
		state.Error = "max iterations exceeded"
		state.NextAction = core.ActionEnd
		return
	}
	state.NextAction = core.ActionLLM
}

func lastResultSucceeded(state *core.WorkflowState) bool {
	if len(state.ToolResults) == 0 {
		return false
	}
	return state.ToolResults[len(state.ToolResults)-1].Status == core.ToolStatusSuccess
}

// Answer extracts the user-visible reply from a finished state.
func Answer(state *core.WorkflowState) string {
	if state.Error != "" {
		return fmt.Sprintf("I could not complete that request: %s.", state.Error)
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Role == core.RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return "I was unable to produce an answer."
}

// ToolsUsed summarizes tool activity for response metadata, one entry
// per tool name with its final status.
func ToolsUsed(state *core.WorkflowState) []map[string]string {
	byName := make(map[string]string)
	var order []string
	for _, r := range state.ToolResults {
		if _, seen := byName[r.ToolName]; !seen {
			order = append(order, r.ToolName)
		}
		byName[r.ToolName] = string(r.Status)
	}
	sort.Strings(order)

	out := make([]map[string]string, 0, len(order))
	for _, name := range order {
		out = append(out, map[string]string{"tool": name, "status": byName[name]})
	}
	return out
}

func lastN(messages []core.Message, n int) []core.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func renderSchemas(specs []core.FunctionSpec) string {
	if len(specs) == 0 {
		return "(none)"
	}
	blob, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return "(unavailable)"
	}
	return string(blob)
}

// renderResult produces the human-readable tool message content the
// synthesis call sees. Scalars pass through; structures become JSON.
func renderResult(result core.ToolResult) string {
	switch result.Status {
	case core.ToolStatusTimeout:
		return fmt.Sprintf("Tool %s timed out.", result.ToolName)
	case core.ToolStatusError:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("Tool %s failed: %s", result.ToolName, msg)
	}

	payload := result.Payload
	if inner, ok := payload["data"]; ok {
		return renderValue(inner)
	}
	filtered := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == "status" {
			continue
		}
		filtered[k] = v
	}
	if len(filtered) == 1 {
		for _, v := range filtered {
			return renderValue(v)
		}
	}
	return renderValue(filtered)
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "(empty result)"
	case string:
		return val
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		blob, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(blob)
	}
}
