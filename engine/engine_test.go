package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentflow-io/agentflow/ai"
	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/tools"
)

// scriptedProvider replays canned responses and records every request
// so tests can assert on prompts.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []ai.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("script exhausted after %d calls", len(p.requests))
	}
	content := p.responses[0]
	p.responses = p.responses[1:]
	return &ai.Response{Content: content, Provider: "scripted"}, nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req ai.Request, fn ai.StreamFunc) (*ai.Response, error) {
	return p.Generate(ctx, req)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.ToolTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, provider ai.Provider, registry *tools.Registry, cfg *core.Config) (*Engine, *checkpoint.MemoryStore) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	eng, err := New(provider, registry, store, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, store
}

func TestGreetingSkipsTools(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"Hello! How can I help you today?"}}
	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	eng, _ := newTestEngine(t, provider, registry, testConfig())

	state, err := eng.Run(context.Background(), "t1", eng.Seed("t1", "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
	req := provider.request(0)
	if strings.Contains(req.SystemPrompt, "calculator") {
		t.Error("tool schemas leaked into a small-talk prompt")
	}
	if req.JSONOnly {
		t.Error("small talk should not request JSON mode")
	}
	if state.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", state.RetryCount)
	}
	if len(state.ToolResults) != 0 {
		t.Errorf("tool results = %d, want 0", len(state.ToolResults))
	}
	if Answer(state) == "" {
		t.Error("empty answer")
	}
}

func TestArithmeticViaTool(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"type":"tool_call","tool":"calculator","arguments":{"expression":"17 * 23"}}`,
		"17 multiplied by 23 is 391.",
	}}
	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	eng, store := newTestEngine(t, provider, registry, testConfig())

	state, err := eng.Run(context.Background(), "t2", eng.Seed("t2", "what is 17 * 23?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if provider.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2 (decision + synthesis)", provider.calls())
	}
	if !provider.request(0).JSONOnly {
		t.Error("decision call did not request JSON mode")
	}
	if !strings.Contains(provider.request(0).SystemPrompt, "calculator") {
		t.Error("decision prompt missing tool schema")
	}
	if provider.request(1).SystemPrompt != synthesisPrompt {
		t.Error("second call did not use the synthesis prompt")
	}

	if len(state.ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(state.ToolResults))
	}
	if state.ToolResults[0].Status != core.ToolStatusSuccess {
		t.Errorf("tool status = %s, want success", state.ToolResults[0].Status)
	}
	if !strings.Contains(Answer(state), "391") {
		t.Errorf("answer = %q, want it to contain 391", Answer(state))
	}
	if err := core.ValidateState(state); err != nil {
		t.Errorf("final state violates tool-call pairing: %v", err)
	}

	// Checkpoints were written along the way
	history, err := store.History(context.Background(), "t2", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) < 4 {
		t.Errorf("checkpoints = %d, want one per node transition (>= 4)", len(history))
	}
}

func TestBreakerOpensMidTurnAndEngineAnswersAround(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		if attempts <= 3 {
			return map[string]interface{}{"status": "error", "error": "upstream 503"}, nil
		}
		return map[string]interface{}{"status": "success", "data": "found it"}, nil
	}

	registry := tools.NewRegistry()
	settings := tools.BreakerSettings{MaxFailures: 3, FailureWindow: time.Minute, ResetTimeout: time.Hour}
	if err := registry.Register("lookup", "Looks up records", flaky, tools.Schema{}, settings); err != nil {
		t.Fatalf("Register: %v", err)
	}

	toolCall := `{"type":"tool_call","tool":"lookup","arguments":{}}`
	provider := &scriptedProvider{responses: []string{
		toolCall, toolCall, toolCall, toolCall,
		"The lookup service is unavailable right now, so I cannot retrieve that record.",
	}}
	eng, _ := newTestEngine(t, provider, registry, testConfig())

	state, err := eng.Run(context.Background(), "t3", eng.Seed("t3", "look up record 42 for me"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Three real failures opened the breaker; the fourth call was shed
	if attempts != 3 {
		t.Errorf("handler attempts = %d, want 3 (fourth rejected by breaker)", attempts)
	}
	last := state.ToolResults[len(state.ToolResults)-1]
	if last.Status != core.ToolStatusError || !strings.Contains(last.ErrorMessage, "circuit") {
		t.Errorf("last result = %+v, want circuit-open error", last)
	}
	if state.Error != "" {
		t.Errorf("turn errored: %q; want a graceful textual answer", state.Error)
	}
	if !strings.Contains(Answer(state), "unavailable") {
		t.Errorf("answer = %q, want acknowledgement of unavailability", Answer(state))
	}
	if state.RetryCount >= testConfig().MaxIterations {
		t.Errorf("retry count = %d, exceeded max", state.RetryCount)
	}
}

func TestMaxIterationsOneAllowsSingleModelCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1

	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	provider := &scriptedProvider{responses: []string{
		`{"type":"tool_call","tool":"calculator","arguments":{"expression":"2 + 2"}}`,
		"should never be requested",
	}}
	eng, _ := newTestEngine(t, provider, registry, cfg)

	state, err := eng.Run(context.Background(), "t4", eng.Seed("t4", "compute 2 + 2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want exactly 1", provider.calls())
	}
	if state.Error != "max iterations exceeded" {
		t.Errorf("error = %q, want max iterations exceeded", state.Error)
	}
}

func TestEmptyRegistryStillAnswers(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"Four."}}
	eng, _ := newTestEngine(t, provider, tools.NewRegistry(), testConfig())

	state, err := eng.Run(context.Background(), "t5", eng.Seed("t5", "what is 2 + 2?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
	if provider.request(0).JSONOnly {
		t.Error("empty registry should use the direct-answer path")
	}
	if Answer(state) != "Four." {
		t.Errorf("answer = %q", Answer(state))
	}
}

func TestSelfConsistencyMajorityWins(t *testing.T) {
	cfg := testConfig()
	cfg.SelfConsistencySamples = 3

	// Case and whitespace differences vote together; the first response
	// with the winning wording is what the user sees.
	provider := &scriptedProvider{responses: []string{"It is 42.", "It is 7.", "it is 7."}}
	eng, _ := newTestEngine(t, provider, tools.NewRegistry(), cfg)

	state, err := eng.Run(context.Background(), "t9", eng.Seed("t9", "pick a number"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if provider.calls() != 3 {
		t.Errorf("provider calls = %d, want 3 samples", provider.calls())
	}
	if Answer(state) != "It is 7." {
		t.Errorf("answer = %q, want the majority answer", Answer(state))
	}
}

func TestSelfConsistencySkipsDecisionMode(t *testing.T) {
	cfg := testConfig()
	cfg.SelfConsistencySamples = 3

	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	provider := &scriptedProvider{responses: []string{
		`{"type":"tool_call","tool":"calculator","arguments":{"expression":"6 * 7"}}`,
		"The answer is 42.",
		"the answer is 42.",
		"It might be 41.",
	}}
	eng, _ := newTestEngine(t, provider, registry, cfg)

	state, err := eng.Run(context.Background(), "t10", eng.Seed("t10", "calculate 6 * 7"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One decision call (JSON mode never votes) plus three synthesis
	// samples.
	if provider.calls() != 4 {
		t.Fatalf("provider calls = %d, want 4", provider.calls())
	}
	if !provider.request(0).JSONOnly {
		t.Error("first call should be the single decision sample")
	}
	for i := 1; i < 4; i++ {
		if provider.request(i).JSONOnly {
			t.Errorf("synthesis sample %d requested JSON mode", i)
		}
	}
	if Answer(state) != "The answer is 42." {
		t.Errorf("answer = %q, want the majority synthesis answer", Answer(state))
	}
}

func TestSelfConsistencyKeepsPartialVotesOnSampleError(t *testing.T) {
	cfg := testConfig()
	cfg.SelfConsistencySamples = 3

	// The script dries up after two samples; the votes gathered so far
	// still produce an answer instead of failing the turn.
	provider := &scriptedProvider{responses: []string{"Seven.", "seven."}}
	eng, _ := newTestEngine(t, provider, tools.NewRegistry(), cfg)

	state, err := eng.Run(context.Background(), "t11", eng.Seed("t11", "pick a number"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.calls() != 3 {
		t.Errorf("provider calls = %d, want 3 (third sample failed)", provider.calls())
	}
	if state.Error != "" {
		t.Errorf("turn errored: %q", state.Error)
	}
	if Answer(state) != "Seven." {
		t.Errorf("answer = %q, want the surviving majority", Answer(state))
	}
}

func TestMalformedDecisionFallsBackToText(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		"I think the answer is 42, though I could not produce JSON.",
	}}
	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	eng, _ := newTestEngine(t, provider, registry, testConfig())

	state, err := eng.Run(context.Background(), "t6", eng.Seed("t6", "calculate 6 * 7"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Error != "" {
		t.Errorf("parse failure crashed the turn: %q", state.Error)
	}
	if !strings.Contains(Answer(state), "42") {
		t.Errorf("answer = %q", Answer(state))
	}
}

func TestDeadlineExpiryFlushesFinalCheckpoint(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"never reached"}}
	eng, store := newTestEngine(t, provider, tools.NewRegistry(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := eng.Run(ctx, "t7", eng.Seed("t7", "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Error != "deadline exceeded" {
		t.Errorf("error = %q, want deadline exceeded", state.Error)
	}
	if provider.calls() != 0 {
		t.Errorf("provider called %d times after deadline", provider.calls())
	}

	latest, err := store.Latest(context.Background(), "t7")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	final, err := core.DecodeState(latest.State)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if final.Error != "deadline exceeded" {
		t.Errorf("persisted error = %q", final.Error)
	}
}

func TestResumeContinuesFromPersistedState(t *testing.T) {
	registry := tools.NewRegistry()
	if err := tools.RegisterCalculator(registry); err != nil {
		t.Fatalf("RegisterCalculator: %v", err)
	}
	store := checkpoint.NewMemoryStore()

	// A turn that got through llm and tools, then the process died
	// before synthesis.
	interrupted := &core.WorkflowState{
		Messages: []core.Message{
			{Role: core.RoleUser, Content: "what is 17 * 23?"},
			{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{
				ID: "call-1", Name: "calculator",
				Arguments: map[string]interface{}{"expression": "17 * 23"},
			}}},
			{Role: core.RoleTool, Content: "391", ToolCallID: "call-1", ToolName: "calculator"},
		},
		ToolResults: []core.ToolResult{{
			ToolName: "calculator",
			Status:   core.ToolStatusSuccess,
			Payload:  map[string]interface{}{"status": "success", "result": "391"},
		}},
		NextAction:     core.ActionValidate,
		ConversationID: "t8",
	}
	blob, err := core.EncodeState(interrupted)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	if _, err := store.Put(context.Background(), "t8", blob, core.ThreadActive); err != nil {
		t.Fatalf("Put: %v", err)
	}

	provider := &scriptedProvider{responses: []string{"The product is 391."}}
	eng, err := New(provider, registry, store, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state, err := eng.Resume(context.Background(), "t8")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if !strings.Contains(Answer(state), "391") {
		t.Errorf("answer = %q", Answer(state))
	}
	// The pre-crash tool result survived the resume
	if len(state.ToolResults) != 1 || state.ToolResults[0].ToolName != "calculator" {
		t.Errorf("tool results after resume = %+v", state.ToolResults)
	}
}

func TestToolsUsedSummary(t *testing.T) {
	state := &core.WorkflowState{
		ToolResults: []core.ToolResult{
			{ToolName: "calculator", Status: core.ToolStatusError},
			{ToolName: "calculator", Status: core.ToolStatusSuccess},
			{ToolName: "weather", Status: core.ToolStatusTimeout},
		},
	}

	used := ToolsUsed(state)
	if len(used) != 2 {
		t.Fatalf("len(used) = %d, want 2", len(used))
	}
	if used[0]["tool"] != "calculator" || used[0]["status"] != "success" {
		t.Errorf("used[0] = %v, want calculator with final status success", used[0])
	}
	if used[1]["tool"] != "weather" || used[1]["status"] != "timeout" {
		t.Errorf("used[1] = %v", used[1])
	}
}
