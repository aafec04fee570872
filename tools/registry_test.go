package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

func echoSchema() Schema {
	return Schema{Parameters: []ParameterSpec{
		{Name: "text", Type: "string", Description: "text to echo", Required: true},
	}}
}

func registerEcho(t *testing.T, r *Registry) {
	t.Helper()
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status": "success",
			"echo":   args["text"],
		}, nil
	}
	if err := r.Register("echo", "Echoes the input", handler, echoSchema(), DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestCallUnknownToolNeverInvokesHandlers(t *testing.T) {
	r := NewRegistry()
	invoked := false
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		invoked = true
		return map[string]interface{}{"status": "success"}, nil
	}
	if err := r.Register("present", "a registered tool", handler, Schema{}, DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Call(context.Background(), "absent", nil)
	if result.Status != core.ToolStatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
	if result.ErrorMessage != "tool not found" {
		t.Errorf("error message = %q, want %q", result.ErrorMessage, "tool not found")
	}
	if invoked {
		t.Error("unknown tool call invoked an unrelated handler")
	}

	available, ok := result.Payload["available_tools"].([]string)
	if !ok || len(available) != 1 || available[0] != "present" {
		t.Errorf("available_tools = %v, want [present]", result.Payload["available_tools"])
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r)

	err := r.Register("echo", "again", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}, echoSchema(), DefaultBreakerSettings())
	if !errors.Is(err, core.ErrToolAlreadyExists) {
		t.Errorf("err = %v, want ErrToolAlreadyExists", err)
	}
}

func TestResultWithoutStatusIsWrapped(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"temperature": 21.5}, nil
	}
	if err := r.Register("weather", "reads a thermometer", handler, Schema{}, DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Call(context.Background(), "weather", nil)
	if result.Status != core.ToolStatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	data, ok := result.Payload["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload = %v, want wrapped data map", result.Payload)
	}
	if data["temperature"] != 21.5 {
		t.Errorf("data.temperature = %v, want 21.5", data["temperature"])
	}
}

func TestPanickingHandlerBecomesErrorResult(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		panic("nil map write")
	}
	if err := r.Register("flaky", "panics on call", handler, Schema{}, DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Call(context.Background(), "flaky", nil)
	if result.Status != core.ToolStatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
	if result.ErrorMessage != "panic: nil map write" {
		t.Errorf("error message = %q", result.ErrorMessage)
	}
}

func TestBreakerOpensAndShedsCalls(t *testing.T) {
	r := NewRegistry()
	calls := 0
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, fmt.Errorf("upstream unavailable")
	}
	settings := BreakerSettings{MaxFailures: 2, FailureWindow: time.Minute, ResetTimeout: time.Minute}
	if err := r.Register("down", "always fails", handler, Schema{}, settings); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Call(context.Background(), "down", nil)
	r.Call(context.Background(), "down", nil)

	// Third call is shed without reaching the handler
	result := r.Call(context.Background(), "down", nil)
	if calls != 2 {
		t.Errorf("handler invoked %d times, want 2", calls)
	}
	if result.Status != core.ToolStatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
	if result.ErrorMessage != "circuit open" {
		t.Errorf("error message = %q, want %q", result.ErrorMessage, "circuit open")
	}
	breaker, ok := result.Payload["breaker"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload missing breaker metrics: %v", result.Payload)
	}
	if breaker["state"] != "open" {
		t.Errorf("breaker state = %v, want open", breaker["state"])
	}
}

func TestInvalidArgumentsDoNotCountTowardBreaker(t *testing.T) {
	r := NewRegistry()
	settings := BreakerSettings{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Minute}
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success"}, nil
	}
	if err := r.Register("strict", "requires text", handler, echoSchema(), settings); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Missing required argument, repeatedly
	for i := 0; i < 3; i++ {
		result := r.Call(context.Background(), "strict", map[string]interface{}{})
		if result.Status != core.ToolStatusError {
			t.Fatalf("status = %s, want error", result.Status)
		}
	}

	// The breaker is still closed and a valid call goes through
	result := r.Call(context.Background(), "strict", map[string]interface{}{"text": "hi"})
	if result.Status != core.ToolStatusSuccess {
		t.Errorf("valid call after arg failures: status = %s, want success", result.Status)
	}
}

func TestDeadlineExpiryClassifiedAsTimeout(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := r.Register("slow", "waits forever", handler, Schema{}, DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := r.Call(ctx, "slow", nil)
	if result.Status != core.ToolStatusTimeout {
		t.Errorf("status = %s, want timeout", result.Status)
	}
}

func TestReplaceKeepsBreakerState(t *testing.T) {
	r := NewRegistry()
	settings := BreakerSettings{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Minute}
	failing := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	}
	if err := r.Register("svc", "v1", failing, Schema{}, settings); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Call(context.Background(), "svc", nil) // opens the breaker

	healthy := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success"}, nil
	}
	if err := r.Replace("svc", "v2", healthy, Schema{}, settings); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	// The open breaker survives the handler swap
	result := r.Call(context.Background(), "svc", nil)
	if result.Status != core.ToolStatusError {
		t.Errorf("status = %s, want error (breaker still open)", result.Status)
	}

	if err := r.ResetBreaker("svc"); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	result = r.Call(context.Background(), "svc", nil)
	if result.Status != core.ToolStatusSuccess {
		t.Errorf("status after reset = %s, want success", result.Status)
	}
}

func TestResetBreakerUnknownTool(t *testing.T) {
	r := NewRegistry()
	if err := r.ResetBreaker("nope"); !errors.Is(err, core.ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestAvailableExcludesOpenBreakers(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r)

	settings := BreakerSettings{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Hour}
	failing := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	}
	if err := r.Register("down", "always fails", failing, Schema{}, settings); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Call(context.Background(), "down", nil)

	available := r.Available()
	if len(available) != 1 || available[0] != "echo" {
		t.Errorf("Available() = %v, want [echo]", available)
	}
	names := r.Names()
	if len(names) != 2 {
		t.Errorf("Names() = %v, want both tools", names)
	}
}

func TestToOpenAISchema(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r)

	specs := r.ToOpenAISchema()
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Type != "function" || spec.Function.Name != "echo" {
		t.Errorf("spec = %+v", spec)
	}
	required, ok := spec.Function.Parameters["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "text" {
		t.Errorf("required = %v, want [text]", spec.Function.Parameters["required"])
	}
}

func TestBreakerMetricsKeyedByTool(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r)

	metrics := r.BreakerMetrics()
	snapshot, ok := metrics["echo"]
	if !ok {
		t.Fatalf("BreakerMetrics missing echo: %v", metrics)
	}
	if snapshot["state"] != "closed" {
		t.Errorf("state = %v, want closed", snapshot["state"])
	}
}

func TestNilArgsTreatedAsEmpty(t *testing.T) {
	r := NewRegistry()
	var got map[string]interface{}
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		got = args
		return map[string]interface{}{"status": "success"}, nil
	}
	if err := r.Register("noargs", "takes nothing", handler, Schema{}, DefaultBreakerSettings()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Call(context.Background(), "noargs", nil)
	if result.Status != core.ToolStatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if got == nil {
		t.Error("handler received nil args, want empty map")
	}
}
