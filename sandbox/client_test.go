package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentflow-io/agentflow/tools"
)

func sandboxServer(t *testing.T, result ExecuteResult) (*httptest.Server, *ExecuteRequest) {
	t.Helper()
	var seen ExecuteRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(result)
	}))
	t.Cleanup(ts.Close)
	return ts, &seen
}

func TestExecuteCodeRoundTrip(t *testing.T) {
	ts, seen := sandboxServer(t, ExecuteResult{
		Success:         true,
		Stdout:          "391\n",
		ExecutionTimeMS: 12,
	})
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := client.ExecuteCode(context.Background(), ExecuteRequest{
		Code:           "print(17 * 23)",
		TimeoutSeconds: 5,
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if !result.Success || result.Stdout != "391\n" {
		t.Errorf("result = %+v", result)
	}
	if seen.Language != "python" {
		t.Errorf("language default = %q, want python", seen.Language)
	}
	if seen.TimeoutSeconds != 5 {
		t.Errorf("timeout forwarded = %d", seen.TimeoutSeconds)
	}
}

func TestExecuteCodeServiceErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.ExecuteCode(context.Background(), ExecuteRequest{Code: "x"}); err == nil {
		t.Error("5xx response produced no error")
	}

	if _, err := client.ExecuteCode(context.Background(), ExecuteRequest{}); err == nil {
		t.Error("empty code produced no error")
	}
}

func TestExecuteCodeToolEnvelope(t *testing.T) {
	ts, _ := sandboxServer(t, ExecuteResult{
		Success:  false,
		Stderr:   "NameError: name 'x' is not defined",
		ExitCode: 1,
	})
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	registry := tools.NewRegistry()
	if err := RegisterExecuteCode(registry, client); err != nil {
		t.Fatalf("RegisterExecuteCode: %v", err)
	}

	result := registry.Call(context.Background(), "execute_code", map[string]interface{}{
		"code": "print(x)",
	})
	if result.Status != "error" {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if !strings.Contains(result.ErrorMessage, "NameError") {
		t.Errorf("error = %q, want stderr surfaced", result.ErrorMessage)
	}
}

func TestExecuteCodeToolSuccess(t *testing.T) {
	ts, _ := sandboxServer(t, ExecuteResult{Success: true, Stdout: "42\n"})
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	registry := tools.NewRegistry()
	if err := RegisterExecuteCode(registry, client); err != nil {
		t.Fatalf("RegisterExecuteCode: %v", err)
	}

	result := registry.Call(context.Background(), "execute_code", map[string]interface{}{
		"code":     "print(42)",
		"language": "python",
	})
	if result.Status != "success" {
		t.Fatalf("status = %s: %s", result.Status, result.ErrorMessage)
	}
	if result.Payload["data"] != "42\n" {
		t.Errorf("payload = %v", result.Payload)
	}
}
