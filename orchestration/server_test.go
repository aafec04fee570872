package orchestration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, provider *scriptedProvider, poolSize int) (*Server, *httptest.Server) {
	t.Helper()
	orch, store, registry := newTestOrchestrator(t, provider)
	server := NewServer(":0", orch, registry, store, poolSize, nil)
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return server, ts
}

func postQuery(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/query", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/query: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestQueryEndpointReturnsAnswerAndGraph(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"Hi!"}}
	_, ts := newTestServer(t, provider, 4)

	resp := postQuery(t, ts, `{"query": "hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Answer != "Hi!" {
		t.Errorf("answer = %q", body.Answer)
	}
	if body.Sources.ThreadID == "" {
		t.Error("sources missing thread_id")
	}
	if body.ContextUsed < 2 {
		t.Errorf("context_used = %d, want at least the exchange", body.ContextUsed)
	}
	if body.ExecutionGraph["strategy"] != "engine" {
		t.Errorf("execution_graph strategy = %v", body.ExecutionGraph["strategy"])
	}
}

func TestQueryEndpointRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{}, 4)

	if resp := postQuery(t, ts, `{"query": ""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", resp.StatusCode)
	}
	if resp := postQuery(t, ts, `{broken`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/query")
	if err != nil {
		t.Fatalf("GET /v1/query: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestQueryEndpointShedsWhenPoolFull(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"never reached"}}
	server, ts := newTestServer(t, provider, 1)

	// Occupy the only worker slot.
	server.slots <- struct{}{}
	defer func() { <-server.slots }()

	resp := postQuery(t, ts, `{"query": "hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(body["error"], "overloaded") {
		t.Errorf("error = %q, want overloaded", body["error"])
	}
}

func TestHealthEndpointReportsBreakers(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{}, 4)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	breakers, ok := body["breakers"].(map[string]interface{})
	if !ok {
		t.Fatalf("breakers missing: %v", body)
	}
	if _, ok := breakers["calculator"]; !ok {
		t.Errorf("breakers = %v, want calculator entry", breakers)
	}
}

func TestThreadsEndpointListsAndInspects(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"Hi!"}}
	_, ts := newTestServer(t, provider, 4)

	resp := postQuery(t, ts, `{"query": "hello", "thread_id": "t-http"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/v1/threads")
	if err != nil {
		t.Fatalf("GET /v1/threads: %v", err)
	}
	defer listResp.Body.Close()
	var listing struct {
		Threads []struct {
			ThreadID string `json:"thread_id"`
			Status   string `json:"status"`
		} `json:"threads"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Threads) != 1 || listing.Threads[0].ThreadID != "t-http" {
		t.Fatalf("threads = %+v", listing.Threads)
	}

	histResp, err := http.Get(ts.URL + "/v1/threads/t-http")
	if err != nil {
		t.Fatalf("GET /v1/threads/t-http: %v", err)
	}
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", histResp.StatusCode)
	}
	var history struct {
		ThreadID    string `json:"thread_id"`
		Checkpoints []struct {
			CheckpointID int64  `json:"checkpoint_id"`
			NextAction   string `json:"next_action"`
		} `json:"checkpoints"`
	}
	if err := json.NewDecoder(histResp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Checkpoints) == 0 {
		t.Fatal("no checkpoints in history")
	}
	if history.Checkpoints[0].NextAction != "end" {
		t.Errorf("latest next_action = %q, want end", history.Checkpoints[0].NextAction)
	}
}
