package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/tools"
)

// Server exposes the orchestrator over HTTP. Concurrency is bounded by
// a worker slot pool; requests that cannot get a slot are shed with 503
// rather than queued without limit.
type Server struct {
	orchestrator *Orchestrator
	registry     *tools.Registry
	store        checkpoint.Store
	logger       core.Logger
	slots        chan struct{}
	httpServer   *http.Server
}

// NewServer builds the HTTP front end. poolSize bounds concurrent
// query execution.
func NewServer(addr string, orch *Orchestrator, registry *tools.Registry, store checkpoint.Store, poolSize int, logger core.Logger) *Server {
	if poolSize <= 0 {
		poolSize = 32
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		orchestrator: orch,
		registry:     registry,
		store:        store,
		logger:       logger,
		slots:        make(chan struct{}, poolSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/threads", s.handleThreads)
	mux.HandleFunc("/v1/threads/", s.handleThreadHistory)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"operation": "http_serve",
		"addr":      s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	Query    string `json:"query"`
	ThreadID string `json:"thread_id,omitempty"`
}

type querySources struct {
	ThreadID   string              `json:"thread_id"`
	Iterations int                 `json:"iterations"`
	ToolsUsed  []map[string]string `json:"tools_used,omitempty"`
}

type queryResponse struct {
	Answer         string                 `json:"answer"`
	ContextUsed    int                    `json:"context_used"`
	Sources        querySources           `json:"sources"`
	ExecutionGraph map[string]interface{} `json:"execution_graph"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		s.logger.Warn("Shedding query, worker pool full", map[string]interface{}{
			"operation": "http_query",
			"pool_size": cap(s.slots),
		})
		writeError(w, http.StatusServiceUnavailable, core.ErrOverloaded.Error())
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.orchestrator.Query(r.Context(), req.ThreadID, req.Query)
	if err != nil {
		s.logger.Error("Query failed", map[string]interface{}{
			"operation": "http_query",
			"error":     err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:      result.Answer,
		ContextUsed: result.ContextUsed,
		Sources: querySources{
			ThreadID:   result.ThreadID,
			Iterations: result.Iterations,
			ToolsUsed:  result.ToolsUsed,
		},
		ExecutionGraph: executionGraph(result),
	})
}

// executionGraph summarizes how the answer was produced. Delegated
// turns expose the sub-task plan; engine turns expose the loop counters.
func executionGraph(result *Result) map[string]interface{} {
	if result.Delegated && result.Trace != nil {
		subTasks := make([]map[string]interface{}, 0, len(result.Trace.Plan.SubTasks))
		for i, sub := range result.Trace.Plan.SubTasks {
			node := map[string]interface{}{
				"index":       i,
				"description": sub.Description,
				"tier":        sub.TargetTier,
			}
			if len(sub.DependsOn) > 0 {
				node["depends_on"] = sub.DependsOn
			}
			if i < len(result.Trace.Results) {
				node["status"] = result.Trace.Results[i].Status
				node["latency_ms"] = result.Trace.Results[i].LatencyMS
			}
			subTasks = append(subTasks, node)
		}
		return map[string]interface{}{
			"strategy":         string(result.Trace.Plan.Strategy),
			"request_id":       result.RequestID,
			"complexity_score": result.Trace.Plan.ComplexityScore,
			"sub_tasks":        subTasks,
			"verified":         result.Trace.Verified,
		}
	}

	strategy := "engine"
	if result.Clarification {
		strategy = "clarification"
	}
	return map[string]interface{}{
		"strategy":   strategy,
		"request_id": result.RequestID,
		"iterations": result.Iterations,
	}
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	summaries, err := s.store.ListThreads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": summaries})
}

func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	threadID := strings.TrimPrefix(r.URL.Path, "/v1/threads/")
	if threadID == "" || strings.Contains(threadID, "/") {
		writeError(w, http.StatusNotFound, "thread id required")
		return
	}

	records, err := s.store.History(r.Context(), threadID, 50)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type checkpointInfo struct {
		CheckpointID int64     `json:"checkpoint_id"`
		ParentID     *int64    `json:"parent_id,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
		NextAction   string    `json:"next_action"`
		Messages     int       `json:"messages"`
	}
	infos := make([]checkpointInfo, 0, len(records))
	for _, record := range records {
		info := checkpointInfo{
			CheckpointID: record.CheckpointID,
			ParentID:     record.ParentID,
			Timestamp:    record.Timestamp,
		}
		if state, err := core.DecodeState(record.State); err == nil {
			info.NextAction = string(state.NextAction)
			info.Messages = len(state.Messages)
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":   threadID,
		"checkpoints": infos,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
	}
	if s.registry != nil {
		payload["tools"] = s.registry.Names()
		payload["breakers"] = s.registry.BreakerMetrics()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
