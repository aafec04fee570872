// Package sandbox is the HTTP client for the code-execution
// collaborator. The service runs untrusted snippets in an isolated
// runtime; this side only speaks its wire contract.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// ExecuteRequest is one code-execution job.
type ExecuteRequest struct {
	Code           string   `json:"code"`
	Language       string   `json:"language"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MemoryLimitMB  int      `json:"memory_limit_mb,omitempty"`
	AllowedImports []string `json:"allowed_imports,omitempty"`
}

// ExecuteResult is the sandbox's verdict on a job.
type ExecuteResult struct {
	Success         bool   `json:"success"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TimedOut        bool   `json:"timed_out"`
	MemoryExceeded  bool   `json:"memory_exceeded"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Client talks to one sandbox instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a sandbox client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sandbox: %w: base URL", core.ErrMissingConfiguration)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ExecuteCode submits a job and waits for its result. Execution
// failure inside the sandbox is reported in the result, not as a Go
// error; errors here mean the service itself could not be used.
func (c *Client) ExecuteCode(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("sandbox: %w: empty code", core.ErrInvalidConfiguration)
	}
	if req.Language == "" {
		req.Language = "python"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.OrchestrationError{
			Op: "sandbox.ExecuteCode", Kind: "sandbox",
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("sandbox: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.OrchestrationError{
			Op: "sandbox.ExecuteCode", Kind: "sandbox",
			Err: fmt.Errorf("%w: status %d: %s", core.ErrRequestFailed, resp.StatusCode, truncate(raw, 200)),
		}
	}

	var result ExecuteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("sandbox: decode response: %w", err)
	}

	c.logger.Debug("Sandbox execution finished", map[string]interface{}{
		"operation":  "sandbox_execute",
		"language":   req.Language,
		"success":    result.Success,
		"exit_code":  result.ExitCode,
		"elapsed_ms": result.ExecutionTimeMS,
	})
	return &result, nil
}

// Ping verifies the sandbox is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: %w: %v", core.ErrConnectionFailed, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sandbox: %w: status %d", core.ErrConnectionFailed, resp.StatusCode)
	}
	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
