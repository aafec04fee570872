package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// LocalConfig configures the local inference backend. It speaks the
// NDJSON chat protocol served by llama-server-style runtimes on the
// same host: one JSON object per line, a "done" marker on the last.
type LocalConfig struct {
	BaseURL string // e.g. http://127.0.0.1:11434
	Model   string
	Timeout time.Duration
	Logger  core.Logger
}

// LocalProvider streams from a local model server. It is the default
// tier, so the pool never drops it even when unreachable at startup.
type LocalProvider struct {
	baseURL string
	model   string
	client  *http.Client
	logger  core.Logger
}

// NewLocalProvider builds the local HTTP client.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider local: %w: base URL", core.ErrMissingConfiguration)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider local: %w: model", core.ErrMissingConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	return &LocalProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

func (p *LocalProvider) Name() string {
	return string(core.ProviderLocal)
}

// Ping checks that the server answers on its root endpoint.
func (p *LocalProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider local: %w: %v", core.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider local: %w: status %d", core.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

type localMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatRequest struct {
	Model    string                 `json:"model"`
	Messages []localMessage         `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type localChatLine struct {
	Message localMessage `json:"message"`
	Done    bool         `json:"done"`
	Error   string       `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

func (p *LocalProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	return p.GenerateStream(ctx, req, nil)
}

func (p *LocalProvider) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider local: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &core.OrchestrationError{
			Op: "generate_stream", Kind: "provider", ID: p.Name(),
			Message: err.Error(),
			Err:     core.ErrConnectionFailed,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &core.OrchestrationError{
			Op: "generate_stream", Kind: "provider", ID: p.Name(),
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, snippet),
			Err:     core.ErrRequestFailed,
		}
	}

	out := &Response{Provider: p.Name(), Model: p.model}
	var content strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line localChatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// One malformed line does not sink the stream.
			p.logger.Warn("Skipping malformed stream line", map[string]interface{}{
				"operation": "local_stream",
				"error":     err.Error(),
			})
			continue
		}
		if line.Error != "" {
			return nil, &core.OrchestrationError{
				Op: "generate_stream", Kind: "provider", ID: p.Name(),
				Message: line.Error,
				Err:     core.ErrRequestFailed,
			}
		}
		if line.Message.Content != "" {
			content.WriteString(line.Message.Content)
			if fn != nil {
				if err := fn(line.Message.Content); err != nil {
					return nil, fmt.Errorf("stream consumer: %w", err)
				}
			}
		}
		if line.Done {
			out.Usage = Usage{
				PromptTokens:     line.PromptEvalCount,
				CompletionTokens: line.EvalCount,
				TotalTokens:      line.PromptEvalCount + line.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &core.OrchestrationError{
			Op: "generate_stream", Kind: "provider", ID: p.Name(),
			Message: err.Error(),
			Err:     core.ErrConnectionFailed,
		}
	}

	out.Content = content.String()
	return out, nil
}

func (p *LocalProvider) buildBody(req Request) ([]byte, error) {
	messages := make([]localMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, localMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		content := m.Content
		if m.Role == core.RoleTool {
			// The local protocol has no tool role; tool output is folded
			// into the user turn so small models still see it.
			role = "user"
			content = fmt.Sprintf("[tool %s result]\n%s", m.ToolName, m.Content)
		}
		if content == "" {
			continue
		}
		messages = append(messages, localMessage{Role: role, Content: content})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	body := localChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONOnly {
		body.Format = "json"
	}
	return json.Marshal(body)
}
