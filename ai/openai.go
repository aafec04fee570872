package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentflow-io/agentflow/core"
)

// OpenAIConfig configures an OpenAI-compatible backend. The same client
// serves OpenAI itself and every vendor that speaks its chat API.
type OpenAIConfig struct {
	Provider core.ProviderType
	APIKey   string
	BaseURL  string // empty uses the vendor default
	Model    string
	Logger   core.Logger
}

// OpenAIProvider talks to any chat-completions-compatible API.
type OpenAIProvider struct {
	client   *openai.Client
	provider core.ProviderType
	model    string
	logger   core.Logger
}

// Vendor defaults applied when OpenAIConfig leaves BaseURL or Model empty.
var vendorDefaults = map[core.ProviderType]struct {
	baseURL string
	model   string
}{
	core.ProviderOpenAI:     {"", "gpt-4o"},
	core.ProviderPerplexity: {"https://api.perplexity.ai", "sonar"},
	core.ProviderNvidia:     {"https://integrate.api.nvidia.com/v1", "meta/llama-3.1-70b-instruct"},
	core.ProviderOpenClaw:   {"", ""},
}

// NewOpenAIProvider builds a client for the configured vendor.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: %w: API key", cfg.Provider, core.ErrMissingConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	defaults, ok := vendorDefaults[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w: not an OpenAI-compatible vendor", cfg.Provider, core.ErrInvalidConfiguration)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.model
	}
	if cfg.Provider == core.ProviderOpenClaw && cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider openclaw: %w: base URL", core.ErrMissingConfiguration)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: %w: model", cfg.Provider, core.ErrMissingConfiguration)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Provider == core.ProviderOpenClaw {
		// OpenClaw authenticates with X-API-Key instead of a bearer token.
		clientCfg.HTTPClient = &http.Client{
			Transport: &headerTransport{key: "X-API-Key", value: cfg.APIKey},
		}
	}

	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: cfg.Provider,
		model:    cfg.Model,
		logger:   cfg.Logger,
	}, nil
}

// headerTransport injects a static header into every request.
type headerTransport struct {
	key   string
	value string
	base  http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(t.key, t.value)
	clone.Header.Del("Authorization")
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func (p *OpenAIProvider) Name() string {
	return string(p.provider)
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapErr("generate", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &core.OrchestrationError{
			Op: "generate", Kind: "provider", ID: p.Name(),
			Message: "empty choices in response",
			Err:     core.ErrRequestFailed,
		}
	}

	choice := resp.Choices[0].Message
	out := &Response{
		Content:  choice.Content,
		Model:    resp.Model,
		Provider: p.Name(),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		call := core.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				call.Arguments = args
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapErr("generate_stream", err)
	}
	defer stream.Close()

	out := &Response{Provider: p.Name(), Model: p.model}
	var content []byte
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrapErr("generate_stream", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content = append(content, delta...)
		if fn != nil {
			if err := fn(delta); err != nil {
				return nil, fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
	out.Content = string(content)
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		converted, err := toOpenAIMessage(m)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		messages = append(messages, converted)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.JSONOnly {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, spec := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Function.Name,
				Description: spec.Function.Description,
				Parameters:  spec.Function.Parameters,
			},
		})
	}
	return chatReq, nil
}

func toOpenAIMessage(m core.Message) (openai.ChatCompletionMessage, error) {
	switch m.Role {
	case core.RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content}, nil
	case core.RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}, nil
	case core.RoleAssistant:
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return openai.ChatCompletionMessage{}, fmt.Errorf("marshaling tool call arguments: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return out, nil
	case core.RoleTool:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}, nil
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

func (p *OpenAIProvider) wrapErr(op string, err error) error {
	kind := core.ErrRequestFailed
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			kind = core.ErrOverloaded
		case apiErr.HTTPStatusCode >= 500:
			kind = core.ErrProviderUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.ErrTimeout
	}
	return &core.OrchestrationError{
		Op: op, Kind: "provider", ID: p.Name(),
		Message: err.Error(),
		Err:     kind,
	}
}
