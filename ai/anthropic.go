package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentflow-io/agentflow/core"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic Messages backend.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  core.Logger
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	logger core.Logger
}

// NewAnthropicProvider builds the SDK-backed client.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider anthropic: %w: API key", core.ErrMissingConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return string(core.ProviderAnthropic)
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapErr("generate", err)
	}
	return p.translate(msg), nil
}

func (p *AnthropicProvider) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, p.wrapErr("generate_stream", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok && fn != nil {
			if text := delta.Delta.Text; text != "" {
				if err := fn(text); err != nil {
					return nil, fmt.Errorf("stream consumer: %w", err)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapErr("generate_stream", err)
	}
	return p.translate(&acc), nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			// System text travels in params.System, not the conversation.
			continue
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case core.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("provider anthropic: empty conversation")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	for _, spec := range req.Tools {
		tool := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: spec.Function.Parameters},
			spec.Function.Name,
		)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(spec.Function.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

func (p *AnthropicProvider) translate(msg *anthropic.Message) *Response {
	out := &Response{
		Model:    string(msg.Model),
		Provider: p.Name(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			call := core.ToolCall{ID: block.ID, Name: block.Name}
			var args map[string]interface{}
			if err := json.Unmarshal(block.Input, &args); err == nil {
				call.Arguments = args
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	return out
}

func (p *AnthropicProvider) wrapErr(op string, err error) error {
	kind := core.ErrRequestFailed
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = core.ErrOverloaded
		case apiErr.StatusCode >= 500:
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
