// Package ai abstracts model backends behind one Provider contract.
// Implementations exist for OpenAI-compatible HTTP APIs (OpenAI,
// Perplexity, NVIDIA, OpenClaw), the Anthropic Messages API, and a
// local NDJSON-streaming server.
package ai

import (
	"context"

	"github.com/agentflow-io/agentflow/core"
)

// Request is a provider-agnostic completion request. Messages carry the
// conversation; SystemPrompt travels separately because providers
// disagree on where system text lives.
type Request struct {
	Messages     []core.Message
	SystemPrompt string
	Tools        []core.FunctionSpec
	Temperature  float32
	MaxTokens    int
	Model        string // empty means the provider's configured default
	JSONOnly     bool   // ask for a strict JSON object response where supported
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the normalized completion result.
type Response struct {
	Content   string
	ToolCalls []core.ToolCall
	Model     string
	Provider  string
	Usage     Usage
}

// StreamFunc receives incremental text deltas during a streaming call.
// Returning an error aborts the stream.
type StreamFunc func(delta string) error

// Provider is one model backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Generate performs a blocking completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream streams text deltas through fn and returns the
	// assembled final response.
	GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
}

// Pinger is implemented by providers that can cheaply verify
// reachability. The pool probes these at startup.
type Pinger interface {
	Ping(ctx context.Context) error
}
