// Package tools provides the uniform call surface over local functions,
// remote clients, and sandbox-delegated code. Every handler output is
// normalized into a core.ToolResult envelope, and each tool is guarded
// by its own circuit breaker.
package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/resilience"
)

// Handler is the uniform blocking call contract every tool exposes.
// Internal async I/O is the handler's private concern. The returned map
// should contain a "status" key; when it does not, the registry wraps
// the value as {status: success, data: value}.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// BreakerSettings configures the per-tool circuit breaker at registration.
type BreakerSettings struct {
	MaxFailures   int
	FailureWindow time.Duration
	ResetTimeout  time.Duration
}

// DefaultBreakerSettings are used when a registration passes the zero value.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxFailures:   3,
		FailureWindow: 60 * time.Second,
		ResetTimeout:  30 * time.Second,
	}
}

type registeredTool struct {
	descriptor Descriptor
	handler    Handler
	validator  *jsonschema.Schema
	breaker    *resilience.CircuitBreaker
}

// Registry is the name-to-callable dispatch table. It is read-mostly:
// registration happens at startup or through an explicit hot-reload that
// takes the write lock; Call paths take the read lock only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	logger         core.Logger
	breakerMetrics resilience.MetricsCollector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger (defaults to NoOp).
func WithLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBreakerMetrics sets the metrics collector passed to every tool breaker.
func WithBreakerMetrics(metrics resilience.MetricsCollector) RegistryOption {
	return func(r *Registry) {
		r.breakerMetrics = metrics
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]*registeredTool),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. It fails when the name is already present;
// Replace is the explicit hot-reload path.
func (r *Registry) Register(name, description string, handler Handler, schema Schema, settings BreakerSettings) error {
	return r.register(name, description, handler, schema, settings, false)
}

// Replace atomically swaps a tool's descriptor and handler. Used by the
// hot-reload admin action; also accepts previously unknown names.
func (r *Registry) Replace(name, description string, handler Handler, schema Schema, settings BreakerSettings) error {
	return r.register(name, description, handler, schema, settings, true)
}

// RegisterTool adapts a core.Tool implementation onto Register.
func (r *Registry) RegisterTool(tool core.Tool, schema Schema, settings BreakerSettings) error {
	return r.Register(tool.Name(), tool.Description(), tool.Call, schema, settings)
}

func (r *Registry) register(name, description string, handler Handler, schema Schema, settings BreakerSettings, overwrite bool) error {
	if name == "" {
		return fmt.Errorf("register tool: %w: empty name", core.ErrInvalidConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("register tool %s: %w: nil handler", name, core.ErrInvalidConfiguration)
	}
	if settings == (BreakerSettings{}) {
		settings = DefaultBreakerSettings()
	}

	validator, err := schema.compile(name)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}

	breakerCfg := resilience.DefaultConfig(name)
	breakerCfg.MaxFailures = settings.MaxFailures
	breakerCfg.FailureWindow = settings.FailureWindow
	breakerCfg.ResetTimeout = settings.ResetTimeout
	breakerCfg.Logger = r.logger
	if r.breakerMetrics != nil {
		breakerCfg.Metrics = r.breakerMetrics
	}
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}

	entry := &registeredTool{
		descriptor: Descriptor{
			Name:        name,
			Description: description,
			Parameters:  schema.JSONSchema(),
		},
		handler:   handler,
		validator: validator,
		breaker:   breaker,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		if !overwrite {
			return fmt.Errorf("register tool %s: %w", name, core.ErrToolAlreadyExists)
		}
		// Hot reload keeps the existing breaker: availability history
		// belongs to the resource, not to the handler revision.
		entry.breaker = existing.breaker
	}
	r.tools[name] = entry

	r.logger.Info("Tool registered", map[string]interface{}{
		"operation":  "tool_register",
		"tool":       name,
		"overwrite":  overwrite,
		"parameters": len(schema.Parameters),
	})
	return nil
}

// Call dispatches to a tool and normalizes the outcome into a ToolResult.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) core.ToolResult {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("Unknown tool requested", map[string]interface{}{
			"operation": "tool_call",
			"tool":      name,
		})
		return core.ToolResult{
			ToolName:     name,
			Status:       core.ToolStatusError,
			ErrorMessage: "tool not found",
			Payload: map[string]interface{}{
				"available_tools": r.Names(),
			},
		}
	}

	if !entry.breaker.IsAvailable() {
		metrics := entry.breaker.Metrics()
		r.logger.Warn("Tool call rejected by circuit breaker", map[string]interface{}{
			"operation": "tool_call",
			"tool":      name,
			"state":     metrics["state"],
		})
		return core.ToolResult{
			ToolName:     name,
			Status:       core.ToolStatusError,
			ErrorMessage: fmt.Sprintf("circuit %s", metrics["state"]),
			Payload: map[string]interface{}{
				"breaker": metrics,
			},
		}
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := entry.validator.Validate(interface{}(args)); err != nil {
		// Malformed arguments are the caller's fault, not the
		// resource's; they do not count toward the breaker.
		return core.ToolResult{
			ToolName:     name,
			Status:       core.ToolStatusError,
			ErrorMessage: fmt.Sprintf("invalid arguments: %v", err),
		}
	}

	start := time.Now()
	payload, err := r.invoke(ctx, entry, args)
	latency := time.Since(start).Milliseconds()

	result := normalize(name, payload, err, ctx)
	result.LatencyMS = latency

	if result.Status == core.ToolStatusSuccess {
		entry.breaker.RecordSuccess()
	} else {
		entry.breaker.RecordFailure()
	}

	r.logger.Debug("Tool call completed", map[string]interface{}{
		"operation":  "tool_call",
		"tool":       name,
		"status":     string(result.Status),
		"latency_ms": latency,
	})
	return result
}

// invoke runs the handler with panic capture. A panicking tool becomes
// an error result, never a crashed turn.
func (r *Registry) invoke(ctx context.Context, entry *registeredTool, args map[string]interface{}) (payload map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool handler panicked", map[string]interface{}{
				"operation": "tool_call",
				"tool":      entry.descriptor.Name,
				"panic":     fmt.Sprintf("%v", rec),
				"stack":     string(debug.Stack()),
			})
			payload = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return entry.handler(ctx, args)
}

// normalize applies the result contract: a map with a "status" key
// passes through, anything else is wrapped, errors and deadline expiry
// become error/timeout envelopes.
func normalize(name string, payload map[string]interface{}, err error, ctx context.Context) core.ToolResult {
	if err != nil {
		status := core.ToolStatusError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = core.ToolStatusTimeout
		}
		return core.ToolResult{
			ToolName:     name,
			Status:       status,
			ErrorMessage: err.Error(),
			Payload:      payload,
		}
	}

	if payload == nil {
		return core.ToolResult{
			ToolName: name,
			Status:   core.ToolStatusSuccess,
			Payload:  map[string]interface{}{"data": nil},
		}
	}

	rawStatus, ok := payload["status"]
	if !ok {
		return core.ToolResult{
			ToolName: name,
			Status:   core.ToolStatusSuccess,
			Payload:  map[string]interface{}{"status": "success", "data": payload},
		}
	}

	status, _ := rawStatus.(string)
	switch core.ToolStatus(status) {
	case core.ToolStatusSuccess:
		return core.ToolResult{ToolName: name, Status: core.ToolStatusSuccess, Payload: payload}
	case core.ToolStatusTimeout:
		return core.ToolResult{
			ToolName:     name,
			Status:       core.ToolStatusTimeout,
			Payload:      payload,
			ErrorMessage: stringField(payload, "error"),
		}
	default:
		return core.ToolResult{
			ToolName:     name,
			Status:       core.ToolStatusError,
			Payload:      payload,
			ErrorMessage: stringField(payload, "error"),
		}
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns names whose breakers currently admit calls
// (Closed, or Open past its reset timeout and therefore probe-able).
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, entry := range r.tools {
		if entry.breaker.IsAvailable() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Describe returns descriptors for every registered tool, sorted by name.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, entry.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToOpenAISchema renders every registered tool in the function-calling
// wire format for prompt injection.
func (r *Registry) ToOpenAISchema() []core.FunctionSpec {
	descriptors := r.Describe()

	specs := make([]core.FunctionSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, core.FunctionSpec{
			Type: "function",
			Function: core.FunctionInfo{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return specs
}

// ResetBreaker closes a tool's breaker. Operator intervention; idempotent.
func (r *Registry) ResetBreaker(name string) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("reset breaker: %w: %s", core.ErrToolNotFound, name)
	}
	entry.breaker.Reset()
	return nil
}

// BreakerMetrics returns each tool's breaker snapshot, keyed by tool
// name. Used by the health endpoint.
func (r *Registry) BreakerMetrics() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(r.tools))
	for name, entry := range r.tools {
		out[name] = entry.breaker.Metrics()
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
