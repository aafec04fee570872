package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names. The env block is read once at startup;
// hot paths never consult the environment.
const (
	EnvProviderType       = "AGENTFLOW_PROVIDER"
	EnvProviderAPIKey     = "AGENTFLOW_PROVIDER_API_KEY"
	EnvProviderBaseURL    = "AGENTFLOW_PROVIDER_BASE_URL"
	EnvProviderModel      = "AGENTFLOW_PROVIDER_MODEL"
	EnvMaxIterations      = "AGENTFLOW_MAX_ITERATIONS"
	EnvContextWindow      = "AGENTFLOW_CONTEXT_WINDOW"
	EnvTemperature        = "AGENTFLOW_TEMPERATURE"
	EnvMaxToolCalls       = "AGENTFLOW_MAX_TOOL_CALLS_PER_TURN"
	EnvTimeoutSeconds     = "AGENTFLOW_TIMEOUT_SECONDS"
	EnvEnableDelegation   = "AGENTFLOW_ENABLE_DELEGATION"
	EnvSelfConsistency    = "AGENTFLOW_SELF_CONSISTENCY_SAMPLES"
	EnvVerifyThreshold    = "AGENTFLOW_VERIFICATION_THRESHOLD"
	EnvCheckpointDBPath   = "AGENTFLOW_CHECKPOINT_DB_PATH"
	EnvMaxRecoveryAttempt = "AGENTFLOW_MAX_RECOVERY_ATTEMPTS"
	EnvRoutingConfigPath  = "AGENTFLOW_ROUTING_CONFIG_PATH"
	EnvHTTPAddr           = "AGENTFLOW_HTTP_ADDR"
	EnvWorkerPoolSize     = "AGENTFLOW_WORKER_POOL_SIZE"
	EnvLogLevel           = "AGENTFLOW_LOG_LEVEL"
	EnvToolTimeoutSeconds = "AGENTFLOW_TOOL_TIMEOUT_SECONDS"
	EnvSystemPrompt       = "AGENTFLOW_SYSTEM_PROMPT"

	// Collaborator endpoints; each one is optional and its tools or
	// stores are simply not wired when unset.
	EnvSandboxURL     = "AGENTFLOW_SANDBOX_URL"
	EnvVectorStoreURL = "AGENTFLOW_VECTORSTORE_URL"
	EnvDashboardURL   = "AGENTFLOW_DASHBOARD_URL"
	EnvRedisURL       = "AGENTFLOW_REDIS_URL"
)

// ProviderType selects the outbound model implementation.
type ProviderType string

const (
	ProviderLocal      ProviderType = "local"
	ProviderPerplexity ProviderType = "perplexity"
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderNvidia     ProviderType = "nvidia"
	ProviderOpenClaw   ProviderType = "openclaw"
)

// Config is the single startup-validated configuration struct. Inside
// hot paths components read plain typed fields; there is no runtime
// re-validation.
type Config struct {
	Provider        ProviderType
	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderModel   string

	MaxIterations       int     // bounds WorkflowState.RetryCount, 1-20
	ContextWindow       int     // messages passed to the LLM per node, 1-50
	Temperature         float32 // provider sampling, 0.0-2.0
	MaxToolCallsPerTurn int     // parallel-tool cap, 1-10
	Timeout             time.Duration
	ToolTimeout         time.Duration
	SystemPrompt        string

	EnableDelegation       bool
	SelfConsistencySamples int
	VerificationThreshold  float64

	CheckpointDBPath    string
	MaxRecoveryAttempts int
	RoutingConfigPath   string

	HTTPAddr       string
	WorkerPoolSize int
	LogLevel       LogLevel
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:               ProviderLocal,
		MaxIterations:          5,
		ContextWindow:          12,
		Temperature:            0.15,
		MaxToolCallsPerTurn:    5,
		Timeout:                120 * time.Second,
		ToolTimeout:            30 * time.Second,
		EnableDelegation:       false,
		SelfConsistencySamples: 1,
		VerificationThreshold:  0.7,
		CheckpointDBPath:       "agentflow.db",
		MaxRecoveryAttempts:    3,
		HTTPAddr:               ":8080",
		WorkerPoolSize:         32,
		LogLevel:               LevelInfo,
	}
}

// ConfigFromEnv builds a Config from the environment on top of the
// defaults, then validates. Out-of-range numeric values are clamped to
// their documented bounds rather than rejected.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvProviderType); v != "" {
		cfg.Provider = ProviderType(v)
	}
	cfg.ProviderAPIKey = os.Getenv(EnvProviderAPIKey)
	if v := os.Getenv(EnvProviderBaseURL); v != "" {
		cfg.ProviderBaseURL = v
	}
	if v := os.Getenv(EnvProviderModel); v != "" {
		cfg.ProviderModel = v
	}
	if v := os.Getenv(EnvSystemPrompt); v != "" {
		cfg.SystemPrompt = v
	}

	cfg.MaxIterations = envInt(EnvMaxIterations, cfg.MaxIterations, 1, 20)
	cfg.ContextWindow = envInt(EnvContextWindow, cfg.ContextWindow, 1, 50)
	cfg.MaxToolCallsPerTurn = envInt(EnvMaxToolCalls, cfg.MaxToolCallsPerTurn, 1, 10)
	cfg.Timeout = time.Duration(envInt(EnvTimeoutSeconds, int(cfg.Timeout/time.Second), 10, 600)) * time.Second
	cfg.ToolTimeout = time.Duration(envInt(EnvToolTimeoutSeconds, int(cfg.ToolTimeout/time.Second), 1, 300)) * time.Second
	cfg.SelfConsistencySamples = envInt(EnvSelfConsistency, cfg.SelfConsistencySamples, 1, 10)
	cfg.MaxRecoveryAttempts = envInt(EnvMaxRecoveryAttempt, cfg.MaxRecoveryAttempts, 1, 10)
	cfg.WorkerPoolSize = envInt(EnvWorkerPoolSize, cfg.WorkerPoolSize, 1, 1024)

	if v := os.Getenv(EnvTemperature); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Temperature = float32(clampFloat(f, 0.0, 2.0))
		}
	}
	if v := os.Getenv(EnvVerifyThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.VerificationThreshold = clampFloat(f, 0.0, 1.0)
		}
	}
	if v := os.Getenv(EnvEnableDelegation); v != "" {
		cfg.EnableDelegation = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv(EnvCheckpointDBPath); v != "" {
		cfg.CheckpointDBPath = v
	}
	if v := os.Getenv(EnvRoutingConfigPath); v != "" {
		cfg.RoutingConfigPath = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderLocal, ProviderPerplexity, ProviderOpenAI, ProviderAnthropic, ProviderNvidia, ProviderOpenClaw:
	default:
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfiguration, c.Provider)
	}

	if c.Provider != ProviderLocal && c.ProviderAPIKey == "" {
		return fmt.Errorf("%w: %s requires %s", ErrMissingConfiguration, c.Provider, EnvProviderAPIKey)
	}
	if c.MaxIterations < 1 || c.MaxIterations > 20 {
		return fmt.Errorf("%w: max iterations %d outside 1-20", ErrInvalidConfiguration, c.MaxIterations)
	}
	if c.ContextWindow < 1 || c.ContextWindow > 50 {
		return fmt.Errorf("%w: context window %d outside 1-50", ErrInvalidConfiguration, c.ContextWindow)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f outside 0.0-2.0", ErrInvalidConfiguration, c.Temperature)
	}
	if c.MaxToolCallsPerTurn < 1 || c.MaxToolCallsPerTurn > 10 {
		return fmt.Errorf("%w: max tool calls %d outside 1-10", ErrInvalidConfiguration, c.MaxToolCallsPerTurn)
	}
	if c.Timeout < 10*time.Second || c.Timeout > 600*time.Second {
		return fmt.Errorf("%w: timeout %s outside 10s-600s", ErrInvalidConfiguration, c.Timeout)
	}
	if c.CheckpointDBPath == "" {
		return fmt.Errorf("%w: checkpoint db path", ErrMissingConfiguration)
	}
	if c.VerificationThreshold < 0 || c.VerificationThreshold > 1 {
		return fmt.Errorf("%w: verification threshold %.2f outside 0-1", ErrInvalidConfiguration, c.VerificationThreshold)
	}
	return nil
}

func envInt(name string, def, min, max int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
