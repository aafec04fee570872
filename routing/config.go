// Package routing loads the tier routing configuration from YAML and
// hot-reloads it when the file changes on disk.
package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/delegation"
)

// TierConfig declares one model tier in the routing file.
type TierConfig struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"` // openai, anthropic, local, perplexity, nvidia, openclaw
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Rank      int    `yaml:"rank"`
}

// RulesConfig declares the delegation policy.
type RulesConfig struct {
	TaskTypes           map[string]string `yaml:"task_types,omitempty"`
	ComplexityThreshold float64           `yaml:"complexity_threshold,omitempty"`
	MaxParallel         int               `yaml:"max_parallel,omitempty"`
}

// VerificationConfig declares when and where aggregates are verified.
type VerificationConfig struct {
	Threshold float64 `yaml:"threshold,omitempty"`
	Tier      string  `yaml:"tier,omitempty"`
}

// Config is the full routing document.
type Config struct {
	DefaultTier  string             `yaml:"default_tier"`
	Tiers        []TierConfig       `yaml:"tiers"`
	Rules        RulesConfig        `yaml:"rules,omitempty"`
	Verification VerificationConfig `yaml:"verification,omitempty"`
}

// Load reads and validates a routing file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("routing: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants; a config that fails here is
// rejected without touching the live routing table.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("routing: %w: no tiers configured", core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(c.Tiers))
	for i, tier := range c.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("routing: %w: tier %d has no name", core.ErrInvalidConfiguration, i)
		}
		if tier.Provider == "" {
			return fmt.Errorf("routing: %w: tier %q has no provider", core.ErrInvalidConfiguration, tier.Name)
		}
		if seen[tier.Name] {
			return fmt.Errorf("routing: %w: duplicate tier %q", core.ErrInvalidConfiguration, tier.Name)
		}
		seen[tier.Name] = true
	}
	if c.DefaultTier == "" {
		return fmt.Errorf("routing: %w: default_tier is required", core.ErrInvalidConfiguration)
	}
	if !seen[c.DefaultTier] {
		return fmt.Errorf("routing: %w: default_tier %q not among tiers", core.ErrInvalidConfiguration, c.DefaultTier)
	}
	for taskType, tier := range c.Rules.TaskTypes {
		if !seen[tier] {
			return fmt.Errorf("routing: %w: task type %q routes to unknown tier %q", core.ErrInvalidConfiguration, taskType, tier)
		}
	}
	if t := c.Rules.ComplexityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("routing: %w: complexity_threshold %v outside [0, 1]", core.ErrInvalidConfiguration, t)
	}
	if t := c.Verification.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("routing: %w: verification threshold %v outside [0, 1]", core.ErrInvalidConfiguration, t)
	}
	if c.Verification.Tier != "" && !seen[c.Verification.Tier] {
		return fmt.Errorf("routing: %w: verification tier %q not among tiers", core.ErrInvalidConfiguration, c.Verification.Tier)
	}
	return nil
}

// DelegationRules converts the document into the delegation policy,
// filling unset fields from the built-in defaults.
func (c *Config) DelegationRules() delegation.Rules {
	rules := delegation.DefaultRules()
	for taskType, tier := range c.Rules.TaskTypes {
		rules.TierByTaskType[delegation.TaskType(taskType)] = tier
	}
	if c.Rules.ComplexityThreshold > 0 {
		rules.ComplexityThreshold = c.Rules.ComplexityThreshold
	}
	if c.Rules.MaxParallel > 0 {
		rules.MaxParallel = c.Rules.MaxParallel
	}
	if c.Verification.Threshold > 0 {
		rules.VerificationThreshold = c.Verification.Threshold
	}
	rules.VerificationTier = c.Verification.Tier
	return rules
}
