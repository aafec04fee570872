package core

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.MaxIterations)
	}
	if cfg.ContextWindow != 12 {
		t.Errorf("ContextWindow = %d, want 12", cfg.ContextWindow)
	}
	if cfg.Temperature != 0.15 {
		t.Errorf("Temperature = %f, want 0.15", cfg.Temperature)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("Timeout = %s, want 120s", cfg.Timeout)
	}
	if cfg.Provider != ProviderLocal {
		t.Errorf("Provider = %s, want local", cfg.Provider)
	}
}

func TestConfigFromEnvClampsRanges(t *testing.T) {
	t.Setenv(EnvMaxIterations, "100")
	t.Setenv(EnvContextWindow, "0")
	t.Setenv(EnvTimeoutSeconds, "5")
	t.Setenv(EnvTemperature, "9.5")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want clamp to 20", cfg.MaxIterations)
	}
	if cfg.ContextWindow != 1 {
		t.Errorf("ContextWindow = %d, want clamp to 1", cfg.ContextWindow)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %s, want clamp to 10s", cfg.Timeout)
	}
	if cfg.Temperature != 2.0 {
		t.Errorf("Temperature = %f, want clamp to 2.0", cfg.Temperature)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"unknown provider", func(c *Config) { c.Provider = "mystery" }, true},
		{"cloud provider without key", func(c *Config) { c.Provider = ProviderOpenAI }, true},
		{"cloud provider with key", func(c *Config) {
			c.Provider = ProviderAnthropic
			c.ProviderAPIKey = "sk-test"
		}, false},
		{"empty db path", func(c *Config) { c.CheckpointDBPath = "" }, true},
		{"iterations out of range", func(c *Config) { c.MaxIterations = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !IsConfigurationError(err) {
				t.Errorf("expected configuration error kind, got %v", err)
			}
		})
	}
}

func TestEnableDelegationParsing(t *testing.T) {
	for _, v := range []string{"true", "1", "yes"} {
		t.Setenv(EnvEnableDelegation, v)
		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv(%q): %v", v, err)
		}
		if !cfg.EnableDelegation {
			t.Errorf("EnableDelegation = false for %q", v)
		}
	}

	t.Setenv(EnvEnableDelegation, "false")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.EnableDelegation {
		t.Error("EnableDelegation = true for \"false\"")
	}
}
