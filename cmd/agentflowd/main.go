// Command agentflowd runs the agent orchestration service: HTTP front
// end, workflow engine, tool registry, checkpoint store, optional
// multi-tier delegation, and the crash-recovery loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentflow-io/agentflow/ai"
	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
	"github.com/agentflow-io/agentflow/dashboard"
	"github.com/agentflow-io/agentflow/delegation"
	"github.com/agentflow-io/agentflow/engine"
	"github.com/agentflow-io/agentflow/intent"
	"github.com/agentflow-io/agentflow/orchestration"
	"github.com/agentflow-io/agentflow/resilience"
	"github.com/agentflow-io/agentflow/routing"
	"github.com/agentflow-io/agentflow/sandbox"
	"github.com/agentflow-io/agentflow/telemetry"
	"github.com/agentflow-io/agentflow/tools"
	"github.com/agentflow-io/agentflow/vectorstore"
)

const recoveryInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.ConfigFromEnv()
	if err != nil {
		return err
	}
	logger := core.NewJSONLogger(cfg.LogLevel)
	otelSink := telemetry.New("agentflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Checkpoint store with a daily sweep of old complete threads.
	store, err := checkpoint.NewSQLiteStore(cfg.CheckpointDBPath,
		checkpoint.WithSQLiteLogger(logger.WithComponent("checkpoint")),
		checkpoint.WithRetention(30*24*time.Hour, time.Hour),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, archiver, err := buildRegistry(logger)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger.WithComponent("engine")),
		engine.WithTelemetry(otelSink),
	}
	if archiver != nil {
		compactor, cerr := engine.NewCompactor(provider, archiver, 40, 12, logger.WithComponent("compaction"))
		if cerr != nil {
			return cerr
		}
		engineOpts = append(engineOpts, engine.WithCompactor(compactor))
	}
	eng, err := engine.New(provider, registry, store, cfg, engineOpts...)
	if err != nil {
		return err
	}

	classifier, err := builtinIntents(logger)
	if err != nil {
		return err
	}
	orchOpts := []orchestration.Option{
		orchestration.WithLogger(logger.WithComponent("orchestrator")),
		orchestration.WithTelemetry(otelSink),
		orchestration.WithClassifier(classifier),
	}

	var watcher *routing.Watcher
	if cfg.EnableDelegation && cfg.RoutingConfigPath != "" {
		manager, w, derr := buildDelegation(ctx, cfg, logger)
		if derr != nil {
			return derr
		}
		watcher = w
		orchOpts = append(orchOpts, orchestration.WithDelegation(manager))
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	orch, err := orchestration.New(eng, store, cfg, orchOpts...)
	if err != nil {
		return err
	}

	recovery := orchestration.NewRecoveryManager(store, cfg.MaxRecoveryAttempts,
		orchestration.WithRecoveryLogger(logger.WithComponent("recovery")),
		orchestration.WithRecoveryTelemetry(otelSink),
	)
	recovery.Start(ctx, recoveryInterval)

	server := orchestration.NewServer(cfg.HTTPAddr, orch, registry, store,
		cfg.WorkerPoolSize, logger.WithComponent("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildRegistry wires the built-in calculator plus whichever
// collaborator tools have endpoints configured. The vector-store
// client, when present, is returned as the compaction archiver.
func buildRegistry(logger *core.JSONLogger) (*tools.Registry, core.Archiver, error) {
	breakerMetrics, err := resilience.NewOTelMetrics("agentflow.tools")
	if err != nil {
		return nil, nil, err
	}
	registry := tools.NewRegistry(
		tools.WithLogger(logger.WithComponent("tools")),
		tools.WithBreakerMetrics(breakerMetrics),
	)
	if err := tools.RegisterCalculator(registry); err != nil {
		return nil, nil, err
	}

	if url := os.Getenv(core.EnvSandboxURL); url != "" {
		client, err := sandbox.New(url, sandbox.WithLogger(logger.WithComponent("sandbox")))
		if err != nil {
			return nil, nil, err
		}
		if err := sandbox.RegisterExecuteCode(registry, client); err != nil {
			return nil, nil, err
		}
	}

	var archiver core.Archiver
	if url := os.Getenv(core.EnvVectorStoreURL); url != "" {
		client, err := vectorstore.New(url, vectorstore.WithLogger(logger.WithComponent("vectorstore")))
		if err != nil {
			return nil, nil, err
		}
		if err := vectorstore.RegisterSearch(registry, client); err != nil {
			return nil, nil, err
		}
		archiver = client
	}

	if url := os.Getenv(core.EnvDashboardURL); url != "" {
		client, err := dashboard.New(url, dashboard.WithLogger(logger.WithComponent("dashboard")))
		if err != nil {
			return nil, nil, err
		}
		if err := dashboard.RegisterUserContext(registry, client); err != nil {
			return nil, nil, err
		}
		if err := dashboard.RegisterBankTools(registry, client); err != nil {
			return nil, nil, err
		}
	}

	return registry, archiver, nil
}

// buildProvider creates the single engine-facing provider from the
// flat env configuration.
func buildProvider(cfg *core.Config, logger *core.JSONLogger) (ai.Provider, error) {
	providerLogger := logger.WithComponent("provider")
	switch cfg.Provider {
	case core.ProviderAnthropic:
		return ai.NewAnthropicProvider(ai.AnthropicConfig{
			APIKey:  cfg.ProviderAPIKey,
			BaseURL: cfg.ProviderBaseURL,
			Model:   cfg.ProviderModel,
			Logger:  providerLogger,
		})
	case core.ProviderLocal:
		return ai.NewLocalProvider(ai.LocalConfig{
			BaseURL: cfg.ProviderBaseURL,
			Model:   cfg.ProviderModel,
			Logger:  providerLogger,
		})
	default:
		// openai, perplexity, nvidia, openclaw all speak the
		// chat-completions dialect.
		return ai.NewOpenAIProvider(ai.OpenAIConfig{
			Provider: cfg.Provider,
			APIKey:   cfg.ProviderAPIKey,
			BaseURL:  cfg.ProviderBaseURL,
			Model:    cfg.ProviderModel,
			Logger:   providerLogger,
		})
	}
}

// buildDelegation loads the routing document, builds the tier pool and
// delegation manager, and subscribes both to hot reloads.
func buildDelegation(ctx context.Context, cfg *core.Config, logger *core.JSONLogger) (*delegation.Manager, *routing.Watcher, error) {
	watcher, err := routing.NewWatcher(cfg.RoutingConfigPath, logger.WithComponent("routing"))
	if err != nil {
		return nil, nil, err
	}

	doc := watcher.Current()
	pool, err := buildPool(doc, logger)
	if err != nil {
		return nil, nil, err
	}
	pool.Probe(ctx, 5*time.Second)

	var traceOpts []delegation.Option
	if url := os.Getenv(core.EnvRedisURL); url != "" {
		traceStore, terr := delegation.NewRedisTraceStore(url,
			delegation.WithTraceLogger(logger.WithComponent("delegation")))
		if terr != nil {
			return nil, nil, terr
		}
		traceOpts = append(traceOpts, delegation.WithTraceStore(traceStore))
	} else {
		traceOpts = append(traceOpts, delegation.WithTraceStore(delegation.NewMemoryTraceStore(1000)))
	}
	traceOpts = append(traceOpts, delegation.WithLogger(logger.WithComponent("delegation")))

	manager, err := delegation.NewManager(pool, doc.DelegationRules(), traceOpts...)
	if err != nil {
		return nil, nil, err
	}

	watcher.Subscribe(func(doc *routing.Config) {
		specs, perr := tierSpecs(doc, logger)
		if perr != nil {
			logger.Error("Rejecting reloaded tier table", map[string]interface{}{
				"operation": "routing_reload",
				"error":     perr.Error(),
			})
			return
		}
		if serr := pool.Swap(doc.DefaultTier, specs); serr != nil {
			logger.Error("Tier table swap failed", map[string]interface{}{
				"operation": "routing_reload",
				"error":     serr.Error(),
			})
			return
		}
		manager.OnConfigChanged(doc.DelegationRules())
	})
	watcher.Start(ctx)

	return manager, watcher, nil
}

// buildPool turns routing tiers into live providers.
func buildPool(doc *routing.Config, logger *core.JSONLogger) (*ai.ClientPool, error) {
	tiers, err := tierSpecs(doc, logger)
	if err != nil {
		return nil, err
	}
	return ai.NewClientPool(doc.DefaultTier, tiers, logger.WithComponent("pool"))
}

func tierSpecs(doc *routing.Config, logger *core.JSONLogger) ([]ai.TierSpec, error) {
	tiers := make([]ai.TierSpec, 0, len(doc.Tiers))
	for _, tier := range doc.Tiers {
		provider, err := tierProvider(tier, logger)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier.Name, err)
		}
		tiers = append(tiers, ai.TierSpec{Name: tier.Name, Provider: provider, Rank: tier.Rank})
	}
	return tiers, nil
}

func tierProvider(tier routing.TierConfig, logger *core.JSONLogger) (ai.Provider, error) {
	apiKey := ""
	if tier.APIKeyEnv != "" {
		apiKey = os.Getenv(tier.APIKeyEnv)
	}
	providerLogger := logger.WithComponent("provider")

	switch core.ProviderType(tier.Provider) {
	case core.ProviderAnthropic:
		return ai.NewAnthropicProvider(ai.AnthropicConfig{
			APIKey: apiKey, BaseURL: tier.BaseURL, Model: tier.Model, Logger: providerLogger,
		})
	case core.ProviderLocal:
		return ai.NewLocalProvider(ai.LocalConfig{
			BaseURL: tier.BaseURL, Model: tier.Model, Logger: providerLogger,
		})
	default:
		return ai.NewOpenAIProvider(ai.OpenAIConfig{
			Provider: core.ProviderType(tier.Provider),
			APIKey:   apiKey, BaseURL: tier.BaseURL, Model: tier.Model, Logger: providerLogger,
		})
	}
}

// builtinIntents is the out-of-the-box intent table. Deployments with
// richer intent sets replace it.
func builtinIntents(logger *core.JSONLogger) (*intent.Classifier, error) {
	return intent.NewClassifier([]intent.Intent{
		{
			Name:          "calculation",
			Keywords:      []string{"calculate", "compute", "how much is"},
			Patterns:      []string{`\d+\s*[-+*/^]\s*\d+`},
			RequiredTools: []string{"calculator"},
		},
		{
			Name:          "code_execution",
			Keywords:      []string{"run this code", "execute this", "run the script"},
			RequiredTools: []string{"execute_code"},
		},
		{
			Name:     "personal_finance",
			Keywords: []string{"my spending", "my transactions", "my balance"},
			Slots: []intent.Slot{
				{
					Name:               "user",
					Pattern:            `(?:i am|i'm|this is)\s+([a-z0-9_-]+)`,
					ClarifyingQuestion: "Which account is this for?",
				},
			},
			RequiredTools: []string{"bank_activity"},
		},
	}, logger.WithComponent("intent"))
}
