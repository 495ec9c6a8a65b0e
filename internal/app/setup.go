package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/koopa0/relay/db"
	"github.com/koopa0/relay/internal/agent"
	"github.com/koopa0/relay/internal/config"
	"github.com/koopa0/relay/internal/database"
	"github.com/koopa0/relay/internal/gateway"
	"github.com/koopa0/relay/internal/knowledge"
	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/tokens"
	"github.com/koopa0/relay/internal/tools"
	"github.com/koopa0/relay/internal/usage"
)

// Setup creates and initializes the application. The returned App owns
// every resource it opened; call Close() to release them.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Knowledge, err = knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = session.NewStore(pool, logger)
	a.Usage = usage.NewStore(pool, logger)

	accountant := tokens.New(tokens.Config{
		Logger:            logger,
		Prices:            pricesFromConfig(cfg),
		DefaultPriceModel: cfg.DefaultPriceModel,
	})

	registry := tools.NewRegistry(g, pool, a.Knowledge, logger)
	bridge := agent.NewBridge(int64(cfg.ToolWorkers), agent.DefaultToolTimeout, logger)
	orchestrator, err := agent.New(agent.Config{
		Genkit:        g,
		Bridge:        bridge,
		Logger:        logger,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	streamer := gateway.NewStreamer(g,
		gateway.NewCircuitBreaker(gateway.CircuitBreakerConfig{}),
		nil, gateway.DefaultRetryConfig(), logger)

	a.Gateway, err = gateway.New(gateway.Config{
		Store:        a.Sessions,
		Usage:        a.Usage,
		Accountant:   accountant,
		Registry:     registry,
		Orchestrator: orchestrator,
		Streamer:     streamer,
		DefaultModel: cfg.ModelName,
		SystemPrompt: cfg.SystemPrompt,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// pricesFromConfig converts config price overrides to the accountant's
// price type.
func pricesFromConfig(cfg *config.Config) map[string]tokens.Price {
	if len(cfg.Pricing) == 0 {
		return nil
	}
	prices := make(map[string]tokens.Price, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		prices[model] = tokens.Price{PromptPerK: p.PromptPerK, CompletionPerK: p.CompletionPerK}
	}
	return prices
}

// provideOtelShutdown sets up trace export before Genkit initialization so
// its TracerProvider is ready. Traces go to a local OTLP agent over HTTP;
// the agent handles authentication, buffering, and forwarding.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	otlp := cfg.OTLP
	if otlp.ServiceName == "" {
		return func() {}
	}

	agentHost := otlp.AgentHost
	if agentHost == "" {
		agentHost = "localhost:4318"
	}

	// SAFETY: os.Setenv is not concurrent-safe, but this runs exactly once
	// during startup before goroutines are spawned.
	_ = os.Setenv("OTEL_SERVICE_NAME", otlp.ServiceName)
	if otlp.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+otlp.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(), // local agent, no TLS
	)
	if err != nil {
		logger.Warn("creating OTLP exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"agent", agentHost,
		"service", otlp.ServiceName,
		"environment", otlp.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideGenkit initializes Genkit with the configured AI provider plugin.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderGoogleAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
		logger.Info("initialized Genkit with googleai provider", "model", cfg.ModelName)

	default: // openai
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
// OpenAI auto-registers embedders in Init(); GoogleAI exposes a lookup
// helper.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderGoogleAI:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	default: // openai
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	}
}
