// Command callpilot is the main entry point for the CallPilot operator
// assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callpilot/callpilot/internal/capture"
	"github.com/callpilot/callpilot/internal/config"
	"github.com/callpilot/callpilot/internal/conversation"
	"github.com/callpilot/callpilot/internal/convlog"
	convlogpg "github.com/callpilot/callpilot/internal/convlog/postgres"
	"github.com/callpilot/callpilot/internal/health"
	"github.com/callpilot/callpilot/internal/observe"
	"github.com/callpilot/callpilot/internal/pronounce"
	"github.com/callpilot/callpilot/internal/recognition"
	"github.com/callpilot/callpilot/internal/suggest"
	"github.com/callpilot/callpilot/internal/transport"
	"github.com/callpilot/callpilot/pkg/provider/embeddings"
	oaembed "github.com/callpilot/callpilot/pkg/provider/embeddings/openai"
	"github.com/callpilot/callpilot/pkg/provider/llm"
	"github.com/callpilot/callpilot/pkg/provider/llm/anyllm"
	oaillm "github.com/callpilot/callpilot/pkg/provider/llm/openai"
	"github.com/callpilot/callpilot/pkg/provider/stt"
	"github.com/callpilot/callpilot/pkg/provider/stt/deepgram"
	"github.com/callpilot/callpilot/pkg/provider/stt/whisper"
	"github.com/callpilot/callpilot/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	issueToken := flag.String("issue-token", "", "issue a session token for the given operator ID and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callpilot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callpilot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	auth := transport.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	// Token issuance is an offline operation; no server is started.
	if *issueToken != "" {
		token, err := auth.IssueToken(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "callpilot: %v\n", err)
			return 1
		}
		fmt.Println(token)
		return 0
	}

	slog.Info("callpilot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callpilot"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	var embedProvider embeddings.Provider
	if name := cfg.Providers.Embeddings.Name; name != "" {
		embedProvider, err = reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	// ── Conversation log ──────────────────────────────────────────────────────
	var (
		store   convlog.Store
		learner *convlog.Learner
	)
	if cfg.Log.PostgresDSN != "" {
		pgStore, err := convlogpg.NewStore(ctx, cfg.Log.PostgresDSN, cfg.Log.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open conversation log store", "err", err)
			return 1
		}
		defer pgStore.Close()
		store = pgStore
		learner = convlog.NewLearner(store, llmProvider, embedProvider, logger)
		slog.Info("conversation log store ready", "embedding_dimensions", cfg.Log.EmbeddingDimensions)
	} else {
		slog.Warn("log.postgres_dsn not set; conversations cannot be saved")
	}

	// ── Orchestrator factory ──────────────────────────────────────────────────
	factory := newOrchestratorFactory(cfg, sttProvider, llmProvider, store, learner, metrics)

	// ── HTTP server ───────────────────────────────────────────────────────────
	wsServer := transport.NewServer(auth, factory,
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
	)

	checks := []health.Checker{
		{Name: "config", Check: func(context.Context) error { return config.Validate(cfg) }},
	}
	if cfg.Log.PostgresDSN != "" {
		if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
			checks = append(checks, health.Checker{Name: "database", Check: pinger.Ping})
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", wsServer.HandleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checks...).Register(mux)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if cfg.Server.TLS != nil {
			errCh <- server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if learner != nil {
		learner.Wait()
	}
	slog.Info("goodbye")
	return 0
}

// newOrchestratorFactory returns the per-call assembly the transport invokes
// on start-recognition. Everything per-call (demux, recognition pair,
// pipeline, scorer) is built fresh; the store and learner are shared.
func newOrchestratorFactory(
	cfg *config.Config,
	sttProvider stt.Provider,
	llmProvider llm.Provider,
	store convlog.Store,
	learner *convlog.Learner,
	metrics *observe.Metrics,
) transport.OrchestratorFactory {
	return func(ctx context.Context, mode types.Mode, leadRef, operatorID string, notifier conversation.Notifier) (*conversation.Orchestrator, error) {
		pair := recognition.NewPair(sttProvider, stt.StreamConfig{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   1,
		})

		demux, err := capture.New(capture.ChannelAssignment{
			Channels:     cfg.Capture.Channels,
			Operator:     cfg.Capture.OperatorChannel,
			Counterparty: cfg.Capture.CounterpartyChannel,
		}, pair,
			capture.WithWarmupTimeout(cfg.Capture.WarmupTimeout),
			// Silent-device and skipped-frame warnings go to the console, not
			// just the server log.
			capture.WithWarningFunc(notifier.Warning),
		)
		if err != nil {
			return nil, err
		}

		pricer := suggest.NewPricer(cfg.Pricing)
		pipeline := suggest.NewPipeline(llmProvider, pricer, cfg.Suggest.MinInterval,
			suggest.WithMetrics(metrics))

		return conversation.NewOrchestrator(conversation.Deps{
			Context:            conversation.NewContext(mode, leadRef, operatorID),
			Demux:              demux,
			Pair:               pair,
			Pipeline:           pipeline,
			Scorer:             pronounce.NewScorer(),
			Store:              store,
			Learner:            learner,
			Notifier:           notifier,
			Metrics:            metrics,
			MinTranscriptLines: cfg.Save.MinTranscriptLines,
		}), nil
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// The native openai provider supports JSON response mode; the anyllm
	// backends enforce JSON at the prompt level instead.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
