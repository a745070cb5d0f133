// Command parla is the Parla voice conversation server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/parla-voice/parla/internal/config"
	"github.com/parla-voice/parla/internal/health"
	"github.com/parla-voice/parla/internal/observe"
	"github.com/parla-voice/parla/internal/pipeline"
	"github.com/parla-voice/parla/internal/resilience"
	"github.com/parla-voice/parla/internal/session"
	"github.com/parla-voice/parla/pkg/audio"
	"github.com/parla-voice/parla/pkg/audio/delivery"
	"github.com/parla-voice/parla/pkg/audio/queue"
	"github.com/parla-voice/parla/pkg/convert"
	"github.com/parla-voice/parla/pkg/provider/asr"
	"github.com/parla-voice/parla/pkg/provider/asr/whisperhttp"
	"github.com/parla-voice/parla/pkg/provider/llm"
	openaillm "github.com/parla-voice/parla/pkg/provider/llm/openai"
	"github.com/parla-voice/parla/pkg/provider/tts"
	"github.com/parla-voice/parla/pkg/provider/tts/elevenlabs"
	"github.com/parla-voice/parla/pkg/transport/webrtc"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parla: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parla: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parla starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parla",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Pipeline components ───────────────────────────────────────────────────
	converter := convert.New(cfg.Audio.FFmpegPath, 48000, 1)
	validator := audio.NewValidator(audio.ValidatorConfig{
		EnergyThreshold:      cfg.Audio.EnergyThreshold,
		SpeechRatioThreshold: cfg.Audio.SpeechRatioThreshold,
		SampleRate:           cfg.Audio.InputSampleRate,
	})
	queues := queue.NewManager(cfg.Pipeline.QueueCapacity, cfg.Pipeline.PutTimeout)
	trackers := delivery.NewManager(cfg.Pipeline.MaxTrackedChunks, cfg.Pipeline.AckTimeout)
	defer trackers.Close()
	conns := webrtc.NewManager(cfg.WebRTC.STUNServers)
	defer conns.CloseAll()

	ws := session.NewServer(conns, session.Config{
		STUNServers:    cfg.WebRTC.STUNServers,
		AudioWindow:    cfg.Server.WS.AudioWindow,
		ErrorInterval:  cfg.Server.WS.ErrorInterval,
		AllowedOrigins: cfg.Server.WS.AllowedOrigins,
	})

	orch := pipeline.New(pipeline.Deps{
		ASR:       providers.asr,
		LLM:       providers.llm,
		TTS:       providers.tts,
		Queues:    queues,
		Trackers:  trackers,
		Conns:     conns,
		Converter: converter,
		Validator: validator,
		Metrics:   metrics,
		Events:    ws,
	}, pipeline.Config{
		SystemPrompt:     cfg.Providers.LLM.SystemPrompt,
		InputSampleRate:  cfg.Audio.InputSampleRate,
		MinSentenceChars: cfg.Pipeline.MinSentenceChars,
		MaxWaitChars:     cfg.Pipeline.MaxWaitChars,
		PutTimeout:       cfg.Pipeline.PutTimeout,
	})
	ws.BindPipeline(orch)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	checks := health.New(
		health.FFmpegChecker(converter.Available),
		health.ASRChecker(providers.asr.Available),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", statsHandler(orch, ws))
	checks.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

type providerSet struct {
	asr asr.Provider
	llm llm.Provider
	tts tts.Provider
}

// registerBuiltinProviders wires the provider factories that ship with Parla
// into reg. Each factory receives a [config.ProviderEntry] and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterASR("whisper-http", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisperhttp.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperhttp.WithLanguage(lang))
		}
		return whisperhttp.New(entry.BaseURL, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, entry.Voice, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. The voice pipeline
// needs all three stages, so a missing or unknown provider is fatal here
// rather than at first use. Each provider is wrapped in a circuit breaker so
// a dead backend fails fast instead of stalling every utterance.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	rawASR, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	rawLLM, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	rawTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return &providerSet{
		asr: resilience.NewASR(rawASR, resilience.NewBreaker(resilience.BreakerConfig{Name: "asr"})),
		llm: resilience.NewLLM(rawLLM, resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"})),
		tts: resilience.NewTTS(rawTTS, resilience.NewBreaker(resilience.BreakerConfig{Name: "tts"})),
	}, nil
}

// ── Stats ─────────────────────────────────────────────────────────────────────

// statsHandler exposes live queue and delivery state for operators; the
// stable time-series view lives at /metrics.
func statsHandler(orch *pipeline.Orchestrator, ws *session.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := map[string]any{
			"sessions": ws.Sessions(),
			"queues":   orch.QueueHealth(),
			"delivery": orch.DeliveryMetrics(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			slog.Warn("stats encode error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Parla — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
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
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
