// Command voiceline runs the voice dialog server: HTTP session API, the
// one-shot voice exchange, and the streaming WebSocket with turn-taking and
// barge-in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/voicelinehq/voiceline/internal/config"
	"github.com/voicelinehq/voiceline/internal/conversation"
	"github.com/voicelinehq/voiceline/internal/health"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/resilience"
	"github.com/voicelinehq/voiceline/internal/server"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/stream"
	"github.com/voicelinehq/voiceline/internal/turntaking"
	"github.com/voicelinehq/voiceline/internal/vad"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	"github.com/voicelinehq/voiceline/pkg/provider/asr/whisper"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	"github.com/voicelinehq/voiceline/pkg/provider/llm/anyllm"
	openaillm "github.com/voicelinehq/voiceline/pkg/provider/llm/openai"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
	"github.com/voicelinehq/voiceline/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Secrets commonly live in a .env next to the binary during development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceline: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voiceline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voiceline",
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
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
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr(),
		DB:   cfg.Redis.DB,
	})
	defer rdb.Close()

	sessions := buildSessionManager(ctx, rdb, cfg)

	// ── Providers ─────────────────────────────────────────────────────────────
	asrProvider, err := buildASR(cfg)
	if err != nil {
		slog.Error("asr provider init failed", "err", err)
		return 1
	}
	llmProvider, err := buildLLM(cfg)
	if err != nil {
		slog.Error("llm provider init failed", "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(cfg)
	if err != nil {
		slog.Error("tts provider init failed", "err", err)
		return 1
	}
	if name := cfg.Providers.VAD.Name; name != "" && name != "energy" {
		slog.Warn("vad backend not built in, using the energy detector", "name", name)
	}

	// ── Dialog stack ──────────────────────────────────────────────────────────
	conv := conversation.NewEngine(rdb, llmProvider, conversation.WithLimits(
		cfg.Dialog.MaxClarifications,
		cfg.Dialog.MaxSilencePrompts,
		cfg.Dialog.MaxTurns,
	))

	orch := stream.NewOrchestrator(stream.Deps{
		Sessions:     sessions,
		Conversation: conv,
		ASR:          asrProvider,
		LLM:          llmProvider,
		TTS:          ttsProvider,
		VAD:          vad.NewClassifier(nil),
		Metrics:      metrics,
	}, stream.Config{
		Turn: turntaking.Config{
			SilenceGraceMS:   cfg.Dialog.SilenceGraceMS,
			ConfirmationMS:   cfg.Dialog.ConfirmationMS,
			MinSpeechMS:      cfg.Dialog.MinSpeechMS,
			NudgeMS:          cfg.Dialog.NudgeAfterMS,
			IncompleteWaitMS: cfg.Dialog.IncompleteWaitMS,
			ComfortWaitMS:    cfg.Dialog.ComfortWaitMS,
		},
		Voice: cfg.Providers.TTS.Voice,
	})

	srv := server.New(server.Deps{
		Sessions:     sessions,
		Conversation: conv,
		Orchestrator: orch,
		ASR:          asrProvider,
		TTS:          ttsProvider,
		Metrics:      metrics,
		Health:       health.New(health.RedisChecker(rdb)),
	}, server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Voice:      cfg.Providers.TTS.Voice,
	})

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildSessionManager probes the store and returns nil when it is down, so
// the server starts degraded instead of crash-looping on a Redis outage.
func buildSessionManager(ctx context.Context, rdb *redis.Client, cfg *config.Config) *session.Manager {
	var opts []session.Option
	if cfg.Session.IdleTimeoutSec > 0 {
		opts = append(opts, session.WithIdleTimeout(time.Duration(cfg.Session.IdleTimeoutSec)*time.Second))
	}
	if cfg.Session.MaxDurationSec > 0 {
		opts = append(opts, session.WithMaxDuration(time.Duration(cfg.Session.MaxDurationSec)*time.Second))
	}
	sessions := session.NewManager(rdb, opts...)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sessions.Ping(pingCtx); err != nil {
		slog.Warn("session store unreachable, starting degraded", "addr", cfg.Redis.Addr(), "err", err)
		return nil
	}
	slog.Info("session store connected", "addr", cfg.Redis.Addr())
	return sessions
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func buildASR(cfg *config.Config) (asr.Provider, error) {
	entry := cfg.Providers.ASR
	if entry.Name == "" {
		return nil, errors.New("providers.asr.name is required")
	}

	p, err := whisper.New(entry.Model)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	return resilience.NewASRFallback(p, entry.Name, resilience.FallbackConfig{}), nil
}

func buildLLM(cfg *config.Config) (llm.Provider, error) {
	entry := cfg.Providers.LLM
	if entry.Name == "" {
		slog.Warn("no llm provider configured, replies degrade to scripted prompts")
		return nil, nil
	}

	var (
		p   llm.Provider
		err error
	)
	if entry.Name == "openai" {
		p, err = openaillm.New(entry.APIKey, entry.Model)
	} else {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err = anyllm.New(entry.Name, entry.Model, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}
	return resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{}), nil
}

func buildTTS(cfg *config.Config) (tts.Provider, error) {
	entry := cfg.Providers.TTS
	if entry.Name == "" {
		slog.Warn("no tts provider configured, responses will be text-only")
		return nil, nil
	}

	p, err := elevenlabs.New(entry.APIKey, entry.Voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	return resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{}), nil
}

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
