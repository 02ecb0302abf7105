// Command kaiku is the Kaiku voice agent server. It terminates carrier media
// streams over WebSocket and runs the per-call speech pipeline: streaming
// recognition, LLM completion, and incremental synthesis back to the caller.
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

	"github.com/kaiku-voice/kaiku/internal/call"
	"github.com/kaiku-voice/kaiku/internal/carrier"
	"github.com/kaiku-voice/kaiku/internal/config"
	"github.com/kaiku-voice/kaiku/internal/observe"
	"github.com/kaiku-voice/kaiku/internal/store"
)

// version is stamped at build time via -ldflags "-X main.version=...".
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
			fmt.Fprintf(os.Stderr, "kaiku: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kaiku: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust it at
	// runtime without swapping the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("kaiku starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kaiku",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		slog.Error("a call needs llm, stt, and tts providers — check the providers section",
			"llm", cfg.Providers.LLM.Name,
			"stt", cfg.Providers.STT.Name,
			"tts", cfg.Providers.TTS.Name,
		)
		return 1
	}
	wrapResilience(cfg, providers)

	// ── Transcript store (optional) ───────────────────────────────────────────
	var (
		archive  *store.Store
		archiver call.Archiver
	)
	if cfg.Store.PostgresDSN != "" {
		archive, err = store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("transcript store unavailable", "err", err)
			return 1
		}
		defer archive.Close()
		archiver = archive
		slog.Info("transcript store connected")
	}

	// ── Call admission ────────────────────────────────────────────────────────
	calls := call.NewRegistry(cfg.Limits.MaxConcurrentCalls, logger)
	limiter := call.NewRateLimiter(cfg.RateLimit.LLMRequestsPerMinute)

	// Sessions outlive the webhook request that answers them and must survive
	// the shutdown signal long enough to archive, so they run off a background
	// context and are torn down explicitly below.
	source := newSessionSource(context.Background(), cfg, providers, calls, limiter, archiver, logger)

	var control *carrier.Control
	if cfg.Carrier.APIKey != "" {
		control = carrier.NewControl(cfg.Carrier.BaseURL, cfg.Carrier.APIKey)
	} else {
		slog.Warn("carrier.api_key is empty; incoming calls will not be answered via the control plane")
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(old, new, logLevel, source)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           newHandler(source, calls, archive, control, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			serveErr = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	// Hang up whatever is still on the line so transcripts get archived.
	calls.Each(func(s *call.Session) { s.Hangup("server shutdown") })

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a config change. Provider,
// server, and store changes require a restart and are ignored by [config.Diff].
func applyReload(old, new *config.Config, level *slog.LevelVar, source *sessionSource) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.AgentChanged || d.ConversationChanged || d.InterruptionChanged {
		source.UpdateConfig(new)
		slog.Info("session defaults updated; in-flight calls keep their settings")
	}
	if d.LimitsChanged {
		slog.Warn("limit changes require a restart and were ignored")
	}
}

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return ":8080"
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Kaiku — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Carrier.APIKey != "" {
		fmt.Printf("║  Carrier         : %-19s ║\n", "configured")
	} else {
		fmt.Printf("║  Carrier         : %-19s ║\n", "(no control plane)")
	}
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  Transcripts     : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Transcripts     : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr(cfg))
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

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
