// Command talaqqi is the main entry point for the Talaqqi tutoring server.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quranwithtahir/talaqqi/internal/app"
	"github.com/quranwithtahir/talaqqi/internal/config"
	"github.com/quranwithtahir/talaqqi/internal/health"
	"github.com/quranwithtahir/talaqqi/internal/observe"
	"github.com/quranwithtahir/talaqqi/internal/transcript"
	transcriptpg "github.com/quranwithtahir/talaqqi/internal/transcript/postgres"
	"github.com/quranwithtahir/talaqqi/pkg/audio/synth"
	"github.com/quranwithtahir/talaqqi/pkg/duplex"
	"github.com/quranwithtahir/talaqqi/pkg/duplex/gemini"
)

// defaultProbeURL is the HTTPS endpoint the readiness checker probes when no
// base_url override is configured.
const defaultProbeURL = "https://generativelanguage.googleapis.com"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	tone := flag.Float64("tone", 0, "frequency of the synthetic microphone tone in Hz (0 = default)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talaqqi: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talaqqi: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it live.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("talaqqi starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Inference provider ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.Create(cfg.Inference)
	if err != nil {
		slog.Error("failed to create inference provider", "name", cfg.Inference.Provider, "err", err)
		return 1
	}
	slog.Info("inference provider created", "name", cfg.Inference.Provider, "model", cfg.Inference.Model)

	// ── Transcript store ──────────────────────────────────────────────────────
	store, closeStore, err := buildTranscriptStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open transcript store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Audio devices ─────────────────────────────────────────────────────────
	// The server runs against synthetic devices: a tone-generator microphone
	// and a discard output that keeps real playback timing. Hardware adapters
	// plug in through the same audio interfaces.
	opener := &synth.Opener{Freq: *tone}
	out := synth.NewDiscardOutput()
	defer out.Close()

	// ── Application ───────────────────────────────────────────────────────────
	manager := app.NewSessionManager(cfg, app.ManagerDeps{
		Opener:      opener,
		Output:      out,
		Provider:    provider,
		Transcripts: store,
		Metrics:     observe.DefaultMetrics(),
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Mode personas apply to the next session; the log level applies at once.
	watcher, err := config.NewWatcher(*configPath, func(oldCfg, newCfg *config.Config) {
		d := config.Diff(oldCfg, newCfg)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ModesChanged {
			manager.UpdateConfig(newCfg)
			for _, mc := range d.ModeChanges {
				slog.Info("mode updated", "mode", mc.Name, "added", mc.Added, "removed", mc.Removed)
			}
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	probeURL := cfg.Inference.BaseURL
	if probeURL == "" {
		probeURL = defaultProbeURL
	}
	application := app.New(cfg, manager, store, observe.DefaultMetrics(),
		health.Transcripts(store),
		health.Inference(probeURL),
	)

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with Talaqqi.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.InferenceConfig) (duplex.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// buildTranscriptStore opens the PostgreSQL transcript store when a DSN is
// configured and falls back to the in-memory store otherwise.
func buildTranscriptStore(ctx context.Context, cfg *config.Config) (transcript.Store, func(), error) {
	dsn := cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Info("transcript store: in-memory (no postgres_dsn configured)")
		return &transcript.MemStore{}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := transcriptpg.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	slog.Info("transcript store: postgres")
	return store, pool.Close, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Talaqqi — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Provider", cfg.Inference.Provider)
	printField("Model", cfg.Inference.Model)
	printField("Capture", fmt.Sprintf("%d Hz / %d", cfg.Audio.InputSampleRate, cfg.Audio.BlockSize))
	printField("Playback", fmt.Sprintf("%d Hz +%d ms", cfg.Audio.OutputSampleRate, cfg.Audio.SafetyOffsetMs))
	if cfg.Storage.PostgresDSN != "" {
		printField("Transcripts", "postgres")
	} else {
		printField("Transcripts", "in-memory")
	}
	printField("Modes", fmt.Sprintf("%d configured", len(cfg.Modes)))
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
