// Command sessionaide is the therapy-session decision-support server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/analysis/anyllm"
	"github.com/attunehealth/sessionaide/internal/analysis/gateway"
	"github.com/attunehealth/sessionaide/internal/analysis/mock"
	"github.com/attunehealth/sessionaide/internal/app"
	"github.com/attunehealth/sessionaide/internal/config"
	"github.com/attunehealth/sessionaide/internal/observe"
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
			fmt.Fprintf(os.Stderr, "sessionaide: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sessionaide: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sessionaide starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sessionaide",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Analysis provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateAnalysis(cfg.Analysis)
	if err != nil {
		slog.Error("failed to create analysis provider", "name", cfg.Analysis.Name, "err", err)
		return 1
	}
	slog.Info("analysis provider created", "name", cfg.Analysis.Name, "model", cfg.Analysis.Model)

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Any() {
			return
		}
		if diff.LogLevelChanged {
			level.Set(logLevel(diff.NewLogLevel))
			slog.Info("log level reloaded", "log_level", diff.NewLogLevel)
		}
		application.ApplyDiff(diff)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the analysis provider factories that ship
// with sessionaide into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// gateway talks to the managed analysis collaborator over HTTPS.
	reg.RegisterAnalysis("gateway", func(cfg config.AnalysisConfig) (analysis.Provider, error) {
		var opts []gateway.Option
		if cfg.BaseURL != "" {
			opts = append(opts, gateway.WithBaseURL(cfg.BaseURL))
		}
		return gateway.New(cfg.APIKey, opts...), nil
	})

	// anyllm drives a chat-completion backend directly; the model entry is a
	// "<backend>/<model>" spec, e.g. "openai/gpt-4o" or "ollama/llama3.1".
	reg.RegisterAnalysis("anyllm", func(cfg config.AnalysisConfig) (analysis.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Model, opts...)
	})

	// mock produces no results; useful for demos and front-end development
	// without a collaborator.
	reg.RegisterAnalysis("mock", func(config.AnalysisConfig) (analysis.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      sessionaide — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("Analysis", providerLabel(cfg.Analysis))
	printLine("Trigger", fmt.Sprintf("%d words / %s", cfg.Trigger.WordThreshold, cfg.Trigger.Window.Std()))
	printLine("Alert history", fmt.Sprintf("cap %d", cfg.Alerts.HistoryCap))
	if cfg.Archive.PostgresDSN != "" {
		printLine("Archive", "postgres")
	} else {
		printLine("Archive", "(disabled)")
	}
	printLine("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(cfg config.AnalysisConfig) string {
	if cfg.Name == "" {
		return "(not configured)"
	}
	if cfg.Model != "" {
		return cfg.Name + " / " + cfg.Model
	}
	return cfg.Name
}

func printLine(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func logLevel(level config.LogLevel) slog.Level {
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
