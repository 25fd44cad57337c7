// Package app assembles the sessionaide application: the session manager,
// the analysis provider, the optional PostgreSQL archive, the websocket hub,
// and the HTTP server. main constructs an App from configuration and runs it
// until the signal context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/archive"
	"github.com/attunehealth/sessionaide/internal/config"
	"github.com/attunehealth/sessionaide/internal/health"
	"github.com/attunehealth/sessionaide/internal/observe"
	"github.com/attunehealth/sessionaide/internal/resilience"
	"github.com/attunehealth/sessionaide/internal/server"
	"github.com/attunehealth/sessionaide/internal/session"
)

// shutdownGrace bounds the drain of in-flight HTTP requests on shutdown.
const shutdownGrace = 10 * time.Second

// App is the assembled application.
type App struct {
	cfg      *config.Config
	provider analysis.Provider
	breaker  *resilience.CircuitBreaker
	manager  *session.Manager
	hub      *server.Hub
	store    *archive.Store
	httpSrv  *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithArchiveStore injects an already constructed archive store, bypassing
// the DSN-based connection in [New].
func WithArchiveStore(s *archive.Store) Option {
	return func(a *App) { a.store = s }
}

// New wires the application from cfg and the configured analysis provider.
func New(ctx context.Context, cfg *config.Config, provider analysis.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, provider: provider}
	for _, opt := range opts {
		opt(a)
	}

	metrics := observe.DefaultMetrics()
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "analysis"})

	if a.store == nil && cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect archive: %w", err)
		}
		a.store = store
		slog.Info("session archive connected")
	}
	if a.store != nil {
		a.closers = append(a.closers, func() error {
			a.store.Close()
			return nil
		})
	}

	a.hub = server.NewHub(metrics)

	mgrCfg := session.ManagerConfig{
		Provider:             provider,
		Breaker:              a.breaker,
		Metrics:              metrics,
		SessionContext:       analysis.SessionContext(cfg.Session),
		WordThreshold:        cfg.Trigger.WordThreshold,
		AnalysisWindow:       cfg.Trigger.Window.Std(),
		RecencyWindow:        cfg.Alerts.RecencyWindow.Std(),
		MinSpacing:           cfg.Alerts.MinSpacing.Std(),
		HistoryCap:           cfg.Alerts.HistoryCap,
		MaxChartPoints:       cfg.Chart.MaxPoints,
		RealtimeTimeout:      cfg.Analysis.RealtimeTimeout.Std(),
		ComprehensiveTimeout: cfg.Analysis.ComprehensiveTimeout.Std(),
		OnSnapshot:           a.hub.Broadcast,
	}
	if a.store != nil {
		mgrCfg.Archive = a.store
	}
	a.manager = session.NewManager(mgrCfg)

	srvCfg := server.Config{
		Manager:        a.manager,
		Health:         health.New(a.healthCheckers()...),
		Metrics:        metrics,
		Hub:            a.hub,
		ReplayInterval: cfg.Replay.Interval.Std(),
	}
	if a.store != nil {
		srvCfg.Archive = a.store
	}
	srv := server.New(srvCfg)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Manager exposes the session manager for configuration reload hooks.
func (a *App) Manager() *session.Manager { return a.manager }

// healthCheckers builds the readiness probes: the analysis collaborator via
// the breaker state and, when configured, the archive database.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "analysis",
		Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return errors.New("analysis backend unreachable")
			}
			return nil
		},
	}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "archive",
			Check: a.store.Ping,
		})
	}
	return checkers
}

// Run serves HTTP until ctx is cancelled or the listener fails, then drains
// in-flight requests.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("https server listening", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("http server listening", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		return gctx.Err()
	})

	return g.Wait()
}

// ApplyDiff applies a reloaded configuration. Only hot-reloadable sections
// are touched; everything else requires a restart and is logged as ignored.
func (a *App) ApplyDiff(diff config.ConfigDiff) {
	if diff.TriggerChanged {
		a.manager.UpdateTrigger(diff.NewTrigger.WordThreshold, diff.NewTrigger.Window.Std())
		slog.Info("trigger settings reloaded",
			"word_threshold", diff.NewTrigger.WordThreshold,
			"window", diff.NewTrigger.Window.Std())
	}
	if diff.AlertsChanged {
		a.manager.UpdateAlertPolicy(diff.NewAlerts.RecencyWindow.Std(), diff.NewAlerts.MinSpacing.Std())
		slog.Info("alert policy reloaded",
			"recency_window", diff.NewAlerts.RecencyWindow.Std(),
			"min_spacing", diff.NewAlerts.MinSpacing.Std())
	}
	if diff.ChartChanged {
		slog.Warn("chart settings changed in config; restart required to apply")
	}
}

// Shutdown ends the active session (archiving it when an archive is
// configured) and releases held resources. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.manager.Active() {
			if _, err := a.manager.Stop(ctx); err != nil {
				slog.Warn("stopping session on shutdown", "error", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
