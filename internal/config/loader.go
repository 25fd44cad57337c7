package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known analysis provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gateway", "anyllm", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Analysis provider
	if cfg.Analysis.Name == "" {
		errs = append(errs, errors.New("analysis.name is required; valid values: gateway, anyllm, mock"))
	} else if !slices.Contains(ValidProviderNames, cfg.Analysis.Name) {
		slog.Warn("unknown analysis provider name — may be a typo or third-party provider",
			"name", cfg.Analysis.Name,
			"known", ValidProviderNames,
		)
	}
	switch cfg.Analysis.Name {
	case "gateway":
		if cfg.Analysis.APIKey == "" {
			slog.Warn("analysis.api_key is empty; gateway requests will be unauthenticated")
		}
	case "anyllm":
		if cfg.Analysis.Model == "" {
			errs = append(errs, errors.New(`analysis.model is required for the anyllm provider (e.g., "openai/gpt-4o")`))
		}
	}
	if cfg.Analysis.RealtimeTimeout < 0 || cfg.Analysis.ComprehensiveTimeout < 0 {
		errs = append(errs, errors.New("analysis timeouts must not be negative"))
	}
	if rt, ct := cfg.Analysis.RealtimeTimeout, cfg.Analysis.ComprehensiveTimeout; rt > 0 && ct > 0 && rt > ct {
		slog.Warn("analysis.realtime_timeout exceeds comprehensive_timeout; the fast channel is expected to be the quicker one",
			"realtime_timeout", rt.Std(),
			"comprehensive_timeout", ct.Std(),
		)
	}

	// Trigger
	if cfg.Trigger.WordThreshold < 0 {
		errs = append(errs, fmt.Errorf("trigger.word_threshold %d must not be negative", cfg.Trigger.WordThreshold))
	}
	if cfg.Trigger.Window < 0 {
		errs = append(errs, errors.New("trigger.window must not be negative"))
	}

	// Alerts
	if cfg.Alerts.HistoryCap < 0 {
		errs = append(errs, fmt.Errorf("alerts.history_cap %d must not be negative", cfg.Alerts.HistoryCap))
	}
	if rw, ms := cfg.Alerts.RecencyWindow, cfg.Alerts.MinSpacing; rw > 0 && ms > 0 && ms > rw {
		slog.Warn("alerts.min_spacing exceeds recency_window; rate limiting will dominate duplicate detection",
			"recency_window", rw.Std(),
			"min_spacing", ms.Std(),
		)
	}

	// Chart
	if cfg.Chart.MaxPoints != 0 && cfg.Chart.MaxPoints < 2 {
		errs = append(errs, fmt.Errorf("chart.max_points %d must be at least 2 (the first and last point are always kept)", cfg.Chart.MaxPoints))
	}

	// Replay
	if cfg.Replay.Interval < 0 {
		errs = append(errs, errors.New("replay.interval must not be negative"))
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; finished sessions will not be archived")
	}

	return errors.Join(errs...)
}
