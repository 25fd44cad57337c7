package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

analysis:
  name: gateway
  api_key: sk-test
  base_url: https://analysis.example.com
  realtime_timeout: 30s
  comprehensive_timeout: 2m

trigger:
  word_threshold: 10
  window: 5m

alerts:
  recency_window: 60s
  min_spacing: 5s
  history_cap: 8

chart:
  max_points: 100

replay:
  interval: 2s

archive:
  postgres_dsn: "postgres://localhost/sessionaide"

session:
  session_type: individual
  primary_concern: anxiety
  current_approach: CBT
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Analysis.Name != "gateway" {
		t.Errorf("analysis.name = %q, want %q", cfg.Analysis.Name, "gateway")
	}
	if cfg.Analysis.RealtimeTimeout.Std() != 30*time.Second {
		t.Errorf("realtime_timeout = %v, want 30s", cfg.Analysis.RealtimeTimeout.Std())
	}
	if cfg.Analysis.ComprehensiveTimeout.Std() != 2*time.Minute {
		t.Errorf("comprehensive_timeout = %v, want 2m", cfg.Analysis.ComprehensiveTimeout.Std())
	}
	if cfg.Trigger.WordThreshold != 10 {
		t.Errorf("word_threshold = %d, want 10", cfg.Trigger.WordThreshold)
	}
	if cfg.Trigger.Window.Std() != 5*time.Minute {
		t.Errorf("trigger window = %v, want 5m", cfg.Trigger.Window.Std())
	}
	if cfg.Alerts.HistoryCap != 8 {
		t.Errorf("history_cap = %d, want 8", cfg.Alerts.HistoryCap)
	}
	if cfg.Chart.MaxPoints != 100 {
		t.Errorf("max_points = %d, want 100", cfg.Chart.MaxPoints)
	}
	if cfg.Replay.Interval.Std() != 2*time.Second {
		t.Errorf("replay interval = %v, want 2s", cfg.Replay.Interval.Std())
	}
	if cfg.Session.CurrentApproach != "CBT" {
		t.Errorf("current_approach = %q, want %q", cfg.Session.CurrentApproach, "CBT")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
analysis:
  name: mock
  flux_capacitor: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	yaml := `
analysis:
  name: mock
trigger:
  window: "five minutes"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false, want true", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`LogLevel("verbose").IsValid() = true, want false`)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

// stubProvider is a do-nothing analysis.Provider for registry tests.
type stubProvider struct{}

func (stubProvider) AnalyzeSegment(context.Context, analysis.SegmentRequest) ([]analysis.Result, error) {
	return nil, nil
}

func (stubProvider) PathwayGuidance(context.Context, analysis.GuidanceRequest) (*analysis.GuidanceResponse, error) {
	return nil, nil
}

func (stubProvider) SessionSummary(context.Context, analysis.SummaryRequest) (*analysis.SummaryResponse, error) {
	return nil, nil
}

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterAnalysis("stub", func(cfg config.AnalysisConfig) (analysis.Provider, error) {
		if cfg.APIKey != "key-123" {
			t.Errorf("factory received api_key %q, want %q", cfg.APIKey, "key-123")
		}
		return stubProvider{}, nil
	})

	p, err := r.CreateAnalysis(config.AnalysisConfig{
		ProviderEntry: config.ProviderEntry{Name: "stub", APIKey: "key-123"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("CreateAnalysis returned nil provider")
	}
}

func TestRegistry_UnregisteredName(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateAnalysis(config.AnalysisConfig{
		ProviderEntry: config.ProviderEntry{Name: "nope"},
	})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterAnalysis("dup", func(config.AnalysisConfig) (analysis.Provider, error) {
		return nil, errors.New("first factory should have been replaced")
	})
	r.RegisterAnalysis("dup", func(config.AnalysisConfig) (analysis.Provider, error) {
		return stubProvider{}, nil
	})

	p, err := r.CreateAnalysis(config.AnalysisConfig{
		ProviderEntry: config.ProviderEntry{Name: "dup"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("CreateAnalysis returned nil provider")
	}
}
