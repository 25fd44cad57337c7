package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

// ErrProviderNotRegistered is returned by [Registry.CreateAnalysis] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AnalysisFactory constructs an [analysis.Provider] from its config entry.
type AnalysisFactory func(AnalysisConfig) (analysis.Provider, error)

// Registry maps analysis provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	analysis map[string]AnalysisFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		analysis: make(map[string]AnalysisFactory),
	}
}

// RegisterAnalysis registers an analysis provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAnalysis(name string, factory AnalysisFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysis[name] = factory
}

// CreateAnalysis instantiates an analysis provider using the factory
// registered under cfg.Name. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateAnalysis(cfg AnalysisConfig) (analysis.Provider, error) {
	r.mu.RLock()
	factory, ok := r.analysis[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: analysis/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
