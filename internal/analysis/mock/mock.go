// Package mock provides an in-memory mock implementation of
// [analysis.Provider] for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. Per-call delays (or a fully custom AnalyzeFunc)
// let tests exercise arbitrary completion orders of the fast and slow
// channels. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

// Compile-time interface assertion.
var _ analysis.Provider = (*Provider)(nil)

// Provider is a mock implementation of [analysis.Provider].
// All exported *Result, *Error, and *Delay fields control behaviour.
// All exported *Calls fields accumulate invocation records.
type Provider struct {
	mu sync.Mutex

	// AnalyzeFunc, when non-nil, fully replaces the canned behaviour of
	// [Provider.AnalyzeSegment]. Use it to script job-dependent results or
	// precise interleavings.
	AnalyzeFunc func(ctx context.Context, req analysis.SegmentRequest) ([]analysis.Result, error)

	// AnalyzeResults is returned by AnalyzeSegment when AnalyzeFunc is nil.
	AnalyzeResults []analysis.Result

	// AnalyzeError is the error returned by AnalyzeSegment.
	AnalyzeError error

	// AnalyzeDelay is slept (context-aware) before AnalyzeSegment returns.
	AnalyzeDelay time.Duration

	// GuidanceResult is returned by PathwayGuidance (may be nil).
	GuidanceResult *analysis.GuidanceResponse

	// GuidanceError is the error returned by PathwayGuidance.
	GuidanceError error

	// SummaryResult is returned by SessionSummary (may be nil).
	SummaryResult *analysis.SummaryResponse

	// SummaryError is the error returned by SessionSummary.
	SummaryError error

	// AnalyzeCalls records all AnalyzeSegment invocations.
	AnalyzeCalls []analysis.SegmentRequest

	// GuidanceCalls records all PathwayGuidance invocations.
	GuidanceCalls []analysis.GuidanceRequest

	// SummaryCalls records all SessionSummary invocations.
	SummaryCalls []analysis.SummaryRequest
}

// AnalyzeSegment implements [analysis.Provider].
func (p *Provider) AnalyzeSegment(ctx context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
	p.mu.Lock()
	p.AnalyzeCalls = append(p.AnalyzeCalls, req)
	fn := p.AnalyzeFunc
	results := p.AnalyzeResults
	err := p.AnalyzeError
	delay := p.AnalyzeDelay
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, err
}

// PathwayGuidance implements [analysis.Provider].
func (p *Provider) PathwayGuidance(_ context.Context, req analysis.GuidanceRequest) (*analysis.GuidanceResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GuidanceCalls = append(p.GuidanceCalls, req)
	return p.GuidanceResult, p.GuidanceError
}

// SessionSummary implements [analysis.Provider].
func (p *Provider) SessionSummary(_ context.Context, req analysis.SummaryRequest) (*analysis.SummaryResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SummaryCalls = append(p.SummaryCalls, req)
	return p.SummaryResult, p.SummaryError
}

// AnalyzeCallCount returns the number of recorded AnalyzeSegment calls.
func (p *Provider) AnalyzeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.AnalyzeCalls)
}

// LastAnalyzeCall returns the most recent AnalyzeSegment request, or false
// when none has been made.
func (p *Provider) LastAnalyzeCall() (analysis.SegmentRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.AnalyzeCalls) == 0 {
		return analysis.SegmentRequest{}, false
	}
	return p.AnalyzeCalls[len(p.AnalyzeCalls)-1], true
}
