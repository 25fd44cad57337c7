// Package reconcile implements the state machine that correlates the fast
// and slow analysis channels by job id and derives the UI-safe session state
// from their independently-timed results.
//
// The Reconciler is the single owner of all mutable display state: alert
// history, chart timeline, displayed metrics, guidance, and citations. It is
// deliberately NOT safe for concurrent use — the session manager serialises
// every call, so coordination between in-flight requests happens purely
// through job-id comparison at result-arrival time, never through locking or
// blocking on a specific job's completion.
package reconcile

import (
	"time"

	"github.com/attunehealth/sessionaide/internal/alerts"
	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/chart"
)

// State holds the job-correlation fields. A zero id means "none" — job ids
// issued by the correlator start at 1.
type State struct {
	// DisplayedRealtimeJobID is the job id of the most recent accepted
	// alert-bearing fast result.
	DisplayedRealtimeJobID int64 `json:"displayedRealtimeJobId"`

	// DisplayedComprehensiveJobID is the job id of the most recent accepted
	// slow result. It is only ever set to the wait target current at the
	// moment of acceptance.
	DisplayedComprehensiveJobID int64 `json:"displayedComprehensiveJobId"`

	// WaitingForComprehensiveJobID, when non-zero, equals the job id of the
	// most recent accepted fast result. It is cleared exactly when a slow
	// result with the same job id is accepted.
	WaitingForComprehensiveJobID int64 `json:"waitingForComprehensiveJobId"`
}

// PathwayEvent records one accepted pathway-guidance update for the session
// history panel.
type PathwayEvent struct {
	JobID     int64     `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Approach  string    `json:"approach,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
}

// FastOutcome reports what a fast-path result did to the display state.
type FastOutcome struct {
	// HadAlert is false when the result carried no alert (a valid "no new
	// guidance" signal leaving all state untouched).
	HadAlert bool

	// Applied is true when the alert survived deduplication and is now
	// displayed.
	Applied bool

	// BlockReason is the deduplicator's diagnostic when the alert was
	// suppressed.
	BlockReason string
}

// SlowOutcome reports what a slow-path result did to the display state.
type SlowOutcome struct {
	// MetricsApplied is true when the result updated the metrics dashboard
	// and chart timeline. This happens regardless of job matching.
	MetricsApplied bool

	// GuidanceApplied is true when the result matched the wait target and
	// updated pathway guidance and citations.
	GuidanceApplied bool

	// Stale is true when the guidance portion was discarded because the
	// result's job id no longer matches the wait target. Stale discard is
	// informational, never an error.
	Stale bool
}

// Snapshot is the complete UI-safe view of the reconciled session state,
// pushed to connected therapist clients after every applied event.
type Snapshot struct {
	State             State                       `json:"state"`
	RecentAlerts      []analysis.Alert            `json:"recentAlerts"`
	SessionMetrics    *analysis.SessionMetrics    `json:"sessionMetrics,omitempty"`
	PathwayIndicators *analysis.PathwayIndicators `json:"pathwayIndicators,omitempty"`
	PathwayGuidance   *analysis.PathwayGuidance   `json:"pathwayGuidance,omitempty"`
	Citations         []analysis.Citation         `json:"citations,omitempty"`
	Chart             []chart.Point               `json:"chart"`
	PathwayHistory    []PathwayEvent              `json:"pathwayHistory,omitempty"`
}

// Reconciler applies incoming analysis results to the display state, gated
// by job-id comparison so that stale results never regress what a newer
// result has produced.
type Reconciler struct {
	state State

	dedup    *alerts.Deduplicator
	history  *alerts.History
	timeline *chart.Timeline

	metrics    *analysis.SessionMetrics
	indicators *analysis.PathwayIndicators
	guidance   *analysis.PathwayGuidance
	citations  []analysis.Citation
	pathway    []PathwayEvent

	now func() time.Time
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler around the given collaborating components. All
// three are owned by the reconciler from this point on.
func New(dedup *alerts.Deduplicator, history *alerts.History, timeline *chart.Timeline, opts ...Option) *Reconciler {
	r := &Reconciler{
		dedup:    dedup,
		history:  history,
		timeline: timeline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyFast processes a fast-path result for job res.JobID.
//
// A result without an alert changes nothing. A result with an alert runs the
// deduplicator; when allowed, the alert enters the history, the realtime and
// wait-target ids move to this job, and the currently displayed pathway
// guidance and citations are cleared — a new realtime event invalidates the
// slow result previously paired with an older alert. A blocked alert leaves
// all state untouched.
func (r *Reconciler) ApplyFast(res analysis.Result) FastOutcome {
	if res.Alert == nil {
		return FastOutcome{}
	}

	alert := *res.Alert
	if alert.Timestamp.IsZero() {
		alert.Timestamp = r.now()
	}

	decision := r.dedup.ShouldAdd(alert, r.history.Recent())
	if !decision.Allow {
		return FastOutcome{HadAlert: true, BlockReason: decision.BlockReason}
	}

	r.history.Add(alert)
	r.state.DisplayedRealtimeJobID = res.JobID
	r.state.WaitingForComprehensiveJobID = res.JobID
	r.guidance = nil
	r.citations = nil
	return FastOutcome{HadAlert: true, Applied: true}
}

// ApplySlow processes a slow-path result for job res.JobID.
//
// Session metrics and pathway indicators always update the dashboard and
// chart timeline, even for a job that is no longer the wait target — the
// dashboard reflects the latest available analysis regardless of alert
// pairing. The pathway-guidance portion is applied only when the result's
// job id equals the current wait target; otherwise it is discarded as stale
// so a slow result for an older job cannot clobber guidance already paired
// with a newer alert.
func (r *Reconciler) ApplySlow(res analysis.Result, sessionTimeSeconds int) SlowOutcome {
	var out SlowOutcome

	if res.SessionMetrics != nil || res.PathwayIndicators != nil {
		if res.SessionMetrics != nil {
			m := *res.SessionMetrics
			r.metrics = &m
		}
		if res.PathwayIndicators != nil {
			ind := *res.PathwayIndicators
			r.indicators = &ind
		}
		r.timeline.Append(chart.NewPoint(res.SessionMetrics, res.PathwayIndicators, sessionTimeSeconds, res.JobID))
		out.MetricsApplied = true
	}

	if r.state.WaitingForComprehensiveJobID == 0 || res.JobID != r.state.WaitingForComprehensiveJobID {
		out.Stale = true
		return out
	}

	r.state.DisplayedComprehensiveJobID = res.JobID
	r.state.WaitingForComprehensiveJobID = 0
	if res.PathwayGuidance != nil {
		g := *res.PathwayGuidance
		r.guidance = &g
		event := PathwayEvent{
			JobID:     res.JobID,
			Timestamp: r.now(),
			Approach:  g.RecommendedApproach,
			Rationale: g.Rationale,
		}
		r.pathway = append(r.pathway, event)
	}
	if res.Citations != nil {
		r.citations = append([]analysis.Citation(nil), res.Citations...)
	}
	out.GuidanceApplied = true
	return out
}

// State returns the current job-correlation state.
func (r *Reconciler) State() State {
	return r.state
}

// DisplayedAlert returns the most recently displayed alert, or nil. The
// dispatcher sends it with fast-path requests as a server-side
// deduplication hint.
func (r *Reconciler) DisplayedAlert() *analysis.Alert {
	return r.history.Latest()
}

// SessionMetrics returns the currently displayed session metrics, or nil.
func (r *Reconciler) SessionMetrics() *analysis.SessionMetrics {
	return r.metrics
}

// Snapshot assembles the complete UI-safe state view.
func (r *Reconciler) Snapshot() Snapshot {
	return Snapshot{
		State:             r.state,
		RecentAlerts:      r.history.Recent(),
		SessionMetrics:    r.metrics,
		PathwayIndicators: r.indicators,
		PathwayGuidance:   r.guidance,
		Citations:         append([]analysis.Citation(nil), r.citations...),
		Chart:             r.timeline.Points(),
		PathwayHistory:    append([]PathwayEvent(nil), r.pathway...),
	}
}

// Reset clears all display state at session start and stop. Results for
// jobs issued before the reset are naturally ignored afterwards because the
// wait target is zero and the correlator restarts at 1.
func (r *Reconciler) Reset() {
	r.state = State{}
	r.history.Reset()
	r.timeline.Reset()
	r.metrics = nil
	r.indicators = nil
	r.guidance = nil
	r.citations = nil
	r.pathway = nil
}
