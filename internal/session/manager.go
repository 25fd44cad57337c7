// Package session owns the lifecycle of a live therapy session: the
// transcript buffer, the word-count trigger, job correlation, dual-channel
// dispatch, and the reconciliation of returning results into the display
// state pushed to therapist clients.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/attunehealth/sessionaide/internal/alerts"
	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/chart"
	"github.com/attunehealth/sessionaide/internal/observe"
	"github.com/attunehealth/sessionaide/internal/reconcile"
	"github.com/attunehealth/sessionaide/internal/resilience"
	"github.com/attunehealth/sessionaide/internal/transcript"
	"github.com/attunehealth/sessionaide/internal/trigger"
)

// DefaultAnalysisWindow is the rolling transcript window sent with each
// triggered job. Entries older than this are kept in the buffer for the
// final summary but excluded from segment analysis.
const DefaultAnalysisWindow = 5 * time.Minute

var (
	// ErrSessionActive is returned by Start when a session is already
	// running. Only one session is live at a time.
	ErrSessionActive = fmt.Errorf("session: a session is already active")

	// ErrNoSession is returned by operations that require a live session.
	ErrNoSession = fmt.Errorf("session: no active session")
)

// Archiver persists a finished session. Implementations must tolerate being
// called with a nil FinalMetrics when the collaborator never produced any.
type Archiver interface {
	ArchiveSession(ctx context.Context, rec ArchiveRecord) error
}

// SummaryArchiver is implemented by archivers that can attach a
// collaborator-produced summary to a session they already archived.
type SummaryArchiver interface {
	WriteSummary(ctx context.Context, sessionID string, summary json.RawMessage) error
}

// ArchiveRecord is the durable record of one finished session.
type ArchiveRecord struct {
	SessionID    string
	StartedAt    time.Time
	EndedAt      time.Time
	Context      analysis.SessionContext
	Entries      []transcript.Entry
	FinalMetrics *analysis.SessionMetrics
	Summary      json.RawMessage
}

// Snapshot is the full client-facing view of the manager: session identity
// and timing plus the reconciled display state.
type Snapshot struct {
	SessionID       string             `json:"session_id"`
	Active          bool               `json:"active"`
	StartedAt       time.Time          `json:"started_at"`
	DurationSeconds int                `json:"duration_seconds"`
	Phase           string             `json:"phase"`
	Connectivity    string             `json:"connectivity"`
	Display         reconcile.Snapshot `json:"display"`
}

// ManagerConfig carries the dependencies and tunables of a [Manager].
// Provider is required; everything else has a sensible default.
type ManagerConfig struct {
	// Provider performs the analysis requests.
	Provider analysis.Provider

	// Breaker guards collaborator calls and drives the connectivity
	// indicator. A default breaker is created when nil.
	Breaker *resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Archive, when non-nil, receives the finished session on Stop.
	Archive Archiver

	// SessionContext is the clinical framing sent with every request.
	SessionContext analysis.SessionContext

	// WordThreshold is the finalized word count that fires a job.
	// Defaults to [trigger.DefaultWordThreshold].
	WordThreshold int

	// AnalysisWindow is the rolling transcript window per job.
	// Defaults to [DefaultAnalysisWindow].
	AnalysisWindow time.Duration

	// RecencyWindow and MinSpacing tune alert deduplication. Zero values
	// use the deduplicator defaults.
	RecencyWindow time.Duration
	MinSpacing    time.Duration

	// HistoryCap bounds the recent-alert list. Defaults to
	// [alerts.DefaultHistoryCap].
	HistoryCap int

	// MaxChartPoints bounds the chart timeline. Defaults to
	// [chart.DefaultMaxPoints].
	MaxChartPoints int

	// RealtimeTimeout and ComprehensiveTimeout bound the two channels.
	RealtimeTimeout      time.Duration
	ComprehensiveTimeout time.Duration

	// OnSnapshot, when non-nil, is called with a fresh snapshot after every
	// state change. It is invoked outside the manager lock and must not
	// block for long; the server uses it to fan out to websocket clients.
	OnSnapshot func(Snapshot)

	// Now overrides the time source. Intended for tests.
	Now func() time.Time
}

// Manager is the single owner of all live-session state. Every mutation
// happens under its lock; the reconciler, buffer, trigger, and correlator it
// owns are not goroutine-safe on their own.
type Manager struct {
	mu sync.Mutex

	provider   analysis.Provider
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	archive    Archiver
	dispatcher *Dispatcher
	onSnapshot func(Snapshot)
	now        func() time.Time

	buffer     *transcript.Buffer
	trig       *trigger.WordThreshold
	correlator *Correlator
	dedup      *alerts.Deduplicator
	rec        *reconcile.Reconciler

	sessionCtx analysis.SessionContext
	window     time.Duration

	active     bool
	generation uint64
	sessionID  string
	startedAt  time.Time

	// lastTranscript and lastMetrics survive Stop so that a summary can
	// still be requested for the session that just ended.
	lastTranscript []transcript.Entry
	lastMetrics    *analysis.SessionMetrics
}

// NewManager wires a manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		provider:   cfg.Provider,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		archive:    cfg.Archive,
		onSnapshot: cfg.OnSnapshot,
		now:        cfg.Now,
		sessionCtx: cfg.SessionContext,
		window:     cfg.AnalysisWindow,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "analysis"})
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.window <= 0 {
		m.window = DefaultAnalysisWindow
	}

	m.buffer = transcript.NewBuffer()
	m.trig = trigger.New(cfg.WordThreshold)
	m.correlator = NewCorrelator()

	var dedupOpts []alerts.Option
	if cfg.RecencyWindow > 0 {
		dedupOpts = append(dedupOpts, alerts.WithRecencyWindow(cfg.RecencyWindow))
	}
	if cfg.MinSpacing > 0 {
		dedupOpts = append(dedupOpts, alerts.WithMinSpacing(cfg.MinSpacing))
	}
	if cfg.Now != nil {
		dedupOpts = append(dedupOpts, alerts.WithClock(cfg.Now))
	}
	m.dedup = alerts.NewDeduplicator(dedupOpts...)

	var recOpts []reconcile.Option
	if cfg.Now != nil {
		recOpts = append(recOpts, reconcile.WithClock(cfg.Now))
	}
	m.rec = reconcile.New(m.dedup, alerts.NewHistory(cfg.HistoryCap), chart.NewTimeline(cfg.MaxChartPoints), recOpts...)

	m.dispatcher = NewDispatcher(DispatcherConfig{
		Provider:             cfg.Provider,
		Breaker:              m.breaker,
		Metrics:              m.metrics,
		RealtimeTimeout:      cfg.RealtimeTimeout,
		ComprehensiveTimeout: cfg.ComprehensiveTimeout,
		Deliver:              m.handleResults,
	})
	return m
}

// Start begins a new session. An empty id is replaced with a timestamp-based
// one. Returns [ErrSessionActive] when a session is already running.
func (m *Manager) Start(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return Snapshot{}, ErrSessionActive
	}

	if id == "" {
		id = "s-" + m.now().UTC().Format("20060102-150405")
	}

	m.buffer.Reset()
	m.trig.Reset()
	m.correlator.Reset()
	m.rec.Reset()
	m.lastTranscript = nil
	m.lastMetrics = nil

	m.active = true
	m.generation++
	m.sessionID = id
	m.startedAt = m.now()

	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(ctx).Info("session started", slog.String("session_id", id))
	m.push(snap)
	return snap, nil
}

// Stop ends the active session and, when an archiver is configured,
// persists the finalized transcript and final metrics. In-flight analysis
// requests are not cancelled; their results are dropped on delivery because
// the generation no longer matches. Returns [ErrNoSession] when idle.
func (m *Manager) Stop(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}

	id := m.sessionID
	startedAt := m.startedAt
	m.lastTranscript = m.buffer.Finalized()
	m.lastMetrics = m.rec.SessionMetrics()
	rec := ArchiveRecord{
		SessionID:    id,
		StartedAt:    startedAt,
		EndedAt:      m.now(),
		Context:      m.sessionCtx,
		Entries:      m.lastTranscript,
		FinalMetrics: m.lastMetrics,
	}

	m.active = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, -1)
	observe.Logger(ctx).Info("session stopped",
		slog.String("session_id", id),
		slog.Duration("duration", rec.EndedAt.Sub(startedAt)),
		slog.Int("entries", len(rec.Entries)))
	m.push(snap)

	if m.archive != nil {
		if err := m.archive.ArchiveSession(ctx, rec); err != nil {
			return snap, fmt.Errorf("session: archiving %s: %w", id, err)
		}
	}
	return snap, nil
}

// AppendEntry adds one transcript entry to the live session. Interim entries
// only refresh the display; a finalized entry feeds the trigger and may fire
// an analysis job. Returns [ErrNoSession] when idle.
func (m *Manager) AppendEntry(ctx context.Context, e transcript.Entry) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNoSession
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.buffer.Append(e)

	if !e.Interim && m.trig.Observe(e.Text) {
		m.fireLocked(ctx)
	}
	m.mu.Unlock()
	return nil
}

// fireLocked dispatches one job for the current rolling window. Callers hold
// the lock. A trigger with an empty window is consumed without dispatch; the
// counted words stay spent, matching the accumulator reset in the trigger.
func (m *Manager) fireLocked(ctx context.Context) {
	window := m.buffer.WindowSince(m.now().Add(-m.window))
	if len(window) == 0 {
		observe.Logger(ctx).Debug("trigger fired with empty analysis window, skipping job")
		return
	}

	job := Job{
		ID:              m.correlator.NextJobID(),
		Generation:      m.generation,
		Segments:        transcript.ToSegments(window),
		Context:         m.sessionCtx,
		DurationMinutes: int(m.now().Sub(m.startedAt).Minutes()),
		PreviousAlert:   m.rec.DisplayedAlert(),
	}

	observe.Logger(ctx).Debug("dispatching analysis job",
		slog.Int64("job_id", job.ID),
		slog.Int("segments", len(job.Segments)))
	m.dispatcher.Dispatch(ctx, job)
}

// handleResults is the dispatcher's delivery callback. Results from a
// stopped or restarted session are dropped wholesale; live results are
// applied through the reconciler and the resulting snapshot is pushed.
func (m *Manager) handleResults(generation uint64, channel analysis.Channel, jobID int64, results []analysis.Result) {
	ctx := context.Background()

	m.mu.Lock()
	if !m.active || generation != m.generation {
		m.mu.Unlock()
		m.metrics.StaleDiscards.Add(ctx, int64(len(results)))
		slog.Debug("dropping results from ended session",
			slog.Int64("job_id", jobID),
			slog.String("channel", string(channel)),
			slog.Int("results", len(results)))
		return
	}

	sessionSeconds := int(m.now().Sub(m.startedAt).Seconds())
	for _, res := range results {
		switch channel {
		case analysis.ChannelRealtime:
			m.applyFastLocked(ctx, res)
		case analysis.ChannelComprehensive:
			m.applySlowLocked(ctx, res, sessionSeconds)
		}
	}

	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.push(snap)
}

func (m *Manager) applyFastLocked(ctx context.Context, res analysis.Result) {
	out := m.rec.ApplyFast(res)
	switch {
	case !out.HadAlert:
		m.metrics.RecordResult(ctx, string(analysis.ChannelRealtime), "no_alert")
	case out.Applied:
		m.metrics.RecordResult(ctx, string(analysis.ChannelRealtime), "applied")
		slog.Info("alert surfaced",
			slog.Int64("job_id", res.JobID),
			slog.String("category", string(res.Alert.Category)),
			slog.String("title", res.Alert.Title))
	default:
		m.metrics.RecordResult(ctx, string(analysis.ChannelRealtime), "blocked")
		m.metrics.AlertsBlocked.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", blockReasonLabel(out.BlockReason))))
		slog.Debug("alert suppressed",
			slog.Int64("job_id", res.JobID),
			slog.String("reason", out.BlockReason))
	}
}

func (m *Manager) applySlowLocked(ctx context.Context, res analysis.Result, sessionSeconds int) {
	out := m.rec.ApplySlow(res, sessionSeconds)
	switch {
	case out.GuidanceApplied:
		m.metrics.RecordResult(ctx, string(analysis.ChannelComprehensive), "applied")
	case out.Stale:
		m.metrics.RecordResult(ctx, string(analysis.ChannelComprehensive), "stale")
		m.metrics.StaleDiscards.Add(ctx, 1)
		slog.Debug("stale comprehensive result, metrics kept, guidance dropped",
			slog.Int64("job_id", res.JobID))
	case out.MetricsApplied:
		m.metrics.RecordResult(ctx, string(analysis.ChannelComprehensive), "applied")
	}
}

// PathwayGuidance requests guidance outside the job-paced cycle. The current
// approach defaults to the configured session context when the request
// leaves it empty.
func (m *Manager) PathwayGuidance(ctx context.Context, req analysis.GuidanceRequest) (*analysis.GuidanceResponse, error) {
	if req.CurrentApproach == "" {
		m.mu.Lock()
		req.CurrentApproach = m.sessionCtx.CurrentApproach
		m.mu.Unlock()
	}

	var resp *analysis.GuidanceResponse
	err := m.breaker.Execute(func() error {
		var callErr error
		resp, callErr = m.provider.PathwayGuidance(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Summary requests an end-of-session summary over the finalized transcript.
// It works both during a live session and after Stop, using the transcript
// of the session that most recently ended. A summary produced after Stop is
// attached to the archived session record when the archiver supports it.
// Returns [ErrNoSession] when no transcript exists at all.
func (m *Manager) Summary(ctx context.Context) (*analysis.SummaryResponse, error) {
	m.mu.Lock()
	entries := m.lastTranscript
	metrics := m.lastMetrics
	if m.active {
		entries = m.buffer.Finalized()
		metrics = m.rec.SessionMetrics()
	}
	sc := m.sessionCtx
	id := m.sessionID
	active := m.active
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil, ErrNoSession
	}

	req := analysis.SummaryRequest{
		FullTranscript: transcript.ToSegments(entries),
		SessionMetrics: metrics,
		SessionContext: sc,
	}

	var resp *analysis.SummaryResponse
	err := m.breaker.Execute(func() error {
		var callErr error
		resp, callErr = m.provider.SessionSummary(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// The archive row exists only once Stop has run, so mid-session
	// summaries are delivered without persistence. A write failure is
	// logged but never withholds the summary from the therapist.
	if !active && id != "" && len(resp.Summary) > 0 {
		if w, ok := m.archive.(SummaryArchiver); ok {
			if err := w.WriteSummary(ctx, id, resp.Summary); err != nil {
				observe.Logger(ctx).Warn("failed to archive session summary",
					slog.String("session_id", id),
					slog.Any("err", err))
			}
		}
	}
	return resp, nil
}

// Snapshot returns the current client-facing view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Entries returns a copy of every transcript entry of the live session,
// interim included.
func (m *Manager) Entries() []transcript.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Entries()
}

// Active reports whether a session is live.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Connectivity reduces the breaker state to the client-facing indicator.
func (m *Manager) Connectivity() string {
	return connectivityLabel(m.breaker.State())
}

// UpdateTrigger applies reloaded trigger settings. Non-positive values keep
// the current setting.
func (m *Manager) UpdateTrigger(threshold int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threshold > 0 {
		m.trig.SetThreshold(threshold)
	}
	if window > 0 {
		m.window = window
	}
}

// UpdateAlertPolicy applies reloaded deduplication windows.
func (m *Manager) UpdateAlertPolicy(recency, spacing time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup.SetWindows(recency, spacing)
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:    m.sessionID,
		Active:       m.active,
		Connectivity: connectivityLabel(m.breaker.State()),
		Display:      m.rec.Snapshot(),
	}
	if !m.startedAt.IsZero() {
		elapsed := m.now().Sub(m.startedAt)
		snap.StartedAt = m.startedAt
		snap.DurationSeconds = int(elapsed.Seconds())
		snap.Phase = phaseFor(elapsed)
	}
	return snap
}

func (m *Manager) push(snap Snapshot) {
	if m.onSnapshot != nil {
		m.onSnapshot(snap)
	}
}

// phaseFor maps elapsed session time to the coarse phase label shown to the
// therapist and sent to the collaborator.
func phaseFor(elapsed time.Duration) string {
	switch {
	case elapsed < 10*time.Minute:
		return "opening"
	case elapsed < 40*time.Minute:
		return "working"
	default:
		return "closing"
	}
}

func connectivityLabel(s resilience.State) string {
	switch s {
	case resilience.StateClosed:
		return "ok"
	case resilience.StateHalfOpen:
		return "degraded"
	default:
		return "down"
	}
}
