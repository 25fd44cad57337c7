package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/analysis/mock"
	"github.com/attunehealth/sessionaide/internal/transcript"
)

// tenWords is one finalized utterance long enough to fire the default
// trigger on its own.
const tenWords = "one two three four five six seven eight nine ten"

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Provider == nil {
		cfg.Provider = &mock.Provider{}
	}
	return NewManager(cfg)
}

func mustStart(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	snap, err := m.Start(context.Background(), id)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return snap
}

func finalEntry(text string) transcript.Entry {
	return transcript.Entry{Speaker: "CLIENT", Text: text, Timestamp: time.Now()}
}

func TestManager_StartStopLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	snap := mustStart(t, m, "s-1")
	if !snap.Active {
		t.Error("snapshot after Start should be active")
	}
	if snap.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want %q", snap.SessionID, "s-1")
	}
	if snap.Phase != "opening" {
		t.Errorf("Phase = %q, want %q", snap.Phase, "opening")
	}

	if _, err := m.Start(ctx, "s-2"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() error = %v, want ErrSessionActive", err)
	}

	snap, err := m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if snap.Active {
		t.Error("snapshot after Stop should be inactive")
	}

	if _, err := m.Stop(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Stop() error = %v, want ErrNoSession", err)
	}
}

func TestManager_StartGeneratesIDWhenEmpty(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	snap := mustStart(t, m, "")
	if !strings.HasPrefix(snap.SessionID, "s-") {
		t.Errorf("generated SessionID = %q, want s- prefix", snap.SessionID)
	}
}

func TestManager_AppendEntryRequiresSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	err := m.AppendEntry(context.Background(), finalEntry("hello"))
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("AppendEntry() on idle manager = %v, want ErrNoSession", err)
	}
}

func TestManager_TriggerFiresBothChannelsAtThreshold(t *testing.T) {
	t.Parallel()

	calls := make(chan analysis.SegmentRequest, 4)
	p := &mock.Provider{
		AnalyzeFunc: func(_ context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
			calls <- req
			return nil, nil
		},
	}
	m := newTestManager(t, ManagerConfig{Provider: p})
	ctx := context.Background()
	mustStart(t, m, "s-1")

	// Below threshold, nothing fires.
	if err := m.AppendEntry(ctx, finalEntry("just a few words")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	select {
	case req := <-calls:
		t.Fatalf("unexpected analysis call (realtime=%v) below threshold", req.IsRealtime)
	case <-time.After(50 * time.Millisecond):
	}

	// Crossing the threshold fires one job on both channels.
	if err := m.AppendEntry(ctx, finalEntry(tenWords)); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	var reqs []analysis.SegmentRequest
	for len(reqs) < 2 {
		select {
		case req := <-calls:
			reqs = append(reqs, req)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for analysis call %d of 2", len(reqs)+1)
		}
	}
	realtime := 0
	for _, req := range reqs {
		if req.JobID != 1 {
			t.Errorf("job id = %d, want 1", req.JobID)
		}
		if len(req.TranscriptSegment) != 2 {
			t.Errorf("window carried %d segments, want 2", len(req.TranscriptSegment))
		}
		if req.IsRealtime {
			realtime++
		}
	}
	if realtime != 1 {
		t.Errorf("saw %d realtime requests, want exactly 1", realtime)
	}
}

func TestManager_InterimEntriesNeverTrigger(t *testing.T) {
	t.Parallel()

	calls := make(chan analysis.SegmentRequest, 2)
	p := &mock.Provider{
		AnalyzeFunc: func(_ context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
			calls <- req
			return nil, nil
		},
	}
	m := newTestManager(t, ManagerConfig{Provider: p})
	mustStart(t, m, "s-1")

	e := finalEntry(tenWords)
	e.Interim = true
	if err := m.AppendEntry(context.Background(), e); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("interim entry must not fire the trigger")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_TriggerWithEmptyWindowSkipsDispatch(t *testing.T) {
	t.Parallel()

	calls := make(chan analysis.SegmentRequest, 2)
	p := &mock.Provider{
		AnalyzeFunc: func(_ context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
			calls <- req
			return nil, nil
		},
	}
	m := newTestManager(t, ManagerConfig{Provider: p})
	mustStart(t, m, "s-1")

	// The only finalized entry is already older than the analysis window,
	// so the trigger consumes its words without producing a job.
	stale := transcript.Entry{
		Speaker:   "CLIENT",
		Text:      tenWords,
		Timestamp: time.Now().Add(-10 * time.Minute),
	}
	if err := m.AppendEntry(context.Background(), stale); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("empty analysis window must not dispatch a job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_AnalysisWindowFollowsInjectedClock(t *testing.T) {
	t.Parallel()

	// A clock fixed far from wall time: window eviction must be computed
	// against it, not against time.Now.
	base := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)
	calls := make(chan analysis.SegmentRequest, 2)
	p := &mock.Provider{
		AnalyzeFunc: func(_ context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
			calls <- req
			return nil, nil
		},
	}
	m := newTestManager(t, ManagerConfig{
		Provider: p,
		Now:      func() time.Time { return base },
	})
	mustStart(t, m, "s-1")

	recent := transcript.Entry{
		Speaker:   "CLIENT",
		Text:      tenWords,
		Timestamp: base.Add(-time.Minute),
	}
	if err := m.AppendEntry(context.Background(), recent); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	select {
	case req := <-calls:
		if len(req.TranscriptSegment) != 1 {
			t.Errorf("dispatched %d segments, want 1", len(req.TranscriptSegment))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("entry within the window of the injected clock did not dispatch")
	}
}

func TestManager_RealtimeAlertReachesSnapshot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	mustStart(t, m, "s-1")

	res := analysis.Result{
		JobID:        1,
		AnalysisType: analysis.ChannelRealtime,
		Alert: &analysis.Alert{
			Timing:   analysis.TimingNow,
			Category: analysis.CategorySafety,
			Title:    "Dissociation signs",
			Message:  "Client language suggests dissociation",
		},
	}
	m.handleResults(m.generation, analysis.ChannelRealtime, 1, []analysis.Result{res})

	snap := m.Snapshot()
	if snap.Display.State.DisplayedRealtimeJobID != 1 {
		t.Errorf("DisplayedRealtimeJobID = %d, want 1", snap.Display.State.DisplayedRealtimeJobID)
	}
	if snap.Display.State.WaitingForComprehensiveJobID != 1 {
		t.Errorf("WaitingForComprehensiveJobID = %d, want 1", snap.Display.State.WaitingForComprehensiveJobID)
	}
	if len(snap.Display.RecentAlerts) != 1 || snap.Display.RecentAlerts[0].Title != "Dissociation signs" {
		t.Fatalf("RecentAlerts = %+v, want the surfaced alert", snap.Display.RecentAlerts)
	}
}

func TestManager_DropsResultsFromEndedSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	mustStart(t, m, "s-1")
	oldGen := m.generation
	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	mustStart(t, m, "s-2")

	res := analysis.Result{
		JobID:        1,
		AnalysisType: analysis.ChannelRealtime,
		Alert:        &analysis.Alert{Category: analysis.CategoryTechnique, Title: "Left over"},
	}
	m.handleResults(oldGen, analysis.ChannelRealtime, 1, []analysis.Result{res})

	snap := m.Snapshot()
	if len(snap.Display.RecentAlerts) != 0 {
		t.Fatalf("RecentAlerts = %+v, want none after cross-session drop", snap.Display.RecentAlerts)
	}
	if snap.Display.State.DisplayedRealtimeJobID != 0 {
		t.Errorf("DisplayedRealtimeJobID = %d, want 0", snap.Display.State.DisplayedRealtimeJobID)
	}
}

func TestManager_StaleSlowResultKeepsMetricsDropsGuidance(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	mustStart(t, m, "s-1")
	gen := m.generation

	// Fast results for jobs 1 and 2; the wait target moves to 2.
	for _, jobID := range []int64{1, 2} {
		m.handleResults(gen, analysis.ChannelRealtime, jobID, []analysis.Result{{
			JobID:        jobID,
			AnalysisType: analysis.ChannelRealtime,
			Alert:        &analysis.Alert{Timing: analysis.TimingNow, Category: analysis.CategorySafety, Title: "alert " + string(rune('0'+jobID))},
		}})
	}

	// The slow result for job 1 is now stale: metrics land, guidance does not.
	m.handleResults(gen, analysis.ChannelComprehensive, 1, []analysis.Result{{
		JobID:           1,
		AnalysisType:    analysis.ChannelComprehensive,
		SessionMetrics:  &analysis.SessionMetrics{EngagementLevel: 0.8, EmotionalState: "engaged"},
		PathwayGuidance: &analysis.PathwayGuidance{RecommendedApproach: "EMDR", Rationale: "stale"},
	}})

	snap := m.Snapshot()
	if snap.Display.SessionMetrics == nil || snap.Display.SessionMetrics.EngagementLevel != 0.8 {
		t.Errorf("SessionMetrics = %+v, want the stale result's metrics applied", snap.Display.SessionMetrics)
	}
	if snap.Display.PathwayGuidance != nil {
		t.Errorf("PathwayGuidance = %+v, want nil from a stale result", snap.Display.PathwayGuidance)
	}
	if got := snap.Display.State.WaitingForComprehensiveJobID; got != 2 {
		t.Errorf("WaitingForComprehensiveJobID = %d, want 2", got)
	}
	if len(snap.Display.Chart) != 1 {
		t.Errorf("Chart has %d points, want 1", len(snap.Display.Chart))
	}
}

type fakeArchiver struct {
	mu        sync.Mutex
	recs      []ArchiveRecord
	summaries map[string]json.RawMessage
	err       error
	sumErr    error
}

func (a *fakeArchiver) ArchiveSession(_ context.Context, rec ArchiveRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

func (a *fakeArchiver) WriteSummary(_ context.Context, sessionID string, summary json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sumErr != nil {
		return a.sumErr
	}
	if a.summaries == nil {
		a.summaries = make(map[string]json.RawMessage)
	}
	a.summaries[sessionID] = summary
	return nil
}

func TestManager_StopArchivesFinalizedTranscript(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	m := newTestManager(t, ManagerConfig{Archive: arch})
	ctx := context.Background()
	mustStart(t, m, "s-arch")

	if err := m.AppendEntry(ctx, finalEntry("final words")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	interim := finalEntry("half formed")
	interim.Interim = true
	if err := m.AppendEntry(ctx, interim); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.recs) != 1 {
		t.Fatalf("archived %d records, want 1", len(arch.recs))
	}
	rec := arch.recs[0]
	if rec.SessionID != "s-arch" {
		t.Errorf("SessionID = %q, want %q", rec.SessionID, "s-arch")
	}
	if len(rec.Entries) != 1 || rec.Entries[0].Text != "final words" {
		t.Errorf("Entries = %+v, want only the finalized entry", rec.Entries)
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Error("EndedAt precedes StartedAt")
	}
}

func TestManager_StopReportsArchiveError(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{err: errors.New("pool exhausted")}
	m := newTestManager(t, ManagerConfig{Archive: arch})
	ctx := context.Background()
	mustStart(t, m, "s-1")

	snap, err := m.Stop(ctx)
	if err == nil {
		t.Fatal("Stop() with failing archiver should return an error")
	}
	if snap.Active {
		t.Error("session must still stop when archiving fails")
	}
	if m.Active() {
		t.Error("Active() should report false after failed archive")
	}
}

func TestManager_SummaryUsesFinalizedTranscript(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		SummaryResult: &analysis.SummaryResponse{Summary: []byte(`"went well"`)},
	}
	m := newTestManager(t, ManagerConfig{Provider: p})
	ctx := context.Background()
	mustStart(t, m, "s-1")

	if err := m.AppendEntry(ctx, finalEntry("the only final line")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	interim := finalEntry("still speaking")
	interim.Interim = true
	if err := m.AppendEntry(ctx, interim); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	if _, err := m.Summary(ctx); err != nil {
		t.Fatalf("Summary() during session error: %v", err)
	}
	if len(p.SummaryCalls) != 1 {
		t.Fatalf("provider saw %d summary calls, want 1", len(p.SummaryCalls))
	}
	if got := len(p.SummaryCalls[0].FullTranscript); got != 1 {
		t.Errorf("summary transcript has %d segments, want 1 (finalized only)", got)
	}

	// After Stop the transcript of the ended session still serves summaries.
	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := m.Summary(ctx); err != nil {
		t.Fatalf("Summary() after Stop error: %v", err)
	}
}

func TestManager_SummaryAfterStopIsArchived(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		SummaryResult: &analysis.SummaryResponse{Summary: []byte(`"steady gains"`)},
	}
	arch := &fakeArchiver{}
	m := newTestManager(t, ManagerConfig{Provider: p, Archive: arch})
	ctx := context.Background()
	mustStart(t, m, "s-sum")

	if err := m.AppendEntry(ctx, finalEntry("closing reflections")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	// Mid-session summaries are not persisted; no archive row exists yet.
	if _, err := m.Summary(ctx); err != nil {
		t.Fatalf("Summary() during session error: %v", err)
	}
	arch.mu.Lock()
	if len(arch.summaries) != 0 {
		t.Errorf("mid-session summary was persisted: %v", arch.summaries)
	}
	arch.mu.Unlock()

	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := m.Summary(ctx); err != nil {
		t.Fatalf("Summary() after Stop error: %v", err)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if got := string(arch.summaries["s-sum"]); got != `"steady gains"` {
		t.Errorf("archived summary = %s, want %q", got, `"steady gains"`)
	}
}

func TestManager_SummaryDeliveredWhenArchiveWriteFails(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		SummaryResult: &analysis.SummaryResponse{Summary: []byte(`"still delivered"`)},
	}
	arch := &fakeArchiver{sumErr: errors.New("pool exhausted")}
	m := newTestManager(t, ManagerConfig{Provider: p, Archive: arch})
	ctx := context.Background()
	mustStart(t, m, "s-1")

	if err := m.AppendEntry(ctx, finalEntry("a line")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	resp, err := m.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() must not fail on archive write error, got: %v", err)
	}
	if string(resp.Summary) != `"still delivered"` {
		t.Errorf("Summary = %s, want the collaborator response", resp.Summary)
	}
}

func TestManager_SummaryWithoutTranscript(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{})
	if _, err := m.Summary(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Summary() with no transcript = %v, want ErrNoSession", err)
	}
}

func TestManager_UpdateTriggerThreshold(t *testing.T) {
	t.Parallel()

	calls := make(chan analysis.SegmentRequest, 2)
	p := &mock.Provider{
		AnalyzeFunc: func(_ context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
			calls <- req
			return nil, nil
		},
	}
	m := newTestManager(t, ManagerConfig{Provider: p})
	mustStart(t, m, "s-1")

	m.UpdateTrigger(3, 0)
	if err := m.AppendEntry(context.Background(), finalEntry("three words suffice")); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("lowered threshold should have fired a job")
	}
}

func TestManager_SnapshotCallbackOnResults(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	m := newTestManager(t, ManagerConfig{
		OnSnapshot: func(s Snapshot) {
			mu.Lock()
			snaps = append(snaps, s)
			mu.Unlock()
		},
	})
	mustStart(t, m, "s-1")
	m.handleResults(m.generation, analysis.ChannelRealtime, 1, []analysis.Result{{
		JobID:        1,
		AnalysisType: analysis.ChannelRealtime,
		Alert:        &analysis.Alert{Category: analysis.CategoryProcess, Title: "Check in"},
	}})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Fatalf("callback fired %d times, want 2 (start + result)", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if len(last.Display.RecentAlerts) != 1 {
		t.Errorf("pushed snapshot has %d alerts, want 1", len(last.Display.RecentAlerts))
	}
}

func TestPhaseFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "opening"},
		{9 * time.Minute, "opening"},
		{10 * time.Minute, "working"},
		{39 * time.Minute, "working"},
		{40 * time.Minute, "closing"},
		{2 * time.Hour, "closing"},
	}
	for _, tt := range tests {
		if got := phaseFor(tt.elapsed); got != tt.want {
			t.Errorf("phaseFor(%s) = %q, want %q", tt.elapsed, got, tt.want)
		}
	}
}
