// Package analysis defines the request/response contract shared by all
// analysis providers.
//
// An analysis provider wraps the external clinical-analysis collaborator (a
// managed retrieval-augmented service, or a direct LLM backend) and exposes a
// uniform interface for segment analysis, pathway guidance, and session
// summaries without coupling the session orchestration to any specific
// transport or SDK.
//
// Implementors must be safe for concurrent use.
package analysis

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel identifies which analysis path produced a [Result].
type Channel string

const (
	// ChannelRealtime is the low-latency path. It produces alerts.
	ChannelRealtime Channel = "realtime"

	// ChannelComprehensive is the slower path. It produces session metrics,
	// pathway indicators, pathway guidance, and citations.
	ChannelComprehensive Channel = "comprehensive"
)

// IsValid reports whether c is a recognised analysis channel.
func (c Channel) IsValid() bool {
	return c == ChannelRealtime || c == ChannelComprehensive
}

// AlertTiming indicates how urgently an alert should be acted upon.
type AlertTiming string

const (
	TimingNow   AlertTiming = "now"
	TimingPause AlertTiming = "pause"
	TimingInfo  AlertTiming = "info"
)

// IsValid reports whether t is a recognised alert timing.
func (t AlertTiming) IsValid() bool {
	switch t {
	case TimingNow, TimingPause, TimingInfo:
		return true
	}
	return false
}

// AlertCategory classifies the clinical concern an alert addresses.
type AlertCategory string

const (
	CategorySafety        AlertCategory = "safety"
	CategoryTechnique     AlertCategory = "technique"
	CategoryPathwayChange AlertCategory = "pathway_change"
	CategoryEngagement    AlertCategory = "engagement"
	CategoryProcess       AlertCategory = "process"
)

// IsValid reports whether c is a recognised alert category.
func (c AlertCategory) IsValid() bool {
	switch c {
	case CategorySafety, CategoryTechnique, CategoryPathwayChange,
		CategoryEngagement, CategoryProcess:
		return true
	}
	return false
}

// StringOrList is a string field that the collaborator may serialise either
// as a single string or as an array of strings. It always marshals back as an
// array.
type StringOrList []string

// UnmarshalJSON accepts both "..." and ["...", "..."] wire forms.
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("analysis: recommendation is neither string nor list: %w", err)
	}
	*s = StringOrList(list)
	return nil
}

// Alert is a single piece of realtime guidance surfaced to the therapist.
// Alerts are immutable once accepted into the alert history.
type Alert struct {
	Timing            AlertTiming   `json:"timing"`
	Category          AlertCategory `json:"category"`
	Title             string        `json:"title"`
	Message           string        `json:"message"`
	Evidence          []string      `json:"evidence,omitempty"`
	Recommendation    StringOrList  `json:"recommendation,omitempty"`
	ImmediateActions  []string      `json:"immediateActions,omitempty"`
	Contraindications []string      `json:"contraindications,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// SessionMetrics is the comprehensive path's assessment of the session state.
type SessionMetrics struct {
	// EngagementLevel is in [0, 1].
	EngagementLevel float64 `json:"engagement_level"`

	// TherapeuticAlliance is one of "weak", "moderate", "strong".
	TherapeuticAlliance string `json:"therapeutic_alliance"`

	// TechniquesDetected lists therapy techniques observed in the segment.
	TechniquesDetected []string `json:"techniques_detected"`

	// EmotionalState is one of "calm", "engaged", "anxious", "distressed",
	// "dissociated".
	EmotionalState string `json:"emotional_state"`

	// ArousalLevel is one of "low", "moderate", "high", "elevated".
	ArousalLevel string `json:"arousal_level,omitempty"`

	// PhaseAppropriate reports whether the session content fits its phase.
	PhaseAppropriate bool `json:"phase_appropriate"`
}

// PathwayIndicators is the comprehensive path's view on whether the current
// therapeutic approach is working.
type PathwayIndicators struct {
	// CurrentApproachEffectiveness is one of "effective", "struggling",
	// "ineffective".
	CurrentApproachEffectiveness string `json:"current_approach_effectiveness"`

	// ChangeUrgency is one of "none", "monitor", "consider", "recommended".
	ChangeUrgency string `json:"change_urgency"`

	// AlternativePathways lists candidate approaches worth considering.
	AlternativePathways []string `json:"alternative_pathways,omitempty"`
}

// PathwayGuidance is concrete advice on adjusting the therapeutic approach.
type PathwayGuidance struct {
	RecommendedApproach string   `json:"recommended_approach,omitempty"`
	Rationale           string   `json:"rationale"`
	ImmediateActions    []string `json:"immediate_actions,omitempty"`
	Contraindications   []string `json:"contraindications,omitempty"`
}

// CitationSource describes the clinical manual or corpus document a citation
// points at.
type CitationSource struct {
	Title   string `json:"title"`
	URI     string `json:"uri,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Citation is a grounding reference attached by the collaborator's retrieval
// layer.
type Citation struct {
	CitationNumber int            `json:"citation_number"`
	Source         CitationSource `json:"source"`
}

// Result is one parsed response object from the collaborator. A single
// analyze-segment call may yield several results (the response is a stream of
// independently parsed JSON lines). Each result is consumed at most once by
// the session reconciler.
type Result struct {
	JobID        int64     `json:"job_id"`
	AnalysisType Channel   `json:"analysis_type"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	SessionPhase string    `json:"session_phase,omitempty"`

	Alert             *Alert             `json:"alert,omitempty"`
	SessionMetrics    *SessionMetrics    `json:"session_metrics,omitempty"`
	PathwayIndicators *PathwayIndicators `json:"pathway_indicators,omitempty"`
	PathwayGuidance   *PathwayGuidance   `json:"pathway_guidance,omitempty"`
	Citations         []Citation         `json:"citations,omitempty"`
}

// Segment is one transcript utterance sent to the collaborator.
type Segment struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionContext carries the clinical framing of the session. It is
// configured once per deployment and sent with every request.
type SessionContext struct {
	SessionType     string `json:"session_type"`
	PrimaryConcern  string `json:"primary_concern"`
	CurrentApproach string `json:"current_approach"`
}

// SegmentRequest asks the collaborator to analyse a rolling transcript
// window. The same request shape serves both channels; IsRealtime selects
// the fast path.
type SegmentRequest struct {
	TranscriptSegment      []Segment      `json:"transcript_segment"`
	SessionContext         SessionContext `json:"session_context"`
	SessionDurationMinutes int            `json:"session_duration_minutes"`
	IsRealtime             bool           `json:"is_realtime"`

	// PreviousAlert is the most recently displayed alert, sent on the fast
	// path only as a server-side deduplication hint. Nil on the slow path.
	PreviousAlert *Alert `json:"previous_alert"`

	JobID int64 `json:"job_id"`
}

// GuidanceRequest asks for pathway guidance outside the job-paced analysis
// cycle.
type GuidanceRequest struct {
	CurrentApproach  string   `json:"current_approach"`
	SessionHistory   []string `json:"session_history,omitempty"`
	PresentingIssues []string `json:"presenting_issues,omitempty"`
}

// GuidanceResponse is the collaborator's answer to a [GuidanceRequest].
type GuidanceResponse struct {
	PathwayGuidance
	Citations []Citation `json:"citations,omitempty"`
}

// SummaryRequest asks for an end-of-session summary over the full finalized
// transcript.
type SummaryRequest struct {
	FullTranscript []Segment       `json:"full_transcript"`
	SessionMetrics *SessionMetrics `json:"session_metrics,omitempty"`
	SessionContext SessionContext  `json:"session_context"`
}

// SummaryResponse carries the collaborator's free-form summary. The summary
// is displayed as-is and never interpreted by sessionaide.
type SummaryResponse struct {
	Summary   json.RawMessage `json:"summary"`
	Citations []Citation      `json:"citations,omitempty"`
}
