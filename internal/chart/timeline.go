// Package chart converts comprehensive analysis results into bounded,
// evenly down-sampled time-series samples for the session metrics chart.
package chart

import (
	"math"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

// DefaultMaxPoints is the chart history cap when none is configured.
const DefaultMaxPoints = 100

// Score tables for the categorical metric fields. Unknown values fall back
// to a neutral midpoint so a new collaborator vocabulary degrades gracefully
// instead of spiking the chart.
var (
	allianceScores = map[string]int{
		"strong":   90,
		"moderate": 60,
		"weak":     30,
	}
	emotionalScores = map[string]int{
		"calm":        85,
		"engaged":     75,
		"anxious":     45,
		"distressed":  25,
		"dissociated": 15,
	}
	effectivenessScores = map[string]int{
		"effective":   85,
		"struggling":  50,
		"ineffective": 20,
	}
	urgencyScores = map[string]int{
		"none":        10,
		"monitor":     35,
		"consider":    60,
		"recommended": 85,
	}
)

const (
	defaultScore        = 50
	defaultUrgencyScore = 25
)

// Point is one chart sample derived from a single comprehensive result.
// Points are append-only; a point is never mutated after creation.
type Point struct {
	SessionTimeSeconds int   `json:"sessionTimeSeconds"`
	EngagementScore    int   `json:"engagementScore"`
	AllianceScore      int   `json:"allianceScore"`
	EmotionalScore     int   `json:"emotionalScore"`
	TechniquesCount    int   `json:"techniquesCount"`
	EffectivenessScore int   `json:"effectivenessScore"`
	UrgencyScore       int   `json:"urgencyScore"`
	JobID              int64 `json:"jobId"`
}

// NewPoint maps one slow-path result onto a chart sample. Nil metrics or
// indicators yield the neutral default scores.
func NewPoint(metrics *analysis.SessionMetrics, indicators *analysis.PathwayIndicators, sessionTimeSeconds int, jobID int64) Point {
	p := Point{
		SessionTimeSeconds: sessionTimeSeconds,
		JobID:              jobID,
		EngagementScore:    defaultScore,
		AllianceScore:      defaultScore,
		EmotionalScore:     defaultScore,
		EffectivenessScore: defaultScore,
		UrgencyScore:       defaultUrgencyScore,
	}

	if metrics != nil {
		p.EngagementScore = clamp(int(math.Round(metrics.EngagementLevel*100)), 0, 100)
		p.AllianceScore = scoreOr(allianceScores, metrics.TherapeuticAlliance, defaultScore)
		p.EmotionalScore = scoreOr(emotionalScores, metrics.EmotionalState, defaultScore)
		p.TechniquesCount = len(metrics.TechniquesDetected)
	}
	if indicators != nil {
		p.EffectivenessScore = scoreOr(effectivenessScores, indicators.CurrentApproachEffectiveness, defaultScore)
		p.UrgencyScore = scoreOr(urgencyScores, indicators.ChangeUrgency, defaultUrgencyScore)
	}
	return p
}

func scoreOr(table map[string]int, key string, fallback int) int {
	if v, ok := table[key]; ok {
		return v
	}
	return fallback
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Timeline is the bounded chart history for one session: append one point
// per accepted slow result, then prune by even index sampling.
//
// Timeline is not safe for concurrent use; it is owned by the session
// reconciler.
type Timeline struct {
	maxPoints int
	points    []Point
}

// NewTimeline creates a timeline capped at maxPoints. A cap below 2 falls
// back to [DefaultMaxPoints] (pruning must be able to keep both endpoints).
func NewTimeline(maxPoints int) *Timeline {
	if maxPoints < 2 {
		maxPoints = DefaultMaxPoints
	}
	return &Timeline{maxPoints: maxPoints}
}

// Append adds p and prunes the history back to the cap.
func (t *Timeline) Append(p Point) {
	t.points = append(t.points, p)
	t.points = Prune(t.points, t.maxPoints)
}

// Points returns a copy of the current history, oldest first.
func (t *Timeline) Points() []Point {
	out := make([]Point, len(t.points))
	copy(out, t.points)
	return out
}

// Len returns the number of retained points.
func (t *Timeline) Len() int {
	return len(t.points)
}

// Reset discards all points. Called at session start and stop.
func (t *Timeline) Reset() {
	t.points = nil
}

// Prune down-samples history to at most maxPoints by even index selection,
// always retaining the first and last point. The selection is deterministic
// and idempotent: pruning an already-pruned history of the same size returns
// it unchanged.
func Prune(history []Point, maxPoints int) []Point {
	if maxPoints < 2 || len(history) <= maxPoints {
		return history
	}

	out := make([]Point, maxPoints)
	step := float64(len(history)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints; i++ {
		out[i] = history[int(math.Round(float64(i)*step))]
	}
	return out
}
