package chart

import (
	"reflect"
	"testing"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

func TestNewPoint(t *testing.T) {
	t.Parallel()

	t.Run("full mapping", func(t *testing.T) {
		t.Parallel()
		p := NewPoint(
			&analysis.SessionMetrics{
				EngagementLevel:     0.746,
				TherapeuticAlliance: "strong",
				EmotionalState:      "anxious",
				TechniquesDetected:  []string{"socratic questioning", "grounding"},
			},
			&analysis.PathwayIndicators{
				CurrentApproachEffectiveness: "struggling",
				ChangeUrgency:                "consider",
			},
			300, 7,
		)

		want := Point{
			SessionTimeSeconds: 300,
			EngagementScore:    75,
			AllianceScore:      90,
			EmotionalScore:     45,
			TechniquesCount:    2,
			EffectivenessScore: 50,
			UrgencyScore:       60,
			JobID:              7,
		}
		if p != want {
			t.Fatalf("want %+v, got %+v", want, p)
		}
	})

	t.Run("unknown categorical values use defaults", func(t *testing.T) {
		t.Parallel()
		p := NewPoint(
			&analysis.SessionMetrics{EngagementLevel: 0.5, TherapeuticAlliance: "unheard-of", EmotionalState: "unheard-of"},
			&analysis.PathwayIndicators{CurrentApproachEffectiveness: "??", ChangeUrgency: "??"},
			0, 1,
		)
		if p.AllianceScore != 50 || p.EmotionalScore != 50 || p.EffectivenessScore != 50 {
			t.Fatalf("want neutral defaults, got %+v", p)
		}
		if p.UrgencyScore != 25 {
			t.Fatalf("want default urgency 25, got %d", p.UrgencyScore)
		}
	})

	t.Run("nil metrics and indicators", func(t *testing.T) {
		t.Parallel()
		p := NewPoint(nil, nil, 10, 2)
		if p.EngagementScore != 50 || p.TechniquesCount != 0 || p.UrgencyScore != 25 {
			t.Fatalf("want defaults for nil inputs, got %+v", p)
		}
	})

	t.Run("engagement is clamped to 0..100", func(t *testing.T) {
		t.Parallel()
		p := NewPoint(&analysis.SessionMetrics{EngagementLevel: 1.7}, nil, 0, 1)
		if p.EngagementScore != 100 {
			t.Fatalf("want clamped 100, got %d", p.EngagementScore)
		}
	})
}

func points(n int) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = Point{SessionTimeSeconds: i, JobID: int64(i + 1)}
	}
	return out
}

func TestPrune(t *testing.T) {
	t.Parallel()

	t.Run("short history is unchanged", func(t *testing.T) {
		t.Parallel()
		h := points(10)
		if got := Prune(h, 10); len(got) != 10 {
			t.Fatalf("want unchanged length 10, got %d", len(got))
		}
	})

	t.Run("prunes to exactly maxPoints keeping endpoints", func(t *testing.T) {
		t.Parallel()
		for _, tc := range []struct{ length, max int }{
			{101, 100}, {250, 100}, {7, 3}, {1000, 2},
		} {
			h := points(tc.length)
			got := Prune(h, tc.max)
			if len(got) != tc.max {
				t.Fatalf("len %d max %d: want %d points, got %d", tc.length, tc.max, tc.max, len(got))
			}
			if got[0] != h[0] {
				t.Fatalf("len %d max %d: first point not retained", tc.length, tc.max)
			}
			if got[len(got)-1] != h[len(h)-1] {
				t.Fatalf("len %d max %d: last point not retained", tc.length, tc.max)
			}
		}
	})

	t.Run("indices are monotonically increasing", func(t *testing.T) {
		t.Parallel()
		got := Prune(points(523), 100)
		for i := 1; i < len(got); i++ {
			if got[i].SessionTimeSeconds <= got[i-1].SessionTimeSeconds {
				t.Fatalf("non-increasing sample order at %d: %+v then %+v", i, got[i-1], got[i])
			}
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		once := Prune(points(347), 100)
		twice := Prune(once, 100)
		if !reflect.DeepEqual(once, twice) {
			t.Fatal("pruning an already-pruned history changed it")
		}
	})
}

func TestTimeline(t *testing.T) {
	t.Parallel()

	t.Run("append then prune keeps cap", func(t *testing.T) {
		t.Parallel()
		tl := NewTimeline(5)
		for i := 0; i < 50; i++ {
			tl.Append(Point{SessionTimeSeconds: i})
		}
		if tl.Len() != 5 {
			t.Fatalf("want 5 points, got %d", tl.Len())
		}
		pts := tl.Points()
		if pts[0].SessionTimeSeconds != 0 {
			t.Fatalf("first point lost: %+v", pts[0])
		}
		if pts[4].SessionTimeSeconds != 49 {
			t.Fatalf("last point is not the newest: %+v", pts[4])
		}
	})

	t.Run("cap below two falls back to default", func(t *testing.T) {
		t.Parallel()
		tl := NewTimeline(1)
		if tl.maxPoints != DefaultMaxPoints {
			t.Fatalf("want default cap %d, got %d", DefaultMaxPoints, tl.maxPoints)
		}
	})

	t.Run("reset discards history", func(t *testing.T) {
		t.Parallel()
		tl := NewTimeline(5)
		tl.Append(Point{})
		tl.Reset()
		if tl.Len() != 0 {
			t.Fatalf("want empty timeline after reset, got %d", tl.Len())
		}
	})
}
