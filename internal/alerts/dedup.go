package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

const (
	// DefaultRecencyWindow is how long an alert blocks re-surfacing of the
	// same category+title.
	DefaultRecencyWindow = 60 * time.Second

	// DefaultMinSpacing is the minimum gap between two alerts of the same
	// category with different titles.
	DefaultMinSpacing = 5 * time.Second

	// nearTitleDistance is the maximum Damerau-Levenshtein distance at which
	// two titles of at least nearTitleMinLen runes still count as the same
	// guidance. Catches the collaborator rephrasing a title it already sent.
	nearTitleDistance = 2
	nearTitleMinLen   = 8
)

// Decision is the outcome of [Deduplicator.ShouldAdd].
type Decision struct {
	// Allow reports whether the candidate should be surfaced and added to
	// the history.
	Allow bool

	// BlockReason is a human-readable diagnostic set when Allow is false.
	// It is logged, never displayed to the therapist.
	BlockReason string
}

// Deduplicator decides whether a newly arrived alert is surfaced, suppressed
// as a duplicate, or blocked as rate-limited. It is stateless; the caller
// supplies the recent history on every call.
type Deduplicator struct {
	recencyWindow time.Duration
	minSpacing    time.Duration
	now           func() time.Time
}

// Option configures a [Deduplicator].
type Option func(*Deduplicator)

// WithRecencyWindow sets the duplicate-suppression window.
// The default is 60 seconds.
func WithRecencyWindow(d time.Duration) Option {
	return func(dd *Deduplicator) {
		if d > 0 {
			dd.recencyWindow = d
		}
	}
}

// WithMinSpacing sets the minimum spacing between same-category alerts.
// The default is 5 seconds.
func WithMinSpacing(d time.Duration) Option {
	return func(dd *Deduplicator) {
		if d > 0 {
			dd.minSpacing = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(dd *Deduplicator) { dd.now = now }
}

// NewDeduplicator creates a Deduplicator with the default windows.
func NewDeduplicator(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		recencyWindow: DefaultRecencyWindow,
		minSpacing:    DefaultMinSpacing,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetWindows updates the suppression windows in place. Non-positive values
// leave the corresponding setting unchanged. Used on configuration reload;
// the caller serialises access.
func (d *Deduplicator) SetWindows(recency, spacing time.Duration) {
	if recency > 0 {
		d.recencyWindow = recency
	}
	if spacing > 0 {
		d.minSpacing = spacing
	}
}

// ShouldAdd applies the deduplication policy to candidate given the recent
// history (most recent first). Policy, first match wins:
//
//  1. Safety alerts are always allowed — they override every suppression
//     rule below.
//  2. An alert with the same category and (near-)identical title as a
//     history entry within the recency window is blocked as a duplicate.
//  3. An alert with the same category as the most recent history entry but a
//     different title is blocked as rate-limited when it arrives within the
//     minimum spacing; outside it the topic persists with new content and is
//     allowed.
//  4. Everything else is allowed.
//
// On block the history must be left untouched by the caller.
func (d *Deduplicator) ShouldAdd(candidate analysis.Alert, history []analysis.Alert) Decision {
	if candidate.Category == analysis.CategorySafety {
		return Decision{Allow: true}
	}

	now := candidate.Timestamp
	if now.IsZero() {
		now = d.now()
	}

	for _, prev := range history {
		if prev.Category != candidate.Category {
			continue
		}
		if !sameTitle(candidate.Title, prev.Title) {
			continue
		}
		if age := now.Sub(prev.Timestamp); age <= d.recencyWindow {
			return Decision{
				Allow: false,
				BlockReason: fmt.Sprintf(
					"duplicate: %s alert %q already surfaced %s ago (window %s)",
					candidate.Category, prev.Title, age.Round(time.Second), d.recencyWindow),
			}
		}
	}

	if len(history) > 0 {
		latest := history[0]
		if latest.Category == candidate.Category && !sameTitle(candidate.Title, latest.Title) {
			if gap := now.Sub(latest.Timestamp); gap < d.minSpacing {
				return Decision{
					Allow: false,
					BlockReason: fmt.Sprintf(
						"rate-limited: %s alert arrived %s after %q (minimum spacing %s)",
						candidate.Category, gap.Round(time.Millisecond), latest.Title, d.minSpacing),
				}
			}
		}
	}

	return Decision{Allow: true}
}

// sameTitle reports whether two alert titles carry the same guidance.
// Titles are compared case- and whitespace-insensitively; long titles within
// a small edit distance count as identical so a trivially rephrased title
// does not bypass deduplication.
func sameTitle(a, b string) bool {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == nb {
		return true
	}
	if len([]rune(na)) < nearTitleMinLen || len([]rune(nb)) < nearTitleMinLen {
		return false
	}
	return matchr.DamerauLevenshtein(na, nb) <= nearTitleDistance
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
