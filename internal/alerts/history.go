// Package alerts maintains the bounded history of surfaced alerts and the
// deduplication policy deciding which incoming alerts reach the therapist.
package alerts

import "github.com/attunehealth/sessionaide/internal/analysis"

// DefaultHistoryCap is the maximum number of alerts retained when no cap is
// configured.
const DefaultHistoryCap = 8

// History is a bounded, most-recent-first list of surfaced alerts. Alerts
// are immutable once added; the oldest entries are evicted when the cap is
// exceeded.
//
// History is not safe for concurrent use; it is owned by the session
// reconciler.
type History struct {
	cap    int
	alerts []analysis.Alert
}

// NewHistory creates a history holding at most cap alerts. A non-positive
// cap falls back to [DefaultHistoryCap].
func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &History{cap: cap}
}

// Add prepends a to the history and evicts beyond the cap.
func (h *History) Add(a analysis.Alert) {
	h.alerts = append([]analysis.Alert{a}, h.alerts...)
	if len(h.alerts) > h.cap {
		// Copy so evicted alerts do not pin the old backing array.
		kept := make([]analysis.Alert, h.cap)
		copy(kept, h.alerts[:h.cap])
		h.alerts = kept
	}
}

// Recent returns a copy of the history, most recent first.
func (h *History) Recent() []analysis.Alert {
	out := make([]analysis.Alert, len(h.alerts))
	copy(out, h.alerts)
	return out
}

// Latest returns the most recently added alert, or nil when empty.
func (h *History) Latest() *analysis.Alert {
	if len(h.alerts) == 0 {
		return nil
	}
	a := h.alerts[0]
	return &a
}

// Len returns the number of retained alerts.
func (h *History) Len() int {
	return len(h.alerts)
}

// Reset discards all alerts. Called at session start and stop.
func (h *History) Reset() {
	h.alerts = nil
}
