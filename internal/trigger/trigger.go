// Package trigger decides when enough new transcript content has accumulated
// to justify a new analysis cycle.
package trigger

import "strings"

// DefaultWordThreshold is the number of newly finalized words that fires an
// analysis cycle when no threshold is configured.
const DefaultWordThreshold = 10

// WordThreshold accumulates the word count of finalized transcript entries
// and fires once the count reaches the configured threshold.
//
// Callers must feed only finalized (non-interim) entries — interim
// hypotheses never contribute to the counter. A firing always resets the
// counter, whether or not the caller ends up dispatching a job (an empty
// transcript window at fire time drops the cycle without queueing a retry;
// the next finalized entry restarts accumulation from zero).
//
// WordThreshold is not safe for concurrent use; it is owned by the session
// manager.
type WordThreshold struct {
	threshold int
	words     int
}

// New creates a trigger firing every threshold words. A non-positive
// threshold falls back to [DefaultWordThreshold].
func New(threshold int) *WordThreshold {
	if threshold <= 0 {
		threshold = DefaultWordThreshold
	}
	return &WordThreshold{threshold: threshold}
}

// Observe adds the word count of one finalized utterance and reports whether
// the threshold was reached. On firing the counter resets to zero.
func (t *WordThreshold) Observe(text string) bool {
	t.words += len(strings.Fields(text))
	if t.words < t.threshold {
		return false
	}
	t.words = 0
	return true
}

// Pending returns the word count accumulated since the last firing.
func (t *WordThreshold) Pending() int {
	return t.words
}

// Reset clears the accumulated word count without firing.
func (t *WordThreshold) Reset() {
	t.words = 0
}

// SetThreshold changes the firing threshold. The accumulated count is kept,
// so lowering the threshold mid-session may fire on the next observation.
// Non-positive values fall back to [DefaultWordThreshold].
func (t *WordThreshold) SetThreshold(n int) {
	if n <= 0 {
		n = DefaultWordThreshold
	}
	t.threshold = n
}
