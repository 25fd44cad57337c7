// Package transcript provides the append-only session transcript buffer,
// validation of uploaded transcript files, and a fixed-cadence replayer used
// to feed uploaded transcripts into a live session.
package transcript

import (
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
)

// Entry is a single speech segment in the session transcript.
type Entry struct {
	// Speaker is the speaker label (e.g. "THERAPIST", "CLIENT").
	Speaker string `json:"speaker"`

	// Text is the utterance text.
	Text string `json:"text"`

	// Timestamp records when the utterance was captured.
	Timestamp time.Time `json:"timestamp"`

	// Interim marks a provisional speech-recognition hypothesis. Interim
	// entries are replaced in place by the next interim or final entry of the
	// same utterance; final entries are immutable once appended.
	Interim bool `json:"interim"`
}

// Buffer is the append-only ordered log of transcript entries for one
// session.
//
// Buffer is NOT safe for concurrent use. It is owned by the session manager,
// which serialises every mutation and read; transcript state is never shared
// outside that ownership.
type Buffer struct {
	entries []Entry
}

// NewBuffer creates an empty transcript buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds an entry to the buffer. A trailing interim entry is replaced
// in place by the incoming entry (whether interim or final) — this models a
// speech recogniser refining the same utterance until it finalises. Final
// entries are always appended and never modified afterwards.
func (b *Buffer) Append(e Entry) {
	if n := len(b.entries); n > 0 && b.entries[n-1].Interim {
		b.entries[n-1] = e
		return
	}
	b.entries = append(b.entries, e)
}

// Len returns the number of entries currently buffered, interim included.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Entries returns a copy of all buffered entries in arrival order.
func (b *Buffer) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Finalized returns all non-interim entries in arrival order.
func (b *Buffer) Finalized() []Entry {
	var out []Entry
	for _, e := range b.entries {
		if !e.Interim {
			out = append(out, e)
		}
	}
	return out
}

// Window returns the finalized entries within the trailing duration d,
// oldest first. An empty return means every finalized entry has aged out of
// the window (or none exist yet).
func (b *Buffer) Window(d time.Duration) []Entry {
	return b.WindowSince(time.Now().Add(-d))
}

// WindowSince returns the finalized entries with a timestamp at or after
// cutoff, oldest first.
func (b *Buffer) WindowSince(cutoff time.Time) []Entry {
	var out []Entry
	for _, e := range b.entries {
		if e.Interim || e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Reset discards all entries. Called at session start and stop.
func (b *Buffer) Reset() {
	b.entries = nil
}

// ToSegments converts transcript entries to the collaborator's wire segment
// shape.
func ToSegments(entries []Entry) []analysis.Segment {
	segs := make([]analysis.Segment, len(entries))
	for i, e := range entries {
		segs[i] = analysis.Segment{
			Speaker:   e.Speaker,
			Text:      e.Text,
			Timestamp: e.Timestamp,
		}
	}
	return segs
}
