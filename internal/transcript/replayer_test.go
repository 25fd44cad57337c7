package transcript

import (
	"context"
	"testing"
	"time"
)

func TestReplayerDeliversAllEntries(t *testing.T) {
	t.Parallel()

	entries := []UploadEntry{
		{Speaker: "THERAPIST", Text: "Hi"},
		{Speaker: "CLIENT", Text: "Hello"},
		{Speaker: "THERAPIST", Text: "How are you?"},
	}

	var got []Entry
	r := NewReplayer(entries, time.Millisecond, func(e Entry) {
		got = append(got, e)
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("want %d delivered entries, got %d", len(entries), len(got))
	}
	for i, e := range got {
		if e.Interim {
			t.Fatalf("entry %d delivered as interim", i)
		}
		if e.Text != entries[i].Text {
			t.Fatalf("entry %d: want %q, got %q", i, entries[i].Text, e.Text)
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("entry %d has no timestamp", i)
		}
	}
}

func TestReplayerCancellation(t *testing.T) {
	t.Parallel()

	entries := make([]UploadEntry, 100)
	for i := range entries {
		entries[i] = UploadEntry{Speaker: "CLIENT", Text: "word"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	delivered := 0
	r := NewReplayer(entries, 50*time.Millisecond, func(Entry) {
		delivered++
		if delivered == 2 {
			cancel()
		}
	})

	err := r.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if delivered >= len(entries) {
		t.Fatalf("replay was not cut short: delivered %d", delivered)
	}
}

func TestReplayerDefaultInterval(t *testing.T) {
	t.Parallel()

	r := NewReplayer(nil, 0, func(Entry) {})
	if r.interval != defaultReplayInterval {
		t.Fatalf("want default interval %v, got %v", defaultReplayInterval, r.interval)
	}
}
