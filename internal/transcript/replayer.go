package transcript

import (
	"context"
	"log/slog"
	"time"
)

// defaultReplayInterval is the cadence at which uploaded entries are fed
// into the session when no interval is configured.
const defaultReplayInterval = 2 * time.Second

// Replayer feeds a validated uploaded transcript into a sink at a fixed
// cadence, simulating a live session from file-based test input.
type Replayer struct {
	entries  []UploadEntry
	interval time.Duration
	sink     func(Entry)
}

// NewReplayer creates a replayer over the given upload. The sink is invoked
// once per entry, in order; entries are delivered as finalized (non-interim)
// transcript entries stamped at delivery time. A non-positive interval falls
// back to the 2 second default.
func NewReplayer(entries []UploadEntry, interval time.Duration, sink func(Entry)) *Replayer {
	if interval <= 0 {
		interval = defaultReplayInterval
	}
	return &Replayer{entries: entries, interval: interval, sink: sink}
}

// Run delivers the first entry immediately and each subsequent entry one
// interval apart, until all entries are delivered or ctx is cancelled.
// It returns ctx.Err() on cancellation and nil on completion.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for i, ue := range r.entries {
		if i > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				slog.Info("transcript replay cancelled",
					"delivered", i, "total", len(r.entries))
				return ctx.Err()
			}
		}
		r.sink(Entry{
			Speaker:   ue.Speaker,
			Text:      ue.Text,
			Timestamp: time.Now(),
		})
	}

	slog.Info("transcript replay complete", "entries", len(r.entries))
	return nil
}
