package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/observe"
	"github.com/attunehealth/sessionaide/internal/resilience"
)

const (
	// DefaultRealtimeTimeout bounds the fast analysis request.
	DefaultRealtimeTimeout = 30 * time.Second

	// DefaultComprehensiveTimeout bounds the slow analysis request.
	DefaultComprehensiveTimeout = 2 * time.Minute
)

// Job is one triggered unit of analysis. The dispatcher sends it to the
// collaborator twice, once per channel, under the same job id.
type Job struct {
	// ID is the correlator-issued job id shared by both requests.
	ID int64

	// Generation identifies the session the job belongs to. It is passed
	// through to delivery unchanged so the manager can drop results that
	// arrive after the session has been restarted.
	Generation uint64

	// Segments is the rolling transcript window at trigger time.
	Segments []analysis.Segment

	// Context is the clinical framing sent with every request.
	Context analysis.SessionContext

	// DurationMinutes is the elapsed session time at trigger time.
	DurationMinutes int

	// PreviousAlert is the most recently displayed alert, forwarded on the
	// fast channel only as a server-side deduplication hint.
	PreviousAlert *analysis.Alert
}

// DeliverFunc receives the parsed results of one completed request. It is
// called from the dispatcher's worker goroutine, never for failed requests.
type DeliverFunc func(generation uint64, channel analysis.Channel, jobID int64, results []analysis.Result)

// DispatcherConfig carries the dependencies of a [Dispatcher].
type DispatcherConfig struct {
	// Provider performs the analysis requests. Required.
	Provider analysis.Provider

	// Breaker guards every collaborator call. Required.
	Breaker *resilience.CircuitBreaker

	// Metrics records durations and failures. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// RealtimeTimeout bounds the fast request. Defaults to
	// [DefaultRealtimeTimeout].
	RealtimeTimeout time.Duration

	// ComprehensiveTimeout bounds the slow request. Defaults to
	// [DefaultComprehensiveTimeout].
	ComprehensiveTimeout time.Duration

	// Deliver receives successful results. Required.
	Deliver DeliverFunc
}

// Dispatcher fires both analysis channels for a triggered job. The two
// requests run as independent goroutines and neither waits for, retries, or
// is aborted by the other: a failed request is logged, counted, and produces
// no result, and the next trigger cycle starts fresh.
type Dispatcher struct {
	provider analysis.Provider
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	deliver  DeliverFunc

	realtimeTimeout      time.Duration
	comprehensiveTimeout time.Duration
}

// NewDispatcher creates a dispatcher from cfg, applying defaults for the
// timeouts and metrics.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		provider:             cfg.Provider,
		breaker:              cfg.Breaker,
		metrics:              cfg.Metrics,
		deliver:              cfg.Deliver,
		realtimeTimeout:      cfg.RealtimeTimeout,
		comprehensiveTimeout: cfg.ComprehensiveTimeout,
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.realtimeTimeout <= 0 {
		d.realtimeTimeout = DefaultRealtimeTimeout
	}
	if d.comprehensiveTimeout <= 0 {
		d.comprehensiveTimeout = DefaultComprehensiveTimeout
	}
	return d
}

// Dispatch starts both channel requests for job and returns immediately.
// The requests inherit ctx's values but not its cancellation, so an ended
// HTTP request or a stopped session does not abort work already in flight.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) {
	base := context.WithoutCancel(ctx)
	d.metrics.JobsTriggered.Add(base, 1)
	go d.run(base, analysis.ChannelRealtime, job)
	go d.run(base, analysis.ChannelComprehensive, job)
}

func (d *Dispatcher) run(ctx context.Context, channel analysis.Channel, job Job) {
	timeout := d.comprehensiveTimeout
	if channel == analysis.ChannelRealtime {
		timeout = d.realtimeTimeout
	}

	req := analysis.SegmentRequest{
		TranscriptSegment:      job.Segments,
		SessionContext:         job.Context,
		SessionDurationMinutes: job.DurationMinutes,
		IsRealtime:             channel == analysis.ChannelRealtime,
		JobID:                  job.ID,
	}
	if req.IsRealtime {
		req.PreviousAlert = job.PreviousAlert
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var results []analysis.Result
	err := d.breaker.Execute(func() error {
		var callErr error
		results, callErr = d.provider.AnalyzeSegment(cctx, req)
		return callErr
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		class := string(analysis.ClassOf(err))
		if errors.Is(err, resilience.ErrCircuitOpen) {
			class = "circuit_open"
		}
		d.metrics.RecordAnalysis(ctx, string(channel), "error", elapsed)
		d.metrics.RecordTransportFailure(ctx, string(channel), class)
		observe.Logger(ctx).Warn("analysis request failed",
			slog.Int64("job_id", job.ID),
			slog.String("channel", string(channel)),
			slog.String("class", class),
			slog.String("error", err.Error()))
		return
	}

	d.metrics.RecordAnalysis(ctx, string(channel), "ok", elapsed)
	d.deliver(job.Generation, channel, job.ID, results)
}

// blockReasonLabel reduces a deduplicator diagnostic to the short label used
// as a metric attribute.
func blockReasonLabel(reason string) string {
	head, _, ok := strings.Cut(reason, ":")
	if !ok {
		return "other"
	}
	switch head {
	case "duplicate":
		return "duplicate"
	case "rate-limited":
		return "rate_limited"
	default:
		return "other"
	}
}
