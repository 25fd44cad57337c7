package analysis

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the uniform interface to the external analysis collaborator.
//
// AnalyzeSegment performs one request on one channel (selected by
// [SegmentRequest.IsRealtime]) and returns every result object parsed from
// the response stream. Implementations never retry: a failed request returns
// an error and produces no results, and recovery is left to the next
// trigger cycle.
type Provider interface {
	// AnalyzeSegment sends a rolling transcript window for analysis and
	// returns the parsed results. Unparseable portions of the response are
	// skipped, not fatal; an empty, nil-error return is therefore valid.
	AnalyzeSegment(ctx context.Context, req SegmentRequest) ([]Result, error)

	// PathwayGuidance requests pathway guidance independent of the
	// job-correlation cycle.
	PathwayGuidance(ctx context.Context, req GuidanceRequest) (*GuidanceResponse, error)

	// SessionSummary requests an end-of-session summary over the full
	// finalized transcript.
	SessionSummary(ctx context.Context, req SummaryRequest) (*SummaryResponse, error)
}

// FailureClass is the coarse root-cause classification attached to transport
// failures. It drives log fields and the connectivity indicator, never
// retries.
type FailureClass string

const (
	// FailureCredentials covers authentication and authorisation rejections.
	FailureCredentials FailureClass = "credentials"

	// FailureConnectivity covers DNS, dial, and connection-reset failures.
	FailureConnectivity FailureClass = "connectivity"

	// FailureTimeout covers deadline and cancellation failures.
	FailureTimeout FailureClass = "timeout"

	// FailureServer covers 5xx responses from the collaborator.
	FailureServer FailureClass = "server"

	// FailureProtocol covers responses that could not be interpreted at all
	// (as opposed to individual skipped lines, which are not failures).
	FailureProtocol FailureClass = "protocol"
)

// TransportError wraps a failed collaborator call with its [FailureClass].
type TransportError struct {
	// Class is the coarse root cause.
	Class FailureClass

	// Op names the failing operation ("analyze_segment", "pathway_guidance",
	// "session_summary").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("analysis: %s: %s: %v", e.Op, e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// ClassOf returns the [FailureClass] of err when it wraps a
// [TransportError], or [FailureConnectivity] as the conservative default.
func ClassOf(err error) FailureClass {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}
	return FailureConnectivity
}
