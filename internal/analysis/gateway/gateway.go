// Package gateway provides the HTTP client for the managed analysis
// collaborator. It implements the analysis.Provider interface.
//
// Analyze-segment responses are newline-delimited JSON: every line is an
// independent result object, parsed on its own. A line that fails to parse is
// logged and skipped; a bad line never aborts the rest of the stream. The
// collaborator is free to emit zero, one, or several results per request.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/observe"
)

const (
	defaultBaseURL = "https://analysis.attunehealth.dev"

	analyzePath  = "/v1/analysis/segment"
	guidancePath = "/v1/analysis/pathway-guidance"
	summaryPath  = "/v1/analysis/session-summary"

	// maxLineBytes bounds a single NDJSON response line. Comprehensive
	// results carry full citation excerpts and can run long.
	maxLineBytes = 4 << 20
)

// Option is a functional option for configuring the gateway Client.
type Option func(*Client)

// WithBaseURL overrides the default collaborator endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying [http.Client]. Per-request deadlines
// are expected to come from the caller's context, so the default client has
// no timeout of its own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client implements analysis.Provider backed by the managed collaborator's
// HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ analysis.Provider = (*Client)(nil)

// New creates a gateway Client. An empty apiKey is permitted; requests are
// then sent unauthenticated, which the collaborator rejects unless it runs in
// an open deployment.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// segmentEnvelope is the analyze-segment request body.
type segmentEnvelope struct {
	Action string `json:"action"`
	analysis.SegmentRequest
}

// guidanceEnvelope is the pathway-guidance request body.
type guidanceEnvelope struct {
	Action string `json:"action"`
	analysis.GuidanceRequest
}

// summaryEnvelope is the session-summary request body.
type summaryEnvelope struct {
	Action string `json:"action"`
	analysis.SummaryRequest
}

// AnalyzeSegment posts the rolling window to the collaborator and parses the
// NDJSON response stream. Unparseable lines are skipped; the returned slice
// holds every line that parsed. An empty slice with a nil error is a valid
// outcome.
func (c *Client) AnalyzeSegment(ctx context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
	const op = "analyze_segment"

	resp, err := c.post(ctx, op, analyzePath, segmentEnvelope{Action: op, SegmentRequest: req})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	channel := analysis.ChannelComprehensive
	if req.IsRealtime {
		channel = analysis.ChannelRealtime
	}

	var results []analysis.Result
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var res analysis.Result
		if err := json.Unmarshal(line, &res); err != nil {
			observe.DefaultMetrics().ParseFailures.Add(ctx, 1)
			observe.Logger(ctx).Warn("skipping unparseable response line",
				"op", op,
				"job_id", req.JobID,
				"err", err,
			)
			continue
		}

		// Enrich fields the collaborator may omit so downstream consumers
		// can rely on them.
		if res.JobID == 0 {
			res.JobID = req.JobID
		}
		if res.AnalysisType == "" {
			res.AnalysisType = channel
		}
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		// The stream broke mid-response. Results parsed so far are still
		// usable; partial delivery beats none.
		slog.Warn("response stream ended early",
			"op", op,
			"job_id", req.JobID,
			"parsed", len(results),
			"err", err,
		)
	}

	return results, nil
}

// PathwayGuidance requests pathway guidance outside the job-paced cycle.
func (c *Client) PathwayGuidance(ctx context.Context, req analysis.GuidanceRequest) (*analysis.GuidanceResponse, error) {
	const op = "pathway_guidance"

	resp, err := c.post(ctx, op, guidancePath, guidanceEnvelope{Action: op, GuidanceRequest: req})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out analysis.GuidanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}
	return &out, nil
}

// SessionSummary requests an end-of-session summary.
func (c *Client) SessionSummary(ctx context.Context, req analysis.SummaryRequest) (*analysis.SummaryResponse, error) {
	const op = "session_summary"

	resp, err := c.post(ctx, op, summaryPath, summaryEnvelope{Action: op, SummaryRequest: req})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out analysis.SummaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}
	return &out, nil
}

// post sends one JSON request and returns the response on 200. Any other
// outcome is classified into a [analysis.TransportError].
func (c *Client) post(ctx context.Context, op, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &analysis.TransportError{Class: classifyDialError(err), Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &analysis.TransportError{
			Class: classifyStatus(resp.StatusCode),
			Op:    op,
			Err:   fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

// classifyDialError maps a request-level failure to a failure class.
func classifyDialError(err error) analysis.FailureClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return analysis.FailureTimeout
	}
	return analysis.FailureConnectivity
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(status int) analysis.FailureClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return analysis.FailureCredentials
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return analysis.FailureTimeout
	case status >= 500:
		return analysis.FailureServer
	default:
		return analysis.FailureProtocol
	}
}
