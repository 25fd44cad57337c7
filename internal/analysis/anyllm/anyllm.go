// Package anyllm provides a direct-LLM analysis provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// It produces the same result objects as the managed gateway from built-in
// prompts, so deployments without the managed collaborator can still run the
// full analysis loop. There is no retrieval layer behind it, so results never
// carry citations.
//
// Usage:
//
//	p, err := anyllm.New("openai/gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("ollama/llama3.1")
package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/observe"
)

// Provider implements analysis.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ analysis.Provider = (*Provider)(nil)

// New creates a Provider from a "<backend>/<model>" spec, e.g. "openai/gpt-4o"
// or "anthropic/claude-sonnet-4-0".
//
// backend is one of: openai, anthropic, gemini, ollama, deepseek, mistral,
// groq, llamacpp, llamafile.
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func New(spec string, opts ...anyllmlib.Option) (*Provider, error) {
	backendName, model, ok := strings.Cut(spec, "/")
	if !ok || backendName == "" || model == "" {
		return nil, fmt.Errorf("anyllm: model spec %q must be \"<backend>/<model>\"", spec)
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given backend name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}

// realtimePrompt asks only for an alert, and only when warranted.
const realtimePrompt = `You are a clinical decision-support assistant observing a live therapy session.
Review the transcript segment and decide whether the therapist needs an alert RIGHT NOW.
Most segments need no alert; respond with an empty JSON object {} when nothing stands out.

When an alert is warranted, respond with exactly one JSON object (no prose, no markdown fences):
{"alert":{"timing":"now|pause|info","category":"safety|technique|pathway_change|engagement|process","title":"...","message":"...","evidence":["..."],"recommendation":["..."]}}

Safety concerns (self-harm, harm to others, abuse disclosure, acute crisis) always use category "safety" and timing "now".
If a previous alert is supplied, do not repeat it for the same underlying observation.`

// comprehensivePrompt asks for the full session assessment.
const comprehensivePrompt = `You are a clinical decision-support assistant reviewing a therapy session in depth.
Analyse the transcript segment and respond with exactly one JSON object (no prose, no markdown fences):
{"session_metrics":{"engagement_level":0.0,"therapeutic_alliance":"weak|moderate|strong","techniques_detected":["..."],"emotional_state":"calm|engaged|anxious|distressed|dissociated","arousal_level":"low|moderate|high|elevated","phase_appropriate":true},
"pathway_indicators":{"current_approach_effectiveness":"effective|struggling|ineffective","change_urgency":"none|monitor|consider|recommended","alternative_pathways":["..."]},
"pathway_guidance":{"recommended_approach":"...","rationale":"...","immediate_actions":["..."],"contraindications":["..."]}}
Omit pathway_guidance when the current approach is working (change_urgency none or monitor).`

// guidancePrompt asks for standalone pathway guidance.
const guidancePrompt = `You are a clinical decision-support assistant. The therapist asks whether to adjust the therapeutic approach.
Respond with exactly one JSON object (no prose, no markdown fences):
{"recommended_approach":"...","rationale":"...","immediate_actions":["..."],"contraindications":["..."]}`

// summaryPrompt asks for an end-of-session summary.
const summaryPrompt = `You are a clinical decision-support assistant. Summarise the completed therapy session.
Respond with exactly one JSON object (no prose, no markdown fences):
{"summary":{"key_themes":["..."],"progress":"...","techniques_used":["..."],"recommendations_for_next_session":["..."],"risk_flags":["..."]}}`

// AnalyzeSegment implements [analysis.Provider]. One completion call per
// request; the model's JSON reply is parsed into result objects the same way
// the gateway parses its response stream, with unparseable content skipped.
func (p *Provider) AnalyzeSegment(ctx context.Context, req analysis.SegmentRequest) ([]analysis.Result, error) {
	const op = "analyze_segment"

	system := comprehensivePrompt
	channel := analysis.ChannelComprehensive
	if req.IsRealtime {
		system = realtimePrompt
		channel = analysis.ChannelRealtime
	}

	var sb strings.Builder
	writeContext(&sb, req.SessionContext)
	fmt.Fprintf(&sb, "Session duration: %d minutes\n", req.SessionDurationMinutes)
	if req.IsRealtime && req.PreviousAlert != nil {
		fmt.Fprintf(&sb, "Previous alert already shown: [%s] %s\n", req.PreviousAlert.Category, req.PreviousAlert.Title)
	}
	sb.WriteString("\nTranscript segment:\n")
	writeTranscript(&sb, req.TranscriptSegment)

	content, err := p.complete(ctx, op, system, sb.String())
	if err != nil {
		return nil, err
	}

	var results []analysis.Result
	for _, candidate := range splitJSONObjects(content) {
		var res analysis.Result
		if err := json.Unmarshal([]byte(candidate), &res); err != nil {
			observe.DefaultMetrics().ParseFailures.Add(ctx, 1)
			observe.Logger(ctx).Warn("skipping unparseable model output",
				"op", op,
				"job_id", req.JobID,
				"err", err,
			)
			continue
		}
		if isEmptyResult(res) {
			continue
		}
		res.JobID = req.JobID
		res.AnalysisType = channel
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
		results = append(results, res)
	}
	return results, nil
}

// PathwayGuidance implements [analysis.Provider].
func (p *Provider) PathwayGuidance(ctx context.Context, req analysis.GuidanceRequest) (*analysis.GuidanceResponse, error) {
	const op = "pathway_guidance"

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current approach: %s\n", req.CurrentApproach)
	if len(req.PresentingIssues) > 0 {
		fmt.Fprintf(&sb, "Presenting issues: %s\n", strings.Join(req.PresentingIssues, "; "))
	}
	if len(req.SessionHistory) > 0 {
		fmt.Fprintf(&sb, "Session history:\n%s\n", strings.Join(req.SessionHistory, "\n"))
	}

	content, err := p.complete(ctx, op, guidancePrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var out analysis.GuidanceResponse
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}
	return &out, nil
}

// SessionSummary implements [analysis.Provider].
func (p *Provider) SessionSummary(ctx context.Context, req analysis.SummaryRequest) (*analysis.SummaryResponse, error) {
	const op = "session_summary"

	var sb strings.Builder
	writeContext(&sb, req.SessionContext)
	sb.WriteString("\nFull transcript:\n")
	writeTranscript(&sb, req.FullTranscript)

	content, err := p.complete(ctx, op, summaryPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var out analysis.SummaryResponse
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: err}
	}
	return &out, nil
}

// complete runs one non-streaming completion and returns the content string.
func (p *Provider) complete(ctx context.Context, op, system, user string) (string, error) {
	resp, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: system},
			{Role: anyllmlib.RoleUser, Content: user},
		},
	})
	if err != nil {
		return "", &analysis.TransportError{Class: classify(err), Op: op, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &analysis.TransportError{Class: analysis.FailureProtocol, Op: op, Err: errors.New("empty choices in response")}
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// classify maps a backend error to a failure class.
func classify(err error) analysis.FailureClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return analysis.FailureTimeout
	}
	return analysis.FailureConnectivity
}

// writeContext renders the clinical framing block shared by all prompts.
func writeContext(sb *strings.Builder, sc analysis.SessionContext) {
	fmt.Fprintf(sb, "Session type: %s\nPrimary concern: %s\nCurrent approach: %s\n",
		sc.SessionType, sc.PrimaryConcern, sc.CurrentApproach)
}

// writeTranscript renders segments as "SPEAKER: text" lines.
func writeTranscript(sb *strings.Builder, segs []analysis.Segment) {
	for _, s := range segs {
		fmt.Fprintf(sb, "%s: %s\n", s.Speaker, s.Text)
	}
}

// stripFences removes a surrounding markdown code fence, which some models
// add despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// splitJSONObjects splits model output into individual top-level JSON object
// candidates. Models usually return one object, but line-per-object replies
// show up too.
func splitJSONObjects(content string) []string {
	content = stripFences(content)
	if content == "" {
		return nil
	}

	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range content {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, content[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// isEmptyResult reports whether a parsed result carries no payload at all
// (the model's "nothing to report" answer).
func isEmptyResult(r analysis.Result) bool {
	return r.Alert == nil &&
		r.SessionMetrics == nil &&
		r.PathwayIndicators == nil &&
		r.PathwayGuidance == nil &&
		len(r.Citations) == 0
}
