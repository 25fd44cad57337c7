// Package server exposes the sessionaide HTTP API: session lifecycle,
// transcript intake (live entries and uploaded replays), on-demand guidance
// and summaries, and a websocket stream of display-state snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/attunehealth/sessionaide/internal/analysis"
	"github.com/attunehealth/sessionaide/internal/archive"
	"github.com/attunehealth/sessionaide/internal/health"
	"github.com/attunehealth/sessionaide/internal/observe"
	"github.com/attunehealth/sessionaide/internal/session"
	"github.com/attunehealth/sessionaide/internal/transcript"
)

// maxUploadBytes bounds an uploaded transcript document.
const maxUploadBytes = 10 << 20

// ArchiveReader is the read side of the session archive used by the API.
// Nil when no archive is configured; the archive routes are then absent.
type ArchiveReader interface {
	ListSessions(ctx context.Context, limit int) ([]archive.SessionRow, error)
	Transcript(ctx context.Context, sessionID string) ([]archive.TranscriptRow, error)
}

// Config carries the dependencies of a [Server].
type Config struct {
	// Manager owns the live session. Required.
	Manager *session.Manager

	// Archive serves the archived-session routes when non-nil.
	Archive ArchiveReader

	// Health serves /healthz and /readyz. A checker-less handler is created
	// when nil.
	Health *health.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Hub fans snapshots out to websocket clients. Usually created first and
	// wired as the manager's snapshot callback; a fresh hub is created when
	// nil.
	Hub *Hub

	// ReplayInterval is the cadence of uploaded-transcript replay. A
	// non-positive value uses the replayer default.
	ReplayInterval time.Duration
}

// Server is the HTTP and websocket front of sessionaide.
type Server struct {
	manager *session.Manager
	archive ArchiveReader
	health  *health.Handler
	metrics *observe.Metrics
	hub     *Hub

	replayInterval time.Duration

	mu           sync.Mutex
	cancelReplay context.CancelFunc
}

// New creates a server from cfg. The returned server's [Hub] is wired as the
// manager's snapshot sink by the caller (see cmd/sessionaide).
func New(cfg Config) *Server {
	s := &Server{
		manager:        cfg.Manager,
		archive:        cfg.Archive,
		health:         cfg.Health,
		metrics:        cfg.Metrics,
		hub:            cfg.Hub,
		replayInterval: cfg.ReplayInterval,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.hub == nil {
		s.hub = NewHub(s.metrics)
	}
	return s
}

// Hub returns the websocket fan-out hub, to be registered as the manager's
// snapshot callback.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the complete route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("GET /api/session", s.handleSnapshot)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("POST /api/transcript/entries", s.handleAppendEntry)
	mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/transcript/upload", s.handleUpload)

	mux.HandleFunc("POST /api/guidance", s.handleGuidance)
	mux.HandleFunc("POST /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/chart", s.handleChart)

	if s.archive != nil {
		mux.HandleFunc("GET /api/archive/sessions", s.handleArchiveList)
		mux.HandleFunc("GET /api/archive/sessions/{id}/transcript", s.handleArchiveTranscript)
	}

	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

type startRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	snap, err := s.manager.Start(r.Context(), req.SessionID)
	if errors.Is(err, session.ErrSessionActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.stopReplay()

	snap, err := s.manager.Stop(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		// The session is stopped; only archiving failed. The client gets the
		// final snapshot anyway.
		observe.Logger(r.Context()).Error("archiving failed", "error", err)
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":           snap.Active,
		"session_id":       snap.SessionID,
		"phase":            snap.Phase,
		"duration_seconds": snap.DurationSeconds,
		"connectivity":     snap.Connectivity,
	})
}

// ── Transcript intake ─────────────────────────────────────────────────────────

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	var e transcript.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if e.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.manager.AppendEntry(r.Context(), e); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := s.manager.Entries()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleUpload validates an uploaded transcript document and replays it into
// the live session at the configured cadence. A rejected document changes
// nothing; a second upload supersedes a replay still in progress.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Active() {
		writeError(w, http.StatusConflict, "no active session")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}

	entries, err := transcript.ParseUpload(data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s.mu.Lock()
	if s.cancelReplay != nil {
		s.cancelReplay()
	}
	s.cancelReplay = cancel
	s.mu.Unlock()

	rep := transcript.NewReplayer(entries, s.replayInterval, func(e transcript.Entry) {
		if err := s.manager.AppendEntry(ctx, e); err != nil {
			cancel()
		}
	})
	go func() {
		defer cancel()
		_ = rep.Run(ctx)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"entries": len(entries)})
}

func (s *Server) stopReplay() {
	s.mu.Lock()
	if s.cancelReplay != nil {
		s.cancelReplay()
		s.cancelReplay = nil
	}
	s.mu.Unlock()
}

// ── Analysis surfaces ─────────────────────────────────────────────────────────

func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	var req analysis.GuidanceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	resp, err := s.manager.PathwayGuidance(r.Context(), req)
	if err != nil {
		writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := s.manager.Summary(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		writeError(w, http.StatusNotFound, "no transcript to summarise")
		return
	}
	if err != nil {
		writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.manager.Snapshot().Display.RecentAlerts
	if alerts == nil {
		alerts = []analysis.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot().Display.Chart)
}

// ── Archive ───────────────────────────────────────────────────────────────────

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.archive.ListSessions(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []archive.SessionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleArchiveTranscript(w http.ResponseWriter, r *http.Request) {
	rows, err := s.archive.Transcript(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ── Response helpers ──────────────────────────────────────────────────────────

type errorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAnalysisError maps a failed collaborator call to a status code and a
// classified, client-actionable error body. Timeouts, 5xx responses, and
// connectivity failures are transient and safe to retry; credential and
// protocol failures are not.
func writeAnalysisError(w http.ResponseWriter, err error) {
	class := analysis.ClassOf(err)
	status := http.StatusBadGateway
	retryable := false
	switch class {
	case analysis.FailureTimeout, analysis.FailureServer, analysis.FailureConnectivity:
		status = http.StatusServiceUnavailable
		retryable = true
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Class:     string(class),
		Retryable: retryable,
	})
}
