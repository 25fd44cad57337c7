// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs
// the registered checkers (the analysis circuit breaker and, when archival
// is configured, a database ping) and answers 503 until all of them pass,
// so a deployment does not route therapist traffic to an instance whose
// collaborator is unreachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness probe. An archive ping stuck on a
// dead connection must not hold /readyz open indefinitely.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// probe captures one checker's outcome.
type probe struct {
	name string
	err  error
}

// Handler serves both endpoints. The checker set is fixed at construction;
// the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok", nil)
}

// Readyz runs every checker, each under its own [checkTimeout], and reports
// 200 only when all pass. Checkers run concurrently; readiness latency is
// the slowest dependency, not the sum of them.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	probes := make([]probe, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			probes[i] = probe{name: c.Name, err: c.Check(ctx)}
		}()
	}
	wg.Wait()

	checks := make(map[string]string, len(probes))
	status := http.StatusOK
	overall := "ok"
	for _, p := range probes {
		if p.err != nil {
			checks[p.name] = "fail: " + p.err.Error()
			overall = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[p.name] = "ok"
		}
	}

	writeStatus(w, status, overall, checks)
}

func writeStatus(w http.ResponseWriter, status int, overall string, checks map[string]string) {
	body := struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: overall, Checks: checks}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
