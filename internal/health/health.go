// Package health serves liveness and readiness probes. Readiness runs every
// dependency check concurrently under one deadline.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jensholdgaard/leilao/internal/clock"
)

// Status is the probe response body.
type Status struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker is a named dependency check, such as the store ping or the broker
// connection.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler provides the probe endpoints.
type Handler struct {
	ready    atomic.Bool
	version  string
	timeout  time.Duration
	checkers []Checker
	clock    clock.Clock
}

// NewHandler creates a health handler. It reports not ready until SetReady.
func NewHandler(clk clock.Clock, version string, checkers ...Checker) *Handler {
	return &Handler{
		version:  version,
		timeout:  5 * time.Second,
		checkers: checkers,
		clock:    clk,
	}
}

// SetReady toggles whether the instance should receive bid traffic.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
}

// LivenessHandler returns HTTP 200 while the process is serving.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.status("ok", nil))
	}
}

// ReadinessHandler returns HTTP 200 when the instance is marked ready and
// every checker passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, h.status("not_ready", nil))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		checks, ok := h.runChecks(ctx)
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, h.status("not_ready", checks))
			return
		}
		writeJSON(w, http.StatusOK, h.status("ready", checks))
	}
}

func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		allOK  = true
		checks = make(map[string]string, len(h.checkers))
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := c.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = result
			if result != "ok" {
				allOK = false
			}
		}()
	}
	wg.Wait()
	return checks, allOK
}

func (h *Handler) status(s string, checks map[string]string) Status {
	return Status{
		Status:    s,
		Version:   h.version,
		Checks:    checks,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
