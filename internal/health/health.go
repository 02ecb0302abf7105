// Package health serves the liveness and readiness endpoints the load
// balancer watches to decide whether this instance may take new calls.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// re-checks the dependencies a new call needs and answers 503 when any
// fails, which drains fresh carrier traffic away from the instance without
// touching calls already in progress.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check. A dependency slower than
// this is treated as down; a new call could not use it anyway.
const checkTimeout = 5 * time.Second

// Checker is one named readiness dependency, such as the call archive or a
// provider endpoint.
type Checker struct {
	// Name keys the check in the /readyz response ("archive", "providers").
	Name string

	// Check reports whether the dependency would serve a new call. It must
	// honor ctx cancellation.
	Check func(ctx context.Context) error
}

// checkReport is the per-dependency section of the /readyz body.
type checkReport struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// report is the response body for both endpoints. Healthz sends it with an
// empty Checks map.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkReport `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker set is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New returns a handler that evaluates checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports process liveness. It never consults the checkers; a hung
// provider must not get the whole instance restarted mid-call.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker concurrently and reports 200 only if all pass.
// Each check gets its own deadline so one stuck dependency cannot starve
// the rest of their budget.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	reports := make([]checkReport, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			rep := checkReport{Status: "ok", Elapsed: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				rep.Status = "fail"
				rep.Error = err.Error()
			}
			reports[i] = rep
		}(i, c)
	}
	wg.Wait()

	body := report{Status: "ok", Checks: make(map[string]checkReport, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		body.Checks[c.Name] = reports[i]
		if reports[i].Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
