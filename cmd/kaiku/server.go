package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaiku-voice/kaiku/internal/call"
	"github.com/kaiku-voice/kaiku/internal/carrier"
	"github.com/kaiku-voice/kaiku/internal/health"
	"github.com/kaiku-voice/kaiku/internal/observe"
	"github.com/kaiku-voice/kaiku/internal/store"
)

// newHandler assembles the HTTP surface: liveness and readiness probes, the
// Prometheus scrape endpoint, call inspection, and the carrier media and
// webhook endpoints.
func newHandler(source *sessionSource, calls *call.Registry, archive *store.Store, control *carrier.Control, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	var checkers []health.Checker
	if archive != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: archive.Ping})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /calls", listCalls(calls))
	mux.HandleFunc("GET /calls/{id}", getCall(calls))
	mux.Handle("POST /webhooks/calls", carrier.NewWebhookHandler(source, control, log))

	// The media WebSocket bypasses the metrics middleware: its wrapped
	// ResponseWriter does not implement http.Hijacker, which the WebSocket
	// upgrade needs.
	root := http.NewServeMux()
	root.Handle("GET /media", carrier.NewMediaHandler(source, log))
	root.Handle("/", observe.Middleware(observe.DefaultMetrics())(mux))
	return root
}

// callsResponse is the JSON body of the call list endpoint.
type callsResponse struct {
	Active   int                 `json:"active"`
	Rejected uint64              `json:"rejected"`
	Calls    []call.SessionStats `json:"calls"`
}

func listCalls(calls *call.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := make([]call.SessionStats, 0, calls.Len())
		calls.Each(func(s *call.Session) {
			stats = append(stats, s.Stats())
		})
		writeJSON(w, http.StatusOK, callsResponse{
			Active:   len(stats),
			Rejected: calls.Rejected(),
			Calls:    stats,
		})
	}
}

func getCall(calls *call.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := calls.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, "unknown call", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.Stats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
