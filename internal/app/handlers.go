package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/cognihub/internal/ledger"
)

// mountRoutes wires the operational surface: liveness, metrics scrape, and
// read-only diagnostics over the core's state.
func (s *Server) mountRoutes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.r.Handle("/metrics", s.metrics.Handler())

	s.r.Route("/diag", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)
		r.Get("/profiles", s.handleProfiles)
		r.Get("/outcomes", s.handleOutcomes)
		r.Get("/scheduler", s.handleScheduler)
		r.Get("/router", s.handleRouter)
		r.Get("/config", s.handleConfig)
		r.Get("/events", s.handleEvents)
	})
}

// handleEvents tails the control event bus over SSE until the client
// disconnects or the server stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	enc := json.NewEncoder(w)
	for {
		select {
		case ev := <-sub.C:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			fl.Flush()
		case <-r.Context().Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Profiles())
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	f := ledger.Filter{
		Provider:    r.URL.Query().Get("provider"),
		PlanID:      r.URL.Query().Get("plan_id"),
		FailedOnly:  r.URL.Query().Get("failed") == "true",
		SuccessOnly: r.URL.Query().Get("success") == "true",
	}
	writeJSON(w, http.StatusOK, s.ledger.Recent(limit, f))
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Snapshot())
}

func (s *Server) handleRouter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Stats())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.confStore.Get())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
