// Package status serves the read-only HTTP surface: per-session job-state
// counts, which is how operators watch a tuning run progress.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gridtune/internal/tunadb"
)

// Server exposes job-state counts over HTTP.
type Server struct {
	store *tunadb.Store
	log   *slog.Logger
}

// New creates the server over a store.
func New(store *tunadb.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, log: log}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/sessions/{id}/status", s.handleSessionStatus)
	return r
}

type sessionStatus struct {
	Session tunadb.Session       `json:"session"`
	Counts  map[tunadb.State]int `json:"counts"`
	Total   int                  `json:"total"`
	// InProgress counts jobs currently claimed or executing.
	InProgress int `json:"in_progress"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	counts, err := s.store.StateCounts(r.Context(), id)
	if err != nil {
		s.log.Error("state counts", "session", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := sessionStatus{Session: sess, Counts: counts}
	for st, n := range counts {
		out.Total += n
		if st.InProgress() {
			out.InProgress += n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("encode status", "err", err)
	}
}
