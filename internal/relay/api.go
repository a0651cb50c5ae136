package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"webhookrelay/internal/auth"
)

// APIHandler serves the admin endpoints under /api/. Every endpoint requires
// an admin token.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/requests/stream", s.handleRequestStream)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	return auth.RequireRole(auth.RoleAdmin, s.auth)(mux)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		e, ok := s.requests.Get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, e)
		return
	}
	writeJSON(w, s.requests.All())
}

// handleRequestStream pushes new request summaries as server-sent events.
func (s *Server) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := s.requests.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	sessions, err := s.sessions.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("list sessions", "error", err)
		http.Error(w, "session log unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}
