package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/internal/dataset"
	"github.com/quarrylabs/quarry/internal/stream"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

// handleQuery creates or resumes a session. The query text itself
// travels over the session's stream; it is validated here so a client
// cannot hold a sandbox it has nothing to ask.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if req.SessionID != "" {
		sess, err := s.sessions.Get(req.SessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", req.SessionID))
			return
		}
		writeJSON(w, http.StatusOK, QueryResponse{
			SessionID: sess.ID,
			StreamURL: streamURL(sess.ID),
			Ready:     sess.Ready(),
		})
		return
	}

	if strings.TrimSpace(req.Dataset) == "" {
		writeError(w, http.StatusBadRequest, "dataset is required for a new session")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Dataset)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("dataset %q not found", req.Dataset))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create session: %v", err))
		return
	}
	// Provisioning continues in the background; the stream reports
	// readiness when the client connects.
	writeJSON(w, http.StatusAccepted, QueryResponse{
		SessionID: sess.ID,
		StreamURL: streamURL(sess.ID),
		Ready:     false,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Destroy(id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n := s.sessions.SweepIdle(r.Context(), s.config.MaxIdle)
	writeJSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

// handleRecentEvents serves the diagnostics ring for a session.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}
	events := s.publisher.Recent(id)
	if events == nil {
		events = []stream.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func streamURL(sessionID string) string {
	return "/v1/stream/" + sessionID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
