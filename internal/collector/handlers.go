package collector

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/collector/sse"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

// AppendRequest is the body of POST /api/sessions/{id}/events.
type AppendRequest struct {
	Events []models.Event `json:"events"`
}

// AppendResponse is the reply of POST /api/sessions/{id}/events.
type AppendResponse struct {
	Appended int `json:"appended"`
}

// SummaryRequest is the body of PUT /api/sessions/{id}/summary.
type SummaryRequest struct {
	Summary models.Summary `json:"summary"`
	EndTime *time.Time     `json:"endTime,omitempty"`
}

// CreateResponse is the reply of POST /api/sessions.
type CreateResponse struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ok"
	if !s.ready.Load() {
		status = http.StatusServiceUnavailable
		state = "shutting_down"
	}
	writeJSON(w, status, map[string]any{
		"status":      state,
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"subscribers": s.broadcaster.Len(),
	})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var header models.SessionHeader
	if !readJSON(w, r, &header) {
		return
	}
	if header.SessionID == "" || header.UserID == "" {
		writeError(w, http.StatusBadRequest, "sessionId and userId are required")
		return
	}

	created, err := s.store.CreateSession(r.Context(), header)
	if err != nil {
		log.Error().Err(err).Str("sessionId", header.SessionID).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.broadcaster.Publish(sse.Activity{
			Kind:      sse.KindSessionCreated,
			SessionID: header.SessionID,
			UserID:    header.UserID,
			ProblemID: header.ProblemID,
		})
	}
	writeJSON(w, status, CreateResponse{SessionID: header.SessionID, Created: created})
}

func (s *Service) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AppendRequest
	if !readJSON(w, r, &req) {
		return
	}
	for _, ev := range req.Events {
		if ev.Seq < 1 || !ev.EventType.Valid() {
			writeError(w, http.StatusBadRequest, "invalid event")
			return
		}
	}

	n, err := s.store.AppendEvents(r.Context(), id, req.Events)
	if errors.Is(err, remote.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to append events")
		writeError(w, http.StatusInternalServerError, "append events failed")
		return
	}

	if n > 0 {
		s.broadcaster.Publish(sse.Activity{Kind: sse.KindEventsAppended, SessionID: id, Count: n})
	}
	writeJSON(w, http.StatusOK, AppendResponse{Appended: n})
}

func (s *Service) handleFinalizeSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SummaryRequest
	if !readJSON(w, r, &req) {
		return
	}

	err := s.store.FinalizeSummary(r.Context(), id, req.Summary, req.EndTime)
	if errors.Is(err, remote.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to finalize summary")
		writeError(w, http.StatusInternalServerError, "finalize summary failed")
		return
	}

	solved := req.Summary.Solved
	s.broadcaster.Publish(sse.Activity{Kind: sse.KindSummaryUpdated, SessionID: id, Solved: &solved})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, remote.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to read session")
		writeError(w, http.StatusInternalServerError, "read session failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
