package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/service"
)

const maxRecentEntries = 100

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.gateway.Status()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		AgentState:    st.AgentState,
		BreakerState:  string(st.Breaker.State),
		Queued:        st.Queued,
		Inflight:      st.Inflight,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /v1/messages.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.gateway.Submit(service.SubmitRequest{
		Payload:     req.Payload,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		// Backpressure: the caller must retry later or shed load.
		s.writeError(w, http.StatusTooManyRequests, "queue is at capacity")
		return
	case errors.Is(err, service.ErrNotRunning):
		s.writeError(w, http.StatusServiceUnavailable, "service is not running")
		return
	case err != nil:
		s.logger.Error("failed to submit message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitResponse{
		MessageID: id,
		Status:    string(queue.StatusQueued),
	})
}

// handleGetMessage handles GET /v1/messages/{messageID}.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	msg, ok := s.gateway.Get(r.Context(), id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "message not found")
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse(msg))
}

// handleCancel handles DELETE /v1/messages/{messageID}. Only messages
// still waiting in the queue can be cancelled.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	msg, ok := s.gateway.Cancel(id)
	if !ok {
		if _, found := s.gateway.Get(r.Context(), id); found {
			s.writeError(w, http.StatusConflict, "message is not cancellable")
			return
		}
		s.writeError(w, http.StatusNotFound, "message not found")
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse(msg))
}

// handleRecent handles GET /v1/messages: recent terminal outcomes from
// the journal.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	jn := s.gateway.Journal()
	if jn == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRecentEntries {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..100")
			return
		}
		limit = n
	}

	entries, err := jn.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}

	out := make([]MessageResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, MessageResponse{
			MessageID: e.MessageID,
			Priority:  e.Priority,
			Status:    string(e.Status),
			Attempt:   e.Attempts,
			CreatedAt: e.CreatedAt,
			LastError: e.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gateway.Status())
}

func messageResponse(msg queue.Message) MessageResponse {
	return MessageResponse{
		MessageID: msg.ID,
		Priority:  msg.Priority.String(),
		Status:    string(msg.Status),
		Attempt:   msg.Attempt,
		CreatedAt: msg.CreatedAt,
		LastError: msg.LastError,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
