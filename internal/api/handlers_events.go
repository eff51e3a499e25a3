package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/core"
)

type subscribeRequest struct {
	TaskID string `json:"task_id"`
}

type executionsResponse struct {
	Results []*core.TaskResult `json:"results"`
}

// handleEmitEvent fires an event; the request body, if any, is the event data.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	var data any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	writeJSON(w, http.StatusOK, executionsResponse{Results: nonNil(s.engine.EmitEvent(r.Context(), event, data))})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "task_id is required")
		return
	}
	if err := s.engine.OnEvent(chi.URLParam(r, "event"), req.TaskID); err != nil {
		s.writeEngineError(w, "subscribe task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Subscriptions())
}

// handleCheckConditions evaluates condition tasks against the posted variables.
func (s *Server) handleCheckConditions(w http.ResponseWriter, r *http.Request) {
	var vars map[string]any
	if err := json.NewDecoder(r.Body).Decode(&vars); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if vars == nil {
		vars = map[string]any{}
	}
	writeJSON(w, http.StatusOK, executionsResponse{Results: nonNil(s.engine.CheckConditions(r.Context(), vars))})
}

func nonNil(results []*core.TaskResult) []*core.TaskResult {
	if results == nil {
		return []*core.TaskResult{}
	}
	return results
}
