package api

import (
	"encoding/json"
	"net/http"
	"time"

	"taskflow/internal/core"
)

type triggerPreviewRequest struct {
	TriggerType   core.TriggerType `json:"trigger_type"`
	TriggerConfig map[string]any   `json:"trigger_config"`
	Count         int              `json:"count,omitempty"`
}

type triggerPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleTriggerPreview(w http.ResponseWriter, r *http.Request) {
	var req triggerPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerPreviewResponse{Message: "invalid JSON payload"})
		return
	}
	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	times, err := s.engine.PreviewTrigger(req.TriggerType, req.TriggerConfig, count)
	if err != nil {
		writeJSON(w, http.StatusOK, triggerPreviewResponse{Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: true, NextTimes: formatted})
}
