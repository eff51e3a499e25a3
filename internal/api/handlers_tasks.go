package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/core"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec core.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	id, err := s.engine.CreateTask(spec)
	if err != nil {
		s.writeEngineError(w, "create task", err)
		return
	}
	task, _ := s.engine.GetTask(id)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	enabledOnly := false
	if raw := strings.TrimSpace(query.Get("enabled")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "enabled must be a boolean")
			return
		}
		enabledOnly = parsed
	}
	var tags []string
	for _, raw := range query["tag"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	tasks := s.engine.ListTasks(enabledOnly, tags...)
	if tasks == nil {
		tasks = []*core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.engine.GetTask(chi.URLParam(r, "taskID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.engine.RemoveTask(chi.URLParam(r, "taskID")) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.engine.EnableTask)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.engine.DisableTask)
}

func (s *Server) toggleTask(w http.ResponseWriter, r *http.Request, apply func(string) bool) {
	taskID := chi.URLParam(r, "taskID")
	if !apply(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	task, _ := s.engine.GetTask(taskID)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RunTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, "run task", err)
		return
	}
	if result == nil {
		writeError(w, http.StatusConflict, "not_executed", "task was not executed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, ok := s.engine.GetTask(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": s.engine.CancelTask(taskID)})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	stats, ok := s.engine.TaskStats(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no results recorded for task")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.ResultFilter{
		TaskID: strings.TrimSpace(query.Get("task_id")),
		Status: core.TaskStatus(strings.TrimSpace(query.Get("status"))),
		Limit:  parseIntDefault(query.Get("limit"), 100),
	}
	results := s.engine.Results(filter)
	if results == nil {
		results = []*core.TaskResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, core.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrTaskBusy):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
