package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/core"
)

type createWorkflowRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Steps       []stepRequest `json:"steps"`
}

// stepRequest keeps the raw selectors so an absent on_success can default
// to "next" while an explicit null still means stop.
type stepRequest struct {
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name"`
	OnSuccess json.RawMessage `json:"on_success"`
	OnFailure json.RawMessage `json:"on_failure"`
}

func (req stepRequest) toStep() (core.Step, error) {
	step := core.Step{TaskID: req.TaskID, Name: req.Name, OnSuccess: core.Next(), OnFailure: core.Stop()}
	if len(req.OnSuccess) > 0 {
		if err := json.Unmarshal(req.OnSuccess, &step.OnSuccess); err != nil {
			return step, err
		}
	}
	if len(req.OnFailure) > 0 {
		if err := json.Unmarshal(req.OnFailure, &step.OnFailure); err != nil {
			return step, err
		}
	}
	return step, nil
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	steps := make([]core.Step, 0, len(req.Steps))
	for _, raw := range req.Steps {
		step, err := raw.toStep()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		steps = append(steps, step)
	}
	id, err := s.engine.CreateWorkflow(req.Name, req.Description, steps)
	if err != nil {
		s.writeEngineError(w, "create workflow", err)
		return
	}
	wf, _ := s.engine.GetWorkflow(id)
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := s.engine.ListWorkflows()
	if workflows == nil {
		workflows = []*core.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.engine.GetWorkflow(chi.URLParam(r, "workflowID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if _, ok := s.engine.GetWorkflow(workflowID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, executionsResponse{Results: nonNil(s.engine.RunWorkflow(r.Context(), workflowID))})
}
