package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxWorkflowSteps bounds the steps executed by a single workflow run.
const DefaultMaxWorkflowSteps = 1000

// SelectorKind enumerates the branch targets of a workflow step.
type SelectorKind int

const (
	SelectStop SelectorKind = iota
	SelectNext
	SelectIndex
	SelectName
)

// Selector picks the next step after a step finished. The zero value stops
// the workflow.
type Selector struct {
	Kind  SelectorKind
	Index int
	Name  string
}

// Stop, Next, GoTo and GoToStep build selectors.
func Stop() Selector { return Selector{Kind: SelectStop} }
func Next() Selector { return Selector{Kind: SelectNext} }
func GoTo(index int) Selector { return Selector{Kind: SelectIndex, Index: index} }
func GoToStep(name string) Selector { return Selector{Kind: SelectName, Name: name} }

// ParseSelector interprets "stop", "next", a decimal index or a step name.
func ParseSelector(s string) Selector {
	switch strings.TrimSpace(s) {
	case "", "stop":
		return Stop()
	case "next":
		return Next()
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return GoTo(n)
	}
	return GoToStep(s)
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectNext:
		return "next"
	case SelectIndex:
		return strconv.Itoa(s.Index)
	case SelectName:
		return s.Name
	default:
		return "stop"
	}
}

func (s Selector) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SelectStop:
		return []byte("null"), nil
	case SelectIndex:
		return json.Marshal(s.Index)
	default:
		return json.Marshal(s.String())
	}
}

func (s *Selector) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*s = Stop()
	case float64:
		if v != float64(int(v)) {
			return fmt.Errorf("%w: step index %v is not an integer", ErrConfiguration, v)
		}
		*s = GoTo(int(v))
	case string:
		if v == "stop" || v == "next" || v == "" {
			*s = ParseSelector(v)
		} else {
			*s = GoToStep(v)
		}
	default:
		return fmt.Errorf("%w: unsupported step selector %s", ErrConfiguration, string(data))
	}
	return nil
}

// WorkflowEngine stores workflows and runs them through the dispatcher.
type WorkflowEngine struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow

	dispatcher *Dispatcher
	clock      Clock
	maxSteps   int
	logger     zerolog.Logger
}

// NewWorkflowEngine creates an engine. maxSteps <= 0 selects the default.
func NewWorkflowEngine(dispatcher *Dispatcher, clock Clock, maxSteps int, logger zerolog.Logger) *WorkflowEngine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxWorkflowSteps
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &WorkflowEngine{
		workflows:  make(map[string]*Workflow),
		dispatcher: dispatcher,
		clock:      clock,
		maxSteps:   maxSteps,
		logger:     logger,
	}
}

// Create validates and stores a new enabled workflow.
func (w *WorkflowEngine) Create(name, description string, steps []Step) (*Workflow, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrConfiguration)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: workflow needs at least one step", ErrConfiguration)
	}
	wf := &Workflow{
		ID:          NewID(),
		Name:        name,
		Description: description,
		Steps:       slices.Clone(steps),
		Enabled:     true,
		CreatedAt:   w.clock.Now(),
		stepIndex:   make(map[string]int),
	}
	for i, step := range wf.Steps {
		if strings.TrimSpace(step.TaskID) == "" {
			return nil, fmt.Errorf("%w: step %d has no task_id", ErrConfiguration, i)
		}
		if step.Name == "" {
			continue
		}
		if _, dup := wf.stepIndex[step.Name]; !dup {
			wf.stepIndex[step.Name] = i
		}
	}

	w.mu.Lock()
	w.workflows[wf.ID] = wf
	w.mu.Unlock()
	w.logger.Info().Str("workflow_id", wf.ID).Str("name", name).Int("steps", len(steps)).Msg("workflow created")
	return wf.clone(), nil
}

// Get returns a copy of the workflow.
func (w *WorkflowEngine) Get(id string) (*Workflow, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wf, ok := w.workflows[id]
	if !ok {
		return nil, false
	}
	return wf.clone(), true
}

// List returns copies of every workflow ordered by creation time.
func (w *WorkflowEngine) List() []*Workflow {
	w.mu.RLock()
	out := make([]*Workflow, 0, len(w.workflows))
	for _, wf := range w.workflows {
		out = append(out, wf.clone())
	}
	w.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Workflow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SetEnabled toggles a workflow and reports whether it exists.
func (w *WorkflowEngine) SetEnabled(id string, enabled bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	wf, ok := w.workflows[id]
	if ok {
		wf.Enabled = enabled
	}
	return ok
}

// Run executes the workflow and returns every result produced. Unknown or
// disabled workflows return nil.
func (w *WorkflowEngine) Run(ctx context.Context, id string) []*TaskResult {
	wf, ok := w.Get(id)
	if !ok {
		w.logger.Warn().Str("workflow_id", id).Msg("run of unknown workflow")
		return nil
	}
	if !wf.Enabled {
		w.logger.Info().Str("workflow_id", id).Msg("workflow disabled, not running")
		return nil
	}
	logger := w.logger.With().Str("workflow_id", wf.ID).Logger()
	logger.Info().Str("name", wf.Name).Msg("running workflow")

	var results []*TaskResult
	pointer := 0
	for executed := 0; pointer >= 0 && pointer < len(wf.Steps); executed++ {
		if executed >= w.maxSteps {
			logger.Warn().Int("max_steps", w.maxSteps).Msg("workflow step ceiling reached")
			break
		}
		if ctx.Err() != nil {
			logger.Info().Msg("workflow cancelled")
			break
		}
		step := wf.Steps[pointer]
		result := w.dispatcher.Dispatch(ctx, step.TaskID)

		selector := step.OnFailure
		if result != nil {
			results = append(results, result)
			if result.Status == StatusCompleted {
				selector = step.OnSuccess
			}
		}
		pointer = wf.next(pointer, selector)
	}
	logger.Info().Int("results", len(results)).Msg("workflow finished")
	return results
}

// next resolves a selector into a step index; -1 ends the run.
func (wf *Workflow) next(current int, s Selector) int {
	switch s.Kind {
	case SelectNext:
		return current + 1
	case SelectIndex:
		if s.Index < 0 || s.Index >= len(wf.Steps) {
			return -1
		}
		return s.Index
	case SelectName:
		if i, ok := wf.stepIndex[s.Name]; ok {
			return i
		}
		return -1
	default:
		return -1
	}
}

func (wf *Workflow) clone() *Workflow {
	c := *wf
	c.Steps = slices.Clone(wf.Steps)
	return &c
}

// StepAt is a convenience for building steps in code.
func StepAt(taskID string, onSuccess, onFailure Selector) Step {
	return Step{TaskID: taskID, OnSuccess: onSuccess, OnFailure: onFailure}
}
