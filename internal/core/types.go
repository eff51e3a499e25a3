package core

import (
	"maps"
	"slices"
	"time"
)

// TriggerType describes how a task is fired.
type TriggerType string

const (
	TriggerCron      TriggerType = "cron"
	TriggerInterval  TriggerType = "interval"
	TriggerDate      TriggerType = "date"
	TriggerEvent     TriggerType = "event"
	TriggerCondition TriggerType = "condition"
	TriggerStartup   TriggerType = "startup"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerCron, TriggerInterval, TriggerDate, TriggerEvent, TriggerCondition, TriggerStartup:
		return true
	}
	return false
}

// Timed reports whether the trigger is driven by the cron scheduler.
func (t TriggerType) Timed() bool {
	return t == TriggerCron || t == TriggerInterval || t == TriggerDate
}

// TaskStatus describes the state of an individual execution.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s TaskStatus) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Params is the parameter map passed to an action.
type Params map[string]any

// Clone returns a shallow copy of p. A nil map clones to an empty one.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	return out
}

const (
	DefaultRetryCount = 3
	DefaultRetryDelay = 60
)

// Task is a scheduled unit of work.
type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	Action        string         `json:"action"`
	ActionParams  Params         `json:"action_params"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
	LastRun       *time.Time     `json:"last_run"`
	NextRun       *time.Time     `json:"next_run"`
	RunCount      int            `json:"run_count"`
	MaxRuns       *int           `json:"max_runs"`
	RetryOnFail   bool           `json:"retry_on_fail"`
	RetryCount    int            `json:"retry_count"`
	RetryDelay    int            `json:"retry_delay"`
	Tags          []string       `json:"tags"`
	Dependencies  []string       `json:"dependencies"`
}

// Clone returns a deep enough copy of t that callers cannot mutate store state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.TriggerConfig = maps.Clone(t.TriggerConfig)
	c.ActionParams = maps.Clone(t.ActionParams)
	c.Tags = slices.Clone(t.Tags)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.LastRun != nil {
		v := *t.LastRun
		c.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		c.NextRun = &v
	}
	if t.MaxRuns != nil {
		v := *t.MaxRuns
		c.MaxRuns = &v
	}
	return &c
}

// HasTag reports whether any of tags is set on the task.
func (t *Task) HasTag(tags ...string) bool {
	for _, tag := range tags {
		if slices.Contains(t.Tags, tag) {
			return true
		}
	}
	return false
}

// Exhausted reports whether the task reached its max_runs cap.
func (t *Task) Exhausted() bool {
	return t.MaxRuns != nil && t.RunCount >= *t.MaxRuns
}

// TaskResult captures a single firing of a task.
type TaskResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Result    any        `json:"result"`
	Error     string     `json:"error,omitempty"`
	Duration  float64    `json:"duration"`
	Attempts  int        `json:"attempts"`
}

// Step is one entry of a workflow.
type Step struct {
	TaskID    string   `json:"task_id"`
	Name      string   `json:"name,omitempty"`
	OnSuccess Selector `json:"on_success"`
	OnFailure Selector `json:"on_failure"`
}

// Workflow is an ordered sequence of steps with outcome-based branching.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Steps       []Step    `json:"steps"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`

	stepIndex map[string]int
}

// TaskStats summarises the recorded results of one task.
type TaskStats struct {
	TotalRuns   int        `json:"total_runs"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	SuccessRate float64    `json:"success_rate"`
	AvgDuration float64    `json:"avg_duration"`
	LastRun     time.Time  `json:"last_run"`
	LastStatus  TaskStatus `json:"last_status"`
}

// ResultFilter narrows a result query. Zero values match everything.
type ResultFilter struct {
	TaskID string
	Status TaskStatus
	Limit  int
}
