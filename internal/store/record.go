package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/core"
)

// taskRecord is the on-disk shape of a task. Optional fields are pointers so
// absent keys fall back to the engine defaults.
type taskRecord struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	Action        string         `json:"action"`
	ActionParams  map[string]any `json:"action_params"`
	Enabled       *bool          `json:"enabled"`
	CreatedAt     string         `json:"created_at"`
	LastRun       *string        `json:"last_run"`
	NextRun       *string        `json:"next_run"`
	RunCount      int            `json:"run_count"`
	MaxRuns       *int           `json:"max_runs"`
	RetryOnFail   *bool          `json:"retry_on_fail"`
	RetryCount    *int           `json:"retry_count"`
	RetryDelay    *int           `json:"retry_delay"`
	Tags          []string       `json:"tags"`
	Dependencies  []string       `json:"dependencies"`
}

func encodeTask(task *core.Task) ([]byte, error) {
	return json.Marshal(task)
}

// decodeTask turns one stored entry into a task. Naive timestamps are read
// in loc.
func decodeTask(raw []byte, loc *time.Location) (*core.Task, error) {
	var rec taskRecord
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if rec.ID == "" {
		return nil, errors.New("task without id")
	}
	triggerType := core.TriggerType(rec.TriggerType)
	if !triggerType.Valid() {
		return nil, fmt.Errorf("task %s: unknown trigger type %q", rec.ID, rec.TriggerType)
	}
	if rec.RunCount < 0 {
		return nil, fmt.Errorf("task %s: negative run_count", rec.ID)
	}

	task := &core.Task{
		ID:            rec.ID,
		Name:          rec.Name,
		Description:   rec.Description,
		TriggerType:   triggerType,
		TriggerConfig: normalizeMap(rec.TriggerConfig),
		Action:        rec.Action,
		ActionParams:  normalizeMap(rec.ActionParams),
		Enabled:       true,
		RunCount:      rec.RunCount,
		MaxRuns:       rec.MaxRuns,
		RetryOnFail:   true,
		RetryCount:    core.DefaultRetryCount,
		RetryDelay:    core.DefaultRetryDelay,
		Tags:          rec.Tags,
		Dependencies:  rec.Dependencies,
	}
	if task.TriggerConfig == nil {
		task.TriggerConfig = map[string]any{}
	}
	if task.ActionParams == nil {
		task.ActionParams = core.Params{}
	}
	if task.MaxRuns != nil && *task.MaxRuns == 0 {
		// 0 means no cap in older snapshots
		task.MaxRuns = nil
	}
	if rec.Enabled != nil {
		task.Enabled = *rec.Enabled
	}
	if rec.RetryOnFail != nil {
		task.RetryOnFail = *rec.RetryOnFail
	}
	if rec.RetryCount != nil {
		task.RetryCount = *rec.RetryCount
	}
	if rec.RetryDelay != nil {
		task.RetryDelay = *rec.RetryDelay
	}

	if rec.CreatedAt != "" {
		t, err := core.ParseTimestamp(rec.CreatedAt, loc)
		if err != nil {
			return nil, fmt.Errorf("task %s: created_at: %w", rec.ID, err)
		}
		task.CreatedAt = t
	}
	var err error
	if task.LastRun, err = optionalTime(rec.LastRun, loc); err != nil {
		return nil, fmt.Errorf("task %s: last_run: %w", rec.ID, err)
	}
	if task.NextRun, err = optionalTime(rec.NextRun, loc); err != nil {
		return nil, fmt.Errorf("task %s: next_run: %w", rec.ID, err)
	}
	return task, nil
}

func optionalTime(value *string, loc *time.Location) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := core.ParseTimestamp(*value, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// normalizeMap replaces json.Number values with int64 when they are
// integers and float64 otherwise.
func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return normalizeMap(val)
	case []any:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	default:
		return v
	}
}
