package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxConcurrent = 5
	DefaultMaxInstances  = 3
)

// Options wires an Engine. Zero values select in-memory persistence, the
// system clock, local time and the default limits.
type Options struct {
	Registry         *Registry
	Persister        Persister
	ResultSink       ResultSink
	Observer         Observer
	Clock            Clock
	Logger           zerolog.Logger
	Location         *time.Location
	MaxConcurrent    int
	MaxInstances     int
	MaxWorkflowSteps int
}

// TaskSpec describes a task to create. Nil pointers take the defaults.
type TaskSpec struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	Action        string         `json:"action"`
	ActionParams  Params         `json:"action_params"`
	Enabled       *bool          `json:"enabled,omitempty"`
	MaxRuns       *int           `json:"max_runs,omitempty"`
	RetryOnFail   *bool          `json:"retry_on_fail,omitempty"`
	RetryCount    *int           `json:"retry_count,omitempty"`
	RetryDelay    *int           `json:"retry_delay,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
}

// Engine is the scheduling facade: it owns the task store and wires the
// trigger engine, dispatcher, event bus, workflows and condition predicates.
type Engine struct {
	registry   *Registry
	store      *TaskStore
	results    *ResultLog
	dispatcher *Dispatcher
	triggers   *TriggerEngine
	events     *EventBus
	workflows  *WorkflowEngine
	conditions *ConditionEvaluator

	clock    Clock
	location *time.Location
	observer Observer
	logger   zerolog.Logger

	sem          chan struct{}
	maxInstances int
	runMu        sync.Mutex
	running      map[string]int

	lifeMu  sync.Mutex
	started bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from opts. Nothing is loaded or scheduled until Start.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = DefaultMaxInstances
	}
	conditions, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	e := &Engine{
		registry:     opts.Registry,
		store:        NewTaskStore(opts.Persister, logger.With().Str("component", "store").Logger()),
		results:      NewResultLog(opts.ResultSink, logger.With().Str("component", "results").Logger()),
		conditions:   conditions,
		clock:        opts.Clock,
		location:     opts.Location,
		observer:     opts.Observer,
		logger:       logger.With().Str("component", "engine").Logger(),
		sem:          make(chan struct{}, opts.MaxConcurrent),
		maxInstances: opts.MaxInstances,
		running:      make(map[string]int),
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.dispatcher = NewDispatcher(e.store, e.registry, e.results, e.clock, e.observer,
		logger.With().Str("component", "dispatcher").Logger())
	e.triggers = NewTriggerEngine(e.store, e.clock, e.location,
		logger.With().Str("component", "trigger").Logger(), e.fireScheduled)
	e.dispatcher.onExhausted = e.triggers.Unschedule
	e.events = NewEventBus(e.store, e.dispatcher, logger.With().Str("component", "events").Logger())
	e.workflows = NewWorkflowEngine(e.dispatcher, e.clock, opts.MaxWorkflowSteps,
		logger.With().Str("component", "workflow").Logger())
	return e, nil
}

// Registry exposes the action registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Location is the zone schedules are evaluated in.
func (e *Engine) Location() *time.Location { return e.location }

// Start loads the persisted tasks, schedules them, starts the cron loop and
// fires startup tasks. Historic results may be seeded before Start via SeedResults.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started {
		return nil
	}
	if err := e.store.Load(ctx); err != nil {
		return err
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	var startup []string
	for _, task := range e.store.List() {
		e.deactivate(task.ID)
		if err := e.activate(task); err != nil {
			e.logger.Error().Err(err).Str("task_id", task.ID).Msg("schedule task")
		}
		if task.TriggerType == TriggerStartup && task.Enabled {
			startup = append(startup, task.ID)
		}
	}
	e.triggers.Start()
	e.started = true
	e.logger.Info().Int("tasks", len(e.store.List())).Msg("engine started")

	for _, id := range startup {
		e.launch(id, false)
	}
	return nil
}

// Stop halts the cron loop, waits for in-flight executions until ctx is done,
// cancels whatever is still running and writes a final snapshot.
func (e *Engine) Stop(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.started {
		return
	}
	<-e.triggers.Stop().Done()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn().Msg("shutdown grace elapsed, cancelling running tasks")
		e.cancel()
		<-done
	}
	e.cancel()
	e.persist(context.WithoutCancel(ctx))
	e.started = false
	e.logger.Info().Msg("engine stopped")
}

// SeedResults preloads historic results into the result log.
func (e *Engine) SeedResults(results []*TaskResult) {
	e.results.Seed(results)
}

// RegisterAction adds or replaces an action handler.
func (e *Engine) RegisterAction(name string, handler Handler) {
	e.registry.Register(name, handler)
	e.logger.Debug().Str("action", name).Msg("action registered")
}

// CreateTask builds a task from spec with defaults applied and adds it.
func (e *Engine) CreateTask(spec TaskSpec) (string, error) {
	task := &Task{
		Name:          strings.TrimSpace(spec.Name),
		Description:   spec.Description,
		TriggerType:   spec.TriggerType,
		TriggerConfig: spec.TriggerConfig,
		Action:        spec.Action,
		ActionParams:  spec.ActionParams,
		Enabled:       true,
		MaxRuns:       spec.MaxRuns,
		RetryOnFail:   true,
		RetryCount:    DefaultRetryCount,
		RetryDelay:    DefaultRetryDelay,
		Tags:          spec.Tags,
		Dependencies:  spec.Dependencies,
	}
	if task.MaxRuns != nil && *task.MaxRuns == 0 {
		task.MaxRuns = nil
	}
	if spec.Enabled != nil {
		task.Enabled = *spec.Enabled
	}
	if spec.RetryOnFail != nil {
		task.RetryOnFail = *spec.RetryOnFail
	}
	if spec.RetryCount != nil {
		task.RetryCount = *spec.RetryCount
	}
	if spec.RetryDelay != nil {
		task.RetryDelay = *spec.RetryDelay
	}
	return e.AddTask(task)
}

// AddTask validates and stores task, assigning an id and creation time when
// missing, then schedules or subscribes it according to its trigger.
func (e *Engine) AddTask(task *Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: task is nil", ErrConfiguration)
	}
	task = task.Clone()
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = e.clock.Now()
	}
	if task.ActionParams == nil {
		task.ActionParams = Params{}
	}
	if task.TriggerConfig == nil {
		task.TriggerConfig = map[string]any{}
	}
	if err := e.validate(task); err != nil {
		return "", err
	}
	if _, exists := e.store.Get(task.ID); exists {
		return "", fmt.Errorf("%w: task %s already exists", ErrConfiguration, task.ID)
	}

	e.store.Put(task)
	if err := e.activate(task); err != nil {
		e.store.Delete(task.ID)
		e.deactivate(task.ID)
		return "", err
	}
	e.persist(context.Background())
	e.logger.Info().Str("task_id", task.ID).Str("name", task.Name).Str("trigger", string(task.TriggerType)).Msg("task added")
	return task.ID, nil
}

func (e *Engine) validate(task *Task) error {
	if task.Name == "" {
		return fmt.Errorf("%w: task name is required", ErrConfiguration)
	}
	if task.Action == "" {
		return fmt.Errorf("%w: task action is required", ErrConfiguration)
	}
	if _, err := e.registry.Resolve(task.Action); err != nil {
		return err
	}
	if task.MaxRuns != nil && *task.MaxRuns < 0 {
		return fmt.Errorf("%w: max_runs must be non-negative", ErrConfiguration)
	}
	if task.RetryCount < 0 || task.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_count and retry_delay must be non-negative", ErrConfiguration)
	}
	if slices.Contains(task.Dependencies, task.ID) {
		return fmt.Errorf("%w: %w: task depends on itself", ErrConfiguration, ErrDependencyCycle)
	}
	if err := ValidateTrigger(task.TriggerType, task.TriggerConfig, e.location); err != nil {
		return err
	}
	if task.TriggerType == TriggerCondition {
		expr, err := ConditionExpression(task.TriggerConfig)
		if err != nil {
			return err
		}
		if _, err := e.conditions.Compile(expr); err != nil {
			return err
		}
	}
	return nil
}

// activate wires a stored task into the trigger sources.
func (e *Engine) activate(task *Task) error {
	switch task.TriggerType {
	case TriggerEvent:
		if name := EventName(task.TriggerConfig); name != "" {
			e.events.Subscribe(name, task.ID)
		}
	case TriggerCondition:
		expr, err := ConditionExpression(task.TriggerConfig)
		if err != nil {
			return err
		}
		if err := e.conditions.Set(task.ID, expr); err != nil {
			return err
		}
	}
	if task.Enabled {
		return e.triggers.Schedule(task)
	}
	return nil
}

func (e *Engine) deactivate(taskID string) {
	e.triggers.Unschedule(taskID)
	e.events.Unsubscribe(taskID)
	e.conditions.Remove(taskID)
}

// RemoveTask deletes the task and every trigger pointing at it.
func (e *Engine) RemoveTask(id string) bool {
	if !e.store.Delete(id) {
		return false
	}
	e.deactivate(id)
	e.persist(context.Background())
	e.logger.Info().Str("task_id", id).Msg("task removed")
	return true
}

// EnableTask enables and re-schedules the task.
func (e *Engine) EnableTask(id string) bool {
	task, ok := e.store.Update(id, func(t *Task) { t.Enabled = true })
	if !ok {
		return false
	}
	if err := e.triggers.Schedule(task); err != nil {
		e.logger.Error().Err(err).Str("task_id", id).Msg("schedule task")
	}
	e.persist(context.Background())
	return true
}

// DisableTask disables and unschedules the task.
func (e *Engine) DisableTask(id string) bool {
	if _, ok := e.store.Update(id, func(t *Task) { t.Enabled = false }); !ok {
		return false
	}
	e.triggers.Unschedule(id)
	e.persist(context.Background())
	return true
}

// GetTask returns a copy of the task.
func (e *Engine) GetTask(id string) (*Task, bool) {
	return e.store.Get(id)
}

// ListTasks returns tasks in creation order, optionally only enabled ones
// and only those carrying one of tags.
func (e *Engine) ListTasks(enabledOnly bool, tags ...string) []*Task {
	all := e.store.List()
	out := all[:0]
	for _, t := range all {
		if enabledOnly && !t.Enabled {
			continue
		}
		if len(tags) > 0 && !t.HasTag(tags...) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ScheduleOnce creates a single-shot date task.
func (e *Engine) ScheduleOnce(action string, runAt time.Time, params Params, name string) (string, error) {
	if name == "" {
		name = "once_" + action
	}
	maxRuns := 1
	return e.CreateTask(TaskSpec{
		Name:          name,
		TriggerType:   TriggerDate,
		TriggerConfig: map[string]any{"run_at": runAt.Format(time.RFC3339Nano)},
		Action:        action,
		ActionParams:  params,
		MaxRuns:       &maxRuns,
	})
}

// ScheduleInterval creates a task firing every minutes minutes.
func (e *Engine) ScheduleInterval(action string, minutes int, params Params, name string) (string, error) {
	if name == "" {
		name = "interval_" + action
	}
	return e.CreateTask(TaskSpec{
		Name:          name,
		TriggerType:   TriggerInterval,
		TriggerConfig: map[string]any{"minutes": minutes},
		Action:        action,
		ActionParams:  params,
	})
}

// ScheduleDaily creates a task firing every day at hour:minute.
func (e *Engine) ScheduleDaily(action string, hour, minute int, params Params, name string) (string, error) {
	if name == "" {
		name = "daily_" + action
	}
	return e.CreateTask(TaskSpec{
		Name:          name,
		TriggerType:   TriggerCron,
		TriggerConfig: map[string]any{"hour": hour, "minute": minute},
		Action:        action,
		ActionParams:  params,
	})
}

// OnEvent subscribes an existing task to event.
func (e *Engine) OnEvent(event, taskID string) error {
	if _, ok := e.store.Get(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if strings.TrimSpace(event) == "" {
		return fmt.Errorf("%w: event name is required", ErrConfiguration)
	}
	e.events.Subscribe(event, taskID)
	return nil
}

// EmitEvent fans data out to the event's enabled subscribers, synchronously.
func (e *Engine) EmitEvent(ctx context.Context, event string, data any) []*TaskResult {
	return e.events.Emit(ctx, event, data)
}

// Subscriptions returns the event subscription table.
func (e *Engine) Subscriptions() map[string][]string {
	return e.events.Subscriptions()
}

// CheckConditions evaluates every enabled condition task against vars and
// fires those whose predicate holds, passing vars as event_data.
func (e *Engine) CheckConditions(ctx context.Context, vars map[string]any) []*TaskResult {
	var results []*TaskResult
	for _, task := range e.store.List() {
		if task.TriggerType != TriggerCondition || !task.Enabled {
			continue
		}
		matched, err := e.conditions.Evaluate(task.ID, vars)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("evaluate condition")
			continue
		}
		if !matched {
			continue
		}
		if result := e.dispatcher.DispatchEvent(ctx, task.ID, vars); result != nil {
			results = append(results, result)
		}
	}
	return results
}

// CreateWorkflow stores a workflow and returns its id.
func (e *Engine) CreateWorkflow(name, description string, steps []Step) (string, error) {
	wf, err := e.workflows.Create(name, description, steps)
	if err != nil {
		return "", err
	}
	return wf.ID, nil
}

func (e *Engine) GetWorkflow(id string) (*Workflow, bool) { return e.workflows.Get(id) }

func (e *Engine) ListWorkflows() []*Workflow { return e.workflows.List() }

// RunWorkflow executes the workflow synchronously and returns its results.
func (e *Engine) RunWorkflow(ctx context.Context, id string) []*TaskResult {
	return e.workflows.Run(ctx, id)
}

// RunTask fires the task immediately on the caller's goroutine.
func (e *Engine) RunTask(ctx context.Context, id string) (*TaskResult, error) {
	task, ok := e.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !e.acquire(task.ID) {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	defer e.release(task.ID)
	return e.dispatcher.Dispatch(ctx, task.ID), nil
}

// CancelTask cancels every in-flight execution of the task.
func (e *Engine) CancelTask(id string) int {
	n := e.dispatcher.Cancel(id)
	if n > 0 {
		e.logger.Info().Str("task_id", id).Int("executions", n).Msg("task cancelled")
	}
	return n
}

// Results queries the execution history.
func (e *Engine) Results(filter ResultFilter) []*TaskResult {
	return e.results.Query(filter)
}

// TaskStats summarises a task's history; ok is false without results.
func (e *Engine) TaskStats(id string) (*TaskStats, bool) {
	return e.results.Stats(id)
}

// PreviewTrigger returns the next n firing times of a trigger definition.
func (e *Engine) PreviewTrigger(triggerType TriggerType, config map[string]any, n int) ([]time.Time, error) {
	return e.triggers.Preview(triggerType, config, n)
}

// fireScheduled is called by the trigger engine when a timed task is due.
func (e *Engine) fireScheduled(taskID string) {
	e.launch(taskID, true)
}

// launch runs a firing on its own goroutine, bounded by the per-task
// instance cap and the global concurrency ceiling.
func (e *Engine) launch(taskID string, scheduled bool) {
	task, ok := e.store.Get(taskID)
	if !ok || !task.Enabled {
		return
	}
	if !e.acquire(taskID) {
		e.logger.Info().Str("task_id", taskID).Msg("skipping firing, task already running")
		e.observer.FiringSkipped(task)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(taskID)
		select {
		case e.sem <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.sem }()
		if scheduled {
			e.logger.Debug().Str("task_id", taskID).Msg("scheduled firing")
		}
		e.dispatcher.Dispatch(e.baseCtx, taskID)
	}()
}

func (e *Engine) acquire(taskID string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running[taskID] >= e.maxInstances {
		return false
	}
	e.running[taskID]++
	return true
}

func (e *Engine) release(taskID string) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.running[taskID]--
	if e.running[taskID] <= 0 {
		delete(e.running, taskID)
	}
}

func (e *Engine) persist(ctx context.Context) {
	if err := e.store.Save(ctx); err != nil {
		e.logger.Error().Err(err).Msg("persist tasks")
		e.observer.PersistFailed(err)
	}
}
