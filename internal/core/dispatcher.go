package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observer is notified about executions, e.g. to export metrics.
type Observer interface {
	ExecutionStarted(task *Task)
	ExecutionFinished(task *Task, result *TaskResult)
	FiringSkipped(task *Task)
	PersistFailed(err error)
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted(*Task) {}
func (nopObserver) ExecutionFinished(*Task, *TaskResult) {}
func (nopObserver) FiringSkipped(*Task) {}
func (nopObserver) PersistFailed(error) {}

// eventPayload carries injected event data; nil means no injection.
type eventPayload struct {
	data any
}

// Dispatcher executes tasks: dependency resolution, retries, result
// recording, task state updates and persistence.
type Dispatcher struct {
	store    *TaskStore
	registry *Registry
	results  *ResultLog
	clock    Clock
	observer Observer
	logger   zerolog.Logger

	// onExhausted is called after a task is disabled by its max_runs cap.
	onExhausted func(taskID string)

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]context.CancelFunc
	// reserved counts admitted firings of capped tasks that have not yet
	// been counted in run_count.
	reserved map[string]int
}

// NewDispatcher wires a dispatcher. observer and clock may be nil.
func NewDispatcher(store *TaskStore, registry *Registry, results *ResultLog, clock Clock, observer Observer, logger zerolog.Logger) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		results:  results,
		clock:    clock,
		observer: observer,
		logger:   logger,
		inflight: make(map[string]map[uint64]context.CancelFunc),
		reserved: make(map[string]int),
	}
}

// Dispatch fires the task. It returns nil when no execution took place
// (unknown task, or max_runs already reached).
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) *TaskResult {
	return d.dispatch(ctx, taskID, nil)
}

// DispatchEvent fires the task with data injected as params["event_data"].
func (d *Dispatcher) DispatchEvent(ctx context.Context, taskID string, data any) *TaskResult {
	return d.dispatch(ctx, taskID, &eventPayload{data: data})
}

func (d *Dispatcher) dispatch(ctx context.Context, taskID string, event *eventPayload) *TaskResult {
	task, ok := d.store.Get(taskID)
	if !ok {
		d.logger.Warn().Str("task_id", taskID).Msg("dispatch of unknown task")
		return nil
	}
	if task.Exhausted() {
		d.disableExhausted(ctx, task.ID)
		return nil
	}

	order, err := d.dependencyOrder(task)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("resolve dependencies")
		admitted, exhausted := d.reserve(task.ID)
		if !admitted {
			if exhausted {
				d.disableExhausted(ctx, task.ID)
			}
			return nil
		}
		defer d.unreserve(task.ID)
		result := &TaskResult{TaskID: task.ID, Status: StatusFailed, StartTime: d.clock.Now(), Error: err.Error()}
		d.observer.ExecutionStarted(task)
		d.finalize(ctx, task, result)
		return result
	}
	for _, depID := range order {
		d.logger.Debug().Str("task_id", task.ID).Str("dependency", depID).Msg("running dependency")
		d.fire(ctx, depID, nil)
	}
	return d.fire(ctx, task.ID, event)
}

// dependencyOrder returns the never-run dependencies of root in execution
// order (dependencies before dependents). Cycles are configuration errors.
func (d *Dispatcher) dependencyOrder(root *Task) ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	type frame struct {
		id   string
		deps []string
		next int
	}
	state := map[string]int{root.ID: visiting}
	stack := []*frame{{id: root.ID, deps: root.Dependencies}}
	var order []string

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.deps) {
			state[top.id] = done
			stack = stack[:len(stack)-1]
			if top.id != root.ID {
				order = append(order, top.id)
			}
			continue
		}
		depID := top.deps[top.next]
		top.next++

		switch state[depID] {
		case visiting:
			path := make([]string, 0, len(stack)+1)
			inCycle := false
			for _, f := range stack {
				if f.id == depID {
					inCycle = true
				}
				if inCycle {
					path = append(path, f.id)
				}
			}
			path = append(path, depID)
			return nil, fmt.Errorf("%w: %w: %s", ErrConfiguration, ErrDependencyCycle, strings.Join(path, " -> "))
		case done:
			continue
		}

		dep, ok := d.store.Get(depID)
		if !ok {
			d.logger.Warn().Str("task_id", top.id).Str("dependency", depID).Msg("unknown dependency skipped")
			state[depID] = done
			continue
		}
		if dep.LastRun != nil {
			state[depID] = done
			continue
		}
		state[depID] = visiting
		stack = append(stack, &frame{id: depID, deps: dep.Dependencies})
	}
	return order, nil
}

// fire executes a single task without resolving its dependencies.
func (d *Dispatcher) fire(ctx context.Context, taskID string, event *eventPayload) *TaskResult {
	task, ok := d.store.Get(taskID)
	if !ok {
		return nil
	}
	admitted, exhausted := d.reserve(task.ID)
	if !admitted {
		if exhausted {
			d.disableExhausted(ctx, task.ID)
		} else {
			d.logger.Info().Str("task_id", task.ID).Msg("skipping firing, remaining runs already in flight")
		}
		return nil
	}
	defer d.unreserve(task.ID)

	runCtx, release := d.track(ctx, task.ID)
	defer release()

	result := &TaskResult{TaskID: task.ID, Status: StatusPending, StartTime: d.clock.Now()}
	params := task.ActionParams.Clone()
	if event != nil {
		params["event_data"] = event.data
	}
	req := ActionRequest{Name: task.Action, Params: params}

	logger := d.logger.With().Str("task_id", task.ID).Str("action", task.Action).Logger()
	logger.Info().Str("name", task.Name).Msg("executing task")
	result.Status = StatusRunning
	d.observer.ExecutionStarted(task)

	for {
		result.Attempts++
		value, err := d.registry.Invoke(runCtx, req)
		if err == nil {
			result.Status = StatusCompleted
			result.Result = value
			break
		}
		if runCtx.Err() != nil {
			result.Status = StatusCancelled
			result.Error = err.Error()
			break
		}
		logger.Error().Err(err).Int("attempt", result.Attempts).Msg("task attempt failed")
		if errors.Is(err, ErrUnknownAction) {
			result.Status = StatusFailed
			result.Error = err.Error()
			break
		}

		delay, retry := d.takeRetry(task.ID)
		if !retry {
			result.Status = StatusFailed
			result.Error = err.Error()
			break
		}
		d.persist(ctx)
		logger.Info().Dur("delay", delay).Msg("retrying task")
		if !d.wait(runCtx, delay) {
			result.Status = StatusCancelled
			result.Error = fmt.Sprintf("cancelled while waiting to retry: %v", err)
			break
		}
	}

	d.finalize(ctx, task, result)
	return result
}

// takeRetry consumes one unit of the task's retry budget when allowed.
func (d *Dispatcher) takeRetry(taskID string) (time.Duration, bool) {
	var (
		retry bool
		delay time.Duration
	)
	d.store.Update(taskID, func(t *Task) {
		if t.RetryOnFail && t.RetryCount > 0 {
			t.RetryCount--
			retry = true
			delay = time.Duration(t.RetryDelay) * time.Second
		}
	})
	return delay, retry
}

// wait suspends for delay; it reports false when ctx ends first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(delay):
		return true
	}
}

func (d *Dispatcher) finalize(ctx context.Context, task *Task, result *TaskResult) {
	ctx = context.WithoutCancel(ctx)
	end := d.clock.Now()
	result.EndTime = &end
	result.Duration = end.Sub(result.StartTime).Seconds()
	d.results.Append(ctx, result)

	exhausted := false
	updated, ok := d.store.Update(task.ID, func(t *Task) {
		start := result.StartTime
		t.LastRun = &start
		t.RunCount++
		if t.Exhausted() && t.Enabled {
			t.Enabled = false
			exhausted = true
		}
	})
	if !ok {
		updated = task
	}
	if exhausted && d.onExhausted != nil {
		d.onExhausted(task.ID)
	}
	d.persist(ctx)
	d.observer.ExecutionFinished(updated, result)

	event := d.logger.Info()
	if result.Status != StatusCompleted {
		event = d.logger.Warn()
	}
	event.Str("task_id", task.ID).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Float64("duration", result.Duration).
		Msg("task finished")
}

// reserve admits one firing of the task. Firings of a task with max_runs
// hold a reservation until finalize has counted them, so overlapping firings
// never run more than the remaining budget. exhausted is true when run_count
// alone already reached the cap.
func (d *Dispatcher) reserve(taskID string) (admitted, exhausted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.store.Get(taskID)
	if !ok {
		return false, false
	}
	if task.MaxRuns == nil {
		return true, false
	}
	if task.Exhausted() {
		return false, true
	}
	if task.RunCount+d.reserved[taskID] >= *task.MaxRuns {
		return false, false
	}
	d.reserved[taskID]++
	return true, false
}

func (d *Dispatcher) unreserve(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserved[taskID] <= 1 {
		delete(d.reserved, taskID)
		return
	}
	d.reserved[taskID]--
}

func (d *Dispatcher) disableExhausted(ctx context.Context, taskID string) {
	d.store.Update(taskID, func(t *Task) { t.Enabled = false })
	if d.onExhausted != nil {
		d.onExhausted(taskID)
	}
	d.logger.Info().Str("task_id", taskID).Msg("max runs reached, task disabled")
	d.persist(context.WithoutCancel(ctx))
}

func (d *Dispatcher) persist(ctx context.Context) {
	if err := d.store.Save(ctx); err != nil {
		d.logger.Error().Err(err).Msg("persist tasks")
		d.observer.PersistFailed(err)
	}
}

func (d *Dispatcher) track(ctx context.Context, taskID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.seq++
	id := d.seq
	runs := d.inflight[taskID]
	if runs == nil {
		runs = make(map[uint64]context.CancelFunc)
		d.inflight[taskID] = runs
	}
	runs[id] = cancel
	d.mu.Unlock()

	return runCtx, func() {
		cancel()
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(runs, id)
		if len(runs) == 0 && d.inflight[taskID] != nil && len(d.inflight[taskID]) == 0 {
			delete(d.inflight, taskID)
		}
	}
}

// InFlight returns how many executions of the task are running.
func (d *Dispatcher) InFlight(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight[taskID])
}

// Cancel cancels every in-flight execution of the task and returns how many
// were signalled.
func (d *Dispatcher) Cancel(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	runs := d.inflight[taskID]
	for _, cancel := range runs {
		cancel()
	}
	return len(runs)
}
