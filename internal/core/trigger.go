package core

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TriggerEngine turns timed triggers into cron entries. Event, condition and
// startup triggers are fired from outside and never get an entry.
type TriggerEngine struct {
	store    *TaskStore
	clock    Clock
	location *time.Location
	logger   zerolog.Logger

	// fire is invoked from the cron goroutine when an entry is due.
	fire func(taskID string)

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID
}

// NewTriggerEngine constructs a trigger engine evaluating schedules in location.
func NewTriggerEngine(store *TaskStore, clock Clock, location *time.Location, logger zerolog.Logger, fire func(taskID string)) *TriggerEngine {
	if location == nil {
		location = time.Local
	}
	if clock == nil {
		clock = SystemClock()
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &TriggerEngine{
		store:    store,
		clock:    clock,
		location: location,
		logger:   logger,
		fire:     fire,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins the cron loop.
func (t *TriggerEngine) Start() {
	t.cron.Start()
}

// Stop stops the cron loop; the returned context is done once running jobs return.
func (t *TriggerEngine) Stop() context.Context {
	return t.cron.Stop()
}

// Schedule registers (or re-registers) the task's entry and recomputes next_run.
// It is a no-op for triggers without a schedule.
func (t *TriggerEngine) Schedule(task *Task) error {
	schedule, err := BuildSchedule(task.TriggerType, task.TriggerConfig, t.location)
	if err != nil {
		return err
	}
	t.Unschedule(task.ID)
	if schedule == nil {
		return nil
	}

	next := schedule.Next(t.clock.Now().In(t.location))
	t.setNextRun(task.ID, next)
	if next.IsZero() {
		t.logger.Info().Str("task_id", task.ID).Msg("trigger has no future firing, not scheduled")
		return nil
	}

	taskID := task.ID
	job := func() {
		following := schedule.Next(t.clock.Now().In(t.location))
		t.setNextRun(taskID, following)
		if following.IsZero() {
			t.Unschedule(taskID)
		}
		t.fire(taskID)
	}
	entryID := t.cron.Schedule(schedule, cron.FuncJob(job))
	t.entryMu.Lock()
	t.entries[taskID] = entryID
	t.entryMu.Unlock()
	t.logger.Debug().Str("task_id", taskID).Time("next_run", next).Msg("task scheduled")
	return nil
}

// Unschedule removes the task's entry. Missing entries are ignored.
func (t *TriggerEngine) Unschedule(taskID string) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	if entryID, ok := t.entries[taskID]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, taskID)
	}
}

// Scheduled reports whether the task currently has a cron entry.
func (t *TriggerEngine) Scheduled(taskID string) bool {
	t.entryMu.RLock()
	defer t.entryMu.RUnlock()
	_, ok := t.entries[taskID]
	return ok
}

// Preview returns up to n upcoming firing times of a trigger definition.
func (t *TriggerEngine) Preview(triggerType TriggerType, config map[string]any, n int) ([]time.Time, error) {
	if err := ValidateTrigger(triggerType, config, t.location); err != nil {
		return nil, err
	}
	schedule, _ := BuildSchedule(triggerType, config, t.location)
	if schedule == nil || n <= 0 {
		return []time.Time{}, nil
	}
	return NextOccurrences(schedule, t.clock.Now().In(t.location), n), nil
}

func (t *TriggerEngine) setNextRun(taskID string, next time.Time) {
	t.store.Update(taskID, func(task *Task) {
		if next.IsZero() {
			task.NextRun = nil
			return
		}
		v := next
		task.NextRun = &v
	})
}
