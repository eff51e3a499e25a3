package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPingScenario(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.CreateTask(TaskSpec{
		Name:          "ping",
		Action:        "print",
		ActionParams:  Params{"message": "pong"},
		TriggerType:   TriggerInterval,
		TriggerConfig: map[string]any{"minutes": 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tasks := env.engine.ListTasks(false)
	require.Len(t, tasks, 1)
	require.Equal(t, id, tasks[0].ID)
	require.Equal(t, 0, tasks[0].RunCount)
	require.True(t, env.engine.triggers.Scheduled(id))
	require.NotNil(t, tasks[0].NextRun)
	require.Equal(t, env.clock.Now().Add(time.Minute), *tasks[0].NextRun)

	env.engine.fireScheduled(id)
	env.engine.wg.Wait()

	task, ok := env.engine.GetTask(id)
	require.True(t, ok)
	require.Equal(t, 1, task.RunCount)
	require.NotNil(t, task.LastRun)

	results := env.engine.Results(ResultFilter{TaskID: id})
	require.Len(t, results, 1)
	require.Equal(t, "pong", results[0].Result)
	stats, ok := env.engine.TaskStats(id)
	require.True(t, ok)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1.0, stats.SuccessRate)
}

func TestCreateTaskDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, TaskSpec{Name: "defaults", Tags: []string{"ops"}})
	task, _ := env.engine.GetTask(id)
	require.Len(t, id, 8)
	require.True(t, task.Enabled)
	require.True(t, task.RetryOnFail)
	require.Equal(t, DefaultRetryCount, task.RetryCount)
	require.Equal(t, DefaultRetryDelay, task.RetryDelay)
	require.Equal(t, env.clock.Now(), task.CreatedAt)

	invalid := []TaskSpec{
		{Name: "", Action: "record", TriggerType: TriggerStartup},
		{Name: "x", Action: "nope", TriggerType: TriggerStartup},
		{Name: "x", Action: "record", TriggerType: "hourly"},
		{Name: "x", Action: "record", TriggerType: TriggerInterval, TriggerConfig: map[string]any{}},
		{Name: "x", Action: "record", TriggerType: TriggerCron, TriggerConfig: map[string]any{"hour": 25}},
		{Name: "x", Action: "record", TriggerType: TriggerCondition, TriggerConfig: map[string]any{"expression": "vars.a +"}},
		{Name: "x", Action: "record", TriggerType: TriggerCondition, TriggerConfig: map[string]any{"expression": "'text'"}},
	}
	for _, spec := range invalid {
		_, err := env.engine.CreateTask(spec)
		require.ErrorIs(t, err, ErrConfiguration, "spec %+v", spec)
	}
	require.Len(t, env.engine.ListTasks(false), 1)

	_, err := env.engine.AddTask(task)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, TaskSpec{Name: "a", Tags: []string{"backup"}})
	env.clock.now = env.clock.now.Add(time.Second)
	b := env.createTask(t, TaskSpec{Name: "b", Tags: []string{"report"}, Enabled: boolPtr(false)})
	env.clock.now = env.clock.now.Add(time.Second)
	c := env.createTask(t, TaskSpec{Name: "c"})

	ids := func(tasks []*Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}
	require.Equal(t, []string{a, b, c}, ids(env.engine.ListTasks(false)))
	require.Equal(t, []string{a, c}, ids(env.engine.ListTasks(true)))
	require.Equal(t, []string{a, b}, ids(env.engine.ListTasks(false, "backup", "report")))
	require.Equal(t, []string{b}, ids(env.engine.ListTasks(false, "report")))
}

func TestEnableDisableReschedules(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.ScheduleDaily("record", 6, 15, nil, "")
	require.NoError(t, err)
	task, _ := env.engine.GetTask(id)
	require.Equal(t, "daily_record", task.Name)
	require.True(t, env.engine.triggers.Scheduled(id))
	require.Equal(t, time.Date(2025, 3, 11, 6, 15, 0, 0, time.UTC), *task.NextRun)

	require.True(t, env.engine.DisableTask(id))
	require.False(t, env.engine.triggers.Scheduled(id))
	require.True(t, env.engine.EnableTask(id))
	require.True(t, env.engine.triggers.Scheduled(id))

	require.False(t, env.engine.DisableTask("missing"))
	require.False(t, env.engine.EnableTask("missing"))
	require.True(t, env.engine.RemoveTask(id))
	require.False(t, env.engine.triggers.Scheduled(id))
	require.False(t, env.engine.RemoveTask(id))
}

func TestScheduleOnce(t *testing.T) {
	env := newTestEnv(t)
	future := env.clock.Now().Add(2 * time.Hour)
	id, err := env.engine.ScheduleOnce("record", future, Params{"x": 1}, "")
	require.NoError(t, err)
	task, _ := env.engine.GetTask(id)
	require.Equal(t, "once_record", task.Name)
	require.Equal(t, 1, *task.MaxRuns)
	require.True(t, future.Equal(*task.NextRun))

	past := env.clock.Now().Add(-time.Hour)
	id, err = env.engine.ScheduleOnce("record", past, nil, "late")
	require.NoError(t, err)
	task, _ = env.engine.GetTask(id)
	require.Nil(t, task.NextRun)
	require.False(t, env.engine.triggers.Scheduled(id))

	id, err = env.engine.ScheduleInterval("record", 15, nil, "")
	require.NoError(t, err)
	task, _ = env.engine.GetTask(id)
	require.Equal(t, "interval_record", task.Name)
	require.Equal(t, map[string]any{"minutes": 15}, task.TriggerConfig)
}

func TestScheduledFiringsCoalesce(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxInstances = 1 })
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	env.engine.RegisterAction("slow", func(ctx context.Context, _ Params) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	id := env.createTask(t, TaskSpec{Action: "slow"})

	env.engine.fireScheduled(id)
	<-started
	env.engine.fireScheduled(id)
	env.engine.fireScheduled(id)
	close(release)
	env.engine.wg.Wait()

	task, _ := env.engine.GetTask(id)
	require.Equal(t, 1, task.RunCount)
}

func TestPersistenceRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, TaskSpec{
		Name:          "report",
		TriggerType:   TriggerCron,
		TriggerConfig: map[string]any{"hour": 8, "minute": 0},
		ActionParams:  Params{"format": "pdf"},
		MaxRuns:       intPtr(10),
		Tags:          []string{"weekly"},
	})
	_, err := env.engine.RunTask(context.Background(), id)
	require.NoError(t, err)
	before, _ := env.engine.GetTask(id)

	restored, err := New(Options{Persister: env.persister, Clock: env.clock, Location: time.UTC, Logger: zerolog.Nop()})
	require.NoError(t, err)
	restored.RegisterAction("record", env.rec.handle)
	require.NoError(t, restored.Start(context.Background()))
	t.Cleanup(func() { restored.Stop(context.Background()) })

	after, ok := restored.GetTask(id)
	require.True(t, ok)
	require.Equal(t, before.TriggerType, after.TriggerType)
	require.Equal(t, before.Action, after.Action)
	require.Equal(t, before.ActionParams, after.ActionParams)
	require.Equal(t, 1, after.RunCount)
	require.Equal(t, before.Enabled, after.Enabled)
	require.Equal(t, before.Tags, after.Tags)
	require.True(t, restored.triggers.Scheduled(id))
}

func TestStartRunsStartupTasks(t *testing.T) {
	env := newTestEnv(t)
	boot := env.createTask(t, TaskSpec{Name: "boot", TriggerType: TriggerStartup})
	env.createTask(t, TaskSpec{Name: "off", TriggerType: TriggerStartup, Enabled: boolPtr(false)})

	require.NoError(t, env.engine.Start(context.Background()))
	env.engine.Stop(context.Background())

	calls := env.rec.Calls()
	require.Len(t, calls, 1)
	task, _ := env.engine.GetTask(boot)
	require.Equal(t, 1, task.RunCount)
	require.GreaterOrEqual(t, env.persister.SaveCount(), 3)
}

type failingPersister struct{ MemoryPersister }

func (f *failingPersister) SaveTasks(context.Context, []*Task) error {
	return errors.New("read-only filesystem")
}

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Persister = &failingPersister{} })
	id := env.createTask(t, TaskSpec{})
	res, err := env.engine.RunTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	err = env.engine.store.Save(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
}

func TestCheckConditions(t *testing.T) {
	env := newTestEnv(t)
	hot := env.createTask(t, TaskSpec{
		Name:          "hot",
		TriggerType:   TriggerCondition,
		TriggerConfig: map[string]any{"expression": "vars.cpu > 90.0"},
	})
	env.createTask(t, TaskSpec{
		Name:          "disk",
		TriggerType:   TriggerCondition,
		TriggerConfig: map[string]any{"expression": "vars.disk_free < 10.0"},
	})

	results := env.engine.CheckConditions(context.Background(), map[string]any{"cpu": 97.5, "disk_free": 55.0})
	require.Len(t, results, 1)
	require.Equal(t, hot, results[0].TaskID)
	require.Equal(t, map[string]any{"cpu": 97.5, "disk_free": 55.0}, env.rec.Calls()[0]["event_data"])

	// Missing keys are evaluation errors and skip the task.
	require.Empty(t, env.engine.CheckConditions(context.Background(), map[string]any{}))
}

func TestPreviewTrigger(t *testing.T) {
	env := newTestEnv(t)
	times, err := env.engine.PreviewTrigger(TriggerInterval, map[string]any{"minutes": 30}, 3)
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		env.clock.Now().Add(30 * time.Minute),
		env.clock.Now().Add(60 * time.Minute),
		env.clock.Now().Add(90 * time.Minute),
	}, times)

	times, err = env.engine.PreviewTrigger(TriggerEvent, map[string]any{"name": "x"}, 3)
	require.NoError(t, err)
	require.Empty(t, times)

	_, err = env.engine.PreviewTrigger(TriggerCron, map[string]any{"expression": "bad"}, 3)
	require.ErrorIs(t, err, ErrConfiguration)
}
