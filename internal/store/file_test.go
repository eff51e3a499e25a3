package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taskflow/internal/core"
)

func sampleTask(id string) *core.Task {
	last := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	maxRuns := 5
	return &core.Task{
		ID:            id,
		Name:          "backup " + id,
		Description:   "nightly copy",
		TriggerType:   core.TriggerCron,
		TriggerConfig: map[string]any{"hour": int64(2), "minute": int64(30)},
		Action:        "backup",
		ActionParams:  core.Params{"source": "/srv/data", "destination": "/mnt/backup"},
		Enabled:       true,
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		LastRun:       &last,
		RunCount:      3,
		MaxRuns:       &maxRuns,
		RetryOnFail:   false,
		RetryCount:    1,
		RetryDelay:    30,
		Tags:          []string{"ops"},
		Dependencies:  []string{"prep0001"},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "scheduled_tasks.json")
	fs, err := NewFileStore(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	tasks, err := fs.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)

	want := []*core.Task{sampleTask("aaaa1111"), sampleTask("bbbb2222")}
	require.NoError(t, fs.SaveTasks(context.Background(), want))
	_, err = os.Stat(path + ".tmp")
	require.ErrorIs(t, err, os.ErrNotExist)

	got, err := fs.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	var snap map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Contains(t, snap, "saved_at")
	require.Len(t, snap["tasks"], 2)
}

func TestFileStoreKeepsNumericParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	fs, err := NewFileStore(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	task := sampleTask("dddd4444")
	task.ActionParams = core.Params{
		"chat_id": int64(9007199254740993),
		"ratio":   0.25,
		"nested":  map[string]any{"ids": []any{int64(1), int64(2)}},
	}
	require.NoError(t, fs.SaveTasks(context.Background(), []*core.Task{task}))

	got, err := fs.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(9007199254740993), got[0].ActionParams["chat_id"])
	require.Equal(t, 0.25, got[0].ActionParams["ratio"])
	require.Equal(t, map[string]any{"ids": []any{int64(1), int64(2)}}, got[0].ActionParams["nested"])
}

func TestFileStoreZeroMaxRunsIsUnlimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	raw := `{"tasks": [{"id": "zero0001", "name": "z", "trigger_type": "startup", "action": "print", "max_runs": 0}]}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	fs, err := NewFileStore(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	tasks, err := fs.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Nil(t, tasks[0].MaxRuns)
	require.False(t, tasks[0].Exhausted())
}

func TestFileStoreSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	raw := `{
		"tasks": [
			{"id": "good0001", "name": "ok", "trigger_type": "interval", "trigger_config": {"minutes": 5},
			 "action": "print", "action_params": {}, "created_at": "2025-01-01T09:00:00"},
			{"id": "bad00001", "trigger_type": "fortnightly"},
			"not an object",
			{"name": "no id", "trigger_type": "startup"},
			{"id": "bad00002", "trigger_type": "date", "last_run": "yesterday"}
		],
		"saved_at": "2025-01-02T00:00:00Z"
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	loc := time.FixedZone("WAW", 3600)
	fs, err := NewFileStore(path, loc, zerolog.Nop())
	require.NoError(t, err)

	tasks, err := fs.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	require.Equal(t, "good0001", task.ID)
	require.True(t, task.Enabled)
	require.True(t, task.RetryOnFail)
	require.Equal(t, core.DefaultRetryCount, task.RetryCount)
	require.Equal(t, core.DefaultRetryDelay, task.RetryDelay)
	require.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), task.CreatedAt.UTC())
	require.Nil(t, task.LastRun)
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))
	fs, err := NewFileStore(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	_, err = fs.LoadTasks(context.Background())
	require.Error(t, err)

	_, err = NewFileStore("  ", time.UTC, zerolog.Nop())
	require.Error(t, err)
}

func TestFileStoreWithEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	newEngine := func() *core.Engine {
		fs, err := NewFileStore(path, time.UTC, zerolog.Nop())
		require.NoError(t, err)
		engine, err := core.New(core.Options{Persister: fs, Location: time.UTC, Logger: zerolog.Nop()})
		require.NoError(t, err)
		engine.RegisterAction("print", func(_ context.Context, p core.Params) (any, error) { return p["message"], nil })
		require.NoError(t, engine.Start(context.Background()))
		t.Cleanup(func() { engine.Stop(context.Background()) })
		return engine
	}

	first := newEngine()
	id, err := first.ScheduleInterval("print", 10, core.Params{"message": "hi"}, "greeter")
	require.NoError(t, err)
	_, err = first.RunTask(context.Background(), id)
	require.NoError(t, err)
	first.Stop(context.Background())

	second := newEngine()
	task, ok := second.GetTask(id)
	require.True(t, ok)
	require.Equal(t, "greeter", task.Name)
	require.Equal(t, 1, task.RunCount)
	require.Equal(t, core.Params{"message": "hi"}, task.ActionParams)
	require.NotNil(t, task.NextRun)
}
