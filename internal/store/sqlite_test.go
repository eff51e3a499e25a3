package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taskflow/internal/core"
)

func openTestDB(t *testing.T, retention int) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"), retention, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteTasksRoundTrip(t *testing.T) {
	db := openTestDB(t, 0)
	ctx := context.Background()

	want := []*core.Task{sampleTask("cccc3333"), sampleTask("aaaa1111")}
	require.NoError(t, db.SaveTasks(ctx, want))
	got, err := db.LoadTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, db.SaveTasks(ctx, want[:1]))
	got, err = db.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "cccc3333", got[0].ID)
}

func TestSQLiteSkipsMalformedRows(t *testing.T) {
	db := openTestDB(t, 0)
	ctx := context.Background()
	require.NoError(t, db.SaveTasks(ctx, []*core.Task{sampleTask("good0001")}))
	_, err := db.DB.ExecContext(ctx, `INSERT INTO tasks (id, position, data, updated_at) VALUES ('junk', 5, '{oops', '')`)
	require.NoError(t, err)

	got, err := db.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")
	first, err := OpenSQLite(context.Background(), path, 10, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLite(context.Background(), path, 10, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()
	var count int
	require.NoError(t, second.DB.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestSQLiteResultsRetention(t *testing.T) {
	db := openTestDB(t, 3)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		end := start.Add(time.Duration(i)*time.Minute + time.Second)
		require.NoError(t, db.RecordResult(ctx, &core.TaskResult{
			TaskID:    "a",
			Status:    core.StatusCompleted,
			StartTime: start.Add(time.Duration(i) * time.Minute),
			EndTime:   &end,
			Duration:  1,
			Attempts:  1,
			Result:    map[string]any{"n": i},
		}))
	}
	require.NoError(t, db.RecordResult(ctx, &core.TaskResult{
		TaskID:    "b",
		Status:    core.StatusFailed,
		StartTime: start,
		Error:     "exit status 1",
		Attempts:  4,
	}))

	results, err := db.RecentResults(ctx, 100)
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, map[string]any{"n": float64(2)}, results[0].Result)
	require.Equal(t, map[string]any{"n": float64(4)}, results[2].Result)
	require.Equal(t, "b", results[3].TaskID)
	require.Equal(t, "exit status 1", results[3].Error)
	require.Nil(t, results[3].EndTime)
	require.Nil(t, results[3].Result)

	newest, err := db.RecentResults(ctx, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, "b", newest[0].TaskID)
}

func TestSQLiteBacksEngine(t *testing.T) {
	db := openTestDB(t, 0)
	engine, err := core.New(core.Options{Persister: db, ResultSink: db, Location: time.UTC, Logger: zerolog.Nop()})
	require.NoError(t, err)
	engine.RegisterAction("print", func(_ context.Context, p core.Params) (any, error) { return p["message"], nil })
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	id, err := engine.CreateTask(core.TaskSpec{
		Name:          "hello",
		Action:        "print",
		ActionParams:  core.Params{"message": "hi"},
		TriggerType:   core.TriggerEvent,
		TriggerConfig: map[string]any{"name": "greet"},
	})
	require.NoError(t, err)
	require.Len(t, engine.EmitEvent(context.Background(), "greet", nil), 1)

	results, err := db.RecentResults(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].TaskID)
	require.Equal(t, "hi", results[0].Result)

	tasks, err := db.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].RunCount)
}
