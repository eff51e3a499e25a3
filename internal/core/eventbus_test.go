package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitFansOutInSubscriptionOrder(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		ids = append(ids, env.createTask(t, TaskSpec{Name: name, ActionParams: Params{"who": name}}))
	}
	disabled := env.createTask(t, TaskSpec{Name: "off", Enabled: boolPtr(false)})
	for _, id := range []string{ids[0], disabled, ids[1], ids[2]} {
		require.NoError(t, env.engine.OnEvent("x", id))
	}

	data := map[string]any{"level": 3}
	results := env.engine.EmitEvent(context.Background(), "x", data)
	require.Len(t, results, 3)

	calls := env.rec.Calls()
	require.Len(t, calls, 3)
	for i, name := range []string{"first", "second", "third"} {
		require.Equal(t, name, calls[i]["who"])
		require.Equal(t, data, calls[i]["event_data"])
		require.Equal(t, ids[i], results[i].TaskID)
	}
}

func TestEmitContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.engine.RegisterAction("broken", func(context.Context, Params) (any, error) {
		return nil, errors.New("broken subscriber")
	})
	bad := env.createTask(t, TaskSpec{Action: "broken", RetryOnFail: boolPtr(false)})
	good := env.createTask(t, TaskSpec{})
	require.NoError(t, env.engine.OnEvent("deploy", bad))
	require.NoError(t, env.engine.OnEvent("deploy", good))

	results := env.engine.EmitEvent(context.Background(), "deploy", nil)
	require.Len(t, results, 2)
	require.Equal(t, StatusFailed, results[0].Status)
	require.Equal(t, StatusCompleted, results[1].Status)
}

func TestEventTriggerAutoSubscribes(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, TaskSpec{TriggerType: TriggerEvent, TriggerConfig: map[string]any{"name": "file_saved"}})
	require.Equal(t, []string{id}, env.engine.Subscriptions()["file_saved"])

	env.engine.EmitEvent(context.Background(), "file_saved", "notes.md")
	require.Len(t, env.rec.Calls(), 1)

	require.True(t, env.engine.RemoveTask(id))
	require.NotContains(t, env.engine.Subscriptions(), "file_saved")
	require.Empty(t, env.engine.EmitEvent(context.Background(), "file_saved", nil))
}

func TestDuplicateSubscriptionsFireTwice(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, TaskSpec{})
	require.NoError(t, env.engine.OnEvent("tick", id))
	require.NoError(t, env.engine.OnEvent("tick", id))

	results := env.engine.EmitEvent(context.Background(), "tick", 1)
	require.Len(t, results, 2)
	require.ErrorIs(t, env.engine.OnEvent("tick", "missing"), ErrTaskNotFound)
}
