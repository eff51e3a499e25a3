package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkflowBranching(t *testing.T) {
	tests := []struct {
		name    string
		aFails  bool
		results int
	}{
		{name: "success continues to B", results: 2},
		{name: "failure stops", aFails: true, results: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.engine.RegisterAction("a", func(context.Context, Params) (any, error) {
				if tt.aFails {
					return nil, errors.New("a failed")
				}
				return "a", nil
			})
			a := env.createTask(t, TaskSpec{Action: "a", RetryOnFail: boolPtr(false)})
			b := env.createTask(t, TaskSpec{})

			wfID, err := env.engine.CreateWorkflow("pipeline", "", []Step{
				StepAt(a, GoTo(1), Stop()),
				StepAt(b, Stop(), Stop()),
			})
			require.NoError(t, err)

			results := env.engine.RunWorkflow(context.Background(), wfID)
			require.Len(t, results, tt.results)
			require.Equal(t, a, results[0].TaskID)
			if tt.results == 2 {
				require.Equal(t, b, results[1].TaskID)
			}
		})
	}
}

func TestWorkflowNamedStepsAndNext(t *testing.T) {
	env := newTestEnv(t)
	env.engine.RegisterAction("fail", func(context.Context, Params) (any, error) {
		return nil, errors.New("fail")
	})
	check := env.createTask(t, TaskSpec{Action: "fail", RetryOnFail: boolPtr(false)})
	skipped := env.createTask(t, TaskSpec{})
	cleanup := env.createTask(t, TaskSpec{})
	report := env.createTask(t, TaskSpec{})

	steps := []Step{
		{TaskID: check, OnSuccess: Next(), OnFailure: GoToStep("cleanup")},
		{TaskID: skipped},
		{TaskID: cleanup, Name: "cleanup", OnSuccess: Next()},
		{TaskID: report, OnSuccess: GoToStep("missing")},
	}
	wfID, err := env.engine.CreateWorkflow("recover", "jump on failure", steps)
	require.NoError(t, err)

	results := env.engine.RunWorkflow(context.Background(), wfID)
	var got []string
	for _, r := range results {
		got = append(got, r.TaskID)
	}
	require.Equal(t, []string{check, cleanup, report}, got)
}

func TestWorkflowStepCeiling(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxWorkflowSteps = 10 })
	loop := env.createTask(t, TaskSpec{})
	wfID, err := env.engine.CreateWorkflow("loop", "", []Step{StepAt(loop, GoTo(0), Stop())})
	require.NoError(t, err)

	results := env.engine.RunWorkflow(context.Background(), wfID)
	require.Len(t, results, 10)
}

func TestWorkflowMissingTaskFollowsFailure(t *testing.T) {
	env := newTestEnv(t)
	after := env.createTask(t, TaskSpec{})
	wfID, err := env.engine.CreateWorkflow("gap", "", []Step{
		StepAt("deleted1", Stop(), Next()),
		StepAt(after, Stop(), Stop()),
	})
	require.NoError(t, err)

	results := env.engine.RunWorkflow(context.Background(), wfID)
	require.Len(t, results, 1)
	require.Equal(t, after, results[0].TaskID)
}

func TestWorkflowValidationAndLookup(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CreateWorkflow("empty", "", nil)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = env.engine.CreateWorkflow("blank", "", []Step{{TaskID: ""}})
	require.ErrorIs(t, err, ErrConfiguration)

	require.Nil(t, env.engine.RunWorkflow(context.Background(), "nope"))

	id := env.createTask(t, TaskSpec{})
	wfID, err := env.engine.CreateWorkflow("one", "", []Step{StepAt(id, Stop(), Stop())})
	require.NoError(t, err)
	wf, ok := env.engine.GetWorkflow(wfID)
	require.True(t, ok)
	require.Equal(t, "one", wf.Name)
	require.Len(t, env.engine.ListWorkflows(), 1)

	env.engine.workflows.SetEnabled(wfID, false)
	require.Empty(t, env.engine.RunWorkflow(context.Background(), wfID))
}

func TestSelectorJSON(t *testing.T) {
	var steps []Step
	raw := `[
		{"task_id": "a", "on_success": 2, "on_failure": null},
		{"task_id": "b", "on_success": "next", "on_failure": "stop"},
		{"task_id": "c", "on_success": "cleanup"},
		{"task_id": "d", "name": "cleanup"}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &steps))
	require.Equal(t, GoTo(2), steps[0].OnSuccess)
	require.Equal(t, Stop(), steps[0].OnFailure)
	require.Equal(t, Next(), steps[1].OnSuccess)
	require.Equal(t, Stop(), steps[1].OnFailure)
	require.Equal(t, GoToStep("cleanup"), steps[2].OnSuccess)
	require.Equal(t, Stop(), steps[3].OnSuccess)

	out, err := json.Marshal(steps[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"a","on_success":2,"on_failure":null}`, string(out))

	var bad Selector
	require.Error(t, json.Unmarshal([]byte(`1.5`), &bad))
	require.Error(t, json.Unmarshal([]byte(`{}`), &bad))
}
