package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waited []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waited = append(c.waited, d)
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waited...)
}

// recorder is an action that remembers the params of every call.
type recorder struct {
	mu    sync.Mutex
	calls []Params
	err   error
}

func (r *recorder) handle(ctx context.Context, params Params) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, params)
	if r.err != nil {
		return nil, r.err
	}
	return len(r.calls), nil
}

func (r *recorder) Calls() []Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Params(nil), r.calls...)
}

type testEnv struct {
	engine    *Engine
	clock     *fakeClock
	persister *MemoryPersister
	rec       *recorder
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:     newFakeClock(),
		persister: &MemoryPersister{},
		rec:       &recorder{},
	}
	opts := Options{
		Persister: env.persister,
		Clock:     env.clock,
		Logger:    zerolog.Nop(),
		Location:  time.UTC,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine, err := New(opts)
	require.NoError(t, err)
	engine.RegisterAction("record", env.rec.handle)
	engine.RegisterAction("print", func(ctx context.Context, params Params) (any, error) {
		return params["message"], nil
	})
	env.engine = engine
	return env
}

func (env *testEnv) createTask(t *testing.T, spec TaskSpec) string {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "task"
	}
	if spec.Action == "" {
		spec.Action = "record"
	}
	if spec.TriggerType == "" {
		spec.TriggerType = TriggerEvent
		spec.TriggerConfig = map[string]any{"name": "unused"}
	}
	id, err := env.engine.CreateTask(spec)
	require.NoError(t, err)
	return id
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
