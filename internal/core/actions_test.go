package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Params) (any, error) { return nil, nil }
	r.Register("print", noop)
	r.Register("backup", noop)
	r.Register("notify", noop)
	require.Equal(t, []string{"backup", "notify", "print"}, r.Names())
	require.True(t, r.Has("notify"))
	require.False(t, r.Has("send_message"))
}

func TestRegistryInvokeWrapsFailures(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("fail", func(context.Context, Params) (any, error) { return nil, boom })
	r.Register("panic", func(context.Context, Params) (any, error) { panic("kaput") })
	r.Register("echo", func(_ context.Context, p Params) (any, error) { return p["v"], nil })

	_, err := r.Invoke(context.Background(), ActionRequest{Name: "fail"})
	require.ErrorIs(t, err, ErrExecution)
	require.ErrorIs(t, err, boom)

	_, err = r.Invoke(context.Background(), ActionRequest{Name: "panic"})
	require.ErrorIs(t, err, ErrExecution)
	require.Contains(t, err.Error(), "kaput")

	out, err := r.Invoke(context.Background(), ActionRequest{Name: "echo", Params: Params{"v": 7}})
	require.NoError(t, err)
	require.Equal(t, 7, out)
}
