package natsx

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	b := NewBridge(nil, " jobs. ", 0, zerolog.Nop())
	require.Equal(t, "jobs.actions.web_audit", b.actionSubject("web_audit"))
	require.Equal(t, DefaultTimeout, b.timeout)

	name, ok := b.eventName("jobs.events.file.uploaded")
	require.True(t, ok)
	require.Equal(t, "file.uploaded", name)

	_, ok = b.eventName("jobs.events.")
	require.False(t, ok)
	_, ok = b.eventName("other.events.x")
	require.False(t, ok)

	require.Equal(t, "taskflow", NewBridge(nil, "", 0, zerolog.Nop()).prefix)
}

func TestDecodeReply(t *testing.T) {
	value, err := decodeReply([]byte(`{"result":{"pages":3}}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"pages": float64(3)}, value)

	_, err = decodeReply([]byte(`{"error":"renderer offline"}`))
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorContains(t, err, "renderer offline")

	_, err = decodeReply([]byte(`nope`))
	require.Error(t, err)
}

func TestDecodeEventData(t *testing.T) {
	require.Nil(t, decodeEventData(nil))
	require.Equal(t, map[string]any{"size": float64(10)}, decodeEventData([]byte(`{"size":10}`)))
	require.Equal(t, "plain text", decodeEventData([]byte("plain text")))
}
