package worker

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStartAndLookup(t *testing.T) {
	r := NewRegistry()
	defer r.StopAll()

	w, err := r.Start("greeter", "hi", WithOutput(io.Discard))
	require.NoError(t, err)

	got, ok := r.Lookup("greeter")
	require.True(t, ok)
	assert.Same(t, w, got)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryDuplicateStart(t *testing.T) {
	r := NewRegistry()
	defer r.StopAll()

	first, err := r.Start("dup", "original", WithOutput(io.Discard))
	require.NoError(t, err)

	second, err := r.Start("dup", "impostor", WithOutput(io.Discard))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.Same(t, first, second, "collision must not create a second worker")

	// Either handle queries the original worker's message.
	for _, w := range []*Worker{first, second} {
		msg, err := w.Message(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "original", msg)
	}
}

func TestRegistryStop(t *testing.T) {
	r := NewRegistry()
	defer r.StopAll()

	w, err := r.Start("ephemeral", "bye", WithOutput(io.Discard))
	require.NoError(t, err)

	require.NoError(t, r.Stop("ephemeral"))
	_, err = w.Message(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	require.ErrorIs(t, r.Stop("ephemeral"), ErrNotRegistered)

	// The name is free for reuse after Stop.
	fresh, err := r.Start("ephemeral", "again", WithOutput(io.Discard))
	require.NoError(t, err)
	msg, err := fresh.Message(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "again", msg)
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry()

	a, err := r.Start("a", "a", WithOutput(io.Discard))
	require.NoError(t, err)
	b, err := r.Start("b", "b", WithOutput(io.Discard))
	require.NoError(t, err)

	r.StopAll()

	for _, w := range []*Worker{a, b} {
		_, err := w.Message(context.Background())
		require.ErrorIs(t, err, ErrStopped)
	}
	_, ok := r.Lookup("a")
	assert.False(t, ok)
}
