package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastToBaseAndSubscribers(t *testing.T) {
	base := &bytes.Buffer{}
	b := NewTickBroadcaster(base)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	n, err := b.Write([]byte("tick one\n"))
	require.NoError(t, err)
	assert.Equal(t, len("tick one\n"), n)

	assert.Equal(t, "tick one\n", base.String())
	assert.Equal(t, "tick one", <-sub)
}

func TestBroadcastNoSubscribers(t *testing.T) {
	base := &bytes.Buffer{}
	b := NewTickBroadcaster(base)

	_, err := b.Write([]byte("lonely\n"))
	require.NoError(t, err)
	assert.Equal(t, "lonely\n", base.String())
}

func TestBroadcastSlowSubscriberDropsLines(t *testing.T) {
	base := &bytes.Buffer{}
	b := NewTickBroadcaster(base)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overfill the subscriber's buffer; writes must not block and the base
	// writer must receive every line.
	for i := 0; i < 100; i++ {
		_, err := b.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, bytes.Count(base.Bytes(), []byte("line\n")))
	assert.Equal(t, cap(sub), len(sub))
}

func TestBroadcastUnsubscribe(t *testing.T) {
	b := NewTickBroadcaster(&bytes.Buffer{})

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, err := b.Write([]byte("after\n"))
	require.NoError(t, err)
	assert.Empty(t, sub)
}
