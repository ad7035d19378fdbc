package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineRecorder captures emitted lines along with the local time each write
// landed, so tests can check cadence without parsing wall-clock output.
type lineRecorder struct {
	mut   sync.Mutex
	lines []string
	times []time.Time
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.lines = append(r.lines, strings.TrimRight(string(p), "\n"))
	r.times = append(r.times, time.Now())
	return len(p), nil
}

func (r *lineRecorder) snapshot() ([]string, []time.Time) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]string{}, r.lines...), append([]time.Time{}, r.times...)
}

func (r *lineRecorder) waitForLines(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		lines, _ := r.snapshot()
		if len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	lines, _ := r.snapshot()
	t.Fatalf("timed out waiting for %d lines, got %d", n, len(lines))
	return lines
}

func TestMessageFidelity(t *testing.T) {
	cases := []struct {
		name    string
		message string
	}{
		{name: "plain", message: "Hello World"},
		{name: "empty", message: ""},
		{name: "whitespace preserved", message: "  padded \t message \n"},
		{name: "unicode", message: "héllo wörld ✓ 日本語"},
		{name: "long", message: strings.Repeat("x", 64*1024)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := New(c.message, WithOutput(io.Discard))
			defer w.Stop()

			got, err := w.Message(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.message, got)
		})
	}
}

func TestIdempotentRequery(t *testing.T) {
	w := New("stable", WithOutput(io.Discard))
	defer w.Stop()

	for i := 0; i < 10; i++ {
		got, err := w.Message(context.Background())
		require.NoError(t, err)
		require.Equal(t, "stable", got)
	}
}

func TestQueryDoesNotWaitOnTick(t *testing.T) {
	w := New("fast answer", WithOutput(io.Discard), WithInterval(5*time.Second))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Tick(ctx)

	// Let the loop settle into its first wait, then query mid-interval.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	got, err := w.Message(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "fast answer", got)
	assert.Less(t, elapsed, 100*time.Millisecond, "query should not serialize with the periodic wait")
}

func TestTickCadence(t *testing.T) {
	interval := 100 * time.Millisecond
	rec := &lineRecorder{}
	w := New("cadence", WithOutput(rec), WithInterval(interval))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Tick(ctx)

	lines := rec.waitForLines(t, 4, 10*interval)
	cancel()
	require.GreaterOrEqual(t, len(lines), 2)

	var prev time.Time
	for i, line := range lines {
		ts, err := time.Parse(TimestampFormat, line)
		require.NoError(t, err, "line %d should be a timestamp: %q", i, line)
		if i > 0 {
			assert.True(t, ts.After(prev) || ts.Equal(prev), "timestamps should not go backwards")
		}
		prev = ts
	}

	_, times := rec.snapshot()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.InDelta(t, float64(interval), float64(gap), float64(80*time.Millisecond),
			"gap between emissions %d and %d", i-1, i)
	}
}

func TestDoneDoesNotStopLoop(t *testing.T) {
	rec := &lineRecorder{}
	w := New("still ticking", WithOutput(rec), WithInterval(30*time.Millisecond))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Tick(ctx)

	rec.waitForLines(t, 1, time.Second)
	w.Done()
	rec.waitForLines(t, 3, time.Second)

	got, err := w.Message(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still ticking", got)
}

func TestClockOverride(t *testing.T) {
	fixed := time.Date(2023, 4, 1, 12, 30, 45, 123456000, time.FixedZone("EST", -5*60*60))
	rec := &lineRecorder{}
	w := New("clock", WithOutput(rec), WithInterval(20*time.Millisecond), WithClock(func() time.Time { return fixed }))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Tick(ctx)

	lines := rec.waitForLines(t, 1, time.Second)
	// The zoned time must be rendered in UTC.
	assert.Equal(t, "2023-04-01T17:30:45.123456Z", lines[0])
}

func TestMessageAfterStop(t *testing.T) {
	w := New("gone", WithOutput(io.Discard))
	w.Stop()
	w.Stop() // must be safe to repeat

	_, err := w.Message(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopUnblocksTick(t *testing.T) {
	w := New("halt", WithOutput(io.Discard), WithInterval(time.Hour))

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Tick(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	w.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Tick did not return after Stop")
	}
}

func TestMessageContextCanceled(t *testing.T) {
	w := New("ctx", WithOutput(io.Discard))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Message(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// TestHelloWorldScenario walks the documented end-to-end scenario, scaled down
// from the 5-second default interval so it stays a unit test: after one
// interval a timestamp line exists and the query answers; after another, a
// later line exists and the query still answers.
func TestHelloWorldScenario(t *testing.T) {
	interval := 100 * time.Millisecond
	rec := &lineRecorder{}
	w := New("Hello World", WithOutput(rec), WithInterval(interval))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Tick(ctx)

	first := rec.waitForLines(t, 1, 10*interval)
	got, err := w.Message(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got)

	second := rec.waitForLines(t, 2, 10*interval)
	ts1, err := time.Parse(TimestampFormat, first[0])
	require.NoError(t, err)
	ts2, err := time.Parse(TimestampFormat, second[1])
	require.NoError(t, err)
	assert.True(t, ts2.After(ts1), "second emission should be later than the first")

	got, err = w.Message(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got)
}
