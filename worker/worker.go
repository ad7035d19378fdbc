package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInterval is the wait between timestamp emissions.
const DefaultInterval = 5 * time.Second

// TimestampFormat is the layout of emitted timestamp lines. Timestamps are
// always converted to UTC before formatting, so the literal Z suffix is
// accurate.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// ErrStopped is returned by operations on a worker after Stop has been called.
var ErrStopped = errors.New("worker is stopped")

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("worker")
}

// Worker holds a single immutable message and runs an unbounded periodic loop
// that emits the current UTC time at a fixed interval.
//
// The message query is served by a dedicated responder goroutine started at
// construction time, so queries never wait on the periodic loop's interval.
// The loop itself runs on whatever goroutine calls Tick, which must not be the
// goroutine driving queries, otherwise the caller starves for the length of
// the interval.
type Worker struct {
	log      *zap.SugaredLogger
	id       string
	message  string
	interval time.Duration
	out      io.Writer
	now      func() time.Time

	queries  chan chan string
	casts    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(w *Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.log = l.Named("worker").Sugar()
	}
}

// WithInterval sets the wait between timestamp emissions.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithOutput sets the destination for timestamp lines. Defaults to stdout.
func WithOutput(out io.Writer) Option {
	return func(w *Worker) {
		w.out = out
	}
}

// WithClock overrides the wall clock used for timestamp lines.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// New constructs a worker holding message and starts its query responder.
// The returned handle is addressable immediately; the periodic loop does not
// run until the caller invokes Tick.
func New(message string, opts ...Option) *Worker {
	w := &Worker{
		log:      defaultLogger,
		id:       uuid.NewString(),
		message:  message,
		interval: DefaultInterval,
		out:      os.Stdout,
		now:      time.Now,
		queries:  make(chan chan string),
		casts:    make(chan struct{}, 16),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("WorkerID", w.id)
	go w.respond()
	return w
}

// ID returns the worker's generated instance ID.
func (w *Worker) ID() string {
	return w.id
}

// respond serves queries and casts until Stop. It owns all worker state, and
// the message is read-only after construction, so no locking is needed.
func (w *Worker) respond() {
	for {
		select {
		case <-w.stop:
			w.log.Debug("responder stopped")
			return
		case reply := <-w.queries:
			reply <- w.message
		case <-w.casts:
			w.log.Info("received done signal")
		}
	}
}

// Message returns the message supplied at construction, unmodified. It is safe
// to call at any time from any goroutine, including while Tick is mid-wait.
func (w *Worker) Message(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	select {
	case w.queries <- reply:
	case <-w.stop:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case msg := <-reply:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done sends a fire-and-forget notification to the worker. The worker logs
// receipt and nothing else; in particular the periodic loop keeps running.
// Delivery is best-effort: if the responder is stopped or backed up, the
// signal is dropped.
func (w *Worker) Done() {
	select {
	case w.casts <- struct{}{}:
	default:
	}
}

// Tick runs the periodic loop: wait the configured interval, emit one line
// containing the current UTC wall-clock time, repeat. It blocks until ctx is
// canceled or the worker is stopped, and returns the reason.
func (w *Worker) Tick(ctx context.Context) error {
	w.log.Debugw("periodic loop started", "Interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return ErrStopped
		case <-ticker.C:
		}
		_, err := fmt.Fprintln(w.out, w.now().UTC().Format(TimestampFormat))
		if err != nil {
			return fmt.Errorf("writing timestamp: %w", err)
		}
	}
}

// Stop terminates the query responder and unblocks any in-flight Tick.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
