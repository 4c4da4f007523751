// Package dispatcher provides the single serialized execution context that
// owns every map mutation. Feed snapshots, location fixes, timer firings,
// tap events and the completions of slow lookups are all queued here and
// run one at a time on one goroutine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/livemap/internal/dispatcher"

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("dispatcher closed")

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures the dispatcher queue.
type Option func(*config)

type config struct {
	queueSize int
	logged    bool
}

// QueueSize sets how many tasks may wait for the loop.
func QueueSize(size int) Option {
	return func(c *config) {
		c.queueSize = size
	}
}

// Logged logs how long every task waited in the queue and how long it ran.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type task struct {
	name   string
	run    func()
	queued time.Time
}

// Dispatcher runs submitted work sequentially on a single goroutine.
type Dispatcher struct {
	cfg    config
	logger Logger

	queue   chan task
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a Dispatcher and starts its loop.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, opts ...Option) (*Dispatcher, error) {
	cfg := config{queueSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", cfg.queueSize)
	}

	d := &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan task, cfg.queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// global provider; no-op unless the host configured one
	m := otel.Meter(instrumentationName)

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of tasks waiting for the serialized context"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(d.queueSize, int64(len(d.queue)))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.tasks.processed",
		metric.WithDescription("Total tasks run on the serialized context"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.tasks.dropped",
		metric.WithDescription("Total tasks dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"dispatcher.tasks.failed",
		metric.WithDescription("Total tasks that panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	go d.loop()

	return d, nil
}

// Post queues fn to run on the serialized context.
func (d *Dispatcher) Post(name string, fn func()) error {
	return d.submit(d.newTask(name, fn))
}

// Do queues fn and waits until it has run. It must not be called from the
// serialized context itself.
func (d *Dispatcher) Do(name string, fn func()) error {
	ran := make(chan struct{})
	if err := d.submitBlocking(d.newTask(name, func() {
		defer close(ran)
		fn()
	})); err != nil {
		return err
	}

	select {
	case <-ran:
		return nil
	case <-d.stopped:
		return ErrClosed
	}
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Close stops the loop after the task in progress. Queued tasks are
// discarded. Close is idempotent.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		<-d.stopped
		return
	}
	close(d.done)
	<-d.stopped
}

func (d *Dispatcher) submit(t task) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- t:
		return nil
	default:
		d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task", t.name)))
		return fmt.Errorf("queue full: %s", t.name)
	}
}

func (d *Dispatcher) submitBlocking(t task) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- t:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)

	for {
		select {
		case <-d.done:
			return
		case t := <-d.queue:
			d.run(t)
		}
	}
}

func (d *Dispatcher) run(t task) {
	attrs := metric.WithAttributes(attribute.String("task", t.name))
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(context.Background(), 1, attrs)
			d.logger.Error("task panicked", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	t.run()
	d.processed.Add(context.Background(), 1, attrs)

	if d.cfg.logged {
		d.logger.Debug("task complete", "task", t.name, "queuedFor", start.Sub(t.queued), "duration", time.Since(start))
	}
}

func (d *Dispatcher) newTask(name string, fn func()) task {
	t := task{name: name, run: fn}
	if d.cfg.logged {
		t.queued = time.Now()
	}
	return t
}
