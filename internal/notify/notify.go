// Package notify delivers event notifications to registered listeners off
// the writer's call path.
//
// The space hands each notification to a Dispatcher, whose job ends the
// moment a worker has passed it to the Notifier transport. Transports own
// their retry policy; a final failure is reported back to the dispatcher,
// logged and counted, and never rolls back the write that caused it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/tuple"
)

var (
	// ErrQueueFull is returned by Submit when the dispatch buffer is full.
	ErrQueueFull = errors.New("notification queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")

	// ErrUnknownListener is returned by a transport that cannot resolve a
	// listener reference.
	ErrUnknownListener = errors.New("unknown listener")
)

// Event tells a listener that an entry matching its registration became
// visible. Seq increases strictly per registration.
type Event struct {
	RegistrationID string      `json:"registration_id"`
	Seq            uint64      `json:"seq"`
	EntryCookie    string      `json:"entry_cookie"`
	Type           string      `json:"type"`
	Entry          tuple.Entry `json:"entry"`
	Handback       []byte      `json:"handback,omitempty"`
}

// Notifier is a notification transport.
type Notifier interface {
	Deliver(ctx context.Context, listener string, ev Event) error
}

// DeliveryError wraps a transport failure with the listener and event.
type DeliveryError struct {
	Listener       string
	RegistrationID string
	Seq            uint64
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %d of %s to %s: %v", e.Seq, e.RegistrationID, e.Listener, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config sizes a Dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	// DrainTimeout bounds how long Close waits for buffered events before
	// cancelling deliveries still in flight.
	DrainTimeout time.Duration
}

type job struct {
	listener string
	event    Event
}

// Dispatcher runs a fixed pool of delivery workers fed by a bounded buffer.
type Dispatcher struct {
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan job

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the collectors the dispatcher reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher. Start must be called before events
// are delivered; events submitted earlier wait in the buffer.
func NewDispatcher(n Notifier, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		notifier: n,
		cfg:      cfg,
		logger:   slog.Default(),
		jobs:     make(chan job, cfg.QueueSize),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool. Calling it again does nothing.
func (d *Dispatcher) Start() {
	d.started.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Submit queues an event for delivery without blocking.
func (d *Dispatcher) Submit(listener string, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- job{listener: listener, event: ev}:
		d.metrics.Notification("queued")
		return nil
	default:
		d.metrics.Notification("dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and lets the workers drain the buffer for
// up to DrainTimeout. Deliveries still running after that are cancelled,
// so a listener that never reads cannot hold Close. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.Start() // drain even if never started
	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Warn("notification drain timed out, cancelling deliveries",
			"timeout", d.cfg.DrainTimeout, "undelivered", len(d.jobs))
		d.cancel()
		<-drained
	}
	d.cancel()
}

// Abort stops delivery without draining.
func (d *Dispatcher) Abort() {
	d.cancel()
	d.Close()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		if d.ctx.Err() != nil {
			d.metrics.Notification("dropped")
			d.logger.Warn("notification abandoned",
				"registration", j.event.RegistrationID, "seq", j.event.Seq, "listener", j.listener)
			continue
		}
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Notification("failed")
			d.logger.Error("notifier panicked", "listener", j.listener, "panic", r)
		}
	}()
	if err := d.notifier.Deliver(d.ctx, j.listener, j.event); err != nil {
		d.metrics.Notification("failed")
		derr := &DeliveryError{Listener: j.listener, RegistrationID: j.event.RegistrationID, Seq: j.event.Seq, Err: err}
		d.logger.Error("notification delivery failed",
			"registration", j.event.RegistrationID, "seq", j.event.Seq, "listener", j.listener, "error", derr)
		return
	}
	d.metrics.Notification("delivered")
}
