package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/queue"
)

// Handler removes the resource behind an expired lease and records the
// removal durably.
type Handler func(ctx context.Context, l Lease) error

// ExpirationQueue is the single worker that processes expired leases.
//
// Enqueue is non-blocking and safe from the timing path. Run dequeues one
// lease at a time and calls the handler; a handler error (or panic) is
// logged and the worker moves on, so one failed persistence never halts
// the pipeline.
type ExpirationQueue struct {
	pending   *queue.Queue[Lease]
	handle    Handler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	warnDepth int

	started   atomic.Bool
	warned    atomic.Bool
	done      chan struct{}
	interrupt chan struct{}
	stopOnce  sync.Once
	intOnce   sync.Once
}

// QueueOption configures an ExpirationQueue.
type QueueOption func(*ExpirationQueue)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *ExpirationQueue) { q.logger = l }
}

// WithMetrics sets the collectors the worker reports to.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *ExpirationQueue) { q.metrics = m }
}

// WithWarnDepth logs a warning when the backlog exceeds n.
func WithWarnDepth(n int) QueueOption {
	return func(q *ExpirationQueue) { q.warnDepth = n }
}

// NewExpirationQueue creates a queue whose worker calls handle.
func NewExpirationQueue(handle Handler, opts ...QueueOption) *ExpirationQueue {
	q := &ExpirationQueue{
		pending:   queue.New[Lease](),
		handle:    handle,
		logger:    slog.Default(),
		warnDepth: 1024,
		done:      make(chan struct{}),
		interrupt: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue hands an expired lease to the worker. It never blocks. After
// Terminate the lease is refused and false is returned.
func (q *ExpirationQueue) Enqueue(l Lease) bool {
	if !q.pending.Enqueue(l) {
		q.logger.Warn("expiration refused after terminate",
			"cookie", l.Cookie, "kind", l.Kind.String())
		return false
	}
	depth := q.pending.Len()
	q.metrics.ExpirationQueueDepth(depth)
	if q.warnDepth > 0 && depth > q.warnDepth {
		if q.warned.CompareAndSwap(false, true) {
			q.logger.Warn("expiration queue backlog", "depth", depth, "threshold", q.warnDepth)
		}
	} else {
		q.warned.Store(false)
	}
	return true
}

// Len returns the backlog.
func (q *ExpirationQueue) Len() int {
	return q.pending.Len()
}

// Run is the worker loop. It returns nil after Terminate once the backlog
// is drained, nil after Interrupt, or ctx.Err() when ctx is cancelled.
func (q *ExpirationQueue) Run(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return fmt.Errorf("expiration queue already running")
	}
	defer close(q.done)

	q.logger.Info("expiration queue starting")
	for {
		select {
		case <-q.interrupt:
			q.warnUndrained("interrupted")
			return nil
		default:
		}

		if l, ok := q.pending.TryDequeue(); ok {
			q.process(ctx, l)
			continue
		}
		if q.pending.Closed() {
			q.logger.Info("expiration queue stopping: drained")
			return nil
		}

		select {
		case <-ctx.Done():
			q.warnUndrained("context cancelled")
			return ctx.Err()
		case <-q.interrupt:
			q.warnUndrained("interrupted")
			return nil
		case <-q.pending.Wait():
		}
	}
}

func (q *ExpirationQueue) process(ctx context.Context, l Lease) {
	defer func() {
		if r := recover(); r != nil {
			q.metrics.Expiration(l.Kind.String(), "panic")
			q.logger.Error("expiration handler panicked",
				"cookie", l.Cookie, "kind", l.Kind.String(), "panic", r)
		}
	}()
	defer q.metrics.ExpirationQueueDepth(q.pending.Len())

	if err := q.handle(ctx, l); err != nil {
		q.metrics.Expiration(l.Kind.String(), "error")
		q.logger.Error("expiration failed",
			"cookie", l.Cookie, "kind", l.Kind.String(), "expiration", l.Expiration, "error", err)
		return
	}
	q.metrics.Expiration(l.Kind.String(), "ok")
}

// Terminate stops accepting leases and waits for the worker to drain the
// backlog. Idempotent. If the worker never ran, the undrained backlog is
// logged.
func (q *ExpirationQueue) Terminate() {
	q.stopOnce.Do(func() {
		q.pending.Close()
		if q.started.Load() {
			<-q.done
			return
		}
		q.warnUndrained("terminated before start")
	})
}

// Interrupt stops the worker without draining. Remaining work is logged.
// Idempotent.
func (q *ExpirationQueue) Interrupt() {
	q.intOnce.Do(func() {
		q.pending.Close()
		close(q.interrupt)
	})
	if q.started.Load() {
		<-q.done
	}
}

func (q *ExpirationQueue) warnUndrained(reason string) {
	if n := q.pending.Len(); n > 0 {
		q.logger.Warn("expiration queue stopped with undrained work",
			"reason", reason, "remaining", n)
	}
}
