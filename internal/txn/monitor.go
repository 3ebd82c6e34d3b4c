package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/queue"
)

// Query is a blocked read or take waiting on one or more transactions.
type Query interface {
	// Wake asks the query to re-evaluate. Must not block.
	Wake()
	// Done reports that the query has returned and needs no more wakes.
	Done() bool
}

// Resolver applies a transaction's outcome to the space's pending entries.
// It must be idempotent.
type Resolver interface {
	ResolveTransaction(ctx context.Context, id ID, state State) error
}

// MonitorConfig controls the polling schedule.
type MonitorConfig struct {
	// InitialInterval is the delay before the second poll; the first poll
	// runs as soon as the task is created.
	InitialInterval time.Duration
	// MaxInterval caps the delay between polls.
	MaxInterval time.Duration
	// Multiplier grows the delay after each unresolved poll.
	Multiplier float64
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
	// Workers bounds concurrent coordinator queries.
	Workers int64
}

// DefaultMonitorConfig returns the polling schedule used when none is
// configured: 200ms doubling to a 10s cap, eight concurrent polls.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
		Workers:         8,
	}
}

type interest struct {
	query Query // nil pins the task until the transaction resolves
	txns  []ID
}

// Monitor polls transactions that are withholding matches from blocked
// queries and resolves them in the space once the coordinator reports an
// outcome.
//
// One dispatch goroutine (Run) drains an unbounded interest list, so
// RegisterInterest never blocks the caller. At most one task exists per
// transaction; later interest in the same transaction joins the existing
// task's query set. Tasks are scheduled on the clock and poll through a
// semaphore that bounds concurrent coordinator calls.
type Monitor struct {
	coord    Coordinator
	resolver Resolver
	clock    clock.WithDelayedExecution
	cfg      MonitorConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	pending *queue.Queue[interest]
	sem     *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[ID]*task
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

type task struct {
	id      ID
	queries map[Query]struct{}
	pinned  bool
	backoff *backoff.ExponentialBackOff
	timer   clock.Timer
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMonitorMetrics sets the collectors the monitor reports to.
func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a monitor. Zero config fields take their defaults.
func NewMonitor(coord Coordinator, resolver Resolver, clk clock.WithDelayedExecution, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	m := &Monitor{
		coord:    coord,
		resolver: resolver,
		clock:    clk,
		cfg:      cfg,
		logger:   slog.Default(),
		pending:  queue.New[interest](),
		sem:      semaphore.NewWeighted(cfg.Workers),
		tasks:    make(map[ID]*task),
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterInterest records that q is blocked by txns. It never blocks.
// A nil q keeps the transactions monitored until they resolve even with
// no query waiting; recovery uses this for transactions left pending in
// the log.
func (m *Monitor) RegisterInterest(q Query, txns []ID) {
	if len(txns) == 0 {
		return
	}
	if !m.pending.Enqueue(interest{query: q, txns: txns}) {
		m.logger.Debug("monitor terminated, interest dropped", "txns", len(txns))
	}
}

// Watch monitors id until it resolves.
func (m *Monitor) Watch(id ID) {
	m.RegisterInterest(nil, []ID{id})
}

// Run is the dispatch loop. It returns after Terminate or when ctx is
// cancelled; either way every task is stopped before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}
	defer close(m.done)
	defer m.shutdown()

	stop := context.AfterFunc(ctx, m.cancel)
	defer stop()

	m.logger.Info("transaction monitor starting", "workers", m.cfg.Workers)
	for {
		if it, ok := m.pending.TryDequeue(); ok {
			m.admit(it)
			continue
		}
		select {
		case <-m.ctx.Done():
			m.logger.Info("transaction monitor stopping")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case <-m.pending.Wait():
			if m.pending.Closed() && m.pending.Len() == 0 {
				m.logger.Info("transaction monitor stopping: terminated")
				return nil
			}
		}
	}
}

// Terminate stops the dispatch loop and every task, waiting for in-flight
// polls to finish. Idempotent.
func (m *Monitor) Terminate() {
	m.stopOnce.Do(func() {
		m.pending.Close()
		m.cancel()
	})
	if m.started.Load() {
		<-m.done
		return
	}
	m.shutdown()
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, t := range m.tasks {
		if t.timer != nil && t.timer.Stop() {
			m.wg.Done()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	if n := m.pending.Len(); n > 0 {
		m.logger.Warn("transaction monitor stopped with undrained interest", "remaining", n)
	}
}

// Tasks returns the number of transactions being monitored.
func (m *Monitor) Tasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Monitoring reports whether id has a live task.
func (m *Monitor) Monitoring(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// admit attaches an interest to existing tasks or creates new ones. The
// lookup and insert happen under one lock, so a transaction never gets a
// second task.
func (m *Monitor) admit(it interest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, id := range it.txns {
		t, ok := m.tasks[id]
		if !ok {
			t = m.newTask(id)
			m.tasks[id] = t
			m.logger.Debug("monitoring transaction", "txn", string(id))
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.poll(t)
			}()
		}
		if it.query != nil {
			t.queries[it.query] = struct{}{}
		} else {
			t.pinned = true
		}
	}
	m.metrics.MonitorTasks(len(m.tasks))
}

func (m *Monitor) newTask(id ID) *task {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialInterval
	b.MaxInterval = m.cfg.MaxInterval
	b.Multiplier = m.cfg.Multiplier
	b.RandomizationFactor = m.cfg.Jitter
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return &task{
		id:      id,
		queries: make(map[Query]struct{}),
		backoff: b,
	}
}

// poll runs one scheduled wake of a task.
func (m *Monitor) poll(t *task) {
	ctx := m.ctx
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return // shutting down
	}
	state, err := m.coord.QueryState(ctx, t.id)
	m.sem.Release(1)

	switch {
	case errors.Is(err, ErrUnknownTransaction):
		m.metrics.MonitorPoll("unknown")
		m.logger.Warn("coordinator does not know transaction, treating as aborted", "txn", string(t.id))
		state = StateAborted
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		m.metrics.MonitorPoll("error")
		m.logger.Warn("transaction state query failed, will retry", "txn", string(t.id), "error", err)
		m.reschedule(t)
		return
	case state == StateUnknown:
		m.metrics.MonitorPoll("unknown")
		state = StateAborted
	default:
		m.metrics.MonitorPoll(state.String())
	}

	if state.Resolved() {
		if err := m.resolver.ResolveTransaction(ctx, t.id, state); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("resolving transaction failed, will retry",
				"txn", string(t.id), "state", state.String(), "error", err)
			m.reschedule(t)
			return
		}
		m.retire(t)
		return
	}

	if m.pruneOrRetire(t) {
		return
	}
	m.reschedule(t)
}

func (m *Monitor) reschedule(t *task) {
	d := t.backoff.NextBackOff()
	if d == backoff.Stop {
		d = m.cfg.MaxInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	// Fake clocks run the callback while holding their own lock, and poll
	// schedules the next wake on the same clock, so the poll runs on its
	// own goroutine.
	t.timer = m.clock.AfterFunc(d, func() {
		go func() {
			defer m.wg.Done()
			m.poll(t)
		}()
	})
}

// retire removes a resolved task and wakes every query it was holding.
func (m *Monitor) retire(t *task) {
	m.mu.Lock()
	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	queries := t.queries
	t.queries = nil
	m.metrics.MonitorTasks(len(m.tasks))
	m.mu.Unlock()

	m.logger.Debug("transaction resolved", "txn", string(t.id), "woken", len(queries))
	for q := range queries {
		q.Wake()
	}
}

// pruneOrRetire drops finished queries and retires the task when nobody
// is left waiting on it. Returns true if the task retired.
func (m *Monitor) pruneOrRetire(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for q := range t.queries {
		if q.Done() {
			delete(t.queries, q)
		}
	}
	if len(t.queries) > 0 || t.pinned {
		return false
	}
	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	m.metrics.MonitorTasks(len(m.tasks))
	m.logger.Debug("monitor task retired: no waiting queries", "txn", string(t.id))
	return true
}
