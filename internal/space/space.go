package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// Config holds the tunables of a space's background workers.
type Config struct {
	// SweepInterval is how often the lease table is swept for expirations.
	SweepInterval time.Duration
	// ExpirationWarnDepth logs a warning when the expiration backlog
	// exceeds it.
	ExpirationWarnDepth int
	// Monitor is the transaction polling schedule.
	Monitor txn.MonitorConfig
	// Notify sizes the notification dispatcher.
	Notify notify.Config
	// SnapshotInterval takes a snapshot periodically. Zero disables it.
	SnapshotInterval time.Duration
	// SnapshotEveryRecords takes a snapshot once this many records were
	// appended since the last one. Zero disables it.
	SnapshotEveryRecords int64
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       time.Second,
		ExpirationWarnDepth: 1024,
		Monitor:             txn.DefaultMonitorConfig(),
		Notify:              notify.Config{Workers: 4, QueueSize: 1024},
	}
}

// Space is a lease-governed store of typed entries matched by template.
//
// Entries are partitioned by declared type. Each partition has its own
// mutex, under which the lease-table and log updates gating its entries
// are made. Lock order: partition, waiter set, transaction record, then
// the leaf locks (lease table, index, registry, transaction table).
//
// Thread-safety: all exported methods are safe for concurrent use.
type Space struct {
	types    *tuple.Registry
	log      Log
	clock    clock.WithTickerAndDelayedExecution
	cookies  CookieGenerator
	coord    txn.Coordinator
	notifier notify.Notifier
	policy   lease.Policy
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	leases   *lease.Table
	expiry   *lease.ExpirationQueue
	sweeper  *lease.Sweeper
	monitor  *txn.Monitor
	dispatch *notify.Dispatcher

	ordinals sequence

	partsMu sync.RWMutex
	parts   map[string]*partition

	indexMu sync.Mutex
	index   map[string]*partition

	waiters waiterSet

	regMu sync.Mutex
	regs  map[string]*registration

	txnMu sync.Mutex
	txns  map[txn.ID]*txnRecord

	defineMu      sync.Mutex
	resolveMu     sync.RWMutex
	snapMu        sync.Mutex
	sinceSnapshot atomic.Int64
	snapSignal    chan struct{}

	recovered RecoveryStats

	closed    atomic.Bool
	started   atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Space.
type Option func(*Space)

// WithLog sets the recovery log. Without one the space is not durable.
func WithLog(l Log) Option {
	return func(s *Space) { s.log = l }
}

// WithClock sets the clock driving leases, sweeps, timeouts and polling.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(s *Space) { s.clock = c }
}

// WithCookies sets the cookie generator.
func WithCookies(g CookieGenerator) Option {
	return func(s *Space) { s.cookies = g }
}

// WithCoordinator sets the transaction coordinator client. The default is
// an in-process LocalCoordinator on the space's clock.
func WithCoordinator(c txn.Coordinator) Option {
	return func(s *Space) { s.coord = c }
}

// WithNotifier sets the transport event registrations are delivered
// through. The default is an in-process ChannelNotifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Space) { s.notifier = n }
}

// WithLeasePolicy sets the lease duration bounds.
func WithLeasePolicy(p lease.Policy) Option {
	return func(s *Space) { s.policy = p }
}

// WithConfig sets the background worker configuration. Zero fields keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Space) {
		def := s.cfg
		if cfg.SweepInterval > 0 {
			def.SweepInterval = cfg.SweepInterval
		}
		if cfg.ExpirationWarnDepth > 0 {
			def.ExpirationWarnDepth = cfg.ExpirationWarnDepth
		}
		if cfg.Monitor != (txn.MonitorConfig{}) {
			def.Monitor = cfg.Monitor
		}
		if cfg.Notify.Workers > 0 {
			def.Notify.Workers = cfg.Notify.Workers
		}
		if cfg.Notify.QueueSize > 0 {
			def.Notify.QueueSize = cfg.Notify.QueueSize
		}
		def.SnapshotInterval = cfg.SnapshotInterval
		def.SnapshotEveryRecords = cfg.SnapshotEveryRecords
		s.cfg = def
	}
}

// WithTypes seeds the space with an entry-type registry. Types already in
// the registry are not logged; register them on every start.
func WithTypes(r *tuple.Registry) Option {
	return func(s *Space) { s.types = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Space) { s.logger = l }
}

// WithMetrics sets the collectors the space and its workers report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Space) { s.metrics = m }
}

// Open builds a space and replays its recovery log. A log that cannot be
// replayed yields a RECOVERY_CORRUPTION error and no space.
//
// The background workers do not run until Start.
func Open(ctx context.Context, opts ...Option) (*Space, error) {
	s := &Space{
		types:      tuple.NewRegistry(),
		clock:      clock.RealClock{},
		cookies:    UUIDv7Generator{},
		policy:     lease.Policy{Max: time.Hour},
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		leases:     lease.NewTable(),
		parts:      make(map[string]*partition),
		index:      make(map[string]*partition),
		regs:       make(map[string]*registration),
		txns:       make(map[txn.ID]*txnRecord),
		snapSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = &memoryLog{}
	}
	if s.coord == nil {
		s.coord = txn.NewLocalCoordinator(s.clock, s.logger)
	}
	if s.notifier == nil {
		s.notifier = notify.NewChannelNotifier()
	}

	s.expiry = lease.NewExpirationQueue(s.expire,
		lease.WithLogger(s.logger),
		lease.WithMetrics(s.metrics),
		lease.WithWarnDepth(s.cfg.ExpirationWarnDepth),
	)
	s.sweeper = lease.NewSweeper(s.leases, s.expiry, s.clock, s.cfg.SweepInterval, s.logger)
	s.monitor = txn.NewMonitor(s.coord, s, s.clock, s.cfg.Monitor,
		txn.WithMonitorLogger(s.logger),
		txn.WithMonitorMetrics(s.metrics),
	)
	s.dispatch = notify.NewDispatcher(s.notifier, s.cfg.Notify,
		notify.WithLogger(s.logger),
		notify.WithMetrics(s.metrics),
	)

	for _, t := range s.types.Types() {
		s.partitionFor(t)
	}

	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the expiration worker, the lease sweeper, the
// transaction monitor, the notification dispatcher and, if configured,
// the snapshot loop. It returns immediately.
func (s *Space) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("space already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	s.dispatch.Start()
	s.group.Go(func() error { return s.expiry.Run(ctx) })
	s.group.Go(func() error { return s.sweeper.Run(ctx) })
	s.group.Go(func() error { return s.monitor.Run(ctx) })
	if s.cfg.SnapshotInterval > 0 || s.cfg.SnapshotEveryRecords > 0 {
		s.group.Go(func() error { return s.snapshotLoop(ctx) })
	}

	s.rejoinRecovered(ctx)
	s.logger.Info("space started",
		"types", len(s.types.Types()),
		"sweep_interval", s.cfg.SweepInterval,
		"snapshot_interval", s.cfg.SnapshotInterval,
	)
	return nil
}

// Close stops accepting operations, releases every blocked query, drains
// the expiration and notification queues and stops the workers. The log
// is not closed. Idempotent.
func (s *Space) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.waiters.closeAll(errClosed)

		var result *multierror.Error
		s.monitor.Terminate()
		s.expiry.Terminate()
		if s.cancel != nil {
			s.cancel()
		}
		s.dispatch.Close()
		if s.group != nil {
			if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
		s.logger.Info("space closed")
	})
	return s.closeErr
}

// Types returns the entry-type registry.
func (s *Space) Types() *tuple.Registry {
	return s.types
}

// Coordinator returns the transaction coordinator client.
func (s *Space) Coordinator() txn.Coordinator {
	return s.coord
}

// Stats summarizes what the space holds.
type Stats struct {
	Entries             int            `json:"entries"`
	EntriesByType       map[string]int `json:"entries_by_type"`
	Registrations       int            `json:"registrations"`
	PendingTransactions int            `json:"pending_transactions"`
	BlockedQueries      int            `json:"blocked_queries"`
	MonitoredTxns       int            `json:"monitored_transactions"`
	ExpirationBacklog   int            `json:"expiration_backlog"`
}

// Stats returns current counts.
func (s *Space) Stats() Stats {
	st := Stats{EntriesByType: make(map[string]int)}
	for _, p := range s.partitions() {
		p.mu.Lock()
		n := p.liveLocked()
		p.mu.Unlock()
		st.EntriesByType[p.typ.Name] = n
		st.Entries += n
	}
	s.regMu.Lock()
	st.Registrations = len(s.regs)
	s.regMu.Unlock()
	s.txnMu.Lock()
	st.PendingTransactions = len(s.txns)
	s.txnMu.Unlock()
	st.BlockedQueries = s.waiters.len()
	st.MonitoredTxns = s.monitor.Tasks()
	st.ExpirationBacklog = s.expiry.Len()
	return st
}

// DefineType registers an entry type and logs it so it survives a
// restart. Redefining a type with the same layout is a no-op.
func (s *Space) DefineType(ctx context.Context, sc tuple.Schema) error {
	if s.closed.Load() {
		return errClosed
	}
	s.defineMu.Lock()
	defer s.defineMu.Unlock()

	if t, ok := s.types.Lookup(sc.Name); ok {
		if _, err := s.types.Register(sc); err != nil {
			return validationError(err)
		}
		s.partitionFor(t)
		return nil
	}

	// Validate against a scratch copy so the log never holds a schema the
	// registry would reject.
	scratch := tuple.NewRegistry()
	for _, known := range s.types.Schemas() {
		if _, err := scratch.Register(known); err != nil {
			return validationError(err)
		}
	}
	if _, err := scratch.Register(sc); err != nil {
		return validationError(err)
	}

	if _, err := s.append(ctx, store.DefineOp{Schema: sc}); err != nil {
		return err
	}
	t, err := s.types.Register(sc)
	if err != nil {
		return validationError(err)
	}
	s.partitionFor(t)
	s.logger.Info("entry type defined", "type", sc.Name, "fields", len(t.Fields))
	return nil
}

// partitionFor returns the partition of t, creating it on first use.
func (s *Space) partitionFor(t *tuple.Type) *partition {
	s.partsMu.RLock()
	p, ok := s.parts[t.Name]
	s.partsMu.RUnlock()
	if ok {
		return p
	}

	s.partsMu.Lock()
	defer s.partsMu.Unlock()
	if p, ok := s.parts[t.Name]; ok {
		return p
	}
	p = newPartition(t)
	s.parts[t.Name] = p
	return p
}

// partitions returns every partition sorted by type name.
func (s *Space) partitions() []*partition {
	s.partsMu.RLock()
	out := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	s.partsMu.RUnlock()
	slices.SortFunc(out, func(a, b *partition) int {
		switch {
		case a.typ.Name < b.typ.Name:
			return -1
		case a.typ.Name > b.typ.Name:
			return 1
		}
		return 0
	})
	return out
}

// candidates returns the partitions whose entries may satisfy a template
// of target. A nil target admits every partition.
func (s *Space) candidates(target *tuple.Type) []*partition {
	all := s.partitions()
	if target == nil {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if p.typ.AssignableTo(target) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Space) indexPut(cookie string, p *partition) {
	s.indexMu.Lock()
	s.index[cookie] = p
	s.indexMu.Unlock()
}

func (s *Space) indexGet(cookie string) *partition {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.index[cookie]
}

func (s *Space) indexDelete(cookie string) {
	s.indexMu.Lock()
	delete(s.index, cookie)
	s.indexMu.Unlock()
}

// append writes op to the recovery log.
func (s *Space) append(ctx context.Context, op store.Op) (int64, error) {
	seq, err := s.log.Append(ctx, op)
	if err != nil {
		return 0, fmt.Errorf("log %s: %w", op.Kind(), err)
	}
	s.metrics.LogAppend(string(op.Kind()))
	if every := s.cfg.SnapshotEveryRecords; every > 0 && s.sinceSnapshot.Add(1) >= every {
		select {
		case s.snapSignal <- struct{}{}:
		default:
		}
	}
	return seq, nil
}

// removeEntryLocked drops r from p and the index. Caller holds p.mu and
// has already taken r's lease out of the table.
func (s *Space) removeEntryLocked(p *partition, r *record) {
	if r.removed {
		return
	}
	p.removeLocked(r)
	s.indexDelete(r.cookie)
	s.metrics.EntryRemoved(p.typ.Name)
}

func validationError(err error) error {
	switch {
	case errors.Is(err, tuple.ErrUnknownType):
		return newError(ErrCodeUnknownType, err, "unknown entry type")
	case errors.Is(err, tuple.ErrMalformed):
		return newError(ErrCodeMalformedEntry, err, "malformed entry")
	default:
		return newError(ErrCodeMalformedEntry, err, "invalid entry type")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case CodeOf(err) != "":
		return string(CodeOf(err))
	default:
		return "error"
	}
}
