package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/testutil"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// Epoch is the fake clock's starting time in every scenario. Trace
// expirations are offsets from it.
var Epoch = testutil.Epoch

const (
	// settleTimeout bounds real-time waits for asynchronous work: a query
	// to block, an await, events to arrive.
	settleTimeout = 5 * time.Second

	// quietPeriod is how long an events step waits for surplus events.
	quietPeriod = 50 * time.Millisecond

	listenerBuffer = 256
)

// countingClock counts the timers created on it, so the harness knows
// when a blocked query's timeout is armed and can be stepped past.
type countingClock struct {
	*testingclock.FakeClock
	timers atomic.Int64
}

func (c *countingClock) NewTimer(d time.Duration) clock.Timer {
	c.timers.Add(1)
	return c.FakeClock.NewTimer(d)
}

// coordinator is the local coordinator plus the ability to lose
// transactions, so scenarios can reach the unknown-transaction path.
type coordinator struct {
	*txn.LocalCoordinator

	mu        sync.Mutex
	forgotten map[txn.ID]bool
}

func (c *coordinator) forget(id txn.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten[id] = true
}

func (c *coordinator) QueryState(ctx context.Context, id txn.ID) (txn.State, error) {
	c.mu.Lock()
	lost := c.forgotten[id]
	c.mu.Unlock()
	if lost {
		return txn.StateUnknown, fmt.Errorf("query %s: %w", id, txn.ErrUnknownTransaction)
	}
	return c.LocalCoordinator.QueryState(ctx, id)
}

type queryResult struct {
	m   *space.Match
	err error
}

// observation is what a step produced.
type observation struct {
	err       error
	pending   bool
	query     bool // read, take or await
	match     *space.Match
	cookie    string
	expires   time.Time
	count     int
	events    []notify.Event
	recovered space.RecoveryStats
	detail    map[string]any
}

// Harness executes one scenario against a space on a fake clock, an
// in-memory recovery log and a local coordinator.
type Harness struct {
	clock    *countingClock
	coord    *coordinator
	notifier *notify.ChannelNotifier
	log      *store.Store
	cookies  *space.SequentialGenerator
	logger   *slog.Logger
	space    *space.Space

	cookieOf  map[string]string // bound name to cookie
	nameOf    map[string]string // cookie to bound name
	txns      map[string]txn.ID
	queries   map[string]<-chan queryResult
	listeners map[string]<-chan notify.Event
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the space. Runs are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory log, so runs are isolated.
// Cookies and transaction ids are sequential and the clock starts at
// Epoch, which makes traces reproducible.
//
// An error is returned only when the run itself cannot proceed; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clk := &countingClock{FakeClock: testutil.NewClock()}
	nextID := testutil.SequentialIDs("T")
	h := &Harness{
		clock: clk,
		coord: &coordinator{
			LocalCoordinator: txn.NewLocalCoordinator(clk, testutil.DiscardLogger()).WithIDs(func() txn.ID {
				return txn.ID(nextID())
			}),
			forgotten: make(map[txn.ID]bool),
		},
		notifier:  notify.NewChannelNotifier(),
		log:       st,
		cookies:   space.NewSequentialGenerator("c"),
		logger:    testutil.DiscardLogger(),
		cookieOf:  make(map[string]string),
		nameOf:    make(map[string]string),
		txns:      make(map[string]txn.ID),
		queries:   make(map[string]<-chan queryResult),
		listeners: make(map[string]<-chan notify.Event),
	}
	for _, opt := range opts {
		opt(h)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := h.open(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = h.space.Close() }()

	for _, sc := range scenario.Types {
		if err := h.space.DefineType(ctx, sc); err != nil {
			return nil, fmt.Errorf("define type %s: %w", sc.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		obs, err := h.exec(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		ev := h.trace(i+1, step, obs)
		result.add(ev)
		for _, msg := range h.check(step, obs, ev) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i+1, step.Op, msg))
		}
		h.logger.Debug("step completed", "step", i+1, "op", step.Op, "outcome", ev.Outcome)
	}

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

// open opens the space over the harness's log and starts it.
func (h *Harness) open(ctx context.Context) (space.RecoveryStats, error) {
	sp, err := space.Open(ctx,
		space.WithLog(h.log),
		space.WithClock(h.clock),
		space.WithCookies(h.cookies),
		space.WithCoordinator(h.coord),
		space.WithNotifier(h.notifier),
		space.WithLogger(h.logger),
	)
	if err != nil {
		return space.RecoveryStats{}, fmt.Errorf("open space: %w", err)
	}
	h.space = sp
	if err := sp.Start(ctx); err != nil {
		return space.RecoveryStats{}, fmt.Errorf("start space: %w", err)
	}
	return sp.Recovered(), nil
}

func (h *Harness) exec(ctx context.Context, step Step) (observation, error) {
	var obs observation
	switch step.Op {
	case OpWrite:
		e, err := step.Entry.entry()
		if err != nil {
			return obs, fmt.Errorf("entry: %w", err)
		}
		g, err := h.space.Write(ctx, e, h.txnID(step.Txn), leaseOf(step.Lease))
		obs.err = err
		if err == nil {
			h.bind(step.As, g.Cookie)
			obs.cookie, obs.expires = g.Cookie, g.Expiration
		}

	case OpRead, OpTake:
		tmpl, err := step.Template.template()
		if err != nil {
			return obs, fmt.Errorf("template: %w", err)
		}
		timeout := timeoutOf(step.Timeout)
		q := func(ctx context.Context) (*space.Match, error) {
			return h.query(ctx, step.Op == OpTake, step.IfExists, tmpl, h.txnID(step.Txn), timeout)
		}
		if !step.Async && timeout == space.NoWait {
			obs.query = true
			obs.match, obs.err = q(ctx)
			break
		}
		ch, err := h.startQuery(ctx, q, timeout)
		if err != nil {
			return obs, err
		}
		if step.Async {
			h.queries[step.As] = ch
			obs.pending = true
			break
		}
		select {
		case r := <-ch:
			obs.query = true
			obs.match, obs.err = r.m, r.err
		default:
			return obs, fmt.Errorf("query blocked; mark it async and advance the clock")
		}

	case OpAwait:
		ch, ok := h.queries[step.Query]
		if !ok {
			return obs, fmt.Errorf("no async query named %q", step.Query)
		}
		delete(h.queries, step.Query)
		select {
		case r := <-ch:
			obs.query = true
			obs.match, obs.err = r.m, r.err
		case <-time.After(settleTimeout):
			return obs, fmt.Errorf("query %q still blocked after %v", step.Query, settleTimeout)
		}

	case OpCount:
		tmpl, err := step.Template.template()
		if err != nil {
			return obs, fmt.Errorf("template: %w", err)
		}
		obs.count, obs.err = h.space.Count(ctx, tmpl, h.txnID(step.Txn))

	case OpNotify:
		tmpl, err := step.Template.template()
		if err != nil {
			return obs, fmt.Errorf("template: %w", err)
		}
		vis, err := space.ParseVisibility(step.Visibility)
		if err != nil {
			return obs, err
		}
		if _, ok := h.listeners[step.Listener]; !ok {
			h.listeners[step.Listener] = h.notifier.Listen(step.Listener, listenerBuffer)
		}
		var handback []byte
		if step.Handback != "" {
			handback = []byte(step.Handback)
		}
		reg, err := h.space.Notify(ctx, tmpl, vis, step.Listener, leaseOf(step.Lease), handback)
		obs.err = err
		if err == nil {
			h.bind(step.As, reg.Cookie)
			obs.cookie, obs.expires = reg.Cookie, reg.Expiration
			obs.detail = map[string]any{"seq": reg.Seq}
		}

	case OpRenew:
		obs.expires, obs.err = h.space.Renew(ctx, h.cookie(step.Cookie), leaseOf(step.Lease))

	case OpCancel:
		obs.err = h.space.Cancel(ctx, h.cookie(step.Cookie))

	case OpAdvance:
		d, _ := time.ParseDuration(step.Duration)
		h.clock.Step(d)
		obs.detail = map[string]any{"now": offset(h.clock.Now())}

	case OpBegin:
		var ttl time.Duration
		if step.Lease != "" {
			ttl, _ = time.ParseDuration(step.Lease)
		}
		id, exp := h.coord.Create(ttl)
		h.txns[step.As] = id
		obs.expires = exp

	case OpCommit:
		obs.err = h.coord.Commit(ctx, h.txnID(step.Txn))

	case OpAbort:
		obs.err = h.coord.Abort(ctx, h.txnID(step.Txn))

	case OpForget:
		h.coord.forget(h.txnID(step.Txn))

	case OpEvents:
		ch, ok := h.listeners[step.Listener]
		if !ok {
			return obs, fmt.Errorf("no registration delivers to %q", step.Listener)
		}
		obs.events = collect(ch, *step.Expect.Count)

	case OpRestart:
		h.coord.Leave(h.space)
		if err := h.space.Close(); err != nil {
			return obs, fmt.Errorf("close space: %w", err)
		}
		stats, err := h.open(ctx)
		if err != nil {
			return obs, err
		}
		obs.recovered = stats
		obs.detail = map[string]any{
			"entries":              int64(stats.Entries),
			"pending_transactions": int64(stats.PendingTxns),
		}

	case OpSnapshot:
		_, obs.err = h.space.Snapshot(ctx)
	}
	return obs, nil
}

func (h *Harness) query(ctx context.Context, take, ifExists bool, tmpl tuple.Template, id txn.ID, timeout time.Duration) (*space.Match, error) {
	switch {
	case take && ifExists:
		return h.space.TakeIfExists(ctx, tmpl, id, timeout)
	case take:
		return h.space.Take(ctx, tmpl, id, timeout)
	case ifExists:
		return h.space.ReadIfExists(ctx, tmpl, id, timeout)
	default:
		return h.space.Read(ctx, tmpl, id, timeout)
	}
}

// startQuery runs q in the background and returns once it has finished or
// blocked with its timeout armed, so a following advance reaches it.
func (h *Harness) startQuery(ctx context.Context, q func(context.Context) (*space.Match, error), timeout time.Duration) (<-chan queryResult, error) {
	blocked := h.space.Stats().BlockedQueries
	timers := h.clock.timers.Load()

	ch := make(chan queryResult, 1)
	go func() {
		m, err := q(ctx)
		ch <- queryResult{m, err}
	}()

	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		if len(ch) > 0 {
			return ch, nil
		}
		if h.space.Stats().BlockedQueries > blocked &&
			(timeout == space.WaitForever || h.clock.timers.Load() > timers) {
			return ch, nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil, fmt.Errorf("query neither returned nor blocked within %v", settleTimeout)
}

// collect waits for n events, then briefly for any surplus. Events are
// returned ordered by registration and sequence number.
func collect(ch <-chan notify.Event, n int) []notify.Event {
	var got []notify.Event
	deadline := time.After(settleTimeout)
	for len(got) < n {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-deadline:
			return sortEvents(got)
		}
	}
	quiet := time.After(quietPeriod)
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-quiet:
			return sortEvents(got)
		}
	}
}

func sortEvents(evs []notify.Event) []notify.Event {
	slices.SortFunc(evs, func(a, b notify.Event) int {
		if c := strings.Compare(a.RegistrationID, b.RegistrationID); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return evs
}

func (h *Harness) bind(name, cookie string) {
	if name == "" {
		return
	}
	h.cookieOf[name] = cookie
	h.nameOf[cookie] = name
}

// cookie resolves a bound name. Unbound names are used as raw cookies, so
// scenarios can refer to resources that never existed.
func (h *Harness) cookie(name string) string {
	if c, ok := h.cookieOf[name]; ok {
		return c
	}
	return name
}

func (h *Harness) name(cookie string) string {
	if n, ok := h.nameOf[cookie]; ok {
		return n
	}
	return cookie
}

func (h *Harness) txnID(name string) txn.ID {
	if name == "" {
		return txn.None
	}
	if id, ok := h.txns[name]; ok {
		return id
	}
	return txn.ID(name)
}

// trace renders an observation as a trace event.
func (h *Harness) trace(n int, step Step, obs observation) TraceEvent {
	ev := TraceEvent{Step: n, Op: step.Op, Outcome: OutcomeOK, Detail: map[string]any{}}
	for k, v := range obs.detail {
		ev.Detail[k] = v
	}

	switch {
	case obs.err != nil:
		ev.Outcome = errorCode(obs.err)
	case obs.pending:
		ev.Outcome = OutcomePending
		ev.Detail["query"] = step.As
	case obs.query && obs.match == nil:
		ev.Outcome = OutcomeNone
	case obs.query:
		ev.Detail["match"] = h.name(obs.match.Cookie)
	}

	if obs.err == nil {
		switch step.Op {
		case OpWrite, OpNotify:
			ev.Detail["cookie"] = h.name(obs.cookie)
			ev.Detail["expires"] = offset(obs.expires)
		case OpRenew:
			ev.Detail["expires"] = offset(obs.expires)
		case OpCount:
			ev.Detail["count"] = int64(obs.count)
		case OpBegin:
			ev.Detail["txn"] = step.As
		case OpEvents:
			list := make([]any, len(obs.events))
			for i, e := range obs.events {
				list[i] = map[string]any{
					"registration": h.name(e.RegistrationID),
					"seq":          e.Seq,
					"entry":        h.name(e.EntryCookie),
				}
			}
			ev.Detail["events"] = list
		}
	}
	if len(ev.Detail) == 0 {
		ev.Detail = nil
	}
	return ev
}

// check compares an observation with the step's expect clause.
func (h *Harness) check(step Step, obs observation, ev TraceEvent) []string {
	var failures []string
	exp := step.Expect
	if exp == nil {
		exp = &Expect{}
	}

	if exp.Error != "" {
		if ev.Outcome != exp.Error {
			failures = append(failures, fmt.Sprintf("expected error %s, got %s", exp.Error, ev.Outcome))
		}
		return failures
	}
	if obs.err != nil {
		return append(failures, fmt.Sprintf("unexpected error: %v", obs.err))
	}

	switch exp.Match {
	case "":
	case OutcomeNone:
		if obs.match != nil {
			failures = append(failures, fmt.Sprintf("expected no match, got %s", h.name(obs.match.Cookie)))
		}
	default:
		want, ok := h.cookieOf[exp.Match]
		switch {
		case !ok:
			failures = append(failures, fmt.Sprintf("expected match %s is not bound", exp.Match))
		case obs.match == nil:
			failures = append(failures, fmt.Sprintf("expected match %s, got none", exp.Match))
		case obs.match.Cookie != want:
			failures = append(failures, fmt.Sprintf("expected match %s, got %s", exp.Match, h.name(obs.match.Cookie)))
		}
	}

	if exp.Entry != nil {
		want, err := exp.Entry.entry()
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("expect.entry: %v", err))
		case obs.match == nil:
			failures = append(failures, fmt.Sprintf("expected entry %s, got none", want))
		case !reflect.DeepEqual(want.Normalize(), obs.match.Entry.Normalize()):
			failures = append(failures, fmt.Sprintf("expected entry %s, got %s", want, obs.match.Entry))
		}
	}

	if exp.Count != nil {
		got := obs.count
		if step.Op == OpEvents {
			got = len(obs.events)
		}
		if got != *exp.Count {
			failures = append(failures, fmt.Sprintf("expected count %d, got %d", *exp.Count, got))
		}
	}

	if exp.Expires != "" {
		want, _ := time.ParseDuration(exp.Expires)
		if got := obs.expires.Sub(Epoch); got != want {
			failures = append(failures, fmt.Sprintf("expected expiration at +%v, got +%v", want, got))
		}
	}
	return failures
}

// errorCode names an error in the trace: its space error code, the
// matching code for a coordinator error, or ERROR.
func errorCode(err error) string {
	if code := space.CodeOf(err); code != "" {
		return string(code)
	}
	switch {
	case errors.Is(err, txn.ErrUnknownTransaction):
		return string(space.ErrCodeTransactionUnknown)
	case errors.Is(err, txn.ErrAborted), errors.Is(err, txn.ErrInactive):
		return string(space.ErrCodeTransactionInactive)
	}
	return "ERROR"
}

func leaseOf(s string) time.Duration {
	if s == "" || s == "any" {
		return lease.Any
	}
	d, _ := time.ParseDuration(s)
	return d
}

func timeoutOf(s string) time.Duration {
	switch s {
	case "":
		return space.NoWait
	case "forever":
		return space.WaitForever
	}
	d, _ := time.ParseDuration(s)
	return d
}

func offset(t time.Time) string {
	return t.Sub(Epoch).String()
}
