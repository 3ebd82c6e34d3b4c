package space

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/testutil"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

var epoch = testutil.Epoch

var (
	testEntrySchema = tuple.Schema{
		Name: "TestEntry",
		Fields: []tuple.FieldDesc{
			{Name: "name", Kind: tuple.KindString},
			{Name: "count", Kind: tuple.KindInt},
		},
	}
	countedSchema = tuple.Schema{
		Name:    "Counted",
		Extends: "TestEntry",
		Fields:  []tuple.FieldDesc{{Name: "tag", Kind: tuple.KindString}},
	}
)

type fixture struct {
	space    *Space
	clock    *testingclock.FakeClock
	coord    *txn.LocalCoordinator
	notifier *notify.ChannelNotifier
}

// newFixture opens a space on a fake clock with the test types defined.
// The background workers are not started.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testutil.NewClock(),
		notifier: notify.NewChannelNotifier(),
	}
	nextID := testutil.SequentialIDs("T")
	f.coord = txn.NewLocalCoordinator(f.clock, nil).WithIDs(func() txn.ID { return txn.ID(nextID()) })

	base := []Option{
		WithClock(f.clock),
		WithCookies(NewSequentialGenerator("c")),
		WithCoordinator(f.coord),
		WithNotifier(f.notifier),
	}
	s, err := Open(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.DefineType(ctx, testEntrySchema))
	require.NoError(t, s.DefineType(ctx, countedSchema))
	f.space = s
	return f
}

func testEntry(name string, count int64) tuple.Entry {
	return tuple.Entry{Type: "TestEntry", Fields: []tuple.Value{tuple.String(name), tuple.Int(count)}}
}

func byName(name string) tuple.Template {
	return tuple.Template{Type: "TestEntry", Fields: []tuple.Value{tuple.String(name), nil}}
}

type result struct {
	m   *Match
	err error
}

func goTake(ctx context.Context, s *Space, tmpl tuple.Template, id txn.ID, timeout time.Duration) <-chan result {
	ch := make(chan result, 1)
	go func() {
		m, err := s.Take(ctx, tmpl, id, timeout)
		ch <- result{m, err}
	}()
	return ch
}

func goRead(ctx context.Context, s *Space, tmpl tuple.Template, id txn.ID, timeout time.Duration) <-chan result {
	ch := make(chan result, 1)
	go func() {
		m, err := s.Read(ctx, tmpl, id, timeout)
		ch <- result{m, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("blocked call did not return")
		return result{}
	}
}

func requireBlocked(t *testing.T, s *Space, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.waiters.len() == n }, 2*time.Second, time.Millisecond)
}

// Scenario: write, take, and a second take finds nothing.
func TestSpace_TakeRemovesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.space.Write(ctx, testEntry("TestEntry #1", 1), txn.None, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), g.Expiration)

	m, err := f.space.Take(ctx, byName("TestEntry #1"), txn.None, NoWait)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, g.Cookie, m.Cookie)
	assert.Equal(t, testEntry("TestEntry #1", 1), m.Entry)

	m, err = f.space.Take(ctx, byName("TestEntry #1"), txn.None, NoWait)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSpace_ReadLeavesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.space.Write(ctx, testEntry("a", 1), txn.None, time.Minute)
	require.NoError(t, err)

	for range 2 {
		m, err := f.space.Read(ctx, byName("a"), txn.None, NoWait)
		require.NoError(t, err)
		require.NotNil(t, m)
	}
	n, err := f.space.Count(ctx, tuple.AnyTemplate, txn.None)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Scenario: an entry written under a transaction stays invisible until
// the transaction commits.
func TestSpace_TransactionalWriteVisibleAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1, _ := f.coord.Create(0)
	_, err := f.space.Write(ctx, testEntry("E2", 2), t1, time.Minute)
	require.NoError(t, err)

	ch := goTake(ctx, f.space, byName("E2"), txn.None, 5*time.Second)
	testutil.StepWhenWaiting(t, f.clock, 5*time.Second)
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Nil(t, r.m, "uncommitted write must not be taken")

	// Visible to its own transaction.
	m, err := f.space.Read(ctx, byName("E2"), t1, NoWait)
	require.NoError(t, err)
	require.NotNil(t, m)

	ch = goTake(ctx, f.space, byName("E2"), txn.None, WaitForever)
	requireBlocked(t, f.space, 1)
	require.NoError(t, f.coord.Commit(ctx, t1))

	r = await(t, ch)
	require.NoError(t, r.err)
	require.NotNil(t, r.m)
	assert.Equal(t, testEntry("E2", 2), r.m.Entry)
}

func TestSpace_AbortDiscardsWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1, _ := f.coord.Create(0)
	_, err := f.space.Write(ctx, testEntry("gone", 1), t1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.coord.Abort(ctx, t1))

	ms, err := f.space.Contents(ctx, tuple.AnyTemplate, t1, 0)
	require.NoError(t, err)
	assert.Empty(t, ms)
	assert.Equal(t, 0, f.space.Stats().PendingTransactions)
}

// Scenario: a matching non-transactional write is delivered exactly once.
func TestSpace_NotifyDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := f.notifier.Listen("watcher", 8)
	require.NoError(t, f.space.Start(ctx))

	reg, err := f.space.Notify(ctx, byName("hit"), VisibilityWrites, "watcher", time.Minute, []byte("hb"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reg.Seq)

	g, err := f.space.Write(ctx, testEntry("hit", 1), txn.None, time.Minute)
	require.NoError(t, err)
	_, err = f.space.Write(ctx, testEntry("miss", 1), txn.None, time.Minute)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, reg.Cookie, ev.RegistrationID)
		assert.Equal(t, uint64(1), ev.Seq)
		assert.Equal(t, g.Cookie, ev.EntryCookie)
		assert.Equal(t, "TestEntry", ev.Type)
		assert.Equal(t, []byte("hb"), ev.Handback)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpace_NotifyVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writes := f.notifier.Listen("writes", 8)
	committed := f.notifier.Listen("committed", 8)
	require.NoError(t, f.space.Start(ctx))

	_, err := f.space.Notify(ctx, tuple.AnyTemplate, VisibilityWrites, "writes", time.Minute, nil)
	require.NoError(t, err)
	_, err = f.space.Notify(ctx, tuple.AnyTemplate, VisibilityCommitted, "committed", time.Minute, nil)
	require.NoError(t, err)

	t1, _ := f.coord.Create(0)
	_, err = f.space.Write(ctx, testEntry("x", 1), t1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.coord.Commit(ctx, t1))

	select {
	case ev := <-committed:
		assert.Equal(t, uint64(1), ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("committed registration not notified")
	}
	select {
	case ev := <-writes:
		t.Fatalf("writes-only registration notified of a commit: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpace_FullNotificationQueueIsLogged(t *testing.T) {
	var out lockedBuffer
	f := newFixture(t,
		WithLogger(slog.New(slog.NewTextHandler(&out, nil))),
		WithConfig(Config{Notify: notify.Config{QueueSize: 1}}),
	)
	ctx := context.Background()
	f.notifier.Listen("watcher", 8)

	// The dispatcher is not started, so the second event finds the queue full.
	_, err := f.space.Notify(ctx, tuple.AnyTemplate, VisibilityWrites, "watcher", time.Minute, nil)
	require.NoError(t, err)
	_, err = f.space.Write(ctx, testEntry("a", 1), txn.None, time.Minute)
	require.NoError(t, err)
	_, err = f.space.Write(ctx, testEntry("b", 2), txn.None, time.Minute)
	require.NoError(t, err, "a lost notification does not fail the write")

	logged := out.String()
	assert.Equal(t, 1, strings.Count(logged, "notification dropped"))
	assert.Contains(t, logged, "seq=2")
	assert.Contains(t, logged, "listener=watcher")
}

// Scenario: a renewed lease outlives the original expiration.
func TestSpace_RenewExtendsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	renewed, err := f.space.Write(ctx, testEntry("renewed", 1), txn.None, 10*time.Second)
	require.NoError(t, err)
	_, err = f.space.Write(ctx, testEntry("plain", 1), txn.None, 10*time.Second)
	require.NoError(t, err)

	exp, err := f.space.Renew(ctx, renewed.Cookie, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(30*time.Second), exp)

	f.clock.Step(15 * time.Second)

	m, err := f.space.Take(ctx, byName("renewed"), txn.None, NoWait)
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = f.space.Take(ctx, byName("plain"), txn.None, NoWait)
	require.NoError(t, err)
	assert.Nil(t, m)
}

type forgetfulCoordinator struct {
	*txn.LocalCoordinator
	mu   sync.Mutex
	lost map[txn.ID]bool
}

func (c *forgetfulCoordinator) lose(id txn.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost[id] = true
}

func (c *forgetfulCoordinator) QueryState(ctx context.Context, id txn.ID) (txn.State, error) {
	c.mu.Lock()
	lost := c.lost[id]
	c.mu.Unlock()
	if lost {
		return txn.StateUnknown, fmt.Errorf("query %s: %w", id, txn.ErrUnknownTransaction)
	}
	return c.LocalCoordinator.QueryState(ctx, id)
}

// Scenario: queries blocked on a transaction the coordinator no longer
// knows are released as if it aborted.
func TestSpace_UnknownTransactionTreatedAsAborted(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	coord := &forgetfulCoordinator{
		LocalCoordinator: txn.NewLocalCoordinator(clk, nil),
		lost:             make(map[txn.ID]bool),
	}
	f := newFixture(t, WithClock(clk), WithCoordinator(coord))
	ctx := context.Background()
	require.NoError(t, f.space.Start(ctx))

	_, err := f.space.Write(ctx, testEntry("held", 1), txn.None, time.Minute)
	require.NoError(t, err)
	t2, _ := coord.Create(0)
	m, err := f.space.Take(ctx, byName("held"), t2, NoWait)
	require.NoError(t, err)
	require.NotNil(t, m)

	coord.lose(t2)
	r := await(t, goTake(ctx, f.space, byName("held"), txn.None, WaitForever))
	require.NoError(t, r.err)
	require.NotNil(t, r.m)
	assert.Equal(t, m.Cookie, r.m.Cookie)
	assert.Equal(t, 0, f.space.Stats().PendingTransactions)
}

func TestSpace_LeaseDurationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, d := range []time.Duration{0, -5 * time.Second} {
		_, err := f.space.Write(ctx, testEntry("a", 1), txn.None, d)
		assert.True(t, IsLeaseDurationError(err), "duration %v: %v", d, err)
	}

	g, err := f.space.Write(ctx, testEntry("a", 1), txn.None, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), g.Expiration, "grant is capped by policy")

	_, err = f.space.Renew(ctx, g.Cookie, 0)
	assert.True(t, IsLeaseDurationError(err))
}

func TestSpace_UnknownResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.space.Renew(ctx, "nope", time.Minute)
	assert.True(t, IsUnknownResourceError(err))
	assert.True(t, IsUnknownResourceError(f.space.Cancel(ctx, "nope")))

	g, err := f.space.Write(ctx, testEntry("a", 1), txn.None, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.space.Cancel(ctx, g.Cookie))
	assert.True(t, IsUnknownResourceError(f.space.Cancel(ctx, g.Cookie)))

	m, err := f.space.Read(ctx, byName("a"), txn.None, NoWait)
	require.NoError(t, err)
	assert.Nil(t, m, "cancelled entry must not be returned")
}

func TestSpace_ExpiredLeaseCannotBeRenewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.space.Write(ctx, testEntry("a", 1), txn.None, time.Second)
	require.NoError(t, err)
	f.clock.Step(2 * time.Second)

	_, err = f.space.Renew(ctx, g.Cookie, time.Minute)
	assert.True(t, IsUnknownResourceError(err))
}

func TestSpace_CancelRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := f.notifier.Listen("w", 8)
	require.NoError(t, f.space.Start(ctx))

	reg, err := f.space.Notify(ctx, tuple.AnyTemplate, VisibilityWrites, "w", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, f.space.Cancel(ctx, reg.Cookie))

	_, err = f.space.Write(ctx, testEntry("a", 1), txn.None, time.Minute)
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("cancelled registration notified: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, f.space.Stats().Registrations)
}

func TestSpace_MalformedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry tuple.Entry
	}{
		{"unknown type", tuple.Entry{Type: "Nope", Fields: []tuple.Value{tuple.Int(1)}}},
		{"short", tuple.Entry{Type: "TestEntry", Fields: []tuple.Value{tuple.String("a")}}},
		{"wrong kind", tuple.Entry{Type: "TestEntry", Fields: []tuple.Value{tuple.Int(1), tuple.Int(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.space.Write(ctx, tt.entry, txn.None, time.Minute)
			assert.True(t, IsMalformedError(err), "got %v", err)
		})
	}

	// A batch with one bad entry writes nothing.
	_, err := f.space.WriteAll(ctx, []tuple.Entry{testEntry("ok", 1), tests[2].entry}, txn.None, []time.Duration{time.Minute})
	assert.True(t, IsMalformedError(err))
	n, err := f.space.Count(ctx, tuple.AnyTemplate, txn.None)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSpace_WriteAllPerEntryLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grants, err := f.space.WriteAll(ctx,
		[]tuple.Entry{testEntry("a", 1), testEntry("b", 2)},
		txn.None,
		[]time.Duration{time.Second, time.Minute},
	)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, epoch.Add(time.Second), grants[0].Expiration)
	assert.Equal(t, epoch.Add(time.Minute), grants[1].Expiration)

	_, err = f.space.WriteAll(ctx, []tuple.Entry{testEntry("c", 1)}, txn.None, []time.Duration{time.Second, time.Second})
	assert.True(t, IsMalformedError(err))
}

func TestSpace_SubtypeMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	counted := tuple.Entry{Type: "Counted", Fields: []tuple.Value{tuple.String("a"), tuple.Int(1), tuple.String("t")}}
	_, err := f.space.Write(ctx, counted, txn.None, time.Minute)
	require.NoError(t, err)
	_, err = f.space.Write(ctx, testEntry("a", 2), txn.None, time.Minute)
	require.NoError(t, err)

	ms, err := f.space.Contents(ctx, byName("a"), txn.None, 0)
	require.NoError(t, err)
	assert.Len(t, ms, 2, "supertype template matches subtype entries")

	ms, err = f.space.Contents(ctx, tuple.Template{Type: "Counted"}, txn.None, 0)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, counted, ms[0].Entry)

	ms, err = f.space.Contents(ctx, tuple.AnyTemplate, txn.None, 1)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestSpace_BlockingTakeNoLostWakeup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 20

	var chans []<-chan result
	for range n {
		chans = append(chans, goTake(ctx, f.space, tuple.Template{Type: "TestEntry"}, txn.None, WaitForever))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.space.Write(ctx, testEntry("w", int64(i)), txn.None, time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, ch := range chans {
		r := await(t, ch)
		require.NoError(t, r.err)
		require.NotNil(t, r.m)
		assert.False(t, seen[r.m.Cookie], "entry %s taken twice", r.m.Cookie)
		seen[r.m.Cookie] = true
	}
	assert.Len(t, seen, n)
}

func TestSpace_ConcurrentTakesAreExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const (
		rounds  = 100
		takers  = 8
		perTake = "contested"
	)

	for round := range rounds {
		g, err := f.space.Write(ctx, testEntry(perTake, int64(round)), txn.None, time.Minute)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			start   = make(chan struct{})
		)
		for range takers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				m, err := f.space.Take(ctx, byName(perTake), txn.None, NoWait)
				assert.NoError(t, err)
				if m != nil {
					assert.Equal(t, g.Cookie, m.Cookie)
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), winners.Load(), "round %d", round)
	}

	n, err := f.space.Count(ctx, tuple.AnyTemplate, txn.None)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSpace_WaitersServedInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := goTake(ctx, f.space, byName("q"), txn.None, WaitForever)
	requireBlocked(t, f.space, 1)
	second := goTake(ctx, f.space, byName("q"), txn.None, WaitForever)
	requireBlocked(t, f.space, 2)

	g1, err := f.space.Write(ctx, testEntry("q", 1), txn.None, time.Minute)
	require.NoError(t, err)
	r := await(t, first)
	require.NoError(t, r.err)
	assert.Equal(t, g1.Cookie, r.m.Cookie)

	g2, err := f.space.Write(ctx, testEntry("q", 2), txn.None, time.Minute)
	require.NoError(t, err)
	r = await(t, second)
	require.NoError(t, r.err)
	assert.Equal(t, g2.Cookie, r.m.Cookie)
}

func TestSpace_WriteHandsCopyToReadersAndEntryToTaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reader := goRead(ctx, f.space, byName("h"), txn.None, WaitForever)
	requireBlocked(t, f.space, 1)
	taker := goTake(ctx, f.space, byName("h"), txn.None, WaitForever)
	requireBlocked(t, f.space, 2)

	g, err := f.space.Write(ctx, testEntry("h", 1), txn.None, time.Minute)
	require.NoError(t, err)

	rr := await(t, reader)
	rt := await(t, taker)
	require.NotNil(t, rr.m)
	require.NotNil(t, rt.m)
	assert.Equal(t, g.Cookie, rr.m.Cookie)
	assert.Equal(t, g.Cookie, rt.m.Cookie)

	n, err := f.space.Count(ctx, tuple.AnyTemplate, txn.None)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSpace_BlockedQueryHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := goTake(ctx, f.space, byName("never"), txn.None, WaitForever)
	requireBlocked(t, f.space, 1)
	cancel()

	r := await(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, f.space.waiters.len())
}

func TestSpace_CloseReleasesWaiters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.space.Start(ctx))

	ch := goTake(ctx, f.space, byName("never"), txn.None, WaitForever)
	requireBlocked(t, f.space, 1)
	require.NoError(t, f.space.Close())

	r := await(t, ch)
	assert.True(t, IsClosedError(r.err))

	_, err := f.space.Write(ctx, testEntry("late", 1), txn.None, time.Minute)
	assert.True(t, IsClosedError(err))
	require.NoError(t, f.space.Close(), "close is idempotent")
}

func TestSpace_IfExistsWaitsOnlyForPendingCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.space.TakeIfExists(ctx, byName("p"), txn.None, WaitForever)
	require.NoError(t, err)
	assert.Nil(t, m, "no candidate at all returns at once")

	t1, _ := f.coord.Create(0)
	_, err = f.space.Write(ctx, testEntry("p", 1), t1, time.Minute)
	require.NoError(t, err)

	ch := goTake(ctx, f.space, byName("p"), txn.None, NoWait)
	r := await(t, ch)
	assert.Nil(t, r.m)

	rch := make(chan result, 1)
	go func() {
		m, err := f.space.ReadIfExists(ctx, byName("p"), txn.None, WaitForever)
		rch <- result{m, err}
	}()
	requireBlocked(t, f.space, 1)
	require.NoError(t, f.coord.Abort(ctx, t1))

	r = await(t, rch)
	require.NoError(t, r.err)
	assert.Nil(t, r.m, "aborted candidate leaves nothing to wait for")
}

func TestSpace_UnknownTemplateType(t *testing.T) {
	f := newFixture(t)
	_, err := f.space.Read(context.Background(), tuple.Template{Type: "Nope"}, txn.None, NoWait)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownType, CodeOf(err))

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, tuple.ErrUnknownType)
}

func TestSpace_DefineTypeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.space.DefineType(ctx, testEntrySchema))

	changed := testEntrySchema
	changed.Fields = changed.Fields[:1]
	err := f.space.DefineType(ctx, changed)
	assert.True(t, IsMalformedError(err))

	err = f.space.DefineType(ctx, tuple.Schema{Name: "Orphan", Extends: "Missing"})
	assert.Equal(t, ErrCodeUnknownType, CodeOf(err))
}
