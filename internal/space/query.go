package space

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

const (
	// NoWait makes a read or take return at once.
	NoWait time.Duration = 0
	// WaitForever makes a read or take block until it is satisfied.
	WaitForever time.Duration = math.MaxInt64
)

// query is one read or take request.
type query struct {
	op       string
	tmpl     tuple.Template
	typ      *tuple.Type
	txn      txn.ID
	take     bool
	ifExists bool
}

// Read returns a copy of an entry matching tmpl that is visible to id,
// blocking up to timeout for one to appear. It returns nil when none
// appears in time.
func (s *Space) Read(ctx context.Context, tmpl tuple.Template, id txn.ID, timeout time.Duration) (*Match, error) {
	return s.run(ctx, query{op: "read", tmpl: tmpl, txn: id}, timeout)
}

// Take is Read that also removes the entry. Under a transaction the entry
// stays withheld from everyone else until the transaction resolves.
func (s *Space) Take(ctx context.Context, tmpl tuple.Template, id txn.ID, timeout time.Duration) (*Match, error) {
	return s.run(ctx, query{op: "take", tmpl: tmpl, txn: id, take: true}, timeout)
}

// ReadIfExists is Read that only waits while every candidate is pending
// under another transaction. It returns nil as soon as no such candidate
// remains.
func (s *Space) ReadIfExists(ctx context.Context, tmpl tuple.Template, id txn.ID, timeout time.Duration) (*Match, error) {
	return s.run(ctx, query{op: "read_if_exists", tmpl: tmpl, txn: id, ifExists: true}, timeout)
}

// TakeIfExists is the take form of ReadIfExists.
func (s *Space) TakeIfExists(ctx context.Context, tmpl tuple.Template, id txn.ID, timeout time.Duration) (*Match, error) {
	return s.run(ctx, query{op: "take_if_exists", tmpl: tmpl, txn: id, take: true, ifExists: true}, timeout)
}

func (s *Space) run(ctx context.Context, q query, timeout time.Duration) (m *Match, err error) {
	defer func() { s.metrics.Operation(q.op, outcome(err)) }()

	if s.closed.Load() {
		return nil, errClosed
	}
	q.tmpl = q.tmpl.Normalize()
	q.typ, err = s.types.ValidateTemplate(q.tmpl)
	if err != nil {
		return nil, validationError(err)
	}
	if q.take && q.txn != txn.None {
		if _, err := s.joinTxn(ctx, q.txn); err != nil {
			return nil, err
		}
	}

	m, blockers, err := s.scan(ctx, q, nil)
	if err != nil || m != nil {
		return m, err
	}
	if timeout <= NoWait || (q.ifExists && len(blockers) == 0) {
		return nil, nil
	}
	return s.wait(ctx, q, timeout)
}

// wait blocks q as a waiter. The waiter is registered before the second
// scan, so a write landing between the two scans is offered to it.
func (s *Space) wait(ctx context.Context, q query, timeout time.Duration) (*Match, error) {
	w := newWaiter(s.ordinals.Next(), q.tmpl, q.typ, q.txn, q.take)
	s.waiters.add(w)
	s.metrics.BlockedQueries(1)
	defer s.metrics.BlockedQueries(-1)

	var expired <-chan time.Time
	if timeout != WaitForever {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}

	for {
		m, blockers, err := s.scan(ctx, q, w)
		if err != nil || m != nil {
			return s.waiters.finish(w, m, err)
		}
		if q.ifExists && len(blockers) == 0 {
			return s.waiters.finish(w, nil, nil)
		}
		if len(blockers) > 0 {
			s.waiters.block(w, blockers)
			if s.anyResolved(blockers) {
				// Resolved between the scan and block; its wake was missed.
				continue
			}
			s.monitor.RegisterInterest(w, blockers)
		}

		select {
		case <-w.done:
			return s.waiters.finish(w, nil, nil)
		case <-w.wake:
		case <-expired:
			return s.waiters.finish(w, nil, nil)
		case <-ctx.Done():
			return s.waiters.finish(w, nil, ctx.Err())
		}
	}
}

// scan looks for a visible match and claims it for a take. It returns the
// transactions withholding matching entries when nothing is found. With
// a waiter, a claim only happens if the waiter is still unsettled, and an
// entry handed to it meanwhile is returned instead.
func (s *Space) scan(ctx context.Context, q query, w *waiter) (*Match, []txn.ID, error) {
	var blockers []txn.ID
	now := s.clock.Now()
	for _, p := range s.candidates(q.typ) {
		m, err := s.scanPartition(ctx, p, q, w, now, &blockers)
		if err != nil || m != nil {
			return m, nil, err
		}
	}
	return nil, blockers, nil
}

func (s *Space) scanPartition(ctx context.Context, p *partition, q query, w *waiter, now time.Time, blockers *[]txn.ID) (*Match, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := tuple.DescriptorFor(q.tmpl, len(p.typ.Fields))
	for _, r := range p.records {
		if r.removed || !r.handle.Admits(d) || !tuple.Matches(q.tmpl, r.handle.Entry) {
			continue
		}
		if !visibleTo(r, q.txn, blockers) {
			continue
		}
		if !s.liveLocked(r.cookie, now) {
			continue
		}

		if w == nil {
			m, ok, err := s.claimLocked(ctx, p, r, q.txn, q.take)
			if err != nil || ok {
				return m, err
			}
			continue
		}

		w.mu.Lock()
		if w.settled {
			m, err := w.result, w.err
			w.mu.Unlock()
			return m, err
		}
		m, ok, err := s.claimLocked(ctx, p, r, q.txn, q.take)
		if ok {
			w.settleLocked(m, nil)
		}
		w.mu.Unlock()
		if err != nil || ok {
			return m, err
		}
	}
	return nil, nil
}

// visibleTo reports whether r may be returned to an operation under id,
// adding the transaction that withholds it to blockers otherwise.
func visibleTo(r *record, id txn.ID, blockers *[]txn.ID) bool {
	if r.writeTxn != txn.None && r.writeTxn != id {
		addBlocker(blockers, r.writeTxn)
		return false
	}
	if r.takeTxn != txn.None {
		if r.takeTxn != id {
			addBlocker(blockers, r.takeTxn)
		}
		return false
	}
	return true
}

// anyResolved reports whether any of ids has been resolved here. A
// transaction leaves the table before its blocked waiters are woken.
func (s *Space) anyResolved(ids []txn.ID) bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	for _, id := range ids {
		if _, ok := s.txns[id]; !ok {
			return true
		}
	}
	return false
}

func addBlocker(blockers *[]txn.ID, id txn.ID) {
	if !slices.Contains(*blockers, id) {
		*blockers = append(*blockers, id)
	}
}

// liveLocked checks the entry's lease. An entry whose lease ran out is a
// miss; its lease is pulled from the table and queued for expiration.
func (s *Space) liveLocked(cookie string, now time.Time) bool {
	if l, ok := s.leases.RemoveIfExpired(cookie, now); ok {
		s.expiry.Enqueue(l)
		return false
	}
	return s.leases.Live(cookie, now)
}

// claimLocked returns r for a read or removes it for a take. ok is false
// when the entry's lease was lost to a concurrent expiration or cancel.
// Caller holds p.mu.
func (s *Space) claimLocked(ctx context.Context, p *partition, r *record, id txn.ID, take bool) (*Match, bool, error) {
	m := &Match{Cookie: r.cookie, Entry: r.handle.Entry.Clone()}
	if !take {
		return m, true, nil
	}

	if id == txn.None {
		l, ok := s.leases.Remove(r.cookie)
		if !ok {
			return nil, false, nil
		}
		if _, err := s.append(ctx, store.TakeOp{Cookie: r.cookie}); err != nil {
			s.leases.Grant(l)
			return nil, false, err
		}
		s.removeEntryLocked(p, r)
		return m, true, nil
	}

	rec := s.txnRecord(id)
	if rec == nil {
		return nil, false, newError(ErrCodeTransactionInactive, nil, "transaction %s is not active in this space", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.phase != phaseActive {
		return nil, false, newError(ErrCodeTransactionInactive, nil, "transaction %s is %s", id, rec.phase)
	}
	if _, err := s.append(ctx, store.TakeOp{Cookie: r.cookie, Txn: string(id)}); err != nil {
		return nil, false, err
	}
	if r.writeTxn == id {
		// Written and taken under the same transaction: nobody else ever
		// saw it, so it is simply gone.
		s.leases.Remove(r.cookie)
		s.removeEntryLocked(p, r)
		return m, true, nil
	}
	r.takeTxn = id
	rec.takes = append(rec.takes, r.cookie)
	return m, true, nil
}

// offerLocked hands a newly visible entry to blocked queries in ordinal
// order: every matching read receives a copy, and the first matching take
// claims it. only restricts the offer to waiters under that transaction.
// Caller holds p.mu.
func (s *Space) offerLocked(ctx context.Context, p *partition, r *record, only txn.ID) {
	defer s.waiters.prune()

	for _, w := range s.waiters.snapshot() {
		if r.removed {
			return
		}
		if only != txn.None && w.txn != only {
			continue
		}
		if !w.accepts(p, r) {
			continue
		}
		if s.offerTo(ctx, p, r, w) {
			return
		}
	}
}

// offerTo claims r for w unless w is already settled. It reports whether
// the offer is over: the entry was taken or its lease lost.
func (s *Space) offerTo(ctx context.Context, p *partition, r *record, w *waiter) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return false
	}
	m, ok, err := s.claimLocked(ctx, p, r, w.txn, w.take)
	if err != nil {
		s.logger.Warn("hand-off to blocked query failed",
			"cookie", r.cookie, "waiter_txn", string(w.txn), "error", err)
		return false
	}
	if !ok {
		return true
	}
	w.settleLocked(m, nil)
	return w.take
}

// Contents returns up to limit visible entries matching tmpl, in ordinal
// order within each type. A limit of zero or less means no limit. It
// never blocks and never removes anything.
func (s *Space) Contents(ctx context.Context, tmpl tuple.Template, id txn.ID, limit int) ([]Match, error) {
	var err error
	defer func() { s.metrics.Operation("contents", outcome(err)) }()

	if s.closed.Load() {
		return nil, errClosed
	}
	tmpl = tmpl.Normalize()
	typ, verr := s.types.ValidateTemplate(tmpl)
	if verr != nil {
		err = validationError(verr)
		return nil, err
	}

	var out []Match
	now := s.clock.Now()
	for _, p := range s.candidates(typ) {
		p.mu.Lock()
		d := tuple.DescriptorFor(tmpl, len(p.typ.Fields))
		var ignored []txn.ID
		for _, r := range p.records {
			if limit > 0 && len(out) >= limit {
				break
			}
			if r.removed || !r.handle.Admits(d) || !tuple.Matches(tmpl, r.handle.Entry) {
				continue
			}
			if !visibleTo(r, id, &ignored) || !s.liveLocked(r.cookie, now) {
				continue
			}
			out = append(out, Match{Cookie: r.cookie, Entry: r.handle.Entry.Clone()})
		}
		p.mu.Unlock()
		if err = ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Count returns the number of visible entries matching tmpl.
func (s *Space) Count(ctx context.Context, tmpl tuple.Template, id txn.ID) (int, error) {
	ms, err := s.Contents(ctx, tmpl, id, 0)
	return len(ms), err
}
