package space

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// Match is an entry returned by read or take.
type Match struct {
	Cookie string      `json:"cookie"`
	Entry  tuple.Entry `json:"entry"`
}

// waiter is a blocked read or take. It is settled exactly once: by its
// own scan, by a writer handing it an entry, or by cancellation.
type waiter struct {
	ordinal uint64
	tmpl    tuple.Template
	typ     *tuple.Type
	txn     txn.ID
	take    bool

	// mu guards the outcome. A claim for the waiter runs under it, so
	// only one scan or hand-off can settle it. Lock order: partition,
	// then waiterSet.mu, then waiter.mu.
	mu      sync.Mutex
	settled bool
	result  *Match
	err     error

	blockers map[txn.ID]struct{} // guarded by waiterSet.mu

	done     chan struct{}
	wake     chan struct{}
	finished atomic.Bool
}

func newWaiter(ordinal uint64, tmpl tuple.Template, typ *tuple.Type, id txn.ID, take bool) *waiter {
	return &waiter{
		ordinal:  ordinal,
		tmpl:     tmpl,
		typ:      typ,
		txn:      id,
		take:     take,
		blockers: make(map[txn.ID]struct{}),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks the waiter to scan again. Never blocks.
func (w *waiter) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Done reports that the blocked call has returned.
func (w *waiter) Done() bool {
	return w.finished.Load()
}

var _ txn.Query = (*waiter)(nil)

// settleLocked records the outcome and releases the blocked call. Caller
// holds w.mu.
func (w *waiter) settleLocked(m *Match, err error) {
	if w.settled {
		return
	}
	w.settled = true
	w.result = m
	w.err = err
	close(w.done)
}

func (w *waiter) settle(m *Match, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settleLocked(m, err)
}

func (w *waiter) isSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settled
}

// accepts reports whether r, stored in p, satisfies the waiter's template.
func (w *waiter) accepts(p *partition, r *record) bool {
	if w.typ != nil && !p.typ.AssignableTo(w.typ) {
		return false
	}
	d := tuple.DescriptorFor(w.tmpl, len(p.typ.Fields))
	return r.handle.Admits(d) && tuple.Matches(w.tmpl, r.handle.Entry)
}

// waiterSet holds unsettled waiters in ordinal order. Its lock guards the
// list and the blocker sets, never a claim.
type waiterSet struct {
	mu     sync.Mutex
	list   []*waiter
	closed error
}

// add registers w. A closed set settles w at once with the close error.
func (ws *waiterSet) add(w *waiter) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed != nil {
		w.settle(nil, ws.closed)
		return
	}
	i, _ := slices.BinarySearchFunc(ws.list, w.ordinal, func(x *waiter, o uint64) int {
		switch {
		case x.ordinal < o:
			return -1
		case x.ordinal > o:
			return 1
		}
		return 0
	})
	ws.list = slices.Insert(ws.list, i, w)
}

// snapshot returns the waiters in ordinal order.
func (ws *waiterSet) snapshot() []*waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return slices.Clone(ws.list)
}

// prune drops settled waiters from the list.
func (ws *waiterSet) prune() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.pruneLocked()
}

func (ws *waiterSet) pruneLocked() {
	ws.list = slices.DeleteFunc(ws.list, (*waiter).isSettled)
}

// finish settles w with (m, err) unless it was settled already, and
// returns its outcome either way. A blocked call must return what finish
// reports so a handed-off entry is never dropped.
func (ws *waiterSet) finish(w *waiter, m *Match, err error) (*Match, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w.mu.Lock()
	w.settleLocked(m, err)
	m, err = w.result, w.err
	w.mu.Unlock()
	ws.pruneLocked()
	w.finished.Store(true)
	return m, err
}

// block records txns as blockers of w.
func (ws *waiterSet) block(w *waiter, txns []txn.ID) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, id := range txns {
		w.blockers[id] = struct{}{}
	}
}

// wakeBlocked wakes every waiter blocked by id.
func (ws *waiterSet) wakeBlocked(id txn.ID) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.list {
		if _, ok := w.blockers[id]; ok && !w.isSettled() {
			w.Wake()
		}
	}
}

// closeAll settles every waiter with err and refuses new ones.
func (ws *waiterSet) closeAll(err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closed = err
	for _, w := range ws.list {
		w.settle(nil, err)
	}
	ws.list = nil
}

func (ws *waiterSet) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.list)
}
