package lease

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrUnknownLease is returned when a cookie has no live lease.
var ErrUnknownLease = errors.New("unknown lease")

// Kind identifies what a lease governs.
type Kind uint8

const (
	KindEntry Kind = iota + 1
	KindRegistration
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Lease is a resource cookie and the instant its grant runs out.
type Lease struct {
	Cookie     string
	Kind       Kind
	Expiration time.Time
}

// Expired reports whether the lease has run out at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expiration)
}

// Table maps cookies to expiration times. It is the single source of
// truth for whether a resource is still alive: a cookie absent from the
// table, or present with a past expiration, must not be matched.
//
// Removal is the arbitration point between take, cancel and expiration:
// whichever caller's Remove (or CollectExpired) returns the lease owns the
// resource's disappearance.
//
// Thread-safety: safe for concurrent use. The space calls it while holding
// a partition lock; the table's own lock is a leaf.
type Table struct {
	mu     sync.Mutex
	leases map[string]*item
	order  expiryHeap
}

type item struct {
	lease Lease
	index int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{leases: make(map[string]*item)}
}

// Grant records or replaces the lease for l.Cookie.
func (t *Table) Grant(l Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if it, ok := t.leases[l.Cookie]; ok {
		it.lease = l
		heap.Fix(&t.order, it.index)
		return
	}
	it := &item{lease: l}
	t.leases[l.Cookie] = it
	heap.Push(&t.order, it)
}

// Renew moves the expiration of a live lease. A lease that has already
// run out at now cannot be renewed.
func (t *Table) Renew(cookie string, expiration, now time.Time) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.leases[cookie]
	if !ok || it.lease.Expired(now) {
		return Lease{}, ErrUnknownLease
	}
	it.lease.Expiration = expiration
	heap.Fix(&t.order, it.index)
	return it.lease, nil
}

// Get returns the lease for cookie.
func (t *Table) Get(cookie string) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.leases[cookie]
	if !ok {
		return Lease{}, false
	}
	return it.lease, true
}

// Live reports whether cookie holds a lease that has not run out at now.
func (t *Table) Live(cookie string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.leases[cookie]
	return ok && !it.lease.Expired(now)
}

// Remove deletes the lease. Only one caller ever gets ok == true for a
// given grant.
func (t *Table) Remove(cookie string) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(cookie)
}

// RemoveIfExpired deletes the lease only if it has run out at now. This is
// the lazy detection path used by match scans.
func (t *Table) RemoveIfExpired(cookie string, now time.Time) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.leases[cookie]
	if !ok || !it.lease.Expired(now) {
		return Lease{}, false
	}
	return t.removeLocked(cookie)
}

func (t *Table) removeLocked(cookie string) (Lease, bool) {
	it, ok := t.leases[cookie]
	if !ok {
		return Lease{}, false
	}
	heap.Remove(&t.order, it.index)
	delete(t.leases, cookie)
	return it.lease, true
}

// CollectExpired removes and returns every lease that has run out at now,
// earliest first.
func (t *Table) CollectExpired(now time.Time) []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Lease
	for t.order.Len() > 0 {
		next := t.order[0]
		if !next.lease.Expired(now) {
			break
		}
		heap.Pop(&t.order)
		delete(t.leases, next.lease.Cookie)
		out = append(out, next.lease)
	}
	return out
}

// NextExpiration returns the earliest expiration in the table.
func (t *Table) NextExpiration() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.order.Len() == 0 {
		return time.Time{}, false
	}
	return t.order[0].lease.Expiration, true
}

// Len returns the number of leases held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

// Snapshot returns a copy of every lease.
func (t *Table) Snapshot() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Lease, 0, len(t.leases))
	for _, it := range t.leases {
		out = append(out, it.lease)
	}
	return out
}

// expiryHeap is a min-heap on expiration time.
type expiryHeap []*item

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].lease.Expiration.Equal(h[j].lease.Expiration) {
		return h[i].lease.Cookie < h[j].lease.Cookie
	}
	return h[i].lease.Expiration.Before(h[j].lease.Expiration)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
