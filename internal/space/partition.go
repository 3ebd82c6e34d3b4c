package space

import (
	"sync"

	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// record is one stored entry. Fields other than handle are guarded by the
// owning partition's mutex.
type record struct {
	cookie  string
	handle  tuple.Handle
	ordinal uint64

	// writeTxn is set while the write is pending under a transaction.
	writeTxn txn.ID
	// takeTxn is set while a transaction holds the entry taken.
	takeTxn txn.ID

	removed bool
}

// partition holds the entries of one declared type in ordinal order.
//
// Every mutation of a partition's entries, and of the lease-table and log
// state that gates them, happens under mu.
type partition struct {
	mu  sync.Mutex
	typ *tuple.Type

	records  []*record
	byCookie map[string]*record
	dead     int
}

func newPartition(typ *tuple.Type) *partition {
	return &partition{typ: typ, byCookie: make(map[string]*record)}
}

// insertLocked appends r. Records arrive in ordinal order except during
// recovery, which restores them in their logged order.
func (p *partition) insertLocked(r *record) {
	p.records = append(p.records, r)
	p.byCookie[r.cookie] = r
}

// removeLocked drops r and compacts once half the slice is dead.
func (p *partition) removeLocked(r *record) {
	if r.removed {
		return
	}
	r.removed = true
	delete(p.byCookie, r.cookie)
	p.dead++
	if p.dead > 32 && p.dead*2 > len(p.records) {
		live := p.records[:0]
		for _, rec := range p.records {
			if !rec.removed {
				live = append(live, rec)
			}
		}
		clear(p.records[len(live):])
		p.records = live
		p.dead = 0
	}
}

// liveLocked returns the number of stored entries.
func (p *partition) liveLocked() int {
	return len(p.byCookie)
}
