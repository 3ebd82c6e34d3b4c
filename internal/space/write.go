package space

import (
	"context"
	"time"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// LeaseGrant identifies a leased resource and when its lease runs out.
type LeaseGrant struct {
	Cookie     string    `json:"cookie"`
	Expiration time.Time `json:"expiration"`
}

// Write stores e for the requested lease duration. Without a transaction
// the entry is visible at once; under one it stays pending until the
// transaction commits.
func (s *Space) Write(ctx context.Context, e tuple.Entry, id txn.ID, d time.Duration) (LeaseGrant, error) {
	grants, err := s.WriteAll(ctx, []tuple.Entry{e}, id, []time.Duration{d})
	if err != nil {
		return LeaseGrant{}, err
	}
	return grants[0], nil
}

// WriteAll writes entries in order. leases holds either one duration for
// every entry or one per entry. Every entry is validated before any is
// written; a log failure part way leaves the earlier entries written.
func (s *Space) WriteAll(ctx context.Context, entries []tuple.Entry, id txn.ID, leases []time.Duration) (grants []LeaseGrant, err error) {
	defer func() { s.metrics.Operation("write", outcome(err)) }()

	if s.closed.Load() {
		return nil, errClosed
	}
	if len(leases) != 1 && len(leases) != len(entries) {
		return nil, newError(ErrCodeMalformedEntry, nil, "%d lease durations for %d entries", len(leases), len(entries))
	}

	types := make([]*tuple.Type, len(entries))
	durations := make([]time.Duration, len(entries))
	normalized := make([]tuple.Entry, len(entries))
	for i, e := range entries {
		normalized[i] = e.Normalize()
		types[i], err = s.types.ValidateEntry(normalized[i])
		if err != nil {
			return nil, validationError(err)
		}
		req := leases[0]
		if len(leases) > 1 {
			req = leases[i]
		}
		durations[i], err = s.policy.Grant(req)
		if err != nil {
			return nil, newError(ErrCodeLeaseDuration, err, "lease of %v rejected", req)
		}
	}

	var rec *txnRecord
	if id != txn.None {
		if rec, err = s.joinTxn(ctx, id); err != nil {
			return nil, err
		}
	}

	grants = make([]LeaseGrant, 0, len(entries))
	for i, e := range normalized {
		g, err := s.writeOne(ctx, types[i], e, id, rec, durations[i])
		if err != nil {
			return grants, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

func (s *Space) writeOne(ctx context.Context, typ *tuple.Type, e tuple.Entry, id txn.ID, rec *txnRecord, d time.Duration) (LeaseGrant, error) {
	p := s.partitionFor(typ)
	r := &record{
		cookie:  s.cookies.Generate(),
		handle:  tuple.NewHandle(e),
		ordinal: s.ordinals.Next(),
	}

	p.mu.Lock()
	exp := s.clock.Now().Add(d)
	op := store.WriteOp{Cookie: r.cookie, Entry: e.Serialize(), Expiration: exp, Txn: string(id)}

	if rec != nil {
		rec.mu.Lock()
		if rec.phase != phaseActive {
			rec.mu.Unlock()
			p.mu.Unlock()
			return LeaseGrant{}, newError(ErrCodeTransactionInactive, nil, "transaction %s is %s", id, rec.phase)
		}
		if _, err := s.append(ctx, op); err != nil {
			rec.mu.Unlock()
			p.mu.Unlock()
			return LeaseGrant{}, err
		}
		r.writeTxn = id
		rec.writes = append(rec.writes, r.cookie)
		rec.mu.Unlock()
	} else if _, err := s.append(ctx, op); err != nil {
		p.mu.Unlock()
		return LeaseGrant{}, err
	}

	p.insertLocked(r)
	s.leases.Grant(lease.Lease{Cookie: r.cookie, Kind: lease.KindEntry, Expiration: exp})
	s.indexPut(r.cookie, p)
	s.metrics.EntryAdded(typ.Name)

	var events []event
	if rec == nil {
		events = s.eventsFor(p, r, false)
		s.offerLocked(ctx, p, r, txn.None)
	} else {
		s.offerLocked(ctx, p, r, id)
	}
	p.mu.Unlock()

	s.deliver(events)
	return LeaseGrant{Cookie: r.cookie, Expiration: exp}, nil
}
