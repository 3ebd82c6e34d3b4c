package space

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/txn"
)

type txnPhase int

const (
	phaseActive txnPhase = iota
	phasePreparing
	phaseResolved
)

func (p txnPhase) String() string {
	switch p {
	case phaseActive:
		return "active"
	case phasePreparing:
		return "preparing"
	case phaseResolved:
		return "resolved"
	default:
		return fmt.Sprintf("txnPhase(%d)", int(p))
	}
}

// txnRecord is the space's view of a transaction it takes part in.
// Writes and takes list cookies in the order they happened; entries
// cancelled or expired meanwhile are skipped at resolution.
type txnRecord struct {
	mu     sync.Mutex
	id     txn.ID
	phase  txnPhase
	writes []string
	takes  []string
}

var _ txn.Participant = (*Space)(nil)
var _ txn.Resolver = (*Space)(nil)

func (s *Space) txnRecord(id txn.ID) *txnRecord {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	return s.txns[id]
}

// joinTxn returns the space's record of id, joining the coordinator the
// first time the space sees it.
func (s *Space) joinTxn(ctx context.Context, id txn.ID) (*txnRecord, error) {
	if rec := s.txnRecord(id); rec != nil {
		return rec, nil
	}

	if err := s.coord.Join(ctx, id, s); err != nil {
		switch {
		case errors.Is(err, txn.ErrInactive):
			return nil, newError(ErrCodeTransactionInactive, err, "cannot join transaction %s", id)
		default:
			return nil, newError(ErrCodeTransactionUnknown, err, "cannot join transaction %s", id)
		}
	}

	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if rec, ok := s.txns[id]; ok {
		return rec, nil
	}
	rec := &txnRecord{id: id}
	s.txns[id] = rec
	s.logger.Debug("joined transaction", "txn", string(id))
	return rec, nil
}

// Prepare votes NotChanged when the transaction did nothing here, which
// also ends the space's involvement; otherwise it stops the transaction
// from taking new work and votes Prepared.
func (s *Space) Prepare(ctx context.Context, id txn.ID) (txn.Vote, error) {
	rec := s.txnRecord(id)
	if rec == nil {
		return txn.VoteNotChanged, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.phase {
	case phaseResolved:
		return txn.VoteNotChanged, nil
	case phasePreparing:
		return txn.VotePrepared, nil
	}
	if len(rec.writes) == 0 && len(rec.takes) == 0 {
		rec.phase = phaseResolved
		s.forgetTxn(rec)
		return txn.VoteNotChanged, nil
	}
	rec.phase = phasePreparing
	return txn.VotePrepared, nil
}

// Commit makes the transaction's writes visible and its takes final.
func (s *Space) Commit(ctx context.Context, id txn.ID) error {
	return s.ResolveTransaction(ctx, id, txn.StateCommitted)
}

// Abort discards the transaction's writes and releases its takes.
func (s *Space) Abort(ctx context.Context, id txn.ID) error {
	return s.ResolveTransaction(ctx, id, txn.StateAborted)
}

// ResolveTransaction applies a transaction outcome. It is idempotent:
// resolving an unknown or already resolved transaction does nothing.
// The outcome is logged before any entry changes.
func (s *Space) ResolveTransaction(ctx context.Context, id txn.ID, state txn.State) error {
	if state != txn.StateCommitted && state != txn.StateAborted {
		return fmt.Errorf("resolve %s: %s is not an outcome", id, state)
	}

	s.resolveMu.RLock()
	defer s.resolveMu.RUnlock()

	rec := s.txnRecord(id)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	if rec.phase == phaseResolved {
		rec.mu.Unlock()
		return nil
	}
	if _, err := s.append(ctx, store.ResolveOp{Txn: string(id), State: state.String()}); err != nil {
		rec.mu.Unlock()
		return err
	}
	rec.phase = phaseResolved
	writes, takes := rec.writes, rec.takes
	rec.mu.Unlock()

	s.forgetTxn(rec)
	s.applyResolution(ctx, id, state == txn.StateCommitted, writes, takes, true)
	s.waiters.wakeBlocked(id)

	s.logger.Debug("transaction resolved",
		"txn", string(id), "state", state.String(), "writes", len(writes), "takes", len(takes))
	return nil
}

func (s *Space) forgetTxn(rec *txnRecord) {
	s.txnMu.Lock()
	if s.txns[rec.id] == rec {
		delete(s.txns, rec.id)
	}
	s.txnMu.Unlock()
}

// applyResolution updates the entries a transaction touched. When live,
// newly visible entries are offered to blocked queries and event
// registrations; replay passes false.
func (s *Space) applyResolution(ctx context.Context, id txn.ID, committed bool, writes, takes []string, live bool) {
	for _, cookie := range writes {
		p := s.indexGet(cookie)
		if p == nil {
			continue
		}
		var events []event
		p.mu.Lock()
		r, ok := p.byCookie[cookie]
		if ok && r.writeTxn == id {
			if committed {
				r.writeTxn = txn.None
				if live && s.leases.Live(cookie, s.clock.Now()) {
					events = s.eventsFor(p, r, true)
					s.offerLocked(ctx, p, r, txn.None)
				}
			} else {
				s.leases.Remove(cookie)
				s.removeEntryLocked(p, r)
			}
		}
		p.mu.Unlock()
		s.deliver(events)
	}

	for _, cookie := range takes {
		p := s.indexGet(cookie)
		if p == nil {
			continue
		}
		p.mu.Lock()
		r, ok := p.byCookie[cookie]
		if ok && r.takeTxn == id {
			if committed {
				s.leases.Remove(cookie)
				s.removeEntryLocked(p, r)
			} else {
				r.takeTxn = txn.None
				if live && s.leases.Live(cookie, s.clock.Now()) {
					s.offerLocked(ctx, p, r, txn.None)
				}
			}
		}
		p.mu.Unlock()
	}
}
