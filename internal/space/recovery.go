package space

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// RecoveryStats describes one recovery.
type RecoveryStats struct {
	SnapshotSeq   int64 `json:"snapshot_seq"`
	Records       int   `json:"records"`
	Entries       int   `json:"entries"`
	Registrations int   `json:"registrations"`
	PendingTxns   int   `json:"pending_transactions"`
	Expired       int   `json:"expired"`
}

// recover rebuilds the space from the snapshot and the log records after
// it. Every record is applied idempotently: a write of a cookie already
// held, or a take or cancel of one no longer held, changes nothing.
func (s *Space) recover(ctx context.Context) error {
	var stats RecoveryStats

	snap, err := s.log.LoadSnapshot(ctx)
	if err != nil {
		return corruption(err, 0)
	}
	if snap != nil {
		if err := s.restoreSnapshot(snap); err != nil {
			return corruption(err, 0)
		}
		stats.SnapshotSeq = snap.LogSeq
	}

	err = s.log.Scan(ctx, stats.SnapshotSeq, func(rec store.Record) error {
		stats.Records++
		if err := s.replay(rec.Op); err != nil {
			return fmt.Errorf("replay %s record %d: %w", rec.Op.Kind(), rec.Seq, err)
		}
		return nil
	})
	if err != nil {
		var cerr *store.CorruptionError
		if errors.As(err, &cerr) {
			return corruption(err, cerr.Seq)
		}
		return corruption(err, 0)
	}

	s.regMu.Lock()
	for _, reg := range s.regs {
		reg.seq += seqGap
	}
	stats.Registrations = len(s.regs)
	s.regMu.Unlock()

	for _, l := range s.leases.CollectExpired(s.clock.Now()) {
		if err := s.expire(ctx, l); err != nil {
			return fmt.Errorf("recovery: expire %s: %w", l.Cookie, err)
		}
		stats.Expired++
	}

	s.txnMu.Lock()
	stats.PendingTxns = len(s.txns)
	for id := range s.txns {
		s.monitor.Watch(id)
	}
	s.txnMu.Unlock()

	s.indexMu.Lock()
	stats.Entries = len(s.index)
	s.indexMu.Unlock()

	if snap != nil || stats.Records > 0 {
		s.logger.Info("space recovered",
			"snapshot_seq", stats.SnapshotSeq,
			"records", stats.Records,
			"entries", stats.Entries,
			"registrations", stats.Registrations,
			"pending_txns", stats.PendingTxns,
			"expired", stats.Expired,
		)
	}
	s.recovered = stats
	return nil
}

// Recovered returns what the last recovery replayed.
func (s *Space) Recovered() RecoveryStats {
	return s.recovered
}

func corruption(err error, seq int64) error {
	e := newError(ErrCodeRecoveryCorruption, err, "recovery log cannot be replayed")
	if seq > 0 {
		e.Details = map[string]string{"seq": strconv.FormatInt(seq, 10)}
	}
	return e
}

// rejoinRecovered enlists the space again in transactions left pending by
// the log, so a coordinator that survived the restart reaches it at
// commit. A transaction the coordinator rejects is left to the monitor.
func (s *Space) rejoinRecovered(ctx context.Context) {
	s.txnMu.Lock()
	ids := make([]txn.ID, 0, len(s.txns))
	for id := range s.txns {
		ids = append(ids, id)
	}
	s.txnMu.Unlock()

	for _, id := range ids {
		if err := s.coord.Join(ctx, id, s); err != nil {
			s.logger.Warn("could not rejoin recovered transaction", "txn", string(id), "error", err)
		}
	}
}

func (s *Space) restoreSnapshot(snap *store.Snapshot) error {
	for _, sc := range snap.Schemas {
		t, err := s.types.Register(sc)
		if err != nil {
			return fmt.Errorf("snapshot schema %q: %w", sc.Name, err)
		}
		s.partitionFor(t)
	}
	for _, es := range snap.Entries {
		e, err := es.Entry.Entry()
		if err != nil {
			return fmt.Errorf("snapshot entry %s: %w", es.Cookie, err)
		}
		if err := s.restoreEntry(es.Cookie, e, es.Expiration, txn.ID(es.WriteTxn), txn.ID(es.TakeTxn)); err != nil {
			return fmt.Errorf("snapshot entry %s: %w", es.Cookie, err)
		}
	}
	for _, rd := range snap.Registrations {
		if err := s.restoreRegistration(rd); err != nil {
			return fmt.Errorf("snapshot registration %s: %w", rd.Cookie, err)
		}
	}
	return nil
}

// replay applies one log record.
func (s *Space) replay(op store.Op) error {
	switch op := op.(type) {
	case store.DefineOp:
		t, err := s.types.Register(op.Schema)
		if err != nil {
			return err
		}
		s.partitionFor(t)
		return nil

	case store.WriteOp:
		if s.indexGet(op.Cookie) != nil {
			return nil
		}
		e, err := op.Entry.Entry()
		if err != nil {
			return err
		}
		return s.restoreEntry(op.Cookie, e, op.Expiration, txn.ID(op.Txn), txn.None)

	case store.TakeOp:
		p := s.indexGet(op.Cookie)
		if p == nil {
			return nil
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		r, ok := p.byCookie[op.Cookie]
		if !ok {
			return nil
		}
		id := txn.ID(op.Txn)
		if id == txn.None || r.writeTxn == id {
			s.leases.Remove(op.Cookie)
			s.removeEntryLocked(p, r)
			return nil
		}
		if r.takeTxn != id {
			r.takeTxn = id
			rec := s.replayTxn(id)
			rec.takes = append(rec.takes, op.Cookie)
		}
		return nil

	case store.RenewOp:
		l, ok := s.leases.Get(op.Cookie)
		if !ok {
			return nil
		}
		l.Expiration = op.Expiration.UTC()
		s.leases.Grant(l)
		return nil

	case store.CancelOp:
		l, ok := s.leases.Remove(op.Cookie)
		if !ok {
			if p := s.indexGet(op.Cookie); p != nil {
				l = lease.Lease{Cookie: op.Cookie, Kind: lease.KindEntry}
			} else {
				l = lease.Lease{Cookie: op.Cookie, Kind: lease.KindRegistration}
			}
		}
		unlock, held := s.lockResource(l)
		if !held {
			return nil
		}
		s.dropLocked(l)
		unlock()
		return nil

	case store.RegisterOp:
		s.regMu.Lock()
		_, ok := s.regs[op.Registration.Cookie]
		s.regMu.Unlock()
		if ok {
			return nil
		}
		return s.restoreRegistration(op.Registration)

	case store.ResolveOp:
		state, err := txn.ParseState(op.State)
		if err != nil {
			return err
		}
		if !state.Resolved() {
			return fmt.Errorf("transaction %s resolved as %s", op.Txn, op.State)
		}
		rec := s.txnRecord(txn.ID(op.Txn))
		if rec == nil {
			return nil
		}
		rec.phase = phaseResolved
		s.forgetTxn(rec)
		s.applyResolution(context.Background(), rec.id, state == txn.StateCommitted, rec.writes, rec.takes, false)
		return nil

	default:
		return fmt.Errorf("unexpected record %T", op)
	}
}

// restoreEntry inserts an entry recovered from a snapshot or log record.
func (s *Space) restoreEntry(cookie string, e tuple.Entry, exp time.Time, writeTxn, takeTxn txn.ID) error {
	typ, err := s.types.ValidateEntry(e)
	if err != nil {
		return err
	}
	p := s.partitionFor(typ)
	r := &record{
		cookie:   cookie,
		handle:   tuple.NewHandle(e.Normalize()),
		ordinal:  s.ordinals.Next(),
		writeTxn: writeTxn,
		takeTxn:  takeTxn,
	}

	p.mu.Lock()
	p.insertLocked(r)
	p.mu.Unlock()
	s.leases.Grant(lease.Lease{Cookie: cookie, Kind: lease.KindEntry, Expiration: exp.UTC()})
	s.indexPut(cookie, p)
	s.metrics.EntryAdded(typ.Name)

	if writeTxn != txn.None {
		rec := s.replayTxn(writeTxn)
		rec.writes = append(rec.writes, cookie)
	}
	if takeTxn != txn.None {
		rec := s.replayTxn(takeTxn)
		rec.takes = append(rec.takes, cookie)
	}
	return nil
}

func (s *Space) restoreRegistration(rd store.RegistrationData) error {
	tmpl, err := rd.Template.Template()
	if err != nil {
		return err
	}
	typ, err := s.types.ValidateTemplate(tmpl)
	if err != nil {
		return err
	}
	vis := Visibility(rd.Visibility)
	if vis != VisibilityWrites && vis != VisibilityCommitted {
		return fmt.Errorf("unknown visibility %d", rd.Visibility)
	}

	s.regMu.Lock()
	s.regs[rd.Cookie] = &registration{
		cookie:     rd.Cookie,
		tmpl:       tmpl.Normalize(),
		typ:        typ,
		visibility: vis,
		listener:   rd.Listener,
		handback:   rd.Handback,
		ordinal:    s.ordinals.Next(),
		seq:        rd.Seq,
	}
	s.regMu.Unlock()
	s.leases.Grant(lease.Lease{Cookie: rd.Cookie, Kind: lease.KindRegistration, Expiration: rd.Expiration.UTC()})
	return nil
}

// replayTxn returns the record of a transaction seen during recovery,
// creating it without contacting the coordinator.
func (s *Space) replayTxn(id txn.ID) *txnRecord {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	rec, ok := s.txns[id]
	if !ok {
		rec = &txnRecord{id: id}
		s.txns[id] = rec
	}
	return rec
}
