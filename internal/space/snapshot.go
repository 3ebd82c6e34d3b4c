package space

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/roach88/tuplespace/internal/store"
)

// Snapshot saves an image of the space and truncates the log behind it.
// Partitions are copied one at a time under their own locks, so client
// operations keep running; log records appended while copying are
// replayed on top of the image at recovery. Returns the log sequence the
// image is tagged with.
func (s *Space) Snapshot(ctx context.Context) (int64, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	started := time.Now()
	snap, err := s.capture(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.log.SaveSnapshot(ctx, snap); err != nil {
		return 0, err
	}
	s.sinceSnapshot.Store(0)

	elapsed := time.Since(started)
	s.metrics.Snapshot(elapsed)
	s.logger.Info("snapshot saved",
		"log_seq", snap.LogSeq,
		"entries", len(snap.Entries),
		"registrations", len(snap.Registrations),
		"duration", elapsed,
	)
	return snap.LogSeq, nil
}

// capture copies the space. Resolutions hold resolveMu for reading from
// their log append until every entry is updated, so once the write lock
// is granted every record at or below the sequence read under it is fully
// applied.
func (s *Space) capture(ctx context.Context) (*store.Snapshot, error) {
	s.resolveMu.Lock()
	seq, err := s.log.LastSeq(ctx)
	s.resolveMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.defineMu.Lock()
	schemas := s.types.Schemas()
	s.defineMu.Unlock()

	snap := &store.Snapshot{
		LogSeq:  seq,
		TakenAt: s.clock.Now(),
		Schemas: schemas,
	}

	for _, p := range s.partitions() {
		p.mu.Lock()
		for _, r := range p.records {
			if r.removed {
				continue
			}
			l, ok := s.leases.Get(r.cookie)
			if !ok {
				continue // expiring
			}
			snap.Entries = append(snap.Entries, store.EntryState{
				Cookie:     r.cookie,
				Entry:      r.handle.Entry.Serialize(),
				Expiration: l.Expiration,
				WriteTxn:   string(r.writeTxn),
				TakeTxn:    string(r.takeTxn),
			})
		}
		p.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s.regMu.Lock()
	regs := make([]*registration, 0, len(s.regs))
	for _, reg := range s.regs {
		regs = append(regs, reg)
	}
	slices.SortFunc(regs, func(a, b *registration) int { return cmp.Compare(a.ordinal, b.ordinal) })
	for _, reg := range regs {
		l, ok := s.leases.Get(reg.cookie)
		if !ok {
			continue
		}
		snap.Registrations = append(snap.Registrations, reg.data(l.Expiration))
	}
	s.regMu.Unlock()

	return snap, nil
}

// snapshotLoop takes snapshots on the configured interval and whenever
// enough records were appended since the last one.
func (s *Space) snapshotLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.SnapshotInterval > 0 {
		ticker := s.clock.NewTicker(s.cfg.SnapshotInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-s.snapSignal:
		}
		if _, err := s.Snapshot(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("snapshot failed", "error", err)
		}
	}
}
