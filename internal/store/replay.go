package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tuplespace/internal/tuple"
)

// Snapshot is a self-contained image of a space. LogSeq is the last log
// sequence number whose effect the image is guaranteed to contain; later
// records may or may not be reflected, so their replay must be idempotent.
type Snapshot struct {
	LogSeq        int64              `msgpack:"log_seq"`
	TakenAt       time.Time          `msgpack:"taken_at"`
	Schemas       []tuple.Schema     `msgpack:"schemas"`
	Entries       []EntryState       `msgpack:"entries"`
	Registrations []RegistrationData `msgpack:"registrations"`
}

// EntryState is the plain-data form of a stored entry, in the order the
// space holds it.
type EntryState struct {
	Cookie     string          `msgpack:"cookie"`
	Entry      tuple.EntryData `msgpack:"entry"`
	Expiration time.Time       `msgpack:"exp"`
	WriteTxn   string          `msgpack:"write_txn,omitempty"`
	TakeTxn    string          `msgpack:"take_txn,omitempty"`
}

// SaveSnapshot replaces the stored snapshot and truncates every log
// record at or below snap.LogSeq, in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, log_seq, encoding, data, checksum, created_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			log_seq = excluded.log_seq,
			encoding = excluded.encoding,
			data = excluded.data,
			checksum = excluded.checksum,
			created_at = excluded.created_at
	`,
		snap.LogSeq,
		snapshotEncoding,
		data,
		checksum(snapshotEncoding, data),
		snap.TakenAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM log_records WHERE seq <= ?`, snap.LogSeq); err != nil {
		return fmt.Errorf("save snapshot: truncate log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when none was saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	var (
		logSeq   int64
		encoding string
		data     []byte
		sum      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT log_seq, encoding, data, checksum FROM snapshots WHERE id = 1
	`).Scan(&logSeq, &encoding, &data, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	if encoding != snapshotEncoding {
		return nil, &CorruptionError{Reason: fmt.Sprintf("unsupported encoding %q", encoding)}
	}
	if checksum(Kind(encoding), data) != sum {
		return nil, &CorruptionError{Reason: "checksum mismatch"}
	}
	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, &CorruptionError{Reason: err.Error()}
	}
	if snap.LogSeq != logSeq {
		return nil, &CorruptionError{Reason: fmt.Sprintf("log seq %d does not match row tag %d", snap.LogSeq, logSeq)}
	}
	return snap, nil
}
