package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Scan calls fn for every record with seq > after, in append order.
//
// A record that fails verification stops the scan with a *CorruptionError.
// fn must not call back into the Store: the single connection is busy
// with the scan until it returns.
func (s *Store) Scan(ctx context.Context, after int64, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, checksum
		FROM log_records
		WHERE seq > ?
		ORDER BY seq ASC
	`, after)
	if err != nil {
		return fmt.Errorf("query log records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate log records: %w", err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		seq     int64
		kind    string
		payload []byte
		sum     int64
	)
	if err := rows.Scan(&seq, &kind, &payload, &sum); err != nil {
		return Record{}, fmt.Errorf("scan log record: %w", err)
	}

	k := Kind(kind)
	if checksum(k, payload) != sum {
		return Record{}, &CorruptionError{Seq: seq, Kind: k, Reason: "checksum mismatch"}
	}
	op, err := unmarshalOp(k, payload)
	if err != nil {
		return Record{}, &CorruptionError{Seq: seq, Kind: k, Reason: err.Error()}
	}
	return Record{Seq: seq, Op: op}, nil
}

// LastSeq returns the highest sequence number the log has assigned,
// counting the snapshot's tag when every record up to it was truncated.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM log_records), 0),
			COALESCE((SELECT log_seq FROM snapshots WHERE id = 1), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// CountRecords returns the number of records with seq > after.
func (s *Store) CountRecords(ctx context.Context, after int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_records WHERE seq > ?
	`, after).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountByKind returns the number of records per tag.
func (s *Store) CountByKind(ctx context.Context) (map[Kind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM log_records GROUP BY kind ORDER BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[Kind]int64)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("count by kind: %w", err)
		}
		counts[Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	return counts, nil
}

// Backup writes a consistent copy of the database to path, which must not
// exist. The copy is taken in one read transaction, so it is safe while
// the log is being appended to.
func (s *Store) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("backup to %s: %w", path, err)
	}
	return nil
}
