package store

import (
	"context"
	"fmt"
)

// Append durably adds one record and returns its sequence number.
// Sequence numbers increase strictly and are never reused, even after
// snapshot truncation.
func (s *Store) Append(ctx context.Context, op Op) (int64, error) {
	payload, err := marshalOp(op)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_records (kind, payload, checksum)
		VALUES (?, ?, ?)
	`,
		string(op.Kind()),
		payload,
		checksum(op.Kind(), payload),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", op.Kind(), err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s: read seq: %w", op.Kind(), err)
	}
	return seq, nil
}
