package space

import "sync/atomic"

// sequence is the monotonic ordinal source for entries and waiters.
// Entries are scanned and waiters are served in ordinal order.
//
// Thread-safety: safe for concurrent use (atomic operations).
type sequence struct {
	n atomic.Uint64
}

// Next returns the next ordinal.
func (s *sequence) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last ordinal handed out.
func (s *sequence) Current() uint64 {
	return s.n.Load()
}
