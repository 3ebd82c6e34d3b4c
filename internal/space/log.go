package space

import (
	"context"
	"sync"

	"github.com/roach88/tuplespace/internal/store"
)

// Log is the durable recovery log a space appends to. *store.Store
// implements it.
type Log interface {
	Append(ctx context.Context, op store.Op) (int64, error)
	Scan(ctx context.Context, after int64, fn func(store.Record) error) error
	LastSeq(ctx context.Context) (int64, error)
	SaveSnapshot(ctx context.Context, snap *store.Snapshot) error
	LoadSnapshot(ctx context.Context) (*store.Snapshot, error)
}

var _ Log = (*store.Store)(nil)

// memoryLog keeps nothing but sequence numbers. A space without a
// configured log uses it and does not survive a restart.
type memoryLog struct {
	mu  sync.Mutex
	seq int64
}

func (l *memoryLog) Append(context.Context, store.Op) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq, nil
}

func (l *memoryLog) Scan(context.Context, int64, func(store.Record) error) error { return nil }

func (l *memoryLog) LastSeq(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, nil
}

func (l *memoryLog) SaveSnapshot(context.Context, *store.Snapshot) error { return nil }

func (l *memoryLog) LoadSnapshot(context.Context) (*store.Snapshot, error) { return nil, nil }
