package lease

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Sweeper periodically moves expired leases from the table to the
// expiration queue.
type Sweeper struct {
	table    *Table
	queue    *ExpirationQueue
	clock    clock.WithTicker
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(table *Table, q *ExpirationQueue, clk clock.WithTicker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{table: table, queue: q, clock: clk, interval: interval, logger: logger}
}

// Sweep enqueues every lease that has run out and returns how many.
func (s *Sweeper) Sweep() int {
	expired := s.table.CollectExpired(s.clock.Now())
	for _, l := range expired {
		s.queue.Enqueue(l)
	}
	if len(expired) > 0 {
		s.logger.Debug("lease sweep", "expired", len(expired))
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Sweep()
		}
	}
}
