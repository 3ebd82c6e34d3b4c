package txn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// LocalCoordinator is an in-process transaction manager.
//
// Transactions carry a lease: one still active after its expiration is
// aborted the next time anyone asks about it. Resolved transactions are
// remembered so that late QueryState calls see the outcome rather than
// ErrUnknownTransaction.
//
// Thread-safety: safe for concurrent use. Participant callbacks run
// without the coordinator's lock held.
type LocalCoordinator struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	logger *slog.Logger
	txns   map[ID]*localTxn
	newID  func() ID
}

type localTxn struct {
	state        State
	expires      time.Time // zero means no expiry
	participants []Participant
}

// NewLocalCoordinator creates a coordinator that timestamps with clk.
func NewLocalCoordinator(clk clock.PassiveClock, logger *slog.Logger) *LocalCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalCoordinator{
		clock:  clk,
		logger: logger,
		txns:   make(map[ID]*localTxn),
		newID:  func() ID { return ID(uuid.Must(uuid.NewV7()).String()) },
	}
}

// WithIDs replaces the id generator. Tests and the harness use it for
// stable transaction ids.
func (c *LocalCoordinator) WithIDs(gen func() ID) *LocalCoordinator {
	c.newID = gen
	return c
}

// Create starts a transaction. A non-positive ttl means it never expires.
func (c *LocalCoordinator) Create(ttl time.Duration) (ID, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	t := &localTxn{state: StateActive}
	if ttl > 0 {
		t.expires = c.clock.Now().Add(ttl)
	}
	c.txns[id] = t
	return id, t.expires
}

// Join implements Coordinator.
func (c *LocalCoordinator) Join(ctx context.Context, id ID, p Participant) error {
	c.mu.Lock()
	t, ok := c.txns[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("join %s: %w", id, ErrUnknownTransaction)
	}
	if parts := c.expireLocked(t); parts != nil {
		c.mu.Unlock()
		c.abortParticipants(ctx, id, parts)
		return fmt.Errorf("join %s: expired: %w", id, ErrInactive)
	}
	if t.state != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("join %s (%s): %w", id, t.state, ErrInactive)
	}
	if !slices.Contains(t.participants, p) {
		t.participants = append(t.participants, p)
	}
	c.mu.Unlock()
	return nil
}

// QueryState implements Coordinator.
func (c *LocalCoordinator) QueryState(ctx context.Context, id ID) (State, error) {
	c.mu.Lock()
	t, ok := c.txns[id]
	if !ok {
		c.mu.Unlock()
		return StateUnknown, fmt.Errorf("query %s: %w", id, ErrUnknownTransaction)
	}
	parts := c.expireLocked(t)
	state := t.state
	c.mu.Unlock()

	if parts != nil {
		c.abortParticipants(ctx, id, parts)
	}
	return state, nil
}

// Commit runs both phases. If any participant votes to abort (or fails
// to prepare) the transaction is aborted and ErrAborted returned.
// Committing a committed transaction is a no-op.
func (c *LocalCoordinator) Commit(ctx context.Context, id ID) error {
	c.mu.Lock()
	t, ok := c.txns[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("commit %s: %w", id, ErrUnknownTransaction)
	}
	if parts := c.expireLocked(t); parts != nil {
		c.mu.Unlock()
		c.abortParticipants(ctx, id, parts)
		return fmt.Errorf("commit %s: expired: %w", id, ErrAborted)
	}
	switch t.state {
	case StateCommitted:
		c.mu.Unlock()
		return nil
	case StateActive:
	default:
		state := t.state
		c.mu.Unlock()
		return fmt.Errorf("commit %s (%s): %w", id, state, ErrInactive)
	}
	t.state = StatePreparing
	parts := slices.Clone(t.participants)
	c.mu.Unlock()

	prepared := make([]Participant, 0, len(parts))
	for _, p := range parts {
		vote, err := p.Prepare(ctx, id)
		if err != nil || vote == VoteAborted {
			c.logger.Warn("participant refused to prepare", "txn", string(id), "error", err)
			c.setState(id, StateAborted)
			c.abortParticipants(ctx, id, parts)
			return fmt.Errorf("commit %s: %w", id, ErrAborted)
		}
		if vote == VotePrepared {
			prepared = append(prepared, p)
		}
	}

	c.setState(id, StateCommitted)
	for _, p := range prepared {
		// The decision is final. A participant that misses this call
		// learns the outcome by polling QueryState.
		if err := p.Commit(ctx, id); err != nil {
			c.logger.Error("participant commit failed", "txn", string(id), "error", err)
		}
	}
	return nil
}

// Abort implements Coordinator. Aborting an aborted transaction is a no-op;
// aborting a committed one yields ErrInactive.
func (c *LocalCoordinator) Abort(ctx context.Context, id ID) error {
	c.mu.Lock()
	t, ok := c.txns[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("abort %s: %w", id, ErrUnknownTransaction)
	}
	switch t.state {
	case StateAborted:
		c.mu.Unlock()
		return nil
	case StateCommitted:
		c.mu.Unlock()
		return fmt.Errorf("abort %s (committed): %w", id, ErrInactive)
	}
	t.state = StateAborted
	parts := slices.Clone(t.participants)
	c.mu.Unlock()

	c.abortParticipants(ctx, id, parts)
	return nil
}

// Leave removes p from every transaction it joined. A participant that
// restarts leaves with its old handle and joins again with the new one.
func (c *LocalCoordinator) Leave(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.txns {
		t.participants = slices.DeleteFunc(t.participants, func(q Participant) bool { return q == p })
	}
}

// Forget drops a resolved transaction so it reads as unknown.
func (c *LocalCoordinator) Forget(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.txns[id]; ok && t.state.Resolved() {
		delete(c.txns, id)
	}
}

func (c *LocalCoordinator) setState(id ID, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.txns[id]; ok {
		t.state = s
	}
}

// expireLocked aborts t if its lease ran out, returning the participants
// to notify. Returns nil when nothing changed.
func (c *LocalCoordinator) expireLocked(t *localTxn) []Participant {
	if t.state != StateActive || t.expires.IsZero() || c.clock.Now().Before(t.expires) {
		return nil
	}
	t.state = StateAborted
	parts := slices.Clone(t.participants)
	if parts == nil {
		parts = []Participant{}
	}
	return parts
}

func (c *LocalCoordinator) abortParticipants(ctx context.Context, id ID, parts []Participant) {
	for _, p := range parts {
		if err := p.Abort(ctx, id); err != nil {
			c.logger.Error("participant abort failed", "txn", string(id), "error", err)
		}
	}
}
