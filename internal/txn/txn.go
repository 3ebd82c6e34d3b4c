// Package txn models how the space sees distributed transactions: the
// coordinator it queries, the participant role it plays, and the monitor
// that polls transactions blocking other clients' matches.
//
// The two-phase commit protocol itself belongs to the coordinator. The
// LocalCoordinator here is an in-process implementation for single-node
// deployments and tests.
package txn

import (
	"context"
	"errors"
	"fmt"
)

// ID identifies a transaction. The empty ID means "no transaction".
type ID string

// None is the absence of a transaction.
const None ID = ""

// State is a transaction's state as reported by its coordinator.
type State int

const (
	StateActive State = iota + 1
	StatePreparing
	StateCommitted
	StateAborted
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of String for the resolved states and active.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "preparing":
		return StatePreparing, nil
	case "committed":
		return StateCommitted, nil
	case "aborted":
		return StateAborted, nil
	case "unknown":
		return StateUnknown, nil
	default:
		return 0, fmt.Errorf("unknown transaction state %q", s)
	}
}

// Resolved reports whether the state is final.
func (s State) Resolved() bool {
	return s == StateCommitted || s == StateAborted
}

// Vote is a participant's answer to Prepare.
type Vote int

const (
	// VotePrepared means the participant holds changes and is ready to commit.
	VotePrepared Vote = iota + 1
	// VoteNotChanged means the participant has nothing to commit and can be
	// left out of the second phase.
	VoteNotChanged
	// VoteAborted means the participant cannot commit.
	VoteAborted
)

var (
	// ErrUnknownTransaction is returned when the coordinator has no record
	// of a transaction. The space treats it as aborted.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrInactive is returned when a transaction is no longer accepting work.
	ErrInactive = errors.New("transaction not active")

	// ErrAborted is returned by Commit when a participant voted to abort.
	ErrAborted = errors.New("transaction aborted")
)

// Participant is the role the space plays in a transaction.
type Participant interface {
	Prepare(ctx context.Context, id ID) (Vote, error)
	Commit(ctx context.Context, id ID) error
	Abort(ctx context.Context, id ID) error
}

// Coordinator is the client side of the transaction manager.
type Coordinator interface {
	// QueryState reports the transaction's current state. An unknown
	// transaction yields ErrUnknownTransaction.
	QueryState(ctx context.Context, id ID) (State, error)

	// Join enlists p. Joining twice with the same participant is a no-op.
	// A transaction that is no longer active yields ErrInactive.
	Join(ctx context.Context, id ID, p Participant) error

	// Abort requests that the transaction be aborted.
	Abort(ctx context.Context, id ID) error
}
