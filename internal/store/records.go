package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tuplespace/internal/tuple"
)

// ErrCorruptRecord marks a log record or snapshot that failed checksum or
// decode verification.
var ErrCorruptRecord = errors.New("corrupt recovery record")

// CorruptionError reports which record could not be replayed. Seq is 0
// for the snapshot row.
type CorruptionError struct {
	Seq    int64
	Kind   Kind
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("corrupt snapshot: %s", e.Reason)
	}
	return fmt.Sprintf("corrupt %s record at seq %d: %s", e.Kind, e.Seq, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruptRecord }

// Kind is the tag of a log record.
type Kind string

const (
	KindDefine   Kind = "define"
	KindWrite    Kind = "write"
	KindTake     Kind = "take"
	KindRenew    Kind = "renew"
	KindCancel   Kind = "cancel"
	KindRegister Kind = "register"
	KindResolve  Kind = "resolve"
)

// Op is the payload of one log record.
type Op interface {
	Kind() Kind
}

// DefineOp records registration of an entry type.
type DefineOp struct {
	Schema tuple.Schema `msgpack:"schema"`
}

// WriteOp records a written entry. Txn is empty for a non-transactional
// write; otherwise the entry stays pending until a ResolveOp for Txn.
type WriteOp struct {
	Cookie     string          `msgpack:"cookie"`
	Entry      tuple.EntryData `msgpack:"entry"`
	Expiration time.Time       `msgpack:"exp"`
	Txn        string          `msgpack:"txn,omitempty"`
}

// TakeOp records a take. Without Txn the entry is gone; with Txn it is
// locked until the transaction resolves.
type TakeOp struct {
	Cookie string `msgpack:"cookie"`
	Txn    string `msgpack:"txn,omitempty"`
}

// RenewOp records a lease renewal of an entry or registration.
type RenewOp struct {
	Cookie     string    `msgpack:"cookie"`
	Expiration time.Time `msgpack:"exp"`
}

// CancelReason tells replay why a resource disappeared.
type CancelReason string

const (
	ReasonCancelled CancelReason = "cancelled"
	ReasonExpired   CancelReason = "expired"
)

// CancelOp records removal of an entry or registration by cancellation
// or lease expiry.
type CancelOp struct {
	Cookie string       `msgpack:"cookie"`
	Reason CancelReason `msgpack:"reason"`
}

// RegisterOp records a new event registration.
type RegisterOp struct {
	Registration RegistrationData `msgpack:"registration"`
}

// ResolveOp records the outcome of a transaction the space took part in.
// State is "committed" or "aborted".
type ResolveOp struct {
	Txn   string `msgpack:"txn"`
	State string `msgpack:"state"`
}

func (DefineOp) Kind() Kind   { return KindDefine }
func (WriteOp) Kind() Kind    { return KindWrite }
func (TakeOp) Kind() Kind     { return KindTake }
func (RenewOp) Kind() Kind    { return KindRenew }
func (CancelOp) Kind() Kind   { return KindCancel }
func (RegisterOp) Kind() Kind { return KindRegister }
func (ResolveOp) Kind() Kind  { return KindResolve }

// RegistrationData is the plain-data form of an event registration.
// Seq is the last event sequence number handed out when the data was
// captured.
type RegistrationData struct {
	Cookie     string          `msgpack:"cookie"`
	Template   tuple.EntryData `msgpack:"template"`
	Visibility uint8           `msgpack:"visibility"`
	Listener   string          `msgpack:"listener"`
	Handback   []byte          `msgpack:"handback,omitempty"`
	Expiration time.Time       `msgpack:"exp"`
	Seq        uint64          `msgpack:"seq"`
}

// Record is one replayed log record.
type Record struct {
	Seq int64
	Op  Op
}
