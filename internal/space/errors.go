package space

import (
	"errors"
	"fmt"
)

// Error is the error every space operation returns for a failure the
// caller can act on.
//
// Codes:
//   - LEASE_DURATION: requested lease duration is invalid
//   - UNKNOWN_RESOURCE: renew or cancel of a cookie the space does not hold
//   - UNKNOWN_TYPE: entry or template names an unregistered type
//   - MALFORMED_ENTRY: entry or template does not fit its type
//   - TRANSACTION_UNKNOWN: the coordinator has no record of the transaction
//   - TRANSACTION_INACTIVE: the transaction no longer accepts work
//   - RECOVERY_CORRUPTION: the recovery log cannot be replayed
//   - NOTIFICATION_DELIVERY: an event could not be handed to its transport
//   - CLOSED: the space has shut down
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes space errors.
type ErrorCode string

const (
	ErrCodeLeaseDuration        ErrorCode = "LEASE_DURATION"
	ErrCodeUnknownResource      ErrorCode = "UNKNOWN_RESOURCE"
	ErrCodeUnknownType          ErrorCode = "UNKNOWN_TYPE"
	ErrCodeMalformedEntry       ErrorCode = "MALFORMED_ENTRY"
	ErrCodeTransactionUnknown   ErrorCode = "TRANSACTION_UNKNOWN"
	ErrCodeTransactionInactive  ErrorCode = "TRANSACTION_INACTIVE"
	ErrCodeRecoveryCorruption   ErrorCode = "RECOVERY_CORRUPTION"
	ErrCodeNotificationDelivery ErrorCode = "NOTIFICATION_DELIVERY"
	ErrCodeClosed               ErrorCode = "CLOSED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of a space error, or "" for any other error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsLeaseDurationError returns true if the requested lease was rejected.
func IsLeaseDurationError(err error) bool {
	return CodeOf(err) == ErrCodeLeaseDuration
}

// IsUnknownResourceError returns true if the cookie was not held.
func IsUnknownResourceError(err error) bool {
	return CodeOf(err) == ErrCodeUnknownResource
}

// IsMalformedError returns true for unknown types and malformed entries.
func IsMalformedError(err error) bool {
	c := CodeOf(err)
	return c == ErrCodeMalformedEntry || c == ErrCodeUnknownType
}

// IsTransactionError returns true if the transaction was unknown or no
// longer active.
func IsTransactionError(err error) bool {
	c := CodeOf(err)
	return c == ErrCodeTransactionUnknown || c == ErrCodeTransactionInactive
}

// IsRecoveryCorruptionError returns true if the recovery log could not
// be replayed.
func IsRecoveryCorruptionError(err error) bool {
	return CodeOf(err) == ErrCodeRecoveryCorruption
}

// IsClosedError returns true if the space has shut down.
func IsClosedError(err error) bool {
	return CodeOf(err) == ErrCodeClosed
}

var errClosed = &Error{Code: ErrCodeClosed, Message: "space is closed"}
