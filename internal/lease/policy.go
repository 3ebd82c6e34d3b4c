// Package lease tracks the expiration of every leased resource in the
// space and turns expirations into asynchronous removals.
//
// Detection and persistence are split: the Table and Sweeper find expired
// leases cheaply and never block on I/O; the ExpirationQueue worker performs
// the slower removal and log append for each one.
package lease

import (
	"errors"
	"fmt"
	"time"
)

// Any asks the policy for its longest grant.
const Any time.Duration = -1

// Forever is the grant used when a policy has no maximum.
const Forever = 100 * 365 * 24 * time.Hour

// ErrInvalidDuration is returned for durations that are neither positive
// nor Any.
var ErrInvalidDuration = errors.New("invalid lease duration")

// Policy bounds requested lease durations.
type Policy struct {
	// Max caps every grant; Any requests receive Max. Zero means no cap.
	Max time.Duration
}

// Grant returns the duration actually granted for a request.
func (p Policy) Grant(requested time.Duration) (time.Duration, error) {
	limit := p.Max
	if limit <= 0 {
		limit = Forever
	}
	switch {
	case requested == Any:
		return limit, nil
	case requested <= 0:
		return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, requested)
	case requested > limit:
		return limit, nil
	default:
		return requested, nil
	}
}
