package space

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/store"
)

// Renew extends the lease on an entry or registration to d from now and
// returns the new expiration. A lease that already ran out cannot be
// renewed.
func (s *Space) Renew(ctx context.Context, cookie string, d time.Duration) (exp time.Time, err error) {
	defer func() { s.metrics.Operation("renew", outcome(err)) }()

	if s.closed.Load() {
		return time.Time{}, errClosed
	}
	dur, err := s.policy.Grant(d)
	if err != nil {
		return time.Time{}, newError(ErrCodeLeaseDuration, err, "lease of %v rejected", d)
	}
	l, ok := s.leases.Get(cookie)
	if !ok {
		return time.Time{}, unknownResource(cookie)
	}

	unlock, ok := s.lockResource(l)
	if !ok {
		return time.Time{}, unknownResource(cookie)
	}
	defer unlock()

	now := s.clock.Now()
	if !s.leases.Live(cookie, now) {
		return time.Time{}, unknownResource(cookie)
	}
	exp = now.Add(dur)
	if _, err := s.append(ctx, store.RenewOp{Cookie: cookie, Expiration: exp}); err != nil {
		return time.Time{}, err
	}
	if _, err := s.leases.Renew(cookie, exp, now); err != nil {
		return time.Time{}, unknownResource(cookie)
	}
	return exp, nil
}

// Cancel ends the lease on an entry or registration. A lease that
// already ran out, or whose resource is being removed by a take or an
// expiration, is unknown: that removal owns the resource.
func (s *Space) Cancel(ctx context.Context, cookie string) (err error) {
	defer func() { s.metrics.Operation("cancel", outcome(err)) }()

	if s.closed.Load() {
		return errClosed
	}
	l, ok := s.leases.Get(cookie)
	if !ok {
		return unknownResource(cookie)
	}

	unlock, ok := s.lockResource(l)
	if !ok {
		return unknownResource(cookie)
	}
	defer unlock()

	if !s.leases.Live(cookie, s.clock.Now()) {
		return unknownResource(cookie)
	}
	removed, ok := s.leases.Remove(cookie)
	if !ok {
		return unknownResource(cookie)
	}
	if _, err := s.append(ctx, store.CancelOp{Cookie: cookie, Reason: store.ReasonCancelled}); err != nil {
		s.leases.Grant(removed)
		return err
	}
	s.dropLocked(removed)
	return nil
}

// expire is the expiration queue's handler. The lease is already out of
// the table; this removes the resource and logs why.
func (s *Space) expire(ctx context.Context, l lease.Lease) error {
	unlock, ok := s.lockResource(l)
	if !ok {
		return nil
	}
	defer unlock()

	if _, ok := s.leases.Get(l.Cookie); ok {
		// Granted again after a failed cancel; still alive.
		return nil
	}
	if _, err := s.append(ctx, store.CancelOp{Cookie: l.Cookie, Reason: store.ReasonExpired}); err != nil {
		return err
	}
	s.dropLocked(l)
	s.logger.Debug("lease expired", "cookie", l.Cookie, "kind", l.Kind.String(), "expiration", l.Expiration)
	return nil
}

// lockResource locks whatever guards the resource behind l: its partition
// for an entry, the registry for a registration. ok is false when the
// resource is no longer held.
func (s *Space) lockResource(l lease.Lease) (unlock func(), ok bool) {
	switch l.Kind {
	case lease.KindEntry:
		p := s.indexGet(l.Cookie)
		if p == nil {
			return nil, false
		}
		p.mu.Lock()
		if _, ok := p.byCookie[l.Cookie]; !ok {
			p.mu.Unlock()
			return nil, false
		}
		return p.mu.Unlock, true
	case lease.KindRegistration:
		s.regMu.Lock()
		if _, ok := s.regs[l.Cookie]; !ok {
			s.regMu.Unlock()
			return nil, false
		}
		return s.regMu.Unlock, true
	default:
		return nil, false
	}
}

// dropLocked removes the resource behind l. Caller holds the lock
// lockResource took.
func (s *Space) dropLocked(l lease.Lease) {
	switch l.Kind {
	case lease.KindEntry:
		p := s.indexGet(l.Cookie)
		if p == nil {
			return
		}
		if r, ok := p.byCookie[l.Cookie]; ok {
			s.removeEntryLocked(p, r)
		}
	case lease.KindRegistration:
		delete(s.regs, l.Cookie)
	}
}

func unknownResource(cookie string) error {
	return &Error{
		Code:    ErrCodeUnknownResource,
		Message: fmt.Sprintf("no lease for %s", cookie),
		Details: map[string]string{"cookie": cookie},
	}
}
