package space

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
)

// Visibility selects which newly visible entries notify a registration.
type Visibility uint8

const (
	// VisibilityWrites notifies only for entries written outside a
	// transaction.
	VisibilityWrites Visibility = iota + 1
	// VisibilityCommitted also notifies for entries made visible by a
	// transaction commit.
	VisibilityCommitted
)

func (v Visibility) String() string {
	switch v {
	case VisibilityWrites:
		return "writes"
	case VisibilityCommitted:
		return "committed"
	default:
		return fmt.Sprintf("Visibility(%d)", uint8(v))
	}
}

// ParseVisibility parses the String form.
func ParseVisibility(s string) (Visibility, error) {
	switch s {
	case "writes", "":
		return VisibilityWrites, nil
	case "committed":
		return VisibilityCommitted, nil
	default:
		return 0, fmt.Errorf("unknown visibility %q", s)
	}
}

// seqGap is added to every registration's event sequence number after a
// restart. Sequence numbers handed out after the last logged value are
// not persisted, so the jump keeps restarted numbering above them. A
// registration that issues more than seqGap events between snapshots and
// then crashes can see numbers reused.
const seqGap = 1 << 32

// registration is a durable watcher. Fields after ordinal are guarded by
// Space.regMu.
type registration struct {
	cookie     string
	tmpl       tuple.Template
	typ        *tuple.Type
	visibility Visibility
	listener   string
	handback   []byte
	ordinal    uint64

	seq uint64
}

// EventRegistration is returned by Notify.
type EventRegistration struct {
	Cookie     string    `json:"cookie"`
	Expiration time.Time `json:"expiration"`
	// Seq is the sequence number before the first event; events carry
	// strictly greater numbers.
	Seq uint64 `json:"seq"`
}

// Notify registers listener for entries matching tmpl that become visible
// from now on. Events are delivered asynchronously through the space's
// notifier, carrying handback unchanged.
func (s *Space) Notify(ctx context.Context, tmpl tuple.Template, vis Visibility, listener string, d time.Duration, handback []byte) (er EventRegistration, err error) {
	defer func() { s.metrics.Operation("notify", outcome(err)) }()

	if s.closed.Load() {
		return EventRegistration{}, errClosed
	}
	if vis != VisibilityWrites && vis != VisibilityCommitted {
		return EventRegistration{}, newError(ErrCodeMalformedEntry, nil, "unknown visibility %d", vis)
	}
	tmpl = tmpl.Normalize()
	typ, err := s.types.ValidateTemplate(tmpl)
	if err != nil {
		return EventRegistration{}, validationError(err)
	}
	dur, err := s.policy.Grant(d)
	if err != nil {
		return EventRegistration{}, newError(ErrCodeLeaseDuration, err, "lease of %v rejected", d)
	}

	reg := &registration{
		cookie:     s.cookies.Generate(),
		tmpl:       tmpl,
		typ:        typ,
		visibility: vis,
		listener:   listener,
		handback:   bytes.Clone(handback),
		ordinal:    s.ordinals.Next(),
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	exp := s.clock.Now().Add(dur)
	if _, err := s.append(ctx, store.RegisterOp{Registration: reg.data(exp)}); err != nil {
		return EventRegistration{}, err
	}
	s.regs[reg.cookie] = reg
	s.leases.Grant(lease.Lease{Cookie: reg.cookie, Kind: lease.KindRegistration, Expiration: exp})

	s.logger.Debug("event registration created",
		"cookie", reg.cookie, "template", tmpl.String(), "listener", listener, "visibility", vis.String())
	return EventRegistration{Cookie: reg.cookie, Expiration: exp, Seq: reg.seq}, nil
}

func (r *registration) data(exp time.Time) store.RegistrationData {
	return store.RegistrationData{
		Cookie:     r.cookie,
		Template:   r.tmpl.Serialize(),
		Visibility: uint8(r.visibility),
		Listener:   r.listener,
		Handback:   r.handback,
		Expiration: exp,
		Seq:        r.seq,
	}
}

// event is a notification ready for hand-off to the dispatcher.
type event struct {
	listener string
	ev       notify.Event
}

// eventsFor consults every registration once for an entry that just
// became visible and assigns each match its next sequence number.
// committed is true when the entry became visible by a commit.
func (s *Space) eventsFor(p *partition, r *record, committed bool) []event {
	now := s.clock.Now()

	s.regMu.Lock()
	defer s.regMu.Unlock()

	var out []event
	for _, reg := range s.regs {
		if committed && reg.visibility != VisibilityCommitted {
			continue
		}
		if reg.typ != nil && !p.typ.AssignableTo(reg.typ) {
			continue
		}
		d := tuple.DescriptorFor(reg.tmpl, len(p.typ.Fields))
		if !r.handle.Admits(d) || !tuple.Matches(reg.tmpl, r.handle.Entry) {
			continue
		}
		if l, ok := s.leases.RemoveIfExpired(reg.cookie, now); ok {
			s.expiry.Enqueue(l)
			continue
		}
		if !s.leases.Live(reg.cookie, now) {
			continue
		}
		reg.seq++
		out = append(out, event{
			listener: reg.listener,
			ev: notify.Event{
				RegistrationID: reg.cookie,
				Seq:            reg.seq,
				EntryCookie:    r.cookie,
				Type:           p.typ.Name,
				Entry:          r.handle.Entry.Clone(),
				Handback:       reg.handback,
			},
		})
	}
	return out
}

// deliver hands events to the dispatcher. A full or closed dispatcher
// loses the event; the triggering write stands and the loss is logged.
// The dispatcher buffers at most Config.Notify.QueueSize events.
func (s *Space) deliver(events []event) {
	for _, e := range events {
		if err := s.dispatch.Submit(e.listener, e.ev); err != nil {
			derr := newError(ErrCodeNotificationDelivery, err, "event not queued")
			s.logger.Error("notification dropped",
				"registration", e.ev.RegistrationID, "seq", e.ev.Seq, "listener", e.listener, "error", derr)
		}
	}
}
