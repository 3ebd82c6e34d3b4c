package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// Millis is a duration in milliseconds. -1 asks for as long as allowed:
// the policy maximum for a lease, no bound for a wait. Any other negative
// value is invalid.
type Millis int64

// Unbounded is the Millis sentinel for "as long as allowed".
const Unbounded Millis = -1

// maxMillis is the largest Millis that converts to a time.Duration
// without overflowing.
const maxMillis = Millis(math.MaxInt64 / int64(time.Millisecond))

func (m Millis) duration() time.Duration {
	if m > maxMillis {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(m) * time.Millisecond
}

// lease converts a requested lease. Negative values other than Unbounded
// stay negative, so the space rejects them with LEASE_DURATION.
func (m Millis) lease() time.Duration {
	switch {
	case m == Unbounded:
		return lease.Any
	case m > maxMillis:
		return lease.Forever
	default:
		return m.duration()
	}
}

func (m Millis) wait() (time.Duration, error) {
	switch {
	case m == Unbounded:
		return space.WaitForever, nil
	case m < 0:
		return 0, fmt.Errorf("timeout_ms %d is negative", m)
	default:
		return m.duration(), nil
	}
}

type writeRequest struct {
	Entries []tuple.Entry `json:"entries"`
	Txn     txn.ID        `json:"txn,omitempty"`
	LeaseMS Millis        `json:"lease_ms"`
}

type writeResponse struct {
	Leases []space.LeaseGrant `json:"leases"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		badRequest(w, "entries must not be empty")
		return
	}
	grants, err := s.space.WriteAll(r.Context(), req.Entries, req.Txn, []time.Duration{req.LeaseMS.lease()})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse{Leases: grants})
}

type queryRequest struct {
	Template  tuple.Template `json:"template"`
	Txn       txn.ID         `json:"txn,omitempty"`
	TimeoutMS Millis         `json:"timeout_ms"`
	IfExists  bool           `json:"if_exists,omitempty"`
}

type queryResponse struct {
	Match *space.Match `json:"match"`
}

func (s *Server) handleQuery(take bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if !decode(w, r, &req) {
			return
		}
		timeout, err := req.TimeoutMS.wait()
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		var (
			m   *space.Match
			ctx = r.Context()
		)
		switch {
		case take && req.IfExists:
			m, err = s.space.TakeIfExists(ctx, req.Template, req.Txn, timeout)
		case take:
			m, err = s.space.Take(ctx, req.Template, req.Txn, timeout)
		case req.IfExists:
			m, err = s.space.ReadIfExists(ctx, req.Template, req.Txn, timeout)
		default:
			m, err = s.space.Read(ctx, req.Template, req.Txn, timeout)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{Match: m})
	}
}

type contentsRequest struct {
	Template tuple.Template `json:"template"`
	Txn      txn.ID         `json:"txn,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

type contentsResponse struct {
	Matches []space.Match `json:"matches"`
	Count   int           `json:"count"`
}

func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	var req contentsRequest
	if !decode(w, r, &req) {
		return
	}
	ms, err := s.space.Contents(r.Context(), req.Template, req.Txn, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ms == nil {
		ms = []space.Match{}
	}
	writeJSON(w, http.StatusOK, contentsResponse{Matches: ms, Count: len(ms)})
}

type notifyRequest struct {
	Template   tuple.Template `json:"template"`
	Visibility string         `json:"visibility,omitempty"`
	Listener   string         `json:"listener"`
	LeaseMS    Millis         `json:"lease_ms"`
	Handback   []byte         `json:"handback,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Listener == "" {
		badRequest(w, "listener is required")
		return
	}
	vis, err := space.ParseVisibility(req.Visibility)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	reg, err := s.space.Notify(r.Context(), req.Template, vis, req.Listener, req.LeaseMS.lease(), req.Handback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

type renewRequest struct {
	LeaseMS Millis `json:"lease_ms"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	cookie := mux.Vars(r)["cookie"]
	var req renewRequest
	if !decode(w, r, &req) {
		return
	}
	exp, err := s.space.Renew(r.Context(), cookie, req.LeaseMS.lease())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, space.LeaseGrant{Cookie: cookie, Expiration: exp})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.space.Cancel(r.Context(), mux.Vars(r)["cookie"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTxnRequest struct {
	LeaseMS Millis `json:"lease_ms"`
}

type txnResponse struct {
	ID         txn.ID     `json:"id"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

func (s *Server) handleCreateTxn(w http.ResponseWriter, r *http.Request) {
	if s.txns == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Code: codeNotImplemented, Message: "no local transaction manager"})
		return
	}
	var req createTxnRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	id, exp := s.txns.Create(req.LeaseMS.duration())
	resp := txnResponse{ID: id}
	if !exp.IsZero() {
		resp.Expiration = &exp
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleResolveTxn(commit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.txns == nil {
			writeJSON(w, http.StatusNotImplemented, errorBody{Code: codeNotImplemented, Message: "no local transaction manager"})
			return
		}
		id := txn.ID(mux.Vars(r)["id"])
		var err error
		if commit {
			err = s.txns.Commit(r.Context(), id)
		} else {
			err = s.txns.Abort(r.Context(), id)
		}
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, txn.ErrUnknownTransaction):
			writeJSON(w, http.StatusNotFound, errorBody{Code: string(space.ErrCodeTransactionUnknown), Message: err.Error()})
		case errors.Is(err, txn.ErrAborted), errors.Is(err, txn.ErrInactive):
			writeJSON(w, http.StatusConflict, errorBody{Code: string(space.ErrCodeTransactionInactive), Message: err.Error()})
		default:
			s.writeError(w, r, err)
		}
	}
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.space.Types().Schemas()})
}

func (s *Server) handleDefineType(w http.ResponseWriter, r *http.Request) {
	var sc tuple.Schema
	if !decode(w, r, &sc) {
		return
	}
	if err := s.space.DefineType(r.Context(), sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.space.Stats())
}

// decodeOptional is decode that accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}
