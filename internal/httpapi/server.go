// Package httpapi is the JSON-over-HTTP transport of a space.
//
// Every space operation maps to one endpoint. A blocking read or take is
// bounded by its timeout_ms and by the request: a client that hangs up
// releases the blocked call.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/txn"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

// TxnManager creates and resolves transactions for clients without their
// own coordinator. *txn.LocalCoordinator implements it.
type TxnManager interface {
	Create(ttl time.Duration) (txn.ID, time.Time)
	Commit(ctx context.Context, id txn.ID) error
	Abort(ctx context.Context, id txn.ID) error
}

var _ TxnManager = (*txn.LocalCoordinator)(nil)

// Server routes HTTP requests to a space.
type Server struct {
	space    *space.Space
	txns     TxnManager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTxnManager serves the /v1/txns endpoints from m. By default the
// space's coordinator is used when it is a TxnManager; otherwise those
// endpoints answer 501.
func WithTxnManager(m TxnManager) Option {
	return func(s *Server) { s.txns = m }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a server for sp.
func New(sp *space.Space, opts ...Option) *Server {
	s := &Server{space: sp, logger: slog.Default()}
	if m, ok := sp.Coordinator().(TxnManager); ok {
		s.txns = m
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/types", s.handleTypes).Methods(http.MethodGet)
	v1.HandleFunc("/types", s.handleDefineType).Methods(http.MethodPost)
	v1.HandleFunc("/entries", s.handleWrite).Methods(http.MethodPost)
	v1.HandleFunc("/read", s.handleQuery(false)).Methods(http.MethodPost)
	v1.HandleFunc("/take", s.handleQuery(true)).Methods(http.MethodPost)
	v1.HandleFunc("/contents", s.handleContents).Methods(http.MethodPost)
	v1.HandleFunc("/registrations", s.handleNotify).Methods(http.MethodPost)
	v1.HandleFunc("/leases/{cookie}/renew", s.handleRenew).Methods(http.MethodPost)
	v1.HandleFunc("/leases/{cookie}", s.handleCancel).Methods(http.MethodDelete)
	v1.HandleFunc("/txns", s.handleCreateTxn).Methods(http.MethodPost)
	v1.HandleFunc("/txns/{id}/commit", s.handleResolveTxn(true)).Methods(http.MethodPost)
	v1.HandleFunc("/txns/{id}/abort", s.handleResolveTxn(false)).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Codes for failures that never reach the space.
const (
	codeBadRequest     = "BAD_REQUEST"
	codeNotImplemented = "NOT_IMPLEMENTED"
	codeInternal       = "INTERNAL"
)

// statusOf maps a space error code to an HTTP status.
func statusOf(code space.ErrorCode) int {
	switch code {
	case space.ErrCodeLeaseDuration, space.ErrCodeMalformedEntry, space.ErrCodeUnknownType:
		return http.StatusBadRequest
	case space.ErrCodeUnknownResource:
		return http.StatusNotFound
	case space.ErrCodeTransactionUnknown, space.ErrCodeTransactionInactive:
		return http.StatusConflict
	case space.ErrCodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *space.Error
	if errors.As(err, &se) {
		status := statusOf(se.Code)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		writeJSON(w, status, errorBody{Code: string(se.Code), Message: se.Message, Details: se.Details})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the answer.
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: codeInternal, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Message: fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body strictly. It writes the 400 itself
// and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}
