package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/testutil"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

var epoch = testutil.Epoch

func newTestServer(t *testing.T) (*Server, *testingclock.FakeClock) {
	t.Helper()
	clk := testutil.NewClock()
	reg := prometheus.NewRegistry()
	sp, err := space.Open(context.Background(),
		space.WithClock(clk),
		space.WithCookies(space.NewSequentialGenerator("c")),
		space.WithCoordinator(txn.NewLocalCoordinator(clk, nil)),
		space.WithMetrics(metrics.New(reg)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })

	require.NoError(t, sp.DefineType(context.Background(), tuple.Schema{
		Name: "Task",
		Fields: []tuple.FieldDesc{
			{Name: "name", Kind: tuple.KindString},
			{Name: "priority", Kind: tuple.KindInt},
		},
	}))
	return New(sp, WithGatherer(reg)), clk
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&v), w.Body.String())
	return v
}

func TestServer_WriteThenTake(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/entries",
		`{"entries":[{"type":"Task","fields":["build",3]}],"lease_ms":60000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wr := decodeBody[writeResponse](t, w)
	require.Len(t, wr.Leases, 1)
	assert.Equal(t, epoch.Add(time.Minute), wr.Leases[0].Expiration)

	w = do(t, srv, http.MethodPost, "/v1/take", `{"template":{"type":"Task","fields":["build",null]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	qr := decodeBody[queryResponse](t, w)
	require.NotNil(t, qr.Match)
	assert.Equal(t, wr.Leases[0].Cookie, qr.Match.Cookie)
	assert.Equal(t, tuple.Entry{Type: "Task", Fields: []tuple.Value{tuple.String("build"), tuple.Int(3)}}, qr.Match.Entry)

	w = do(t, srv, http.MethodPost, "/v1/read", `{"template":{"type":"Task","fields":[null,null]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"match":null}`, w.Body.String())
}

func TestServer_BlockingTakeReleasedByWrite(t *testing.T) {
	srv, _ := newTestServer(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, srv, http.MethodPost, "/v1/take", `{"template":{"type":"Task","fields":[null,null]},"timeout_ms":-1}`)
	}()
	require.Eventually(t, func() bool {
		return srv.space.Stats().BlockedQueries == 1
	}, 2*time.Second, time.Millisecond)

	w := do(t, srv, http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["deploy",1]}],"lease_ms":-1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	select {
	case w := <-done:
		require.Equal(t, http.StatusOK, w.Code)
		qr := decodeBody[queryResponse](t, w)
		require.NotNil(t, qr.Match)
		assert.Equal(t, tuple.String("deploy"), qr.Match.Entry.Fields[0])
	case <-time.After(5 * time.Second):
		t.Fatal("blocked take did not return")
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown type", http.MethodPost, "/v1/entries", `{"entries":[{"type":"Nope","fields":[]}],"lease_ms":1000}`, http.StatusBadRequest, "UNKNOWN_TYPE"},
		{"malformed entry", http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["x"]}],"lease_ms":1000}`, http.StatusBadRequest, "MALFORMED_ENTRY"},
		{"bad lease", http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["x",1]}],"lease_ms":-5}`, http.StatusBadRequest, "LEASE_DURATION"},
		{"negative lease", http.MethodPost, "/v1/registrations", `{"template":{"type":"Task","fields":[null,null]},"listener":"l","lease_ms":-2}`, http.StatusBadRequest, "LEASE_DURATION"},
		{"negative timeout", http.MethodPost, "/v1/read", `{"template":{"type":"Task","fields":[null,null]},"timeout_ms":-7}`, http.StatusBadRequest, codeBadRequest},
		{"no entries", http.MethodPost, "/v1/entries", `{"entries":[]}`, http.StatusBadRequest, codeBadRequest},
		{"unknown field", http.MethodPost, "/v1/read", `{"template":{"type":"Task","fields":[null,null]},"bogus":1}`, http.StatusBadRequest, codeBadRequest},
		{"unknown cookie renew", http.MethodPost, "/v1/leases/missing/renew", `{"lease_ms":1000}`, http.StatusNotFound, "UNKNOWN_RESOURCE"},
		{"unknown cookie cancel", http.MethodDelete, "/v1/leases/missing", "", http.StatusNotFound, "UNKNOWN_RESOURCE"},
		{"unknown transaction", http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["x",1]}],"txn":"ghost","lease_ms":1000}`, http.StatusConflict, "TRANSACTION_UNKNOWN"},
		{"commit unknown", http.MethodPost, "/v1/txns/ghost/commit", "", http.StatusNotFound, "TRANSACTION_UNKNOWN"},
		{"listener required", http.MethodPost, "/v1/registrations", `{"template":{"type":"Task","fields":[null,null]},"lease_ms":1000}`, http.StatusBadRequest, codeBadRequest},
		{"bad visibility", http.MethodPost, "/v1/registrations", `{"template":{"type":"Task","fields":[null,null]},"listener":"l","visibility":"sometimes","lease_ms":1000}`, http.StatusBadRequest, codeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decodeBody[errorBody](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestServer_LeaseRenewAndCancel(t *testing.T) {
	srv, clk := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["a",1]}],"lease_ms":1000}`)
	require.Equal(t, http.StatusCreated, w.Code)
	cookie := decodeBody[writeResponse](t, w).Leases[0].Cookie

	clk.Step(500 * time.Millisecond)
	w = do(t, srv, http.MethodPost, "/v1/leases/"+cookie+"/renew", `{"lease_ms":60000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	g := decodeBody[space.LeaseGrant](t, w)
	assert.Equal(t, cookie, g.Cookie)
	assert.Equal(t, epoch.Add(500*time.Millisecond+time.Minute), g.Expiration)

	w = do(t, srv, http.MethodDelete, "/v1/leases/"+cookie, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, srv, http.MethodDelete, "/v1/leases/"+cookie, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_TransactionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/txns", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tr := decodeBody[txnResponse](t, w)
	require.NotEmpty(t, tr.ID)
	assert.Nil(t, tr.Expiration)

	w = do(t, srv, http.MethodPost, "/v1/entries",
		`{"entries":[{"type":"Task","fields":["staged",1]}],"txn":"`+string(tr.ID)+`","lease_ms":60000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/contents", `{"template":{"type":"Task","fields":[null,null]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decodeBody[contentsResponse](t, w).Count, "pending write is invisible outside its transaction")

	w = do(t, srv, http.MethodPost, "/v1/txns/"+string(tr.ID)+"/commit", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/contents", `{"template":{"type":"Task","fields":[null,null]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[contentsResponse](t, w).Count)

	w = do(t, srv, http.MethodPost, "/v1/txns/"+string(tr.ID)+"/abort", "")
	assert.Equal(t, http.StatusConflict, w.Code, "a committed transaction cannot be aborted")
}

func TestServer_TransactionWithLease(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/txns", `{"lease_ms":30000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tr := decodeBody[txnResponse](t, w)
	require.NotNil(t, tr.Expiration)
	assert.Equal(t, epoch.Add(30*time.Second), *tr.Expiration)
}

func TestServer_Notify(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/registrations",
		`{"template":{"type":"Task","fields":[null,null]},"listener":"audit","visibility":"committed","lease_ms":60000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reg := decodeBody[space.EventRegistration](t, w)
	assert.NotEmpty(t, reg.Cookie)
	assert.Equal(t, epoch.Add(time.Minute), reg.Expiration)
	assert.Equal(t, 1, srv.space.Stats().Registrations)
}

func TestServer_Types(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/types", `{"name":"Urgent","extends":"Task","fields":[{"name":"deadline","kind":"int"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, http.MethodGet, "/v1/types", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[struct {
		Types []tuple.Schema `json:"types"`
	}](t, w)
	var names []string
	for _, sc := range got.Types {
		names = append(names, sc.Name)
	}
	assert.ElementsMatch(t, []string{"Task", "Urgent"}, names)

	w = do(t, srv, http.MethodPost, "/v1/types", `{"name":"Urgent","extends":"Task","fields":[{"name":"deadline","kind":"string"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "redefinition with another layout")
}

func TestServer_StatsHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/entries", `{"entries":[{"type":"Task","fields":["a",1]},{"type":"Task","fields":["b",2]}],"lease_ms":60000}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[space.Stats](t, w)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 2, st.EntriesByType["Task"])

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodGet, "/healthz", "").Code)

	w = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tuplespace_operations_total")
}

func TestServer_ClosedSpaceUnavailable(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.space.Close())

	w := do(t, srv, http.MethodPost, "/v1/read", `{"template":{"type":"Task","fields":[null,null]}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "CLOSED", decodeBody[errorBody](t, w).Code)
}

func TestMillis_Conversions(t *testing.T) {
	assert.Equal(t, lease.Any, Unbounded.lease())
	assert.Equal(t, 1500*time.Millisecond, Millis(1500).lease())
	assert.Negative(t, Millis(-5).lease(), "left for the space to reject")
	assert.Equal(t, lease.Forever, Millis(math.MaxInt64).lease(), "huge requests do not wrap")

	d, err := Unbounded.wait()
	require.NoError(t, err)
	assert.Equal(t, space.WaitForever, d)

	d, err = Millis(math.MaxInt64).wait()
	require.NoError(t, err)
	assert.Positive(t, d)

	_, err = Millis(-3).wait()
	assert.Error(t, err)
}

func TestServer_HugeLeaseIsCapped(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv, http.MethodPost, "/v1/entries",
		`{"entries":[{"type":"Task","fields":["big",1]}],"lease_ms":9223372036854775807}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wr := decodeBody[writeResponse](t, w)
	require.Len(t, wr.Leases, 1)
	assert.True(t, wr.Leases[0].Expiration.After(epoch), "grant is in the future")
}
