package cli

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tuplespace/internal/config"
	"github.com/roach88/tuplespace/internal/testutil"
)

var discard = testutil.DiscardLogger()

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataPath = filepath.Join(t.TempDir(), "space.db")
	cfg.Recovery.SnapshotInterval = 0
	cfg.Recovery.SnapshotEveryRecords = 0
	return &cfg
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// seedLog writes a type and three tasks, takes one, and closes the
// service, leaving a recovery log behind.
func seedLog(t *testing.T, cfg *config.Config) {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, discard)
	require.NoError(t, err)
	h := svc.Handler()

	w := call(t, h, http.MethodPost, "/v1/types",
		`{"name":"Task","fields":[{"name":"name","kind":"string"},{"name":"priority","kind":"int"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, h, http.MethodPost, "/v1/entries",
		`{"entries":[{"type":"Task","fields":["a",1]},{"type":"Task","fields":["b",2]},{"type":"Task","fields":["c",3]}],"lease_ms":3600000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, h, http.MethodPost, "/v1/take", `{"template":{"type":"Task","fields":["b",null]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), `"match":null`)

	require.NoError(t, svc.Close())
}

func TestService_StateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	seedLog(t, cfg)

	svc, err := NewService(context.Background(), cfg, discard)
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, 2, svc.Space.Stats().Entries)
	assert.Equal(t, 2, svc.Space.Recovered().Entries)

	w := call(t, svc.Handler(), http.MethodPost, "/v1/contents", `{"template":{"type":"Task"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestService_ServeUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewService(context.Background(), cfg, discard)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err, "listener is closed")
}

func TestService_MissingSchemaDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schemas = filepath.Join(t.TempDir(), "missing")

	_, err := NewService(context.Background(), cfg, discard)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
