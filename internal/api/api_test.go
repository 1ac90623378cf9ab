package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvpn.mini/dvr/internal/docs"
	"dvpn.mini/dvr/internal/logger"
	"dvpn.mini/dvr/internal/types"
)

func TestHandleHealth(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"status":"ok","ledger":{"height":9,"sequence":9,"live_until":5002,"expired":false,"last_node_id":1}}`,
		rec.Body.String())

	env.reg.status.Expired = true
	rec = env.do(http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"expired"`)

	env.reg.err = errBroken
	rec = env.do(http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleVersion(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.Version, body["version"])
	assert.Equal(t, float64(9), body["height"])
}

func TestHandleNode(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/api/nodes/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var node types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, env.reg.nodes[1], node)

	rec = env.do(http.MethodGet, "/api/nodes/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/nodes/0")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/nodes/-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.reg.err = errBroken
	rec = env.do(http.MethodGet, "/api/nodes/1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleStats(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"total_nodes":1,"active_nodes":1,"total_bandwidth":5,"total_tokens_distributed":50}`,
		rec.Body.String())
}

func TestHandleLogs(t *testing.T) {
	env := setupTest(t)
	for i := 0; i < 5; i++ {
		env.log.Info("entry")
	}
	env.log.Info("newest")

	rec := env.do(http.MethodGet, "/api/logs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []logger.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "newest", msgs[0].Text)

	rec = env.do(http.MethodGet, "/api/logs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventsStreams(t *testing.T) {
	env := setupTest(t)
	env.log.Info("before connect")

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg logger.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "before connect", msg.Text)

	env.log.Info("after connect")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "after connect", msg.Text)
}

func TestHandleBackups(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodPost, "/api/backups")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	_, err := os.Stat(body["path"])
	assert.NoError(t, err)

	rec = env.do(http.MethodGet, "/api/backups")
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Equal(t, []string{filepath.Base(body["path"])}, names)

	rec = env.do(http.MethodGet, "/api/backups/download")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "dvr-registry-")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "SQLite format 3"))
}

func TestBackupRoutesRefuseOtherOrigins(t *testing.T) {
	env := setupTest(t)

	foreign := http.Header{"Origin": []string{"https://evil.example"}}
	rec := env.doWithHeaders(http.MethodPost, "/api/backups", foreign)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.doWithHeaders(http.MethodGet, "/api/backups/download", foreign)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.doWithHeaders(http.MethodPost, "/api/backups", http.Header{"Sec-Fetch-Site": []string{"cross-site"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	backups, err := env.store.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	// httptest requests carry Host example.com
	rec = env.doWithHeaders(http.MethodPost, "/api/backups", http.Header{"Origin": []string{"http://example.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// read-only routes stay open to any origin
	rec = env.doWithHeaders(http.MethodGet, "/api/stats", foreign)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleDocs(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/api/docs")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.adoc"), []byte("= API\n\n== Endpoints\n"), 0o644))
	env.svc.docs = docs.NewService(dir)

	rec = env.do(http.MethodGet, "/api/docs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["api.adoc"]`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/docs/api.adoc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Endpoints")

	rec = env.do(http.MethodGet, "/api/docs/missing.adoc")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/docs/config.yaml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTest(t)

	rec := env.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dvr_test_total 1")
}
