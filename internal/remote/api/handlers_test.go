package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fwagent/internal/common/logger"
	_ "github.com/kandev/fwagent/internal/framework/local"
	"github.com/kandev/fwagent/internal/framework/manifest"
	"github.com/kandev/fwagent/internal/remote/dispatcher"
	"github.com/kandev/fwagent/internal/remote/redirect"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
	"github.com/kandev/fwagent/pkg/remote/wsconn"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func newServer(t *testing.T) (*dispatcher.Dispatcher, *httptest.Server) {
	t.Helper()
	log := newTestLogger()
	d := dispatcher.New(dispatcher.Config{
		StorageRoot:     t.TempDir(),
		CacheDir:        t.TempDir(),
		ShutdownTimeout: 5 * time.Second,
		Console:         &redirect.Console{},
	}, nil, nil, log)
	srv := httptest.NewServer(NewRouter(d, log))
	t.Cleanup(func() {
		srv.Close()
		d.ShutdownAll(context.Background())
	})
	return d, srv
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestFrameworkLifecycle(t *testing.T) {
	_, srv := newServer(t)
	base := srv.URL + "/api/v1/frameworks"

	var created FrameworkSummary
	status := doJSON(t, http.MethodPost, base, CreateFrameworkRequest{Name: "main", Properties: map[string]string{"a": "b"}}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "main", created.Name)
	assert.Equal(t, "ACTIVE", created.State)

	var body map[string]string
	status = doJSON(t, http.MethodPost, base, CreateFrameworkRequest{Name: "main"}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "already exists")

	status = doJSON(t, http.MethodPost, base, CreateFrameworkRequest{Name: "main", Reuse: true}, &created)
	assert.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, base, map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var list []FrameworkSummary
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base, nil, &list))
	require.Len(t, list, 1)

	var snap protocol.FrameworkDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/main", nil, &snap))
	assert.Equal(t, "b", snap.Properties["a"])

	var modules []protocol.BundleDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/main/modules", nil, &modules))
	assert.Empty(t, modules)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, base+"/main", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, base+"/main", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/main", nil, nil))
}

func TestHealth(t *testing.T) {
	_, srv := newServer(t)
	var body map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func dialLink(t *testing.T, url string) *protocol.AgentClient {
	t.Helper()
	ws, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	l := link.New(wsconn.New(ws), newTestLogger())
	l.Start()
	t.Cleanup(func() { _ = l.Close() })
	return protocol.NewAgentClient(l)
}

func TestWebSocketLink(t *testing.T) {
	ctx := context.Background()
	d, srv := newServer(t)
	desc, err := d.CreateFramework(ctx, "main", nil, "", "")
	require.NoError(t, err)
	hash, err := desc.Cache.Put(manifest.MustBuild("a", "1"))
	require.NoError(t, err)

	agent := dialLink(t, srv.URL+"/api/v1/frameworks/main/link")
	report, err := agent.Update(ctx, map[string]string{"a": hash})
	require.NoError(t, err)
	assert.Empty(t, report)

	var modules []protocol.BundleDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/frameworks/main/modules", nil, &modules))
	require.Len(t, modules, 1)
	assert.Equal(t, "a", modules[0].SymbolicName)
	assert.Len(t, desc.Sessions(), 1)
}

func TestWebSocketEnvoy(t *testing.T) {
	ctx := context.Background()
	d, srv := newServer(t)

	agent := dialLink(t, srv.URL+"/api/v1/envoy")
	envoy, err := agent.IsEnvoy(ctx)
	require.NoError(t, err)
	assert.True(t, envoy)

	ok, err := agent.CreateFramework(ctx, "remote", nil, false)
	require.NoError(t, err)
	require.True(t, ok)
	dto, err := agent.GetFramework(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote", dto.Name)
	_, found := d.Get("remote")
	assert.True(t, found)
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://agent.example:8080/x", nil)
	assert.True(t, checkOrigin(req))
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, checkOrigin(req))
	req.Header.Set("Origin", "http://agent.example:8080")
	assert.True(t, checkOrigin(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, checkOrigin(req))
}
