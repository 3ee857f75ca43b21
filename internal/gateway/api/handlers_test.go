package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedeck/codedeck/internal/agent/credentials"
	"github.com/codedeck/codedeck/internal/agent/registry"
	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/persistence"
	"github.com/codedeck/codedeck/internal/session"
)

type testAPI struct {
	router *gin.Engine
	store  *persistence.SQLiteStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.NewRegistry(log)
	reg.LoadDefaults()

	sessionCfg := config.SessionConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		MessageBufferSize: 100,
		ViewerSendBuffer:  32,
	}

	manager := session.NewManager(session.ManagerDeps{
		Session:     sessionCfg,
		Registry:    reg,
		Credentials: credentials.NewManager(log),
		ResolveContainer: func(context.Context, string) (string, error) {
			return "container-test", nil
		},
		Store:  store,
		Bus:    bus.NewMemoryEventBus(log),
		Logger: log,
	})
	t.Cleanup(manager.Shutdown)

	serverCfg := config.ServerConfig{AllowedOrigins: []string{"*"}}
	handler := NewHandler(manager, reg, serverCfg, sessionCfg, log)
	return &testAPI{router: NewRouter(handler, serverCfg, log), store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeTab(t *testing.T, rec *httptest.ResponseRecorder) SessionTabResponse {
	t.Helper()
	var resp SessionTabResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateSession(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		CreateSessionRequest{Title: "Fix the build", AgentType: "claude-code"})
	require.Equal(t, http.StatusCreated, rec.Code)

	tab := decodeTab(t, rec)
	assert.NotEmpty(t, tab.ID)
	assert.Equal(t, "ws-1", tab.WorkspaceID)
	assert.Equal(t, "Fix the build", tab.Title)
	assert.Equal(t, persistence.TabStateActive, tab.State)
	assert.False(t, tab.Resumable)
}

func TestCreateSession_IdempotencyKey(t *testing.T) {
	api := newTestAPI(t)

	req := CreateSessionRequest{Title: "once", IdempotencyKey: "key-1"}
	first := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions", req))
	second := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions", req))
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateSession_InvalidBody(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	api := newTestAPI(t)

	api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions", CreateSessionRequest{Title: "a"})
	api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions", CreateSessionRequest{Title: "b"})
	api.do(t, http.MethodPost, "/api/v1/workspaces/ws-2/sessions", CreateSessionRequest{Title: "c"})

	rec := api.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionsListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestGetSession(t *testing.T) {
	api := newTestAPI(t)

	created := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		CreateSessionRequest{Title: "a"}))

	rec := api.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeTab(t, rec).ID)

	// A tab is invisible through another workspace's path.
	rec = api.do(t, http.MethodGet, "/api/v1/workspaces/ws-2/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuspendSession_NoActiveHost(t *testing.T) {
	api := newTestAPI(t)

	created := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		CreateSessionRequest{Title: "a"}))

	rec := api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions/"+created.ID+"/suspend", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseSession(t *testing.T) {
	api := newTestAPI(t)

	created := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		CreateSessionRequest{Title: "a"}))

	rec := api.do(t, http.MethodDelete, "/api/v1/workspaces/ws-1/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgentTypes(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/agents/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentTypesListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)

	rec = api.do(t, http.MethodGet, "/api/v1/agents/types/claude-code", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var single AgentTypeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.Equal(t, "claude-code-acp", single.Command)

	rec = api.do(t, http.MethodGet, "/api/v1/agents/types/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleWebSocket_AttachHandshake(t *testing.T) {
	api := newTestAPI(t)

	created := decodeTab(t, api.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/sessions",
		CreateSessionRequest{Title: "a"}))

	server := httptest.NewServer(api.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/ws-1/" + created.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readMsg := func() map[string]interface{} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	// Attach handshake: state, replay marker, final state.
	msg := readMsg()
	assert.Equal(t, "session_state", msg["type"])
	assert.Equal(t, "session_replay_complete", readMsg()["type"])
	final := readMsg()
	assert.Equal(t, "session_state", final["type"])
	assert.Equal(t, float64(0), final["replayCount"])

	// The live host is now visible on the REST surface.
	rec := api.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeTab(t, rec).Viewers)
}

func TestHandleWebSocket_UnknownSession(t *testing.T) {
	api := newTestAPI(t)

	server := httptest.NewServer(api.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/ws-1/missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMatchWildcardOrigin(t *testing.T) {
	cases := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://app.example.com", "https://*.example.com", true},
		{"https://deep.app.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"https://evil.com/x.example.com", "https://*.example.com", false},
		{"http://app.example.com", "https://*.example.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchWildcardOrigin(tc.origin, tc.pattern),
			"%s vs %s", tc.origin, tc.pattern)
	}
}

func TestCheckOrigin(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	h := &Handler{
		server: config.ServerConfig{AllowedOrigins: []string{"https://codedeck.dev", "https://*.codedeck.dev"}},
		logger: log,
	}

	req := httptest.NewRequest(http.MethodGet, "/ws/ws-1/s-1", nil)
	assert.True(t, h.checkOrigin(req), "empty origin is allowed")

	req.Header.Set("Origin", "https://codedeck.dev")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://app.codedeck.dev")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://attacker.example")
	assert.False(t, h.checkOrigin(req))
}
