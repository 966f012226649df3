package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/orchestrator"
	"github.com/agentloop/agentloop/internal/tools"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// newTestServer builds the router around a service that has not been
// started, which is enough for the read-only surfaces.
func newTestServer(t *testing.T) (*Server, *orchestrator.Service) {
	t.Helper()
	log := testLogger(t)

	cfg := &config.Config{}
	cfg.Agent.Home = t.TempDir()

	executor := tools.NewExecutor(tools.Options{Home: cfg.Agent.Home}, log)
	service, err := orchestrator.NewService(orchestrator.Deps{
		Config:   cfg,
		Executor: executor,
		Logger:   log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { service.Sessions().Close() })

	return New(config.ServerConfig{}, service, nil, log), service
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListSessionsEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []sessionResponse `json:"sessions"`
		Total    int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sessions)
	assert.Zero(t, resp.Total)
}

func TestLaneStatsDisabled(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/lanes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)
}

func TestPostMessageMissingText(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels/discord/123/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageServiceNotRunning(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels/discord/123/messages",
		`{"text":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestResetSession(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels/discord/123/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ChannelKey string `json:"channel_key"`
		SessionID  string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "discord:123", resp.ChannelKey)
	assert.NotEmpty(t, resp.SessionID)
}

func TestStreamDisabledWithoutHub(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/channels/discord/123/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
