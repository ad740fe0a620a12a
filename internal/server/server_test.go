package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelltender/internal/adminproxy"
	"shelltender/internal/broadcast"
	"shelltender/internal/buffer"
	"shelltender/internal/config"
	"shelltender/internal/pattern"
	"shelltender/internal/pipeline"
	"shelltender/internal/session"
	"shelltender/internal/store"
	"shelltender/internal/wsmux"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:        3000,
		WSPath:      "/ws",
		DataDir:     t.TempDir(),
		MetricsPath: "/metrics",
		Environment: "development",
		MaxSessions: 10,
		BufferCap:   1000,
		CORSOrigin:  "https://example.com",
	}

	st := store.New(cfg.DataDir)
	require.NoError(t, st.Init())
	sessions := session.NewManager(st)
	buffers := buffer.NewManager(cfg.BufferCap)
	pipe := pipeline.New()
	patterns := pattern.NewEngine()
	bcast, err := broadcast.New("")
	require.NoError(t, err)
	admin := adminproxy.New(sessions, buffers, pipe)
	mux := wsmux.New(wsmux.Config{Path: cfg.WSPath}, sessions, buffers, pipe, patterns, st, admin, bcast)

	return New(cfg, sessions, buffers, pipe, st, bcast, mux)
}

func TestHealthEndpointReportsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestKillSessionReturns404ForMissingSession(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/missing", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDoctorReportsRedisDisconnectedByDefault(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/shelltender/doctor", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"redisConnected":false`)
	assert.Contains(t, body, "SHELLTENDER_REDIS_URL is unset")
	assert.Contains(t, body, "SHELLTENDER_MONITOR_AUTH_KEY is unset")
}

func TestAdminListSessionsIncludesSystemInfo(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"platform"`)
}

func TestAdminBulkSessionsRejectsUnsupportedAction(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/sessions/bulk", strings.NewReader(`{"action":"restart","sessionIds":["a"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
