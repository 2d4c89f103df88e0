package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/crm/internal/auth"
	"leadflow/crm/internal/config"
	"leadflow/crm/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		JwtSecret:           "routersecret",
		DefaultLocale:       "en-US",
		RateLimitBucketSize: 100,
		RateLimitRefillRate: 10,
	}
}

func TestSetupRouter_PingAndAdminGroup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	r := SetupRouter(cfg, nil, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/invoices/inv-1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.GenerateJWT("user-1", false, cfg.JwtSecret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/invoices/inv-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSetupServiceRouter_Metrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics.InvoicesMaterialized.Inc()
	r := SetupServiceRouter(testConfig(), nil, make(chan struct{}, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "leadflow_"), "custom collectors are exported")
}

func TestSetupServiceRouter_Shutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	shutdown := make(chan struct{}, 1)
	r := SetupServiceRouter(testConfig(), nil, shutdown)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api", bytes.NewBufferString(`{"method":"shutdown"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case <-shutdown:
	default:
		t.Fatal("shutdown was not signaled")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api", bytes.NewBufferString(`{"method":"getTestEmail","arguments":["only-one"]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api", bytes.NewBufferString(`{"method":"reboot"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
