package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abduss/oakregistry/internal/auth"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/catalog"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/logger"
	"github.com/abduss/oakregistry/internal/publish"
	"github.com/abduss/oakregistry/internal/ratelimit"
	"github.com/abduss/oakregistry/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, checks []HealthCheck, limit int, trustedProxies ...string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Server:    config.ServerConfig{TrustedProxies: trustedProxies},
		Auth:      config.AuthConfig{AccessTokenSecret: "secret"},
		Metrics:   config.MetricsConfig{PrometheusPath: "/metrics"},
		RateLimit: config.RateLimitConfig{Window: time.Minute, MaxRequests: limit},
		Registry: config.RegistryConfig{
			PackagesRoot:           t.TempDir(),
			ScratchRoot:            t.TempDir(),
			MaxArchiveBytes:        1 << 20,
			BaseTimeout:            time.Second,
			MaxConcurrentPublishes: 1,
		},
	}
	fs, err := blobstore.NewFilesystemBackend(cfg.Registry.PackagesRoot)
	require.NoError(t, err)
	store := registry.NewMemoryStore()
	blobs := blobstore.NewWriter(fs)

	router, err := NewRouter(Dependencies{
		Config:         cfg,
		Checks:         checks,
		Verifier:       auth.NewVerifier(cfg.Auth),
		Limiter:        ratelimit.New(cfg.RateLimit),
		PublishService: publish.NewService(store, blobs, cfg.Registry),
		CatalogService: catalog.NewService(store, blobs, cfg.Registry),
	})
	require.NoError(t, err)
	return router
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(nil)))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	healthy := newTestRouter(t, []HealthCheck{{Name: "metadata", Check: func(context.Context) error { return nil }}}, 100)
	assert.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/health/ready").Code)

	failing := newTestRouter(t, []HealthCheck{
		{Name: "metadata", Check: func(context.Context) error { return nil }},
		{Name: "storage", Check: func(context.Context) error { return errors.New("dial tcp 10.1.2.3:9000: refused") }},
	}, 100)
	rec := serve(failing, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"component":"storage"`)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
}

func TestRoutesAreMounted(t *testing.T) {
	router := newTestRouter(t, nil, 100)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/v1/packages").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/v1/stats").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/v1/packages/missing").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/packages/missing/1.0.0.tar.gz").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/v1/packages").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodDelete, "/v1/packages/a/versions/1.0.0").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/v1/whoami").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics").Code)
}

func TestCorrelationIDAndRateLimit(t *testing.T) {
	router := newTestRouter(t, nil, 2)

	rec := serve(router, http.MethodGet, "/health/live")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(logger.CorrelationIDHeader))

	serve(router, http.MethodGet, "/v1/stats")
	rec = serve(router, http.MethodGet, "/v1/packages")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(logger.CorrelationIDHeader))
}

func serveFrom(router *gin.Engine, remoteAddr, forwardedFor string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("X-Forwarded-For", forwardedFor)
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	router := newTestRouter(t, nil, 1)

	var codes []int
	for i := 0; i < 5; i++ {
		codes = append(codes, serveFrom(router, "203.0.113.7:40000", fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Equal(t, []int{200, 429, 429, 429, 429}, codes)
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	router := newTestRouter(t, nil, 1, "203.0.113.0/24")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serveFrom(router, "203.0.113.7:40000", fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(router, "203.0.113.7:40000", "10.0.0.0"))
}

func TestNewRouterRejectsInvalidTrustedProxy(t *testing.T) {
	_, err := NewRouter(Dependencies{Config: config.Config{Server: config.ServerConfig{TrustedProxies: []string{"not-an-ip"}}}})
	require.Error(t, err)
}
