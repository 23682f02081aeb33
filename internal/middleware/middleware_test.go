package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"chatdesk/internal/config"
	"chatdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/test", ok)
	r.POST("/api/v1/chat", ok)
	r.OPTIONS("/test", ok)
	return r
}

func hit(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: false}))
	for i := 0; i < 100; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/test").Code)
	}
}

func TestRateLimit_GlobalBurst(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 3}))
	before := testutil.ToFloat64(metrics.RateLimitDrops.WithLabelValues("global"))

	allowed := 0
	for i := 0; i < 6; i++ {
		if hit(r, http.MethodGet, "/test").Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.RateLimitDrops.WithLabelValues("global")))

	w := hit(r, http.MethodGet, "/test")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestRateLimit_PathOverride(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		Burst:             100,
		Paths:             []config.PathRateLimitConfig{{Prefix: "/api/v1/chat", RequestsPerMinute: 1, Burst: 1}},
	}))

	assert.Equal(t, http.StatusOK, hit(r, http.MethodPost, "/api/v1/chat").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodPost, "/api/v1/chat").Code)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/test").Code)
}

func TestRateLimit_Whitelist(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
		WhitelistIPs:      []string{"192.0.2.1"},
	}))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/test").Code)
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://shop.example"}}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://shop.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = hit(r, http.MethodOptions, "/test")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	wildcard := newRouter(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}))
	assert.Equal(t, "*", hit(wildcard, http.MethodGet, "/test").Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	hit(r, http.MethodGet, "/ok")
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	assert.Equal(t, "/ok", hook.LastEntry().Data["path"])

	hit(r, http.MethodGet, "/boom")
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, http.StatusInternalServerError, hook.LastEntry().Data["status"])

	hit(r, http.MethodGet, "/missing")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
