package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func serve(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestGlobalRateLimit(t *testing.T) {
	r := newEngine(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code)

	w := serve(r, http.MethodGet, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestGlobalRateLimitDefaults(t *testing.T) {
	r := newEngine(GlobalRateLimit(RateLimitConfig{}))
	for i := 0; i < DefaultRateLimitConfig().Burst; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code)
	}
}

func TestCORSAllowList(t *testing.T) {
	r := newEngine(CORS(CORSConfig{
		AllowOrigins: []string{"http://dashboard.local"},
		MaxAge:       time.Hour,
	}))

	w := serve(r, http.MethodGet, "http://dashboard.local")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://dashboard.local", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	w = serve(r, http.MethodGet, "http://elsewhere.local")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSAnyOrigin(t *testing.T) {
	r := newEngine(CORS(DefaultCORSConfig()))

	w := serve(r, http.MethodGet, "http://anything.local")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
