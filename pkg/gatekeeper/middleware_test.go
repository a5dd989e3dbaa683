package gatekeeper

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/request-gatekeeper/pkg/apiresponses"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/system"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(f.gk.Middleware())
	r.GET("/api/items", func(c *gin.Context) {
		f.clock.Step(25 * time.Millisecond)
		res, ok := FromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		system.GetReqLogger(c, nil).Infow("handling request")
		c.JSON(http.StatusOK, gin.H{"tier": res.Context.Tier})
	})
	r.POST("/login/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/login/fail", func(c *gin.Context) { c.String(http.StatusUnauthorized, "bad credentials") })
	return r
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestMiddlewareAllowed(t *testing.T) {
	f := newFixture(t, Config{RateLimiting: true}, basePolicy(), nil)
	engine := newEngine(f)

	req := newRequest(http.MethodGet, "/api/items")
	req.Header.Set("X-API-Key", "enterprise_k")
	w := serve(engine, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tier":"enterprise"}`, w.Body.String())
	assert.Equal(t, "25ms", w.Header().Get(HeaderResponseTime), "measured up to the first body write")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "2000", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1999", w.Header().Get(HeaderRemaining))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMiddlewareDenied(t *testing.T) {
	pcfg := basePolicy()
	pcfg.APIKeys = policy.APIKeyConfig{Required: true}
	f := newFixture(t, Config{}, pcfg, nil)
	engine := newEngine(f)

	w := serve(engine, newRequest(http.MethodGet, "/api/items"))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body apiresponses.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apiresponses.CodeMissingAPIKey, body.Error.Code)
	assert.Equal(t, "API key required", body.Error.Message)
	assert.Equal(t, w.Header().Get("X-Request-ID"), body.Error.RequestID)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", body.Error.Timestamp)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "0ms", w.Header().Get(HeaderResponseTime))
}

func TestMiddlewarePreflight(t *testing.T) {
	f := newFixture(t, Config{RateLimiting: true}, basePolicy(), nil)
	engine := newEngine(f)
	engine.OPTIONS("/api/items", func(c *gin.Context) {
		t.Fatal("handler must not run for preflight")
	})

	req := newRequest(http.MethodOptions, "/api/items")
	req.Header.Set("Origin", "https://app.example")
	w := serve(engine, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get(HeaderLimit))
}

func TestMiddlewareRateLimited(t *testing.T) {
	f := newFixture(t, Config{RateLimiting: true}, basePolicy(), nil)
	engine := newEngine(f)
	engine.POST("/auth/signin", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(engine, newRequest(http.MethodPost, "/auth/signin")).Code)
	}
	w := serve(engine, newRequest(http.MethodPost, "/auth/signin"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get(HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), apiresponses.CodeRateLimited)
}

func TestMiddlewareSkipSuccessfulRequests(t *testing.T) {
	router := ratelimit.NewRouter(nil, []ratelimit.Route{{
		Category: ratelimit.CategorySignIn,
		Patterns: []string{"/login"},
		Limit:    ratelimit.Config{Window: time.Minute, MaxRequests: 2, SkipSuccessfulRequests: true},
	}}, nil)
	f := newFixture(t, Config{RateLimiting: true}, basePolicy(), router)
	engine := newEngine(f)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, serve(engine, newRequest(http.MethodPost, "/login/ok")).Code, "success %d", i+1)
	}
	assert.Equal(t, http.StatusUnauthorized, serve(engine, newRequest(http.MethodPost, "/login/fail")).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(engine, newRequest(http.MethodPost, "/login/fail")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(engine, newRequest(http.MethodPost, "/login/ok")).Code,
		"only failures consumed the budget")
}

func TestMiddlewareSkipFailedRequests(t *testing.T) {
	router := ratelimit.NewRouter(nil, []ratelimit.Route{{
		Category: ratelimit.CategorySignIn,
		Patterns: []string{"/login"},
		Limit:    ratelimit.Config{Window: time.Minute, MaxRequests: 2, SkipFailedRequests: true},
	}}, nil)
	f := newFixture(t, Config{RateLimiting: true}, basePolicy(), router)
	engine := newEngine(f)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusUnauthorized, serve(engine, newRequest(http.MethodPost, "/login/fail")).Code)
	}
	assert.Equal(t, http.StatusNoContent, serve(engine, newRequest(http.MethodPost, "/login/ok")).Code)
	assert.Equal(t, http.StatusNoContent, serve(engine, newRequest(http.MethodPost, "/login/ok")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(engine, newRequest(http.MethodPost, "/login/ok")).Code)
}
