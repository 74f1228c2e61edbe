package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimiter_Window(t *testing.T) {
	now := fixedNow
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.allow("a"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := fixedNow
	rl := newRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	rl.allow("old")
	now = now.Add(90 * time.Second)
	rl.allow("recent")
	now = now.Add(45 * time.Second)

	rl.sweep()
	assert.NotContains(t, rl.visitors, "old")
	assert.Contains(t, rl.visitors, "recent")
}

func TestProxyTrust_ClientIP(t *testing.T) {
	pt, invalid := newProxyTrust([]string{"10.0.0.0/8", "192.0.2.1", "proxy.local"})
	require.Equal(t, []string{"proxy.local"}, invalid)

	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer spoofing forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.7:1234", "203.0.113.7"},
		{"untrusted peer spoofing real ip", map[string]string{"X-Real-IP": "1.2.3.4"}, "203.0.113.7:1234", "203.0.113.7"},
		{"trusted proxy", map[string]string{"X-Forwarded-For": "198.51.100.4"}, "192.0.2.1:1234", "198.51.100.4"},
		{"rightmost untrusted hop", map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.4, 10.1.2.3"}, "10.0.0.5:80", "198.51.100.4"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.8"}, "10.0.0.5:80", "10.0.0.9"},
		{"trusted real ip", map[string]string{"X-Real-IP": " 198.51.100.9 "}, "192.0.2.1:1234", "198.51.100.9"},
		{"trusted peer without headers", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"peer without port", nil, "203.0.113.7", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, pt.clientIP(r))
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var seen string
	h := clientIPMiddleware(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = getClientIP(r)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "203.0.113.7", seen, "no trusted proxies configured")

	assert.Equal(t, "203.0.113.7", getClientIP(r), "outside the chain")
}

func TestEndpointRateLimiter_Classify(t *testing.T) {
	erl := NewEndpointRateLimiter(DefaultEndpointRateLimitConfig(), zap.NewNop())
	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/auth/login", "authentication"},
		{http.MethodPost, "/api/plans/1/processes/3/files", "upload"},
		{http.MethodGet, "/download", "download"},
		{http.MethodPost, "/api/files/abc/link", "download"},
		{http.MethodGet, "/api/admin/users", "admin"},
		{http.MethodGet, "/api/plans", "api"},
		{http.MethodGet, "/health", ""},
	}
	for _, tc := range cases {
		_, got := erl.classify(httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, got, "%s %s", tc.method, tc.path)
	}
}

func TestEndpointRateLimiter_Middleware(t *testing.T) {
	cfg := DefaultEndpointRateLimitConfig()
	cfg.AuthRate = 1
	erl := NewEndpointRateLimiter(cfg, zap.NewNop())
	h := erl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send().Code)
	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "authentication", rr.Header().Get("X-RateLimit-Limit-Type"))

	// Unclassified paths are never limited.
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}
}
