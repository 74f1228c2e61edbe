// endpoint_ratelimit.go - Per-endpoint-class rate limits.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EndpointRateLimiter applies a separate limit to each endpoint class.
type EndpointRateLimiter struct {
	auth     *rateLimiter
	upload   *rateLimiter
	download *rateLimiter
	api      *rateLimiter
	admin    *rateLimiter
	log      *zap.Logger
}

type EndpointRateLimitConfig struct {
	AuthRate       int
	AuthWindow     time.Duration
	UploadRate     int
	UploadWindow   time.Duration
	DownloadRate   int
	DownloadWindow time.Duration
	APIRate        int
	APIWindow      time.Duration
	AdminRate      int
	AdminWindow    time.Duration
}

func DefaultEndpointRateLimitConfig() EndpointRateLimitConfig {
	return EndpointRateLimitConfig{
		AuthRate:       10,
		AuthWindow:     time.Minute,
		UploadRate:     60,
		UploadWindow:   time.Hour,
		DownloadRate:   300,
		DownloadWindow: time.Hour,
		APIRate:        600,
		APIWindow:      time.Minute,
		AdminRate:      120,
		AdminWindow:    time.Minute,
	}
}

func NewEndpointRateLimiter(cfg EndpointRateLimitConfig, log *zap.Logger) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		auth:     newRateLimiter(cfg.AuthRate, cfg.AuthWindow),
		upload:   newRateLimiter(cfg.UploadRate, cfg.UploadWindow),
		download: newRateLimiter(cfg.DownloadRate, cfg.DownloadWindow),
		api:      newRateLimiter(cfg.APIRate, cfg.APIWindow),
		admin:    newRateLimiter(cfg.AdminRate, cfg.AdminWindow),
		log:      log,
	}
}

// Run sweeps idle visitors until ctx ends.
func (erl *EndpointRateLimiter) Run(ctx context.Context) {
	runSweeper(ctx, time.Minute, func() {
		for _, rl := range []*rateLimiter{erl.auth, erl.upload, erl.download, erl.api, erl.admin} {
			rl.sweep()
		}
	})
}

func (erl *EndpointRateLimiter) classify(r *http.Request) (*rateLimiter, string) {
	path := r.URL.Path
	switch {
	case path == "/api/auth/login":
		return erl.auth, "authentication"
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/files"):
		return erl.upload, "upload"
	case strings.HasPrefix(path, "/download") || strings.HasSuffix(path, "/link"):
		return erl.download, "download"
	case strings.HasPrefix(path, "/api/admin/"):
		return erl.admin, "admin"
	case strings.HasPrefix(path, "/api/"):
		return erl.api, "api"
	}
	return nil, ""
}

func (erl *EndpointRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, limitType := erl.classify(r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := getClientIP(r)
		if !limiter.allow(ip) {
			erl.log.Warn("rate_limit_exceeded",
				zap.String("ip", ip),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.String("limit_type", limitType))
			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Limit-Type", limitType)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded for " + limitType + " endpoints"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
