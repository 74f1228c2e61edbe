package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp            ComponentStatus = "up"
	ComponentStatusDown          ComponentStatus = "down"
	ComponentStatusDegraded      ComponentStatus = "degraded"
	ComponentStatusNotConfigured ComponentStatus = "not_configured"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// criticalComponents make the whole service unhealthy when down.
var criticalComponents = map[string]bool{"database": true, "store": true}

const healthTimeout = 5 * time.Second

// errNotConfigured marks an optional component that is switched off.
var errNotConfigured = errors.New("not configured")

type healthProbe struct {
	name  string
	ping  func(ctx context.Context) error
	extra func() any
}

func (s *Server) probes() []healthProbe {
	probes := []healthProbe{
		{name: "database", ping: func(ctx context.Context) error {
			if s.db == nil {
				return errNotConfigured
			}
			return s.db.PingContext(ctx)
		}, extra: func() any {
			if s.db == nil {
				return nil
			}
			st := s.db.Stats()
			return map[string]any{
				"open_connections": st.OpenConnections,
				"in_use":           st.InUse,
				"idle":             st.Idle,
				"wait_count":       st.WaitCount,
			}
		}},
		{name: "equipment", ping: func(ctx context.Context) error {
			if !s.machines.Configured() {
				return errNotConfigured
			}
			return s.machines.Ping(ctx)
		}},
		{name: "hr", ping: func(ctx context.Context) error {
			if !s.staff.Configured() {
				return errNotConfigured
			}
			return s.staff.Ping(ctx)
		}},
		{name: "erp", ping: func(ctx context.Context) error {
			if !s.erp.Configured() {
				return errNotConfigured
			}
			return s.erp.Ping(ctx)
		}, extra: func() any {
			if !s.erp.Configured() {
				return nil
			}
			return map[string]string{"breaker": s.erp.Breaker().State().String()}
		}},
		{name: "store", ping: func(ctx context.Context) error {
			if s.store == nil {
				return errNotConfigured
			}
			return s.store.Ping(ctx)
		}},
	}
	return probes
}

// checkHealth runs every probe concurrently.
func (s *Server) checkHealth(ctx context.Context) Health {
	h := Health{
		Timestamp:  s.nowUTC(),
		Version:    s.version,
		Components: make(map[string]ComponentHealth),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.probes() {
		g.Go(func() error {
			c := runProbe(gctx, p)
			mu.Lock()
			h.Components[p.name] = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	h.Status = determineOverallHealth(h.Components)
	return h
}

func runProbe(ctx context.Context, p healthProbe) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	err := p.ping(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000

	c := ComponentHealth{Status: ComponentStatusUp, LatencyMs: latency}
	switch {
	case errors.Is(err, errNotConfigured):
		c = ComponentHealth{Status: ComponentStatusNotConfigured}
		if criticalComponents[p.name] {
			c.Status = ComponentStatusDown
			c.Message = err.Error()
		}
	case err != nil:
		c.Status = ComponentStatusDown
		c.Message = err.Error()
	case latency > 1000:
		c.Status = ComponentStatusDegraded
		c.Message = "latency high"
	}
	if p.extra != nil {
		c.Details = p.extra()
	}
	return c
}

// determineOverallHealth: a critical component down is unhealthy, any
// other component down or slow is degraded.
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for name, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			if criticalComponents[name] {
				return HealthStatusUnhealthy
			}
			status = HealthStatusDegraded
		case ComponentStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HandleHealth reports per-component health. Degraded still answers 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.checkHealth(r.Context())
	status := http.StatusOK
	if h.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// HandleReady is the readiness probe: the main database answers a query.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var one int
	if s.db == nil || s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "database unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.nowUTC().Format(time.RFC3339),
	})
}

// HandleLive is the liveness probe.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
