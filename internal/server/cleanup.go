package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// staleCleaner removes uploads that never reached the store.
type staleCleaner interface {
	CleanupStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// CleanupConfig holds configuration for the cleanup job
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
}

const defaultCleanupMaxAge = 24 * time.Hour

func (s *Server) cleanupMaxAge() time.Duration {
	if s.cfg.Cleanup.MaxAge <= 0 {
		return defaultCleanupMaxAge
	}
	return s.cfg.Cleanup.MaxAge
}

// RunCleanupJob periodically removes pending and failed uploads older than
// MaxAge. It runs once immediately and returns when ctx ends.
func RunCleanupJob(ctx context.Context, cfg CleanupConfig, c staleCleaner, log *zap.Logger) {
	log = log.Named("cleanup")
	if !cfg.Enabled {
		log.Info("disabled")
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultCleanupMaxAge
	}
	log.Info("starting", zap.Duration("interval", cfg.Interval), zap.Duration("max_age", cfg.MaxAge))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	runCleanup(ctx, cfg, c, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting_down")
			return
		case <-ticker.C:
			runCleanup(ctx, cfg, c, log)
		}
	}
}

func runCleanup(ctx context.Context, cfg CleanupConfig, c staleCleaner, log *zap.Logger) {
	start := time.Now()
	removed, err := c.CleanupStale(ctx, cfg.MaxAge)
	if err != nil {
		log.Error("cleanup_failed", zap.Int("removed", removed), zap.Error(err))
		return
	}
	log.Info("cleanup_complete",
		zap.Int("removed", removed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}
