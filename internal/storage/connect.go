package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ConnectConfig bounds startup connection attempts.
type ConnectConfig struct {
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// Connect calls open until it succeeds or Attempts is exhausted, sleeping
// Delay between attempts. It is meant for startup only; callers treat an
// error as fatal.
func Connect(ctx context.Context, cfg ConnectConfig, open func(context.Context) (Backend, error)) (Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := max(cfg.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var b Backend
		if b, err = open(ctx); err == nil {
			if attempt > 1 {
				logger.Info("storage connected", "attempt", attempt)
			}
			return b, nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("storage connection attempt failed, retrying",
			"attempt", attempt, "max_attempts", attempts, "delay", cfg.Delay, "error", err)

		t := time.NewTimer(cfg.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connecting to storage after %d attempts: %w", attempts, err)
}
