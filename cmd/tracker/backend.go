package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/rider-tracker/internal/config"
	"github.com/example/rider-tracker/internal/storage"
)

// openBackend picks the durable store: Redis when REDIS_ADDR is set, the
// local sqlite file otherwise.
func openBackend(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (storage.Backend, func(), error) {
	if cfg.RedisAddr != "" {
		var rs *storage.RedisStore
		err := withRetry(ctx, 5, 500*time.Millisecond, func() error {
			var err error
			rs, err = storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
			if err != nil {
				logger.Warn("waiting for redis", "addr", cfg.RedisAddr, "error", err)
			}
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("using redis store", "addr", cfg.RedisAddr)
		return rs, func() { _ = rs.Close() }, nil
	}

	ss, err := storage.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	logger.Info("using sqlite store", "path", cfg.StorePath)
	return ss, func() { _ = ss.Close() }, nil
}

// withRetry runs fn up to attempts times, doubling delay after each failure.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
