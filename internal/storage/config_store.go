package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

// ConfigStore holds the durable tracking config. Storage failures are logged
// and never returned: the in-memory values stay authoritative for the session.
type ConfigStore struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	current *models.TrackingConfig
}

func NewConfigStore(backend Backend, logger *slog.Logger) *ConfigStore {
	return &ConfigStore{backend: backend, logger: logging.Component(logger, "config-store")}
}

// Get returns the tracking config, loading it on first use. Unset or
// unreadable records yield the defaults.
func (s *ConfigStore) Get(ctx context.Context) models.TrackingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *ConfigStore) loadLocked(ctx context.Context) models.TrackingConfig {
	if s.current != nil {
		return *s.current
	}
	cfg := models.DefaultTrackingConfig()
	var stored models.TrackingConfig
	err := GetJSON(ctx, s.backend, KeyTrackingConfig, &stored)
	switch {
	case err == nil:
		if stored.UpdateIntervalMs > 0 {
			cfg.UpdateIntervalMs = stored.UpdateIntervalMs
		}
		if stored.DistanceFilterMeters > 0 {
			cfg.DistanceFilterMeters = stored.DistanceFilterMeters
		}
	case errors.Is(err, ErrNotFound):
	default:
		s.logger.Warn("tracking config read failed, using defaults", "error", err)
	}
	s.current = &cfg
	return cfg
}

// Update merges patch into the current config and persists the result.
// Non-positive values are ignored. Changes apply to the next tracking start.
func (s *ConfigStore) Update(ctx context.Context, patch models.ConfigPatch) models.TrackingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.loadLocked(ctx)
	if v := patch.UpdateIntervalMs; v != nil {
		if *v > 0 {
			cfg.UpdateIntervalMs = *v
		} else {
			s.logger.Warn("ignoring non-positive update interval", "value", *v)
		}
	}
	if v := patch.DistanceFilterMeters; v != nil {
		if *v > 0 {
			cfg.DistanceFilterMeters = *v
		} else {
			s.logger.Warn("ignoring non-positive distance filter", "value", *v)
		}
	}
	s.current = &cfg

	if err := PutJSON(ctx, s.backend, KeyTrackingConfig, cfg); err != nil {
		s.logger.Warn("tracking config write failed", "error", err)
	}
	return cfg
}
