package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

// IdentityCache is the durable rider snapshot. It is the only identity source
// for work that runs without a live session, such as a resumed background task.
type IdentityCache struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	current *models.CachedIdentity
}

func NewIdentityCache(backend Backend, logger *slog.Logger) *IdentityCache {
	return &IdentityCache{backend: backend, logger: logging.Component(logger, "identity-cache")}
}

// Save writes id before returning. The in-memory copy is updated even when
// the write fails, and the error is returned for the caller to log.
func (c *IdentityCache) Save(ctx context.Context, id models.CachedIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &id
	return PutJSON(ctx, c.backend, KeyIdentity, id)
}

// Load returns the cached identity; ok is false when none is cached.
func (c *IdentityCache) Load(ctx context.Context) (models.CachedIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return *c.current, !c.current.Empty()
	}
	var id models.CachedIdentity
	if err := GetJSON(ctx, c.backend, KeyIdentity, &id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("identity read failed", "error", err)
		}
		return models.CachedIdentity{}, false
	}
	c.current = &id
	return id, !id.Empty()
}

func (c *IdentityCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &models.CachedIdentity{}
	return c.backend.Delete(ctx, KeyIdentity)
}
