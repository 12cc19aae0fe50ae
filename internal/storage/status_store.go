package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

// StatusStore tracks when a payload was last handed to the transport.
type StatusStore struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.Mutex
	loaded bool
	last   time.Time
}

func NewStatusStore(backend Backend, logger *slog.Logger) *StatusStore {
	return &StatusStore{backend: backend, logger: logging.Component(logger, "status-store")}
}

// LastSent returns the last-sent time and whether one was ever recorded.
func (s *StatusStore) LastSent(ctx context.Context) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	return s.last, !s.last.IsZero()
}

func (s *StatusStore) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	var st models.TrackingStatus
	err := GetJSON(ctx, s.backend, KeyTrackingStatus, &st)
	switch {
	case err == nil:
		if st.LastSentTimestamp != nil {
			s.last = *st.LastSentTimestamp
		}
	case errors.Is(err, ErrNotFound):
	default:
		s.logger.Warn("tracking status read failed", "error", err)
	}
}

// Record stores t as the last-sent time. The in-memory value always updates;
// a failed write is only logged.
func (s *StatusStore) Record(ctx context.Context, t time.Time) {
	s.mu.Lock()
	s.loaded = true
	s.last = t
	s.mu.Unlock()

	ts := t.UTC()
	if err := PutJSON(ctx, s.backend, KeyTrackingStatus, models.TrackingStatus{LastSentTimestamp: &ts}); err != nil {
		s.logger.Warn("tracking status write failed", "error", err)
	}
}

func (s *StatusStore) Status(ctx context.Context) models.TrackingStatus {
	last, ok := s.LastSent(ctx)
	if !ok {
		return models.TrackingStatus{}
	}
	last = last.UTC()
	return models.TrackingStatus{LastSentTimestamp: &last}
}
