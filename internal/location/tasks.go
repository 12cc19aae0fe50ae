package location

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/observability"
	"github.com/example/rider-tracker/internal/storage"
)

// BackgroundTaskName identifies the background location task.
const BackgroundTaskName = "BACKGROUND_LOCATION_TASK"

// TaskOptions are recorded with a task registration so a later process can
// re-attach the watch the same way.
type TaskOptions struct {
	Mode                 Mode      `json:"mode"`
	IntervalMs           int64     `json:"intervalMs"`
	DistanceFilterMeters int       `json:"distanceFilterMeters"`
	RegisteredAt         time.Time `json:"registeredAt"`
}

func (o TaskOptions) watch() WatchOptions {
	return WatchOptions{
		Interval:             time.Duration(o.IntervalMs) * time.Millisecond,
		DistanceFilterMeters: o.DistanceFilterMeters,
	}
}

// TaskRegistry is the platform's record of registered background tasks.
// Registrations outlive the process that made them.
type TaskRegistry interface {
	Register(ctx context.Context, name string, opts TaskOptions) error
	Unregister(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (TaskOptions, bool, error)
}

// StoreRegistry keeps task registrations in the durable store.
type StoreRegistry struct {
	Backend storage.Backend
}

func (r StoreRegistry) Register(ctx context.Context, name string, opts TaskOptions) error {
	return storage.PutJSON(ctx, r.Backend, storage.TaskKey(name), opts)
}

func (r StoreRegistry) Unregister(ctx context.Context, name string) error {
	return r.Backend.Delete(ctx, storage.TaskKey(name))
}

func (r StoreRegistry) Lookup(ctx context.Context, name string) (TaskOptions, bool, error) {
	var opts TaskOptions
	err := storage.GetJSON(ctx, r.Backend, storage.TaskKey(name), &opts)
	if errors.Is(err, storage.ErrNotFound) {
		return TaskOptions{}, false, nil
	}
	if err != nil {
		return TaskOptions{}, false, err
	}
	return opts, true, nil
}

// Indicator is the persistent notice shown while a background task runs.
type Indicator interface {
	Show(title, body string) error
	Hide() error
}

// LogIndicator surfaces the notice through the log and the tracking_active gauge,
// which is what a headless device exposes to its operator.
type LogIndicator struct {
	Logger *slog.Logger
}

func (i LogIndicator) Show(title, body string) error {
	logging.Component(i.Logger, "indicator").Info(title, "body", body)
	observability.TrackingActive.Set(1)
	return nil
}

func (i LogIndicator) Hide() error {
	logging.Component(i.Logger, "indicator").Info("location sharing indicator cleared")
	observability.TrackingActive.Set(0)
	return nil
}
