// Package location owns the device location subscription. The Engine is the
// only component that starts or stops a source watch or a background task.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-tracker/internal/geo"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/observability"
)

type Mode string

const (
	Foreground Mode = "foreground"
	Background Mode = "background"
)

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrRegistration wraps any failure to open a watch or register the background task.
var ErrRegistration = errors.New("location registration failed")

const (
	indicatorTitle = "Live location sharing is on"
	indicatorBody  = "Your location is shared with dispatch while tracking is on."
)

type StartOptions struct {
	Mode                 Mode
	Interval             time.Duration
	DistanceFilterMeters int
}

// Engine holds at most one source subscription for the process.
type Engine struct {
	source    Source
	tasks     TaskRegistry
	indicator Indicator
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	mode  Mode
	sub   Subscription

	// delivery state is guarded separately so Remove can wait for a running callback
	dmu      sync.Mutex
	filter   geo.DistanceFilter
	onSample func(models.LocationSample)
}

func NewEngine(source Source, tasks TaskRegistry, indicator Indicator, logger *slog.Logger) *Engine {
	if indicator == nil {
		indicator = LogIndicator{Logger: logger}
	}
	return &Engine{
		source:    source,
		tasks:     tasks,
		indicator: indicator,
		logger:    logging.Component(logger, "location-engine"),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsTaskRegistered asks the task registry, not the in-memory state.
func (e *Engine) IsTaskRegistered(ctx context.Context) (bool, error) {
	_, ok, err := e.tasks.Lookup(ctx, BackgroundTaskName)
	return ok, err
}

// Start subscribes to the source and, in background mode, registers the
// background task and shows the indicator. Starting while active is a no-op
// once the in-memory state agrees with the task registry.
func (e *Engine) Start(ctx context.Context, opts StartOptions, onSample func(models.LocationSample)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	registered, regOpts := false, TaskOptions{}
	if opts.Mode == Background {
		var err error
		regOpts, registered, err = e.tasks.Lookup(ctx, BackgroundTaskName)
		if err != nil {
			// registry unreadable: fall back to what this process knows
			e.logger.Warn("task registry lookup failed", "error", err)
			registered = e.state == Active && e.mode == Background
		}
	}

	switch {
	case e.state == Active && (opts.Mode == Foreground || registered):
		e.logger.Info("location tracking already active", "mode", e.mode)
		e.setCallback(onSample)
		return nil
	case e.state == Active:
		e.logger.Warn("in-memory tracking state is stale, no background task is registered")
		e.releaseLocked(ctx, false)
	case registered:
		// task survived a process restart; re-attach without registering again
		e.logger.Info("background task already registered, re-attaching watch", "registered_at", regOpts.RegisteredAt)
		return e.attachLocked(opts, onSample)
	}

	e.state = Starting
	e.mode = opts.Mode
	e.resetDelivery(opts, onSample)

	sub, err := e.subscribe(opts)
	if err != nil {
		e.state = Idle
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	e.sub = sub

	if opts.Mode == Background {
		taskOpts := TaskOptions{
			Mode:                 opts.Mode,
			IntervalMs:           opts.Interval.Milliseconds(),
			DistanceFilterMeters: opts.DistanceFilterMeters,
			RegisteredAt:         time.Now().UTC(),
		}
		if err := guard(func() error { return e.tasks.Register(ctx, BackgroundTaskName, taskOpts) }); err != nil {
			e.releaseLocked(ctx, false)
			return fmt.Errorf("%w: register %s: %v", ErrRegistration, BackgroundTaskName, err)
		}
		if err := guard(func() error { return e.indicator.Show(indicatorTitle, indicatorBody) }); err != nil {
			e.releaseLocked(ctx, true)
			return fmt.Errorf("%w: show indicator: %v", ErrRegistration, err)
		}
	}

	e.state = Active
	e.logger.Info("location tracking started", "mode", opts.Mode, "interval", opts.Interval, "distance_filter_m", opts.DistanceFilterMeters)
	return nil
}

// Resume re-attaches a background task left registered by a previous
// process. It reports whether a task was found.
func (e *Engine) Resume(ctx context.Context, onSample func(models.LocationSample)) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Active {
		return true, nil
	}
	opts, ok, err := e.tasks.Lookup(ctx, BackgroundTaskName)
	if err != nil || !ok {
		return false, err
	}
	w := opts.watch()
	return true, e.attachLocked(StartOptions{Mode: Background, Interval: w.Interval, DistanceFilterMeters: w.DistanceFilterMeters}, onSample)
}

func (e *Engine) attachLocked(opts StartOptions, onSample func(models.LocationSample)) error {
	e.state = Starting
	e.mode = Background
	e.resetDelivery(opts, onSample)
	sub, err := e.subscribe(opts)
	if err != nil {
		e.state = Idle
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	e.sub = sub
	if err := guard(func() error { return e.indicator.Show(indicatorTitle, indicatorBody) }); err != nil {
		e.logger.Warn("indicator show failed on re-attach", "error", err)
	}
	e.state = Active
	return nil
}

// Stop releases the watch and the background task. Stopping an idle engine is
// a no-op. Cleanup failures are logged and returned, but the engine always
// ends Idle.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	registered, err := e.IsTaskRegistered(ctx)
	if err != nil {
		e.logger.Warn("task registry lookup failed", "error", err)
	}
	if e.state == Idle && e.sub == nil && !registered {
		return nil
	}
	e.state = Stopping
	err = e.releaseLocked(ctx, true)
	e.logger.Info("location tracking stopped")
	return err
}

// releaseLocked drops the subscription and task and leaves the engine Idle.
func (e *Engine) releaseLocked(ctx context.Context, hideIndicator bool) error {
	var errs []error
	if e.sub != nil {
		if err := guard(e.sub.Remove); err != nil {
			errs = append(errs, fmt.Errorf("remove watch: %w", err))
		}
		e.sub = nil
	}
	if err := guard(func() error { return e.tasks.Unregister(ctx, BackgroundTaskName) }); err != nil {
		errs = append(errs, fmt.Errorf("unregister %s: %w", BackgroundTaskName, err))
	}
	if hideIndicator {
		if err := guard(e.indicator.Hide); err != nil {
			errs = append(errs, fmt.Errorf("hide indicator: %w", err))
		}
	}
	e.setCallback(nil)
	e.state = Idle

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("location cleanup incomplete", "error", err)
	}
	return err
}

func (e *Engine) subscribe(opts StartOptions) (Subscription, error) {
	var sub Subscription
	err := guard(func() error {
		var err error
		sub, err = e.source.Subscribe(WatchOptions{Interval: opts.Interval, DistanceFilterMeters: opts.DistanceFilterMeters}, e.deliver)
		return err
	})
	return sub, err
}

func (e *Engine) resetDelivery(opts StartOptions, onSample func(models.LocationSample)) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	e.filter = geo.DistanceFilter{MinMeters: float64(opts.DistanceFilterMeters)}
	e.onSample = onSample
}

func (e *Engine) setCallback(onSample func(models.LocationSample)) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	e.onSample = onSample
}

// deliver handles one source callback. Batches are collapsed to their most
// recent sample.
func (e *Engine) deliver(batch []models.LocationSample) {
	if len(batch) == 0 {
		return
	}
	sample := batch[len(batch)-1]
	observability.SamplesReceived.Inc()

	e.dmu.Lock()
	fn := e.onSample
	allowed := e.filter.Allow(sample)
	e.dmu.Unlock()

	if !allowed {
		observability.SamplesDropped.WithLabelValues(observability.DropDistance).Inc()
		return
	}
	if fn == nil {
		return
	}
	if err := guard(func() error { fn(sample); return nil }); err != nil {
		e.logger.Error("sample handler failed", "error", err)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
