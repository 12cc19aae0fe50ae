// Package session is the tracking state machine. It is the only place that
// drives the location engine, and every start, stop or toggle runs under a
// single non-blocking lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/rider-tracker/internal/auth"
	"github.com/example/rider-tracker/internal/location"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/observability"
	"github.com/example/rider-tracker/internal/permission"
	"github.com/example/rider-tracker/internal/storage"
	"github.com/example/rider-tracker/internal/tracker"
	"github.com/example/rider-tracker/internal/transport"
)

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// AppState is a foreground app lifecycle state. Lifecycle changes are
// observed, never acted on.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

var (
	ErrBusy             = errors.New("tracking change already in progress")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrNoIdentity       = errors.New("no rider identity, sign in first")
	ErrUnknownAppState  = errors.New("unknown app state")
)

// Engine is the location engine as the controller uses it.
type Engine interface {
	Start(ctx context.Context, opts location.StartOptions, onSample func(models.LocationSample)) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context, onSample func(models.LocationSample)) (bool, error)
	IsTaskRegistered(ctx context.Context) (bool, error)
}

// Transport is the realtime channel as the controller uses it.
type Transport interface {
	Connect(ctx context.Context) error
	SetRoom(riderID string)
	SetToken(token string)
	Emit(event string, payload any) error
}

type Options struct {
	Engine    Engine
	Transport Transport
	// Emitter carries status updates; defaults to Transport. Set it to a
	// transport.Fanout to mirror them.
	Emitter  tracker.Emitter
	Tracker  *tracker.Tracker
	Gate     *permission.Gate
	Config   *storage.ConfigStore
	Status   *storage.StatusStore
	Identity *storage.IdentityCache
	Session  *auth.Session
	Mode     location.Mode
	Logger   *slog.Logger
}

// Snapshot is what a UI reads to render tracking state.
type Snapshot struct {
	State             string                 `json:"state"`
	IsTracking        bool                   `json:"isTracking"`
	RiderID           string                 `json:"riderId,omitempty"`
	LastLocation      *models.LocationSample `json:"lastLocation,omitempty"`
	LastSentTimestamp *time.Time             `json:"lastSentTimestamp"`
	Error             string                 `json:"error,omitempty"`
}

type Controller struct {
	opts   Options
	logger *slog.Logger

	locked atomic.Bool

	mu      sync.Mutex
	state   State
	lastErr string
}

func New(opts Options) *Controller {
	if opts.Mode == "" {
		opts.Mode = location.Background
	}
	if opts.Session == nil {
		opts.Session = &auth.Session{}
	}
	if opts.Emitter == nil {
		opts.Emitter = opts.Transport
	}
	return &Controller{opts: opts, logger: logging.Component(opts.Logger, "session")}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsTracking() bool { return c.State() == Running }

// RiderID returns the live session's rider. It never reads storage.
func (c *Controller) RiderID() string {
	id, _ := c.opts.Session.Current()
	return id.ID
}

// Start begins tracking. It returns ErrBusy without doing anything while
// another start, stop or toggle is running.
func (c *Controller) Start(ctx context.Context) error {
	return c.exclusive("start", func() error { return c.start(ctx) })
}

// Stop ends tracking. Stopping while stopped is a no-op. Cleanup and
// transport failures are logged, not returned.
func (c *Controller) Stop(ctx context.Context) error {
	return c.exclusive("stop", func() error { return c.stop(ctx) })
}

func (c *Controller) Toggle(ctx context.Context) error {
	return c.exclusive("toggle", func() error {
		if c.State() == Running {
			return c.stop(ctx)
		}
		return c.start(ctx)
	})
}

func (c *Controller) exclusive(op string, fn func() error) error {
	if !c.locked.CompareAndSwap(false, true) {
		c.logger.Info("tracking request dropped, another is in progress", "op", op)
		return ErrBusy
	}
	defer c.locked.Store(false)
	return fn()
}

func (c *Controller) start(ctx context.Context) error {
	if c.State() == Running {
		return c.reconcile(ctx)
	}
	c.setState(Starting)

	id, ok := c.currentIdentity(ctx)
	if !ok {
		return c.fail(ErrNoIdentity)
	}

	if err := c.ensurePermission(ctx); err != nil {
		return c.fail(err)
	}

	// the durable copy must exist before any background delivery can run
	if err := c.opts.Identity.Save(ctx, id); err != nil {
		c.logger.Warn("identity cache write failed", "error", err)
	}

	cfg := c.opts.Config.Get(ctx)
	c.opts.Tracker.SetInterval(cfg.Interval())

	if err := c.opts.Engine.Start(ctx, c.startOptions(cfg), c.onSample); err != nil {
		return c.fail(err)
	}

	c.opts.Transport.SetRoom(id.ID)
	if err := c.opts.Transport.Connect(ctx); err != nil {
		c.logger.Warn("realtime connect failed, samples will be dropped until it recovers", "error", err)
	}

	c.mu.Lock()
	c.state = Running
	c.lastErr = ""
	c.mu.Unlock()
	observability.TrackingActive.Set(1)
	c.logger.Info("tracking started", "rider_id", id.ID, "mode", c.opts.Mode,
		"interval_ms", cfg.UpdateIntervalMs, "distance_filter_m", cfg.DistanceFilterMeters)

	c.emitStatus(ctx, id.ID, models.StatusActive)
	return nil
}

// reconcile handles a start request while already running. The engine checks
// its handle against the task registry; the session only ends if the engine
// could not recover, and then it ends the way Stop does.
func (c *Controller) reconcile(ctx context.Context) error {
	err := c.opts.Engine.Start(ctx, c.startOptions(c.opts.Config.Get(ctx)), c.onSample)
	if err == nil {
		c.logger.Info("tracking already running")
		return nil
	}
	c.logger.Error("running session lost its location handle", "error", err)
	_ = c.stop(ctx)
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	return err
}

func (c *Controller) startOptions(cfg models.TrackingConfig) location.StartOptions {
	return location.StartOptions{
		Mode:                 c.opts.Mode,
		Interval:             cfg.Interval(),
		DistanceFilterMeters: cfg.DistanceFilterMeters,
	}
}

func (c *Controller) ensurePermission(ctx context.Context) error {
	g := c.opts.Gate
	if g.HasPermission(ctx) {
		return nil
	}
	if !g.RequestForeground(ctx) {
		return fmt.Errorf("%w: allow location access to share your position", ErrPermissionDenied)
	}
	if g.RequiresBackground() && !g.RequestBackground(ctx) {
		return fmt.Errorf("%w: allow background location so tracking continues with the app closed", ErrPermissionDenied)
	}
	return nil
}

// fail records a user-facing error and reverts to Stopped.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = Stopped
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.logger.Error("tracking start failed", "error", err)
	return err
}

func (c *Controller) stop(ctx context.Context) error {
	if c.State() == Stopped {
		// nothing to report, but release anything a previous process left behind
		if err := c.opts.Engine.Stop(ctx); err != nil {
			c.logger.Warn("releasing stray location handle failed", "error", err)
		}
		return nil
	}

	c.setState(Stopping)
	if err := c.opts.Engine.Stop(ctx); err != nil {
		c.logger.Error("location cleanup incomplete", "error", err)
	}
	if id, ok := c.currentIdentity(ctx); ok {
		c.emitStatus(ctx, id.ID, models.StatusOffline)
	}
	c.setState(Stopped)
	observability.TrackingActive.Set(0)
	c.logger.Info("tracking stopped")
	return nil
}

// Resume picks up a background task that outlived the previous process. The
// rider's intent to track survives restarts, so no user action is needed.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	var resumed bool
	err := c.exclusive("resume", func() error {
		registered, err := c.opts.Engine.IsTaskRegistered(ctx)
		if err != nil || !registered {
			return err
		}
		id, ok := c.opts.Identity.Load(ctx)
		if !ok {
			c.logger.Warn("registered task found without a cached rider, releasing it")
			return c.opts.Engine.Stop(ctx)
		}
		c.opts.Tracker.SetInterval(c.opts.Config.Get(ctx).Interval())
		c.opts.Transport.SetRoom(id.ID)
		c.opts.Transport.SetToken(id.BackgroundAuthToken)

		resumed, err = c.opts.Engine.Resume(ctx, c.onSample)
		if err != nil {
			return c.fail(err)
		}
		if !resumed {
			return nil
		}
		if err := c.opts.Transport.Connect(ctx); err != nil {
			c.logger.Warn("realtime connect failed", "error", err)
		}
		c.setState(Running)
		observability.TrackingActive.Set(1)
		c.logger.Info("background tracking resumed", "rider_id", id.ID)
		c.emitStatus(ctx, id.ID, models.StatusActive)
		return nil
	})
	return resumed, err
}

// onSample runs on the source's goroutine. It reads identity only from the
// durable cache, which is all a resumed background task has.
func (c *Controller) onSample(sample models.LocationSample) {
	ctx := context.Background()
	id, _ := c.opts.Identity.Load(ctx)
	_, err := c.opts.Tracker.MaybeSend(ctx, sample, id)
	if errors.Is(err, transport.ErrNotConnected) {
		// the transport may have given up; Connect restarts it and is a no-op otherwise
		if err := c.opts.Transport.Connect(ctx); err != nil {
			c.logger.Debug("realtime reconnect failed", "error", err)
		}
	}
}

func (c *Controller) emitStatus(ctx context.Context, riderID, status string) {
	update := models.StatusUpdate{RiderID: riderID, Status: status}
	if last, ok := c.opts.Status.LastSent(ctx); ok {
		update.LastUpdate = models.FormatTimestamp(last)
	}
	if err := c.opts.Emitter.Emit(models.EventStatusUpdate, update); err != nil {
		c.logger.Debug("status update not delivered", "status", status, "error", err)
	}
}

// ObserveLifecycle records an app lifecycle change. Tracking is never started
// or stopped here.
func (c *Controller) ObserveLifecycle(s AppState) error {
	switch s {
	case AppActive, AppBackground, AppInactive:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAppState, s)
	}
	c.logger.Info("app lifecycle changed", "app_state", s, "tracking", c.State().String())
	return nil
}

// Login makes id the signed-in rider and writes the identity cache before
// returning.
func (c *Controller) Login(ctx context.Context, id models.CachedIdentity) error {
	if id.Empty() {
		return ErrNoIdentity
	}
	c.opts.Session.Set(id)
	c.opts.Transport.SetToken(id.BackgroundAuthToken)
	if err := c.opts.Identity.Save(ctx, id); err != nil {
		c.logger.Warn("identity cache write failed", "error", err)
	}
	if c.IsTracking() {
		c.opts.Transport.SetRoom(id.ID)
	}
	c.logger.Info("rider signed in", "rider_id", id.ID)
	return nil
}

// Logout stops tracking and forgets the rider.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	c.opts.Session.Clear()
	c.opts.Transport.SetToken("")
	if err := c.opts.Identity.Clear(ctx); err != nil {
		c.logger.Warn("identity cache clear failed", "error", err)
	}
	c.logger.Info("rider signed out")
	return nil
}

func (c *Controller) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	s := Snapshot{State: c.state.String(), IsTracking: c.state == Running, Error: c.lastErr}
	c.mu.Unlock()

	if id, ok := c.currentIdentity(ctx); ok {
		s.RiderID = id.ID
	}
	if loc, ok := c.opts.Tracker.LastLocation(); ok {
		s.LastLocation = &loc
	}
	s.LastSentTimestamp = c.opts.Status.Status(ctx).LastSentTimestamp
	return s
}

// currentIdentity prefers the live session and falls back to the cache.
func (c *Controller) currentIdentity(ctx context.Context) (models.CachedIdentity, bool) {
	if id, ok := c.opts.Session.Current(); ok {
		return id, true
	}
	return c.opts.Identity.Load(ctx)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
