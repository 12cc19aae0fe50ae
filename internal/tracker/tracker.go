// Package tracker turns location samples into wire payloads and rate-limits
// what reaches the transport.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-tracker/internal/battery"
	"github.com/example/rider-tracker/internal/clock"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/observability"
	"github.com/example/rider-tracker/internal/storage"
)

const (
	UnknownRiderName = "Unknown Rider"
	UnknownPhone     = "N/A"

	kmhPerMps = 3.6
)

// ErrNoRider is returned for samples that arrive without a rider id.
var ErrNoRider = errors.New("no rider id, payload not sent")

// Emitter hands an event to the realtime channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// Tracker is the throttle in front of the transport. At most one payload is
// sent per interval, measured from the last successful handoff.
type Tracker struct {
	emitter Emitter
	status  *storage.StatusStore
	battery battery.Reader
	clock   clock.Clock
	logger  *slog.Logger

	mu           sync.Mutex
	interval     time.Duration
	lastLocation *models.LocationSample
}

func New(emitter Emitter, status *storage.StatusStore, batt battery.Reader, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		emitter:  emitter,
		status:   status,
		battery:  batt,
		clock:    clk,
		logger:   logging.Component(logger, "tracker"),
		interval: models.DefaultTrackingConfig().Interval(),
	}
}

// SetInterval sets the minimum time between sends. It is called with the
// config snapshot taken when tracking starts.
func (t *Tracker) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
}

func (t *Tracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// LastLocation is the most recent sample seen, sent or not.
func (t *Tracker) LastLocation() (models.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastLocation == nil {
		return models.LocationSample{}, false
	}
	return *t.lastLocation, true
}

// MaybeSend sends sample for rider id unless the interval since the last send
// has not elapsed yet. It reports whether a payload was handed to the emitter.
// The last-sent time only moves when the emitter accepts the payload.
func (t *Tracker) MaybeSend(ctx context.Context, sample models.LocationSample, id models.CachedIdentity) (bool, error) {
	t.mu.Lock()
	s := sample
	t.lastLocation = &s
	interval := t.interval
	t.mu.Unlock()

	if id.ID == "" {
		observability.SamplesDropped.WithLabelValues(observability.DropIdentity).Inc()
		t.logger.Warn("no cached rider, dropping sample")
		return false, ErrNoRider
	}

	now := t.clock.Now()
	if last, ok := t.status.LastSent(ctx); ok {
		// a clock that moved backwards does not hold sends back
		if elapsed := now.Sub(last); elapsed >= 0 && elapsed < interval {
			observability.SamplesDropped.WithLabelValues(observability.DropThrottle).Inc()
			t.logger.Debug("sample throttled", "elapsed", elapsed, "interval", interval)
			return false, nil
		}
	}

	payload := BuildPayload(sample, id, battery.LevelOrDefault(ctx, t.battery), now)
	if err := t.emitter.Emit(models.EventLocationUpdate, payload); err != nil {
		observability.SendFailures.Inc()
		t.logger.Warn("location update not sent", "rider_id", id.ID, "error", err)
		return false, err
	}

	t.status.Record(ctx, now)
	observability.PayloadsSent.Inc()
	t.logger.Debug("location update sent", "rider_id", id.ID, "lat", payload.Location.Lat, "lng", payload.Location.Lng)
	return true, nil
}

// BuildPayload formats sample as an active location update. Speed is
// converted from m/s to km/h; missing speed and heading become 0.
func BuildPayload(sample models.LocationSample, id models.CachedIdentity, batteryLevel int, now time.Time) models.TrackingPayload {
	name, phone := id.Name, id.Phone
	if name == "" {
		name = UnknownRiderName
	}
	if phone == "" {
		phone = UnknownPhone
	}
	var speed, bearing float64
	if sample.Speed != nil {
		speed = *sample.Speed * kmhPerMps
	}
	if sample.Heading != nil {
		bearing = *sample.Heading
	}
	return models.TrackingPayload{
		RiderID:      id.ID,
		Name:         name,
		Phone:        phone,
		Location:     models.Coord{Lat: sample.Latitude, Lng: sample.Longitude},
		Speed:        speed,
		Bearing:      bearing,
		Accuracy:     sample.Accuracy,
		BatteryLevel: batteryLevel,
		Status:       models.StatusActive,
		Timestamp:    models.FormatTimestamp(now),
	}
}
