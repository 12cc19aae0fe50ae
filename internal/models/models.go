package models

import "time"

// Rider status values carried on the wire.
const (
	StatusActive  = "active"
	StatusOffline = "offline"
)

// Wire event names.
const (
	EventLocationUpdate = "riderLocationUpdate"
	EventStatusUpdate   = "riderStatusUpdate"
	EventJoinRider      = "joinRider"
	EventLocationAck    = "locationUpdateAck"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationSample is a raw position reading as the location source reports it.
// Speed is in meters per second; nil fields were not reported.
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type TrackingPayload struct {
	RiderID      string   `json:"riderId"`
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	Location     Coord    `json:"location"`
	Speed        float64  `json:"speed"` // km/h
	Bearing      float64  `json:"bearing"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	BatteryLevel int      `json:"batteryLevel"`
	Status       string   `json:"status"`
	Timestamp    string   `json:"timestamp"`
}

type StatusUpdate struct {
	RiderID    string `json:"riderId"`
	Status     string `json:"status"`
	LastUpdate string `json:"lastUpdate,omitempty"`
}

type JoinRider struct {
	RiderID string `json:"riderId"`
}

type LocationAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TrackingConfig is the durable tracking tuning record.
type TrackingConfig struct {
	UpdateIntervalMs     int `json:"updateIntervalMs"`
	DistanceFilterMeters int `json:"distanceFilterMeters"`
}

func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{UpdateIntervalMs: 30000, DistanceFilterMeters: 10}
}

func (c TrackingConfig) Interval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// ConfigPatch carries a partial TrackingConfig update. Nil fields are left as is.
type ConfigPatch struct {
	UpdateIntervalMs     *int `json:"updateIntervalMs,omitempty"`
	DistanceFilterMeters *int `json:"distanceFilterMeters,omitempty"`
}

type TrackingStatus struct {
	LastSentTimestamp *time.Time `json:"lastSentTimestamp"`
}

// CachedIdentity is the rider snapshot readable without a live session.
type CachedIdentity struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Phone               string `json:"phone"`
	BackgroundAuthToken string `json:"backgroundAuthToken,omitempty"`
}

func (c CachedIdentity) Empty() bool { return c.ID == "" }

// FormatTimestamp renders t the way the backend expects (ISO-8601, UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
