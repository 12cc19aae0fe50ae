package geo

import (
	"math"

	"github.com/example/rider-tracker/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance returns the great-circle distance between two samples in meters.
func Distance(a, b models.LocationSample) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// DistanceFilter passes a sample only once it has moved at least MinMeters
// from the last sample it passed. A zero filter passes everything.
type DistanceFilter struct {
	MinMeters float64

	last *models.LocationSample
}

func (f *DistanceFilter) Allow(s models.LocationSample) bool {
	if f.last != nil && f.MinMeters > 0 && Distance(*f.last, s) < f.MinMeters {
		return false
	}
	f.last = &s
	return true
}

func (f *DistanceFilter) Reset() { f.last = nil }
