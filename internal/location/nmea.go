package location

import (
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/example/rider-tracker/internal/models"
)

const (
	knotsToMps = 0.514444
	// rough user-equivalent range error for consumer GPS, used to turn HDOP into meters
	uereMeters = 5.0
)

// nmeaDecoder turns a stream of NMEA sentences into samples. RMC sentences
// carry position, speed and course; GGA supplies the HDOP used for accuracy.
type nmeaDecoder struct {
	accuracy *float64
}

// Decode consumes one sentence and returns a sample when it completes a fix.
func (d *nmeaDecoder) Decode(line string, now time.Time) (models.LocationSample, bool, error) {
	s, err := nmea.Parse(line)
	if err != nil {
		return models.LocationSample{}, false, err
	}
	switch m := s.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			d.accuracy = nil
			return models.LocationSample{}, false, nil
		}
		acc := m.HDOP * uereMeters
		d.accuracy = &acc
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return models.LocationSample{}, false, nil
		}
		speed := m.Speed * knotsToMps
		heading := m.Course
		sample := models.LocationSample{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Speed:     &speed,
			Heading:   &heading,
			Accuracy:  d.accuracy,
			Timestamp: now,
		}
		if m.Date.Valid && m.Time.Valid {
			sample.Timestamp = time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
				m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
		}
		return sample, true, nil
	}
	return models.LocationSample{}, false, nil
}
