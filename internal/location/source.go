package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

// WatchOptions are hints for a source subscription.
type WatchOptions struct {
	// Interval is the desired time between deliveries.
	Interval time.Duration
	// DistanceFilterMeters is the minimum movement between deliveries.
	DistanceFilterMeters int
}

// Source is the device location API. Sources may deliver several samples
// per callback, oldest first.
type Source interface {
	Subscribe(opts WatchOptions, fn func([]models.LocationSample)) (Subscription, error)
}

// Subscription is a live source watch. Remove stops deliveries and returns
// once no callback is running.
type Subscription interface {
	Remove() error
}

// ErrNoSource is returned by UnavailableSource.
var ErrNoSource = errors.New("no location source configured")

// UnavailableSource stands in when the device has no receiver configured.
type UnavailableSource struct{}

func (UnavailableSource) Subscribe(WatchOptions, func([]models.LocationSample)) (Subscription, error) {
	return nil, ErrNoSource
}

// ReplaySource plays back a JSON-lines file of samples, one per Interval.
// It is used for field-trip reproduction and bench testing.
type ReplaySource struct {
	Path string
	// Pace overrides WatchOptions.Interval between samples when set.
	Pace   time.Duration
	Logger *slog.Logger
}

func (r *ReplaySource) Subscribe(opts WatchOptions, fn func([]models.LocationSample)) (Subscription, error) {
	samples, err := readSamples(r.Path)
	if err != nil {
		return nil, err
	}
	pace := r.Pace
	if pace <= 0 {
		pace = opts.Interval
	}
	if pace <= 0 {
		pace = time.Second
	}

	logger := logging.Component(r.Logger, "replay-source")
	ctx, cancel := context.WithCancel(context.Background())
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		t := time.NewTicker(pace)
		defer t.Stop()
		for i, s := range samples {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now()
			}
			fn([]models.LocationSample{s})
		}
		logger.Info("replay finished", "path", r.Path, "samples", len(samples))
	}()
	return sub, nil
}

func readSamples(path string) ([]models.LocationSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.LocationSample
	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		if len(scan.Bytes()) == 0 {
			continue
		}
		var s models.LocationSample
		if err := json.Unmarshal(scan.Bytes(), &s); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, s)
	}
	return out, scan.Err()
}

// loopSubscription stops a goroutine-driven watch.
type loopSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
	close  func() error
}

func (l *loopSubscription) Remove() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		if l.close != nil {
			err = l.close()
		}
		<-l.done
	})
	return err
}
