package location

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

const maxReopenDelay = 30 * time.Second

// SerialSource reads NMEA 0183 from a GPS receiver on a serial port. A watch
// survives the receiver going away: the port is reopened with a doubling
// delay, capped at 30s, until the subscription is removed.
type SerialSource struct {
	Device string
	Baud   int
	Logger *slog.Logger
	// ReopenDelay is the first wait after a read failure. Defaults to 1s.
	ReopenDelay time.Duration

	// open is swapped in tests.
	open func(device string, mode *serial.Mode) (serial.Port, error)
}

func NewSerialSource(device string, baud int, logger *slog.Logger) *SerialSource {
	return &SerialSource{Device: device, Baud: baud, Logger: logger, open: serial.Open}
}

func (s *SerialSource) Subscribe(opts WatchOptions, fn func([]models.LocationSample)) (Subscription, error) {
	port, err := s.openPort()
	if err != nil {
		return nil, err
	}

	logger := logging.Component(s.Logger, "serial-source").With("device", s.Device)
	ctx, cancel := context.WithCancel(context.Background())
	w := &portHolder{ctx: ctx, port: port}
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{}), close: w.close}

	go func() {
		defer close(sub.done)
		for {
			err := readSentences(ctx, port, fn, logger)
			w.release(port)
			if ctx.Err() != nil {
				return
			}
			logger.Error("gps read failed, reopening", "error", err)
			if port = s.reopen(ctx, w, logger); port == nil {
				return
			}
			logger.Info("gps device reopened")
		}
	}()

	logger.Info("gps watch started", "baud", s.Baud, "interval", opts.Interval)
	return sub, nil
}

func (s *SerialSource) openPort() (serial.Port, error) {
	open := s.open
	if open == nil {
		open = serial.Open
	}
	port, err := open(s.Device, &serial.Mode{BaudRate: s.Baud})
	if err != nil {
		return nil, fmt.Errorf("open gps device %s: %w", s.Device, err)
	}
	return port, nil
}

// reopen retries until the port opens or ctx ends, in which case it returns nil.
func (s *SerialSource) reopen(ctx context.Context, w *portHolder, logger *slog.Logger) serial.Port {
	delay := s.ReopenDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReopenDelay)

		port, err := s.openPort()
		if err != nil {
			logger.Warn("gps reopen failed", "retry_in", delay, "error", err)
			continue
		}
		if !w.set(port) {
			return nil
		}
		return port
	}
}

func readSentences(ctx context.Context, port io.Reader, fn func([]models.LocationSample), logger *slog.Logger) error {
	var dec nmeaDecoder
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scan.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sample, ok, err := dec.Decode(line, time.Now())
		if err != nil {
			logger.Debug("skipping nmea sentence", "error", err)
			continue
		}
		if ok {
			fn([]models.LocationSample{sample})
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return io.EOF
}

// portHolder tracks the open port so Remove can close whichever one the
// watch is reading.
type portHolder struct {
	ctx  context.Context
	mu   sync.Mutex
	port serial.Port
}

// set installs a reopened port. It refuses, closing the port, once the watch
// has been removed.
func (h *portHolder) set(port serial.Port) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		_ = port.Close()
		return false
	}
	h.port = port
	return true
}

func (h *portHolder) release(port serial.Port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == port {
		_ = port.Close()
		h.port = nil
	}
}

func (h *portHolder) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}
