package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror copies rider location and status events to a Kafka topic, keyed
// by rider id so one rider's updates stay in order on a partition.
type KafkaMirror struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaMirror returns a mirror with an async writer: Emit only queues the
// message, so a slow broker never holds up the sample path. Delivery failures
// are logged from the writer's completion callback.
func NewKafkaMirror(brokers []string, topic string, logger *slog.Logger) *KafkaMirror {
	logger = logging.Component(logger, "kafka-mirror")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka mirror delivery failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaMirror{writer: w, timeout: 2 * time.Second, logger: logger}
}

// Emit publishes payload when event is a location or status update; other
// events are ignored.
func (k *KafkaMirror) Emit(event string, payload any) error {
	var key string
	switch p := payload.(type) {
	case models.TrackingPayload:
		key = p.RiderID
	case models.StatusUpdate:
		key = p.RiderID
	default:
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	})
}

func (k *KafkaMirror) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Fanout sends through Primary and, once Primary accepts an event, copies it
// to every mirror. Mirror failures are logged and never reach the caller.
type Fanout struct {
	Primary Emitter
	Mirrors []Emitter
	Logger  *slog.Logger
}

func (f Fanout) Emit(event string, payload any) error {
	if err := f.Primary.Emit(event, payload); err != nil {
		return err
	}
	for _, m := range f.Mirrors {
		if err := m.Emit(event, payload); err != nil {
			logging.Component(f.Logger, "fanout").Warn("mirror emit failed", "event", event, "error", err)
		}
	}
	return nil
}
