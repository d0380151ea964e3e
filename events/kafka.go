package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer a KafkaSink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout defaults to 10 seconds.
	WriteTimeout time.Duration
}

// KafkaSink publishes events as JSON, keyed by message ID so that the
// events of one message land in one partition in order.
type KafkaSink struct {
	w       MessageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("a Kafka topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
	}
	return NewKafkaSinkWithWriter(w, timeout), nil
}

// NewKafkaSinkWithWriter publishes through w.
func NewKafkaSinkWithWriter(w MessageWriter, timeout time.Duration) *KafkaSink {
	return &KafkaSink{w: w, timeout: timeout}
}

// Emit writes e synchronously. Failures are logged and otherwise ignored.
func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event", e.ID).Msg("can't encode event")
		return
	}

	// Events are still published for cancelled deliveries.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.MessageID),
		Value: b,
		Time:  e.Time,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", e.ID).
			Str("messageId", e.MessageID).
			Msg("can't publish event to Kafka")
	}
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
