// Package events publishes score lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

// EventQCSComputed is emitted after every successful scoring run.
const EventQCSComputed = "qcs.computed"

// QCSComputed describes a finished computation.
type QCSComputed struct {
	EventType  string    `json:"event_type"`
	UserID     string    `json:"user_id"`
	TotalScore int       `json:"total_score"`
	LogicScore int       `json:"logic_score"`
	AIScore    *int      `json:"ai_score"`
	Mode       string    `json:"mode"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	PublishQCSComputed(ctx context.Context, event *QCSComputed) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishQCSComputed(context.Context, *QCSComputed) error { return nil }
func (Nop) Close() error { return nil }

// Config selects the brokers. No brokers means events are disabled.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch-timeout"`
	RequiredAcks int           `mapstructure:"required-acks"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes events as JSON keyed by user id.
type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer builds a Kafka producer.
func NewProducer(cfg Config, log *zap.Logger) *Producer {
	topic := cfg.Topic
	if topic == "" {
		topic = "qcs-events"
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, topic, log)
}

func newProducer(w messageWriter, topic string, log *zap.Logger) *Producer {
	return &Producer{writer: w, topic: topic, logger: logger.WithFields(log, zap.String("topic", topic))}
}

// New returns a Producer when brokers are configured, otherwise Nop.
func New(cfg Config, log *zap.Logger) Publisher {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewProducer(cfg, log)
}

func (p *Producer) PublishQCSComputed(ctx context.Context, event *QCSComputed) error {
	ctx, span := tracing.StartSpan(ctx, "events.PublishQCSComputed", attribute.String("user_id", event.UserID))
	defer span.End()

	if event.EventType == "" {
		event.EventType = EventQCSComputed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.EventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s event: %w", event.EventType, err)
	}
	p.logger.Debug("event published",
		zap.String("event_type", event.EventType),
		zap.String(logger.FieldUserID, event.UserID),
	)
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
