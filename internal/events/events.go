// Package events carries BatchEvents over Kafka: a publisher for the
// pipeline and handlers for processes that react to persisted pages.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"influence/internal/models"
	"influence/internal/platform/kafka/consumer"
	"influence/internal/platform/kafka/producer"
	id "influence/pkg/domain"
)

// DefaultTopic receives one event per persisted page.
const DefaultTopic = "influence.batches"

const (
	headerType  = "event-type"
	headerRunID = "run-id"
	typeBatch   = "batch.persisted"
)

// Producer is the slice of the Kafka producer the publisher needs.
type Producer interface {
	Produce(ctx context.Context, msg producer.Message) error
}

// Publisher encodes BatchEvents as JSON keyed by source, so the pages of
// one source stay ordered within a partition.
type Publisher struct {
	producer Producer
	topic    string
}

// NewPublisher creates a Publisher. An empty topic uses DefaultTopic.
func NewPublisher(p Producer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: p, topic: topic}
}

func (p *Publisher) PublishBatch(ctx context.Context, event models.BatchEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode batch event: %w", err)
	}
	return p.producer.Produce(ctx, producer.Message{
		Topic: p.topic,
		Key:   []byte(event.Source),
		Value: value,
		Headers: map[string]string{
			headerType:  typeBatch,
			headerRunID: event.RunID.String(),
		},
	})
}

// DecodeBatch parses a consumed BatchEvent.
func DecodeBatch(msg *consumer.Message) (models.BatchEvent, error) {
	var event models.BatchEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return models.BatchEvent{}, fmt.Errorf("decode batch event at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return event, nil
}

// BatchFunc receives decoded BatchEvents.
type BatchFunc func(ctx context.Context, event models.BatchEvent) error

// BatchHandler decodes messages and passes them to fn. Undecodable
// messages are logged and skipped so they are committed, not redelivered.
type BatchHandler struct {
	fn     BatchFunc
	logger *slog.Logger
}

var _ consumer.Handler = (*BatchHandler)(nil)

func NewBatchHandler(fn BatchFunc, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandler{fn: fn, logger: logger}
}

func (h *BatchHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	if t := msg.Headers[headerType]; t != "" && t != typeBatch {
		h.logger.DebugContext(ctx, "skipping event of another type", "type", t, "offset", msg.Offset)
		return nil
	}
	event, err := DecodeBatch(msg)
	if err != nil {
		h.logger.WarnContext(ctx, "skipping malformed batch event", "error", err)
		return nil
	}
	return h.fn(ctx, event)
}

// Invalidator drops cached aggregates of companies.
type Invalidator interface {
	Invalidate(ctx context.Context, companyIDs ...id.CompanyID) error
}

// InvalidateCache returns a BatchFunc that drops the cached views of the
// companies a page touched. It lets a separate process keep a shared cache
// fresh when ingestion runs elsewhere.
func InvalidateCache(inv Invalidator) BatchFunc {
	return func(ctx context.Context, event models.BatchEvent) error {
		if len(event.CompanyIDs) == 0 {
			return nil
		}
		return inv.Invalidate(ctx, event.CompanyIDs...)
	}
}
