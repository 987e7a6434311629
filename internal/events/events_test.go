package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/internal/models"
	"influence/internal/platform/kafka/consumer"
	"influence/internal/platform/kafka/producer"
	id "influence/pkg/domain"
)

type recordingProducer struct {
	msgs []producer.Message
	err  error
}

func (p *recordingProducer) Produce(_ context.Context, msg producer.Message) error {
	p.msgs = append(p.msgs, msg)
	return p.err
}

type recordingInvalidator struct {
	ids []id.CompanyID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...id.CompanyID) error {
	r.ids = append(r.ids, ids...)
	return nil
}

func sampleEvent() models.BatchEvent {
	return models.BatchEvent{
		RunID:      id.NewRunID(),
		Source:     models.SourceGrants,
		Page:       2,
		Records:    4,
		Unresolved: 1,
		CompanyIDs: []id.CompanyID{id.NewCompanyID()},
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_RoundTrip(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewPublisher(prod, "")
	event := sampleEvent()

	require.NoError(t, pub.PublishBatch(context.Background(), event))
	require.Len(t, prod.msgs, 1)
	msg := prod.msgs[0]
	assert.Equal(t, DefaultTopic, msg.Topic)
	assert.Equal(t, "grants", string(msg.Key))
	assert.Equal(t, typeBatch, msg.Headers[headerType])
	assert.Equal(t, event.RunID.String(), msg.Headers[headerRunID])

	var got models.BatchEvent
	handler := NewBatchHandler(func(_ context.Context, e models.BatchEvent) error {
		got = e
		return nil
	}, nil)
	require.NoError(t, handler.Handle(context.Background(), &consumer.Message{
		Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Headers: msg.Headers,
	}))
	assert.Equal(t, event, got)
}

func TestPublisher_ProduceError(t *testing.T) {
	pub := NewPublisher(&recordingProducer{err: errors.New("no brokers")}, "custom")
	assert.ErrorContains(t, pub.PublishBatch(context.Background(), sampleEvent()), "no brokers")
}

func TestBatchHandler_Skips(t *testing.T) {
	called := false
	handler := NewBatchHandler(func(context.Context, models.BatchEvent) error {
		called = true
		return nil
	}, nil)

	assert.NoError(t, handler.Handle(context.Background(), &consumer.Message{Value: []byte("{not json")}))
	assert.NoError(t, handler.Handle(context.Background(), &consumer.Message{
		Value:   []byte(`{}`),
		Headers: map[string]string{headerType: "company.merged"},
	}))
	assert.False(t, called)
}

func TestBatchHandler_PropagatesHandlerError(t *testing.T) {
	handler := NewBatchHandler(func(context.Context, models.BatchEvent) error {
		return errors.New("redis down")
	}, nil)
	err := handler.Handle(context.Background(), &consumer.Message{Value: []byte(`{"source":"grants"}`)})
	assert.ErrorContains(t, err, "redis down")
}

func TestInvalidateCache(t *testing.T) {
	inv := &recordingInvalidator{}
	fn := InvalidateCache(inv)
	event := sampleEvent()

	require.NoError(t, fn(context.Background(), event))
	require.NoError(t, fn(context.Background(), models.BatchEvent{}))
	assert.Equal(t, event.CompanyIDs, inv.ids)
}
