//go:build integration

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
	"influence/pkg/testutil/containers"
)

var errDone = errors.New("done")

func TestPublisher_Redpanda(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rp := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	prod, err := producer.New(rp.Brokers, producer.WithClientID("influence-test"))
	require.NoError(t, err)
	defer prod.Close()
	require.NoError(t, prod.Ping(ctx))

	topic := "influence.batches.test"
	require.NoError(t, prod.EnsureTopic(ctx, topic, 1, 1))
	require.NoError(t, prod.EnsureTopic(ctx, topic, 1, 1), "existing topic is not an error")

	event := sampleEvent()
	require.NoError(t, NewPublisher(prod, topic).PublishBatch(ctx, event))

	cons, err := consumer.New(consumer.Config{
		Brokers:   rp.Brokers,
		Group:     "influence-test",
		Topics:    []string{topic},
		FromStart: true,
	}, nil)
	require.NoError(t, err)
	defer cons.Close()

	var got models.BatchEvent
	err = cons.Run(ctx, NewBatchHandler(func(_ context.Context, e models.BatchEvent) error {
		got = e
		return errDone
	}, nil))
	require.ErrorIs(t, err, errDone)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.CompanyIDs, got.CompanyIDs)
}
