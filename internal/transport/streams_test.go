package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecgflow/internal/config"
	"ecgflow/internal/models"
)

func testConfig(addr string) config.Config {
	return config.Config{
		RedisAddr:         addr,
		EventStreamPrefix: "ecg:events",
		RetryStreamPrefix: "ecg:retry",
		ConsumerGroup:     "orchestrator",
		ConsumerName:      "test-consumer",
		IngestWorkers:     2,
		ReadBatchSize:     8,
		ReadBlock:         50 * time.Millisecond,
		ClaimMinIdle:      time.Minute,
	}
}

func TestPublishRetry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(mr.Addr())
	client := NewClient(cfg)
	pub := NewPublisher(client, cfg)

	req := models.RetryRequest{
		SubmissionID: "s1",
		Stage:        models.StageExtraction,
		Attempt:      2,
		PayloadRef:   "raw#1",
		RequestedAt:  time.Now().UTC(),
	}
	require.NoError(t, pub.PublishRetry(context.Background(), req))

	entries, err := client.XRange(context.Background(), "ecg:retry:extraction", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got models.RetryRequest
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &got))
	assert.Equal(t, "s1", got.SubmissionID)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "raw#1", got.PayloadRef)
}

func TestConsumerAcksHandledEvents(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(mr.Addr())
	client := NewClient(cfg)
	pub := NewPublisher(client, cfg)

	ev := models.StageEvent{
		SubmissionID: "s1",
		Stage:        models.StageUpload,
		Outcome:      models.OutcomeSuccess,
		Sequence:     1,
		OccurredAt:   time.Now().UTC(),
	}
	require.NoError(t, pub.PublishEvent(context.Background(), ev))

	handled := make(chan []byte, 1)
	consumer := NewConsumer(client, cfg, func(_ context.Context, raw []byte) error {
		handled <- raw
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	select {
	case raw := <-handled:
		var got models.StageEvent
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "s1", got.SubmissionID)
		assert.Equal(t, models.StageUpload, got.Stage)
	case <-time.After(3 * time.Second):
		t.Fatal("event was never handled")
	}

	stream := EventStream(cfg.EventStreamPrefix, models.StageUpload)
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), stream, cfg.ConsumerGroup).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond, "handled event should be acknowledged")
}

func TestConsumerLeavesFailedEventsPending(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(mr.Addr())
	client := NewClient(cfg)
	pub := NewPublisher(client, cfg)

	require.NoError(t, pub.PublishEvent(context.Background(), models.StageEvent{
		SubmissionID: "s1",
		Stage:        models.StageUpload,
		Outcome:      models.OutcomeSuccess,
		Sequence:     1,
		OccurredAt:   time.Now().UTC(),
	}))

	handled := make(chan struct{}, 8)
	consumer := NewConsumer(client, cfg, func(_ context.Context, _ []byte) error {
		handled <- struct{}{}
		return errors.New("registry unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("event was never attempted")
	}
	cancel()

	stream := EventStream(cfg.EventStreamPrefix, models.StageUpload)
	pending, err := client.XPending(context.Background(), stream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count, "unacknowledged event stays pending for redelivery")
}
