package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ecgflow/internal/config"
	"ecgflow/internal/models"
)

// payloadField carries the JSON envelope inside a stream entry.
const payloadField = "payload"

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// EventStream returns the stream carrying completion events for a stage.
func EventStream(prefix, stage string) string {
	return fmt.Sprintf("%s:%s", prefix, stage)
}

// RetryStream returns the stream carrying retry requests for a stage.
func RetryStream(prefix, stage string) string {
	return fmt.Sprintf("%s:%s", prefix, stage)
}

// Publisher writes stage events and retry requests onto the transport.
// Stage workers use PublishEvent; the engine uses PublishRetry.
type Publisher struct {
	client      *redis.Client
	eventPrefix string
	retryPrefix string
}

// NewPublisher builds a publisher over the configured stream prefixes.
func NewPublisher(client *redis.Client, cfg config.Config) *Publisher {
	return &Publisher{
		client:      client,
		eventPrefix: cfg.EventStreamPrefix,
		retryPrefix: cfg.RetryStreamPrefix,
	}
}

// PublishEvent appends a stage-completion event to the stage's stream.
func (p *Publisher) PublishEvent(ctx context.Context, ev models.StageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream(p.eventPrefix, ev.Stage),
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd stage event: %w", err)
	}
	return nil
}

// PublishRetry appends a retry request to the stage's retry stream for
// external workers to pick up.
func (p *Publisher) PublishRetry(ctx context.Context, req models.RetryRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal retry request: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: RetryStream(p.retryPrefix, req.Stage),
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd retry request: %w", err)
	}
	return nil
}

// Handler processes one raw envelope. A nil return acknowledges the message;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, raw []byte) error

// Consumer drains the per-stage event streams through a consumer group. A
// message is acknowledged only after the handler reports the event durably
// applied or deliberately discarded, so a crash between read and commit
// causes redelivery, which the engine absorbs idempotently. Entries left
// pending by a dead consumer are reclaimed with XAUTOCLAIM.
type Consumer struct {
	client   *redis.Client
	streams  []string
	group    string
	consumer string
	handler  Handler

	workers   int
	batchSize int64
	block     time.Duration
	claimIdle time.Duration
}

// NewConsumer builds a consumer over one stream per pipeline stage.
func NewConsumer(client *redis.Client, cfg config.Config, handler Handler) *Consumer {
	streams := make([]string, 0, len(models.Stages))
	for _, stage := range models.Stages {
		streams = append(streams, EventStream(cfg.EventStreamPrefix, stage))
	}
	workers := cfg.IngestWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		client:    client,
		streams:   streams,
		group:     cfg.ConsumerGroup,
		consumer:  cfg.ConsumerName,
		handler:   handler,
		workers:   workers,
		batchSize: cfg.ReadBatchSize,
		block:     cfg.ReadBlock,
		claimIdle: cfg.ClaimMinIdle,
	}
}

type inbound struct {
	stream string
	id     string
	raw    []byte
}

// Run consumes until context cancellation. Events are dispatched to a pool
// of workers; per-submission ordering is enforced downstream by the
// registry's per-id lock, so the pool stays fully parallel across
// submissions.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}

	jobs := make(chan inbound)
	var wg sync.WaitGroup
	for n := 0; n < c.workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				c.process(ctx, msg)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.claimStalled(ctx, jobs)

		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  c.readTargets(),
			Count:    c.batchSize,
			Block:    c.block,
		}
		entries, err := c.client.XReadGroup(ctx, args).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.S().Warnw("read event streams", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range entries {
			for _, msg := range stream.Messages {
				raw, ok := rawPayload(msg)
				if !ok {
					// Not an envelope we understand; ack so it does not
					// poison the pending list forever.
					zap.S().Warnw("stream entry without payload field acked and dropped", "stream", stream.Stream, "id", msg.ID)
					c.ack(ctx, stream.Stream, msg.ID)
					continue
				}
				select {
				case jobs <- inbound{stream: stream.Stream, id: msg.ID, raw: raw}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// process runs the handler and acknowledges on success. Handler errors leave
// the entry pending: the registry refused the write, so redelivery is the
// backpressure mechanism.
func (c *Consumer) process(ctx context.Context, msg inbound) {
	if err := c.handler(ctx, msg.raw); err != nil {
		zap.S().Errorw("stage event not acknowledged, will be redelivered", "stream", msg.stream, "id", msg.id, "error", err)
		return
	}
	c.ack(ctx, msg.stream, msg.id)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		zap.S().Warnw("ack stream entry", "stream", stream, "id", id, "error", err)
	}
}

// claimStalled reclaims entries whose consumer died mid-flight.
func (c *Consumer) claimStalled(ctx context.Context, jobs chan<- inbound) {
	for _, stream := range c.streams {
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.claimIdle,
			Start:    "0-0",
			Count:    c.batchSize,
		}).Result()
		if err != nil && err != redis.Nil {
			zap.S().Warnw("autoclaim pending entries", "stream", stream, "error", err)
			continue
		}
		for _, msg := range msgs {
			raw, ok := rawPayload(msg)
			if !ok {
				c.ack(ctx, stream, msg.ID)
				continue
			}
			select {
			case jobs <- inbound{stream: stream, id: msg.ID, raw: raw}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

func (c *Consumer) readTargets() []string {
	targets := make([]string, 0, len(c.streams)*2)
	targets = append(targets, c.streams...)
	for range c.streams {
		targets = append(targets, ">")
	}
	return targets
}

func rawPayload(msg redis.XMessage) ([]byte, bool) {
	v, ok := msg.Values[payloadField]
	if !ok {
		return nil, false
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}
