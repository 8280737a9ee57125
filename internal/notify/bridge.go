package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher broadcasts committed transitions on a Redis pub/sub channel so
// subscribers attached to a different process (the API service) still see
// them. Pub/sub is fire-and-forget, which matches the best-effort delivery
// contract; missed messages are recovered by re-fetching the registry.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher builds a transition publisher on the given channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Notify publishes the transition. Errors are logged, never propagated:
// notification delivery must not fail a committed transition.
func (p *Publisher) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		zap.S().Errorw("marshal transition notification", "submission", n.SubmissionID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		zap.S().Warnw("publish transition notification", "submission", n.SubmissionID, "error", err)
	}
}

// RunBridge subscribes to the transition channel and feeds received
// notifications into the local hub until the context is canceled.
func RunBridge(ctx context.Context, client *redis.Client, channel string, hub *Hub) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				zap.S().Warnw("decode transition notification", "error", err)
				continue
			}
			hub.Publish(n)
		}
	}
}
