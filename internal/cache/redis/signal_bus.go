package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/coverpool/coverd/internal/domain"
)

// streamMaxLen caps durable streams via XADD MAXLEN ~. The outbound transfer
// stream and the settlement event stream are both replayed by consumers that
// dedup on operation id, so approximate trimming is safe.
const streamMaxLen int64 = 10_000

// SignalBus carries coverd's two message shapes: ephemeral fan-out over
// Pub/Sub (settlement, claim, and escrow notifications consumed by the
// WebSocket hub) and durable ordered delivery over Streams (outbound
// transfers). Callers name channels and streams by their logical name;
// the bus namespaces them under the coverd keyspace.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload to the named Pub/Sub channel. Delivery is
// fire-and-forget; subscribers that are down miss the message.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, key("chan", channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the named channel and returns a channel
// of raw payloads. Coverd channels are fixed names, so plain SUBSCRIBE
// suffices. The subscription and the returned channel close when ctx is
// cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, key("chan", channel))

	// Wait for the subscription confirmation so a caller that publishes right
	// after Subscribe returns cannot race the registration.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamAppend appends payload to the named stream with approximate trimming
// at streamMaxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: key("stream", stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from the named stream after lastID
// without blocking. Use "0" as lastID to replay from the beginning. No
// pending messages is an empty result, not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{key("stream", stream), lastID},
		Count:   int64(count),
		Block:   -1, // non-blocking; zero means block indefinitely
	}

	results, err := sb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			messages = append(messages, domain.StreamMessage{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}

	return messages, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
