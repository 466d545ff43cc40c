// Package redisrelay implements the call engine's signaling relay on
// Redis Pub/Sub. Every service instance subscribed to a channel receives
// every signal published on it, which gives the engine exactly the
// fan-out it needs across instances and across a user's devices.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
)

// Relay is the Redis-backed implementation of call.Relay.
type Relay struct {
	client *redis.Client
	log    *zap.Logger
}

// New creates a relay on an established Redis client.
func New(client *redis.Client, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{client: client, log: log}
}

// Publish sends one signal on the named channel. Delivery is fire-and-
// forget per Redis Pub/Sub semantics; the engine layers retries on top.
func (r *Relay) Publish(ctx context.Context, channel string, sig *domain.CallSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription on the named channel and decodes
// inbound payloads. The returned cancel func closes the subscription and
// the signal channel; it is safe to call more than once.
func (r *Relay) Subscribe(channel string) (<-chan *domain.CallSignal, func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)

	// Confirm the subscription before handing the channel out so no
	// signal published after Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan *domain.CallSignal, 64)
	go r.pump(ctx, channel, pubsub.Channel(), out)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			if err := pubsub.Close(); err != nil {
				r.log.Warn("failed to close subscription",
					zap.String("channel", channel), zap.Error(err))
			}
		})
	}
	return out, cancel, nil
}

func (r *Relay) pump(ctx context.Context, channel string, in <-chan *redis.Message, out chan<- *domain.CallSignal) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			var sig domain.CallSignal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				r.log.Warn("dropping malformed relay payload",
					zap.String("channel", channel), zap.Error(err))
				continue
			}
			select {
			case out <- &sig:
			default:
				// Receiver is not draining; dropping beats blocking the
				// pump for every other channel on this connection.
				r.log.Warn("dropping signal, receiver buffer full",
					zap.String("channel", channel),
					zap.String("signal_type", string(sig.Type)))
			}
		}
	}
}
