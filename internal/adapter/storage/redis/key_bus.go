package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKeyChannel carries merchant IDs whose key material changed.
const DefaultKeyChannel = "pcg:keys:invalidate"

// KeyInvalidationBus implements ports.KeyInvalidationBus over Redis pub/sub.
// Delivery is at-most-once; the key cache TTL bounds staleness when an
// event is lost.
type KeyInvalidationBus struct {
	client  goredis.UniversalClient
	channel string
	log     zerolog.Logger
}

// NewKeyInvalidationBus creates a bus on channel (DefaultKeyChannel when empty).
func NewKeyInvalidationBus(client goredis.UniversalClient, channel string, log zerolog.Logger) *KeyInvalidationBus {
	if channel == "" {
		channel = DefaultKeyChannel
	}
	return &KeyInvalidationBus{client: client, channel: channel, log: log}
}

// Publish announces that merchantID's keys changed.
func (b *KeyInvalidationBus) Publish(ctx context.Context, merchantID string) error {
	if err := b.client.Publish(ctx, b.channel, merchantID).Err(); err != nil {
		return fmt.Errorf("redis publish key invalidation: %w", err)
	}
	return nil
}

// Subscribe calls fn for every event until ctx is cancelled.
func (b *KeyInvalidationBus) Subscribe(ctx context.Context, fn func(merchantID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("listening for key invalidations")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", b.channel)
			}
			b.log.Debug().Str("merchant_id", msg.Payload).Msg("key invalidation received")
			fn(msg.Payload)
		}
	}
}
