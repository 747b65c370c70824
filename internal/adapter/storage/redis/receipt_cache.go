package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/ports"

	goredis "github.com/redis/go-redis/v9"
)

// ReceiptCache implements ports.ReceiptCache using Redis.
type ReceiptCache struct {
	client goredis.UniversalClient
	prefix string
}

// NewReceiptCache creates a new Redis-backed callback receipt cache.
func NewReceiptCache(client goredis.UniversalClient) *ReceiptCache {
	return &ReceiptCache{
		client: client,
		prefix: "callback:receipt:",
	}
}

// Remember stores the receipt with SET NX, so the first writer keeps its
// receipt when two instances apply the same callback.
func (c *ReceiptCache) Remember(ctx context.Context, fingerprint string, receipt ports.CallbackReceipt, ttl time.Duration) (bool, error) {
	val, err := json.Marshal(receipt)
	if err != nil {
		return false, fmt.Errorf("marshal receipt: %w", err)
	}
	ok, err := c.client.SetNX(ctx, c.prefix+fingerprint, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis receipt setnx: %w", err)
	}
	return ok, nil
}

// Lookup returns nil, nil if the fingerprint is unknown.
func (c *ReceiptCache) Lookup(ctx context.Context, fingerprint string) (*ports.CallbackReceipt, error) {
	val, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis receipt get: %w", err)
	}

	var receipt ports.CallbackReceipt
	if err := json.Unmarshal(val, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}
