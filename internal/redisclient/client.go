package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(listingID string, denomination decimal.Decimal) string {
	return fmt.Sprintf("stock:%s:%s", listingID, denomination.String())
}

// AvailableCount returns the cached available-code count for a listing and
// denomination. found is false when the counter has never been initialized;
// callers fall back to the database count in that case.
func (c *Client) AvailableCount(ctx context.Context, listingID string, denomination decimal.Decimal) (count int, found bool, err error) {
	n, err := c.rdb.Get(ctx, stockKey(listingID, denomination)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SetAvailableCount seeds the counter from the authoritative database count.
func (c *Client) SetAvailableCount(ctx context.Context, listingID string, denomination decimal.Decimal, count int) error {
	return c.rdb.Set(ctx, stockKey(listingID, denomination), count, 0).Err()
}

// IncrAvailable bumps the counter after uploads or released reservations.
func (c *Client) IncrAvailable(ctx context.Context, listingID string, denomination decimal.Decimal, n int) error {
	return c.rdb.IncrBy(ctx, stockKey(listingID, denomination), int64(n)).Err()
}

// DecrAvailable drops the counter after a successful claim.
func (c *Client) DecrAvailable(ctx context.Context, listingID string, denomination decimal.Decimal, n int) error {
	return c.rdb.DecrBy(ctx, stockKey(listingID, denomination), int64(n)).Err()
}

// IsEventSeen reports whether a provider webhook event id was already
// applied. This is the fast dedup layer in front of the processed_events
// table; a cold cache just means the table gets asked.
func (c *Client) IsEventSeen(ctx context.Context, provider, eventID string) (bool, error) {
	key := fmt.Sprintf("webhook:%s:%s", provider, eventID)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventSeen records a provider webhook event id after it has been fully
// applied, so redeliveries within the TTL short-circuit.
func (c *Client) MarkEventSeen(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	key := fmt.Sprintf("webhook:%s:%s", provider, eventID)
	return c.rdb.Set(ctx, key, "1", ttl).Err()
}
