// Package cache keeps wallet balance snapshots in Redis. The ledger service
// deletes a wallet's key after every commit, so a cached snapshot is at most
// one TTL old when an invalidation is lost.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"walletledger/internal/ledger/domain"
)

// Config holds Redis settings
type Config struct {
	Enabled bool          `envconfig:"REDIS_ENABLED" default:"false"`
	URL     string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	TTL     time.Duration `envconfig:"REDIS_BALANCE_TTL" default:"30s"`
}

const keyPrefix = "ledger:balance:"

func balanceKey(walletID string) string {
	return keyPrefix + walletID
}

// NewClient parses cfg.URL and pings the server
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// BalanceCache stores domain.Balance values as JSON
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache creates a cache over client
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot, or nil on a miss
func (c *BalanceCache) Get(ctx context.Context, walletID string) (*domain.Balance, error) {
	val, err := c.client.Get(ctx, balanceKey(walletID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading balance: %w", err)
	}

	var b domain.Balance
	if err := json.Unmarshal(val, &b); err != nil {
		return nil, fmt.Errorf("decoding balance: %w", err)
	}
	return &b, nil
}

// Set stores b for the configured TTL
func (c *BalanceCache) Set(ctx context.Context, b domain.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding balance: %w", err)
	}
	return c.client.Set(ctx, balanceKey(b.WalletID), data, c.ttl).Err()
}

// Invalidate deletes the snapshots of walletIDs
func (c *BalanceCache) Invalidate(ctx context.Context, walletIDs ...string) error {
	if len(walletIDs) == 0 {
		return nil
	}
	keys := make([]string, len(walletIDs))
	for i, id := range walletIDs {
		keys[i] = balanceKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

// HealthCheck pings Redis
func (c *BalanceCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}
