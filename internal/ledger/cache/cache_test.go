package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/money"
	"walletledger/internal/ledger/domain"
)

func newCache(t *testing.T) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBalanceCache(client, time.Minute), mr
}

func TestBalanceCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	b, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, b)

	snap := domain.Balance{
		WalletID: "w1",
		Balance:  money.New(15000, money.USD),
		Currency: money.USD,
		Status:   domain.WalletActive,
		Version:  3,
		AsOf:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Set(ctx, snap))
	assert.True(t, mr.Exists("ledger:balance:w1"))

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(15000), got.Balance.AmountMinor)
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, snap.AsOf.Equal(got.AsOf))

	require.NoError(t, c.Invalidate(ctx, "w1", "w2"))
	got, err = c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBalanceCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	require.NoError(t, c.Set(ctx, domain.Balance{WalletID: "w1", Balance: money.New(1, money.USD), Currency: money.USD}))
	mr.FastForward(2 * time.Minute)

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBalanceCacheServerDown(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "w1")
	assert.Error(t, err)
	assert.Error(t, c.HealthCheck(context.Background()))
}
