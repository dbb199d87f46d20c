package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/money"
)

func newWallet(t *testing.T, balance int64) *Wallet {
	t.Helper()
	w, err := NewWallet("w1", "owner-1", money.USD)
	require.NoError(t, err)
	w.Balance = money.New(balance, money.USD)
	return w
}

func TestNewWallet(t *testing.T) {
	w, err := NewWallet("w1", "owner-1", money.USD)
	require.NoError(t, err)
	assert.Equal(t, WalletActive, w.Status)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, int64(1), w.Version)

	_, err = NewWallet("w1", "", money.USD)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewWallet("w1", "owner-1", "XXX")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWalletApplyDelta(t *testing.T) {
	now := time.Now().UTC()

	t.Run("credit bumps version", func(t *testing.T) {
		w := newWallet(t, 10000)
		require.NoError(t, w.ApplyDelta(5000, now))
		assert.Equal(t, int64(15000), w.Balance.AmountMinor)
		assert.Equal(t, int64(2), w.Version)
	})

	t.Run("debit below zero rejected", func(t *testing.T) {
		w := newWallet(t, 1000)
		err := w.ApplyDelta(-2000, now)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, int64(1000), w.Balance.AmountMinor)
		assert.Equal(t, int64(1), w.Version)
	})

	t.Run("overdraft wallets may go negative", func(t *testing.T) {
		w := newWallet(t, 1000)
		w.AllowOverdraft = true
		require.NoError(t, w.ApplyDelta(-2000, now))
		assert.Equal(t, int64(-1000), w.Balance.AmountMinor)
	})

	t.Run("overflow rejected", func(t *testing.T) {
		w := newWallet(t, math.MaxInt64-10)
		assert.ErrorIs(t, w.ApplyDelta(100, now), ErrValidation)
		assert.Equal(t, int64(math.MaxInt64-10), w.Balance.AmountMinor)
		assert.Equal(t, int64(1), w.Version)

		w.AllowOverdraft = true
		w.Balance = money.New(math.MinInt64+10, money.USD)
		assert.ErrorIs(t, w.ApplyDelta(-100, now), ErrValidation)
	})

	t.Run("frozen and closed wallets reject deltas", func(t *testing.T) {
		for _, status := range []WalletStatus{WalletFrozen, WalletClosed} {
			w := newWallet(t, 1000)
			w.Status = status
			assert.ErrorIs(t, w.ApplyDelta(100, now), ErrWalletNotActive)
		}
	})
}

func TestWalletTransitions(t *testing.T) {
	now := time.Now().UTC()

	w := newWallet(t, 500)
	require.NoError(t, w.TransitionTo(WalletFrozen, now))
	assert.Equal(t, WalletFrozen, w.Status)
	require.NoError(t, w.TransitionTo(WalletActive, now))

	assert.ErrorIs(t, w.TransitionTo(WalletClosed, now), ErrValidation)

	w.Balance = money.Zero(money.USD)
	require.NoError(t, w.TransitionTo(WalletClosed, now))
	assert.ErrorIs(t, w.TransitionTo(WalletActive, now), ErrWalletNotActive)
}

func TestLockOrder(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, LockOrder("b", "a"))
	assert.Equal(t, []string{"a", "b"}, LockOrder("a", "b"))
	assert.Equal(t, []string{"a"}, LockOrder("a", "a"))
	assert.Equal(t, LockOrder("01HZZ", "01HAA"), LockOrder("01HAA", "01HZZ"))
}
