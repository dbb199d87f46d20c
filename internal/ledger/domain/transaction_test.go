package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/money"
)

func newTxn(t *testing.T) *Transaction {
	t.Helper()
	txn, err := NewTransaction("t1", TypeDeposit, "w1", "u1", money.New(5000, money.USD), "k1")
	require.NoError(t, err)
	return txn
}

func TestNewTransactionValidation(t *testing.T) {
	tests := []struct {
		name   string
		typ    TransactionType
		wallet string
		amount money.Money
		key    string
	}{
		{"zero amount", TypeDeposit, "w1", money.New(0, money.USD), "k"},
		{"negative amount", TypeDeposit, "w1", money.New(-1, money.USD), "k"},
		{"missing key", TypeDeposit, "w1", money.New(1, money.USD), "  "},
		{"missing wallet", TypeDeposit, "", money.New(1, money.USD), "k"},
		{"unknown type", "bonus", "w1", money.New(1, money.USD), "k"},
		{"amount too large", TypeDeposit, "w1", money.New(money.MaxMinor+1, money.USD), "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransaction("t1", tt.typ, tt.wallet, "u1", tt.amount, tt.key)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestTransactionStateMachine(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		txn := newTxn(t)
		assert.Equal(t, StatusPending, txn.Status)
		require.NoError(t, txn.MarkProcessing())
		require.NoError(t, txn.MarkSucceeded())
		assert.True(t, txn.IsTerminal())
		assert.NotNil(t, txn.CompletedAt)
		assert.NoError(t, txn.Err())
	})

	t.Run("pending cannot succeed or fail directly", func(t *testing.T) {
		txn := newTxn(t)
		assert.ErrorIs(t, txn.MarkSucceeded(), ErrInvalidTransition)
		assert.ErrorIs(t, txn.MarkFailed(CodeInternal, "x", false), ErrInvalidTransition)
	})

	t.Run("failure records reason", func(t *testing.T) {
		txn := newTxn(t)
		require.NoError(t, txn.MarkProcessing())
		require.NoError(t, txn.MarkFailed(CodeInsufficientFunds, "balance 10.00", false))
		assert.ErrorIs(t, txn.Err(), ErrInsufficientFunds)
		assert.Equal(t, "balance 10.00", txn.FailureReason)
	})

	t.Run("cancel before commit", func(t *testing.T) {
		pending := newTxn(t)
		require.NoError(t, pending.MarkCancelled("user request"))
		assert.Equal(t, StatusCancelled, pending.Status)

		processing := newTxn(t)
		require.NoError(t, processing.MarkProcessing())
		require.NoError(t, processing.MarkCancelled("timeout"))
	})

	t.Run("terminal states are final", func(t *testing.T) {
		txn := newTxn(t)
		require.NoError(t, txn.MarkProcessing())
		require.NoError(t, txn.MarkSucceeded())

		assert.ErrorIs(t, txn.MarkProcessing(), ErrInvalidTransition)
		assert.ErrorIs(t, txn.MarkFailed(CodeInternal, "late", true), ErrInvalidTransition)
		assert.ErrorIs(t, txn.MarkCancelled("late"), ErrInvalidTransition)
		assert.Equal(t, StatusSucceeded, txn.Status)
	})
}

func TestFingerprint(t *testing.T) {
	a := newTxn(t)
	b := newTxn(t)
	b.ID = "other-id"
	b.Description = "ignored"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := newTxn(t)
	c.Amount = money.New(5001, money.USD)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := newTxn(t)
	d.WalletID = "w2"
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestCloneIsDeep(t *testing.T) {
	txn := newTxn(t)
	txn.Metadata["order"] = "1"
	c := txn.Clone()
	c.Metadata["order"] = "2"
	assert.Equal(t, "1", txn.Metadata["order"])
}

func TestProviderKey(t *testing.T) {
	assert.Equal(t, "stripe:pi_123", ProviderKey("Stripe", "pi_123"))
	assert.Equal(t, "paypal:ORDER-9", ProviderKey("paypal", "ORDER-9"))
}

func TestCodeMapping(t *testing.T) {
	assert.Equal(t, CodeWalletNotActive, Code(ErrWalletNotActive))
	assert.Equal(t, CodeValidation, Code(Validationf("bad %s", "input")))
	assert.Equal(t, CodeInternal, Code(assert.AnError))
	assert.ErrorIs(t, KindFromCode(CodeIdempotencyConflict), ErrIdempotencyConflict)
	assert.ErrorIs(t, KindFromCode("???"), ErrInternal)
}

func TestDetail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"kind then detail", fmt.Errorf("%w: balance 10.00, requested 20.00", ErrInsufficientFunds), "balance 10.00, requested 20.00"},
		{"wrapped by caller", fmt.Errorf("settling: %w", fmt.Errorf("%w: capture denied: RISK", ErrExternalProvider)), "capture denied: RISK"},
		{"bare kind", ErrWalletNotActive, ""},
		{"kind last", fmt.Errorf("wallet w1: %w", ErrWalletNotActive), "wallet w1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detail(tt.err))
		})
	}
}

func TestErrDoesNotRepeatKind(t *testing.T) {
	txn := newTxn(t)
	require.NoError(t, txn.MarkProcessing())
	cause := fmt.Errorf("%w: balance 10.00, requested 20.00", ErrInsufficientFunds)
	require.NoError(t, txn.MarkFailed(Code(cause), Detail(cause), false))

	assert.Equal(t, "balance 10.00, requested 20.00", txn.FailureReason)
	assert.EqualError(t, txn.Err(), "insufficient funds: balance 10.00, requested 20.00")

	bare := newTxn(t)
	require.NoError(t, bare.MarkProcessing())
	require.NoError(t, bare.MarkFailed(CodeWalletNotActive, "", false))
	assert.EqualError(t, bare.Err(), "wallet not active")
}
