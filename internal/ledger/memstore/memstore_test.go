package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/database"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

func newWallet(t *testing.T, s *Store, id, owner string) *domain.Wallet {
	t.Helper()
	w, err := domain.NewWallet(id, owner, money.USD)
	require.NoError(t, err)
	require.NoError(t, s.CreateWallet(context.Background(), w))
	return w
}

func newDeposit(t *testing.T, id, walletID, key string, amount int64) *domain.Transaction {
	t.Helper()
	txn, err := domain.NewTransaction(id, domain.TypeDeposit, walletID, "u1", money.New(amount, money.USD), key)
	require.NoError(t, err)
	return txn
}

func TestCreateWalletOnePerOwner(t *testing.T) {
	s := New()
	newWallet(t, s, "w1", "alice")

	w, err := domain.NewWallet("w2", "alice", money.USD)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateWallet(context.Background(), w), database.ErrAlreadyExists)

	got, err := s.GetWalletByOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)

	_, err = s.GetWallet(context.Background(), "w2")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestGetWalletReturnsCopy(t *testing.T) {
	s := New()
	newWallet(t, s, "w1", "alice")

	got, err := s.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	got.Balance = money.New(999, money.USD)

	again, err := s.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, again.Balance.IsZero())
}

func TestUpdateWalletStatusChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := newWallet(t, s, "w1", "alice")

	require.NoError(t, w.TransitionTo(domain.WalletFrozen, time.Now()))
	require.NoError(t, s.UpdateWalletStatus(ctx, w, 1))
	assert.ErrorIs(t, s.UpdateWalletStatus(ctx, w, 1), database.ErrConflict)

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WalletFrozen, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	s := New()
	newWallet(t, s, "w1", "alice")

	first := newDeposit(t, "t1", "w1", "K1", 100)
	existing, err := s.Reserve(ctx, first, first.Fingerprint())
	require.NoError(t, err)
	assert.Nil(t, existing)

	same := newDeposit(t, "t2", "w1", "K1", 100)
	existing, err = s.Reserve(ctx, same, same.Fingerprint())
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "t1", existing.ID)

	other := newDeposit(t, "t3", "w1", "K1", 200)
	_, err = s.Reserve(ctx, other, other.Fingerprint())
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	_, err = s.GetTransaction(ctx, "t3")
	assert.ErrorIs(t, err, database.ErrNotFound)

	got, fp, err := s.GetByIdempotencyKey(ctx, string(domain.TypeDeposit), "K1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, first.Fingerprint(), fp)

	_, _, err = s.GetByIdempotencyKey(ctx, string(domain.TypeWithdrawal), "K1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestUpdateTransactionGuardsStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	newWallet(t, s, "w1", "alice")
	txn := newDeposit(t, "t1", "w1", "K1", 100)
	_, err := s.Reserve(ctx, txn, txn.Fingerprint())
	require.NoError(t, err)

	claimed := txn.Clone()
	require.NoError(t, claimed.MarkProcessing())
	require.NoError(t, s.UpdateTransaction(ctx, claimed, domain.StatusPending))
	assert.ErrorIs(t, s.UpdateTransaction(ctx, claimed, domain.StatusPending), database.ErrConflict)

	missing := newDeposit(t, "nope", "w1", "K2", 100)
	assert.ErrorIs(t, s.UpdateTransaction(ctx, missing, domain.StatusPending), database.ErrNotFound)
}

// commitDeposit runs the same unit the service runs for a deposit.
func commitDeposit(ctx context.Context, s *Store, txn *domain.Transaction, w *domain.Wallet) error {
	entries, err := domain.NewEntryBuilder(txn).Credit(w).Build()
	if err != nil {
		return err
	}
	done := txn.Clone()
	if err := done.MarkSucceeded(); err != nil {
		return err
	}
	return s.RunInTx(ctx, func(tx ledger.TxRepository) error {
		if _, err := tx.ApplyDelta(ctx, w.ID, txn.Amount.AmountMinor, w.Version); err != nil {
			return err
		}
		if err := tx.AppendEntries(ctx, txn.ID, entries); err != nil {
			return err
		}
		return tx.UpdateTransaction(ctx, done, domain.StatusProcessing)
	})
}

func reserveProcessing(t *testing.T, s *Store, id, key string, amount int64) *domain.Transaction {
	t.Helper()
	txn := newDeposit(t, id, "w1", key, amount)
	_, err := s.Reserve(context.Background(), txn, txn.Fingerprint())
	require.NoError(t, err)
	require.NoError(t, txn.MarkProcessing())
	require.NoError(t, s.UpdateTransaction(context.Background(), txn, domain.StatusPending))
	return txn
}

func TestRunInTxCommits(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := newWallet(t, s, "w1", "alice")
	txn := reserveProcessing(t, s, "t1", "K1", 500)

	require.NoError(t, commitDeposit(ctx, s, txn, w))

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance.AmountMinor)
	assert.Equal(t, int64(2), got.Version)

	stored, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, stored.Status)

	entries, err := s.EntriesForWallet(ctx, "w1", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(500), entries[0].BalanceAfter.AmountMinor)

	// Stale version.
	second := reserveProcessing(t, s, "t2", "K2", 100)
	assert.ErrorIs(t, commitDeposit(ctx, s, second, w), database.ErrConflict)
}

func TestRunInTxDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := newWallet(t, s, "w1", "alice")
	txn := reserveProcessing(t, s, "t1", "K1", 500)
	entries, err := domain.NewEntryBuilder(txn).Credit(w).Build()
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.RunInTx(ctx, func(tx ledger.TxRepository) error {
		if _, err := tx.ApplyDelta(ctx, "w1", 500, 1); err != nil {
			return err
		}
		if err := tx.AppendEntries(ctx, txn.ID, entries); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Equal(t, int64(1), got.Version)

	stored, err := s.EntriesForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRunInTxDiscardsOnCancel(t *testing.T) {
	s := New()
	w := newWallet(t, s, "w1", "alice")
	txn := reserveProcessing(t, s, "t1", "K1", 500)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, commitDeposit(ctx, s, txn, w), context.Canceled)

	got, err := s.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestApplyDeltaEnforcesWalletRules(t *testing.T) {
	ctx := context.Background()
	s := New()
	newWallet(t, s, "w1", "alice")

	err := s.RunInTx(ctx, func(tx ledger.TxRepository) error {
		_, err := tx.ApplyDelta(ctx, "w1", -1, 1)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = s.RunInTx(ctx, func(tx ledger.TxRepository) error {
		_, err := tx.ApplyDelta(ctx, "missing", 1, 1)
		return err
	})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestAppendEntriesOncePerTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := newWallet(t, s, "w1", "alice")
	txn := reserveProcessing(t, s, "t1", "K1", 500)
	require.NoError(t, commitDeposit(ctx, s, txn, w))

	entries, err := domain.NewEntryBuilder(txn).Credit(w).Build()
	require.NoError(t, err)
	err = s.RunInTx(ctx, func(tx ledger.TxRepository) error {
		return tx.AppendEntries(ctx, txn.ID, entries)
	})
	assert.ErrorIs(t, err, database.ErrAlreadyExists)
}

func TestListTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()
	newWallet(t, s, "w1", "alice")

	base := time.Now().UTC()
	for i, key := range []string{"a", "b", "c"} {
		txn := newDeposit(t, "t"+key, "w1", key, 100)
		txn.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := s.Reserve(ctx, txn, txn.Fingerprint())
		require.NoError(t, err)
	}

	page, total, err := s.ListTransactions(ctx, ledger.TransactionQuery{WalletID: "w1", Limit: 2, Order: ledger.OrderDesc})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "tc", page[0].ID)
	assert.Equal(t, "tb", page[1].ID)

	page, _, err = s.ListTransactions(ctx, ledger.TransactionQuery{WalletID: "w1", Limit: 2, Offset: 2, Order: ledger.OrderDesc})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "ta", page[0].ID)

	from := base.Add(500 * time.Millisecond)
	page, total, err = s.ListTransactions(ctx, ledger.TransactionQuery{WalletID: "w1", From: &from, Order: ledger.OrderAsc})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "tb", page[0].ID)

	page, total, err = s.ListTransactions(ctx, ledger.TransactionQuery{WalletID: "w2"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}

func TestListStuck(t *testing.T) {
	ctx := context.Background()
	s := New()
	newWallet(t, s, "w1", "alice")

	old := reserveProcessing(t, s, "t1", "K1", 100)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.UpdateTransaction(ctx, old, domain.StatusProcessing))
	reserveProcessing(t, s, "t2", "K2", 100)

	stuck, err := s.ListStuck(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "t1", stuck[0].ID)
}
