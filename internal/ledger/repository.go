package ledger

import (
	"context"
	"time"

	"walletledger/internal/ledger/domain"
)

// Repository is the durable state behind the wallet service. Implementations
// return database.ErrNotFound, database.ErrAlreadyExists and
// database.ErrConflict for the corresponding conditions.
type Repository interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error)
	// UpdateWalletStatus persists w.Status and w.Version if the stored row is
	// still at expectedVersion.
	UpdateWalletStatus(ctx context.Context, w *domain.Wallet, expectedVersion int64) error

	// Reserve atomically claims (scope, key) for txn and inserts txn. When the
	// key is already held it returns the transaction holding it, or
	// domain.ErrIdempotencyConflict if that transaction was created with a
	// different fingerprint. A nil transaction with a nil error means txn now
	// owns the key.
	Reserve(ctx context.Context, txn *domain.Transaction, fingerprint string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, scope, key string) (*domain.Transaction, string, error)
	// UpdateTransaction writes txn only while the stored status equals from.
	UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error
	ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, int64, error)
	ListStuck(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error)

	EntriesForWallet(ctx context.Context, walletID string, since *time.Time) ([]*domain.LedgerEntry, error)
	EntriesForTransaction(ctx context.Context, transactionID string) ([]*domain.LedgerEntry, error)

	// RunInTx runs fn in one atomic unit: either every write fn made is
	// visible afterwards, or none is.
	RunInTx(ctx context.Context, fn func(tx TxRepository) error) error
}

// TxRepository is the write surface available inside RunInTx.
type TxRepository interface {
	// ApplyDelta adds delta to the wallet balance if its version still equals
	// expectedVersion. It fails with database.ErrConflict on a version
	// mismatch, domain.ErrWalletNotActive or domain.ErrInsufficientFunds.
	ApplyDelta(ctx context.Context, walletID string, delta, expectedVersion int64) (*domain.Wallet, error)
	AppendEntries(ctx context.Context, transactionID string, entries []*domain.LedgerEntry) error
	UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error
}

// Order of a transaction listing
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// TransactionQuery filters a transaction listing. WalletID matches both the
// primary and the counterparty wallet.
type TransactionQuery struct {
	WalletID string
	UserID   string
	Types    []domain.TransactionType
	Statuses []domain.TransactionStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	Order    Order
}

// Matches reports whether txn passes the query filters, ignoring paging.
func (q TransactionQuery) Matches(txn *domain.Transaction) bool {
	if q.WalletID != "" && txn.WalletID != q.WalletID && txn.CounterpartyWalletID != q.WalletID {
		return false
	}
	if q.UserID != "" && txn.UserID != q.UserID {
		return false
	}
	if len(q.Types) > 0 && !containsType(q.Types, txn.Type) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, txn.Status) {
		return false
	}
	if q.From != nil && txn.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && txn.CreatedAt.After(*q.To) {
		return false
	}
	return true
}

func containsType(types []domain.TransactionType, t domain.TransactionType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.TransactionStatus, s domain.TransactionStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
