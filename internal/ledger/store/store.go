package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"walletledger/internal/common/database"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

// Store provides ledger data access on PostgreSQL
type Store struct {
	db *database.DB
}

var _ ledger.Repository = (*Store)(nil)

// New creates a new ledger store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const walletColumns = `id, owner_id, currency, balance_minor, status, allow_overdraft, version, created_at, updated_at`

const transactionColumns = `
	t.id, t.wallet_id, COALESCE(t.counterparty_wallet_id, ''), t.user_id, t.type,
	t.amount_minor, t.currency, t.status, COALESCE(t.description, ''), t.metadata,
	t.idempotency_key, COALESCE(t.source, ''), COALESCE(t.source_id, ''),
	COALESCE(t.destination, ''), COALESCE(t.destination_id, ''),
	COALESCE(t.failure_code, ''), COALESCE(t.failure_reason, ''),
	t.requires_manual_review, t.created_at, t.updated_at, t.completed_at`

const entryColumns = `seq, id, transaction_id, wallet_id, direction, amount_minor, currency, balance_after, created_at`

// CreateWallet inserts a wallet. A second wallet for the same owner fails
// with database.ErrAlreadyExists.
func (s *Store) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.Exec(ctx, query,
		w.ID,
		w.OwnerID,
		string(w.Currency),
		w.Balance.AmountMinor,
		string(w.Status),
		w.AllowOverdraft,
		w.Version,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("wallet for owner %s: %w", w.OwnerID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by ID
func (s *Store) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	return getWallet(ctx, s.db, `WHERE id = $1`, id)
}

// GetWalletByOwner retrieves the wallet of an owner
func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	return getWallet(ctx, s.db, `WHERE owner_id = $1`, ownerID)
}

func getWallet(ctx context.Context, q database.Querier, where string, arg string) (*domain.Wallet, error) {
	row := q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets `+where, arg)
	return scanWallet(row)
}

// UpdateWalletStatus writes the status and version of w if the stored
// version still equals expectedVersion.
func (s *Store) UpdateWalletStatus(ctx context.Context, w *domain.Wallet, expectedVersion int64) error {
	query := `
		UPDATE wallets
		SET status = $2, version = $3, updated_at = $4
		WHERE id = $1 AND version = $5
	`

	tag, err := s.db.Exec(ctx, query, w.ID, string(w.Status), w.Version, w.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating wallet status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWallet(ctx, w.ID); err != nil {
			return err
		}
		return fmt.Errorf("wallet %s changed since version %d: %w", w.ID, expectedVersion, database.ErrConflict)
	}
	return nil
}

var errKeyTaken = errors.New("idempotency key taken")

// Reserve inserts txn and claims its idempotency key in one database
// transaction. Concurrent reservations of one key serialize on the key's
// primary key; the loser rolls back and reads the winner.
func (s *Store) Reserve(ctx context.Context, txn *domain.Transaction, fingerprint string) (*domain.Transaction, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (scope, key, fingerprint, transaction_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (scope, key) DO NOTHING
		`, txn.IdempotencyScope(), txn.IdempotencyKey, fingerprint, txn.ID, txn.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errKeyTaken
		}
		return nil
	})
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, errKeyTaken) {
		return nil, err
	}

	existing, stored, err := s.GetByIdempotencyKey(ctx, txn.IdempotencyScope(), txn.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("loading idempotency key holder: %w", err)
	}
	if stored != fingerprint {
		return nil, fmt.Errorf("%w: key %q", domain.ErrIdempotencyConflict, txn.IdempotencyKey)
	}
	return existing, nil
}

func insertTransaction(ctx context.Context, q database.Querier, txn *domain.Transaction) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			id, wallet_id, counterparty_wallet_id, user_id, type, amount_minor,
			currency, status, description, metadata, idempotency_key, source,
			source_id, destination, destination_id, failure_code, failure_reason,
			requires_manual_review, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)
	`

	_, err = q.Exec(ctx, query,
		txn.ID,
		txn.WalletID,
		nullIfEmpty(txn.CounterpartyWalletID),
		txn.UserID,
		string(txn.Type),
		txn.Amount.AmountMinor,
		string(txn.Amount.Currency),
		string(txn.Status),
		nullIfEmpty(txn.Description),
		metadata,
		txn.IdempotencyKey,
		nullIfEmpty(txn.Source),
		nullIfEmpty(txn.SourceID),
		nullIfEmpty(txn.Destination),
		nullIfEmpty(txn.DestinationID),
		nullIfEmpty(txn.FailureCode),
		nullIfEmpty(txn.FailureReason),
		txn.RequiresManualReview,
		txn.CreatedAt,
		txn.UpdatedAt,
		txn.CompletedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", txn.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions t WHERE t.id = $1`, id)
	return scanTransaction(row)
}

// GetByIdempotencyKey returns the transaction holding (scope, key) and the
// fingerprint it was reserved with.
func (s *Store) GetByIdempotencyKey(ctx context.Context, scope, key string) (*domain.Transaction, string, error) {
	query := `
		SELECT k.fingerprint, ` + transactionColumns + `
		FROM idempotency_keys k
		JOIN transactions t ON t.id = k.transaction_id
		WHERE k.scope = $1 AND k.key = $2
	`

	var fingerprint string
	txn, err := scanTransactionWith(s.db.QueryRow(ctx, query, scope, key), &fingerprint)
	if err != nil {
		return nil, "", err
	}
	return txn, fingerprint, nil
}

// UpdateTransaction writes the mutable fields of txn while the stored status
// equals from.
func (s *Store) UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error {
	return updateTransaction(ctx, s.db, txn, from)
}

func updateTransaction(ctx context.Context, q database.Querier, txn *domain.Transaction, from domain.TransactionStatus) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE transactions
		SET status = $2, failure_code = $3, failure_reason = $4,
			requires_manual_review = $5, metadata = $6, updated_at = $7, completed_at = $8
		WHERE id = $1 AND status = $9
	`

	tag, err := q.Exec(ctx, query,
		txn.ID,
		string(txn.Status),
		nullIfEmpty(txn.FailureCode),
		nullIfEmpty(txn.FailureReason),
		txn.RequiresManualReview,
		metadata,
		txn.UpdatedAt,
		txn.CompletedAt,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := q.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, txn.ID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return database.ErrNotFound
			}
			return fmt.Errorf("checking transaction status: %w", err)
		}
		return fmt.Errorf("transaction %s is %s, expected %s: %w", txn.ID, status, from, database.ErrConflict)
	}
	return nil
}

// ListTransactions lists transactions matching q
func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]*domain.Transaction, int64, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.WalletID != "" {
		p := arg(q.WalletID)
		conds = append(conds, fmt.Sprintf("(t.wallet_id = %s OR t.counterparty_wallet_id = %s)", p, p))
	}
	if q.UserID != "" {
		conds = append(conds, "t.user_id = "+arg(q.UserID))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, v := range q.Types {
			types[i] = string(v)
		}
		conds = append(conds, "t.type = ANY("+arg(types)+")")
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, v := range q.Statuses {
			statuses[i] = string(v)
		}
		conds = append(conds, "t.status = ANY("+arg(statuses)+")")
	}
	if q.From != nil {
		conds = append(conds, "t.created_at >= "+arg(*q.From))
	}
	if q.To != nil {
		conds = append(conds, "t.created_at <= "+arg(*q.To))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions t`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	order := "DESC"
	if q.Order == ledger.OrderAsc {
		order = "ASC"
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions t` + where +
		fmt.Sprintf(` ORDER BY t.created_at %s, t.id %s LIMIT %d OFFSET %d`, order, order, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactions(rows)
	return txns, total, err
}

// ListStuck lists processing transactions last updated before the cutoff
func (s *Store) ListStuck(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.status = 'processing' AND t.updated_at < $1
		ORDER BY t.updated_at
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stuck transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// EntriesForWallet returns the wallet's entries in append order
func (s *Store) EntriesForWallet(ctx context.Context, walletID string, since *time.Time) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_id = $1`
	args := []interface{}{walletID}
	if since != nil {
		query += ` AND created_at >= $2`
		args = append(args, *since)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntriesForTransaction returns the entries of one transaction
func (s *Store) EntriesForTransaction(ctx context.Context, transactionID string) ([]*domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// RunInTx runs fn inside a read committed database transaction. Wallet rows
// are row-locked by their conditional UPDATE until commit.
func (s *Store) RunInTx(ctx context.Context, fn func(tx ledger.TxRepository) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

var _ ledger.TxRepository = (*txStore)(nil)

// ApplyDelta adds delta in a single conditional UPDATE. When no row matches,
// the current row is read to report why.
func (t *txStore) ApplyDelta(ctx context.Context, walletID string, delta, expectedVersion int64) (*domain.Wallet, error) {
	query := `
		UPDATE wallets
		SET balance_minor = balance_minor + $2, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $3 AND status = 'active'
			AND (allow_overdraft OR balance_minor + $2 >= 0)
		RETURNING ` + walletColumns

	w, err := scanWallet(t.tx.QueryRow(ctx, query, walletID, delta, expectedVersion, time.Now().UTC()))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("applying delta: %w", err)
	}

	cur, err := getWallet(ctx, t.tx, `WHERE id = $1`, walletID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("wallet %s at version %d, expected %d: %w", walletID, cur.Version, expectedVersion, database.ErrConflict)
	}
	if _, err := cur.CheckDelta(delta); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wallet %s rejected delta: %w", walletID, database.ErrConflict)
}

// AppendEntries inserts the entries of one transaction
func (t *txStore) AppendEntries(ctx context.Context, transactionID string, entries []*domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (
			id, transaction_id, wallet_id, direction, amount_minor, currency, balance_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`

	for _, e := range entries {
		if e.TransactionID != transactionID {
			return fmt.Errorf("entry %s belongs to transaction %s", e.ID, e.TransactionID)
		}
		err := t.tx.QueryRow(ctx, query,
			e.ID,
			e.TransactionID,
			e.WalletID,
			string(e.Direction),
			e.Amount.AmountMinor,
			string(e.Amount.Currency),
			e.BalanceAfter.AmountMinor,
			e.CreatedAt,
		).Scan(&e.Sequence)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("entries for transaction %s: %w", transactionID, database.ErrAlreadyExists)
			}
			if database.IsForeignKeyViolation(err) {
				return fmt.Errorf("entry for wallet %s: %w", e.WalletID, database.ErrNotFound)
			}
			return fmt.Errorf("inserting entry: %w", err)
		}
	}
	return nil
}

func (t *txStore) UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error {
	return updateTransaction(ctx, t.tx, txn, from)
}

// Helper functions

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return data, nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	var currency, status string
	var balance int64
	err := row.Scan(
		&w.ID, &w.OwnerID, &currency, &balance, &status,
		&w.AllowOverdraft, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet: %w", err)
	}
	w.Currency = money.Currency(currency)
	w.Balance = money.New(balance, w.Currency)
	w.Status = domain.WalletStatus(status)
	return &w, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	return scanTransactionWith(row)
}

// scanTransactionWith scans leading columns into prefix before the
// transaction columns.
func scanTransactionWith(row pgx.Row, prefix ...interface{}) (*domain.Transaction, error) {
	var t domain.Transaction
	var txnType, currency, status string
	var amount int64
	var metadata []byte

	dest := append(prefix,
		&t.ID, &t.WalletID, &t.CounterpartyWalletID, &t.UserID, &txnType,
		&amount, &currency, &status, &t.Description, &metadata,
		&t.IdempotencyKey, &t.Source, &t.SourceID,
		&t.Destination, &t.DestinationID,
		&t.FailureCode, &t.FailureReason,
		&t.RequiresManualReview, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	t.Type = domain.TransactionType(txnType)
	t.Status = domain.TransactionStatus(status)
	t.Amount = money.New(amount, money.Currency(currency))
	t.Metadata = make(map[string]string)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &t, nil
}

func scanTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txns, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var direction, currency string
		var amount, balanceAfter int64
		err := rows.Scan(
			&e.Sequence, &e.ID, &e.TransactionID, &e.WalletID, &direction,
			&amount, &currency, &balanceAfter, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Direction = domain.Direction(direction)
		e.Amount = money.New(amount, money.Currency(currency))
		e.BalanceAfter = money.New(balanceAfter, money.Currency(currency))
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}
