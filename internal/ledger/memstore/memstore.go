// Package memstore is an in-process ledger.Repository. It serializes every
// write unit behind one mutex and keeps the same conflict semantics as the
// PostgreSQL store, so it backs tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"walletledger/internal/common/database"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

type idemKey struct {
	scope string
	key   string
}

type idemRecord struct {
	fingerprint   string
	transactionID string
}

// Store holds wallets, transactions, idempotency keys and entries in memory.
type Store struct {
	mu           sync.RWMutex
	wallets      map[string]*domain.Wallet
	owners       map[string]string
	transactions map[string]*domain.Transaction
	keys         map[idemKey]idemRecord
	entries      []*domain.LedgerEntry
	byWallet     map[string][]int
	byTxn        map[string][]int
	seq          int64
}

var _ ledger.Repository = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		wallets:      make(map[string]*domain.Wallet),
		owners:       make(map[string]string),
		transactions: make(map[string]*domain.Transaction),
		keys:         make(map[idemKey]idemRecord),
		byWallet:     make(map[string][]int),
		byTxn:        make(map[string][]int),
	}
}

func copyWallet(w *domain.Wallet) *domain.Wallet {
	c := *w
	return &c
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	return &c
}

// CreateWallet stores a new wallet; one per owner.
func (s *Store) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[w.OwnerID]; ok {
		return fmt.Errorf("wallet for owner %s: %w", w.OwnerID, database.ErrAlreadyExists)
	}
	if _, ok := s.wallets[w.ID]; ok {
		return fmt.Errorf("wallet %s: %w", w.ID, database.ErrAlreadyExists)
	}
	s.wallets[w.ID] = copyWallet(w)
	s.owners[w.OwnerID] = w.ID
	return nil
}

// GetWallet returns a copy of the wallet
func (s *Store) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copyWallet(w), nil
}

// GetWalletByOwner returns the owner's wallet
func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	s.mu.RLock()
	id, ok := s.owners[ownerID]
	s.mu.RUnlock()
	if !ok {
		return nil, database.ErrNotFound
	}
	return s.GetWallet(ctx, id)
}

// UpdateWalletStatus writes status and version when the stored version matches.
func (s *Store) UpdateWalletStatus(ctx context.Context, w *domain.Wallet, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.wallets[w.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("wallet %s at version %d, expected %d: %w", w.ID, cur.Version, expectedVersion, database.ErrConflict)
	}
	cur.Status = w.Status
	cur.Version = w.Version
	cur.UpdatedAt = w.UpdatedAt
	return nil
}

// Reserve claims the idempotency key and inserts txn in one step.
func (s *Store) Reserve(ctx context.Context, txn *domain.Transaction, fingerprint string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{scope: txn.IdempotencyScope(), key: txn.IdempotencyKey}
	if rec, ok := s.keys[k]; ok {
		if rec.fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: key %q", domain.ErrIdempotencyConflict, txn.IdempotencyKey)
		}
		return s.transactions[rec.transactionID].Clone(), nil
	}
	if _, ok := s.transactions[txn.ID]; ok {
		return nil, fmt.Errorf("transaction %s: %w", txn.ID, database.ErrAlreadyExists)
	}

	s.keys[k] = idemRecord{fingerprint: fingerprint, transactionID: txn.ID}
	s.transactions[txn.ID] = txn.Clone()
	return nil, nil
}

// GetTransaction returns a copy of the transaction
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return txn.Clone(), nil
}

// GetByIdempotencyKey returns the transaction holding a key and the key's fingerprint.
func (s *Store) GetByIdempotencyKey(ctx context.Context, scope, key string) (*domain.Transaction, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[idemKey{scope: scope, key: key}]
	if !ok {
		return nil, "", database.ErrNotFound
	}
	return s.transactions[rec.transactionID].Clone(), rec.fingerprint, nil
}

// UpdateTransaction writes txn when the stored status equals from.
func (s *Store) UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTransaction(txn, from)
}

func (s *Store) updateTransaction(txn *domain.Transaction, from domain.TransactionStatus) error {
	cur, ok := s.transactions[txn.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("transaction %s is %s, expected %s: %w", txn.ID, cur.Status, from, database.ErrConflict)
	}
	s.transactions[txn.ID] = txn.Clone()
	return nil
}

// ListTransactions filters, orders by creation time and pages.
func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]*domain.Transaction, int64, error) {
	s.mu.RLock()
	var matched []*domain.Transaction
	for _, txn := range s.transactions {
		if q.Matches(txn) {
			matched = append(matched, txn.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.Order == ledger.OrderAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if q.Order == ledger.OrderAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	total := int64(len(matched))
	if q.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

// ListStuck returns processing transactions last touched before the cutoff.
func (s *Store) ListStuck(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stuck []*domain.Transaction
	for _, txn := range s.transactions {
		if txn.Status == domain.StatusProcessing && txn.UpdatedAt.Before(before) {
			stuck = append(stuck, txn.Clone())
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

// EntriesForWallet returns the wallet's entries in append order.
func (s *Store) EntriesForWallet(ctx context.Context, walletID string, since *time.Time) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, i := range s.byWallet[walletID] {
		e := s.entries[i]
		if since != nil && e.CreatedAt.Before(*since) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// EntriesForTransaction returns the entries a transaction produced.
func (s *Store) EntriesForTransaction(ctx context.Context, transactionID string) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, i := range s.byTxn[transactionID] {
		out = append(out, copyEntry(s.entries[i]))
	}
	return out, nil
}

// RunInTx buffers fn's writes and applies them only if fn returns nil. The
// write lock is held throughout so units never interleave.
func (s *Store) RunInTx(ctx context.Context, fn func(tx ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txView{
		store:   s,
		wallets: make(map[string]*domain.Wallet),
		txns:    make(map[string]*domain.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type txView struct {
	store   *Store
	wallets map[string]*domain.Wallet
	txns    map[string]*domain.Transaction
	entries []*domain.LedgerEntry
}

var _ ledger.TxRepository = (*txView)(nil)

func (t *txView) wallet(id string) (*domain.Wallet, bool) {
	if w, ok := t.wallets[id]; ok {
		return w, true
	}
	w, ok := t.store.wallets[id]
	if !ok {
		return nil, false
	}
	return copyWallet(w), true
}

func (t *txView) ApplyDelta(ctx context.Context, walletID string, delta, expectedVersion int64) (*domain.Wallet, error) {
	w, ok := t.wallet(walletID)
	if !ok {
		return nil, database.ErrNotFound
	}
	if w.Version != expectedVersion {
		return nil, fmt.Errorf("wallet %s at version %d, expected %d: %w", walletID, w.Version, expectedVersion, database.ErrConflict)
	}
	if err := w.ApplyDelta(delta, time.Now().UTC()); err != nil {
		return nil, err
	}
	t.wallets[walletID] = w
	return copyWallet(w), nil
}

func (t *txView) AppendEntries(ctx context.Context, transactionID string, entries []*domain.LedgerEntry) error {
	if len(t.store.byTxn[transactionID]) > 0 {
		return fmt.Errorf("entries for transaction %s: %w", transactionID, database.ErrAlreadyExists)
	}
	for _, e := range entries {
		if e.TransactionID != transactionID {
			return fmt.Errorf("entry %s belongs to transaction %s", e.ID, e.TransactionID)
		}
		if e.Amount.Currency == "" || !e.Amount.IsPositive() {
			return fmt.Errorf("entry %s: %w", e.ID, money.ErrInvalidAmount)
		}
		t.entries = append(t.entries, copyEntry(e))
	}
	return nil
}

func (t *txView) UpdateTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) error {
	cur, ok := t.txns[txn.ID]
	if !ok {
		stored, found := t.store.transactions[txn.ID]
		if !found {
			return database.ErrNotFound
		}
		cur = stored
	}
	if cur.Status != from {
		return fmt.Errorf("transaction %s is %s, expected %s: %w", txn.ID, cur.Status, from, database.ErrConflict)
	}
	t.txns[txn.ID] = txn.Clone()
	return nil
}

func (t *txView) apply() {
	s := t.store
	for id, w := range t.wallets {
		s.wallets[id] = w
	}
	for id, txn := range t.txns {
		s.transactions[id] = txn
	}
	for _, e := range t.entries {
		s.seq++
		e.Sequence = s.seq
		s.entries = append(s.entries, e)
		idx := len(s.entries) - 1
		s.byWallet[e.WalletID] = append(s.byWallet[e.WalletID], idx)
		s.byTxn[e.TransactionID] = append(s.byTxn[e.TransactionID], idx)
	}
}
