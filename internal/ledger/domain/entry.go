package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"walletledger/internal/common/money"
)

// Direction is the side of a ledger entry
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// LedgerEntry is an immutable signed movement on one wallet.
type LedgerEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	WalletID      string      `json:"wallet_id"`
	Direction     Direction   `json:"direction"`
	Amount        money.Money `json:"amount"`
	BalanceAfter  money.Money `json:"balance_after"`
	Sequence      int64       `json:"sequence"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Signed returns the entry amount signed by direction.
func (e *LedgerEntry) Signed() int64 {
	if e.Direction == Debit {
		return -e.Amount.AmountMinor
	}
	return e.Amount.AmountMinor
}

// EntryBuilder produces the entries for one transaction against the wallet
// states loaded for it.
type EntryBuilder struct {
	txn     *Transaction
	entries []*LedgerEntry
	debits  int64
	credits int64
	at      time.Time
	err     error
}

// NewEntryBuilder creates a builder for txn
func NewEntryBuilder(txn *Transaction) *EntryBuilder {
	if txn == nil || txn.ID == "" {
		return &EntryBuilder{err: errors.New("transaction is required")}
	}
	return &EntryBuilder{txn: txn, at: time.Now().UTC()}
}

// Debit adds a debit of the transaction amount on w
func (b *EntryBuilder) Debit(w *Wallet) *EntryBuilder {
	return b.add(w, Debit)
}

// Credit adds a credit of the transaction amount on w
func (b *EntryBuilder) Credit(w *Wallet) *EntryBuilder {
	return b.add(w, Credit)
}

func (b *EntryBuilder) add(w *Wallet, dir Direction) *EntryBuilder {
	if b.err != nil {
		return b
	}
	if w.Currency != b.txn.Amount.Currency {
		b.err = Validationf("wallet %s holds %s, transaction is in %s", w.ID, w.Currency, b.txn.Amount.Currency)
		return b
	}

	entry := &LedgerEntry{
		ID:            ulid.Make().String(),
		TransactionID: b.txn.ID,
		WalletID:      w.ID,
		Direction:     dir,
		Amount:        b.txn.Amount,
		CreatedAt:     b.at,
	}
	after := w.Balance.AmountMinor + entry.Signed()
	entry.BalanceAfter = money.New(after, w.Currency)

	if dir == Debit {
		b.debits += entry.Amount.AmountMinor
	} else {
		b.credits += entry.Amount.AmountMinor
	}
	b.entries = append(b.entries, entry)
	return b
}

// Build validates the entry set against the transaction type.
func (b *EntryBuilder) Build() ([]*LedgerEntry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.entries) == 0 {
		return nil, errors.New("transaction must have at least one entry")
	}

	switch b.txn.Type {
	case TypeTransfer:
		if len(b.entries) != 2 || b.debits != b.credits {
			return nil, errors.New("transfer must be one debit and one equal credit")
		}
		if b.entries[0].WalletID == b.entries[1].WalletID {
			return nil, errors.New("transfer must move between two wallets")
		}
	case TypeDeposit, TypeRefund:
		if len(b.entries) != 1 || b.credits != b.txn.Amount.AmountMinor {
			return nil, fmt.Errorf("%s must be a single credit of the transaction amount", b.txn.Type)
		}
	case TypeWithdrawal, TypePayment:
		if len(b.entries) != 1 || b.debits != b.txn.Amount.AmountMinor {
			return nil, fmt.Errorf("%s must be a single debit of the transaction amount", b.txn.Type)
		}
	default:
		return nil, fmt.Errorf("unknown transaction type %q", b.txn.Type)
	}

	if b.txn.Type != TypeTransfer && b.entries[0].WalletID != b.txn.WalletID {
		return nil, errors.New("entry must target the transaction wallet")
	}

	return b.entries, nil
}

// Deltas sums the signed movement per wallet.
func Deltas(entries []*LedgerEntry) map[string]int64 {
	deltas := make(map[string]int64)
	for _, e := range entries {
		deltas[e.WalletID] += e.Signed()
	}
	return deltas
}

// Replay recomputes a wallet balance from zero. It returns the first entry
// whose recorded balance_after disagrees with the running sum, if any.
func Replay(entries []*LedgerEntry) (int64, *LedgerEntry) {
	var balance int64
	var bad *LedgerEntry
	for _, e := range entries {
		balance += e.Signed()
		if bad == nil && e.BalanceAfter.AmountMinor != balance {
			bad = e
		}
	}
	return balance, bad
}
