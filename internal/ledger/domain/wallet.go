package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"walletledger/internal/common/money"
)

// WalletStatus represents the status of a wallet
type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletFrozen WalletStatus = "frozen"
	WalletClosed WalletStatus = "closed"
)

// Wallet is a single-currency balance owned by one user.
type Wallet struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Currency       money.Currency `json:"currency"`
	Balance        money.Money    `json:"balance"`
	Status         WalletStatus   `json:"status"`
	AllowOverdraft bool           `json:"allow_overdraft"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewWallet creates an active, empty wallet
func NewWallet(id, ownerID string, currency money.Currency) (*Wallet, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if ownerID == "" {
		return nil, Validationf("owner_id is required")
	}
	if _, ok := money.GetCurrencyInfo(currency); !ok {
		return nil, Validationf("unsupported currency %q", currency)
	}

	now := time.Now().UTC()
	return &Wallet{
		ID:        id,
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   money.Zero(currency),
		Status:    WalletActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsActive returns true if the wallet accepts balance changes
func (w *Wallet) IsActive() bool {
	return w.Status == WalletActive
}

// CheckDelta reports the balance that applying delta would produce, or why it
// cannot be applied.
func (w *Wallet) CheckDelta(delta int64) (int64, error) {
	if !w.IsActive() {
		return 0, fmt.Errorf("%w: wallet %s is %s", ErrWalletNotActive, w.ID, w.Status)
	}
	next := w.Balance.AmountMinor + delta
	if (delta > 0 && next < w.Balance.AmountMinor) || (delta < 0 && next > w.Balance.AmountMinor) {
		return 0, fmt.Errorf("%w: balance of wallet %s would overflow", ErrValidation, w.ID)
	}
	if next < 0 && !w.AllowOverdraft {
		return 0, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds,
			w.Balance.Major(), money.New(-delta, w.Currency).Major())
	}
	return next, nil
}

// ApplyDelta mutates the balance and bumps the version.
func (w *Wallet) ApplyDelta(delta int64, at time.Time) error {
	next, err := w.CheckDelta(delta)
	if err != nil {
		return err
	}
	w.Balance = money.New(next, w.Currency)
	w.Version++
	w.UpdatedAt = at
	return nil
}

// TransitionTo changes the wallet status. Closed wallets never reopen and a
// wallet can only close once its balance is zero.
func (w *Wallet) TransitionTo(status WalletStatus, at time.Time) error {
	if w.Status == status {
		return nil
	}
	switch status {
	case WalletActive, WalletFrozen:
		if w.Status == WalletClosed {
			return fmt.Errorf("%w: wallet %s is closed", ErrWalletNotActive, w.ID)
		}
	case WalletClosed:
		if !w.Balance.IsZero() {
			return Validationf("wallet %s still holds %s", w.ID, w.Balance.Major())
		}
	default:
		return Validationf("unknown wallet status %q", status)
	}
	w.Status = status
	w.Version++
	w.UpdatedAt = at
	return nil
}

// Balance is the read model returned by balance queries.
type Balance struct {
	WalletID string         `json:"wallet_id"`
	Balance  money.Money    `json:"balance"`
	Currency money.Currency `json:"currency"`
	Status   WalletStatus   `json:"status"`
	Version  int64          `json:"version"`
	AsOf     time.Time      `json:"as_of"`
}

// Snapshot returns the wallet's balance read model.
func (w *Wallet) Snapshot() Balance {
	return Balance{
		WalletID: w.ID,
		Balance:  w.Balance,
		Currency: w.Currency,
		Status:   w.Status,
		Version:  w.Version,
		AsOf:     w.UpdatedAt,
	}
}

// LockOrder returns the distinct wallet ids in the global order in which
// multi-wallet operations must touch them.
func LockOrder(walletIDs ...string) []string {
	seen := make(map[string]struct{}, len(walletIDs))
	ordered := make([]string, 0, len(walletIDs))
	for _, id := range walletIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	return ordered
}
