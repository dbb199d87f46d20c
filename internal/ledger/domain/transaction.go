package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"walletledger/internal/common/money"
)

// TransactionType identifies the kind of money movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypePayment    TransactionType = "payment"
	TypeTransfer   TransactionType = "transfer"
	TypeRefund     TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypePayment, TypeTransfer, TypeRefund:
		return true
	}
	return false
}

// TransactionStatus represents the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusSucceeded  TransactionStatus = "succeeded"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses no transition leaves.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Transaction is a requested money movement and its lifecycle state.
type Transaction struct {
	ID                   string            `json:"id"`
	WalletID             string            `json:"wallet_id"`
	CounterpartyWalletID string            `json:"counterparty_wallet_id,omitempty"`
	UserID               string            `json:"user_id"`
	Type                 TransactionType   `json:"type"`
	Amount               money.Money       `json:"amount"`
	Status               TransactionStatus `json:"status"`
	Description          string            `json:"description,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	IdempotencyKey       string            `json:"idempotency_key"`

	// External rail descriptors
	Source        string `json:"source,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	Destination   string `json:"destination,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`

	FailureCode          string `json:"failure_code,omitempty"`
	FailureReason        string `json:"failure_reason,omitempty"`
	RequiresManualReview bool   `json:"requires_manual_review"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTransaction creates a pending transaction.
func NewTransaction(id string, txnType TransactionType, walletID, userID string, amount money.Money, idempotencyKey string) (*Transaction, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if !txnType.Valid() {
		return nil, Validationf("unknown transaction type %q", txnType)
	}
	if walletID == "" {
		return nil, Validationf("wallet_id is required")
	}
	if !amount.IsPositive() {
		return nil, Validationf("amount must be positive")
	}
	if amount.AmountMinor > money.MaxMinor {
		return nil, Validationf("amount exceeds the largest supported value")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, Validationf("idempotency key is required")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:             id,
		WalletID:       walletID,
		UserID:         userID,
		Type:           txnType,
		Amount:         amount,
		Status:         StatusPending,
		Metadata:       make(map[string]string),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsTerminal returns true if the transaction can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

func (t *Transaction) transition(to TransactionStatus, from ...TransactionStatus) error {
	for _, s := range from {
		if t.Status == s {
			t.Status = to
			t.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

func (t *Transaction) complete() {
	at := t.UpdatedAt
	t.CompletedAt = &at
}

// MarkProcessing moves a pending transaction into execution.
func (t *Transaction) MarkProcessing() error {
	return t.transition(StatusProcessing, StatusPending)
}

// MarkSucceeded records the commit point.
func (t *Transaction) MarkSucceeded() error {
	if err := t.transition(StatusSucceeded, StatusProcessing); err != nil {
		return err
	}
	t.complete()
	return nil
}

// MarkFailed records a failure after processing started.
func (t *Transaction) MarkFailed(code, reason string, manualReview bool) error {
	if err := t.transition(StatusFailed, StatusProcessing); err != nil {
		return err
	}
	t.FailureCode = code
	t.FailureReason = reason
	t.RequiresManualReview = manualReview
	t.complete()
	return nil
}

// MarkCancelled cancels a transaction that has not committed.
func (t *Transaction) MarkCancelled(reason string) error {
	if err := t.transition(StatusCancelled, StatusPending, StatusProcessing); err != nil {
		return err
	}
	t.FailureReason = reason
	t.complete()
	return nil
}

// Err rebuilds the taxonomy error of a failed transaction.
func (t *Transaction) Err() error {
	if t.Status != StatusFailed {
		return nil
	}
	kind := KindFromCode(t.FailureCode)
	if t.FailureReason == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, t.FailureReason)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Fingerprint binds an idempotency key to the parameters of one operation.
func (t *Transaction) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		string(t.Type),
		t.WalletID,
		t.CounterpartyWalletID,
		strconv.FormatInt(t.Amount.AmountMinor, 10),
		string(t.Amount.Currency),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyScope is the key space a transaction's idempotency key lives in.
func (t *Transaction) IdempotencyScope() string {
	return string(t.Type)
}

// ProviderKey derives the idempotency key of a payment provider confirmation.
func ProviderKey(provider, reference string) string {
	return strings.ToLower(provider) + ":" + reference
}
