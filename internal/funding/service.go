// Package funding routes payment provider activity into wallet deposits.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"walletledger/internal/audit"
	"walletledger/internal/common/database"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

// Metadata keys set on provider deposits
const (
	MetadataProvider  = "provider"
	MetadataCaptureID = "capture_id"
	MetadataOrderID   = "order_id"
)

// Ledger is the part of the wallet service funding drives.
type Ledger interface {
	InitiateDeposit(ctx context.Context, req ledger.DepositRequest) (*domain.Transaction, error)
	Deposit(ctx context.Context, req ledger.DepositRequest) (*domain.Transaction, error)
	RejectPending(ctx context.Context, txnType domain.TransactionType, key, reason string) (*domain.Transaction, error)
}

var _ Ledger = (*ledger.Service)(nil)

// Service handles provider-funded deposits.
type Service struct {
	ledger  Ledger
	auditor ledger.Auditor
	logger  *slog.Logger
}

// NewService creates a new funding service. auditor may be nil.
func NewService(l Ledger, auditor ledger.Auditor, logger *slog.Logger) *Service {
	return &Service{
		ledger:  l,
		auditor: auditor,
		logger:  logger,
	}
}

// InitiateRequest starts a deposit that a provider will confirm later.
type InitiateRequest struct {
	WalletID    string
	UserID      string
	Amount      money.Money
	Provider    string
	ProviderRef string
	Description string
}

// InitiateDeposit records a pending deposit keyed by the provider reference.
// Repeating the call returns the same transaction.
func (s *Service) InitiateDeposit(ctx context.Context, req InitiateRequest) (*domain.Transaction, error) {
	provider, err := normalizeProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.ProviderRef == "" {
		return nil, domain.Validationf("provider reference is required")
	}

	txn, err := s.ledger.InitiateDeposit(ctx, ledger.DepositRequest{
		WalletID:       req.WalletID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Source:         provider,
		SourceID:       req.ProviderRef,
		Description:    req.Description,
		Metadata:       map[string]string{MetadataProvider: provider},
		IdempotencyKey: domain.ProviderKey(provider, req.ProviderRef),
	})
	if err != nil {
		return nil, fmt.Errorf("initiating %s deposit: %w", provider, err)
	}
	return txn, nil
}

// Capture is a provider confirmation that funds were taken.
type Capture struct {
	Provider   string
	CaptureRef string
	// OrderRef is the reference the deposit was initiated with, when the
	// provider distinguishes orders from captures.
	OrderRef string
	WalletID string
	UserID   string
	Amount   money.Money
}

// Reference is the provider reference the deposit key derives from.
func (c Capture) Reference() string {
	if c.OrderRef != "" {
		return c.OrderRef
	}
	return c.CaptureRef
}

// SettleCapture credits the wallet for a confirmed capture. A pending deposit
// initiated under the same reference is claimed; a redelivered confirmation
// returns the stored outcome.
func (s *Service) SettleCapture(ctx context.Context, c Capture) (*domain.Transaction, error) {
	provider, err := normalizeProvider(c.Provider)
	if err != nil {
		return nil, err
	}
	if c.CaptureRef == "" {
		return nil, domain.Validationf("capture reference is required")
	}

	md := map[string]string{
		MetadataProvider:  provider,
		MetadataCaptureID: c.CaptureRef,
	}
	if c.OrderRef != "" {
		md[MetadataOrderID] = c.OrderRef
	}

	txn, err := s.ledger.Deposit(ctx, ledger.DepositRequest{
		WalletID:       c.WalletID,
		UserID:         c.UserID,
		Amount:         c.Amount,
		Source:         provider,
		SourceID:       c.CaptureRef,
		Metadata:       md,
		IdempotencyKey: domain.ProviderKey(provider, c.Reference()),
		Captured:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("settling %s capture %s: %w", provider, c.CaptureRef, err)
	}

	if txn.RequiresManualReview {
		s.logger.Error("captured funds could not be credited",
			"provider", provider,
			"capture_id", c.CaptureRef,
			"transaction_id", txn.ID,
			"wallet_id", txn.WalletID,
			"failure_code", txn.FailureCode,
		)
	}
	return txn, nil
}

// RejectCapture fails the pending deposit for a provider-reported failure.
// It returns nil, nil when no deposit was initiated under ref.
func (s *Service) RejectCapture(ctx context.Context, provider, ref, reason string) (*domain.Transaction, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "payment failed at provider"
	}

	txn, err := s.ledger.RejectPending(ctx, domain.TypeDeposit, domain.ProviderKey(provider, ref), reason)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Info("provider failure for unknown deposit",
				"provider", provider,
				"reference", ref,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("rejecting %s deposit %s: %w", provider, ref, err)
	}
	return txn, nil
}

// Webhook describes one received provider notification.
type Webhook struct {
	Provider  string
	EventID   string
	EventType string
	Accepted  bool
	Reason    string
}

// RecordWebhook audits a webhook receipt.
func (s *Service) RecordWebhook(ctx context.Context, wh Webhook) {
	if s.auditor == nil {
		return
	}
	action := audit.ActionWebhookReceived
	md := map[string]any{
		"provider":   wh.Provider,
		"event_type": wh.EventType,
	}
	if !wh.Accepted {
		action = audit.ActionWebhookRejected
		md["reason"] = wh.Reason
	}
	s.auditor.Record(ctx, audit.Entry{
		Action:     action,
		Resource:   audit.ResourceWebhook,
		ResourceID: wh.EventID,
		Metadata:   md,
	})
}

func normalizeProvider(provider string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return "", domain.Validationf("provider is required")
	}
	return p, nil
}
