package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"walletledger/internal/common/database"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger/domain"
)

const stuckReason = "processing timed out"

// Reconciler resolves transactions left in processing and checks that wallet
// balances match their ledger entries.
type Reconciler struct {
	svc    *Service
	repo   Repository
	cfg    Config
	logger *slog.Logger
}

// NewReconciler creates a reconciler sharing the service's repository and hooks
func NewReconciler(svc *Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		svc:    svc,
		repo:   svc.repo,
		cfg:    svc.cfg,
		logger: logger,
	}
}

// ResolveResult counts what one pass did.
type ResolveResult struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// ResolveStuck settles processing transactions last updated before
// now - StuckAfter. A transaction whose entries exist already committed and is
// marked succeeded; any other is failed.
func (r *Reconciler) ResolveStuck(ctx context.Context, now time.Time) (ResolveResult, error) {
	var res ResolveResult

	stuck, err := r.repo.ListStuck(ctx, now.Add(-r.cfg.StuckAfter), r.cfg.ReconcileBatch)
	if err != nil {
		return res, fmt.Errorf("listing stuck transactions: %w", err)
	}

	for _, txn := range stuck {
		entries, err := r.repo.EntriesForTransaction(ctx, txn.ID)
		if err != nil {
			return res, fmt.Errorf("loading entries for %s: %w", txn.ID, err)
		}

		resolved := txn.Clone()
		if len(entries) > 0 {
			err = resolved.MarkSucceeded()
		} else {
			captured := txn.Metadata[MetadataFundsCaptured] == "true"
			err = resolved.MarkFailed(domain.CodeInternal, stuckReason, captured)
		}
		if err != nil {
			res.Skipped++
			continue
		}

		if err := r.repo.UpdateTransaction(ctx, resolved, domain.StatusProcessing); err != nil {
			if errors.Is(err, database.ErrConflict) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("resolving %s: %w", txn.ID, err)
		}

		if resolved.Status == domain.StatusSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
		r.logger.Warn("stuck transaction resolved",
			"transaction_id", txn.ID,
			"status", resolved.Status,
			"stuck_since", txn.UpdatedAt,
			"requires_manual_review", resolved.RequiresManualReview,
		)
		r.svc.finish(ctx, resolved)
	}

	return res, nil
}

// Discrepancy is the result of replaying one wallet's entries.
type Discrepancy struct {
	WalletID        string      `json:"wallet_id"`
	StoredBalance   money.Money `json:"stored_balance"`
	ReplayedBalance money.Money `json:"replayed_balance"`
	EntryCount      int         `json:"entry_count"`
	// FirstMismatchEntryID names the first entry whose balance_after differs
	// from the running sum.
	FirstMismatchEntryID string    `json:"first_mismatch_entry_id,omitempty"`
	Balanced             bool      `json:"balanced"`
	CheckedAt            time.Time `json:"checked_at"`
}

// VerifyWallet replays the wallet's entries from zero and compares the result
// with the stored balance.
func (r *Reconciler) VerifyWallet(ctx context.Context, walletID string) (*Discrepancy, error) {
	w, err := r.svc.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	entries, err := r.repo.EntriesForWallet(ctx, walletID, nil)
	if err != nil {
		return nil, internalErr("loading entries", err)
	}

	replayed, bad := domain.Replay(entries)
	d := &Discrepancy{
		WalletID:        walletID,
		StoredBalance:   w.Balance,
		ReplayedBalance: money.New(replayed, w.Currency),
		EntryCount:      len(entries),
		Balanced:        replayed == w.Balance.AmountMinor && bad == nil,
		CheckedAt:       time.Now().UTC(),
	}
	if bad != nil {
		d.FirstMismatchEntryID = bad.ID
	}
	if !d.Balanced {
		r.logger.Error("wallet balance does not match ledger",
			"wallet_id", walletID,
			"stored", w.Balance.AmountMinor,
			"replayed", replayed,
			"first_mismatch_entry_id", d.FirstMismatchEntryID,
		)
	}
	return d, nil
}

// Run resolves stuck transactions every ReconcileInterval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", interval, "stuck_after", r.cfg.StuckAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case now := <-ticker.C:
			res, err := r.ResolveStuck(ctx, now)
			if err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
				continue
			}
			if res.Succeeded+res.Failed > 0 {
				r.logger.Info("reconciliation pass",
					"succeeded", res.Succeeded,
					"failed", res.Failed,
					"skipped", res.Skipped,
				)
			}
		}
	}
}
