package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"walletledger/internal/audit"
	"walletledger/internal/common/database"
	"walletledger/internal/common/events"
	"walletledger/internal/common/middleware"
	"walletledger/internal/common/money"
	"walletledger/internal/ledger/domain"
)

// MetadataFundsCaptured marks a deposit whose funds a payment provider has
// already captured. Such deposits are flagged for manual review when they fail.
const MetadataFundsCaptured = "funds_captured"

const maxIdempotencyKeyLen = 255

// Config holds ledger engine settings
type Config struct {
	MaxCommitAttempts int           `envconfig:"LEDGER_MAX_COMMIT_ATTEMPTS" default:"5"`
	RetryBackoff      time.Duration `envconfig:"LEDGER_RETRY_BACKOFF" default:"10ms"`
	StuckAfter        time.Duration `envconfig:"LEDGER_STUCK_AFTER" default:"30s"`
	ReconcileInterval time.Duration `envconfig:"LEDGER_RECONCILE_INTERVAL" default:"15s"`
	ReconcileBatch    int           `envconfig:"LEDGER_RECONCILE_BATCH" default:"100"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		MaxCommitAttempts: 5,
		RetryBackoff:      10 * time.Millisecond,
		StuckAfter:        30 * time.Second,
		ReconcileInterval: 15 * time.Second,
		ReconcileBatch:    100,
	}
}

// BalanceCache stores balance snapshots. Get returns nil on a miss.
type BalanceCache interface {
	Get(ctx context.Context, walletID string) (*domain.Balance, error)
	Set(ctx context.Context, b domain.Balance) error
	Invalidate(ctx context.Context, walletIDs ...string) error
}

// Auditor receives audit entries. Recording never fails the caller.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Service provides wallet ledger operations
type Service struct {
	repo      Repository
	cfg       Config
	logger    *slog.Logger
	publisher events.EventPublisher
	cache     BalanceCache
	auditor   Auditor
}

// Option configures optional collaborators of the service.
type Option func(*Service)

// WithPublisher publishes transaction and wallet events.
func WithPublisher(p events.EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithBalanceCache reads balances through c.
func WithBalanceCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithAuditor records audit entries for wallet and transaction outcomes.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// NewService creates a new ledger service
func NewService(repo Repository, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = 1
	}
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// errSuperseded aborts a commit whose transaction was moved by someone else.
var errSuperseded = errors.New("transaction no longer processing")

func internalErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrInternal, err)
}

// CreateWalletRequest is the request to open a wallet
type CreateWalletRequest struct {
	OwnerID        string
	Currency       money.Currency
	AllowOverdraft bool
}

// CreateWallet opens the owner's wallet. Each owner has at most one.
func (s *Service) CreateWallet(ctx context.Context, req CreateWalletRequest) (*domain.Wallet, error) {
	w, err := domain.NewWallet(ulid.Make().String(), req.OwnerID, req.Currency)
	if err != nil {
		return nil, err
	}
	w.AllowOverdraft = req.AllowOverdraft

	if err := s.repo.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, err
		}
		return nil, internalErr("creating wallet", err)
	}

	s.logger.Info("wallet created",
		"wallet_id", w.ID,
		"owner_id", w.OwnerID,
		"currency", w.Currency,
	)
	s.publishWallet(ctx, events.EventWalletCreated, w)
	s.record(ctx, audit.Entry{
		UserID:     w.OwnerID,
		Action:     audit.ActionWalletCreated,
		Resource:   audit.ResourceWallet,
		ResourceID: w.ID,
		Metadata:   map[string]any{"currency": w.Currency},
	})
	return w, nil
}

// GetWallet retrieves a wallet by ID
func (s *Service) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	w, err := s.repo.GetWallet(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWalletNotFound, id)
		}
		return nil, internalErr("loading wallet", err)
	}
	return w, nil
}

// GetWalletByOwner retrieves the wallet owned by ownerID
func (s *Service) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	w, err := s.repo.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: no wallet for user %s", domain.ErrWalletNotFound, ownerID)
		}
		return nil, internalErr("loading wallet", err)
	}
	return w, nil
}

// Freeze stops all balance changes on a wallet
func (s *Service) Freeze(ctx context.Context, id string) (*domain.Wallet, error) {
	return s.changeStatus(ctx, id, domain.WalletFrozen)
}

// Unfreeze reactivates a frozen wallet
func (s *Service) Unfreeze(ctx context.Context, id string) (*domain.Wallet, error) {
	return s.changeStatus(ctx, id, domain.WalletActive)
}

// Close permanently closes an empty wallet
func (s *Service) Close(ctx context.Context, id string) (*domain.Wallet, error) {
	return s.changeStatus(ctx, id, domain.WalletClosed)
}

func (s *Service) changeStatus(ctx context.Context, id string, status domain.WalletStatus) (*domain.Wallet, error) {
	var updated *domain.Wallet
	var from domain.WalletStatus
	err := database.RetryOn(ctx, s.cfg.MaxCommitAttempts, s.cfg.RetryBackoff, isRetryable, func() error {
		w, err := s.GetWallet(ctx, id)
		if err != nil {
			return err
		}
		from = w.Status
		expected := w.Version
		if err := w.TransitionTo(status, time.Now().UTC()); err != nil {
			return err
		}
		if w.Version == expected {
			updated = w
			return nil
		}
		if err := s.repo.UpdateWalletStatus(ctx, w, expected); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: wallet %s kept changing", domain.ErrConcurrencyConflict, id)
		}
		if domain.Code(err) != domain.CodeInternal || errors.Is(err, domain.ErrInternal) {
			return nil, err
		}
		return nil, internalErr("updating wallet status", err)
	}
	if from == updated.Status {
		return updated, nil
	}

	s.invalidate(ctx, id)
	s.logger.Info("wallet status changed",
		"wallet_id", id,
		"from", from,
		"to", updated.Status,
	)
	s.publishWallet(ctx, events.EventWalletStatusChanged, updated)
	s.record(ctx, audit.Entry{
		UserID:     middleware.GetUserID(ctx),
		Action:     audit.ActionWalletStatusChanged,
		Resource:   audit.ResourceWallet,
		ResourceID: id,
		Metadata:   map[string]any{"from": from, "to": updated.Status},
	})
	return updated, nil
}

// GetBalance returns the wallet's balance snapshot, served from the cache
// when one is configured.
func (s *Service) GetBalance(ctx context.Context, walletID string) (*domain.Balance, error) {
	if s.cache != nil {
		b, err := s.cache.Get(ctx, walletID)
		if err != nil {
			s.logger.Warn("balance cache read failed", "wallet_id", walletID, "error", err)
		} else if b != nil {
			return b, nil
		}
	}

	w, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	b := w.Snapshot()

	if s.cache != nil {
		if err := s.cache.Set(ctx, b); err != nil {
			s.logger.Warn("balance cache write failed", "wallet_id", walletID, "error", err)
		}
	}
	return &b, nil
}

// DepositRequest credits a wallet
type DepositRequest struct {
	WalletID       string
	UserID         string
	Amount         money.Money
	Source         string
	SourceID       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string

	// Captured is set when a payment provider has already taken the funds.
	// The wallet is then credited even if that can only fail, so the failure
	// is recorded for review.
	Captured bool
}

// WithdrawRequest debits a wallet
type WithdrawRequest struct {
	WalletID       string
	UserID         string
	Amount         money.Money
	Destination    string
	DestinationID  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransferRequest moves funds between two wallets. The destination is
// ToWalletID when set, otherwise the wallet owned by ToUserID.
type TransferRequest struct {
	FromWalletID   string
	ToUserID       string
	ToWalletID     string
	UserID         string
	Amount         money.Money
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Deposit credits a wallet
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*domain.Transaction, error) {
	txn, err := s.newDeposit(req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, txn, req.Captured)
}

// InitiateDeposit records a pending deposit awaiting provider confirmation. A
// later Deposit with the same key and parameters executes it.
func (s *Service) InitiateDeposit(ctx context.Context, req DepositRequest) (*domain.Transaction, error) {
	txn, err := s.newDeposit(req)
	if err != nil {
		return nil, err
	}
	wallets, err := s.prepare(ctx, txn)
	if err != nil {
		return nil, err
	}
	if err := checkActive(wallets); err != nil {
		return nil, err
	}

	existing, err := s.repo.Reserve(ctx, txn, txn.Fingerprint())
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			return nil, err
		}
		return nil, internalErr("reserving idempotency key", err)
	}
	if existing != nil {
		return existing, nil
	}

	s.logger.Info("deposit initiated",
		"transaction_id", txn.ID,
		"wallet_id", txn.WalletID,
		"idempotency_key", txn.IdempotencyKey,
		"source", txn.Source,
	)
	s.recordTransaction(ctx, audit.ActionDepositInitiated, txn)
	return txn, nil
}

func (s *Service) newDeposit(req DepositRequest) (*domain.Transaction, error) {
	txn, err := domain.NewTransaction(ulid.Make().String(), domain.TypeDeposit, req.WalletID, req.UserID, req.Amount, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	txn.Source = req.Source
	txn.SourceID = req.SourceID
	txn.Description = req.Description
	copyMetadata(txn, req.Metadata)
	return txn, nil
}

// Withdraw debits a wallet. Funds are checked at commit time.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.Transaction, error) {
	txn, err := domain.NewTransaction(ulid.Make().String(), domain.TypeWithdrawal, req.WalletID, req.UserID, req.Amount, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	txn.Destination = req.Destination
	txn.DestinationID = req.DestinationID
	txn.Description = req.Description
	copyMetadata(txn, req.Metadata)
	return s.run(ctx, txn, false)
}

// Transfer debits the source wallet and credits the destination atomically.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	toWalletID := req.ToWalletID
	if toWalletID == "" {
		if req.ToUserID == "" {
			return nil, domain.Validationf("destination user or wallet is required")
		}
		dest, err := s.GetWalletByOwner(ctx, req.ToUserID)
		if err != nil {
			return nil, err
		}
		toWalletID = dest.ID
	}
	if toWalletID == req.FromWalletID {
		return nil, domain.Validationf("cannot transfer to the source wallet")
	}

	txn, err := domain.NewTransaction(ulid.Make().String(), domain.TypeTransfer, req.FromWalletID, req.UserID, req.Amount, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	txn.CounterpartyWalletID = toWalletID
	txn.Description = req.Description
	copyMetadata(txn, req.Metadata)
	return s.run(ctx, txn, false)
}

func copyMetadata(txn *domain.Transaction, md map[string]string) {
	for k, v := range md {
		txn.Metadata[k] = v
	}
}

func participants(txn *domain.Transaction) []string {
	if txn.CounterpartyWalletID == "" {
		return []string{txn.WalletID}
	}
	return domain.LockOrder(txn.WalletID, txn.CounterpartyWalletID)
}

// prepare validates txn against the wallets it touches. Failures here happen
// before any transaction exists.
func (s *Service) prepare(ctx context.Context, txn *domain.Transaction) (map[string]*domain.Wallet, error) {
	if len(txn.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, domain.Validationf("idempotency key longer than %d characters", maxIdempotencyKeyLen)
	}

	wallets := make(map[string]*domain.Wallet, 2)
	for _, id := range participants(txn) {
		w, err := s.GetWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Currency != txn.Amount.Currency {
			return nil, domain.Validationf("wallet %s holds %s, not %s", w.ID, w.Currency, txn.Amount.Currency)
		}
		wallets[id] = w
	}
	return wallets, nil
}

func checkActive(wallets map[string]*domain.Wallet) error {
	for _, w := range wallets {
		if !w.IsActive() {
			return fmt.Errorf("%w: wallet %s is %s", domain.ErrWalletNotActive, w.ID, w.Status)
		}
	}
	return nil
}

// run executes a new transaction request end to end.
func (s *Service) run(ctx context.Context, txn *domain.Transaction, captured bool) (*domain.Transaction, error) {
	wallets, err := s.prepare(ctx, txn)
	if err != nil {
		return nil, err
	}

	fingerprint := txn.Fingerprint()
	existing, storedFingerprint, err := s.repo.GetByIdempotencyKey(ctx, txn.IdempotencyScope(), txn.IdempotencyKey)
	switch {
	case err == nil:
		if storedFingerprint != fingerprint {
			return nil, fmt.Errorf("%w: key %q", domain.ErrIdempotencyConflict, txn.IdempotencyKey)
		}
		return s.resume(ctx, existing, txn.Metadata, captured)
	case !database.IsNotFound(err):
		return nil, internalErr("looking up idempotency key", err)
	}

	if !captured {
		if err := checkActive(wallets); err != nil {
			return nil, err
		}
	}

	existing, err = s.repo.Reserve(ctx, txn, fingerprint)
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			return nil, err
		}
		return nil, internalErr("reserving idempotency key", err)
	}
	if existing != nil {
		// Lost the reservation race to a concurrent request with the same key.
		return s.resume(ctx, existing, txn.Metadata, captured)
	}

	return s.process(ctx, txn, nil, captured)
}

// resume handles a request whose key is already held. Settled transactions
// are returned as stored; a pending one is claimed and executed with the
// request's metadata merged in.
func (s *Service) resume(ctx context.Context, existing *domain.Transaction, md map[string]string, captured bool) (*domain.Transaction, error) {
	if existing.Status != domain.StatusPending {
		s.logger.Info("idempotent replay",
			"transaction_id", existing.ID,
			"idempotency_key", existing.IdempotencyKey,
			"status", existing.Status,
		)
		return existing, nil
	}
	return s.process(ctx, existing, md, captured)
}

// process claims a pending transaction and drives it to a terminal state.
func (s *Service) process(ctx context.Context, txn *domain.Transaction, md map[string]string, captured bool) (*domain.Transaction, error) {
	claimed := txn.Clone()
	if claimed.Metadata == nil {
		claimed.Metadata = make(map[string]string)
	}
	copyMetadata(claimed, md)
	if captured {
		claimed.Metadata[MetadataFundsCaptured] = "true"
	}
	if err := claimed.MarkProcessing(); err != nil {
		return txn, nil
	}
	if err := s.repo.UpdateTransaction(ctx, claimed, domain.StatusPending); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return s.reload(ctx, txn.ID)
		}
		return nil, internalErr("claiming transaction", err)
	}

	attempt := 0
	var done *domain.Transaction
	err := database.RetryOn(ctx, s.cfg.MaxCommitAttempts, s.cfg.RetryBackoff, isRetryable, func() error {
		attempt++
		var err error
		done, err = s.commit(ctx, claimed)
		if err != nil && isRetryable(err) {
			s.logger.Debug("commit conflict, retrying",
				"transaction_id", claimed.ID,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})

	// The outcome is recorded even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		s.logger.Info("transaction succeeded",
			"transaction_id", done.ID,
			"type", done.Type,
			"wallet_id", done.WalletID,
			"amount", done.Amount.AmountMinor,
			"currency", done.Amount.Currency,
			"attempts", attempt,
		)
		s.finish(ctx, done)
		return done, nil
	case errors.Is(err, errSuperseded):
		return s.reload(ctx, claimed.ID)
	default:
		return s.fail(ctx, claimed, err)
	}
}

// commit applies the transaction against freshly loaded wallet versions.
func (s *Service) commit(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	ids := participants(txn)
	wallets := make(map[string]*domain.Wallet, len(ids))
	for _, id := range ids {
		w, err := s.GetWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	if err := checkActive(wallets); err != nil {
		return nil, err
	}

	builder := domain.NewEntryBuilder(txn)
	switch txn.Type {
	case domain.TypeDeposit, domain.TypeRefund:
		builder.Credit(wallets[txn.WalletID])
	case domain.TypeWithdrawal, domain.TypePayment:
		builder.Debit(wallets[txn.WalletID])
	case domain.TypeTransfer:
		builder.Debit(wallets[txn.WalletID]).Credit(wallets[txn.CounterpartyWalletID])
	}
	entries, err := builder.Build()
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		return nil, internalErr("building entries", err)
	}

	deltas := domain.Deltas(entries)
	for _, id := range ids {
		if _, err := wallets[id].CheckDelta(deltas[id]); err != nil {
			return nil, err
		}
	}

	done := txn.Clone()
	if err := done.MarkSucceeded(); err != nil {
		return nil, internalErr("completing transaction", err)
	}

	err = s.repo.RunInTx(ctx, func(tx TxRepository) error {
		for _, id := range ids {
			if _, err := tx.ApplyDelta(ctx, id, deltas[id], wallets[id].Version); err != nil {
				return err
			}
		}
		if err := tx.AppendEntries(ctx, txn.ID, entries); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, done, domain.StatusProcessing); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return errSuperseded
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, database.ErrConflict) || database.IsSerializationFailure(err)
}

// fail moves a processing transaction to failed with the kind of cause.
func (s *Service) fail(ctx context.Context, txn *domain.Transaction, cause error) (*domain.Transaction, error) {
	code, reason := failureOf(cause)
	manualReview := txn.Metadata[MetadataFundsCaptured] == "true"

	failed := txn.Clone()
	if err := failed.MarkFailed(code, reason, manualReview); err != nil {
		return nil, internalErr("failing transaction", err)
	}
	if err := s.repo.UpdateTransaction(ctx, failed, domain.StatusProcessing); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return s.reload(ctx, txn.ID)
		}
		return nil, internalErr("recording transaction failure", err)
	}

	level := slog.LevelInfo
	if code == domain.CodeInternal || manualReview {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "transaction failed",
		"transaction_id", failed.ID,
		"type", failed.Type,
		"wallet_id", failed.WalletID,
		"failure_code", code,
		"requires_manual_review", manualReview,
		"error", cause,
	)
	s.finish(ctx, failed)
	return failed, nil
}

// failureOf maps a commit error to the code and client-safe reason stored on
// the failed transaction.
func failureOf(err error) (string, string) {
	switch {
	case errors.Is(err, database.ErrConflict), database.IsSerializationFailure(err):
		return domain.CodeInternal, "concurrent updates exhausted commit retries"
	case errors.Is(err, domain.ErrInternal):
		return domain.CodeInternal, "internal error"
	}
	code := domain.Code(err)
	if code == domain.CodeInternal {
		return code, "internal error"
	}
	return code, domain.Detail(err)
}

func (s *Service) reload(ctx context.Context, id string) (*domain.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, internalErr("reloading transaction", err)
	}
	return txn, nil
}

// RejectPending fails a pending transaction on behalf of an external
// provider. Transactions that already left pending are returned unchanged.
func (s *Service) RejectPending(ctx context.Context, txnType domain.TransactionType, key, reason string) (*domain.Transaction, error) {
	txn, _, err := s.repo.GetByIdempotencyKey(ctx, string(txnType), key)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, internalErr("looking up idempotency key", err)
	}
	if txn.Status != domain.StatusPending {
		return txn, nil
	}

	claimed := txn.Clone()
	if err := claimed.MarkProcessing(); err != nil {
		return txn, nil
	}
	if err := s.repo.UpdateTransaction(ctx, claimed, domain.StatusPending); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return s.reload(ctx, txn.ID)
		}
		return nil, internalErr("claiming transaction", err)
	}
	return s.fail(ctx, claimed, fmt.Errorf("%w: %s", domain.ErrExternalProvider, reason))
}

// Cancel cancels a transaction that has not committed. Terminal transactions
// are returned with database.ErrConflict.
func (s *Service) Cancel(ctx context.Context, id, userID, reason string) (*domain.Transaction, error) {
	txn, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && txn.UserID != userID {
		return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}

	for !txn.IsTerminal() {
		from := txn.Status
		cancelled := txn.Clone()
		if err := cancelled.MarkCancelled(reason); err != nil {
			return nil, internalErr("cancelling transaction", err)
		}
		err := s.repo.UpdateTransaction(ctx, cancelled, from)
		if err == nil {
			s.logger.Info("transaction cancelled",
				"transaction_id", id,
				"from", from,
			)
			s.finish(ctx, cancelled)
			return cancelled, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, internalErr("cancelling transaction", err)
		}
		// Moved underneath us, typically pending to processing.
		if txn, err = s.reload(ctx, id); err != nil {
			return nil, err
		}
	}
	return txn, fmt.Errorf("transaction %s is %s: %w", id, txn.Status, database.ErrConflict)
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
		}
		return nil, internalErr("loading transaction", err)
	}
	return txn, nil
}

// ListTransactions returns a page of transactions, newest first unless the
// query asks for ascending order.
func (s *Service) ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, int64, error) {
	if q.WalletID == "" && q.UserID == "" {
		return nil, 0, domain.Validationf("wallet or user is required")
	}
	if q.WalletID != "" {
		if _, err := s.GetWallet(ctx, q.WalletID); err != nil {
			return nil, 0, err
		}
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Order != OrderAsc {
		q.Order = OrderDesc
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return nil, 0, domain.Validationf("unknown transaction type %q", t)
		}
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, 0, domain.Validationf("unknown transaction status %q", st)
		}
	}

	txns, total, err := s.repo.ListTransactions(ctx, q)
	if err != nil {
		return nil, 0, internalErr("listing transactions", err)
	}
	return txns, total, nil
}

// EntriesForWallet returns the wallet's ledger entries in append order.
func (s *Service) EntriesForWallet(ctx context.Context, walletID string, since *time.Time) ([]*domain.LedgerEntry, error) {
	if _, err := s.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	entries, err := s.repo.EntriesForWallet(ctx, walletID, since)
	if err != nil {
		return nil, internalErr("loading entries", err)
	}
	return entries, nil
}

// finish runs the best-effort side effects of a terminal transaction.
func (s *Service) finish(ctx context.Context, txn *domain.Transaction) {
	if txn.Status == domain.StatusSucceeded {
		s.invalidate(ctx, participants(txn)...)
	}

	var eventType, action string
	switch txn.Status {
	case domain.StatusSucceeded:
		eventType, action = events.EventTransactionSucceeded, audit.ActionTransactionSucceeded
	case domain.StatusFailed:
		eventType, action = events.EventTransactionFailed, audit.ActionTransactionFailed
	case domain.StatusCancelled:
		eventType, action = events.EventTransactionCancelled, audit.ActionTransactionCancelled
	default:
		return
	}
	s.publishTransaction(ctx, eventType, txn)
	s.recordTransaction(ctx, action, txn)
}

func (s *Service) invalidate(ctx context.Context, walletIDs ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, walletIDs...); err != nil {
		s.logger.Warn("balance cache invalidation failed", "wallet_ids", walletIDs, "error", err)
	}
}

func (s *Service) publishTransaction(ctx context.Context, eventType string, txn *domain.Transaction) {
	s.publish(ctx, eventType, events.AggregateTransaction, txn.ID, events.TransactionEventData{
		TransactionID:        txn.ID,
		WalletID:             txn.WalletID,
		CounterpartyWalletID: txn.CounterpartyWalletID,
		Type:                 string(txn.Type),
		Status:               string(txn.Status),
		AmountMinor:          txn.Amount.AmountMinor,
		Currency:             string(txn.Amount.Currency),
		FailureCode:          txn.FailureCode,
		RequiresManualReview: txn.RequiresManualReview,
	})
}

func (s *Service) publishWallet(ctx context.Context, eventType string, w *domain.Wallet) {
	s.publish(ctx, eventType, events.AggregateWallet, w.ID, events.WalletEventData{
		WalletID: w.ID,
		OwnerID:  w.OwnerID,
		Currency: string(w.Currency),
		Status:   string(w.Status),
	})
}

func (s *Service) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			"type", eventType,
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
}

func (s *Service) recordTransaction(ctx context.Context, action string, txn *domain.Transaction) {
	md := map[string]any{
		"type":         txn.Type,
		"status":       txn.Status,
		"amount_minor": txn.Amount.AmountMinor,
		"currency":     txn.Amount.Currency,
		"wallet_id":    txn.WalletID,
	}
	if txn.CounterpartyWalletID != "" {
		md["counterparty_wallet_id"] = txn.CounterpartyWalletID
	}
	if txn.FailureCode != "" {
		md["failure_code"] = txn.FailureCode
		md["requires_manual_review"] = txn.RequiresManualReview
	}
	s.record(ctx, audit.Entry{
		UserID:     txn.UserID,
		Action:     action,
		Resource:   audit.ResourceTransaction,
		ResourceID: txn.ID,
		Metadata:   md,
	})
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, entry)
}
