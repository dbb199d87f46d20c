package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"walletledger/internal/common/api"
	"walletledger/internal/common/database"
	"walletledger/internal/common/middleware"
	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

// DepositRequest is the API request for crediting a wallet. When Provider is
// set the deposit is recorded as pending until the provider confirms it.
type DepositRequest struct {
	Amount         string            `json:"amount" validate:"required,numeric"`
	Currency       string            `json:"currency" validate:"omitempty,iso4217"`
	Description    string            `json:"description" validate:"max=500"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key" validate:"max=255"`
	Source         string            `json:"source" validate:"max=50"`
	SourceID       string            `json:"source_id" validate:"max=255"`
	Provider       string            `json:"provider" validate:"omitempty,oneof=stripe paypal"`
	ProviderRef    string            `json:"provider_ref" validate:"required_with=Provider,max=255"`
}

// WithdrawRequest is the API request for debiting a wallet
type WithdrawRequest struct {
	Amount         string            `json:"amount" validate:"required,numeric"`
	Currency       string            `json:"currency" validate:"omitempty,iso4217"`
	Description    string            `json:"description" validate:"max=500"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key" validate:"max=255"`
	Destination    string            `json:"destination" validate:"max=50"`
	DestinationID  string            `json:"destination_id" validate:"max=255"`
}

// TransferRequest is the API request for moving funds to another wallet
type TransferRequest struct {
	Amount         string            `json:"amount" validate:"required,numeric"`
	Currency       string            `json:"currency" validate:"omitempty,iso4217"`
	ToUserID       string            `json:"to_user_id" validate:"required_without=ToWalletID"`
	ToWalletID     string            `json:"to_wallet_id" validate:"required_without=ToUserID"`
	Description    string            `json:"description" validate:"max=500"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key" validate:"max=255"`
}

// CancelRequest is the optional body of a cancellation
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Deposit handles POST /wallets/{id}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	walletID := chi.URLParam(r, "id")
	amount, ok := h.amount(w, r, walletID, req.Amount, req.Currency)
	if !ok {
		return
	}
	userID := middleware.GetUserID(r.Context())

	if req.Provider != "" {
		txn, err := h.funding.InitiateDeposit(r.Context(), funding.InitiateRequest{
			WalletID:    walletID,
			UserID:      userID,
			Amount:      amount,
			Provider:    req.Provider,
			ProviderRef: req.ProviderRef,
			Description: req.Description,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeTransaction(w, txn)
		return
	}

	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	txn, err := h.service.Deposit(r.Context(), ledger.DepositRequest{
		WalletID:       walletID,
		UserID:         userID,
		Amount:         amount,
		Source:         req.Source,
		SourceID:       req.SourceID,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeTransaction(w, txn)
}

// Withdraw handles POST /wallets/{id}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	walletID := chi.URLParam(r, "id")
	amount, ok := h.amount(w, r, walletID, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}

	txn, err := h.service.Withdraw(r.Context(), ledger.WithdrawRequest{
		WalletID:       walletID,
		UserID:         middleware.GetUserID(r.Context()),
		Amount:         amount,
		Destination:    req.Destination,
		DestinationID:  req.DestinationID,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeTransaction(w, txn)
}

// Transfer handles POST /wallets/{id}/transfers
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	walletID := chi.URLParam(r, "id")
	amount, ok := h.amount(w, r, walletID, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}

	txn, err := h.service.Transfer(r.Context(), ledger.TransferRequest{
		FromWalletID:   walletID,
		ToUserID:       req.ToUserID,
		ToWalletID:     req.ToWalletID,
		UserID:         middleware.GetUserID(r.Context()),
		Amount:         amount,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeTransaction(w, txn)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	visible, err := h.visibleTo(r.Context(), txn, middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !visible {
		h.writeError(w, r, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound))
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

// visibleTo reports whether userID initiated txn or owns a wallet it touches.
func (h *Handler) visibleTo(ctx context.Context, txn *domain.Transaction, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if txn.UserID == userID {
		return true, nil
	}
	for _, id := range []string{txn.WalletID, txn.CounterpartyWalletID} {
		if id == "" {
			continue
		}
		wallet, err := h.service.GetWallet(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrWalletNotFound) {
				continue
			}
			return false, err
		}
		if ownedBy(wallet, userID) {
			return true, nil
		}
	}
	return false, nil
}

// CancelTransaction handles POST /transactions/{id}/cancel
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	txn, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Reason)
	if err != nil {
		if txn != nil {
			api.WriteDataWithError(w, http.StatusConflict, txn, api.ErrCodeConflict, "transaction is already "+string(txn.Status))
			return
		}
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

// ListWalletTransactions handles GET /wallets/{id}/transactions
func (h *Handler) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, ledger.TransactionQuery{WalletID: chi.URLParam(r, "id")})
}

// ListUserTransactions handles GET /users/{userId}/transactions
func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" || userID != middleware.GetUserID(r.Context()) {
		api.NotFound(w, "resource not found")
		return
	}
	h.listTransactions(w, r, ledger.TransactionQuery{UserID: userID})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, q ledger.TransactionQuery) {
	params := r.URL.Query()
	page := api.GetPaginationParams(r, 20, 100)
	q.Limit = page.Limit
	q.Offset = page.Offset

	for _, t := range splitList(params.Get("type")) {
		q.Types = append(q.Types, domain.TransactionType(t))
	}
	for _, s := range splitList(params.Get("status")) {
		q.Statuses = append(q.Statuses, domain.TransactionStatus(s))
	}

	var err error
	if q.From, err = parseTime(params.Get("from")); err != nil {
		api.BadRequest(w, "from must be an RFC 3339 timestamp")
		return
	}
	if q.To, err = parseTime(params.Get("to")); err != nil {
		api.BadRequest(w, "to must be an RFC 3339 timestamp")
		return
	}

	switch order := strings.ToLower(params.Get("order")); order {
	case "", string(ledger.OrderDesc):
		q.Order = ledger.OrderDesc
	case string(ledger.OrderAsc):
		q.Order = ledger.OrderAsc
	default:
		api.BadRequest(w, "order must be asc or desc")
		return
	}

	txns, total, err := h.service.ListTransactions(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WritePaginated(w, txns, &api.Pagination{
		Limit:   q.Limit,
		Offset:  q.Offset,
		Total:   total,
		HasMore: int64(q.Offset+len(txns)) < total,
	})
}

// amount parses a major-unit amount in the given currency, or in the
// wallet's currency when none is given.
func (h *Handler) amount(w http.ResponseWriter, r *http.Request, walletID, value, code string) (money.Money, bool) {
	var currency money.Currency
	if code != "" {
		c, err := money.ParseCurrency(strings.ToUpper(code))
		if err != nil {
			api.WriteError(w, http.StatusUnprocessableEntity, domain.CodeValidation, err.Error())
			return money.Money{}, false
		}
		currency = c
	} else {
		wallet, err := h.service.GetWallet(r.Context(), walletID)
		if err != nil {
			h.writeError(w, r, err)
			return money.Money{}, false
		}
		currency = wallet.Currency
	}

	amount, err := money.ParseMajor(value, currency)
	if err != nil {
		api.WriteError(w, http.StatusUnprocessableEntity, domain.CodeValidation, err.Error())
		return money.Money{}, false
	}
	return amount, true
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(w http.ResponseWriter, r *http.Request, body string) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(body)
	}
	if key == "" {
		api.WriteError(w, http.StatusUnprocessableEntity, domain.CodeValidation, "an Idempotency-Key header or idempotency_key field is required")
		return "", false
	}
	return key, true
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
