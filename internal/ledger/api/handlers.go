package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"walletledger/internal/common/api"
	"walletledger/internal/common/middleware"
	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler handles ledger HTTP requests
type Handler struct {
	service    *ledger.Service
	reconciler *ledger.Reconciler
	funding    *funding.Service
	logger     *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, reconciler *ledger.Reconciler, fundingSvc *funding.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		reconciler: reconciler,
		funding:    fundingSvc,
		logger:     logger,
	}
}

// Routes returns the ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/wallets", h.CreateWallet)
	r.Route("/wallets/{id}", func(r chi.Router) {
		r.Use(h.requireWalletOwner)

		r.Get("/", h.GetWallet)
		r.Get("/balance", h.GetBalance)
		r.Post("/freeze", h.Freeze)
		r.Post("/unfreeze", h.Unfreeze)
		r.Post("/close", h.Close)

		r.Post("/deposits", h.Deposit)
		r.Post("/withdrawals", h.Withdraw)
		r.Post("/transfers", h.Transfer)

		r.Get("/transactions", h.ListWalletTransactions)
		r.Get("/entries", h.ListEntries)
		r.Get("/reconciliation", h.Reconcile)
	})

	r.Get("/transactions/{id}", h.GetTransaction)
	r.Post("/transactions/{id}/cancel", h.CancelTransaction)

	r.Get("/users/{userId}/transactions", h.ListUserTransactions)

	return r
}

// requireWalletOwner answers 404 unless the caller owns the wallet in the path.
func (h *Handler) requireWalletOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		wallet, err := h.service.GetWallet(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !ownedBy(wallet, middleware.GetUserID(r.Context())) {
			h.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrWalletNotFound, id))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ownedBy(wallet *domain.Wallet, userID string) bool {
	return userID != "" && wallet.OwnerID == userID
}

// CreateWalletRequest is the API request for opening a wallet
type CreateWalletRequest struct {
	OwnerID        string `json:"owner_id"`
	Currency       string `json:"currency" validate:"required,iso4217"`
	AllowOverdraft bool   `json:"allow_overdraft"`
}

// CreateWallet handles POST /wallets
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !h.decode(w, r, &req) {
		return
	}

	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = middleware.GetUserID(r.Context())
	}
	if ownerID == "" {
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed",
			map[string]string{"OwnerID": "This field is required"})
		return
	}

	currency, err := money.ParseCurrency(strings.ToUpper(req.Currency))
	if err != nil {
		api.WriteError(w, http.StatusUnprocessableEntity, domain.CodeValidation, err.Error())
		return
	}

	wallet, err := h.service.CreateWallet(r.Context(), ledger.CreateWalletRequest{
		OwnerID:        ownerID,
		Currency:       currency,
		AllowOverdraft: req.AllowOverdraft,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, wallet)
}

// GetWallet handles GET /wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.GetWallet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, wallet)
}

// GetBalance handles GET /wallets/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, balance)
}

// Freeze handles POST /wallets/{id}/freeze
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Freeze)
}

// Unfreeze handles POST /wallets/{id}/unfreeze
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Unfreeze)
}

// Close handles POST /wallets/{id}/close
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Close)
}

type statusChange func(ctx context.Context, id string) (*domain.Wallet, error)

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, change statusChange) {
	wallet, err := change(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, wallet)
}

// Reconcile handles GET /wallets/{id}/reconciliation
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.VerifyWallet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, report)
}

// ListEntries handles GET /wallets/{id}/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		api.BadRequest(w, "since must be an RFC 3339 timestamp")
		return
	}

	entries, err := h.service.EntriesForWallet(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.LedgerEntry{}
	}
	api.WriteData(w, http.StatusOK, entries)
}
