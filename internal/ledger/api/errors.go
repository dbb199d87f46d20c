package api

import (
	"errors"
	"net/http"

	"walletledger/internal/common/api"
	"walletledger/internal/common/database"
	"walletledger/internal/common/middleware"
	"walletledger/internal/ledger/domain"
)

// statusForCode maps an error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusUnprocessableEntity
	case domain.CodeWalletNotFound:
		return http.StatusNotFound
	case domain.CodeWalletNotActive, domain.CodeIdempotencyConflict, domain.CodeConcurrencyConflict:
		return http.StatusConflict
	case domain.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.CodeExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeTransaction writes a transaction with the status its state implies.
// Failed transactions carry their failure as the envelope error.
func writeTransaction(w http.ResponseWriter, txn *domain.Transaction) {
	switch txn.Status {
	case domain.StatusFailed:
		api.WriteDataWithError(w, statusForCode(txn.FailureCode), txn, txn.FailureCode, txn.FailureReason)
	case domain.StatusPending, domain.StatusProcessing:
		api.WriteData(w, http.StatusAccepted, txn)
	default:
		api.WriteData(w, http.StatusOK, txn)
	}
}

// writeError writes err as an API error without exposing internal causes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInternal):
		h.internalError(w, r, err)
		return
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "resource not found")
		return
	case errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, "wallet already exists for this owner")
		return
	case errors.Is(err, database.ErrConflict):
		api.Conflict(w, "resource was modified concurrently")
		return
	}

	code := domain.Code(err)
	if code == domain.CodeInternal {
		h.internalError(w, r, err)
		return
	}
	api.WriteError(w, statusForCode(code), code, err.Error())
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
		"error", err,
	)
	api.InternalError(w, "internal error")
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := api.DecodeAndValidate(r, v); err != nil {
		if errors.Is(err, api.ErrMalformedBody) {
			api.BadRequest(w, "malformed request body")
			return false
		}
		api.ValidationError(w, err)
		return false
	}
	return true
}
