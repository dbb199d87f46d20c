// Package paypal receives PayPal capture webhooks.
package paypal

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"walletledger/internal/common/api"
	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger/domain"
)

// Provider is the provider name used in deposit keys
const Provider = "paypal"

// Handled event types
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
)

// TokenHeader carries the shared webhook token.
const TokenHeader = "X-Webhook-Token"

const maxBodyBytes = 65536

// Config holds PayPal webhook settings
type Config struct {
	WebhookToken string `envconfig:"PAYPAL_WEBHOOK_TOKEN"`
}

// WebhookPayload is the subset of a PayPal webhook event the ledger reads.
type WebhookPayload struct {
	ID           string  `json:"id"`
	EventType    string  `json:"event_type"`
	ResourceType string  `json:"resource_type"`
	Resource     Capture `json:"resource"`
}

// Capture is a PayPal capture resource
type Capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	Amount   struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// WebhookHandler handles PayPal webhook callbacks.
type WebhookHandler struct {
	funding *funding.Service
	token   string
	logger  *slog.Logger
}

// NewWebhookHandler creates a new PayPal webhook handler.
func NewWebhookHandler(svc *funding.Service, cfg Config, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		funding: svc,
		token:   cfg.WebhookToken,
		logger:  logger,
	}
}

// ServeHTTP handles incoming PayPal webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	got := r.Header.Get(TokenHeader)
	if h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		h.logger.Warn("paypal webhook token rejected")
		h.funding.RecordWebhook(ctx, funding.Webhook{Provider: Provider, Reason: "invalid token"})
		api.Unauthorized(w, "invalid webhook token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("failed to parse paypal webhook", "error", err)
		h.funding.RecordWebhook(ctx, funding.Webhook{Provider: Provider, Reason: "invalid json"})
		api.BadRequest(w, "invalid json")
		return
	}

	h.logger.Info("received paypal webhook",
		"event_id", payload.ID,
		"event_type", payload.EventType,
		"capture_id", payload.Resource.ID,
	)
	h.funding.RecordWebhook(ctx, funding.Webhook{
		Provider:  Provider,
		EventID:   payload.ID,
		EventType: payload.EventType,
		Accepted:  true,
	})

	var herr error
	switch payload.EventType {
	case EventCaptureCompleted:
		herr = h.handleCompleted(ctx, payload.Resource)
	case EventCaptureDenied:
		herr = h.handleDenied(ctx, payload.Resource)
	default:
		h.logger.Debug("ignoring paypal event", "event_id", payload.ID, "event_type", payload.EventType)
	}

	if herr != nil {
		h.logger.Error("failed to apply paypal event",
			"event_id", payload.ID,
			"event_type", payload.EventType,
			"error", herr,
		)
		if domain.Code(herr) == domain.CodeInternal {
			api.InternalError(w, "failed to process event")
			return
		}
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) handleCompleted(ctx context.Context, c Capture) error {
	if c.ID == "" {
		return domain.Validationf("capture id is missing")
	}
	if c.CustomID == "" {
		return domain.Validationf("capture %s has no custom_id", c.ID)
	}

	currency, err := money.ParseCurrency(c.Amount.CurrencyCode)
	if err != nil {
		return domain.Validationf("capture %s: %v", c.ID, err)
	}
	amount, err := money.ParseMajor(c.Amount.Value, currency)
	if err != nil {
		return domain.Validationf("capture %s: %v", c.ID, err)
	}

	txn, err := h.funding.SettleCapture(ctx, funding.Capture{
		Provider:   Provider,
		CaptureRef: c.ID,
		OrderRef:   c.SupplementaryData.RelatedIDs.OrderID,
		WalletID:   c.CustomID,
		Amount:     amount,
	})
	if err != nil {
		return err
	}

	h.logger.Info("paypal capture settled",
		"capture_id", c.ID,
		"transaction_id", txn.ID,
		"status", txn.Status,
	)
	return nil
}

func (h *WebhookHandler) handleDenied(ctx context.Context, c Capture) error {
	ref := c.SupplementaryData.RelatedIDs.OrderID
	if ref == "" {
		ref = c.ID
	}
	reason := "capture denied"
	if c.StatusDetails.Reason != "" {
		reason = "capture denied: " + c.StatusDetails.Reason
	}

	_, err := h.funding.RejectCapture(ctx, Provider, ref, reason)
	return err
}
