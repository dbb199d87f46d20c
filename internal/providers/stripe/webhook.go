// Package stripe receives Stripe payment intent webhooks and turns them into
// wallet deposits.
package stripe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"walletledger/internal/common/api"
	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger/domain"
)

// Provider is the provider name used in deposit keys
const Provider = "stripe"

// Handled event types
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// PaymentIntent metadata keys set when the intent is created
const (
	MetadataWalletID = "wallet_id"
	MetadataUserID   = "user_id"
)

const maxBodyBytes = 65536

// Config holds Stripe webhook settings
type Config struct {
	WebhookSecret    string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// WebhookHandler handles Stripe webhook callbacks.
type WebhookHandler struct {
	funding   *funding.Service
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

// NewWebhookHandler creates a new Stripe webhook handler.
func NewWebhookHandler(svc *funding.Service, cfg Config, logger *slog.Logger) *WebhookHandler {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookHandler{
		funding:   svc,
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
		logger:    logger,
	}
}

// ServeHTTP verifies the signature and applies the event. Non-2xx responses
// make Stripe redeliver, so only retryable failures return one.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}

	if err := webhook.ValidatePayloadWithTolerance(body, r.Header.Get("Stripe-Signature"), h.secret, h.tolerance); err != nil {
		h.logger.Warn("stripe signature rejected", "error", err)
		h.funding.RecordWebhook(ctx, funding.Webhook{Provider: Provider, Reason: "invalid signature"})
		api.BadRequest(w, "invalid signature")
		return
	}

	var event stripego.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("failed to parse stripe event", "error", err)
		h.funding.RecordWebhook(ctx, funding.Webhook{Provider: Provider, Reason: "invalid json"})
		api.BadRequest(w, "invalid json")
		return
	}

	h.logger.Info("received stripe webhook",
		"event_id", event.ID,
		"type", event.Type,
	)
	h.funding.RecordWebhook(ctx, funding.Webhook{
		Provider:  Provider,
		EventID:   event.ID,
		EventType: event.Type,
		Accepted:  true,
	})

	var herr error
	switch event.Type {
	case EventPaymentSucceeded:
		herr = h.handleSucceeded(ctx, &event)
	case EventPaymentFailed:
		herr = h.handleFailed(ctx, &event)
	default:
		h.logger.Debug("ignoring stripe event", "event_id", event.ID, "type", event.Type)
	}

	if herr != nil {
		h.logger.Error("failed to apply stripe event",
			"event_id", event.ID,
			"type", event.Type,
			"error", herr,
		)
		if domain.Code(herr) == domain.CodeInternal {
			api.InternalError(w, "failed to process event")
			return
		}
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeIntent(event *stripego.Event) (*stripego.PaymentIntent, error) {
	if event.Data == nil {
		return nil, domain.Validationf("event %s has no data", event.ID)
	}
	var pi stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, domain.Validationf("decoding payment intent: %v", err)
	}
	if pi.ID == "" {
		return nil, domain.Validationf("event %s carries no payment intent id", event.ID)
	}
	return &pi, nil
}

func (h *WebhookHandler) handleSucceeded(ctx context.Context, event *stripego.Event) error {
	pi, err := decodeIntent(event)
	if err != nil {
		return err
	}
	walletID := pi.Metadata[MetadataWalletID]
	if walletID == "" {
		return domain.Validationf("payment intent %s has no %s metadata", pi.ID, MetadataWalletID)
	}

	currency, err := money.ParseCurrency(strings.ToUpper(string(pi.Currency)))
	if err != nil {
		return domain.Validationf("payment intent %s: %v", pi.ID, err)
	}
	received := pi.AmountReceived
	if received == 0 {
		received = pi.Amount
	}

	txn, err := h.funding.SettleCapture(ctx, funding.Capture{
		Provider:   Provider,
		CaptureRef: pi.ID,
		WalletID:   walletID,
		UserID:     pi.Metadata[MetadataUserID],
		Amount:     money.New(received, currency),
	})
	if err != nil {
		return err
	}

	h.logger.Info("stripe payment settled",
		"payment_intent_id", pi.ID,
		"transaction_id", txn.ID,
		"status", txn.Status,
	)
	return nil
}

func (h *WebhookHandler) handleFailed(ctx context.Context, event *stripego.Event) error {
	pi, err := decodeIntent(event)
	if err != nil {
		return err
	}
	reason := "payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}

	txn, err := h.funding.RejectCapture(ctx, Provider, pi.ID, reason)
	if err != nil {
		return err
	}
	if txn != nil {
		h.logger.Info("stripe payment failed",
			"payment_intent_id", pi.ID,
			"transaction_id", txn.ID,
			"status", txn.Status,
		)
	}
	return nil
}
