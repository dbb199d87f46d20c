package funding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"walletledger/internal/common/events"
	"walletledger/internal/common/money"
	"walletledger/internal/common/nats"
	"walletledger/internal/ledger/domain"
)

// Capture consumer settings
const (
	ConsumerName = "ledger-captures"
)

// CaptureSubject is the subject filter of the capture consumer.
var CaptureSubject = nats.Subject("provider.capture.*")

// Consumer applies provider capture events published on JetStream.
type Consumer struct {
	svc    *Service
	logger *slog.Logger
}

// NewConsumer creates a capture consumer
func NewConsumer(svc *Service, logger *slog.Logger) *Consumer {
	return &Consumer{svc: svc, logger: logger}
}

// Start consumes from sub until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, sub *nats.Subscriber) error {
	c.logger.Info("capture consumer started", "consumer", ConsumerName, "subject", CaptureSubject)
	return sub.Start(ctx, c.Handle)
}

// Handle processes one capture event. Errors that redelivery cannot fix are
// marked permanent so the message is terminated.
func (c *Consumer) Handle(ctx context.Context, event *events.Event) error {
	var data events.CaptureEventData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("%w: decoding capture event %s: %v", nats.ErrPermanent, event.ID, err)
	}

	switch event.Type {
	case events.EventCaptureCompleted:
		amount, err := captureAmount(data)
		if err != nil {
			return fmt.Errorf("%w: %v", nats.ErrPermanent, err)
		}
		txn, err := c.svc.SettleCapture(ctx, Capture{
			Provider:   data.Provider,
			CaptureRef: data.CaptureID,
			OrderRef:   data.OrderID,
			WalletID:   data.WalletID,
			UserID:     data.UserID,
			Amount:     amount,
		})
		if err != nil {
			return classify(err)
		}
		c.logger.Info("capture applied",
			"event_id", event.ID,
			"provider", data.Provider,
			"capture_id", data.CaptureID,
			"transaction_id", txn.ID,
			"status", txn.Status,
		)
		return nil

	case events.EventCaptureFailed:
		ref := data.OrderID
		if ref == "" {
			ref = data.CaptureID
		}
		if _, err := c.svc.RejectCapture(ctx, data.Provider, ref, data.Reason); err != nil {
			return classify(err)
		}
		return nil

	default:
		c.logger.Warn("ignoring unexpected event type", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func captureAmount(data events.CaptureEventData) (money.Money, error) {
	currency, err := money.ParseCurrency(strings.ToUpper(data.Currency))
	if err != nil {
		return money.Money{}, err
	}
	return money.New(data.AmountMinor, currency), nil
}

// classify keeps internal failures retryable and terminates the rest.
func classify(err error) error {
	if domain.Code(err) == domain.CodeInternal {
		return err
	}
	return fmt.Errorf("%w: %w", nats.ErrPermanent, err)
}
