package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Common event types
const (
	EventWalletCreated       = "ledger.wallet.created"
	EventWalletStatusChanged = "ledger.wallet.status_changed"

	EventTransactionSucceeded = "ledger.transaction.succeeded"
	EventTransactionFailed    = "ledger.transaction.failed"
	EventTransactionCancelled = "ledger.transaction.cancelled"

	EventAuditRecorded = "audit.recorded"

	// Published by payment provider integrations, consumed by the ledger.
	EventCaptureCompleted = "provider.capture.completed"
	EventCaptureFailed    = "provider.capture.failed"
)

// Aggregate types
const (
	AggregateWallet      = "wallet"
	AggregateTransaction = "transaction"
	AggregateAudit       = "audit"
	AggregateCapture     = "capture"
)

// TransactionEventData is the data for ledger.transaction.* events
type TransactionEventData struct {
	TransactionID        string `json:"transaction_id"`
	WalletID             string `json:"wallet_id"`
	CounterpartyWalletID string `json:"counterparty_wallet_id,omitempty"`
	Type                 string `json:"type"`
	Status               string `json:"status"`
	AmountMinor          int64  `json:"amount_minor"`
	Currency             string `json:"currency"`
	FailureCode          string `json:"failure_code,omitempty"`
	RequiresManualReview bool   `json:"requires_manual_review,omitempty"`
}

// WalletEventData is the data for ledger.wallet.* events
type WalletEventData struct {
	WalletID string `json:"wallet_id"`
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// CaptureEventData is the data for provider.capture.* events
type CaptureEventData struct {
	Provider    string `json:"provider"`
	CaptureID   string `json:"capture_id"`
	OrderID     string `json:"order_id,omitempty"`
	WalletID    string `json:"wallet_id"`
	UserID      string `json:"user_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}
