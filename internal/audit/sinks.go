package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"walletledger/internal/common/database"
	"walletledger/internal/common/events"
)

// PostgresSink stores entries in audit_logs
type PostgresSink struct {
	db database.Querier
}

// NewPostgresSink creates a sink writing through db
func NewPostgresSink(db database.Querier) *PostgresSink {
	return &PostgresSink{db: db}
}

// Write inserts entry
func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling audit metadata: %w", err)
	}
	if entry.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_logs (
			id, user_id, action, resource, resource_id, metadata,
			ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		entry.ID,
		nullIfEmpty(entry.UserID),
		entry.Action,
		entry.Resource,
		nullIfEmpty(entry.ResourceID),
		metadata,
		nullIfEmpty(entry.IPAddress),
		nullIfEmpty(entry.UserAgent),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EventSink publishes entries as audit.recorded events
type EventSink struct {
	publisher events.EventPublisher
}

// NewEventSink creates a sink publishing through p
func NewEventSink(p events.EventPublisher) *EventSink {
	return &EventSink{publisher: p}
}

// Write publishes entry
func (s *EventSink) Write(ctx context.Context, entry Entry) error {
	event, err := events.NewEvent(events.EventAuditRecorded, events.AggregateAudit, entry.ID, entry)
	if err != nil {
		return fmt.Errorf("building audit event: %w", err)
	}
	if id, ok := entry.Metadata["correlation_id"].(string); ok {
		event.WithCorrelation(id, "")
	}
	return s.publisher.Publish(ctx, event)
}
