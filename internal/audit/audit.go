// Package audit records security-relevant actions on a side channel. Writes
// are asynchronous and best-effort: a failing sink is logged and never
// reaches the caller.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"walletledger/internal/common/middleware"
)

// Actions
const (
	ActionWalletCreated        = "wallet.created"
	ActionWalletStatusChanged  = "wallet.status_changed"
	ActionDepositInitiated     = "deposit.initiated"
	ActionTransactionSucceeded = "transaction.succeeded"
	ActionTransactionFailed    = "transaction.failed"
	ActionTransactionCancelled = "transaction.cancelled"
	ActionWebhookReceived      = "webhook.received"
	ActionWebhookRejected      = "webhook.rejected"
)

// Resources
const (
	ResourceWallet      = "wallet"
	ResourceTransaction = "transaction"
	ResourceWebhook     = "webhook"
)

// Entry is one audit record
type Entry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Sink persists audit entries
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Config holds recorder settings
type Config struct {
	BufferSize   int           `envconfig:"AUDIT_BUFFER" default:"1024"`
	WriteTimeout time.Duration `envconfig:"AUDIT_WRITE_TIMEOUT" default:"5s"`
}

// Recorder queues entries and writes them to a sink from one goroutine.
type Recorder struct {
	sink    Sink
	cfg     Config
	logger  *slog.Logger
	queue   chan Entry
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to sink
func NewRecorder(sink Sink, cfg Config, logger *slog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues entry, filling in id, time and request details from ctx.
// It never blocks; entries are dropped when the buffer is full.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.UserID == "" {
		entry.UserID = middleware.GetUserID(ctx)
	}
	if entry.IPAddress == "" {
		entry.IPAddress = middleware.GetClientIP(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = middleware.GetUserAgent(ctx)
	}
	if id := middleware.GetCorrelationID(ctx); id != "" {
		md := make(map[string]any, len(entry.Metadata)+1)
		for k, v := range entry.Metadata {
			md[k] = v
		}
		md["correlation_id"] = id
		entry.Metadata = md
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit buffer full, entry dropped",
			"action", entry.Action,
			"resource", entry.Resource,
			"resource_id", entry.ResourceID,
		)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		if err := r.sink.Write(ctx, entry); err != nil {
			r.logger.Error("failed to write audit entry",
				"audit_id", entry.ID,
				"action", entry.Action,
				"error", err,
			)
		}
		cancel()
	}
}

// Dropped reports how many entries were discarded on a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting entries and waits for the queue to drain.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multi fans entries out to several sinks, joining their errors.
type Multi []Sink

// Write writes entry to every sink
func (m Multi) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes entries to a logger, used when no durable sink is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Write logs entry
func (s LogSink) Write(ctx context.Context, entry Entry) error {
	s.Logger.InfoContext(ctx, "audit",
		"audit_id", entry.ID,
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"user_id", entry.UserID,
		"ip_address", entry.IPAddress,
	)
	return nil
}
