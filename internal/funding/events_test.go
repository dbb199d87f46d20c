package funding_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/events"
	"walletledger/internal/common/nats"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) InitiateDeposit(ctx context.Context, req ledger.DepositRequest) (*domain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

func (m *mockLedger) Deposit(ctx context.Context, req ledger.DepositRequest) (*domain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

func (m *mockLedger) RejectPending(ctx context.Context, txnType domain.TransactionType, key, reason string) (*domain.Transaction, error) {
	args := m.Called(ctx, txnType, key, reason)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

func captureEvent(t *testing.T, eventType string, data events.CaptureEventData) *events.Event {
	t.Helper()
	e, err := events.NewEvent(eventType, events.AggregateCapture, data.CaptureID, data)
	require.NoError(t, err)
	return e
}

func TestConsumerSettlesCompletedCapture(t *testing.T) {
	m := &mockLedger{}
	m.On("Deposit", mock.Anything, mock.MatchedBy(func(req ledger.DepositRequest) bool {
		return req.IdempotencyKey == "paypal:ORDER-1" &&
			req.Captured &&
			req.Amount.AmountMinor == 1250 &&
			req.Amount.Currency == "USD" &&
			req.WalletID == "w1"
	})).Return(&domain.Transaction{ID: "t1", Status: domain.StatusSucceeded}, nil).Once()

	c := funding.NewConsumer(funding.NewService(m, nil, discardLogger()), discardLogger())
	err := c.Handle(context.Background(), captureEvent(t, events.EventCaptureCompleted, events.CaptureEventData{
		Provider:    "paypal",
		CaptureID:   "CAP-1",
		OrderID:     "ORDER-1",
		WalletID:    "w1",
		AmountMinor: 1250,
		Currency:    "usd",
	}))
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestConsumerRejectsFailedCapture(t *testing.T) {
	m := &mockLedger{}
	m.On("RejectPending", mock.Anything, domain.TypeDeposit, "stripe:pi_1", "card declined").
		Return(&domain.Transaction{ID: "t1", Status: domain.StatusFailed}, nil).Once()

	c := funding.NewConsumer(funding.NewService(m, nil, discardLogger()), discardLogger())
	err := c.Handle(context.Background(), captureEvent(t, events.EventCaptureFailed, events.CaptureEventData{
		Provider:  "stripe",
		CaptureID: "pi_1",
		Reason:    "card declined",
	}))
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestConsumerErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"wallet missing", fmt.Errorf("%w: w1", domain.ErrWalletNotFound), true},
		{"key reused", domain.ErrIdempotencyConflict, true},
		{"internal", fmt.Errorf("loading wallet: %w: %w", domain.ErrInternal, errors.New("connection reset")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLedger{}
			m.On("Deposit", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			c := funding.NewConsumer(funding.NewService(m, nil, discardLogger()), discardLogger())
			err := c.Handle(context.Background(), captureEvent(t, events.EventCaptureCompleted, events.CaptureEventData{
				Provider:    "stripe",
				CaptureID:   "pi_1",
				WalletID:    "w1",
				AmountMinor: 100,
				Currency:    "USD",
			}))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, nats.ErrPermanent))
		})
	}
}

func TestConsumerTerminatesMalformedEvents(t *testing.T) {
	c := funding.NewConsumer(funding.NewService(&mockLedger{}, nil, discardLogger()), discardLogger())

	err := c.Handle(context.Background(), &events.Event{ID: "e1", Type: events.EventCaptureCompleted, Data: []byte(`{`)})
	assert.ErrorIs(t, err, nats.ErrPermanent)

	err = c.Handle(context.Background(), captureEvent(t, events.EventCaptureCompleted, events.CaptureEventData{
		Provider:    "stripe",
		CaptureID:   "pi_1",
		AmountMinor: 100,
		Currency:    "XXX",
	}))
	assert.ErrorIs(t, err, nats.ErrPermanent)
}

func TestConsumerIgnoresOtherEvents(t *testing.T) {
	m := &mockLedger{}
	c := funding.NewConsumer(funding.NewService(m, nil, discardLogger()), discardLogger())

	err := c.Handle(context.Background(), captureEvent(t, "provider.capture.pending", events.CaptureEventData{CaptureID: "x"}))
	require.NoError(t, err)
	m.AssertNotCalled(t, "Deposit", mock.Anything, mock.Anything)
}
