package paypal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
	"walletledger/internal/ledger/memstore"
)

const testToken = "shared-token"

type fixture struct {
	ledger  *ledger.Service
	handler *WebhookHandler
	wallet  *domain.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(memstore.New(), ledger.DefaultConfig(), logger)
	w, err := svc.CreateWallet(context.Background(), ledger.CreateWalletRequest{OwnerID: "alice", Currency: money.USD})
	require.NoError(t, err)

	h := NewWebhookHandler(funding.NewService(svc, nil, logger), Config{WebhookToken: testToken}, logger)
	return &fixture{ledger: svc, handler: h, wallet: w}
}

func captureEvent(eventType, captureID, orderID, walletID, value string) string {
	return fmt.Sprintf(`{
		"id": "WH-%s",
		"event_type": %q,
		"resource_type": "capture",
		"resource": {
			"id": %q,
			"status": "COMPLETED",
			"custom_id": %q,
			"amount": {"currency_code": "USD", "value": %q},
			"status_details": {"reason": "RISK"},
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, captureID, eventType, captureID, walletID, value, orderID)
}

func (f *fixture) post(body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(body))
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), f.wallet.ID)
	require.NoError(t, err)
	return b.Balance.AmountMinor
}

func TestCaptureCompletedClaimsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pending, err := f.ledger.InitiateDeposit(ctx, ledger.DepositRequest{
		WalletID:       f.wallet.ID,
		Amount:         money.New(1050, money.USD),
		IdempotencyKey: domain.ProviderKey(Provider, "ORDER-9"),
	})
	require.NoError(t, err)

	rec := f.post(captureEvent(EventCaptureCompleted, "CAP-1", "ORDER-9", f.wallet.ID, "10.50"), testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	txn, err := f.ledger.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, txn.Status)
	assert.Equal(t, int64(1050), f.balance(t))
}

func TestCaptureCompletedWithoutOrder(t *testing.T) {
	f := newFixture(t)

	body := captureEvent(EventCaptureCompleted, "CAP-2", "", f.wallet.ID, "3.00")
	require.Equal(t, http.StatusOK, f.post(body, testToken).Code)
	require.Equal(t, http.StatusOK, f.post(body, testToken).Code)
	assert.Equal(t, int64(300), f.balance(t))
}

func TestCaptureDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pending, err := f.ledger.InitiateDeposit(ctx, ledger.DepositRequest{
		WalletID:       f.wallet.ID,
		Amount:         money.New(500, money.USD),
		IdempotencyKey: domain.ProviderKey(Provider, "ORDER-3"),
	})
	require.NoError(t, err)

	rec := f.post(captureEvent(EventCaptureDenied, "CAP-3", "ORDER-3", f.wallet.ID, "5.00"), testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	txn, err := f.ledger.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, "capture denied: RISK", txn.FailureReason)
	assert.Equal(t, domain.CodeExternalProvider, txn.FailureCode)
	assert.EqualError(t, txn.Err(), "external provider error: capture denied: RISK")
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t)
	body := captureEvent(EventCaptureCompleted, "CAP-4", "", f.wallet.ID, "1.00")

	assert.Equal(t, http.StatusUnauthorized, f.post(body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.post(body, "wrong").Code)
	assert.Zero(t, f.balance(t))
}

func TestMalformedCapturesAreAcknowledged(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"too precise", captureEvent(EventCaptureCompleted, "CAP-5", "", f.wallet.ID, "1.005")},
		{"no wallet", captureEvent(EventCaptureCompleted, "CAP-6", "", "", "1.00")},
		{"unknown wallet", captureEvent(EventCaptureCompleted, "CAP-7", "", "missing", "1.00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, f.post(tt.body, testToken).Code)
		})
	}
	assert.Zero(t, f.balance(t))

	assert.Equal(t, http.StatusBadRequest, f.post("{", testToken).Code)
}
