package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletledger/internal/common/money"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/domain"
	"walletledger/internal/ledger/memstore"
)

const testSecret = "whsec_test"

func sign(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func intentEvent(eventType, intentID, walletID string, amount int64, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_%s",
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": %q,
			"object": "payment_intent",
			"amount": %d,
			"amount_received": %d,
			"currency": "usd",
			"metadata": {"wallet_id": %q, "user_id": "alice"}%s
		}}
	}`, intentID, eventType, intentID, amount, amount, walletID, extra))
}

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

	h := NewWebhookHandler(funding.NewService(svc, nil, logger), Config{WebhookSecret: testSecret, WebhookTolerance: 5 * time.Minute}, logger)
	return &fixture{ledger: svc, handler: h, wallet: w}
}

func (f *fixture) post(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
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

func TestPaymentSucceededCreditsWallet(t *testing.T) {
	f := newFixture(t)
	payload := intentEvent(EventPaymentSucceeded, "pi_1", f.wallet.ID, 2500, "")

	rec := f.post(payload, sign(payload, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2500), f.balance(t))

	// Redelivery is a replay.
	rec = f.post(payload, sign(payload, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2500), f.balance(t))
}

func TestPaymentFailedRejectsPendingDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pending, err := f.ledger.InitiateDeposit(ctx, ledger.DepositRequest{
		WalletID:       f.wallet.ID,
		Amount:         money.New(2500, money.USD),
		IdempotencyKey: domain.ProviderKey(Provider, "pi_2"),
	})
	require.NoError(t, err)

	payload := intentEvent(EventPaymentFailed, "pi_2", f.wallet.ID, 2500, `,
			"last_payment_error": {"message": "Your card was declined."}`)
	rec := f.post(payload, sign(payload, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)

	txn, err := f.ledger.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, domain.CodeExternalProvider, txn.FailureCode)
	assert.Contains(t, txn.FailureReason, "declined")
}

func TestSignatureRejected(t *testing.T) {
	f := newFixture(t)
	payload := intentEvent(EventPaymentSucceeded, "pi_3", f.wallet.ID, 100, "")

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", "t=1,v1=deadbeef"},
		{"stale", sign(payload, time.Now().Add(-time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(payload, tt.signature)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, f.balance(t))
}

func TestUnroutableEventsAreAcknowledged(t *testing.T) {
	f := newFixture(t)

	other := []byte(`{"id":"evt_x","object":"event","type":"charge.refunded","data":{"object":{}}}`)
	rec := f.post(other, sign(other, time.Now()))
	assert.Equal(t, http.StatusOK, rec.Code)

	noWallet := intentEvent(EventPaymentSucceeded, "pi_4", "", 100, "")
	rec = f.post(noWallet, sign(noWallet, time.Now()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.balance(t))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
