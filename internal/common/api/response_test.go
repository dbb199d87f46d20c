package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPaginationParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: 20, wantOffset: 0},
		{query: "limit=5&offset=10", wantLimit: 5, wantOffset: 10},
		{query: "limit=500", wantLimit: 100, wantOffset: 0},
		{query: "limit=-1&offset=-4", wantLimit: 20, wantOffset: 0},
		{query: "limit=abc", wantLimit: 20, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p := GetPaginationParams(r, 20, 100)
			assert.Equal(t, tt.wantLimit, p.Limit)
			assert.Equal(t, tt.wantOffset, p.Offset)
		})
	}
}

type depositBody struct {
	Amount   string `json:"amount" validate:"required,numeric"`
	Currency string `json:"currency" validate:"required,iso4217"`
}

func TestDecodeAndValidate(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"10.50","currency":"USD"}`))
		var body depositBody
		require.NoError(t, DecodeAndValidate(r, &body))
		assert.Equal(t, "10.50", body.Amount)
	})

	t.Run("malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":`))
		var body depositBody
		assert.ErrorIs(t, DecodeAndValidate(r, &body), ErrMalformedBody)
	})

	t.Run("validation details", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"ten","currency":"usd"}`))
		var body depositBody
		err := DecodeAndValidate(r, &body)
		require.Error(t, err)

		rec := httptest.NewRecorder()
		ValidationError(rec, err)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), `"Amount":"Must be a decimal number"`)
		assert.Contains(t, rec.Body.String(), `"Currency":"Must be an ISO 4217 currency code"`)
	})
}

func TestWritePaginatedEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	WritePaginated[string](rec, nil, &Pagination{Limit: 10})
	assert.JSONEq(t, `{"data":[],"pagination":{"limit":10,"offset":0,"total":0,"has_more":false}}`, rec.Body.String())
}
