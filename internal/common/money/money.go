package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CAD Currency = "CAD"
	NGN Currency = "NGN"
	KES Currency = "KES"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "CA$", SymbolFirst: true},
	NGN: {Code: NGN, MinorUnits: 2, Symbol: "₦", SymbolFirst: true},
	KES: {Code: KES, MinorUnits: 2, Symbol: "KSh", SymbolFirst: true},
}

var currencyShape = regexp.MustCompile(`^[A-Z]{3}$`)

var (
	ErrUnknownCurrency  = errors.New("unknown currency")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrTooPrecise       = errors.New("amount has more decimal places than the currency allows")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// ParseCurrency normalizes and checks a currency code.
func ParseCurrency(code string) (Currency, error) {
	if !currencyShape.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	c := Currency(code)
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// ParseMajor parses a decimal string in major units ("150.00") without any
// floating point step. Amounts finer than the currency's minor unit are rejected.
func ParseMajor(amount string, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	minor := d.Shift(int32(info.MinorUnits))
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s allows %d", ErrTooPrecise, currency, info.MinorUnits)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(MaxMinor)) {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}

	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// MaxMinor is the largest single amount, in minor units. It keeps sums of two
// amounts inside int64.
const MaxMinor = 1 << 61

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Negate returns the negated amount
func (m Money) Negate() Money {
	return Money{AmountMinor: -m.AmountMinor, Currency: m.Currency}
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	return m.Add(other.Negate())
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -int32(m.minorUnits()))
}

// Major renders the amount in major units with the currency's fixed precision ("150.00").
func (m Money) Major() string {
	return m.Decimal().StringFixed(int32(m.minorUnits()))
}

func (m Money) minorUnits() int {
	if info, ok := currencies[m.Currency]; ok {
		return info.MinorUnits
	}
	return 2
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	if m.AmountMinor < 0 {
		return "-" + m.Negate().String()
	}
	if info.SymbolFirst {
		return info.Symbol + m.Major()
	}
	return m.Major() + info.Symbol
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Amount:      m.Major(),
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
