// Package money carries monetary quantities as exact decimals.
// Binary floats are never used for amounts; every value round-trips
// through its text form without loss.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyAmount is returned when an amount string is empty.
	ErrEmptyAmount = errors.New("money: amount must not be empty")
	// ErrNotFinite is returned for NaN or infinite inputs.
	ErrNotFinite = errors.New("money: amount must be a finite decimal")
	// ErrTooManyDigits is returned when an amount exceeds the allowed scale.
	ErrTooManyDigits = errors.New("money: too many fractional digits")
	// ErrNegative is returned when a non-negative amount is required.
	ErrNegative = errors.New("money: amount must not be negative")
	// ErrCurrencyMismatch is returned when amounts in different currencies are combined.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
)

// Scale limits for ingress parsing. Prices (per-unit rates) may carry up
// to six fractional digits; settled totals are capped at two unless the
// caller opts into extended scale.
const (
	MaxPriceScale = 6
	MaxTotalScale = 2
)

// ParsePrice parses a per-unit price with up to six fractional digits.
func ParsePrice(s string) (decimal.Decimal, error) {
	return parse(s, MaxPriceScale)
}

// ParseTotal parses a settled total with up to two fractional digits.
func ParseTotal(s string) (decimal.Decimal, error) {
	return parse(s, MaxTotalScale)
}

// ParseExtended parses an amount with no scale ceiling. Callers that
// configure extended precision use this entry point.
func ParseExtended(s string) (decimal.Decimal, error) {
	return parse(s, -1)
}

func parse(s string, maxScale int) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Zero, ErrEmptyAmount
	}
	lower := strings.ToLower(trimmed)
	if lower == "nan" || strings.Contains(lower, "inf") {
		return decimal.Zero, ErrNotFinite
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if maxScale >= 0 && d.Exponent() < -int32(maxScale) {
		return decimal.Zero, fmt.Errorf("%w: %q exceeds scale %d", ErrTooManyDigits, s, maxScale)
	}
	return d, nil
}

// ParseNonNegative parses a total and additionally rejects negatives.
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := parse(s, MaxPriceScale)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// Amount pairs a decimal quantity with its currency code.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// NewAmount builds an Amount from an exact decimal and a currency code.
func NewAmount(v decimal.Decimal, currency string) Amount {
	return Amount{Value: v, Currency: currency}
}

// Add returns a + b, failing on currency mismatch. Zero-valued amounts
// with an empty currency adopt the other operand's currency.
func (a Amount) Add(b Amount) (Amount, error) {
	switch {
	case a.Currency == "":
		return Amount{Value: a.Value.Add(b.Value), Currency: b.Currency}, nil
	case b.Currency == "" || a.Currency == b.Currency:
		return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}, nil
	default:
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
}

func (a Amount) String() string {
	if a.Currency == "" {
		return a.Value.String()
	}
	return a.Value.String() + " " + a.Currency
}
