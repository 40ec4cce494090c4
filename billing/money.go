/*
money.go - Fixed-point money values

PURPOSE:
  Every balance, charge, and payment amount in the system is a Money value:
  a decimal.Decimal plus a currency code. Decimal arithmetic avoids the
  rounding drift that floating point accumulates across many small
  transactions.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64, for stored amounts
  2. Currency safety: operations on mismatched currencies are a programming
     error caught by SameCurrency checks at the service boundary
  3. Immutability: Money values are never mutated, only derived

USAGE:
  price := billing.NewMoney("45.50", billing.PLN)
  total := price.Add(fee)
  if total.IsNegative() { ... } // debt

SEE ALSO:
  - types.go: Budget and BalanceTransaction, which carry Money values
  - ledger/service.go: the only writer of budget balances
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency is an ISO 4217 code. The engine never converts between
// currencies; a budget is created in one currency and stays there.
type Currency string

const (
	PLN Currency = "PLN"
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount in a single currency.
type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

// NewMoney parses a decimal string into a Money value.
// Invalid input yields a zero amount, matching decimal's lenient parse
// helpers used for trusted (stored) values.
func NewMoney(value string, currency Currency) Money {
	d, err := decimal.NewFromString(value)
	if err != nil {
		d = decimal.Zero
	}
	return Money{Value: d, Currency: currency}
}

// ZeroMoney returns a zero amount in the given currency.
func ZeroMoney(currency Currency) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Neg() Money        { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Abs() Money        { return Money{Value: m.Value.Abs(), Currency: m.Currency} }

func (m Money) IsZero() bool     { return m.Value.IsZero() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }

func (m Money) Equal(o Money) bool        { return m.Currency == o.Currency && m.Value.Equal(o.Value) }
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

// String renders the amount with two decimal places, e.g. "120.00 PLN".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Value.StringFixed(2), m.Currency)
}

// ParseDecimal parses untrusted decimal input, e.g. API request bodies.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustParseDecimal parses a stored decimal string, falling back to zero.
// Stored values are written by this engine, so a parse failure indicates
// corruption rather than user error.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
