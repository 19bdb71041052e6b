package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount with currency and fixed-point precision.
// All invoice, payment, refund, and claim amounts in the billing core use
// Money rather than raw decimals so that currency mismatches fail loudly.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// Common currency codes (ISO 4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	CAD = "CAD"
)

var supportedCurrencies = map[string]bool{
	USD: true, EUR: true, GBP: true, CAD: true,
	"AUD": true, "JPY": true, "CHF": true,
}

// NewMoney creates a Money value object
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}

	return Money{
		amount:   amount.Round(2),
		currency: strings.ToUpper(currency),
	}, nil
}

// NewMoneyFromString creates Money from a decimal string like "110.00"
func NewMoneyFromString(amount, currency string) (Money, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}
	return NewMoney(dec, currency)
}

// NewMoneyFromCents creates Money from integer cents
func NewMoneyFromCents(cents int64, currency string) (Money, error) {
	return NewMoney(decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)), currency)
}

// MustNewMoney creates Money from a decimal string and panics on error (for tests)
func MustNewMoney(amount string, currency string) Money {
	m, err := NewMoneyFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero Money value in the given currency
func Zero(currency string) Money {
	m, _ := NewMoney(decimal.Zero, currency)
	return m
}

// Amount returns the decimal amount
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// Currency returns the currency code
func (m Money) Currency() string {
	return m.currency
}

// String returns the amount with its currency code (e.g. "110.00 USD")
func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

// IsZero checks if the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// IsPositive checks if the amount is strictly positive
func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// IsNegative checks if the amount is negative
func (m Money) IsNegative() bool {
	return m.amount.IsNegative()
}

// Equal checks amount and currency equality
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// GreaterThan reports whether m > other. Currencies must match.
func (m Money) GreaterThan(other Money) bool {
	mustMatch(m, other)
	return m.amount.GreaterThan(other.amount)
}

// LessThan reports whether m < other. Currencies must match.
func (m Money) LessThan(other Money) bool {
	mustMatch(m, other)
	return m.amount.LessThan(other.amount)
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot add %s to %s", other.currency, m.currency)
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Sub returns m - other. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot subtract %s from %s", other.currency, m.currency)
	}
	return Money{amount: m.amount.Sub(other.amount), currency: m.currency}, nil
}

// MulInt returns m multiplied by an integer quantity, used for line amounts.
func (m Money) MulInt(qty int64) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(qty)).Round(2), currency: m.currency}
}

// ToCents converts to integer cents
func (m Money) ToCents() int64 {
	return m.amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// MarshalJSON encodes as {"amount":"110.00","currency":"USD"}
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.amount.StringFixed(2),
		Currency: m.currency,
	})
}

// UnmarshalJSON decodes the wire representation produced by MarshalJSON
func (m *Money) UnmarshalJSON(data []byte) error {
	var temp struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	money, err := NewMoneyFromString(temp.Amount, temp.Currency)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// Scan implements sql.Scanner. Numeric columns store the bare decimal; the
// currency column is scanned separately by the repositories.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Money{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return m.scanDecimal(string(v))
	case string:
		return m.scanDecimal(v)
	case float64:
		return m.scanDecimal(decimal.NewFromFloat(v).String())
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
}

// Value implements driver.Valuer, storing the bare decimal string
func (m Money) Value() (driver.Value, error) {
	return m.amount.StringFixed(2), nil
}

// WithCurrency attaches a currency scanned from a separate column
func (m Money) WithCurrency(currency string) (Money, error) {
	return NewMoney(m.amount, currency)
}

func (m *Money) scanDecimal(s string) error {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid money format: %w", err)
	}
	money, err := NewMoney(amount, USD)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

func validateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("currency cannot be empty")
	}
	currency = strings.ToUpper(currency)
	if len(currency) != 3 {
		return fmt.Errorf("currency code must be 3 characters")
	}
	if !supportedCurrencies[currency] {
		return fmt.Errorf("unsupported currency: %s", currency)
	}
	return nil
}

func mustMatch(a, b Money) {
	if a.currency != b.currency {
		panic(fmt.Sprintf("cannot compare different currencies: %s vs %s", a.currency, b.currency))
	}
}
