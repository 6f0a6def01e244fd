package currency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrMixedCurrencies is returned when amounts in different currencies are combined
	ErrMixedCurrencies = errors.New("cannot combine amounts in different currencies")
	// ErrUnknownCurrency is returned for currency codes that are not configured
	ErrUnknownCurrency = errors.New("unknown currency")
)

// Common currency codes (ISO 4217)
const (
	INR = "INR"
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	JPY = "JPY"
)

// Currency describes how amounts of one ISO 4217 code are displayed
type Currency struct {
	Code       string
	Symbol     string
	MinorUnits int32
	Locale     string
}

var currencies = map[string]Currency{
	INR: {Code: INR, Symbol: "₹", MinorUnits: 2, Locale: "en-IN"},
	USD: {Code: USD, Symbol: "$", MinorUnits: 2, Locale: "en-US"},
	EUR: {Code: EUR, Symbol: "€", MinorUnits: 2, Locale: "en"},
	GBP: {Code: GBP, Symbol: "£", MinorUnits: 2, Locale: "en-GB"},
	JPY: {Code: JPY, Symbol: "¥", MinorUnits: 0, Locale: "ja"},
}

// Lookup returns the display settings of a currency code
func Lookup(code string) (Currency, error) {
	c, ok := currencies[strings.ToUpper(code)]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Money is an exact amount in a single currency
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New creates Money in the given currency
func New(amount decimal.Decimal, code string) (Money, error) {
	c, err := Lookup(code)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: amount, currency: c.Code}, nil
}

// Parse creates Money from a decimal string such as "1234.56"
func Parse(amount, code string) (Money, error) {
	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return New(dec, code)
}

// MustParse is Parse that panics on error (for constants/tests)
func MustParse(amount, code string) Money {
	m, err := Parse(amount, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency
func Zero(code string) Money {
	return Money{amount: decimal.Zero, currency: strings.ToUpper(code)}
}

// Amount returns the decimal amount
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// Currency returns the currency code
func (m Money) Currency() string {
	return m.currency
}

// IsZero checks if the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// Add adds two amounts of the same currency
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrMixedCurrencies, m.currency, other.currency)
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Equal checks amount and currency
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount) && m.currency == other.currency
}

// String returns the amount with its code, e.g. "1234.56 INR"
func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes the amount as a string to keep precision
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.String(), Currency: m.currency})
}

// UnmarshalJSON accepts {"amount": "12.50", "currency": "INR"}
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
