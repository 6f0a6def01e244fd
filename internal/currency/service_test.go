package currency

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("", zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewServiceDefaultsToINR(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, INR, svc.DefaultCurrency())

	_, err := NewService("XYZ", zap.NewNop())
	assert.True(t, errors.Is(err, ErrUnknownCurrency))
}

func TestSum(t *testing.T) {
	svc := newTestService(t)

	t.Run("same currency", func(t *testing.T) {
		total, err := svc.Sum(MustParse("1000.50", INR), MustParse("234.06", INR))
		require.NoError(t, err)
		assert.True(t, total.Amount().Equal(decimal.RequireFromString("1234.56")))
		assert.Equal(t, INR, total.Currency())
	})

	t.Run("mixed currencies rejected", func(t *testing.T) {
		_, err := svc.Sum(MustParse("10", INR), MustParse("10", USD))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMixedCurrencies))
	})

	t.Run("empty sums to zero in default currency", func(t *testing.T) {
		total, err := svc.Sum()
		require.NoError(t, err)
		assert.True(t, total.IsZero())
		assert.Equal(t, INR, total.Currency())
	})

	t.Run("exact decimal arithmetic", func(t *testing.T) {
		total, err := svc.Sum(MustParse("0.1", USD), MustParse("0.2", USD))
		require.NoError(t, err)
		assert.Equal(t, "0.3", total.Amount().String())
	})
}

func TestFormat(t *testing.T) {
	svc := newTestService(t)
	amount := MustParse("1234.56", INR)

	got, err := svc.Format(amount, FormatOptions{Display: DisplaySymbol})
	require.NoError(t, err)
	assert.Equal(t, "₹1,234.56", got)

	got, err = svc.Format(amount, FormatOptions{Display: DisplayCode})
	require.NoError(t, err)
	assert.Equal(t, "1,234.56 INR", got)

	got, err = svc.Format(amount, FormatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "₹1,234.56", got)

	_, err = svc.Format(amount, FormatOptions{Display: "name"})
	assert.Error(t, err)
}

func TestFormatKeepsDecimalPrecision(t *testing.T) {
	svc := newTestService(t)

	got, err := svc.Format(MustParse("12345678901234567.89", USD), FormatOptions{Display: DisplaySymbol})
	require.NoError(t, err)
	assert.Equal(t, "$12,345,678,901,234,567.89", got)

	got, err = svc.Format(MustParse("-0.05", USD), FormatOptions{Display: DisplayCode})
	require.NoError(t, err)
	assert.Equal(t, "-0.05 USD", got)

	got, err = svc.Format(MustParse("1500", JPY), FormatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "¥1,500", got)
}

func TestParse(t *testing.T) {
	_, err := Parse("abc", INR)
	assert.Error(t, err)

	_, err = Parse("1.00", "ZZZ")
	assert.True(t, errors.Is(err, ErrUnknownCurrency))

	m, err := Parse(" 12.5 ", "inr")
	require.NoError(t, err)
	assert.Equal(t, INR, m.Currency())
	assert.Equal(t, "12.50 INR", m.String())
}

func TestMoneyJSON(t *testing.T) {
	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"99.90","currency":"USD"}`), &m))
	assert.True(t, m.Equal(MustParse("99.9", USD)))

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"99.9","currency":"USD"}`, string(out))
}
