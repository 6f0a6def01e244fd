// Package currency sums and formats monetary amounts for billing-related reports.
package currency

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Display selects how the currency is shown next to a formatted amount
type Display string

// Display options
const (
	DisplaySymbol Display = "symbol"
	DisplayCode   Display = "code"
)

// FormatOptions controls Format output
type FormatOptions struct {
	Display Display `json:"display"`
	// Decimals overrides the currency's minor units when set
	Decimals *int32 `json:"decimals,omitempty"`
}

// Service sums and formats Money
type Service struct {
	defaultCurrency string
	logger          *zap.Logger
}

// NewService creates a currency service. An empty default falls back to INR.
func NewService(defaultCurrency string, logger *zap.Logger) (*Service, error) {
	if defaultCurrency == "" {
		defaultCurrency = INR
	}
	c, err := Lookup(defaultCurrency)
	if err != nil {
		return nil, err
	}
	return &Service{defaultCurrency: c.Code, logger: logger}, nil
}

// DefaultCurrency returns the configured default currency code
func (s *Service) DefaultCurrency() string {
	return s.defaultCurrency
}

// Sum adds amounts that all share one currency. An empty input sums to zero in the
// default currency.
func (s *Service) Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Zero(s.defaultCurrency), nil
	}

	total := Zero(amounts[0].Currency())
	for _, m := range amounts {
		var err error
		total, err = total.Add(m)
		if err != nil {
			s.logger.Warn("Rejected currency sum",
				zap.String("expected", total.Currency()),
				zap.String("got", m.Currency()),
			)
			return Money{}, err
		}
	}
	return total, nil
}

// Format renders m with locale grouping, e.g. "₹1,234.56" or "1,234.56 INR"
func (s *Service) Format(m Money, opts FormatOptions) (string, error) {
	c, err := Lookup(m.Currency())
	if err != nil {
		return "", err
	}

	scale := c.MinorUnits
	if opts.Decimals != nil {
		scale = *opts.Decimals
	}

	if scale < 0 {
		scale = 0
	}
	amount := m.Amount().Round(scale)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}

	digits := groupDigits(message.NewPrinter(language.Make(c.Locale)), amount, scale)

	switch opts.Display {
	case DisplayCode:
		return fmt.Sprintf("%s%s %s", sign, digits, c.Code), nil
	case DisplaySymbol, "":
		return sign + c.Symbol + digits, nil
	default:
		return "", fmt.Errorf("unsupported display option: %s", opts.Display)
	}
}

var maxGroupable = decimal.NewFromInt(math.MaxInt64)

// groupDigits applies locale grouping to the integer part of a non-negative amount
// and appends its exact fraction digits. Integer parts beyond int64 are left ungrouped.
func groupDigits(printer *message.Printer, amount decimal.Decimal, scale int32) string {
	whole := amount.Truncate(0)
	grouped := whole.String()
	if whole.LessThanOrEqual(maxGroupable) {
		grouped = printer.Sprint(number.Decimal(whole.IntPart()))
	}
	if scale == 0 {
		return grouped
	}

	fixed := amount.StringFixed(scale)
	fraction := fixed[strings.IndexByte(fixed, '.')+1:]
	sep := strings.TrimSuffix(strings.TrimPrefix(printer.Sprint(number.Decimal(0.5, number.Scale(1))), "0"), "5")
	return grouped + sep + fraction
}
