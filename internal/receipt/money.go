package receipt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-approvals/internal/apperr"
)

// plainAmount is the only accepted shape once symbols and separators are gone. Exponent
// forms are refused since StringFixed would expand them digit by digit.
var plainAmount = regexp.MustCompile(`^[+-]?\d{1,15}(\.\d{1,8})?$`)

// ParseAmount parses a payment total such as "$1,234.50" or "€ 12". Currency symbols,
// whitespace and thousands separators are stripped; the result must be non-negative.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '_' || r == '\'':
			return -1
		case unicode.IsSpace(r):
			return -1
		case unicode.Is(unicode.Sc, r):
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimPrefix(cleaned, "USD")

	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("total payment is empty: %w", apperr.ErrValidation)
	}
	if !plainAmount.MatchString(cleaned) {
		return decimal.Zero, fmt.Errorf("total payment %q is not a plain amount: %w", raw, apperr.ErrValidation)
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total payment %q is not a number: %w", raw, apperr.ErrValidation)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("total payment %q is negative: %w", raw, apperr.ErrValidation)
	}
	return amount, nil
}

// FormatAmount renders an amount the way totals are stored: "$12.50".
func FormatAmount(amount decimal.Decimal) string {
	return "$" + amount.StringFixed(2)
}
