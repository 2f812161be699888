package normalize

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var errAmountEmpty = errors.New("amount: empty")
var errAmountNotNumeric = errors.New("amount: not numeric")
var errAmountOutOfRange = errors.New("amount: out of range")

// maxAmount bounds a single payment at £1tn, far inside int64 pence.
var maxAmount = decimal.New(1, 12)

var amountReplacer = strings.NewReplacer(
	"£", "", "GBP", "", "gbp", "", ",", "", " ", "", "\u00a0", "",
)

// ParseAmount coerces a disclosure amount string to a decimal rounded to
// pence. Accounting negatives "(12.50)", "12.50-" and "12.50CR" are
// negative; a "DR" suffix is ignored.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errAmountEmpty
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg, s = true, s[1:len(s)-1]
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "CR"):
		neg, s = true, s[:len(s)-2]
	case strings.HasSuffix(upper, "DR"):
		s = s[:len(s)-2]
	}
	s = amountReplacer.Replace(s)
	if strings.HasSuffix(s, "-") {
		neg, s = true, strings.TrimSuffix(s, "-")
	}
	if s == "" {
		return decimal.Zero, errAmountEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errAmountNotNumeric
	}
	if d.Abs().GreaterThan(maxAmount) {
		return decimal.Zero, errAmountOutOfRange
	}
	if neg {
		d = d.Neg()
	}
	return d.Round(2), nil
}

// ToPence converts a pence-rounded decimal to integer pence.
func ToPence(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

var creditWords = []string{"refund", "credit", "reversal", "reversed", "rebate", "repayment", "overpayment"}

// IsCreditContext reports whether category/description mark a refund or
// credit, the only context in which a negative amount is accepted.
func IsCreditContext(category, description string) bool {
	text := strings.ToLower(category + " " + description)
	for _, w := range creditWords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
