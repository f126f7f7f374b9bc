package money

import (
	"math"
	"strings"
)

// Round2 rounds a monetary amount to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// NormalizeCurrency upper-cases and trims a currency code, falling back to
// the provided default when empty.
func NormalizeCurrency(code, fallback string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return strings.ToUpper(strings.TrimSpace(fallback))
	}
	return code
}

// Outstanding returns cost minus paid, floored at zero.
func Outstanding(cost, paid float64) float64 {
	out := Round2(cost - paid)
	if out < 0 {
		return 0
	}
	return out
}
