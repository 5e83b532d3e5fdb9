package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + groupDigits(strconv.Itoa(-n))
	}
	return groupDigits(strconv.Itoa(n))
}

// FormatMoney formats a dollar amount as $1,234.56; negatives as -$1,234.56.
func FormatMoney(v float64) string {
	s := strconv.FormatFloat(math.Abs(v), 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")
	out := "$" + groupDigits(whole) + "." + frac
	if v < 0 && s != "0.00" {
		return "-" + out
	}
	return out
}

// FormatPrice formats a price to two decimals, or "-" for zero/NaN.
func FormatPrice(p float64) string {
	if p == 0 || math.IsNaN(p) {
		return "-"
	}
	return fmt.Sprintf("$%.2f", p)
}

// FormatPct formats a ratio as a percentage with the given decimals.
func FormatPct(r float64, places int) string {
	return fmt.Sprintf("%.*f%%", places, r*100)
}

// FormatSignedPct is FormatPct with an explicit sign.
func FormatSignedPct(r float64, places int) string {
	return fmt.Sprintf("%+.*f%%", places, r*100)
}

func groupDigits(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
