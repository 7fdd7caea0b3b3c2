package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// maxDecimals bounds the fixed-point scale. SPL mints use uint8 decimals and
// amounts are u64, so anything past 19 digits cannot be represented anyway.
const maxDecimals = 19

// BaseUnits converts a decimal currency amount to its integer base-unit
// representation, amount × 10^decimals, using exact string arithmetic.
// Negative, malformed and non-integral inputs (precision beyond decimals that
// is not all zeros) are rejected.
func BaseUnits(amount string, decimals int) (uint64, error) {
	if decimals < 0 || decimals > maxDecimals {
		return 0, fmt.Errorf("invalid decimals %d", decimals)
	}
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", amount)
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return 0, fmt.Errorf("malformed amount %q", amount)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return 0, fmt.Errorf("malformed amount %q", amount)
	}
	if len(frac) > decimals {
		if strings.TrimRight(frac[decimals:], "0") != "" {
			return 0, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
		}
		frac = frac[:decimals]
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q overflows base units: %w", amount, err)
	}
	return v, nil
}

// FormatBaseUnits renders an integer base-unit amount back to its decimal
// string form, trimming trailing fractional zeros.
func FormatBaseUnits(base uint64, decimals int) string {
	s := strconv.FormatUint(base, 10)
	if decimals <= 0 {
		return s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
