// Package phone normalizes carrier-raw phone numbers into the canonical
// digits-only national form used as the Lead key.
package phone

import (
	"errors"
	"strings"
)

const countryCode = "55"

// ErrInvalid indicates the input cannot be a valid subscriber number.
var ErrInvalid = errors.New("phone: invalid number")

// Normalize strips formatting and the country code, then collapses the extra
// mobile prefix digit so both carrier variants of the same subscriber map to
// one canonical number. Returns ErrInvalid for inputs that cannot be a
// national number.
func Normalize(raw string) (string, error) {
	digits := stripNonDigits(raw)
	if digits == "" {
		return "", ErrInvalid
	}

	// International prefixes: "0055..." or "+55..." arrive as bare digits here.
	digits = strings.TrimPrefix(digits, "00")
	if strings.HasPrefix(digits, countryCode) && len(digits) >= 12 {
		digits = digits[len(countryCode):]
	}

	// Mobile numbers may arrive with the extra leading 9 after the area code.
	// Collapse it: area(2) + 9 + subscriber(8) becomes area(2) + subscriber(8).
	if len(digits) == 11 && digits[2] == '9' {
		digits = digits[:2] + digits[3:]
	}

	if len(digits) < 10 || len(digits) > 11 {
		return "", ErrInvalid
	}
	return digits, nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
