package accumulation

import (
	"fmt"
	"strings"

	"github.com/maven/billing/internal/domain/money"
)

// Signed overpunch encoding replaces the final digit of a fixed-width amount
// with a sentinel character carrying both the digit and the sign: '{' is +0
// through 'I' for +9, '}' is -0 through 'R' for -9. Every payer codec shares
// these two functions so the convention is implemented exactly once.

var positiveOverpunch = [10]byte{'{', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I'}
var negativeOverpunch = [10]byte{'}', 'J', 'K', 'L', 'M', 'N', 'O', 'P', 'Q', 'R'}

// EncodeSignedAmount renders cents as a zero-padded field of the given width
// whose final character is the overpunch sentinel for the last digit.
func EncodeSignedAmount(cents money.Cents, width int) (string, error) {
	if width < 1 {
		return "", fmt.Errorf("overpunch width must be positive, got %d", width)
	}

	negative := cents < 0
	abs := int64(cents)
	if negative {
		abs = -abs
	}

	digits := fmt.Sprintf("%0*d", width, abs)
	if len(digits) > width {
		return "", fmt.Errorf("amount %d does not fit in %d characters", cents, width)
	}

	last := digits[width-1] - '0'
	table := positiveOverpunch
	if negative {
		table = negativeOverpunch
	}
	return digits[:width-1] + string(table[last]), nil
}

// DecodeSignedAmount is the inverse of EncodeSignedAmount. All-blank fields
// decode to zero, matching the unused-slot convention.
func DecodeSignedAmount(field string) (money.Cents, error) {
	if strings.TrimSpace(field) == "" {
		return 0, nil
	}

	n := len(field)
	body := field[:n-1]
	sentinel := field[n-1]

	var lastDigit int64
	var negative bool
	switch {
	case sentinel >= '0' && sentinel <= '9':
		lastDigit = int64(sentinel - '0')
	case sentinel == '{':
		lastDigit = 0
	case sentinel >= 'A' && sentinel <= 'I':
		lastDigit = int64(sentinel-'A') + 1
	case sentinel == '}':
		negative = true
	case sentinel >= 'J' && sentinel <= 'R':
		negative = true
		lastDigit = int64(sentinel-'J') + 1
	default:
		return 0, fmt.Errorf("invalid overpunch sentinel %q in %q", sentinel, field)
	}

	var magnitude int64
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q in overpunch field %q", c, field)
		}
		magnitude = magnitude*10 + int64(c-'0')
	}
	magnitude = magnitude*10 + lastDigit

	if negative {
		magnitude = -magnitude
	}
	return money.Cents(magnitude), nil
}
