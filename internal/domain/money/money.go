// Package money provides fixed-point cents arithmetic and display formatting
// for the billing core. All monetary values inside the system are integer
// cents; floating point never crosses a persistence or wire boundary.
package money

import (
	"fmt"
	"strings"
)

// Cents is a signed monetary amount in US cents. Negative values represent
// refunds or reversals.
type Cents int64

// FormatUSD renders cents as a human-readable dollar string, e.g. "$1,234.56"
// or "-$0.05". The conversion is one-directional: formatted strings are never
// parsed back into amounts.
func FormatUSD(c Cents) string {
	neg := c < 0
	if neg {
		c = -c
	}
	dollars := int64(c) / 100
	cents := int64(c) % 100

	digits := fmt.Sprintf("%d", dollars)
	var b strings.Builder
	pre := len(digits) % 3
	if pre > 0 {
		b.WriteString(digits[:pre])
	}
	for i := pre; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s$%s.%02d", sign, b.String(), cents)
}

// PercentOf applies a basis-point rate to an amount, rounding half-up away
// from zero. 100 basis points = 1%. The single rounding policy matters:
// downstream payer files are positional and a one-cent drift corrupts a
// fixed-width balance field.
func PercentOf(c Cents, basisPoints int64) Cents {
	return DivideRound(int64(c)*basisPoints, 10000)
}

// DivideRound divides numerator by denominator, rounding half-up away from
// zero. denominator must be positive.
func DivideRound(numerator, denominator int64) Cents {
	if denominator <= 0 {
		panic("money: non-positive denominator")
	}
	if numerator >= 0 {
		return Cents((numerator + denominator/2) / denominator)
	}
	return Cents(-((-numerator + denominator/2) / denominator))
}

// Split divides an amount into n near-equal parts whose sum is exactly the
// original amount. The remainder cents are distributed to the leading parts.
func Split(c Cents, n int) []Cents {
	if n <= 0 {
		return nil
	}
	base := int64(c) / int64(n)
	rem := int64(c) % int64(n)
	parts := make([]Cents, n)
	for i := range parts {
		parts[i] = Cents(base)
	}
	for i := 0; rem != 0; i++ {
		if rem > 0 {
			parts[i]++
			rem--
		} else {
			parts[i]--
			rem++
		}
	}
	return parts
}
