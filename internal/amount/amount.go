// Package amount parses, scales and formats monetary values as exact decimals.
// Every value that crosses a package boundary is a canonical base-10 string.
package amount

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedAmount is returned for any input that is not a plain base-10 number.
var ErrMalformedAmount = errors.New("malformed amount")

// Plain decimal notation only: no exponent, no separators, no locale marks.
var plainDecimal = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

// Parse converts s into an exact decimal.
func Parse(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if !plainDecimal.MatchString(trimmed) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrMalformedAmount, s, err)
	}
	return d, nil
}

// ParseQuote accepts a number as emitted by a JSON encoder, which may use
// exponent notation ("1.2e-05"), and returns its canonical form.
func ParseQuote(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty quote", ErrMalformedAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedAmount, s, err)
	}
	return Format(d), nil
}

// Format renders d canonically: no exponent, no trailing fractional zeros.
func Format(d decimal.Decimal) string {
	return d.String()
}

// Normalize parses and re-formats s.
func Normalize(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// Mul returns the exact product a*b.
func Mul(a, b string) (string, error) {
	da, err := Parse(a)
	if err != nil {
		return "", err
	}
	db, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(da.Mul(db)), nil
}

// ScaleDown divides raw by 10^decimals. The decimal point is shifted, so the
// result is exact at any exponent.
func ScaleDown(raw string, decimals uint8) (string, error) {
	d, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Format(d.Shift(-int32(decimals))), nil
}

// ScaleUp multiplies v by 10^decimals and truncates toward zero, producing an
// integer string in base units. It never rounds up.
func ScaleUp(v string, decimals uint8) (string, error) {
	d, err := Parse(v)
	if err != nil {
		return "", err
	}
	return Format(d.Shift(int32(decimals)).Truncate(0)), nil
}

// Truncate drops fractional digits beyond places without rounding.
func Truncate(v string, places int32) (string, error) {
	d, err := Parse(v)
	if err != nil {
		return "", err
	}
	return Format(d.Truncate(places)), nil
}

// IsZero reports whether v parses to zero.
func IsZero(v string) bool {
	d, err := Parse(v)
	return err == nil && d.IsZero()
}

// FormatDisplay renders v for presentation with a fixed number of places,
// rounding half away from zero, optionally grouping the integer part in
// thousands. Display strings are never parsed back.
func FormatDisplay(v string, places int32, thousands bool) (string, error) {
	d, err := Parse(v)
	if err != nil {
		return "", err
	}
	if places < 0 {
		places = 0
	}
	s := d.StringFixed(places)
	if !thousands {
		return s, nil
	}

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + frac
	}
	return out, nil
}

// Round rounds v to places, half away from zero.
func Round(v string, places int32) (string, error) {
	d, err := Parse(v)
	if err != nil {
		return "", err
	}
	return Format(d.Round(places)), nil
}

// IsPositive reports whether v parses to a value greater than zero.
func IsPositive(v string) bool {
	d, err := Parse(v)
	return err == nil && d.IsPositive()
}
