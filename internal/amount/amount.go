// Package amount provides exact fixed-point parsing and formatting of
// equivalent amounts. Amounts are carried everywhere else in the hub as
// *big.Int "atoms" — base-10 integers with an equivalent-declared number
// of implied fractional digits. No floating point is ever used.
package amount

import (
	"math/big"
	"strings"
)

// Parse converts a decimal string (e.g. "1.50") to its atom representation
// at the given precision (1500000 at precision=6). Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected (debts and limits are never negative)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to precision decimal places
func Parse(s string, precision int) (*big.Int, bool) {
	if precision < 0 {
		return nil, false
	}
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < precision {
		frac += "0"
	}
	frac = frac[:precision]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts an atom value to a human-readable decimal string with
// exactly precision decimal places (e.g. "1.500000" at precision=6).
func Format(v *big.Int, precision int) string {
	if v == nil {
		v = big.NewInt(0)
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	for len(s) < precision+1 {
		s = "0" + s
	}
	if precision == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	decimal := len(s) - precision
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Min returns the lesser of two atom amounts.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// ApplyFactor multiplies an atom amount by a floating-point policy factor
// (trust-drift growth/decay), rounding down, and never returning a value
// below floor.
func ApplyFactor(v *big.Int, factor float64, floor *big.Int) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	if floor != nil && out.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return out
}
