// Package money provides shared amount parsing and arithmetic.
//
// Payout amounts carry 2 fractional digits. All arithmetic is done on
// big.Int values in the smallest unit (1.00 = 100 units) so no float
// ever touches a balance.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// rateDecimals is the precision of percentage rates (0.001000 = 0.1%).
const rateDecimals = 6

var rateUnit = big.NewInt(1_000_000)

// currencies supported by the payout rails.
var currencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true,
	"NGN": true, "KES": true, "GHS": true,
	"XOF": true, "ZAR": true,
}

// ValidCurrency reports whether code is a supported three-letter currency.
func ValidCurrency(code string) bool {
	return currencies[strings.ToUpper(code)]
}

// Parse converts a decimal string (e.g. "1000.25") to its smallest-unit
// big.Int representation (100025). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	return parse(s, Decimals)
}

// ParseRate converts a fractional rate string (e.g. "0.001" for 0.1%)
// to micro-units (1000). Rates use 6 decimal places.
func ParseRate(s string) (*big.Int, bool) {
	return parse(s, rateDecimals)
}

func parse(s string, decimals int) (*big.Int, bool) {
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

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1001.25").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Add returns the formatted sum of two amount strings. Invalid inputs
// are treated as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Cmp compares two amount strings. Invalid inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// ApplyRate multiplies an amount by a micro-unit rate, rounding half-up
// to the nearest smallest unit.
func ApplyRate(amount, rate *big.Int) *big.Int {
	product := new(big.Int).Mul(amount, rate)
	half := new(big.Int).Rsh(rateUnit, 1)
	product.Add(product, half)
	return product.Div(product, rateUnit)
}

// Clamp bounds v to [min, max]. A nil or zero max means no upper bound.
func Clamp(v, min, max *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if min != nil && out.Cmp(min) < 0 {
		out.Set(min)
	}
	if max != nil && max.Sign() > 0 && out.Cmp(max) > 0 {
		out.Set(max)
	}
	return out
}
