// Package tolerance compares arbitrary-precision integers under a relative bound.
package tolerance

import (
	"fmt"
	"math"
	"math/big"
)

// Scale is the fixed-point resolution used for relative differences.
// A tolerance fraction is rounded to the nearest 1/Scale before comparison,
// so fractions below 0.5e-6 collapse to an exact-match requirement.
const Scale = 1_000_000

// DefaultFraction is 0.1%.
const DefaultFraction = 0.001

var bigScale = big.NewInt(Scale)

// Within reports whether actual is within fraction (relative to the larger
// magnitude) of expected. Nil values are treated as zero.
//
// Zero versus non-zero is never within tolerance, whatever the fraction.
func Within(expected, actual *big.Int, fraction float64) bool {
	e := orZero(expected)
	a := orZero(actual)

	if e.Sign() == 0 && a.Sign() == 0 {
		return true
	}

	diff := new(big.Int).Sub(e, a)
	diff.Abs(diff)

	absE := new(big.Int).Abs(e)
	absA := new(big.Int).Abs(a)
	maxMag := absE
	if absA.Cmp(absE) > 0 {
		maxMag = absA
	}
	if maxMag.Sign() == 0 {
		return false
	}

	rel := diff.Mul(diff, bigScale)
	rel.Quo(rel, maxMag)

	return rel.Cmp(big.NewInt(ScaledFraction(fraction))) <= 0
}

// ScaledFraction converts a fraction to units of 1/Scale, rounding half up.
// Negative and NaN fractions map to zero.
func ScaledFraction(fraction float64) int64 {
	if math.IsNaN(fraction) || fraction <= 0 {
		return 0
	}
	scaled := math.Floor(fraction*Scale + 0.5)
	if scaled >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(scaled)
}

// RelativeDiff returns |expected-actual|*Scale/max(|expected|,|actual|), or
// nil when both are zero. Used for diagnostics only.
func RelativeDiff(expected, actual *big.Int) *big.Int {
	e := orZero(expected)
	a := orZero(actual)
	maxMag := new(big.Int).Abs(e)
	if absA := new(big.Int).Abs(a); absA.Cmp(maxMag) > 0 {
		maxMag = absA
	}
	if maxMag.Sign() == 0 {
		return nil
	}
	diff := new(big.Int).Sub(e, a)
	diff.Abs(diff).Mul(diff, bigScale)
	return diff.Quo(diff, maxMag)
}

// Comparator applies one fixed fraction to every comparison in a run.
type Comparator struct {
	fraction float64
}

// New creates a Comparator. The fraction must be in [0, 1].
func New(fraction float64) (Comparator, error) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return Comparator{}, fmt.Errorf("tolerance fraction must be in [0, 1], got %v", fraction)
	}
	return Comparator{fraction: fraction}, nil
}

// Default returns a Comparator using DefaultFraction.
func Default() Comparator {
	return Comparator{fraction: DefaultFraction}
}

// Fraction returns the configured fraction.
func (c Comparator) Fraction() float64 {
	return c.fraction
}

// Within reports whether actual is within the comparator's tolerance of expected.
func (c Comparator) Within(expected, actual *big.Int) bool {
	return Within(expected, actual, c.fraction)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
