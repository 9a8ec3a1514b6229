package tolerance

import (
	"math/big"
	"testing"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid big int %q", s)
	}
	return v
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		fraction float64
		want     bool
	}{
		{"both zero", "0", "0", 0, true},
		{"both zero large fraction", "0", "0", 1, true},
		{"zero vs positive", "0", "5", 0.5, false},
		{"positive vs zero", "5", "0", 0.5, false},
		{"zero vs negative", "0", "-5", 1, false},
		{"equal", "1000", "1000", 0, true},
		{"exactly at bound", "1000000", "999000", 0.001, true},
		{"just past bound", "1000000", "998999", 0.001, false},
		{"negative values", "-1000000", "-999500", 0.001, true},
		{"opposite signs", "100", "-100", 0.5, false},
		{"full tolerance same sign", "1", "999999999", 1, true},
		{"sub resolution fraction rounds to zero", "1000000", "999999", 0.0000004, false},
		{"half resolution rounds up", "1000000", "999999", 0.0000005, true},
		{
			name:     "exceeds float range",
			expected: "340282366920938463463374607431768211455000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000",
			actual:   "340282366920938463463374607431768211454000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000",
			fraction: 0,
			want:     true,
		},
		{"sqrt price drift", "1987650921098347219854321098", "1987650921098347219854321000", 0.001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Within(mustBig(t, tt.expected), mustBig(t, tt.actual), tt.fraction)
			if got != tt.want {
				t.Errorf("Within(%s, %s, %v) = %v, want %v", tt.expected, tt.actual, tt.fraction, got, tt.want)
			}
		})
	}
}

func TestWithinNilIsZero(t *testing.T) {
	if !Within(nil, nil, 0) {
		t.Error("Within(nil, nil) = false, want true")
	}
	if Within(nil, big.NewInt(1), 1) {
		t.Error("Within(nil, 1) = true, want false")
	}
}

func TestWithinSymmetricInArguments(t *testing.T) {
	pairs := [][2]int64{{100, 99}, {-7, -8}, {1, 1000}, {0, 3}}
	for _, p := range pairs {
		a, b := big.NewInt(p[0]), big.NewInt(p[1])
		for _, f := range []float64{0, 0.01, 0.5, 1} {
			if Within(a, b, f) != Within(b, a, f) {
				t.Errorf("Within not symmetric for %d, %d at %v", p[0], p[1], f)
			}
		}
	}
}

func TestWithinMonotonicInFraction(t *testing.T) {
	e, a := big.NewInt(1_000_000), big.NewInt(990_000)
	fractions := []float64{0, 0.001, 0.005, 0.01, 0.02, 0.5, 1}
	seen := false
	for _, f := range fractions {
		got := Within(e, a, f)
		if seen && !got {
			t.Fatalf("Within became false at fraction %v after being true", f)
		}
		seen = seen || got
	}
	if !seen {
		t.Error("expected Within to hold at some fraction")
	}
}

func TestScaledFraction(t *testing.T) {
	tests := []struct {
		fraction float64
		want     int64
	}{
		{0.001, 1000},
		{1, 1_000_000},
		{0.0000005, 1},
		{0.0000004, 0},
		{-0.1, 0},
	}
	for _, tt := range tests {
		if got := ScaledFraction(tt.fraction); got != tt.want {
			t.Errorf("ScaledFraction(%v) = %d, want %d", tt.fraction, got, tt.want)
		}
	}
}

func TestRelativeDiff(t *testing.T) {
	if got := RelativeDiff(big.NewInt(0), big.NewInt(0)); got != nil {
		t.Errorf("RelativeDiff(0, 0) = %v, want nil", got)
	}
	if got := RelativeDiff(big.NewInt(1000), big.NewInt(990)); got.Int64() != 10000 {
		t.Errorf("RelativeDiff(1000, 990) = %v, want 10000", got)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(-0.1); err == nil {
		t.Error("New(-0.1) expected error")
	}
	if _, err := New(1.5); err == nil {
		t.Error("New(1.5) expected error")
	}
	c, err := New(0.01)
	if err != nil {
		t.Fatalf("New(0.01) error: %v", err)
	}
	if c.Fraction() != 0.01 {
		t.Errorf("Fraction() = %v, want 0.01", c.Fraction())
	}
	if !c.Within(big.NewInt(100), big.NewInt(99)) {
		t.Error("Comparator(0.01).Within(100, 99) = false, want true")
	}
	if Default().Fraction() != DefaultFraction {
		t.Errorf("Default().Fraction() = %v, want %v", Default().Fraction(), DefaultFraction)
	}
}
