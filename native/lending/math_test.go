package lending

import (
	"errors"
	"math/big"
	"testing"
)

func TestFixedMulTruncates(t *testing.T) {
	half := mustAmount("500000000000000000")
	if got := FixedMul(big.NewInt(3), half); got.Int64() != 1 {
		t.Fatalf("expected 3*0.5 to truncate to 1, got %s", got)
	}
	if got := FixedMul(pct(12), pct(3)); got.Cmp(pct(36)) != 0 {
		t.Fatalf("expected 36e18, got %s", got)
	}
	if got := FixedMul(nil, pct(1)); got.Sign() != 0 {
		t.Fatalf("expected nil operand to yield zero, got %s", got)
	}
}

func TestFixedDiv(t *testing.T) {
	got, err := FixedDiv(big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("fixed div: %v", err)
	}
	if got.String() != "333333333333333333" {
		t.Fatalf("expected truncated third, got %s", got)
	}
	if _, err := FixedDiv(big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := FixedDiv(big.NewInt(1), nil); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero for nil divisor, got %v", err)
	}
}

func TestFixedRoundTrip(t *testing.T) {
	for _, v := range []int64{1, 7, 1000, 123456789} {
		a := big.NewInt(v)
		b := mustAmount("250000000000000000")
		q, err := FixedDiv(a, b)
		if err != nil {
			t.Fatalf("fixed div: %v", err)
		}
		back := FixedMul(q, b)
		// Truncation may lose at most one unit in each direction.
		diff := new(big.Int).Sub(a, back)
		if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
			t.Fatalf("round trip of %d drifted to %s", v, back)
		}
	}
}

func TestCheckWordOverflow(t *testing.T) {
	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := checkWord(maxWord); err != nil {
		t.Fatalf("expected 2^256-1 to fit, got %v", err)
	}
	tooBig := new(big.Int).Add(maxWord, big.NewInt(1))
	if err := checkWord(big.NewInt(1), tooBig); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if err := checkWord(big.NewInt(-1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected negative value to be rejected, got %v", err)
	}
}

func TestCompoundRate(t *testing.T) {
	if got := CompoundRate(pct(10), 0); got.Cmp(wad) != 0 {
		t.Fatalf("expected identity for zero seconds, got %s", got)
	}
	if got := CompoundRate(nil, 100); got.Cmp(wad) != 0 {
		t.Fatalf("expected identity for nil rate, got %s", got)
	}
	year := CompoundRate(pct(10), SecondsPerYear)
	// Three binomial terms of 10% a year land just under 1.105.
	low := mustAmount("1104000000000000000")
	high := mustAmount("1106000000000000000")
	if year.Cmp(low) < 0 || year.Cmp(high) > 0 {
		t.Fatalf("expected ~1.105e18 after one year, got %s", year)
	}
	half := CompoundRate(pct(10), SecondsPerYear/2)
	if half.Cmp(year) >= 0 || half.Cmp(wad) <= 0 {
		t.Fatalf("expected half-year growth between 1 and the full year, got %s", half)
	}
}
