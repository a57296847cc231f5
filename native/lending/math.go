package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

// SecondsPerYear is the accrual year used to convert annual rates into
// per-second rates (365 days).
const SecondsPerYear = 31_536_000

var (
	wad            = mustBigInt("1000000000000000000")   // 1e18 fixed point unit
	hundredPercent = mustBigInt("100000000000000000000") // 100% in 18-decimal percent
	secondsPerYear = big.NewInt(SecondsPerYear)
	two            = big.NewInt(2)
	six            = big.NewInt(6)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// WAD returns a fresh copy of the 1e18 fixed point unit.
func WAD() *big.Int { return new(big.Int).Set(wad) }

// HundredPercent returns 100% expressed as an 18-decimal percentage (1e20).
func HundredPercent() *big.Int { return new(big.Int).Set(hundredPercent) }

// FixedMul returns a*b/1e18 truncated toward zero. Nil operands are treated as
// zero.
func FixedMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

// FixedDiv returns a*1e18/b truncated toward zero.
func FixedDiv(a, b *big.Int) (*big.Int, error) {
	if b == nil || b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a == nil {
		return big.NewInt(0), nil
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b), nil
}

// mulDiv returns a*b/c truncated toward zero.
func mulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c), nil
}

// checkWord rejects values that cannot be represented as an unsigned 256-bit
// word.
func checkWord(values ...*big.Int) error {
	for _, v := range values {
		if v == nil {
			continue
		}
		if v.Sign() < 0 {
			return ErrOverflow
		}
		if _, overflow := uint256.FromBig(v); overflow {
			return ErrOverflow
		}
	}
	return nil
}

// CompoundRate approximates (1 + annualRate/100/SecondsPerYear)^seconds in
// 1e18 fixed point using the first three terms of the binomial expansion.
// annualRate is an 18-decimal percentage. The result is only used to report
// effective yields; accrual itself is simple interest.
func CompoundRate(annualRate *big.Int, seconds uint64) *big.Int {
	result := new(big.Int).Set(wad)
	if annualRate == nil || annualRate.Sign() <= 0 || seconds == 0 {
		return result
	}
	perSecond := new(big.Int).Quo(annualRate, secondsPerYear)
	perSecond.Quo(perSecond, big.NewInt(100))

	n := new(big.Int).SetUint64(seconds)
	nMinusOne := new(big.Int).Sub(n, big.NewInt(1))
	nMinusTwo := new(big.Int).Sub(n, two)
	if nMinusTwo.Sign() < 0 {
		nMinusTwo.SetInt64(0)
	}

	powTwo := FixedMul(perSecond, perSecond)
	powThree := FixedMul(powTwo, perSecond)

	first := new(big.Int).Mul(n, perSecond)

	second := new(big.Int).Mul(n, nMinusOne)
	second.Mul(second, powTwo)
	second.Quo(second, two)

	third := new(big.Int).Mul(n, nMinusOne)
	third.Mul(third, nMinusTwo)
	third.Mul(third, powThree)
	third.Quo(third, six)

	result.Add(result, first)
	result.Add(result, second)
	return result.Add(result, third)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
