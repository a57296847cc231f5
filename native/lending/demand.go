package lending

import (
	"fmt"
	"math/big"
)

// DemandCurve shapes how the borrow rate reacts to pool utilization. Every
// field is an 18-decimal percentage, e.g. 80e18 is 80%.
type DemandCurve struct {
	// BaseRate is the rate at the target level for the segment between the
	// target and the kink.
	BaseRate *big.Int
	// RateMultiplier is the rate increase applied across the target to kink
	// segment.
	RateMultiplier *big.Int
	// LowUtilBaseRate is the rate at zero utilization.
	LowUtilBaseRate *big.Int
	// LowUtilRateMultiplier is the rate increase applied from zero up to the
	// target level.
	LowUtilRateMultiplier *big.Int
	TargetLevel           *big.Int
	// KinkLevel is the utilization at and above which the rate is capped at
	// MaxScaleRate.
	KinkLevel    *big.Int
	MaxScaleRate *big.Int
}

// Clone returns a deep copy of the curve.
func (c DemandCurve) Clone() DemandCurve {
	return DemandCurve{
		BaseRate:              cloneInt(c.BaseRate),
		RateMultiplier:        cloneInt(c.RateMultiplier),
		LowUtilBaseRate:       cloneInt(c.LowUtilBaseRate),
		LowUtilRateMultiplier: cloneInt(c.LowUtilRateMultiplier),
		TargetLevel:           cloneInt(c.TargetLevel),
		KinkLevel:             cloneInt(c.KinkLevel),
		MaxScaleRate:          cloneInt(c.MaxScaleRate),
	}
}

// Validate checks field ranges and the level ordering.
func (c DemandCurve) Validate() error {
	fields := []struct {
		name  string
		value *big.Int
	}{
		{"baseRate", c.BaseRate},
		{"rateMultiplier", c.RateMultiplier},
		{"lowUtilBaseRate", c.LowUtilBaseRate},
		{"lowUtilRateMultiplier", c.LowUtilRateMultiplier},
		{"targetLevel", c.TargetLevel},
		{"kinkLevel", c.KinkLevel},
		{"maxScaleRate", c.MaxScaleRate},
	}
	for _, f := range fields {
		if f.value == nil || f.value.Sign() < 0 {
			return fmt.Errorf("%w: %s must be non-negative", ErrInvalidDemandCurve, f.name)
		}
		if err := checkWord(f.value); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDemandCurve, f.name)
		}
	}
	if c.TargetLevel.Cmp(c.KinkLevel) > 0 {
		return fmt.Errorf("%w: targetLevel above kinkLevel", ErrInvalidDemandCurve)
	}
	if c.KinkLevel.Cmp(hundredPercent) > 0 {
		return fmt.Errorf("%w: kinkLevel above 100%%", ErrInvalidDemandCurve)
	}
	return nil
}

// BorrowRate returns the annual borrow rate for the supplied utilization.
//
// Utilization at or beyond the kink yields MaxScaleRate. Up to the target
// level the rate ramps linearly from LowUtilBaseRate; between the target and
// the kink it ramps from BaseRate. A curve whose target equals its kink jumps
// straight to MaxScaleRate at that level.
func (c DemandCurve) BorrowRate(utilization *big.Int) *big.Int {
	util := cloneInt(utilization)
	if util.Sign() < 0 {
		util.SetInt64(0)
	}
	target := cloneInt(c.TargetLevel)
	kink := cloneInt(c.KinkLevel)

	if util.Cmp(kink) >= 0 {
		return cloneInt(c.MaxScaleRate)
	}
	if util.Cmp(target) <= 0 {
		rate := cloneInt(c.LowUtilBaseRate)
		if target.Sign() == 0 {
			return rate
		}
		ramp, _ := mulDiv(c.LowUtilRateMultiplier, util, target)
		return rate.Add(rate, ramp)
	}

	rate := cloneInt(c.BaseRate)
	span := new(big.Int).Sub(kink, target)
	excess := new(big.Int).Sub(util, target)
	ramp, err := mulDiv(c.RateMultiplier, excess, span)
	if err != nil {
		return rate
	}
	return rate.Add(rate, ramp)
}

// SupplyRate derives the lender rate from the borrow rate, the utilization
// and the lending fee share. All values are 18-decimal percentages.
func (c DemandCurve) SupplyRate(utilization, lendingFeePercent *big.Int) *big.Int {
	borrow := c.BorrowRate(utilization)
	if borrow.Sign() == 0 || utilization == nil || utilization.Sign() <= 0 {
		return big.NewInt(0)
	}
	keep := new(big.Int).Sub(hundredPercent, cloneInt(lendingFeePercent))
	if keep.Sign() < 0 {
		keep.SetInt64(0)
	}
	rate, _ := mulDiv(borrow, utilization, hundredPercent)
	rate, _ = mulDiv(rate, keep, hundredPercent)
	return rate
}

// DefaultDemandCurve mirrors the curve deployed for the launch markets: a
// 7.5% multiplier with the target and kink both at 80% and a 120% ceiling.
func DefaultDemandCurve() DemandCurve {
	return DemandCurve{
		BaseRate:              big.NewInt(0),
		RateMultiplier:        mustBigInt("7500000000000000000"),
		LowUtilBaseRate:       big.NewInt(0),
		LowUtilRateMultiplier: big.NewInt(0),
		TargetLevel:           mustBigInt("80000000000000000000"),
		KinkLevel:             mustBigInt("80000000000000000000"),
		MaxScaleRate:          mustBigInt("120000000000000000000"),
	}
}
