package lending

import "math/big"

// accrueInterest brings the pool up to now using simple interest at the stored
// borrow rate, then reprices the rate from the post-accrual utilization. A
// timestamp at or before the last update leaves the pool untouched.
//
// The accrued amount grows the lenders' supply (less the lending fee share),
// the borrowers' outstanding interest and the cumulative interest index from
// which every loan derives what it owes.
func accrueInterest(pool *Pool, now uint64, lendingFeePercent *big.Int) error {
	if pool == nil {
		return ErrNilState
	}
	ensurePoolDefaults(pool)
	if now <= pool.LastInterestUpdate {
		return nil
	}
	elapsed := new(big.Int).SetUint64(now - pool.LastInterestUpdate)

	perUnit, err := interestPerUnit(pool.BorrowInterestRate, elapsed)
	if err != nil {
		return err
	}
	earned := FixedMul(pool.TotalPrincipal, perUnit)

	fee := big.NewInt(0)
	if lendingFeePercent != nil && lendingFeePercent.Sign() > 0 && earned.Sign() > 0 {
		fee, err = mulDiv(earned, lendingFeePercent, hundredPercent)
		if err != nil {
			return err
		}
	}

	index := new(big.Int).Add(pool.InterestIndex, perUnit)
	supply := new(big.Int).Add(pool.TotalAssetSupply, new(big.Int).Sub(earned, fee))
	owed := new(big.Int).Add(pool.TotalInterestOwed, earned)
	fees := new(big.Int).Add(pool.ProtocolFees, fee)
	if err := checkWord(index, supply, owed, fees); err != nil {
		return err
	}

	pool.InterestIndex = index
	pool.TotalAssetSupply = supply
	pool.TotalInterestOwed = owed
	pool.ProtocolFees = fees
	pool.CheckpointSupply = new(big.Int).Set(supply)
	pool.LastInterestUpdate = now
	reprice(pool)
	return nil
}

// interestPerUnit returns the interest owed per unit of principal over elapsed
// seconds at an annual percentage rate, in 1e18 fixed point.
func interestPerUnit(annualRate, elapsed *big.Int) (*big.Int, error) {
	if annualRate == nil || annualRate.Sign() == 0 || elapsed.Sign() == 0 {
		return big.NewInt(0), nil
	}
	yearFraction, err := FixedDiv(elapsed, secondsPerYear)
	if err != nil {
		return nil, err
	}
	return FixedDiv(FixedMul(annualRate, yearFraction), hundredPercent)
}

// reprice sets the borrow rate from the pool's current utilization.
func reprice(pool *Pool) {
	pool.BorrowInterestRate = pool.Curve.BorrowRate(pool.Utilization())
}

// owedOn returns the principal plus interest a loan owes at the pool's index,
// and the interest part alone.
func owedOn(loan *Loan, pool *Pool) (owed, interest *big.Int) {
	delta := new(big.Int).Sub(cloneInt(pool.InterestIndex), cloneInt(loan.InterestIndex))
	if delta.Sign() < 0 {
		delta.SetInt64(0)
	}
	interest = FixedMul(loan.Principal, delta)
	owed = new(big.Int).Add(cloneInt(loan.Principal), interest)
	return owed, interest
}

// settleInterest removes repaid interest from the outstanding total without
// letting rounding push it below zero.
func settleInterest(pool *Pool, interest *big.Int) {
	remaining := new(big.Int).Sub(pool.TotalInterestOwed, interest)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	pool.TotalInterestOwed = remaining
}

func ensurePoolDefaults(p *Pool) {
	for _, field := range []**big.Int{
		&p.TotalPrincipal, &p.TotalAssetSupply, &p.TotalInterestOwed, &p.TotalShares,
		&p.ProtocolFees, &p.InterestIndex, &p.BorrowInterestRate, &p.CheckpointSupply,
	} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
}
