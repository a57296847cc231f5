package lending

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var hundred = big.NewInt(100)

// ComputeMargin returns (collateralValue - owed) / owed * 100 as a signed
// 18-decimal percentage. A position worth less than its debt has a negative
// margin.
func ComputeMargin(collateralValue, owed *big.Int) (*big.Int, error) {
	if owed == nil || owed.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	surplus := new(big.Int).Sub(cloneInt(collateralValue), owed)
	ratio, err := FixedDiv(surplus, owed)
	if err != nil {
		return nil, err
	}
	return ratio.Mul(ratio, hundred), nil
}

// Position is a point-in-time valuation of a loan.
type Position struct {
	Loan            *Loan
	Params          *LoanParams
	Owed            *big.Int
	Interest        *big.Int
	CollateralValue *big.Int
	Margin          *big.Int
	Liquidatable    bool
	Expired         bool
}

// valuePosition prices a loan against a pool that has already been accrued to
// now. It does not mutate its inputs.
func (e *Engine) valuePosition(loan *Loan, params *LoanParams, pool *Pool, collateral *big.Int, now uint64) (*Position, error) {
	if e.oracle == nil {
		return nil, errors.New("lending: price oracle not configured")
	}
	owed, interest := owedOn(loan, pool)
	value, err := e.oracle.Convert(cloneInt(collateral), params.CollateralToken, params.LoanToken)
	if err != nil {
		return nil, err
	}
	margin, err := ComputeMargin(value, owed)
	if err != nil {
		return nil, err
	}
	return &Position{
		Loan:            loan.Clone(),
		Params:          params.Clone(),
		Owed:            owed,
		Interest:        interest,
		CollateralValue: value,
		Margin:          margin,
		Liquidatable:    margin.Cmp(params.MaintenanceMargin) < 0,
		Expired:         loan.Expired(now),
	}, nil
}

// CurrentMargin returns the signed margin of an open loan with interest
// projected to now. Nothing is persisted.
func (e *Engine) CurrentMargin(id common.Hash) (*big.Int, error) {
	pos, err := e.Position(id)
	if err != nil {
		return nil, err
	}
	return pos.Margin, nil
}

// Position values an open loan with interest projected to now.
func (e *Engine) Position(id common.Hash) (pos *Position, err error) {
	defer e.track("current_margin")(&err)
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, params, err := e.loanWithParams(id)
	if err != nil {
		return nil, err
	}

	lock := e.poolLock(params.LoanToken)
	lock.RLock()
	defer lock.RUnlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	// Reload under the lock so the loan and pool come from the same version.
	loan, err = e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if !loan.Active() {
		return nil, ErrLoanNotActive
	}
	pool, err := e.projectedPool(params.LoanToken)
	if err != nil {
		return nil, err
	}
	return e.valuePosition(loan, params, pool, loan.Collateral, e.now())
}

// Loan returns a stored loan in any state.
func (e *Engine) Loan(id common.Hash) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.GetLoan(id)
}

// Loans returns every stored loan.
func (e *Engine) Loans() ([]*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.ListLoans()
}

func (e *Engine) loanWithParams(id common.Hash) (*Loan, *LoanParams, error) {
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, nil, err
	}
	params, err := e.state.GetLoanParams(loan.LoanParamsID)
	if err != nil {
		return nil, nil, err
	}
	return loan, params, nil
}

// seizeAmount converts owed*(100%+incentive) into collateral, capped at the
// collateral posted.
func (e *Engine) seizeAmount(owed, incentive, collateral *big.Int, params *LoanParams) (*big.Int, error) {
	bonus := new(big.Int).Add(hundredPercent, incentive)
	value, err := mulDiv(owed, bonus, hundredPercent)
	if err != nil {
		return nil, err
	}
	seized, err := e.oracle.Convert(value, params.LoanToken, params.CollateralToken)
	if err != nil {
		return nil, err
	}
	return minInt(seized, collateral), nil
}
