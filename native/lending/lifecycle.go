package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var errNoProtocolVault = errors.New("lending: protocol vault not configured")

// loanTx is an open loan loaded under its pool's write lock with the pool
// already accrued to now.
type loanTx struct {
	loan     *Loan
	params   *LoanParams
	pool     *Pool
	settings *Settings
	now      uint64
	unlock   func()
}

func (e *Engine) beginLoan(id common.Hash) (*loanTx, error) {
	_, params, err := e.loanWithParams(id)
	if err != nil {
		return nil, err
	}
	lock := e.poolLock(params.LoanToken)
	lock.Lock()
	e.registryMu.RLock()
	tx := &loanTx{unlock: func() {
		e.registryMu.RUnlock()
		lock.Unlock()
	}}
	fail := func(err error) (*loanTx, error) {
		tx.unlock()
		return nil, err
	}

	if tx.loan, tx.params, err = e.loanWithParams(id); err != nil {
		return fail(err)
	}
	if !tx.loan.Active() {
		return fail(ErrLoanNotActive)
	}
	if tx.pool, err = e.state.GetPool(tx.params.LoanToken); err != nil {
		return fail(err)
	}
	if tx.settings, err = e.settings(); err != nil {
		return fail(err)
	}
	if tx.settings.ProtocolVault == (common.Address{}) {
		return fail(errNoProtocolVault)
	}
	tx.now = e.now()
	if err := accrueInterest(tx.pool, tx.now, tx.settings.LendingFeePercent); err != nil {
		return fail(err)
	}
	return tx, nil
}

func requirePositive(amounts ...*big.Int) error {
	for _, a := range amounts {
		if a == nil || a.Sign() <= 0 {
			return ErrInvalidAmount
		}
	}
	return checkWord(amounts...)
}

// OpenLoan borrows principal from the params' loan token pool against
// collateral. The borrower must have approved the protocol vault for the
// collateral. The resulting margin must meet the params' initial margin.
func (e *Engine) OpenLoan(borrower common.Address, paramsID common.Hash, principal, collateral *big.Int) (loan *Loan, err error) {
	defer e.track("open_loan")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(principal, collateral); err != nil {
		return nil, err
	}
	params, err := e.GetLoanParams(paramsID)
	if err != nil {
		return nil, err
	}

	lock := e.poolLock(params.LoanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	if params, err = e.state.GetLoanParams(paramsID); err != nil {
		return nil, err
	}
	if !params.Active {
		return nil, ErrLoanParamsDisabled
	}
	pool, err := e.state.GetPool(params.LoanToken)
	if err != nil {
		return nil, err
	}
	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	if s.ProtocolVault == (common.Address{}) {
		return nil, errNoProtocolVault
	}
	now := e.now()
	if err := accrueInterest(pool, now, s.LendingFeePercent); err != nil {
		return nil, err
	}

	pool.LoanNonce++
	loan = &Loan{
		ID:             loanID(paramsID, borrower, pool.LoanNonce),
		LoanParamsID:   paramsID,
		Borrower:       borrower,
		Principal:      new(big.Int).Set(principal),
		Collateral:     new(big.Int).Set(collateral),
		StartTimestamp: now,
		InterestIndex:  new(big.Int).Set(pool.InterestIndex),
		EndTimestamp:   loanTerm(params, now),
		State:          LoanStateOpen,
	}
	pos, err := e.valuePosition(loan, params, pool, collateral, now)
	if err != nil {
		return nil, err
	}
	if pos.Margin.Cmp(params.MinInitialMargin) < 0 {
		return nil, fmt.Errorf("%w: margin %s below initial %s", ErrInsufficientCollateral, pos.Margin, params.MinInitialMargin)
	}

	loanToken, err := e.token(params.LoanToken)
	if err != nil {
		return nil, err
	}
	collToken, err := e.token(params.CollateralToken)
	if err != nil {
		return nil, err
	}
	liquidity, err := freeLiquidity(loanToken, pool)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(principal) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	ok, err := requireFunds(collToken, borrower, s.ProtocolVault, collateral)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: collateral", ErrInsufficientBalance)
	}

	pool.TotalPrincipal = new(big.Int).Add(pool.TotalPrincipal, principal)
	if err := checkWord(pool.TotalPrincipal); err != nil {
		return nil, err
	}
	reprice(pool)
	loan.StartRate = new(big.Int).Set(pool.BorrowInterestRate)

	var st settlement
	if err := st.pull(collToken, s.ProtocolVault, borrower, s.ProtocolVault, collateral); err != nil {
		return nil, st.rollback(err)
	}
	if err := st.push(loanToken, pool.Vault, borrower, principal); err != nil {
		return nil, st.rollback(err)
	}

	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}

	e.recordPool(pool)
	e.telemetry.AddOpenLoans(addressString(params.LoanToken), 1)
	e.logger.Info("loan opened",
		"loanId", loan.ID.Hex(),
		"borrower", addressString(borrower),
		"principal", principal.String(),
		"margin", pos.Margin.String())
	e.emit(newLoanEvent(EventTypeLoanOpened, loan, map[string]string{"margin": pos.Margin.String()}))
	return loan.Clone(), nil
}

// IncreaseCollateral adds collateral to an open loan. Anyone may top up a
// loan; the payer must have approved the protocol vault.
func (e *Engine) IncreaseCollateral(payer common.Address, id common.Hash, amount *big.Int) (loan *Loan, err error) {
	defer e.track("increase_collateral")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	tx, err := e.beginLoan(id)
	if err != nil {
		return nil, err
	}
	defer tx.unlock()

	collToken, err := e.token(tx.params.CollateralToken)
	if err != nil {
		return nil, err
	}
	ok, err := requireFunds(collToken, payer, tx.settings.ProtocolVault, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: collateral", ErrInsufficientBalance)
	}
	loan = tx.loan
	loan.Collateral = new(big.Int).Add(loan.Collateral, amount)
	if err := checkWord(loan.Collateral); err != nil {
		return nil, err
	}
	pos, err := e.valuePosition(loan, tx.params, tx.pool, loan.Collateral, tx.now)
	if err != nil {
		return nil, err
	}

	var st settlement
	if err := st.pull(collToken, tx.settings.ProtocolVault, payer, tx.settings.ProtocolVault, amount); err != nil {
		return nil, st.rollback(err)
	}
	cs := newChangeSet()
	cs.putPool(tx.pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.emit(newLoanEvent(EventTypeCollateralDeposited, loan, map[string]string{
		"amount": amount.String(),
		"payer":  addressString(payer),
		"margin": pos.Margin.String(),
	}))
	return loan.Clone(), nil
}

// WithdrawCollateral releases collateral to the borrower as long as the loan
// still meets its initial margin afterwards.
func (e *Engine) WithdrawCollateral(caller common.Address, id common.Hash, amount *big.Int) (loan *Loan, err error) {
	defer e.track("withdraw_collateral")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	tx, err := e.beginLoan(id)
	if err != nil {
		return nil, err
	}
	defer tx.unlock()

	loan = tx.loan
	if caller != loan.Borrower {
		return nil, ErrUnauthorized
	}
	if amount.Cmp(loan.Collateral) > 0 {
		return nil, fmt.Errorf("%w: withdrawal exceeds posted collateral", ErrInsufficientCollateral)
	}
	remaining := new(big.Int).Sub(loan.Collateral, amount)
	pos, err := e.valuePosition(loan, tx.params, tx.pool, remaining, tx.now)
	if err != nil {
		return nil, err
	}
	if pos.Margin.Cmp(tx.params.MinInitialMargin) < 0 {
		return nil, fmt.Errorf("%w: margin %s below initial %s", ErrInsufficientCollateral, pos.Margin, tx.params.MinInitialMargin)
	}
	collToken, err := e.token(tx.params.CollateralToken)
	if err != nil {
		return nil, err
	}
	loan.Collateral = remaining

	var st settlement
	if err := st.push(collToken, tx.settings.ProtocolVault, loan.Borrower, amount); err != nil {
		return nil, st.rollback(err)
	}
	cs := newChangeSet()
	cs.putPool(tx.pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.emit(newLoanEvent(EventTypeCollateralWithdrawn, loan, map[string]string{
		"amount": amount.String(),
		"margin": pos.Margin.String(),
	}))
	return loan.Clone(), nil
}

// Rollover capitalises accrued interest into principal, snapshots the current
// index and rate, and starts a fresh term window. The borrower may roll over at
// any time; anyone else only once the term has expired. The loan must still
// meet its maintenance margin.
func (e *Engine) Rollover(caller common.Address, id common.Hash) (loan *Loan, err error) {
	defer e.track("rollover")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	tx, err := e.beginLoan(id)
	if err != nil {
		return nil, err
	}
	defer tx.unlock()

	loan = tx.loan
	if caller != loan.Borrower && !loan.Expired(tx.now) {
		return nil, ErrUnauthorized
	}
	pos, err := e.valuePosition(loan, tx.params, tx.pool, loan.Collateral, tx.now)
	if err != nil {
		return nil, err
	}
	if pos.Margin.Cmp(tx.params.MaintenanceMargin) < 0 {
		return nil, fmt.Errorf("%w: margin %s below maintenance %s", ErrInsufficientCollateral, pos.Margin, tx.params.MaintenanceMargin)
	}

	pool := tx.pool
	pool.TotalPrincipal = new(big.Int).Add(pool.TotalPrincipal, pos.Interest)
	settleInterest(pool, pos.Interest)
	reprice(pool)

	loan.Principal = pos.Owed
	loan.InterestIndex = new(big.Int).Set(pool.InterestIndex)
	loan.StartRate = new(big.Int).Set(pool.BorrowInterestRate)
	loan.EndTimestamp = loanTerm(tx.params, tx.now)

	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.recordPool(pool)
	e.logger.Info("loan rolled over", "loanId", loan.ID.Hex(), "capitalised", pos.Interest.String())
	e.emit(newLoanEvent(EventTypeLoanRolledOver, loan, map[string]string{
		"capitalised": pos.Interest.String(),
		"margin":      pos.Margin.String(),
	}))
	return loan.Clone(), nil
}

// CloseLoan repays an open loan in full and releases its collateral. The
// repayment comes from the borrower's loan token balance, from selling the
// collateral, or from whichever of the two covers the debt first.
func (e *Engine) CloseLoan(caller common.Address, id common.Hash, source RepaymentSource) (result *CloseResult, err error) {
	defer e.track("close_loan")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	tx, err := e.beginLoan(id)
	if err != nil {
		return nil, err
	}
	defer tx.unlock()

	loan, params, pool, s := tx.loan, tx.params, tx.pool, tx.settings
	if caller != loan.Borrower {
		return nil, ErrUnauthorized
	}
	owed, interest := owedOn(loan, pool)

	loanToken, err := e.token(params.LoanToken)
	if err != nil {
		return nil, err
	}
	collToken, err := e.token(params.CollateralToken)
	if err != nil {
		return nil, err
	}

	depositOK := false
	if source != RepayCollateralSwap {
		if depositOK, err = requireFunds(loanToken, loan.Borrower, s.ProtocolVault, owed); err != nil {
			return nil, err
		}
	}
	var quote *big.Int
	var swapErr error
	useSwap := false
	if source == RepayCollateralSwap || (source == RepayAuto && !depositOK) {
		quote, swapErr = e.quoteCollateral(params, loan.Collateral)
		useSwap = swapErr == nil && quote.Cmp(owed) >= 0
	}

	result = &CloseResult{
		Repaid:             owed,
		Interest:           interest,
		CollateralReturned: big.NewInt(0),
		SurplusReturned:    big.NewInt(0),
	}
	var st settlement
	switch {
	case depositOK:
		result.Source = RepayDeposit
		result.CollateralReturned = new(big.Int).Set(loan.Collateral)
		if err := st.pull(loanToken, s.ProtocolVault, loan.Borrower, pool.Vault, owed); err != nil {
			return nil, st.rollback(err)
		}
		if err := st.push(collToken, s.ProtocolVault, loan.Borrower, loan.Collateral); err != nil {
			return nil, st.rollback(err)
		}
	case useSwap:
		result.Source = RepayCollateralSwap
		out, err := st.swap(e.swaps, s.ProtocolVault, params.CollateralToken, params.LoanToken, loan.Collateral, owed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientRepayment, err)
		}
		result.SurplusReturned = new(big.Int).Sub(out, owed)
		if err := st.push(loanToken, s.ProtocolVault, pool.Vault, owed); err != nil {
			return nil, st.rollback(err)
		}
		if err := st.push(loanToken, s.ProtocolVault, loan.Borrower, result.SurplusReturned); err != nil {
			return nil, st.rollback(err)
		}
	default:
		if errors.Is(swapErr, ErrStaleOracle) {
			return nil, swapErr
		}
		return nil, fmt.Errorf("%w: owed %s", ErrInsufficientRepayment, owed)
	}

	pool.TotalPrincipal = new(big.Int).Sub(pool.TotalPrincipal, loan.Principal)
	if pool.TotalPrincipal.Sign() < 0 {
		pool.TotalPrincipal.SetInt64(0)
	}
	settleInterest(pool, interest)
	reprice(pool)
	loan.State = LoanStateClosed

	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.recordPool(pool)
	e.telemetry.AddOpenLoans(addressString(params.LoanToken), -1)
	e.logger.Info("loan closed",
		"loanId", loan.ID.Hex(),
		"source", result.Source.String(),
		"repaid", owed.String(),
		"interest", interest.String())
	e.emit(newLoanEvent(EventTypeLoanClosed, loan, map[string]string{
		"repaid":   owed.String(),
		"interest": interest.String(),
		"source":   result.Source.String(),
		"surplus":  result.SurplusReturned.String(),
	}))
	return result, nil
}

func (e *Engine) quoteCollateral(params *LoanParams, collateral *big.Int) (*big.Int, error) {
	if e.swaps == nil {
		return nil, errors.New("lending: swap executor not configured")
	}
	return e.swaps.Quote(params.CollateralToken, params.LoanToken, collateral)
}

// Liquidate repays an under-margined loan on behalf of its borrower. The
// liquidator pays the full debt in the loan token and receives collateral
// worth the debt plus the pair's liquidation incentive; any remaining
// collateral returns to the borrower.
func (e *Engine) Liquidate(liquidator common.Address, id common.Hash) (result *LiquidationResult, err error) {
	defer e.track("liquidate")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	tx, err := e.beginLoan(id)
	if err != nil {
		return nil, err
	}
	defer tx.unlock()

	loan, params, pool, s := tx.loan, tx.params, tx.pool, tx.settings
	tokenLabel := addressString(params.LoanToken)
	pos, err := e.valuePosition(loan, params, pool, loan.Collateral, tx.now)
	if err != nil {
		return nil, err
	}
	if !pos.Liquidatable {
		e.telemetry.ObserveLiquidation(tokenLabel, "healthy")
		e.logger.Debug("liquidation rejected", "loanId", loan.ID.Hex(), "margin", pos.Margin.String())
		return nil, ErrNotLiquidatable
	}

	incentive, ok, err := e.state.GetIncentive(params.LoanToken, params.CollateralToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		incentive = DefaultLiquidationIncentive
	}
	seized, err := e.seizeAmount(pos.Owed, incentive, loan.Collateral, params)
	if err != nil {
		return nil, err
	}
	remainder := new(big.Int).Sub(loan.Collateral, seized)

	loanToken, err := e.token(params.LoanToken)
	if err != nil {
		return nil, err
	}
	collToken, err := e.token(params.CollateralToken)
	if err != nil {
		return nil, err
	}
	funded, err := requireFunds(loanToken, liquidator, s.ProtocolVault, pos.Owed)
	if err != nil {
		return nil, err
	}
	if !funded {
		return nil, fmt.Errorf("%w: liquidator cannot cover %s", ErrInsufficientRepayment, pos.Owed)
	}

	var st settlement
	if err := st.pull(loanToken, s.ProtocolVault, liquidator, pool.Vault, pos.Owed); err != nil {
		return nil, st.rollback(err)
	}
	if err := st.push(collToken, s.ProtocolVault, liquidator, seized); err != nil {
		return nil, st.rollback(err)
	}
	if err := st.push(collToken, s.ProtocolVault, loan.Borrower, remainder); err != nil {
		return nil, st.rollback(err)
	}

	pool.TotalPrincipal = new(big.Int).Sub(pool.TotalPrincipal, loan.Principal)
	if pool.TotalPrincipal.Sign() < 0 {
		pool.TotalPrincipal.SetInt64(0)
	}
	settleInterest(pool, pos.Interest)
	reprice(pool)
	loan.State = LoanStateLiquidated

	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLoan(loan)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.recordPool(pool)
	e.telemetry.ObserveLiquidation(tokenLabel, "liquidated")
	e.telemetry.AddOpenLoans(tokenLabel, -1)
	e.logger.Info("loan liquidated",
		"loanId", loan.ID.Hex(),
		"liquidator", addressString(liquidator),
		"repaid", pos.Owed.String(),
		"seized", seized.String(),
		"margin", pos.Margin.String())
	e.emit(newLoanEvent(EventTypeLoanLiquidated, loan, map[string]string{
		"liquidator": addressString(liquidator),
		"repaid":     pos.Owed.String(),
		"seized":     seized.String(),
		"returned":   remainder.String(),
		"margin":     pos.Margin.String(),
	}))
	return &LiquidationResult{
		Repaid:             pos.Owed,
		SeizedCollateral:   seized,
		CollateralReturned: remainder,
		Margin:             pos.Margin,
	}, nil
}
