package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenPrice returns the loan token value of one iToken share in 1e18 fixed
// point. An empty pool prices shares at 1:1.
func (p *Pool) TokenPrice() *big.Int {
	if p == nil || p.TotalShares == nil || p.TotalShares.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	price, _ := FixedDiv(p.TotalAssetSupply, p.TotalShares)
	return price
}

// Mint deposits loan tokens into a pool and credits the lender with iToken
// shares at the current token price. The lender must have approved the pool
// vault. It returns the shares minted.
func (e *Engine) Mint(lender, loanToken common.Address, amount *big.Int) (minted *big.Int, err error) {
	defer e.track("mint")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	lock := e.poolLock(loanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	pool, err := e.state.GetPool(loanToken)
	if err != nil {
		return nil, err
	}
	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	if err := accrueInterest(pool, e.now(), s.LendingFeePercent); err != nil {
		return nil, err
	}

	minted, err = FixedDiv(amount, pool.TokenPrice())
	if err != nil {
		return nil, err
	}
	if minted.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	shares, err := e.state.GetLenderShares(loanToken, lender)
	if err != nil {
		return nil, err
	}

	tok, err := e.token(loanToken)
	if err != nil {
		return nil, err
	}
	ok, err := requireFunds(tok, lender, pool.Vault, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}

	pool.TotalAssetSupply = new(big.Int).Add(pool.TotalAssetSupply, amount)
	pool.TotalShares = new(big.Int).Add(pool.TotalShares, minted)
	if err := checkWord(pool.TotalAssetSupply, pool.TotalShares); err != nil {
		return nil, err
	}
	reprice(pool)

	var st settlement
	if err := st.pull(tok, pool.Vault, lender, pool.Vault, amount); err != nil {
		return nil, st.rollback(err)
	}
	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLender(loanToken, lender, new(big.Int).Add(shares, minted))
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.recordPool(pool)
	e.emit(newPoolEvent(EventTypePoolMinted, pool, map[string]string{
		"lender": addressString(lender),
		"amount": amount.String(),
		"shares": minted.String(),
	}))
	return minted, nil
}

// Burn redeems iToken shares for loan tokens at the current token price. The
// payout is limited by the vault liquidity not reserved for protocol fees. It
// returns the loan token amount paid out.
func (e *Engine) Burn(lender, loanToken common.Address, shares *big.Int) (redeemed *big.Int, err error) {
	defer e.track("burn")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(shares); err != nil {
		return nil, err
	}
	lock := e.poolLock(loanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	pool, err := e.state.GetPool(loanToken)
	if err != nil {
		return nil, err
	}
	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	if err := accrueInterest(pool, e.now(), s.LendingFeePercent); err != nil {
		return nil, err
	}
	held, err := e.state.GetLenderShares(loanToken, lender)
	if err != nil {
		return nil, err
	}
	if held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: shares", ErrInsufficientBalance)
	}

	redeemed = FixedMul(shares, pool.TokenPrice())
	if redeemed.Cmp(pool.TotalAssetSupply) > 0 {
		redeemed = new(big.Int).Set(pool.TotalAssetSupply)
	}
	tok, err := e.token(loanToken)
	if err != nil {
		return nil, err
	}
	liquidity, err := freeLiquidity(tok, pool)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(redeemed) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	pool.TotalAssetSupply = new(big.Int).Sub(pool.TotalAssetSupply, redeemed)
	pool.TotalShares = new(big.Int).Sub(pool.TotalShares, shares)
	reprice(pool)

	var st settlement
	if err := st.push(tok, pool.Vault, lender, redeemed); err != nil {
		return nil, st.rollback(err)
	}
	cs := newChangeSet()
	cs.putPool(pool)
	cs.putLender(loanToken, lender, new(big.Int).Sub(held, shares))
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.recordPool(pool)
	e.emit(newPoolEvent(EventTypePoolBurned, pool, map[string]string{
		"lender": addressString(lender),
		"amount": redeemed.String(),
		"shares": shares.String(),
	}))
	return redeemed, nil
}

// LenderShares returns the iToken balance of a lender.
func (e *Engine) LenderShares(loanToken, lender common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.GetLenderShares(loanToken, lender)
}

// freeLiquidity is the vault balance less the protocol fees it holds for the
// fees controller. It never goes below zero.
func freeLiquidity(tok Token, pool *Pool) (*big.Int, error) {
	balance, err := tok.BalanceOf(pool.Vault)
	if err != nil {
		return nil, err
	}
	if pool.ProtocolFees == nil || pool.ProtocolFees.Sign() == 0 {
		return balance, nil
	}
	free := new(big.Int).Sub(balance, pool.ProtocolFees)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	return free, nil
}

// WithdrawProtocolFees sends accrued lending fees from the pool vault to the
// fees controller. Admin only; bounded by both the fee balance and the vault
// liquidity.
func (e *Engine) WithdrawProtocolFees(caller, loanToken common.Address, amount *big.Int) (withdrawn *big.Int, err error) {
	defer e.track("withdraw_fees")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	lock := e.poolLock(loanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	s, err := e.requireAdmin(caller)
	if err != nil {
		return nil, err
	}
	recipient := s.FeesController
	if recipient == (common.Address{}) {
		recipient = s.Admin
	}
	pool, err := e.state.GetPool(loanToken)
	if err != nil {
		return nil, err
	}
	if err := accrueInterest(pool, e.now(), s.LendingFeePercent); err != nil {
		return nil, err
	}
	if amount.Cmp(pool.ProtocolFees) > 0 {
		return nil, fmt.Errorf("%w: fees", ErrInsufficientBalance)
	}
	tok, err := e.token(loanToken)
	if err != nil {
		return nil, err
	}
	liquidity, err := tok.BalanceOf(pool.Vault)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	pool.ProtocolFees = new(big.Int).Sub(pool.ProtocolFees, amount)
	var st settlement
	if err := st.push(tok, pool.Vault, recipient, amount); err != nil {
		return nil, st.rollback(err)
	}
	cs := newChangeSet()
	cs.putPool(pool)
	if err := e.state.Commit(cs); err != nil {
		return nil, st.rollback(err)
	}
	e.logger.Info("protocol fees withdrawn", "loanToken", addressString(loanToken), "amount", amount.String())
	e.emit(newPoolEvent(EventTypeFeesWithdrawn, pool, map[string]string{
		"recipient": addressString(recipient),
		"amount":    amount.String(),
	}))
	return new(big.Int).Set(amount), nil
}
