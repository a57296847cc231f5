package lending

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "revenuechannels/native/common"
)

func TestOpenLoanAtInitialMargin(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)

	if loan.State != LoanStateOpen || loan.Borrower != borrowerAddr {
		t.Fatalf("unexpected loan %+v", loan)
	}
	if loan.ID != loanID(h.paramsID, borrowerAddr, 1) {
		t.Fatalf("unexpected loan id %s", loan.ID.Hex())
	}
	margin, err := h.engine.CurrentMargin(loan.ID)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if margin.Cmp(pct(25)) != 0 {
		t.Fatalf("expected 25%% margin, got %s", margin)
	}
	requireInt(t, "borrower loan balance", h.tokens.balance(loanTokenAddr, borrowerAddr), 1000)
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 9000)
	requireInt(t, "custodied collateral", h.tokens.balance(collTokenAddr, protocolVault), 1250)
	pool := h.pool()
	requireInt(t, "pool principal", pool.TotalPrincipal, 1000)
	if pool.LoanNonce != 1 {
		t.Fatalf("expected nonce 1, got %d", pool.LoanNonce)
	}
	if loan.EndTimestamp != uint64(h.clock)+30*24*3600 {
		t.Fatalf("unexpected term end %d", loan.EndTimestamp)
	}
}

func TestOpenLoanRejectsThinMargin(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(1150))
	_, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(1000), big.NewInt(1150))
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	requireInt(t, "collateral untouched", h.tokens.balance(collTokenAddr, borrowerAddr), 1150)
	if h.pool().LoanNonce != 0 {
		t.Fatalf("a rejected loan must not consume a nonce")
	}
}

func TestOpenLoanRequiresLiquidity(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 500)
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(1250))
	_, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(1000), big.NewInt(1250))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestOpenLoanRequiresApprovedCollateral(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	h.tokens.mint(collTokenAddr, borrowerAddr, big.NewInt(1250))
	_, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(1000), big.NewInt(1250))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance without approval, got %v", err)
	}
	if _, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(0), big.NewInt(1250)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestOpenLoanRollsBackOnTransferFailure(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	h.tokens.tokens[loanTokenAddr].failOn = func(from, to common.Address) error {
		if from == poolVault && to == borrowerAddr {
			return errors.New("vault frozen")
		}
		return nil
	}
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(1250))
	if _, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(1000), big.NewInt(1250)); err == nil {
		t.Fatalf("expected the frozen vault to fail the loan")
	}
	requireInt(t, "collateral returned", h.tokens.balance(collTokenAddr, borrowerAddr), 1250)
	requireInt(t, "custody empty", h.tokens.balance(collTokenAddr, protocolVault), 0)
	requireInt(t, "pool principal", h.pool().TotalPrincipal, 0)
	loans, _ := h.engine.Loans()
	if len(loans) != 0 {
		t.Fatalf("expected no stored loans, got %d", len(loans))
	}
}

func TestLiquidateUnderMaintenance(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	// Collateral now worth 1100 loan tokens: margin 10%.
	h.oracle.set(collTokenAddr, loanTokenAddr, 22, 25)

	pos, err := h.engine.Position(loan.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Margin.Cmp(pct(10)) != 0 || !pos.Liquidatable {
		t.Fatalf("expected a liquidatable 10%% margin, got %s", pos.Margin)
	}

	h.fund(loanTokenAddr, liquidatorAddr, big.NewInt(1000))
	result, err := h.engine.Liquidate(liquidatorAddr, loan.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	requireInt(t, "repaid", result.Repaid, 1000)
	// 1000 * 1.05 = 1050 loan tokens at 25/22 collateral each.
	requireInt(t, "seized", result.SeizedCollateral, 1193)
	requireInt(t, "returned", result.CollateralReturned, 57)
	requireInt(t, "liquidator collateral", h.tokens.balance(collTokenAddr, liquidatorAddr), 1193)
	requireInt(t, "borrower collateral", h.tokens.balance(collTokenAddr, borrowerAddr), 57)
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 10_000)

	stored, err := h.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if stored.State != LoanStateLiquidated {
		t.Fatalf("expected liquidated state, got %s", stored.State)
	}
	requireInt(t, "pool principal", h.pool().TotalPrincipal, 0)
	if _, err := h.engine.Liquidate(liquidatorAddr, loan.ID); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestLiquidateHealthyLoan(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	// Collateral worth 1180: margin 18%, above maintenance.
	h.oracle.set(collTokenAddr, loanTokenAddr, 1180, 1250)
	h.fund(loanTokenAddr, liquidatorAddr, big.NewInt(1000))
	if _, err := h.engine.Liquidate(liquidatorAddr, loan.ID); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	requireInt(t, "liquidator funds untouched", h.tokens.balance(loanTokenAddr, liquidatorAddr), 1000)
}

func TestLiquidateUsesPairIncentive(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	if err := h.engine.SetLiquidationIncentivePercent(adminAddr, []IncentiveSetting{{
		LoanToken: loanTokenAddr, CollateralToken: collTokenAddr, Percent: pct(10),
	}}); err != nil {
		t.Fatalf("set incentive: %v", err)
	}
	loan := h.openLoan(1000, 1250)
	h.oracle.set(collTokenAddr, loanTokenAddr, 22, 25)
	h.fund(loanTokenAddr, liquidatorAddr, big.NewInt(1000))
	result, err := h.engine.Liquidate(liquidatorAddr, loan.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// 1100 loan tokens at 25/22 is exactly 1250: the whole collateral.
	requireInt(t, "seized", result.SeizedCollateral, 1250)
	requireInt(t, "returned", result.CollateralReturned, 0)
}

func TestLiquidateRequiresFundedLiquidator(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	h.oracle.set(collTokenAddr, loanTokenAddr, 22, 25)
	if _, err := h.engine.Liquidate(liquidatorAddr, loan.ID); !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
}

func TestStaleOracleBlocksValuation(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	h.oracle.setStale(true)
	if _, err := h.engine.CurrentMargin(loan.ID); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle, got %v", err)
	}
	if _, err := h.engine.Liquidate(liquidatorAddr, loan.ID); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle from liquidate, got %v", err)
	}
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(1250))
	if _, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(100), big.NewInt(1250)); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle from open, got %v", err)
	}
}

func TestCloseLoanByDeposit(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(100))

	if _, err := h.engine.CloseLoan(strangerAddr, loan.ID, RepayDeposit); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	result, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Source != RepayDeposit {
		t.Fatalf("expected deposit source, got %s", result.Source)
	}
	requireInt(t, "repaid", result.Repaid, 1100)
	requireInt(t, "interest", result.Interest, 100)
	requireInt(t, "collateral returned", result.CollateralReturned, 1250)
	requireInt(t, "borrower collateral", h.tokens.balance(collTokenAddr, borrowerAddr), 1250)
	requireInt(t, "borrower loan balance", h.tokens.balance(loanTokenAddr, borrowerAddr), 0)
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 10_100)

	pool := h.pool()
	requireInt(t, "pool principal", pool.TotalPrincipal, 0)
	requireInt(t, "interest outstanding", pool.TotalInterestOwed, 0)
	requireInt(t, "supply", pool.TotalAssetSupply, 10_100)
	stored, _ := h.engine.Loan(loan.ID)
	if stored.State != LoanStateClosed {
		t.Fatalf("expected closed loan to keep its record, got %s", stored.State)
	}
}

func TestCloseLoanDepositShortfall(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)
	// The borrower only holds the principal; the interest is missing.
	_, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit)
	if !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	stored, _ := h.engine.Loan(loan.ID)
	if !stored.Active() {
		t.Fatalf("failed close must leave the loan open")
	}
}

func TestCloseLoanBySwap(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1250)
	h.tokens.mint(loanTokenAddr, h.swaps.reserve, big.NewInt(5000))

	result, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayCollateralSwap)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Source != RepayCollateralSwap {
		t.Fatalf("expected swap source, got %s", result.Source)
	}
	requireInt(t, "repaid", result.Repaid, 1000)
	requireInt(t, "surplus", result.SurplusReturned, 250)
	// The borrower keeps the borrowed 1000 plus the swap surplus.
	requireInt(t, "borrower loan balance", h.tokens.balance(loanTokenAddr, borrowerAddr), 1250)
	requireInt(t, "custody collateral", h.tokens.balance(collTokenAddr, protocolVault), 0)
	requireInt(t, "custody loan tokens", h.tokens.balance(loanTokenAddr, protocolVault), 0)
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 10_000)
}

func TestCloseLoanBySwapUnwindsOnCommitFailure(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1250)
	h.tokens.mint(loanTokenAddr, h.swaps.reserve, big.NewInt(5000))
	diskFull := errors.New("disk full")
	h.engine.state = &flakyStore{Store: h.store, err: diskFull}

	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayCollateralSwap); !errors.Is(err, diskFull) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if h.swaps.calls != 1 {
		t.Fatalf("expected one swap, got %d", h.swaps.calls)
	}
	stored, err := h.store.GetLoan(loan.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if stored.State != LoanStateOpen {
		t.Fatalf("expected loan to stay open, got %s", stored.State)
	}
	requireInt(t, "loan collateral", stored.Collateral, 1250)
	requireInt(t, "custody collateral", h.tokens.balance(collTokenAddr, protocolVault), 1250)
	requireInt(t, "custody loan tokens", h.tokens.balance(loanTokenAddr, protocolVault), 0)
	requireInt(t, "reserve collateral", h.tokens.balance(collTokenAddr, h.swaps.reserve), 0)
	requireInt(t, "reserve loan tokens", h.tokens.balance(loanTokenAddr, h.swaps.reserve), 5000)
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 9000)
	requireInt(t, "borrower loan balance", h.tokens.balance(loanTokenAddr, borrowerAddr), 1000)

	h.engine.state = h.store
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayCollateralSwap); err != nil {
		t.Fatalf("close after recovery: %v", err)
	}
	requireInt(t, "vault after close", h.tokens.balance(loanTokenAddr, poolVault), 10_000)
}

func TestCloseLoanAutoPrefersDeposit(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(0))

	result, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayAuto)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Source != RepayDeposit || h.swaps.calls != 0 {
		t.Fatalf("expected a deposit close without swapping, got %s after %d swaps", result.Source, h.swaps.calls)
	}
}

func TestCloseLoanAutoFallsBackToSwap(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	tok, _ := h.tokens.Token(loanTokenAddr)
	if err := tok.Transfer(borrowerAddr, strangerAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	h.tokens.mint(loanTokenAddr, h.swaps.reserve, big.NewInt(5000))

	result, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayAuto)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Source != RepayCollateralSwap {
		t.Fatalf("expected swap fallback, got %s", result.Source)
	}
	requireInt(t, "borrower surplus", h.tokens.balance(loanTokenAddr, borrowerAddr), 250)
}

func TestCloseLoanSwapCannotCover(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	h.oracle.set(collTokenAddr, loanTokenAddr, 1, 2)
	h.tokens.mint(loanTokenAddr, h.swaps.reserve, big.NewInt(5000))
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayCollateralSwap); !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	if h.swaps.calls != 0 {
		t.Fatalf("an uncovering quote must not execute a swap")
	}
}

func TestRollover(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1500)
	if _, err := h.engine.Rollover(strangerAddr, loan.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected a stranger to wait for expiry, got %v", err)
	}
	h.advance(SecondsPerYear)
	rolled, err := h.engine.Rollover(borrowerAddr, loan.ID)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	requireInt(t, "principal", rolled.Principal, 1100)
	if rolled.EndTimestamp != uint64(h.clock)+30*24*3600 {
		t.Fatalf("expected a fresh term, got %d", rolled.EndTimestamp)
	}
	pool := h.pool()
	if rolled.InterestIndex.Cmp(pool.InterestIndex) != 0 {
		t.Fatalf("expected the index snapshot to match the pool")
	}
	requireInt(t, "pool principal", pool.TotalPrincipal, 1100)
	requireInt(t, "interest outstanding", pool.TotalInterestOwed, 0)

	pos, err := h.engine.Position(loan.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	requireInt(t, "owed after rollover", pos.Owed, 1100)
}

func TestRolloverByKeeperAfterExpiry(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	loan := h.openLoan(1000, 1500)
	h.advance(30*24*3600 + 1)
	if _, err := h.engine.Rollover(strangerAddr, loan.ID); err != nil {
		t.Fatalf("expected an expired loan to be rolled by anyone: %v", err)
	}
}

func TestWithdrawCollateral(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1500)

	if _, err := h.engine.WithdrawCollateral(strangerAddr, loan.ID, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.WithdrawCollateral(borrowerAddr, loan.ID, big.NewInt(301)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected margin check to fail, got %v", err)
	}
	updated, err := h.engine.WithdrawCollateral(borrowerAddr, loan.ID, big.NewInt(250))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireInt(t, "collateral", updated.Collateral, 1250)
	requireInt(t, "borrower collateral", h.tokens.balance(collTokenAddr, borrowerAddr), 250)
	requireInt(t, "custody", h.tokens.balance(collTokenAddr, protocolVault), 1250)
}

func TestIncreaseCollateral(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	h.oracle.set(collTokenAddr, loanTokenAddr, 22, 25)

	h.fund(collTokenAddr, strangerAddr, big.NewInt(250))
	updated, err := h.engine.IncreaseCollateral(strangerAddr, loan.ID, big.NewInt(250))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	requireInt(t, "collateral", updated.Collateral, 1500)
	pos, err := h.engine.Position(loan.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	// 1500 * 0.88 = 1320 against 1000 owed.
	if pos.Margin.Cmp(pct(32)) != 0 || pos.Liquidatable {
		t.Fatalf("expected a healthy 32%% margin, got %s", pos.Margin)
	}
	if _, err := h.engine.IncreaseCollateral(strangerAddr, loan.ID, big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPausedEngineRejectsMutations(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	loan := h.openLoan(1000, 1250)
	pauses := nativecommon.NewPauses(ModuleName)
	h.engine.SetPauses(pauses)

	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.Mint(lenderAddr, loanTokenAddr, big.NewInt(1)); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused from mint, got %v", err)
	}
	if _, err := h.engine.CurrentMargin(loan.ID); err != nil {
		t.Fatalf("queries must work while paused: %v", err)
	}
	pauses.Set(ModuleName, false)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(0))
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit); err != nil {
		t.Fatalf("close after unpause: %v", err)
	}
}

func TestMintBurnTracksTokenPrice(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	requireInt(t, "lender shares", mustShares(t, h, lenderAddr), 10_000)
	h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)

	// Supply is now 10100 over 10000 shares.
	second := h.deposit(strangerAddr, big.NewInt(1010))
	requireInt(t, "second lender shares", second, 1000)

	if _, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(10_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	redeemed, err := h.engine.Burn(strangerAddr, loanTokenAddr, big.NewInt(1000))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	requireInt(t, "redeemed", redeemed, 1010)
	requireInt(t, "stranger balance", h.tokens.balance(loanTokenAddr, strangerAddr), 1010)
	requireInt(t, "stranger shares", mustShares(t, h, strangerAddr), 0)
}

func TestBurnLimitedByVaultLiquidity(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	h.openLoan(8000, 10_000)
	if _, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(5000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(2000)); err != nil {
		t.Fatalf("burn within liquidity: %v", err)
	}
}

func TestWithdrawProtocolFees(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	if err := h.engine.SetLendingFeePercent(adminAddr, pct(10)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	loan := h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(100))
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := h.engine.WithdrawProtocolFees(strangerAddr, loanTokenAddr, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.WithdrawProtocolFees(adminAddr, loanTokenAddr, big.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := h.engine.WithdrawProtocolFees(adminAddr, loanTokenAddr, big.NewInt(10)); err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	requireInt(t, "fees controller", h.tokens.balance(loanTokenAddr, feesController), 10)
	requireInt(t, "remaining fees", h.pool().ProtocolFees, 0)
}

func TestProtocolFeesAreNotLendable(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	if err := h.engine.SetLendingFeePercent(adminAddr, pct(10)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	loan := h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(100))
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit); err != nil {
		t.Fatalf("close: %v", err)
	}
	requireInt(t, "fees", h.pool().ProtocolFees, 10)
	requireInt(t, "vault", h.tokens.balance(loanTokenAddr, poolVault), 10_100)

	redeemed, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	requireInt(t, "redeemed", redeemed, 10_090)
	requireInt(t, "vault after burn", h.tokens.balance(loanTokenAddr, poolVault), 10)

	h.fund(collTokenAddr, borrowerAddr, big.NewInt(20))
	if _, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(10), big.NewInt(20)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := h.engine.WithdrawProtocolFees(adminAddr, loanTokenAddr, big.NewInt(10)); err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	requireInt(t, "fees controller", h.tokens.balance(loanTokenAddr, feesController), 10)
}

func TestBurnCannotRedeemProtocolFees(t *testing.T) {
	h := newHarness(t, flatCurve(10), 10_000)
	if err := h.engine.SetLendingFeePercent(adminAddr, pct(10)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	loan := h.openLoan(1000, 1250)
	h.advance(SecondsPerYear)
	h.fund(loanTokenAddr, borrowerAddr, big.NewInt(100))
	if _, err := h.engine.CloseLoan(borrowerAddr, loan.ID, RepayDeposit); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.openLoan(5, 10)

	// Supply is 10090 but only 10085 of the 10095 in the vault is free.
	if _, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(10_000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := h.engine.Burn(lenderAddr, loanTokenAddr, big.NewInt(9000)); err != nil {
		t.Fatalf("burn within free liquidity: %v", err)
	}
}

func TestConcurrentLoansKeepPoolConsistent(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 100_000)
	const borrowers = 8
	accounts := make([]common.Address, borrowers)
	for i := range accounts {
		accounts[i] = addr(byte(0x40 + i))
		h.fund(collTokenAddr, accounts[i], big.NewInt(1500))
	}

	var wg sync.WaitGroup
	errs := make(chan error, borrowers)
	for _, account := range accounts {
		wg.Add(1)
		go func(account common.Address) {
			defer wg.Done()
			if _, err := h.engine.OpenLoan(account, h.paramsID, big.NewInt(1000), big.NewInt(1500)); err != nil {
				errs <- err
			}
		}(account)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent open: %v", err)
	}

	pool := h.pool()
	requireInt(t, "pool principal", pool.TotalPrincipal, borrowers*1000)
	if pool.LoanNonce != borrowers {
		t.Fatalf("expected %d nonces, got %d", borrowers, pool.LoanNonce)
	}
	loans, err := h.engine.Loans()
	if err != nil {
		t.Fatalf("loans: %v", err)
	}
	if len(loans) != borrowers {
		t.Fatalf("expected %d distinct loans, got %d", borrowers, len(loans))
	}
	requireInt(t, "vault liquidity", h.tokens.balance(loanTokenAddr, poolVault), 100_000-borrowers*1000)
}

func mustShares(t *testing.T, h *harness, lender common.Address) *big.Int {
	t.Helper()
	shares, err := h.engine.LenderShares(loanTokenAddr, lender)
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	return shares
}
