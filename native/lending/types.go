package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Pool captures the accounting state of a single loan token market. Amounts are
// denominated in the loan token's smallest unit.
type Pool struct {
	// LoanToken is the asset lent out by the pool and the pool's key.
	LoanToken common.Address
	// Vault is the iToken address holding the pool's liquidity.
	Vault common.Address
	// Owner may reconfigure the pool's demand curve.
	Owner common.Address
	// TotalPrincipal is the outstanding borrowed principal.
	TotalPrincipal *big.Int
	// TotalAssetSupply is the lenders' claim: deposits plus accrued interest.
	TotalAssetSupply *big.Int
	// TotalInterestOwed tracks interest accrued by borrowers but not yet
	// repaid. It is included in TotalAssetSupply.
	TotalInterestOwed *big.Int
	// TotalShares is the iToken supply minted to lenders.
	TotalShares *big.Int
	// ProtocolFees holds the lending fee share of accrued interest.
	ProtocolFees *big.Int
	// InterestIndex is the cumulative interest owed per unit of principal in
	// 1e18 fixed point.
	InterestIndex *big.Int
	// BorrowInterestRate is the current annual borrow rate as an 18-decimal
	// percentage.
	BorrowInterestRate *big.Int
	// CheckpointSupply is TotalAssetSupply as of LastInterestUpdate.
	CheckpointSupply *big.Int
	// LastInterestUpdate is the unix timestamp of the last accrual.
	LastInterestUpdate uint64
	// LoanNonce counts the loans opened against the pool and seeds loan ids.
	LoanNonce uint64
	Curve     DemandCurve
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	return &Pool{
		LoanToken:          p.LoanToken,
		Vault:              p.Vault,
		Owner:              p.Owner,
		TotalPrincipal:     cloneInt(p.TotalPrincipal),
		TotalAssetSupply:   cloneInt(p.TotalAssetSupply),
		TotalInterestOwed:  cloneInt(p.TotalInterestOwed),
		TotalShares:        cloneInt(p.TotalShares),
		ProtocolFees:       cloneInt(p.ProtocolFees),
		InterestIndex:      cloneInt(p.InterestIndex),
		BorrowInterestRate: cloneInt(p.BorrowInterestRate),
		CheckpointSupply:   cloneInt(p.CheckpointSupply),
		LastInterestUpdate: p.LastInterestUpdate,
		LoanNonce:          p.LoanNonce,
		Curve:              p.Curve.Clone(),
	}
}

// Utilization returns TotalPrincipal/TotalAssetSupply as an 18-decimal
// percentage (1e20 is 100%). An empty pool with outstanding principal reports
// full utilization.
func (p *Pool) Utilization() *big.Int {
	if p == nil || p.TotalPrincipal == nil || p.TotalPrincipal.Sign() == 0 {
		return big.NewInt(0)
	}
	if p.TotalAssetSupply == nil || p.TotalAssetSupply.Sign() == 0 {
		return HundredPercent()
	}
	util, _ := mulDiv(p.TotalPrincipal, hundredPercent, p.TotalAssetSupply)
	return util
}

// PerSecondRate converts the annual borrow rate into a per-second rate.
func (p *Pool) PerSecondRate() *big.Int {
	if p == nil || p.BorrowInterestRate == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(p.BorrowInterestRate, secondsPerYear)
}

// LoanParams is the per-market configuration shared by loans opened against
// the same (owner, loan token, collateral token) triple.
type LoanParams struct {
	ID              common.Hash
	Active          bool
	Owner           common.Address
	LoanToken       common.Address
	CollateralToken common.Address
	// MinInitialMargin is the margin required to open a loan, as an
	// 18-decimal percentage (20e18 is 20%).
	MinInitialMargin *big.Int
	// MaintenanceMargin is the margin below which a loan is liquidatable.
	MaintenanceMargin *big.Int
	// MaxLoanTerm is the loan duration in seconds; zero means open-ended.
	MaxLoanTerm uint64
}

// Clone returns a deep copy of the params.
func (p *LoanParams) Clone() *LoanParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.MinInitialMargin = cloneInt(p.MinInitialMargin)
	clone.MaintenanceMargin = cloneInt(p.MaintenanceMargin)
	return &clone
}

// LoanState enumerates the lifecycle positions of a loan.
type LoanState uint8

const (
	LoanStateOpen LoanState = iota + 1
	LoanStateClosed
	LoanStateLiquidated
)

func (s LoanState) String() string {
	switch s {
	case LoanStateOpen:
		return "open"
	case LoanStateClosed:
		return "closed"
	case LoanStateLiquidated:
		return "liquidated"
	default:
		return "nonexistent"
	}
}

// Loan is a borrow position opened against a LoanParams entry.
type Loan struct {
	ID           common.Hash
	LoanParamsID common.Hash
	Borrower     common.Address
	Principal    *big.Int
	Collateral   *big.Int
	// StartTimestamp is the unix time the loan was opened.
	StartTimestamp uint64
	// StartRate is the pool borrow rate at open or at the last interaction.
	StartRate *big.Int
	// InterestIndex snapshots the pool index at open or at the last
	// interaction.
	InterestIndex *big.Int
	// EndTimestamp is the unix time the loan term expires; zero when the
	// params are open-ended.
	EndTimestamp uint64
	State        LoanState
}

// Active reports whether the loan is still open.
func (l *Loan) Active() bool { return l != nil && l.State == LoanStateOpen }

// Expired reports whether the loan term has run out at the supplied time.
func (l *Loan) Expired(now uint64) bool {
	return l != nil && l.EndTimestamp != 0 && now >= l.EndTimestamp
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneInt(l.Principal)
	clone.Collateral = cloneInt(l.Collateral)
	clone.StartRate = cloneInt(l.StartRate)
	clone.InterestIndex = cloneInt(l.InterestIndex)
	return &clone
}

// RepaymentSource selects how a loan is repaid on close.
type RepaymentSource uint8

const (
	// RepayAuto tries a direct deposit first and falls back to swapping
	// collateral.
	RepayAuto RepaymentSource = iota
	// RepayDeposit pulls the owed amount from the borrower's loan token
	// balance.
	RepayDeposit
	// RepayCollateralSwap sells the collateral for the loan token.
	RepayCollateralSwap
)

func (s RepaymentSource) String() string {
	switch s {
	case RepayDeposit:
		return "deposit"
	case RepayCollateralSwap:
		return "swap"
	default:
		return "auto"
	}
}

// ParseRepaymentSource maps the textual source names used by the API.
func ParseRepaymentSource(s string) (RepaymentSource, bool) {
	switch s {
	case "", "auto":
		return RepayAuto, true
	case "deposit":
		return RepayDeposit, true
	case "swap":
		return RepayCollateralSwap, true
	default:
		return RepayAuto, false
	}
}

// CloseResult summarises a successful close.
type CloseResult struct {
	Repaid             *big.Int
	Interest           *big.Int
	Source             RepaymentSource
	CollateralReturned *big.Int
	SurplusReturned    *big.Int
}

// LiquidationResult summarises a successful liquidation.
type LiquidationResult struct {
	Repaid             *big.Int
	SeizedCollateral   *big.Int
	CollateralReturned *big.Int
	Margin             *big.Int
}
