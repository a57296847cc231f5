package lending

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/core/events"
)

const (
	EventTypePoolCreated         = "lending.pool.created"
	EventTypeDemandCurveUpdated  = "lending.pool.curve_updated"
	EventTypePoolMinted          = "lending.pool.minted"
	EventTypePoolBurned          = "lending.pool.burned"
	EventTypeFeesWithdrawn       = "lending.pool.fees_withdrawn"
	EventTypeParamsSetup         = "lending.params.setup"
	EventTypeParamsDisabled      = "lending.params.disabled"
	EventTypeIncentiveUpdated    = "lending.incentive.updated"
	EventTypeLendingFeeUpdated   = "lending.fee.updated"
	EventTypeLoanOpened          = "lending.loan.opened"
	EventTypeCollateralDeposited = "lending.loan.collateral_deposited"
	EventTypeCollateralWithdrawn = "lending.loan.collateral_withdrawn"
	EventTypeLoanRolledOver      = "lending.loan.rolled_over"
	EventTypeLoanClosed          = "lending.loan.closed"
	EventTypeLoanLiquidated      = "lending.loan.liquidated"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addressString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func newPoolEvent(eventType string, p *Pool, extra map[string]string) events.Record {
	attrs := map[string]string{
		"loanToken":          addressString(p.LoanToken),
		"vault":              addressString(p.Vault),
		"totalPrincipal":     amountString(p.TotalPrincipal),
		"totalAssetSupply":   amountString(p.TotalAssetSupply),
		"borrowInterestRate": amountString(p.BorrowInterestRate),
		"lastInterestUpdate": strconv.FormatUint(p.LastInterestUpdate, 10),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.Record{Type: eventType, Attributes: attrs}
}

func newParamsEvent(eventType string, p *LoanParams) events.Record {
	return events.Record{
		Type: eventType,
		Attributes: map[string]string{
			"id":                p.ID.Hex(),
			"active":            strconv.FormatBool(p.Active),
			"owner":             addressString(p.Owner),
			"loanToken":         addressString(p.LoanToken),
			"collateralToken":   addressString(p.CollateralToken),
			"minInitialMargin":  amountString(p.MinInitialMargin),
			"maintenanceMargin": amountString(p.MaintenanceMargin),
			"maxLoanTerm":       strconv.FormatUint(p.MaxLoanTerm, 10),
		},
	}
}

func newLoanEvent(eventType string, l *Loan, extra map[string]string) events.Record {
	attrs := map[string]string{
		"loanId":       l.ID.Hex(),
		"loanParamsId": l.LoanParamsID.Hex(),
		"borrower":     addressString(l.Borrower),
		"principal":    amountString(l.Principal),
		"collateral":   amountString(l.Collateral),
		"startRate":    amountString(l.StartRate),
		"state":        l.State.String(),
	}
	if l.EndTimestamp != 0 {
		attrs["endTimestamp"] = strconv.FormatUint(l.EndTimestamp, 10)
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.Record{Type: eventType, Attributes: attrs}
}
