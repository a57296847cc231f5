package server

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"revenuechannels/native/lending"
)

// Amounts are base-unit integer strings. Percentages are decimal strings where
// "7.5" means 7.5%.

type curveView struct {
	BaseRate              string `json:"baseRate"`
	RateMultiplier        string `json:"rateMultiplier"`
	LowUtilBaseRate       string `json:"lowUtilBaseRate"`
	LowUtilRateMultiplier string `json:"lowUtilRateMultiplier"`
	TargetLevel           string `json:"targetLevel"`
	KinkLevel             string `json:"kinkLevel"`
	MaxScaleRate          string `json:"maxScaleRate"`
}

type poolView struct {
	LoanToken          string    `json:"loanToken"`
	Vault              string    `json:"vault"`
	Owner              string    `json:"owner"`
	TotalPrincipal     string    `json:"totalPrincipal"`
	TotalAssetSupply   string    `json:"totalAssetSupply"`
	TotalInterestOwed  string    `json:"totalInterestOwed"`
	TotalShares        string    `json:"totalShares"`
	ProtocolFees       string    `json:"protocolFees"`
	TokenPrice         string    `json:"tokenPrice"`
	InterestIndex      string    `json:"interestIndex"`
	Utilization        string    `json:"utilization"`
	BorrowRate         string    `json:"borrowRate"`
	BorrowAPY          string    `json:"borrowApy"`
	SupplyRate         string    `json:"supplyRate,omitempty"`
	LastInterestUpdate uint64    `json:"lastInterestUpdate"`
	LoanCount          uint64    `json:"loanCount"`
	Curve              curveView `json:"curve"`
}

type paramsView struct {
	ID                 string `json:"id"`
	Active             bool   `json:"active"`
	Owner              string `json:"owner"`
	LoanToken          string `json:"loanToken"`
	CollateralToken    string `json:"collateralToken"`
	MinInitialMargin   string `json:"minInitialMargin"`
	MaintenanceMargin  string `json:"maintenanceMargin"`
	MaxLoanTermSeconds uint64 `json:"maxLoanTermSeconds"`
}

type positionView struct {
	Owed            string `json:"owed"`
	Interest        string `json:"interest"`
	CollateralValue string `json:"collateralValue"`
	Margin          string `json:"margin"`
	Liquidatable    bool   `json:"liquidatable"`
	Expired         bool   `json:"expired"`
}

type loanView struct {
	ID             string        `json:"id"`
	LoanParamsID   string        `json:"loanParamsId"`
	Borrower       string        `json:"borrower"`
	Principal      string        `json:"principal"`
	Collateral     string        `json:"collateral"`
	StartTimestamp uint64        `json:"startTimestamp"`
	StartRate      string        `json:"startRate"`
	EndTimestamp   uint64        `json:"endTimestamp,omitempty"`
	State          string        `json:"state"`
	Position       *positionView `json:"position,omitempty"`
}

type closeView struct {
	Loan               loanView `json:"loan"`
	Repaid             string   `json:"repaid"`
	Interest           string   `json:"interest"`
	Source             string   `json:"source"`
	CollateralReturned string   `json:"collateralReturned"`
	SurplusReturned    string   `json:"surplusReturned"`
}

type liquidationView struct {
	Loan               loanView `json:"loan"`
	Repaid             string   `json:"repaid"`
	SeizedCollateral   string   `json:"seizedCollateral"`
	CollateralReturned string   `json:"collateralReturned"`
	Margin             string   `json:"margin"`
}

func hexAddr(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// wadString renders a 1e18 fixed point value, e.g. a token price, as a decimal.
func wadString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

// apyPercent converts an annual simple rate into the effective compounded
// yield over a year, as a percentage rounded to 6 places.
func apyPercent(rate *big.Int) string {
	factor := lending.CompoundRate(rate, lending.SecondsPerYear)
	growth := new(big.Int).Sub(factor, lending.WAD())
	return decimal.NewFromBigInt(growth, -16).Round(6).String()
}

func newCurveView(c lending.DemandCurve) curveView {
	return curveView{
		BaseRate:              lending.FormatPercent(c.BaseRate),
		RateMultiplier:        lending.FormatPercent(c.RateMultiplier),
		LowUtilBaseRate:       lending.FormatPercent(c.LowUtilBaseRate),
		LowUtilRateMultiplier: lending.FormatPercent(c.LowUtilRateMultiplier),
		TargetLevel:           lending.FormatPercent(c.TargetLevel),
		KinkLevel:             lending.FormatPercent(c.KinkLevel),
		MaxScaleRate:          lending.FormatPercent(c.MaxScaleRate),
	}
}

func newPoolView(p *lending.Pool, supplyRate *big.Int) poolView {
	view := poolView{
		LoanToken:          hexAddr(p.LoanToken),
		Vault:              hexAddr(p.Vault),
		Owner:              hexAddr(p.Owner),
		TotalPrincipal:     amount(p.TotalPrincipal),
		TotalAssetSupply:   amount(p.TotalAssetSupply),
		TotalInterestOwed:  amount(p.TotalInterestOwed),
		TotalShares:        amount(p.TotalShares),
		ProtocolFees:       amount(p.ProtocolFees),
		TokenPrice:         wadString(p.TokenPrice()),
		InterestIndex:      wadString(p.InterestIndex),
		Utilization:        lending.FormatPercent(p.Utilization()),
		BorrowRate:         lending.FormatPercent(p.BorrowInterestRate),
		BorrowAPY:          apyPercent(p.BorrowInterestRate),
		LastInterestUpdate: p.LastInterestUpdate,
		LoanCount:          p.LoanNonce,
		Curve:              newCurveView(p.Curve),
	}
	if supplyRate != nil {
		view.SupplyRate = lending.FormatPercent(supplyRate)
	}
	return view
}

func newParamsView(p *lending.LoanParams) paramsView {
	return paramsView{
		ID:                 p.ID.Hex(),
		Active:             p.Active,
		Owner:              hexAddr(p.Owner),
		LoanToken:          hexAddr(p.LoanToken),
		CollateralToken:    hexAddr(p.CollateralToken),
		MinInitialMargin:   lending.FormatPercent(p.MinInitialMargin),
		MaintenanceMargin:  lending.FormatPercent(p.MaintenanceMargin),
		MaxLoanTermSeconds: p.MaxLoanTerm,
	}
}

func newLoanView(l *lending.Loan, pos *lending.Position) loanView {
	view := loanView{
		ID:             l.ID.Hex(),
		LoanParamsID:   l.LoanParamsID.Hex(),
		Borrower:       hexAddr(l.Borrower),
		Principal:      amount(l.Principal),
		Collateral:     amount(l.Collateral),
		StartTimestamp: l.StartTimestamp,
		StartRate:      lending.FormatPercent(l.StartRate),
		EndTimestamp:   l.EndTimestamp,
		State:          l.State.String(),
	}
	if pos != nil {
		view.Position = &positionView{
			Owed:            amount(pos.Owed),
			Interest:        amount(pos.Interest),
			CollateralValue: amount(pos.CollateralValue),
			Margin:          lending.FormatPercent(pos.Margin),
			Liquidatable:    pos.Liquidatable,
			Expired:         pos.Expired,
		}
	}
	return view
}
