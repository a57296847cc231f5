package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSetupLoanParamsRejectsInvertedMargins(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	_, err := h.engine.SetupLoanParams(adminAddr, []LoanParams{{
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(15),
		MaintenanceMargin: pct(20),
	}}, true)
	if !errors.Is(err, ErrInvalidMarginConfig) {
		t.Fatalf("expected ErrInvalidMarginConfig, got %v", err)
	}
	if err := ValidateMargins(pct(20), pct(20)); !errors.Is(err, ErrInvalidMarginConfig) {
		t.Fatalf("expected equal margins to fail, got %v", err)
	}
	if err := ValidateMargins(pct(20), big.NewInt(0)); !errors.Is(err, ErrInvalidMarginConfig) {
		t.Fatalf("expected zero maintenance to fail, got %v", err)
	}
}

func TestSetupLoanParamsDeterministicID(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	want := LoanParamsID(adminAddr, loanTokenAddr, collTokenAddr)
	if h.paramsID != want {
		t.Fatalf("expected id %s, got %s", want.Hex(), h.paramsID.Hex())
	}
	params, err := h.engine.GetLoanParams(h.paramsID)
	if err != nil {
		t.Fatalf("get params: %v", err)
	}
	if !params.Active || params.Owner != adminAddr || params.MaxLoanTerm != 30*24*3600 {
		t.Fatalf("unexpected params %+v", params)
	}
	if LoanParamsID(strangerAddr, loanTokenAddr, collTokenAddr) == want {
		t.Fatalf("owner must be part of the id")
	}
}

func TestSetupLoanParamsActivation(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	entry := LoanParams{
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(30),
		MaintenanceMargin: pct(10),
	}
	ids, err := h.engine.SetupLoanParams(strangerAddr, []LoanParams{entry}, false)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	params, _ := h.engine.GetLoanParams(ids[0])
	if params.Active {
		t.Fatalf("expected entry to keep its inactive flag")
	}
	if params.Owner != strangerAddr {
		t.Fatalf("expected owner to default to the caller")
	}
	if _, err := h.engine.SetupLoanParams(strangerAddr, []LoanParams{entry}, true); err != nil {
		t.Fatalf("re-setup: %v", err)
	}
	params, _ = h.engine.GetLoanParams(ids[0])
	if !params.Active {
		t.Fatalf("expected areLoans to activate the entry")
	}
	list, err := h.engine.ListLoanParams()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two registered entries, got %d", len(list))
	}
}

func TestSetupLoanParamsAuthorisation(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	entry := LoanParams{
		Owner:             adminAddr,
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(30),
		MaintenanceMargin: pct(10),
	}
	if _, err := h.engine.SetupLoanParams(strangerAddr, []LoanParams{entry}, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	entry.Owner = strangerAddr
	if _, err := h.engine.SetupLoanParams(adminAddr, []LoanParams{entry}, true); err != nil {
		t.Fatalf("admin may register on behalf of an owner: %v", err)
	}
}

func TestSetupLoanParamsRequiresPool(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	_, err := h.engine.SetupLoanParams(adminAddr, []LoanParams{{
		LoanToken:         collTokenAddr,
		CollateralToken:   loanTokenAddr,
		MinInitialMargin:  pct(30),
		MaintenanceMargin: pct(10),
	}}, true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing pool, got %v", err)
	}
}

func TestSetupLoanParamsIsAllOrNothing(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	good := LoanParams{
		Owner:             strangerAddr,
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(30),
		MaintenanceMargin: pct(10),
	}
	bad := good
	bad.Owner = liquidatorAddr
	bad.MinInitialMargin = pct(5)
	if _, err := h.engine.SetupLoanParams(adminAddr, []LoanParams{good, bad}, true); err == nil {
		t.Fatalf("expected the batch to fail")
	}
	if _, err := h.engine.GetLoanParams(LoanParamsID(strangerAddr, loanTokenAddr, collTokenAddr)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no entry from a failed batch, got %v", err)
	}
}

func TestDisableLoanParams(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 10_000)
	if err := h.engine.DisableLoanParams(strangerAddr, []common.Hash{h.paramsID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.DisableLoanParams(adminAddr, []common.Hash{h.paramsID}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(1250))
	if _, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(1000), big.NewInt(1250)); !errors.Is(err, ErrLoanParamsDisabled) {
		t.Fatalf("expected ErrLoanParamsDisabled, got %v", err)
	}
	if err := h.engine.DisableLoanParams(adminAddr, []common.Hash{{0x01}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	types := h.recorder.Types()
	if types[len(types)-1] != EventTypeParamsDisabled {
		t.Fatalf("expected a disabled event, got %v", types)
	}
}

func TestGetLoanParamsNotFound(t *testing.T) {
	h := newHarness(t, DefaultDemandCurve(), 0)
	if _, err := h.engine.GetLoanParams(common.Hash{0xff}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
