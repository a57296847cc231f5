package lending

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"revenuechannels/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	pool := &Pool{
		LoanToken:          loanTokenAddr,
		Vault:              poolVault,
		Owner:              adminAddr,
		TotalPrincipal:     big.NewInt(800),
		TotalAssetSupply:   big.NewInt(1000),
		TotalInterestOwed:  big.NewInt(12),
		TotalShares:        big.NewInt(990),
		ProtocolFees:       big.NewInt(3),
		InterestIndex:      mustAmount("15000000000000000"),
		BorrowInterestRate: pct(7),
		CheckpointSupply:   big.NewInt(1000),
		LastInterestUpdate: 42,
		LoanNonce:          9,
		Curve:              rampCurve(),
	}
	params := &LoanParams{
		ID:                LoanParamsID(adminAddr, loanTokenAddr, collTokenAddr),
		Active:            true,
		Owner:             adminAddr,
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(20),
		MaintenanceMargin: pct(15),
		MaxLoanTerm:       3600,
	}
	loan := &Loan{
		ID:             loanID(params.ID, borrowerAddr, 9),
		LoanParamsID:   params.ID,
		Borrower:       borrowerAddr,
		Principal:      big.NewInt(800),
		Collateral:     big.NewInt(1000),
		StartTimestamp: 40,
		StartRate:      pct(7),
		InterestIndex:  big.NewInt(0),
		EndTimestamp:   3640,
		State:          LoanStateOpen,
	}

	cs := newChangeSet()
	cs.putPool(pool)
	cs.putParams(params)
	cs.putLoan(loan)
	cs.putLender(loanTokenAddr, lenderAddr, big.NewInt(990))
	cs.putIncentive(loanTokenAddr, collTokenAddr, pct(8))
	cs.putSettings(&Settings{Admin: adminAddr, ProtocolVault: protocolVault, LendingFeePercent: pct(10)})
	require.NoError(t, store.Commit(cs))

	gotPool, err := store.GetPool(loanTokenAddr)
	require.NoError(t, err)
	require.Equal(t, pool.TotalShares.String(), gotPool.TotalShares.String())
	require.Equal(t, pool.InterestIndex.String(), gotPool.InterestIndex.String())
	require.Equal(t, pool.Curve.KinkLevel.String(), gotPool.Curve.KinkLevel.String())
	require.Equal(t, uint64(42), gotPool.LastInterestUpdate)
	require.Equal(t, uint64(9), gotPool.LoanNonce)

	gotParams, err := store.GetLoanParams(params.ID)
	require.NoError(t, err)
	require.True(t, gotParams.Active)
	require.Equal(t, params.MaintenanceMargin.String(), gotParams.MaintenanceMargin.String())
	require.Equal(t, uint64(3600), gotParams.MaxLoanTerm)

	gotLoan, err := store.GetLoan(loan.ID)
	require.NoError(t, err)
	require.Equal(t, LoanStateOpen, gotLoan.State)
	require.Equal(t, "1000", gotLoan.Collateral.String())
	require.Equal(t, "0", gotLoan.InterestIndex.String())

	shares, err := store.GetLenderShares(loanTokenAddr, lenderAddr)
	require.NoError(t, err)
	require.Equal(t, "990", shares.String())

	incentive, ok, err := store.GetIncentive(loanTokenAddr, collTokenAddr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pct(8).String(), incentive.String())

	settings, err := store.GetSettings()
	require.NoError(t, err)
	require.Equal(t, adminAddr, settings.Admin)
	require.Equal(t, pct(10).String(), settings.LendingFeePercent.String())
}

func TestStoreMissingRecords(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	_, err := store.GetPool(loanTokenAddr)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetLoan(common.Hash{0x01})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetLoanParams(common.Hash{0x02})
	require.ErrorIs(t, err, ErrNotFound)

	shares, err := store.GetLenderShares(loanTokenAddr, lenderAddr)
	require.NoError(t, err)
	require.Zero(t, shares.Sign())

	_, ok, err := store.GetIncentive(loanTokenAddr, collTokenAddr)
	require.NoError(t, err)
	require.False(t, ok)

	settings, err := store.GetSettings()
	require.NoError(t, err)
	require.Equal(t, common.Address{}, settings.Admin)
	require.Zero(t, settings.LendingFeePercent.Sign())

	require.NoError(t, store.Commit(newChangeSet()))
	_, err = (*Store)(nil).GetPool(loanTokenAddr)
	require.ErrorIs(t, err, ErrNilState)
}

func TestStoreListsPools(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	cs := newChangeSet()
	for _, token := range []common.Address{collTokenAddr, loanTokenAddr} {
		cs.putPool(&Pool{LoanToken: token, Vault: poolVault, Curve: DefaultDemandCurve()})
	}
	require.NoError(t, store.Commit(cs))

	pools, err := store.ListPools()
	require.NoError(t, err)
	require.Len(t, pools, 2)
	require.Equal(t, loanTokenAddr, pools[0].LoanToken)
	require.Equal(t, collTokenAddr, pools[1].LoanToken)
}
