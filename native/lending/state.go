package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"revenuechannels/storage"
)

const (
	poolKeyPrefix      = "lending/pool/"
	paramsKeyPrefix    = "lending/params/"
	loanKeyPrefix      = "lending/loan/"
	lenderKeyPrefix    = "lending/lender/"
	incentiveKeyPrefix = "lending/incentive/"
	settingsKey        = "lending/settings"
)

type engineState interface {
	GetPool(token common.Address) (*Pool, error)
	ListPools() ([]*Pool, error)
	GetLoanParams(id common.Hash) (*LoanParams, error)
	ListLoanParams() ([]*LoanParams, error)
	GetLoan(id common.Hash) (*Loan, error)
	ListLoans() ([]*Loan, error)
	GetLenderShares(token, lender common.Address) (*big.Int, error)
	GetIncentive(loanToken, collateralToken common.Address) (*big.Int, bool, error)
	GetSettings() (*Settings, error)
	Commit(cs *changeSet) error
}

// Settings holds the protocol-wide configuration persisted alongside pools.
type Settings struct {
	Admin             common.Address
	ProtocolVault     common.Address
	FeesController    common.Address
	LendingFeePercent *big.Int
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	clone := *s
	clone.LendingFeePercent = cloneInt(s.LendingFeePercent)
	return &clone
}

type lenderKey struct {
	token  common.Address
	lender common.Address
}

type pairKey struct {
	loanToken       common.Address
	collateralToken common.Address
}

// changeSet stages every record touched by one operation so they are written
// in a single batch.
type changeSet struct {
	pools      map[common.Address]*Pool
	params     map[common.Hash]*LoanParams
	loans      map[common.Hash]*Loan
	lenders    map[lenderKey]*big.Int
	incentives map[pairKey]*big.Int
	settings   *Settings
}

func newChangeSet() *changeSet {
	return &changeSet{
		pools:      make(map[common.Address]*Pool),
		params:     make(map[common.Hash]*LoanParams),
		loans:      make(map[common.Hash]*Loan),
		lenders:    make(map[lenderKey]*big.Int),
		incentives: make(map[pairKey]*big.Int),
	}
}

func (cs *changeSet) putPool(p *Pool) { cs.pools[p.LoanToken] = p }
func (cs *changeSet) putParams(p *LoanParams) { cs.params[p.ID] = p }
func (cs *changeSet) putLoan(l *Loan) { cs.loans[l.ID] = l }
func (cs *changeSet) putSettings(s *Settings) { cs.settings = s }
func (cs *changeSet) putIncentive(l, c common.Address, v *big.Int) {
	cs.incentives[pairKey{loanToken: l, collateralToken: c}] = v
}
func (cs *changeSet) putLender(token, lender common.Address, shares *big.Int) {
	cs.lenders[lenderKey{token: token, lender: lender}] = shares
}

func (cs *changeSet) empty() bool {
	return len(cs.pools) == 0 && len(cs.params) == 0 && len(cs.loans) == 0 &&
		len(cs.lenders) == 0 && len(cs.incentives) == 0 && cs.settings == nil
}

// Store persists lending records as RLP blobs in a key-value database.
type Store struct {
	db storage.Database
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedPool struct {
	LoanToken             common.Address
	Vault                 common.Address
	Owner                 common.Address
	TotalPrincipal        []byte
	TotalAssetSupply      []byte
	TotalInterestOwed     []byte
	TotalShares           []byte
	ProtocolFees          []byte
	InterestIndex         []byte
	BorrowInterestRate    []byte
	CheckpointSupply      []byte
	LastInterestUpdate    uint64
	BaseRate              []byte
	RateMultiplier        []byte
	LowUtilBaseRate       []byte
	LowUtilRateMultiplier []byte
	TargetLevel           []byte
	KinkLevel             []byte
	MaxScaleRate          []byte
	LoanNonce             uint64
}

type storedParams struct {
	ID                common.Hash
	Active            bool
	Owner             common.Address
	LoanToken         common.Address
	CollateralToken   common.Address
	MinInitialMargin  []byte
	MaintenanceMargin []byte
	MaxLoanTerm       uint64
}

type storedLoan struct {
	ID             common.Hash
	LoanParamsID   common.Hash
	Borrower       common.Address
	Principal      []byte
	Collateral     []byte
	StartTimestamp uint64
	StartRate      []byte
	InterestIndex  []byte
	EndTimestamp   uint64
	State          uint8
}

type storedSettings struct {
	Admin             common.Address
	ProtocolVault     common.Address
	FeesController    common.Address
	LendingFeePercent []byte
}

func intBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func bytesInt(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

func poolKey(token common.Address) []byte {
	return []byte(poolKeyPrefix + strings.ToLower(token.Hex()))
}

func paramsKey(id common.Hash) []byte { return []byte(paramsKeyPrefix + id.Hex()) }

func loanKey(id common.Hash) []byte { return []byte(loanKeyPrefix + id.Hex()) }

func lenderStoreKey(token, lender common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", lenderKeyPrefix, strings.ToLower(token.Hex()), strings.ToLower(lender.Hex())))
}

func incentiveKey(loanToken, collateralToken common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", incentiveKeyPrefix, strings.ToLower(loanToken.Hex()), strings.ToLower(collateralToken.Hex())))
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNilState
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("lending: decode %s: %w", key, err)
	}
	return true, nil
}

func encodePool(p *Pool) storedPool {
	return storedPool{
		LoanToken:             p.LoanToken,
		Vault:                 p.Vault,
		Owner:                 p.Owner,
		TotalPrincipal:        intBytes(p.TotalPrincipal),
		TotalAssetSupply:      intBytes(p.TotalAssetSupply),
		TotalInterestOwed:     intBytes(p.TotalInterestOwed),
		TotalShares:           intBytes(p.TotalShares),
		ProtocolFees:          intBytes(p.ProtocolFees),
		InterestIndex:         intBytes(p.InterestIndex),
		BorrowInterestRate:    intBytes(p.BorrowInterestRate),
		CheckpointSupply:      intBytes(p.CheckpointSupply),
		LastInterestUpdate:    p.LastInterestUpdate,
		BaseRate:              intBytes(p.Curve.BaseRate),
		RateMultiplier:        intBytes(p.Curve.RateMultiplier),
		LowUtilBaseRate:       intBytes(p.Curve.LowUtilBaseRate),
		LowUtilRateMultiplier: intBytes(p.Curve.LowUtilRateMultiplier),
		TargetLevel:           intBytes(p.Curve.TargetLevel),
		KinkLevel:             intBytes(p.Curve.KinkLevel),
		MaxScaleRate:          intBytes(p.Curve.MaxScaleRate),
		LoanNonce:             p.LoanNonce,
	}
}

func (sp storedPool) decode() *Pool {
	return &Pool{
		LoanToken:          sp.LoanToken,
		Vault:              sp.Vault,
		Owner:              sp.Owner,
		TotalPrincipal:     bytesInt(sp.TotalPrincipal),
		TotalAssetSupply:   bytesInt(sp.TotalAssetSupply),
		TotalInterestOwed:  bytesInt(sp.TotalInterestOwed),
		TotalShares:        bytesInt(sp.TotalShares),
		ProtocolFees:       bytesInt(sp.ProtocolFees),
		InterestIndex:      bytesInt(sp.InterestIndex),
		BorrowInterestRate: bytesInt(sp.BorrowInterestRate),
		CheckpointSupply:   bytesInt(sp.CheckpointSupply),
		LastInterestUpdate: sp.LastInterestUpdate,
		LoanNonce:          sp.LoanNonce,
		Curve: DemandCurve{
			BaseRate:              bytesInt(sp.BaseRate),
			RateMultiplier:        bytesInt(sp.RateMultiplier),
			LowUtilBaseRate:       bytesInt(sp.LowUtilBaseRate),
			LowUtilRateMultiplier: bytesInt(sp.LowUtilRateMultiplier),
			TargetLevel:           bytesInt(sp.TargetLevel),
			KinkLevel:             bytesInt(sp.KinkLevel),
			MaxScaleRate:          bytesInt(sp.MaxScaleRate),
		},
	}
}

func encodeParams(p *LoanParams) storedParams {
	return storedParams{
		ID:                p.ID,
		Active:            p.Active,
		Owner:             p.Owner,
		LoanToken:         p.LoanToken,
		CollateralToken:   p.CollateralToken,
		MinInitialMargin:  intBytes(p.MinInitialMargin),
		MaintenanceMargin: intBytes(p.MaintenanceMargin),
		MaxLoanTerm:       p.MaxLoanTerm,
	}
}

func (sp storedParams) decode() *LoanParams {
	return &LoanParams{
		ID:                sp.ID,
		Active:            sp.Active,
		Owner:             sp.Owner,
		LoanToken:         sp.LoanToken,
		CollateralToken:   sp.CollateralToken,
		MinInitialMargin:  bytesInt(sp.MinInitialMargin),
		MaintenanceMargin: bytesInt(sp.MaintenanceMargin),
		MaxLoanTerm:       sp.MaxLoanTerm,
	}
}

func encodeLoan(l *Loan) storedLoan {
	return storedLoan{
		ID:             l.ID,
		LoanParamsID:   l.LoanParamsID,
		Borrower:       l.Borrower,
		Principal:      intBytes(l.Principal),
		Collateral:     intBytes(l.Collateral),
		StartTimestamp: l.StartTimestamp,
		StartRate:      intBytes(l.StartRate),
		InterestIndex:  intBytes(l.InterestIndex),
		EndTimestamp:   l.EndTimestamp,
		State:          uint8(l.State),
	}
}

func (sl storedLoan) decode() *Loan {
	return &Loan{
		ID:             sl.ID,
		LoanParamsID:   sl.LoanParamsID,
		Borrower:       sl.Borrower,
		Principal:      bytesInt(sl.Principal),
		Collateral:     bytesInt(sl.Collateral),
		StartTimestamp: sl.StartTimestamp,
		StartRate:      bytesInt(sl.StartRate),
		InterestIndex:  bytesInt(sl.InterestIndex),
		EndTimestamp:   sl.EndTimestamp,
		State:          LoanState(sl.State),
	}
}

// GetPool loads the pool for a loan token.
func (s *Store) GetPool(token common.Address) (*Pool, error) {
	var sp storedPool
	ok, err := s.get(poolKey(token), &sp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, token.Hex())
	}
	return sp.decode(), nil
}

// ListPools returns every pool ordered by key.
func (s *Store) ListPools() ([]*Pool, error) {
	var pools []*Pool
	err := s.iterate(poolKeyPrefix, func(raw []byte) error {
		var sp storedPool
		if err := rlp.DecodeBytes(raw, &sp); err != nil {
			return err
		}
		pools = append(pools, sp.decode())
		return nil
	})
	return pools, err
}

// GetLoanParams loads a params entry by id.
func (s *Store) GetLoanParams(id common.Hash) (*LoanParams, error) {
	var sp storedParams
	ok, err := s.get(paramsKey(id), &sp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: loan params %s", ErrNotFound, id.Hex())
	}
	return sp.decode(), nil
}

// ListLoanParams returns every registered params entry, active or not.
func (s *Store) ListLoanParams() ([]*LoanParams, error) {
	var out []*LoanParams
	err := s.iterate(paramsKeyPrefix, func(raw []byte) error {
		var sp storedParams
		if err := rlp.DecodeBytes(raw, &sp); err != nil {
			return err
		}
		out = append(out, sp.decode())
		return nil
	})
	return out, err
}

// GetLoan loads a loan by id.
func (s *Store) GetLoan(id common.Hash) (*Loan, error) {
	var sl storedLoan
	ok, err := s.get(loanKey(id), &sl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", ErrNotFound, id.Hex())
	}
	return sl.decode(), nil
}

// ListLoans returns every loan, including closed and liquidated ones.
func (s *Store) ListLoans() ([]*Loan, error) {
	var out []*Loan
	err := s.iterate(loanKeyPrefix, func(raw []byte) error {
		var sl storedLoan
		if err := rlp.DecodeBytes(raw, &sl); err != nil {
			return err
		}
		out = append(out, sl.decode())
		return nil
	})
	return out, err
}

// GetLenderShares returns the iToken balance of a lender; zero when unknown.
func (s *Store) GetLenderShares(token, lender common.Address) (*big.Int, error) {
	var raw []byte
	ok, err := s.get(lenderStoreKey(token, lender), &raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return bytesInt(raw), nil
}

// GetIncentive returns the liquidation incentive configured for a pair.
func (s *Store) GetIncentive(loanToken, collateralToken common.Address) (*big.Int, bool, error) {
	var raw []byte
	ok, err := s.get(incentiveKey(loanToken, collateralToken), &raw)
	if err != nil || !ok {
		return nil, false, err
	}
	return bytesInt(raw), true, nil
}

// GetSettings returns the persisted protocol settings, or zero settings.
func (s *Store) GetSettings() (*Settings, error) {
	var ss storedSettings
	ok, err := s.get([]byte(settingsKey), &ss)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Settings{LendingFeePercent: big.NewInt(0)}, nil
	}
	return &Settings{
		Admin:             ss.Admin,
		ProtocolVault:     ss.ProtocolVault,
		FeesController:    ss.FeesController,
		LendingFeePercent: bytesInt(ss.LendingFeePercent),
	}, nil
}

// Commit writes every staged record through one batch.
func (s *Store) Commit(cs *changeSet) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	if cs == nil || cs.empty() {
		return nil
	}
	batch := s.db.NewBatch()
	put := func(key []byte, value interface{}) error {
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return fmt.Errorf("lending: encode %s: %w", key, err)
		}
		batch.Put(key, encoded)
		return nil
	}
	for token, pool := range cs.pools {
		if err := put(poolKey(token), encodePool(pool)); err != nil {
			return err
		}
	}
	for id, params := range cs.params {
		if err := put(paramsKey(id), encodeParams(params)); err != nil {
			return err
		}
	}
	for id, loan := range cs.loans {
		if err := put(loanKey(id), encodeLoan(loan)); err != nil {
			return err
		}
	}
	for key, shares := range cs.lenders {
		if err := put(lenderStoreKey(key.token, key.lender), intBytes(shares)); err != nil {
			return err
		}
	}
	for key, pct := range cs.incentives {
		if err := put(incentiveKey(key.loanToken, key.collateralToken), intBytes(pct)); err != nil {
			return err
		}
	}
	if cs.settings != nil {
		if err := put([]byte(settingsKey), storedSettings{
			Admin:             cs.settings.Admin,
			ProtocolVault:     cs.settings.ProtocolVault,
			FeesController:    cs.settings.FeesController,
			LendingFeePercent: intBytes(cs.settings.LendingFeePercent),
		}); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *Store) iterate(prefix string, fn func(raw []byte) error) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	return s.db.Iterate([]byte(prefix), func(_, value []byte) error {
		return fn(value)
	})
}
