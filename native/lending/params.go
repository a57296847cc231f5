package lending

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LoanParamsID derives the registry key of a params entry.
func LoanParamsID(owner, loanToken, collateralToken common.Address) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), loanToken.Bytes(), collateralToken.Bytes())
}

func loanID(paramsID common.Hash, borrower common.Address, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(paramsID.Bytes(), borrower.Bytes(), new(big.Int).SetUint64(nonce).Bytes())
}

// ValidateMargins enforces minInitialMargin > maintenanceMargin > 0.
func ValidateMargins(minInitial, maintenance *big.Int) error {
	if minInitial == nil || maintenance == nil || maintenance.Sign() <= 0 {
		return ErrInvalidMarginConfig
	}
	if minInitial.Cmp(maintenance) <= 0 {
		return ErrInvalidMarginConfig
	}
	if err := checkWord(minInitial, maintenance); err != nil {
		return ErrInvalidMarginConfig
	}
	return nil
}

// SetupLoanParams registers or updates params entries. The entry owner
// defaults to the caller, and the caller must be that owner or the admin. When
// areLoans is true every entry is activated; otherwise each entry keeps the
// Active flag it was supplied with. The whole list is validated before any
// entry is stored.
func (e *Engine) SetupLoanParams(caller common.Address, list []LoanParams, areLoans bool) (ids []common.Hash, err error) {
	defer e.track("setup_loan_params")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	isAdmin := s.Admin != (common.Address{}) && caller == s.Admin

	staged := make([]*LoanParams, 0, len(list))
	for i := range list {
		entry := list[i].Clone()
		if entry.Owner == (common.Address{}) {
			entry.Owner = caller
		}
		if entry.Owner != caller && !isAdmin {
			return nil, ErrUnauthorized
		}
		if entry.LoanToken == (common.Address{}) || entry.CollateralToken == (common.Address{}) {
			return nil, fmt.Errorf("lending: loan params %d: loan and collateral tokens are required", i)
		}
		if entry.LoanToken == entry.CollateralToken {
			return nil, fmt.Errorf("lending: loan params %d: loan and collateral tokens must differ", i)
		}
		if err := ValidateMargins(entry.MinInitialMargin, entry.MaintenanceMargin); err != nil {
			return nil, err
		}
		if _, err := e.state.GetPool(entry.LoanToken); err != nil {
			return nil, err
		}
		entry.ID = LoanParamsID(entry.Owner, entry.LoanToken, entry.CollateralToken)
		if areLoans {
			entry.Active = true
		}
		staged = append(staged, entry)
	}

	cs := newChangeSet()
	ids = make([]common.Hash, 0, len(staged))
	for _, entry := range staged {
		cs.putParams(entry)
		ids = append(ids, entry.ID)
	}
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	for _, entry := range staged {
		e.logger.Info("loan params registered",
			"id", entry.ID.Hex(),
			"loanToken", addressString(entry.LoanToken),
			"collateralToken", addressString(entry.CollateralToken),
			"active", entry.Active)
		e.emit(newParamsEvent(EventTypeParamsSetup, entry))
	}
	return ids, nil
}

// DisableLoanParams deactivates entries. Entries are never deleted so existing
// loans keep resolving their params. Only the entry owner or the admin may
// disable an entry.
func (e *Engine) DisableLoanParams(caller common.Address, ids []common.Hash) (err error) {
	defer e.track("disable_loan_params")(&err)
	if err := e.ready(); err != nil {
		return err
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	s, err := e.settings()
	if err != nil {
		return err
	}
	isAdmin := s.Admin != (common.Address{}) && caller == s.Admin

	cs := newChangeSet()
	disabled := make([]*LoanParams, 0, len(ids))
	for _, id := range ids {
		params, err := e.state.GetLoanParams(id)
		if err != nil {
			return err
		}
		if params.Owner != caller && !isAdmin {
			return ErrUnauthorized
		}
		params.Active = false
		cs.putParams(params)
		disabled = append(disabled, params)
	}
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	for _, params := range disabled {
		e.logger.Info("loan params disabled", "id", params.ID.Hex())
		e.emit(newParamsEvent(EventTypeParamsDisabled, params))
	}
	return nil
}

// GetLoanParams returns a registered entry or ErrNotFound.
func (e *Engine) GetLoanParams(id common.Hash) (*LoanParams, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.state.GetLoanParams(id)
}

// ListLoanParams returns every registered entry.
func (e *Engine) ListLoanParams() ([]*LoanParams, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.state.ListLoanParams()
}

// loanTerm returns the expiry for a loan starting at now.
func loanTerm(params *LoanParams, now uint64) uint64 {
	if params.MaxLoanTerm == 0 {
		return 0
	}
	return now + params.MaxLoanTerm
}

// MaxLoanTermDuration renders the params term as a duration.
func (p *LoanParams) MaxLoanTermDuration() time.Duration {
	return time.Duration(p.MaxLoanTerm) * time.Second
}
