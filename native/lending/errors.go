package lending

import (
	"errors"

	nativecommon "revenuechannels/native/common"
)

var (
	ErrDivisionByZero         = errors.New("lending: division by zero")
	ErrOverflow               = errors.New("lending: value exceeds 256 bits")
	ErrInvalidAmount          = errors.New("lending: amount must be positive")
	ErrInvalidMarginConfig    = errors.New("lending: min initial margin must exceed maintenance margin")
	ErrInvalidDemandCurve     = errors.New("lending: invalid demand curve")
	ErrInvalidPercent         = errors.New("lending: percentage out of range")
	ErrNotFound               = errors.New("lending: not found")
	ErrStaleOracle            = errors.New("lending: oracle rate is stale")
	ErrUnknownPair            = errors.New("lending: unknown oracle pair")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrInsufficientRepayment  = errors.New("lending: insufficient repayment")
	ErrInsufficientBalance    = errors.New("lending: insufficient balance")
	ErrNotLiquidatable        = errors.New("lending: loan not eligible for liquidation")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrUnauthorized           = errors.New("lending: caller not authorised")
	ErrLoanNotActive          = errors.New("lending: loan not active")
	ErrLoanParamsDisabled     = errors.New("lending: loan params disabled")
	ErrPoolExists             = errors.New("lending: pool already exists")
	ErrNilState               = errors.New("lending: state not configured")

	// ErrModulePaused is returned while the lending module is paused.
	ErrModulePaused = nativecommon.ErrModulePaused
)
