package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceOracle converts amounts between assets. Implementations must fail with
// ErrStaleOracle when the rate is older than their staleness bound and with
// ErrUnknownPair when no rate exists.
type PriceOracle interface {
	Convert(amount *big.Int, from, to common.Address) (*big.Int, error)
	RateStalenessSeconds() time.Duration
}

// SwapExecutor sells one asset for another on behalf of a trader. Quote must
// report what SwapExact would return for the same input without moving funds.
// SwapExact moves nothing when the output would fall below minAmountOut.
// Unwind reverses a fill SwapExact reported: the trader returns amountOut of
// to and gets amountIn of from back, with no price or fee applied.
type SwapExecutor interface {
	Quote(from, to common.Address, amountIn *big.Int) (*big.Int, error)
	SwapExact(trader, from, to common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error)
	Unwind(trader, from, to common.Address, amountIn, amountOut *big.Int) error
}

// Token is the fungible asset surface the engine relies on.
type Token interface {
	BalanceOf(owner common.Address) (*big.Int, error)
	Allowance(owner, spender common.Address) (*big.Int, error)
	Approve(owner, spender common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// TokenRegistry resolves token contracts by address.
type TokenRegistry interface {
	Token(addr common.Address) (Token, error)
}
