package swap

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/native/lending"
)

// ErrSlippage indicates the output would fall below the caller's minimum.
var ErrSlippage = errors.New("swap: output below minimum")

const bpsDenominator = 10_000

// Pricer values one asset in another.
type Pricer interface {
	Convert(amount *big.Int, from, to common.Address) (*big.Int, error)
}

// Executor fills swaps at the oracle price less a fee against a reserve
// account that holds inventory of every output token. Quote and SwapExact are
// serialised so a quote observed inside SwapExact is the one filled.
type Executor struct {
	mu      sync.Mutex
	pricer  Pricer
	tokens  lending.TokenRegistry
	reserve common.Address
	feeBps  uint64
	logger  *slog.Logger
}

// NewExecutor builds an executor. feeBps is charged on the output amount.
func NewExecutor(pricer Pricer, tokens lending.TokenRegistry, reserve common.Address, feeBps uint64) (*Executor, error) {
	if pricer == nil || tokens == nil {
		return nil, fmt.Errorf("swap: pricer and token registry required")
	}
	if reserve == (common.Address{}) {
		return nil, fmt.Errorf("swap: reserve address required")
	}
	if feeBps >= bpsDenominator {
		return nil, fmt.Errorf("swap: fee %d bps out of range", feeBps)
	}
	return &Executor{
		pricer:  pricer,
		tokens:  tokens,
		reserve: reserve,
		feeBps:  feeBps,
		logger:  slog.Default(),
	}, nil
}

// SetLogger overrides the structured logger.
func (x *Executor) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	x.logger = logger.With("module", "swap")
}

// Reserve returns the inventory account.
func (x *Executor) Reserve() common.Address { return x.reserve }

// Quote returns the output amount for amountIn after fees.
func (x *Executor) Quote(from, to common.Address, amountIn *big.Int) (*big.Int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.quoteLocked(from, to, amountIn)
}

func (x *Executor) quoteLocked(from, to common.Address, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, lending.ErrInvalidAmount
	}
	if from == to {
		return nil, fmt.Errorf("swap: input and output tokens must differ")
	}
	gross, err := x.pricer.Convert(amountIn, from, to)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Mul(gross, big.NewInt(int64(bpsDenominator-x.feeBps)))
	return net.Quo(net, big.NewInt(bpsDenominator)), nil
}

// SwapExact sells amountIn of from held by trader and pays the output in to.
// Nothing moves when the output is below minAmountOut or the reserve cannot
// cover it.
func (x *Executor) SwapExact(trader, from, to common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	out, err := x.quoteLocked(from, to, amountIn)
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: quoted %s, minimum %s", ErrSlippage, out, minAmountOut)
	}
	inTok, err := x.tokens.Token(from)
	if err != nil {
		return nil, err
	}
	outTok, err := x.tokens.Token(to)
	if err != nil {
		return nil, err
	}
	inventory, err := outTok.BalanceOf(x.reserve)
	if err != nil {
		return nil, err
	}
	if inventory.Cmp(out) < 0 {
		return nil, fmt.Errorf("%w: reserve holds %s, need %s", lending.ErrInsufficientLiquidity, inventory, out)
	}
	if err := inTok.Transfer(trader, x.reserve, amountIn); err != nil {
		return nil, err
	}
	if err := outTok.Transfer(x.reserve, trader, out); err != nil {
		if revertErr := inTok.Transfer(x.reserve, trader, amountIn); revertErr != nil {
			return nil, fmt.Errorf("swap: %w (revert failed: %v)", err, revertErr)
		}
		return nil, err
	}
	x.logger.Info("swap filled",
		"trader", trader.Hex(),
		"from", from.Hex(),
		"to", to.Hex(),
		"amountIn", amountIn.String(),
		"amountOut", out.String())
	return out, nil
}

// Unwind reverses a fill returned by SwapExact. The trader hands back
// amountOut of to and receives amountIn of from from the reserve.
func (x *Executor) Unwind(trader, from, to common.Address, amountIn, amountOut *big.Int) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if amountIn == nil || amountOut == nil || amountIn.Sign() <= 0 || amountOut.Sign() < 0 {
		return lending.ErrInvalidAmount
	}
	inTok, err := x.tokens.Token(from)
	if err != nil {
		return err
	}
	outTok, err := x.tokens.Token(to)
	if err != nil {
		return err
	}
	if amountOut.Sign() > 0 {
		if err := outTok.Transfer(trader, x.reserve, amountOut); err != nil {
			return fmt.Errorf("swap: unwind output: %w", err)
		}
	}
	if err := inTok.Transfer(x.reserve, trader, amountIn); err != nil {
		if amountOut.Sign() > 0 {
			if revertErr := outTok.Transfer(x.reserve, trader, amountOut); revertErr != nil {
				return fmt.Errorf("swap: unwind input: %w (revert failed: %v)", err, revertErr)
			}
		}
		return fmt.Errorf("swap: unwind input: %w", err)
	}
	x.logger.Warn("swap unwound",
		"trader", trader.Hex(),
		"from", from.Hex(),
		"to", to.Hex(),
		"amountIn", amountIn.String(),
		"amountOut", amountOut.String())
	return nil
}

// ApplyGenesis builds an executor from the genesis swap section.
func ApplyGenesis(g lending.SwapGenesis, pricer Pricer, tokens lending.TokenRegistry) (*Executor, error) {
	reserve, err := lending.ParseAddress(g.Reserve)
	if err != nil {
		return nil, fmt.Errorf("swap: genesis reserve: %w", err)
	}
	return NewExecutor(pricer, tokens, reserve, g.FeeBps)
}
