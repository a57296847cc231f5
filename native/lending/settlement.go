package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type transferStep struct {
	token  Token
	from   common.Address
	to     common.Address
	amount *big.Int
}

func (t transferStep) undo() error {
	return t.token.Transfer(t.to, t.from, t.amount)
}

type swapStep struct {
	swaps     SwapExecutor
	trader    common.Address
	from      common.Address
	to        common.Address
	amountIn  *big.Int
	amountOut *big.Int
}

func (s swapStep) undo() error {
	return s.swaps.Unwind(s.trader, s.from, s.to, s.amountIn, s.amountOut)
}

type settlementStep interface {
	undo() error
}

// settlement executes token movements in order and reverses the completed ones
// if a later movement fails, so a call either moves every amount or none.
type settlement struct {
	done []settlementStep
}

// pull moves amount from owner to recipient on behalf of spender.
func (s *settlement) pull(tok Token, spender, owner, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := tok.TransferFrom(spender, owner, recipient, amount); err != nil {
		return err
	}
	s.done = append(s.done, transferStep{token: tok, from: owner, to: recipient, amount: new(big.Int).Set(amount)})
	return nil
}

// push moves amount out of a custody address.
func (s *settlement) push(tok Token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := tok.Transfer(from, to, amount); err != nil {
		return err
	}
	s.done = append(s.done, transferStep{token: tok, from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

// swap sells amountIn of from held by trader and records the fill so a
// rollback can unwind it.
func (s *settlement) swap(x SwapExecutor, trader, from, to common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	out, err := x.SwapExact(trader, from, to, amountIn, minAmountOut)
	if err != nil {
		return nil, err
	}
	s.done = append(s.done, swapStep{
		swaps:     x,
		trader:    trader,
		from:      from,
		to:        to,
		amountIn:  new(big.Int).Set(amountIn),
		amountOut: new(big.Int).Set(out),
	})
	return out, nil
}

// rollback reverses every completed step in reverse order. It reports the
// first reversal that fails alongside the original error.
func (s *settlement) rollback(cause error) error {
	for i := len(s.done) - 1; i >= 0; i-- {
		if err := s.done[i].undo(); err != nil {
			return fmt.Errorf("%w (rollback failed: %v)", cause, err)
		}
	}
	s.done = nil
	return cause
}

// requireFunds checks that owner holds amount and has approved spender for it.
func requireFunds(tok Token, owner, spender common.Address, amount *big.Int) (bool, error) {
	balance, err := tok.BalanceOf(owner)
	if err != nil {
		return false, err
	}
	if balance.Cmp(amount) < 0 {
		return false, nil
	}
	allowance, err := tok.Allowance(owner, spender)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(amount) >= 0, nil
}
