package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a view of one ledger token. It satisfies lending.Token.
type Token struct {
	ledger  *Ledger
	address common.Address
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) BalanceOf(owner common.Address) (*big.Int, error) {
	return t.ledger.balanceOf(t.address, owner)
}

func (t *Token) Allowance(owner, spender common.Address) (*big.Int, error) {
	return t.ledger.allowance(t.address, owner, spender)
}

// Approve sets the amount spender may move out of owner's balance.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	return t.ledger.approve(t.address, owner, spender, amount)
}

// Transfer moves amount from one holder to another. Authorisation is the
// caller's concern.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	return t.ledger.move(t.address, nil, from, to, amount)
}

// TransferFrom moves amount out of from on behalf of spender and consumes the
// matching allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	return t.ledger.move(t.address, &spender, from, to, amount)
}
