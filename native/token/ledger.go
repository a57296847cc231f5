package token

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/native/lending"
	"revenuechannels/storage"
)

var (
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrTokenExists           = errors.New("token: already registered")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: invalid amount")
)

const (
	metaKeyPrefix      = "token/meta/"
	balanceKeyPrefix   = "token/balance/"
	allowanceKeyPrefix = "token/allowance/"
)

// Metadata describes a registered token.
type Metadata struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Ledger keeps ERC-20 style balances and allowances for every registered token
// in a key-value store. Each transfer writes its balance updates through one
// batch.
type Ledger struct {
	mu     sync.Mutex
	db     storage.Database
	tokens map[common.Address]Metadata
}

// NewLedger opens a ledger over db and loads the registered tokens.
func NewLedger(db storage.Database) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("token: database required")
	}
	l := &Ledger{db: db, tokens: make(map[common.Address]Metadata)}
	err := db.Iterate([]byte(metaKeyPrefix), func(key, value []byte) error {
		addrHex := strings.TrimPrefix(string(key), metaKeyPrefix)
		meta, err := decodeMeta(common.HexToAddress(addrHex), value)
		if err != nil {
			return err
		}
		l.tokens[meta.Address] = meta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: load registry: %w", err)
	}
	return l, nil
}

// Register adds a token to the ledger.
func (l *Ledger) Register(meta Metadata) error {
	if meta.Address == (common.Address{}) {
		return fmt.Errorf("token: address required")
	}
	meta.Symbol = strings.ToUpper(strings.TrimSpace(meta.Symbol))
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[meta.Address]; ok {
		return ErrTokenExists
	}
	if err := l.db.Put(metaKey(meta.Address), encodeMeta(meta)); err != nil {
		return err
	}
	l.tokens[meta.Address] = meta
	return nil
}

// Tokens lists the registered tokens ordered by symbol.
func (l *Ledger) Tokens() []Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Metadata, 0, len(l.tokens))
	for _, meta := range l.tokens {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Token resolves a registered token. It satisfies lending.TokenRegistry.
func (l *Ledger) Token(addr common.Address) (lending.Token, error) {
	l.mu.Lock()
	_, ok := l.tokens[addr]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return &Token{ledger: l, address: addr}, nil
}

// Mint credits new units to owner. Used by genesis and test fixtures.
func (l *Ledger) Mint(token, owner common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireToken(token); err != nil {
		return err
	}
	balance, err := l.readInt(balanceKey(token, owner))
	if err != nil {
		return err
	}
	return l.db.Put(balanceKey(token, owner), new(big.Int).Add(balance, amount).Bytes())
}

func (l *Ledger) requireToken(token common.Address) error {
	if _, ok := l.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return nil
}

func (l *Ledger) readInt(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (l *Ledger) balanceOf(token, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readInt(balanceKey(token, owner))
}

func (l *Ledger) allowance(token, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readInt(allowanceKey(token, owner, spender))
}

func (l *Ledger) approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(allowanceKey(token, owner, spender), amount.Bytes())
}

// move transfers amount and, when spender is set, consumes its allowance in
// the same batch.
func (l *Ledger) move(token common.Address, spender *common.Address, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireToken(token); err != nil {
		return err
	}
	batch := l.db.NewBatch()
	if spender != nil {
		key := allowanceKey(token, from, *spender)
		allowed, err := l.readInt(key)
		if err != nil {
			return err
		}
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s approved %s, need %s", ErrInsufficientAllowance, spender.Hex(), allowed, amount)
		}
		batch.Put(key, new(big.Int).Sub(allowed, amount).Bytes())
	}
	fromBalance, err := l.readInt(balanceKey(token, from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from.Hex(), fromBalance, amount)
	}
	if from == to {
		return batch.Write()
	}
	toBalance, err := l.readInt(balanceKey(token, to))
	if err != nil {
		return err
	}
	batch.Put(balanceKey(token, from), new(big.Int).Sub(fromBalance, amount).Bytes())
	batch.Put(balanceKey(token, to), new(big.Int).Add(toBalance, amount).Bytes())
	return batch.Write()
}

// ApplyGenesis credits the genesis balances and records the approvals.
// Tokens referenced by either list must already be registered.
func (l *Ledger) ApplyGenesis(balances []lending.BalanceGenesis, approvals []lending.ApprovalGenesis) error {
	for i, b := range balances {
		tok, owner, err := parsePair(b.Token, b.Owner)
		if err != nil {
			return fmt.Errorf("token: genesis balance %d: %w", i, err)
		}
		amount, err := lending.ParseAmount(b.Amount)
		if err != nil {
			return fmt.Errorf("token: genesis balance %d: %w", i, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		if err := l.Mint(tok, owner, amount); err != nil {
			return fmt.Errorf("token: genesis balance %d: %w", i, err)
		}
	}
	for i, a := range approvals {
		tok, owner, err := parsePair(a.Token, a.Owner)
		if err != nil {
			return fmt.Errorf("token: genesis approval %d: %w", i, err)
		}
		spender, err := lending.ParseAddress(a.Spender)
		if err != nil {
			return fmt.Errorf("token: genesis approval %d: %w", i, err)
		}
		amount, err := lending.ParseAmount(a.Amount)
		if err != nil {
			return fmt.Errorf("token: genesis approval %d: %w", i, err)
		}
		t, err := l.Token(tok)
		if err != nil {
			return fmt.Errorf("token: genesis approval %d: %w", i, err)
		}
		if err := t.Approve(owner, spender, amount); err != nil {
			return fmt.Errorf("token: genesis approval %d: %w", i, err)
		}
	}
	return nil
}

func parsePair(tokenHex, ownerHex string) (common.Address, common.Address, error) {
	tok, err := lending.ParseAddress(tokenHex)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	owner, err := lending.ParseAddress(ownerHex)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return tok, owner, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func hexKey(addr common.Address) string { return strings.ToLower(addr.Hex()) }

func metaKey(token common.Address) []byte { return []byte(metaKeyPrefix + hexKey(token)) }

func balanceKey(token, owner common.Address) []byte {
	return []byte(balanceKeyPrefix + hexKey(token) + "/" + hexKey(owner))
}

func allowanceKey(token, owner, spender common.Address) []byte {
	return []byte(allowanceKeyPrefix + hexKey(token) + "/" + hexKey(owner) + "/" + hexKey(spender))
}

func encodeMeta(meta Metadata) []byte {
	return append([]byte{meta.Decimals}, []byte(meta.Symbol)...)
}

func decodeMeta(addr common.Address, raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, fmt.Errorf("token: empty metadata for %s", addr.Hex())
	}
	return Metadata{Address: addr, Decimals: raw[0], Symbol: string(raw[1:])}, nil
}
