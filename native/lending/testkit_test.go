package lending

import (
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/core/events"
	"revenuechannels/storage"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

var (
	adminAddr      = addr(0x01)
	protocolVault  = addr(0x02)
	poolVault      = addr(0x03)
	feesController = addr(0x04)
	lenderAddr     = addr(0x10)
	borrowerAddr   = addr(0x11)
	liquidatorAddr = addr(0x12)
	strangerAddr   = addr(0x13)
	loanTokenAddr  = addr(0xA0)
	collTokenAddr  = addr(0xB0)
)

func pct(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), wad)
}

func mustAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad amount " + s)
	}
	return v
}

// fakeToken is an in-memory ERC-20 ledger shared by every token of a
// fakeTokens registry.
type fakeToken struct {
	mu         *sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	failOn     func(from, to common.Address) error
}

func (t *fakeToken) balance(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return big.NewInt(0)
}

func (t *fakeToken) BalanceOf(owner common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balance(owner)), nil
}

func (t *fakeToken) Allowance(owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (t *fakeToken) Approve(owner, spender common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (t *fakeToken) move(from, to common.Address, amount *big.Int) error {
	if t.failOn != nil {
		if err := t.failOn(from, to); err != nil {
			return err
		}
	}
	if t.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("fake token: %s balance %s below %s", from.Hex(), t.balance(from), amount)
	}
	t.balances[from] = new(big.Int).Sub(t.balance(from), amount)
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	return nil
}

func (t *fakeToken) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *fakeToken) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := [2]common.Address{from, spender}
	allowed, ok := t.allowances[key]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("fake token: allowance too low")
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[key] = new(big.Int).Sub(allowed, amount)
	return nil
}

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[common.Address]*fakeToken
}

func newFakeTokens(addrs ...common.Address) *fakeTokens {
	ft := &fakeTokens{tokens: make(map[common.Address]*fakeToken)}
	for _, a := range addrs {
		ft.tokens[a] = &fakeToken{
			mu:         &ft.mu,
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[[2]common.Address]*big.Int),
		}
	}
	return ft
}

func (f *fakeTokens) Token(a common.Address) (Token, error) {
	t, ok := f.tokens[a]
	if !ok {
		return nil, fmt.Errorf("unknown token %s", a.Hex())
	}
	return t, nil
}

func (f *fakeTokens) mint(tok, owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tokens[tok]
	t.balances[owner] = new(big.Int).Add(t.balance(owner), amount)
}

func (f *fakeTokens) balance(tok, owner common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.tokens[tok].balance(owner))
}

// fakeOracle prices each direction with a rational rate; the reverse
// direction is derived from the inverse.
type fakeOracle struct {
	mu    sync.Mutex
	rates map[[2]common.Address]*big.Rat
	stale bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{rates: make(map[[2]common.Address]*big.Rat)}
}

func (o *fakeOracle) set(from, to common.Address, num, den int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[[2]common.Address{from, to}] = big.NewRat(num, den)
	delete(o.rates, [2]common.Address{to, from})
}

func (o *fakeOracle) setStale(stale bool) {
	o.mu.Lock()
	o.stale = stale
	o.mu.Unlock()
}

func (o *fakeOracle) Convert(amount *big.Int, from, to common.Address) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stale {
		return nil, ErrStaleOracle
	}
	if from == to {
		return new(big.Int).Set(amount), nil
	}
	rate, ok := o.rates[[2]common.Address{from, to}]
	if !ok {
		inv, found := o.rates[[2]common.Address{to, from}]
		if !found {
			return nil, ErrUnknownPair
		}
		rate = new(big.Rat).Inv(inv)
	}
	out := new(big.Int).Mul(amount, rate.Num())
	return out.Quo(out, rate.Denom()), nil
}

func (o *fakeOracle) RateStalenessSeconds() time.Duration { return time.Hour }

// fakeSwap fills at the oracle price against a reserve held in the fake
// token ledger.
type fakeSwap struct {
	oracle  *fakeOracle
	tokens  *fakeTokens
	reserve common.Address
	calls   int
}

func (s *fakeSwap) Quote(from, to common.Address, amountIn *big.Int) (*big.Int, error) {
	return s.oracle.Convert(amountIn, from, to)
}

func (s *fakeSwap) SwapExact(trader, from, to common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	s.calls++
	out, err := s.Quote(from, to, amountIn)
	if err != nil {
		return nil, err
	}
	if out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("fake swap: slippage")
	}
	inTok, _ := s.tokens.Token(from)
	outTok, _ := s.tokens.Token(to)
	if err := inTok.Transfer(trader, s.reserve, amountIn); err != nil {
		return nil, err
	}
	if err := outTok.Transfer(s.reserve, trader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fakeSwap) Unwind(trader, from, to common.Address, amountIn, amountOut *big.Int) error {
	inTok, _ := s.tokens.Token(from)
	outTok, _ := s.tokens.Token(to)
	if err := outTok.Transfer(trader, s.reserve, amountOut); err != nil {
		return err
	}
	return inTok.Transfer(s.reserve, trader, amountIn)
}

// flakyStore fails every commit with err while it is set.
type flakyStore struct {
	*Store
	err error
}

func (s *flakyStore) Commit(cs *changeSet) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.Commit(cs)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	store    *Store
	tokens   *fakeTokens
	oracle   *fakeOracle
	swaps    *fakeSwap
	recorder *events.Recorder
	clock    int64
	paramsID common.Hash
}

// newHarness wires an engine over a MemDB store with one pool funded by a
// lender deposit and one active params entry (20% initial, 15% maintenance).
func newHarness(t *testing.T, curve DemandCurve, liquidity int64) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    NewStore(storage.NewMemDB()),
		tokens:   newFakeTokens(loanTokenAddr, collTokenAddr),
		oracle:   newFakeOracle(),
		recorder: &events.Recorder{},
		clock:    1_700_000_000,
	}
	h.swaps = &fakeSwap{oracle: h.oracle, tokens: h.tokens, reserve: addr(0xEE)}
	h.oracle.set(collTokenAddr, loanTokenAddr, 1, 1)
	h.engine = NewEngine(h.store, h.tokens, h.oracle, h.swaps)
	h.engine.SetEmitter(h.recorder)
	h.engine.SetNowFunc(func() int64 { return h.clock })

	if err := h.engine.Initialize(adminAddr, protocolVault, feesController); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := h.engine.CreatePool(adminAddr, PoolConfig{LoanToken: loanTokenAddr, Vault: poolVault, Curve: curve}); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if liquidity > 0 {
		h.deposit(lenderAddr, big.NewInt(liquidity))
	}
	ids, err := h.engine.SetupLoanParams(adminAddr, []LoanParams{{
		LoanToken:         loanTokenAddr,
		CollateralToken:   collTokenAddr,
		MinInitialMargin:  pct(20),
		MaintenanceMargin: pct(15),
		MaxLoanTerm:       30 * 24 * 3600,
	}}, true)
	if err != nil {
		t.Fatalf("setup params: %v", err)
	}
	h.paramsID = ids[0]
	return h
}

func (h *harness) deposit(lender common.Address, amount *big.Int) *big.Int {
	h.t.Helper()
	h.tokens.mint(loanTokenAddr, lender, amount)
	tok, _ := h.tokens.Token(loanTokenAddr)
	if err := tok.Approve(lender, poolVault, amount); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
	shares, err := h.engine.Mint(lender, loanTokenAddr, amount)
	if err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	return shares
}

// fund gives owner amount of tok and approves the protocol vault for the
// owner's whole balance.
func (h *harness) fund(tok, owner common.Address, amount *big.Int) {
	h.t.Helper()
	h.tokens.mint(tok, owner, amount)
	t, _ := h.tokens.Token(tok)
	if err := t.Approve(owner, protocolVault, h.tokens.balance(tok, owner)); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
}

func (h *harness) openLoan(principal, collateral int64) *Loan {
	h.t.Helper()
	h.fund(collTokenAddr, borrowerAddr, big.NewInt(collateral))
	loan, err := h.engine.OpenLoan(borrowerAddr, h.paramsID, big.NewInt(principal), big.NewInt(collateral))
	if err != nil {
		h.t.Fatalf("open loan: %v", err)
	}
	return loan
}

func (h *harness) pool() *Pool {
	h.t.Helper()
	p, err := h.store.GetPool(loanTokenAddr)
	if err != nil {
		h.t.Fatalf("get pool: %v", err)
	}
	return p
}

func (h *harness) advance(seconds int64) { h.clock += seconds }

func flatCurve(rate int64) DemandCurve {
	return DemandCurve{
		BaseRate:              pct(rate),
		RateMultiplier:        big.NewInt(0),
		LowUtilBaseRate:       pct(rate),
		LowUtilRateMultiplier: big.NewInt(0),
		TargetLevel:           pct(80),
		KinkLevel:             pct(90),
		MaxScaleRate:          pct(rate),
	}
}

func requireInt(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}
