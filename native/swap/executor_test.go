package swap

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/native/lending"
	"revenuechannels/native/oracle"
	"revenuechannels/native/token"
	"revenuechannels/storage"
)

var (
	weth    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	trader  = common.HexToAddress("0x0000000000000000000000000000000000001111")
	reserve = common.HexToAddress("0x0000000000000000000000000000000000009999")
)

type fixture struct {
	ledger   *token.Ledger
	feeds    *oracle.PriceFeeds
	executor *Executor
}

func newFixture(t *testing.T, feeBps uint64, inventory int64) *fixture {
	t.Helper()
	ledger, err := token.NewLedger(storage.NewMemDB())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	for _, meta := range []token.Metadata{{Address: weth, Symbol: "WETH"}, {Address: usdc, Symbol: "USDC"}} {
		if err := ledger.Register(meta); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := ledger.Mint(weth, trader, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if inventory > 0 {
		if err := ledger.Mint(usdc, reserve, big.NewInt(inventory)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	feeds := oracle.NewPriceFeeds(time.Hour)
	if err := feeds.SetRate(weth, usdc, big.NewRat(2000, 1), time.Now()); err != nil {
		t.Fatalf("rate: %v", err)
	}
	executor, err := NewExecutor(feeds, ledger, reserve, feeBps)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	return &fixture{ledger: ledger, feeds: feeds, executor: executor}
}

func (f *fixture) balance(t *testing.T, tokenAddr, owner common.Address) int64 {
	t.Helper()
	tok, err := f.ledger.Token(tokenAddr)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, err := tok.BalanceOf(owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Int64()
}

func TestQuoteAppliesFee(t *testing.T) {
	f := newFixture(t, 30, 0)
	out, err := f.executor.Quote(weth, usdc, big.NewInt(5))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 5 * 2000 = 10000, less 0.3%.
	if out.Int64() != 9970 {
		t.Fatalf("unexpected quote %s", out)
	}
}

func TestSwapExactMovesFunds(t *testing.T) {
	f := newFixture(t, 0, 50_000)
	out, err := f.executor.SwapExact(trader, weth, usdc, big.NewInt(3), big.NewInt(6000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Int64() != 6000 {
		t.Fatalf("unexpected output %s", out)
	}
	if f.balance(t, weth, trader) != 7 || f.balance(t, weth, reserve) != 3 {
		t.Fatalf("unexpected input balances")
	}
	if f.balance(t, usdc, trader) != 6000 || f.balance(t, usdc, reserve) != 44_000 {
		t.Fatalf("unexpected output balances")
	}
}

func TestSwapExactSlippage(t *testing.T) {
	f := newFixture(t, 100, 50_000)
	if _, err := f.executor.SwapExact(trader, weth, usdc, big.NewInt(1), big.NewInt(2000)); !errors.Is(err, ErrSlippage) {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}
	if f.balance(t, weth, trader) != 10 {
		t.Fatalf("failed swap must not move funds")
	}
}

func TestSwapExactReserveShortfall(t *testing.T) {
	f := newFixture(t, 0, 1000)
	if _, err := f.executor.SwapExact(trader, weth, usdc, big.NewInt(1), nil); !errors.Is(err, lending.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if f.balance(t, weth, trader) != 10 || f.balance(t, usdc, reserve) != 1000 {
		t.Fatalf("failed swap must not move funds")
	}
}

func TestUnwindRestoresBalances(t *testing.T) {
	f := newFixture(t, 30, 50_000)
	out, err := f.executor.SwapExact(trader, weth, usdc, big.NewInt(3), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := f.executor.Unwind(trader, weth, usdc, big.NewInt(3), out); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if f.balance(t, weth, trader) != 10 || f.balance(t, weth, reserve) != 0 {
		t.Fatalf("unwind must return the input")
	}
	if f.balance(t, usdc, trader) != 0 || f.balance(t, usdc, reserve) != 50_000 {
		t.Fatalf("unwind must return the output")
	}
}

func TestUnwindWithoutProceedsMovesNothing(t *testing.T) {
	f := newFixture(t, 0, 50_000)
	if _, err := f.executor.SwapExact(trader, weth, usdc, big.NewInt(1), nil); err != nil {
		t.Fatalf("swap: %v", err)
	}
	// The trader spends the proceeds, so the output cannot be returned.
	usdcTok, _ := f.ledger.Token(usdc)
	if err := usdcTok.Transfer(trader, common.HexToAddress("0x42"), big.NewInt(2000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := f.executor.Unwind(trader, weth, usdc, big.NewInt(1), big.NewInt(2000)); err == nil {
		t.Fatalf("expected unwind to fail")
	}
	if f.balance(t, weth, trader) != 9 || f.balance(t, weth, reserve) != 1 {
		t.Fatalf("failed unwind must not move funds")
	}
}

func TestNewExecutorValidatesFee(t *testing.T) {
	if _, err := NewExecutor(oracle.NewPriceFeeds(0), nil, reserve, 0); err == nil {
		t.Fatalf("expected missing registry to fail")
	}
	ledger, _ := token.NewLedger(storage.NewMemDB())
	if _, err := NewExecutor(oracle.NewPriceFeeds(0), ledger, reserve, bpsDenominator); err == nil {
		t.Fatalf("expected fee out of range to fail")
	}
}
