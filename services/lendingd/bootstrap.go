package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "revenuechannels/native/common"
	"revenuechannels/native/lending"
	"revenuechannels/native/oracle"
	"revenuechannels/native/swap"
	"revenuechannels/native/token"
	"revenuechannels/services/lendingd/config"
	"revenuechannels/services/lendingd/feeder"
	"revenuechannels/services/lendingd/journal"
	"revenuechannels/storage"
)

// runtime holds everything the daemon assembles before serving.
type runtime struct {
	db     storage.Database
	ledger *token.Ledger
	feeds  *oracle.PriceFeeds
	engine *lending.Engine
	pauses *nativecommon.Pauses
}

func (rt *runtime) Close() {
	if rt != nil && rt.db != nil {
		rt.db.Close()
	}
}

func openDatabase(path string) (storage.Database, error) {
	if strings.TrimSpace(path) == "" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(path)
}

// bootstrap opens state and wires the engine with its ledger, price feeds and
// swap executor. Genesis balances and protocol state are only applied to a
// store without an admin; oracle rates are in memory and load on every start.
func bootstrap(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	db, err := openDatabase(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	rt := &runtime{db: db, pauses: nativecommon.NewPauses()}
	if err := rt.assemble(cfg, logger); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) assemble(cfg config.Config, logger *slog.Logger) error {
	ledger, err := token.NewLedger(rt.db)
	if err != nil {
		return err
	}
	rt.ledger = ledger
	rt.feeds = oracle.NewPriceFeeds(cfg.Oracle.MaxAge)

	var genesis *lending.Genesis
	if cfg.Storage.Genesis != "" {
		if genesis, err = lending.LoadGenesis(cfg.Storage.Genesis); err != nil {
			return err
		}
		if err := genesis.Validate(); err != nil {
			return err
		}
		if err := registerTokens(ledger, genesis); err != nil {
			return err
		}
		if err := rt.feeds.ApplyGenesis(genesis.Oracle); err != nil {
			return err
		}
		for _, meta := range ledger.Tokens() {
			if rt.feeds.Decimals(meta.Address) != meta.Decimals {
				if err := rt.feeds.SetDecimals(meta.Address, meta.Decimals); err != nil {
					return err
				}
			}
		}
	}

	var swaps lending.SwapExecutor
	if genesis != nil && strings.TrimSpace(genesis.Swap.Reserve) != "" {
		executor, err := swap.ApplyGenesis(genesis.Swap, rt.feeds, ledger)
		if err != nil {
			return err
		}
		executor.SetLogger(logger)
		swaps = executor
	} else {
		logger.Warn("no swap reserve configured; collateral swaps are disabled")
	}

	rt.engine = lending.NewEngine(lending.NewStore(rt.db), ledger, rt.feeds, swaps)
	rt.engine.SetLogger(logger)
	rt.engine.SetPauses(rt.pauses)

	if genesis == nil {
		return nil
	}
	settings, err := rt.engine.Settings()
	if err != nil {
		return err
	}
	if settings.Admin != (common.Address{}) {
		logger.Info("state already initialised; skipping genesis balances", "admin", strings.ToLower(settings.Admin.Hex()))
		return nil
	}
	if err := ledger.ApplyGenesis(genesis.Balances, genesis.Approvals); err != nil {
		return err
	}
	if err := rt.engine.ApplyGenesis(genesis); err != nil {
		return err
	}
	logger.Info("lending genesis applied",
		"pools", len(genesis.Pools),
		"loanParams", len(genesis.LoanParams),
		"tokens", len(ledger.Tokens()))
	return nil
}

// registerTokens registers the genesis token list, then any other token the
// genesis references under a symbol derived from its address. Tokens already
// present in the ledger are left alone.
func registerTokens(ledger *token.Ledger, g *lending.Genesis) error {
	decimals := make(map[common.Address]uint8)
	for _, d := range g.Oracle.Decimals {
		if addr, err := lending.ParseAddress(d.Token); err == nil {
			decimals[addr] = d.Decimals
		}
	}
	register := func(meta token.Metadata) error {
		if err := ledger.Register(meta); err != nil && !errors.Is(err, token.ErrTokenExists) {
			return fmt.Errorf("register token %s: %w", meta.Address.Hex(), err)
		}
		return nil
	}
	seen := make(map[common.Address]struct{})
	for _, tok := range g.Tokens {
		addr, _ := lending.ParseAddress(tok.Address)
		if err := register(token.Metadata{Address: addr, Symbol: strings.TrimSpace(tok.Symbol), Decimals: tok.Decimals}); err != nil {
			return err
		}
		seen[addr] = struct{}{}
	}
	for _, raw := range referencedTokens(g) {
		addr, err := lending.ParseAddress(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		dec, ok := decimals[addr]
		if !ok {
			dec = oracle.DefaultDecimals
		}
		if err := register(token.Metadata{Address: addr, Symbol: derivedSymbol(addr), Decimals: dec}); err != nil {
			return err
		}
	}
	return nil
}

func referencedTokens(g *lending.Genesis) []string {
	var out []string
	for _, p := range g.Pools {
		out = append(out, p.LoanToken)
	}
	for _, p := range g.LoanParams {
		out = append(out, p.LoanToken, p.CollateralToken)
	}
	for _, b := range g.Balances {
		out = append(out, b.Token)
	}
	for _, a := range g.Approvals {
		out = append(out, a.Token)
	}
	for _, d := range g.Oracle.Decimals {
		out = append(out, d.Token)
	}
	return out
}

func derivedSymbol(addr common.Address) string {
	return "T" + strings.ToUpper(strings.TrimPrefix(strings.ToLower(addr.Hex()), "0x")[:6])
}

func openJournal(cfg config.JournalConfig, logger *slog.Logger) (*journal.Journal, error) {
	if cfg.Driver == "none" {
		return nil, nil
	}
	dsn, err := journal.DSN(cfg.Driver, cfg.DSN, cfg.Path)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}
	j.SetLogger(logger)
	return j, nil
}

// buildFeeder returns nil when no upstream sources are configured.
func buildFeeder(cfg config.OracleConfig, sink feeder.Sink, recorder feeder.Recorder, logger *slog.Logger) (*feeder.Manager, error) {
	if !cfg.FeederEnabled() {
		return nil, nil
	}
	sources, err := feeder.NewRegistry().BuildAll(cfg.Sources)
	if err != nil {
		return nil, err
	}
	pairs := make([]feeder.Pair, 0, len(cfg.Pairs))
	for i, p := range cfg.Pairs {
		base, err := lending.ParseAddress(p.Base)
		if err != nil {
			return nil, fmt.Errorf("oracle pair %d base: %w", i, err)
		}
		quote, err := lending.ParseAddress(p.Quote)
		if err != nil {
			return nil, fmt.Errorf("oracle pair %d quote: %w", i, err)
		}
		pairs = append(pairs, feeder.Pair{Base: base, Quote: quote})
	}
	opts := []feeder.Option{feeder.WithLogger(logger)}
	if recorder != nil {
		opts = append(opts, feeder.WithRecorder(recorder))
	}
	return feeder.New(sink, sources, pairs, cfg.Interval, cfg.MaxAge, cfg.MinFeeds, opts...)
}
