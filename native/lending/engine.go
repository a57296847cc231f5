package lending

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/core/events"
	nativecommon "revenuechannels/native/common"
	"revenuechannels/observability/metrics"
)

// ModuleName is the key the engine checks in its pause view.
const ModuleName = "lending"

// Engine orchestrates the loan token markets: demand curve pricing, lazy
// interest accrual, the loan params registry, margin accounting and the loan
// lifecycle.
//
// Every mutation of a pool or of a loan holds that pool's write lock for the
// whole accrue, validate, mutate and commit sequence. Queries hold the read
// lock and work on cloned records. Registry and settings writes take the
// registry lock, which is always acquired after any pool lock.
type Engine struct {
	state     engineState
	tokens    TokenRegistry
	oracle    PriceOracle
	swaps     SwapExecutor
	emitter   events.Emitter
	logger    *slog.Logger
	telemetry *metrics.LendingMetrics
	pauses    nativecommon.PauseView
	nowFn     func() int64

	registryMu sync.RWMutex
	locksMu    sync.Mutex
	poolLocks  map[common.Address]*sync.RWMutex
}

// NewEngine constructs an engine over the supplied state and collaborators.
func NewEngine(state engineState, tokens TokenRegistry, oracle PriceOracle, swaps SwapExecutor) *Engine {
	return &Engine{
		state:     state,
		tokens:    tokens,
		oracle:    oracle,
		swaps:     swaps,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		telemetry: metrics.Lending(),
		nowFn:     func() int64 { return time.Now().Unix() },
		poolLocks: make(map[common.Address]*sync.RWMutex),
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With("module", ModuleName)
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) poolLock(token common.Address) *sync.RWMutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.poolLocks[token]
	if !ok {
		lock = new(sync.RWMutex)
		e.poolLocks[token] = lock
	}
	return lock
}

// track returns a function that records the outcome of an operation. Use it
// as defer e.track("op")(&err).
func (e *Engine) track(operation string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		e.observe(operation, start, err)
	}
}

func (e *Engine) observe(operation string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotLiquidatable):
		outcome = "not_liquidatable"
	case errors.Is(err, ErrStaleOracle):
		outcome = "stale_oracle"
		e.telemetry.IncOracleStale(operation)
	default:
		outcome = "error"
	}
	e.telemetry.ObserveOperation(operation, outcome, time.Since(start))
}

func (e *Engine) recordPool(p *Pool) {
	if p == nil {
		return
	}
	e.telemetry.SetPoolState(addressString(p.LoanToken), percentFloat(p.Utilization()), percentFloat(p.BorrowInterestRate))
}

func percentFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, wad).Float64()
	return f
}

func (e *Engine) token(addr common.Address) (Token, error) {
	if e.tokens == nil {
		return nil, fmt.Errorf("lending: token registry not configured")
	}
	tok, err := e.tokens.Token(addr)
	if err != nil {
		return nil, fmt.Errorf("lending: token %s: %w", addr.Hex(), err)
	}
	return tok, nil
}

func (e *Engine) settings() (*Settings, error) {
	s, err := e.state.GetSettings()
	if err != nil {
		return nil, err
	}
	if s.LendingFeePercent == nil {
		s.LendingFeePercent = big.NewInt(0)
	}
	return s, nil
}

func (e *Engine) requireAdmin(caller common.Address) (*Settings, error) {
	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	if s.Admin == (common.Address{}) || caller != s.Admin {
		return nil, ErrUnauthorized
	}
	return s, nil
}

// Initialize records the protocol admin, the vault that custodies collateral
// and the address receiving withdrawn protocol fees. It is a no-op once an
// admin exists.
func (e *Engine) Initialize(admin, protocolVault, feesController common.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if admin == (common.Address{}) || protocolVault == (common.Address{}) {
		return fmt.Errorf("lending: admin and protocol vault are required")
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	s, err := e.settings()
	if err != nil {
		return err
	}
	if s.Admin != (common.Address{}) {
		return nil
	}
	s.Admin = admin
	s.ProtocolVault = protocolVault
	s.FeesController = feesController
	cs := newChangeSet()
	cs.putSettings(s)
	return e.state.Commit(cs)
}

// Settings returns a copy of the protocol settings.
func (e *Engine) Settings() (*Settings, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.settings()
}

// PoolConfig describes a new loan token market.
type PoolConfig struct {
	LoanToken common.Address
	Vault     common.Address
	Owner     common.Address
	Curve     DemandCurve
}

// CreatePool registers a market for a loan token. Only the admin may create
// pools.
func (e *Engine) CreatePool(caller common.Address, cfg PoolConfig) (pool *Pool, err error) {
	defer e.track("create_pool")(&err)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if cfg.LoanToken == (common.Address{}) || cfg.Vault == (common.Address{}) {
		return nil, fmt.Errorf("lending: loan token and vault are required")
	}
	if err := cfg.Curve.Validate(); err != nil {
		return nil, err
	}

	lock := e.poolLock(cfg.LoanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	if _, err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	if _, err := e.state.GetPool(cfg.LoanToken); err == nil {
		return nil, ErrPoolExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	owner := cfg.Owner
	if owner == (common.Address{}) {
		owner = caller
	}
	now := e.now()
	pool = &Pool{
		LoanToken:          cfg.LoanToken,
		Vault:              cfg.Vault,
		Owner:              owner,
		TotalPrincipal:     big.NewInt(0),
		TotalAssetSupply:   big.NewInt(0),
		TotalInterestOwed:  big.NewInt(0),
		TotalShares:        big.NewInt(0),
		ProtocolFees:       big.NewInt(0),
		InterestIndex:      big.NewInt(0),
		CheckpointSupply:   big.NewInt(0),
		LastInterestUpdate: now,
		Curve:              cfg.Curve.Clone(),
	}
	reprice(pool)

	cs := newChangeSet()
	cs.putPool(pool)
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.recordPool(pool)
	e.logger.Info("lending pool created", "loanToken", addressString(pool.LoanToken), "vault", addressString(pool.Vault))
	e.emit(newPoolEvent(EventTypePoolCreated, pool, nil))
	return pool.Clone(), nil
}

// SetDemandCurve replaces a pool's curve. Interest up to now accrues at the old
// curve; the rate is then repriced from the new one. The pool owner or the
// admin may call it.
func (e *Engine) SetDemandCurve(caller, loanToken common.Address, curve DemandCurve) (err error) {
	defer e.track("set_demand_curve")(&err)
	if err := e.ready(); err != nil {
		return err
	}
	if err := curve.Validate(); err != nil {
		return err
	}

	lock := e.poolLock(loanToken)
	lock.Lock()
	defer lock.Unlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()

	pool, err := e.state.GetPool(loanToken)
	if err != nil {
		return err
	}
	s, err := e.settings()
	if err != nil {
		return err
	}
	if caller != pool.Owner && (s.Admin == (common.Address{}) || caller != s.Admin) {
		return ErrUnauthorized
	}
	if err := accrueInterest(pool, e.now(), s.LendingFeePercent); err != nil {
		return err
	}
	pool.Curve = curve.Clone()
	reprice(pool)

	cs := newChangeSet()
	cs.putPool(pool)
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	e.recordPool(pool)
	e.logger.Info("demand curve updated", "loanToken", addressString(loanToken), "caller", addressString(caller))
	e.emit(newPoolEvent(EventTypeDemandCurveUpdated, pool, map[string]string{
		"targetLevel":  amountString(curve.TargetLevel),
		"kinkLevel":    amountString(curve.KinkLevel),
		"maxScaleRate": amountString(curve.MaxScaleRate),
	}))
	return nil
}

// Pool returns a snapshot of a pool with interest projected to now. Nothing
// is persisted.
func (e *Engine) Pool(loanToken common.Address) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	lock := e.poolLock(loanToken)
	lock.RLock()
	defer lock.RUnlock()
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.projectedPool(loanToken)
}

// Pools returns snapshots of every pool with interest projected to now.
func (e *Engine) Pools() ([]*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	stored, err := e.state.ListPools()
	if err != nil {
		return nil, err
	}
	out := make([]*Pool, 0, len(stored))
	for _, p := range stored {
		snapshot, err := e.Pool(p.LoanToken)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func (e *Engine) projectedPool(loanToken common.Address) (*Pool, error) {
	pool, err := e.state.GetPool(loanToken)
	if err != nil {
		return nil, err
	}
	s, err := e.settings()
	if err != nil {
		return nil, err
	}
	if err := accrueInterest(pool, e.now(), s.LendingFeePercent); err != nil {
		return nil, err
	}
	return pool, nil
}

// SupplyRate returns the lender rate implied by the pool's projected state.
func (e *Engine) SupplyRate(loanToken common.Address) (*big.Int, error) {
	pool, err := e.Pool(loanToken)
	if err != nil {
		return nil, err
	}
	s, err := e.Settings()
	if err != nil {
		return nil, err
	}
	return pool.Curve.SupplyRate(pool.Utilization(), s.LendingFeePercent), nil
}

// SetLendingFeePercent sets the share of accrued interest kept as protocol
// fees. Every pool is first accrued at the old fee under its lock, so the new
// fee only applies to interest earned afterwards.
func (e *Engine) SetLendingFeePercent(caller common.Address, percent *big.Int) (err error) {
	defer e.track("set_lending_fee")(&err)
	if err := e.ready(); err != nil {
		return err
	}
	if percent == nil || percent.Sign() < 0 || percent.Cmp(hundredPercent) > 0 {
		return ErrInvalidPercent
	}
	stored, err := e.state.ListPools()
	if err != nil {
		return err
	}
	sort.Slice(stored, func(i, j int) bool {
		return bytes.Compare(stored[i].LoanToken[:], stored[j].LoanToken[:]) < 0
	})
	for _, p := range stored {
		lock := e.poolLock(p.LoanToken)
		lock.Lock()
		defer lock.Unlock()
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	s, err := e.requireAdmin(caller)
	if err != nil {
		return err
	}
	now := e.now()
	cs := newChangeSet()
	var accrued []*Pool
	for _, p := range stored {
		pool, err := e.state.GetPool(p.LoanToken)
		if err != nil {
			return err
		}
		if err := accrueInterest(pool, now, s.LendingFeePercent); err != nil {
			return err
		}
		cs.putPool(pool)
		accrued = append(accrued, pool)
	}
	s.LendingFeePercent = new(big.Int).Set(percent)
	cs.putSettings(s)
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	for _, pool := range accrued {
		e.recordPool(pool)
	}
	e.logger.Info("lending fee updated", "percent", percent.String())
	e.emit(events.Record{Type: EventTypeLendingFeeUpdated, Attributes: map[string]string{"percent": percent.String()}})
	return nil
}

// TransferAdmin hands the admin capability to a new address.
func (e *Engine) TransferAdmin(caller, newAdmin common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if newAdmin == (common.Address{}) {
		return fmt.Errorf("lending: new admin is required")
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	s, err := e.requireAdmin(caller)
	if err != nil {
		return err
	}
	s.Admin = newAdmin
	cs := newChangeSet()
	cs.putSettings(s)
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	e.logger.Info("lending admin transferred", "from", addressString(caller), "to", addressString(newAdmin))
	return nil
}

// DefaultLiquidationIncentive is applied to pairs without an explicit
// incentive (5%).
var DefaultLiquidationIncentive = mustBigInt("5000000000000000000")

// IncentiveSetting configures the liquidation incentive for one pair.
type IncentiveSetting struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Percent         *big.Int
}

// SetLiquidationIncentivePercent configures liquidation incentives per
// (loan token, collateral token) pair. Admin only.
func (e *Engine) SetLiquidationIncentivePercent(caller common.Address, settings []IncentiveSetting) (err error) {
	defer e.track("set_liquidation_incentive")(&err)
	if err := e.ready(); err != nil {
		return err
	}
	for _, s := range settings {
		if s.Percent == nil || s.Percent.Sign() < 0 || s.Percent.Cmp(hundredPercent) > 0 {
			return ErrInvalidPercent
		}
	}
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	if _, err := e.requireAdmin(caller); err != nil {
		return err
	}
	cs := newChangeSet()
	for _, s := range settings {
		cs.putIncentive(s.LoanToken, s.CollateralToken, new(big.Int).Set(s.Percent))
	}
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	for _, s := range settings {
		e.emit(events.Record{Type: EventTypeIncentiveUpdated, Attributes: map[string]string{
			"loanToken":       addressString(s.LoanToken),
			"collateralToken": addressString(s.CollateralToken),
			"percent":         s.Percent.String(),
		}})
	}
	return nil
}

// LiquidationIncentive returns the incentive applied to a pair.
func (e *Engine) LiquidationIncentive(loanToken, collateralToken common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pct, ok, err := e.state.GetIncentive(loanToken, collateralToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(big.Int).Set(DefaultLiquidationIncentive), nil
	}
	return pct, nil
}
