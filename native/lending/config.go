package lending

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Genesis captures the initial protocol state loaded from a TOML file.
// Percentages are decimal strings ("7.5" is 7.5%); token amounts are integer
// strings in base units.
type Genesis struct {
	Admin             string             `toml:"Admin"`
	ProtocolVault     string             `toml:"ProtocolVault"`
	FeesController    string             `toml:"FeesController"`
	LendingFeePercent string             `toml:"LendingFeePercent"`
	Pools             []PoolGenesis      `toml:"pools"`
	LoanParams        []ParamsGenesis    `toml:"loanParams"`
	Incentives        []IncentiveGenesis `toml:"incentives"`
	Oracle            OracleGenesis      `toml:"oracle"`
	Swap              SwapGenesis        `toml:"swap"`
	Tokens            []TokenGenesis     `toml:"tokens"`
	Balances          []BalanceGenesis   `toml:"balances"`
	Approvals         []ApprovalGenesis  `toml:"approvals"`
}

// CurveGenesis is the TOML form of a DemandCurve.
type CurveGenesis struct {
	BaseRate              string `toml:"BaseRate"`
	RateMultiplier        string `toml:"RateMultiplier"`
	LowUtilBaseRate       string `toml:"LowUtilBaseRate"`
	LowUtilRateMultiplier string `toml:"LowUtilRateMultiplier"`
	TargetLevel           string `toml:"TargetLevel"`
	KinkLevel             string `toml:"KinkLevel"`
	MaxScaleRate          string `toml:"MaxScaleRate"`
}

// PoolGenesis creates a pool and optionally seeds it with lender deposits.
type PoolGenesis struct {
	LoanToken string         `toml:"LoanToken"`
	Vault     string         `toml:"Vault"`
	Owner     string         `toml:"Owner"`
	Curve     *CurveGenesis  `toml:"curve"`
	Seed      []DepositEntry `toml:"seed"`
}

// DepositEntry is a lender deposit minted at genesis. The lender must hold the
// amount and have approved the pool vault.
type DepositEntry struct {
	Lender string `toml:"Lender"`
	Amount string `toml:"Amount"`
}

type ParamsGenesis struct {
	Owner             string `toml:"Owner"`
	LoanToken         string `toml:"LoanToken"`
	CollateralToken   string `toml:"CollateralToken"`
	MinInitialMargin  string `toml:"MinInitialMargin"`
	MaintenanceMargin string `toml:"MaintenanceMargin"`
	MaxLoanTerm       uint64 `toml:"MaxLoanTermSeconds"`
	Disabled          bool   `toml:"Disabled"`
}

type IncentiveGenesis struct {
	LoanToken       string `toml:"LoanToken"`
	CollateralToken string `toml:"CollateralToken"`
	Percent         string `toml:"Percent"`
}

// OracleGenesis seeds the price feeds.
type OracleGenesis struct {
	MaxAgeSeconds uint64          `toml:"MaxAgeSeconds"`
	Decimals      []DecimalsEntry `toml:"decimals"`
	Rates         []RateEntry     `toml:"rates"`
}

type DecimalsEntry struct {
	Token    string `toml:"Token"`
	Decimals uint8  `toml:"Decimals"`
}

// RateEntry prices one whole Base token in whole Quote tokens.
type RateEntry struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
	Rate  string `toml:"Rate"`
}

// SwapGenesis configures the collateral swap executor.
type SwapGenesis struct {
	Reserve string `toml:"Reserve"`
	FeeBps  uint64 `toml:"FeeBps"`
}

// TokenGenesis registers a fungible token with the daemon's ledger.
type TokenGenesis struct {
	Address  string `toml:"Address"`
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

type BalanceGenesis struct {
	Token  string `toml:"Token"`
	Owner  string `toml:"Owner"`
	Amount string `toml:"Amount"`
}

type ApprovalGenesis struct {
	Token   string `toml:"Token"`
	Owner   string `toml:"Owner"`
	Spender string `toml:"Spender"`
	Amount  string `toml:"Amount"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lending: read genesis: %w", err)
	}
	return ParseGenesis(string(raw))
}

// ParseGenesis decodes and validates a TOML genesis document.
func ParseGenesis(doc string) (*Genesis, error) {
	var g Genesis
	meta, err := toml.Decode(doc, &g)
	if err != nil {
		return nil, fmt.Errorf("lending: decode genesis: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("lending: unknown genesis field %s", undecoded[0])
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks addresses and numeric fields without touching state.
func (g *Genesis) Validate() error {
	if g == nil {
		return fmt.Errorf("lending: genesis is missing")
	}
	if _, err := ParseAddress(g.Admin); err != nil {
		return fmt.Errorf("lending: genesis Admin: %w", err)
	}
	if _, err := ParseAddress(g.ProtocolVault); err != nil {
		return fmt.Errorf("lending: genesis ProtocolVault: %w", err)
	}
	if g.FeesController != "" {
		if _, err := ParseAddress(g.FeesController); err != nil {
			return fmt.Errorf("lending: genesis FeesController: %w", err)
		}
	}
	if g.LendingFeePercent != "" {
		if _, err := ParsePercent(g.LendingFeePercent); err != nil {
			return fmt.Errorf("lending: genesis LendingFeePercent: %w", err)
		}
	}
	for i, p := range g.Pools {
		if _, err := p.config(); err != nil {
			return fmt.Errorf("lending: genesis pool %d: %w", i, err)
		}
		for j, seed := range p.Seed {
			if _, err := ParseAddress(seed.Lender); err != nil {
				return fmt.Errorf("lending: genesis pool %d seed %d: %w", i, j, err)
			}
			if _, err := ParseAmount(seed.Amount); err != nil {
				return fmt.Errorf("lending: genesis pool %d seed %d: %w", i, j, err)
			}
		}
	}
	for i, p := range g.LoanParams {
		if _, err := p.LoanParams(); err != nil {
			return fmt.Errorf("lending: genesis loan params %d: %w", i, err)
		}
	}
	for i, inc := range g.Incentives {
		if _, err := inc.Setting(); err != nil {
			return fmt.Errorf("lending: genesis incentive %d: %w", i, err)
		}
	}
	for i, tok := range g.Tokens {
		if _, err := ParseAddress(tok.Address); err != nil {
			return fmt.Errorf("lending: genesis token %d: %w", i, err)
		}
		if strings.TrimSpace(tok.Symbol) == "" {
			return fmt.Errorf("lending: genesis token %d: symbol required", i)
		}
	}
	return nil
}

// ParseAddress parses a 0x-prefixed hex address and rejects the zero address.
func ParseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

const (
	percentDecimals = 18
	// maxPercentDigits is the decimal width of the largest 256-bit word.
	maxPercentDigits = 78
)

// ParsePercent converts a decimal percentage into the 18-decimal fixed point
// form used throughout the engine. More than 18 fractional digits is an error.
func ParsePercent(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid percentage %q: %w", value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative percentage %q", ErrInvalidPercent, value)
	}
	coefficient := d.Coefficient()
	if coefficient.Sign() == 0 {
		return big.NewInt(0), nil
	}
	// Bound the exponent before scaling; "1e400000000" would otherwise
	// materialise hundreds of millions of digits.
	digits := int64(len(coefficient.String()))
	shift := int64(d.Exponent()) + percentDecimals
	switch {
	case shift >= 0 && digits+shift > maxPercentDigits:
		return nil, fmt.Errorf("%w: percentage %q too large", ErrInvalidPercent, value)
	case shift < 0 && -shift >= digits:
		return nil, fmt.Errorf("percentage %q exceeds 18 decimals", value)
	}
	scaled := d.Shift(percentDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("percentage %q exceeds 18 decimals", value)
	}
	out := scaled.BigInt()
	if err := checkWord(out); err != nil {
		return nil, fmt.Errorf("%w: percentage %q too large", ErrInvalidPercent, value)
	}
	return out, nil
}

// FormatPercent renders an 18-decimal percentage as a decimal string.
func FormatPercent(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

// ParseAmount parses a non-negative base unit integer.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return amount, nil
}

// DemandCurve parses and validates the curve. A nil curve yields the default.
func (c *CurveGenesis) DemandCurve() (DemandCurve, error) {
	if c == nil {
		return DefaultDemandCurve(), nil
	}
	var out DemandCurve
	fields := []struct {
		raw string
		dst **big.Int
	}{
		{c.BaseRate, &out.BaseRate},
		{c.RateMultiplier, &out.RateMultiplier},
		{c.LowUtilBaseRate, &out.LowUtilBaseRate},
		{c.LowUtilRateMultiplier, &out.LowUtilRateMultiplier},
		{c.TargetLevel, &out.TargetLevel},
		{c.KinkLevel, &out.KinkLevel},
		{c.MaxScaleRate, &out.MaxScaleRate},
	}
	for _, f := range fields {
		raw := f.raw
		if strings.TrimSpace(raw) == "" {
			raw = "0"
		}
		v, err := ParsePercent(raw)
		if err != nil {
			return DemandCurve{}, err
		}
		*f.dst = v
	}
	if err := out.Validate(); err != nil {
		return DemandCurve{}, err
	}
	return out, nil
}

func (p PoolGenesis) config() (PoolConfig, error) {
	loanToken, err := ParseAddress(p.LoanToken)
	if err != nil {
		return PoolConfig{}, fmt.Errorf("LoanToken: %w", err)
	}
	vault, err := ParseAddress(p.Vault)
	if err != nil {
		return PoolConfig{}, fmt.Errorf("Vault: %w", err)
	}
	var owner common.Address
	if p.Owner != "" {
		if owner, err = ParseAddress(p.Owner); err != nil {
			return PoolConfig{}, fmt.Errorf("Owner: %w", err)
		}
	}
	curve, err := p.Curve.DemandCurve()
	if err != nil {
		return PoolConfig{}, err
	}
	return PoolConfig{LoanToken: loanToken, Vault: vault, Owner: owner, Curve: curve}, nil
}

// LoanParams parses the entry. Owner may be empty, in which case the caller
// registering it becomes the owner.
func (p ParamsGenesis) LoanParams() (LoanParams, error) {
	var out LoanParams
	var err error
	if p.Owner != "" {
		if out.Owner, err = ParseAddress(p.Owner); err != nil {
			return LoanParams{}, fmt.Errorf("Owner: %w", err)
		}
	}
	if out.LoanToken, err = ParseAddress(p.LoanToken); err != nil {
		return LoanParams{}, fmt.Errorf("LoanToken: %w", err)
	}
	if out.CollateralToken, err = ParseAddress(p.CollateralToken); err != nil {
		return LoanParams{}, fmt.Errorf("CollateralToken: %w", err)
	}
	if out.MinInitialMargin, err = ParsePercent(p.MinInitialMargin); err != nil {
		return LoanParams{}, fmt.Errorf("MinInitialMargin: %w", err)
	}
	if out.MaintenanceMargin, err = ParsePercent(p.MaintenanceMargin); err != nil {
		return LoanParams{}, fmt.Errorf("MaintenanceMargin: %w", err)
	}
	if err := ValidateMargins(out.MinInitialMargin, out.MaintenanceMargin); err != nil {
		return LoanParams{}, err
	}
	out.MaxLoanTerm = p.MaxLoanTerm
	out.Active = !p.Disabled
	return out, nil
}

func (i IncentiveGenesis) Setting() (IncentiveSetting, error) {
	loanToken, err := ParseAddress(i.LoanToken)
	if err != nil {
		return IncentiveSetting{}, fmt.Errorf("LoanToken: %w", err)
	}
	collateralToken, err := ParseAddress(i.CollateralToken)
	if err != nil {
		return IncentiveSetting{}, fmt.Errorf("CollateralToken: %w", err)
	}
	pct, err := ParsePercent(i.Percent)
	if err != nil {
		return IncentiveSetting{}, err
	}
	return IncentiveSetting{LoanToken: loanToken, CollateralToken: collateralToken, Percent: pct}, nil
}

// ApplyGenesis initialises settings, pools, params and incentives, then mints
// the pool seed deposits. Token balances and oracle rates must already be in
// place. A store that already has an admin is left untouched so a restarted
// daemon can pass the same file again.
func (e *Engine) ApplyGenesis(g *Genesis) error {
	if err := g.Validate(); err != nil {
		return err
	}
	admin, _ := ParseAddress(g.Admin)
	vault, _ := ParseAddress(g.ProtocolVault)
	var feesController common.Address
	if g.FeesController != "" {
		feesController, _ = ParseAddress(g.FeesController)
	}
	s, err := e.Settings()
	if err != nil {
		return err
	}
	if s.Admin != (common.Address{}) {
		e.logger.Info("lending genesis already applied", "admin", addressString(s.Admin))
		return nil
	}
	if err := e.Initialize(admin, vault, feesController); err != nil {
		return err
	}
	if g.LendingFeePercent != "" {
		pct, _ := ParsePercent(g.LendingFeePercent)
		if err := e.SetLendingFeePercent(admin, pct); err != nil {
			return err
		}
	}

	for i, p := range g.Pools {
		cfg, _ := p.config()
		if _, err := e.CreatePool(admin, cfg); err != nil {
			return fmt.Errorf("lending: genesis pool %d: %w", i, err)
		}
		for j, seed := range p.Seed {
			lender, _ := ParseAddress(seed.Lender)
			amount, _ := ParseAmount(seed.Amount)
			if amount.Sign() == 0 {
				continue
			}
			if _, err := e.Mint(lender, cfg.LoanToken, amount); err != nil {
				return fmt.Errorf("lending: genesis pool %d seed %d: %w", i, j, err)
			}
		}
	}

	if len(g.LoanParams) > 0 {
		list := make([]LoanParams, 0, len(g.LoanParams))
		for _, p := range g.LoanParams {
			entry, _ := p.LoanParams()
			if entry.Owner == (common.Address{}) {
				entry.Owner = admin
			}
			list = append(list, entry)
		}
		if _, err := e.SetupLoanParams(admin, list, false); err != nil {
			return fmt.Errorf("lending: genesis loan params: %w", err)
		}
	}

	if len(g.Incentives) > 0 {
		settings := make([]IncentiveSetting, 0, len(g.Incentives))
		for _, inc := range g.Incentives {
			setting, _ := inc.Setting()
			settings = append(settings, setting)
		}
		if err := e.SetLiquidationIncentivePercent(admin, settings); err != nil {
			return fmt.Errorf("lending: genesis incentives: %w", err)
		}
	}
	return nil
}
