package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/native/lending"
)

// DefaultDecimals applies to tokens without a registered precision.
const DefaultDecimals uint8 = 18

// Quote is a rate for one whole base token expressed in whole quote tokens.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate with the supplied precision.
func (q Quote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// RateUpdate is one entry of a SetRates batch.
type RateUpdate struct {
	Base      common.Address
	Quote     common.Address
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// PairInfo describes a stored pair for reporting.
type PairInfo struct {
	Base   common.Address
	Quote  common.Address
	Latest Quote
	Stale  bool
}

type pairKey struct {
	base  common.Address
	quote common.Address
}

// PriceFeeds is a local price oracle keyed by token address. Rates are
// recorded per direction; a missing direction is served from the inverse of
// the opposite one. Conversions honour each token's decimals.
type PriceFeeds struct {
	mu       sync.RWMutex
	rates    map[pairKey]Quote
	decimals map[common.Address]uint8
	maxAge   time.Duration
	now      func() time.Time
}

// NewPriceFeeds constructs an empty feed set. A zero maxAge disables the
// staleness check.
func NewPriceFeeds(maxAge time.Duration) *PriceFeeds {
	return &PriceFeeds{
		rates:    make(map[pairKey]Quote),
		decimals: make(map[common.Address]uint8),
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for staleness checks.
func (f *PriceFeeds) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// SetMaxAge updates the freshness window.
func (f *PriceFeeds) SetMaxAge(maxAge time.Duration) {
	if maxAge < 0 {
		maxAge = 0
	}
	f.mu.Lock()
	f.maxAge = maxAge
	f.mu.Unlock()
}

// RateStalenessSeconds reports the freshness window.
func (f *PriceFeeds) RateStalenessSeconds() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxAge
}

// SetDecimals records the precision of a token.
func (f *PriceFeeds) SetDecimals(token common.Address, decimals uint8) error {
	if decimals > 36 {
		return fmt.Errorf("oracle: decimals %d out of range", decimals)
	}
	f.mu.Lock()
	f.decimals[token] = decimals
	f.mu.Unlock()
	return nil
}

// Decimals returns the precision of a token.
func (f *PriceFeeds) Decimals(token common.Address) uint8 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.decimalsLocked(token)
}

func (f *PriceFeeds) decimalsLocked(token common.Address) uint8 {
	if d, ok := f.decimals[token]; ok {
		return d
	}
	return DefaultDecimals
}

// SetRate stores a single rate.
func (f *PriceFeeds) SetRate(base, quote common.Address, rate *big.Rat, ts time.Time) error {
	return f.SetRates([]RateUpdate{{Base: base, Quote: quote, Rate: rate, Timestamp: ts}})
}

// SetDecimalRate parses a decimal string rate and stores it.
func (f *PriceFeeds) SetDecimalRate(base, quote common.Address, rate string, ts time.Time) error {
	trimmed := strings.TrimSpace(rate)
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok || trimmed == "" {
		return fmt.Errorf("oracle: invalid rate %q", rate)
	}
	return f.SetRate(base, quote, rat, ts)
}

// SetRates validates every update before storing any of them. A zero
// timestamp is stamped with the current clock.
func (f *PriceFeeds) SetRates(updates []RateUpdate) error {
	for i, u := range updates {
		if u.Base == u.Quote {
			return fmt.Errorf("oracle: update %d: base and quote must differ", i)
		}
		if u.Rate == nil || u.Rate.Sign() <= 0 {
			return fmt.Errorf("oracle: update %d: rate must be positive", i)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range updates {
		ts := u.Timestamp
		if ts.IsZero() {
			ts = f.now()
		}
		source := u.Source
		if source == "" {
			source = "manual"
		}
		f.rates[pairKey{base: u.Base, quote: u.Quote}] = Quote{
			Rate:      new(big.Rat).Set(u.Rate),
			Timestamp: ts,
			Source:    source,
		}
	}
	return nil
}

// Rate returns the quote for base priced in quote.
func (f *PriceFeeds) Rate(base, quote common.Address) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rateLocked(base, quote)
}

func (f *PriceFeeds) rateLocked(base, quote common.Address) (Quote, error) {
	if base == quote {
		return Quote{Rate: big.NewRat(1, 1), Timestamp: f.now(), Source: "identity"}, nil
	}
	q, ok := f.rates[pairKey{base: base, quote: quote}]
	if !ok {
		inverse, found := f.rates[pairKey{base: quote, quote: base}]
		if !found {
			return Quote{}, fmt.Errorf("%w: %s/%s", lending.ErrUnknownPair, base.Hex(), quote.Hex())
		}
		q = inverse.Clone()
		q.Rate.Inv(q.Rate)
	} else {
		q = q.Clone()
	}
	if f.maxAge > 0 && f.now().Sub(q.Timestamp) > f.maxAge {
		return Quote{}, fmt.Errorf("%w: %s/%s updated %s", lending.ErrStaleOracle, base.Hex(), quote.Hex(), q.Timestamp.UTC().Format(time.RFC3339))
	}
	return q, nil
}

// Convert values amount base units of from in base units of to. The result is
// truncated.
func (f *PriceFeeds) Convert(amount *big.Int, from, to common.Address) (*big.Int, error) {
	if amount == nil {
		return nil, lending.ErrInvalidAmount
	}
	if from == to {
		return new(big.Int).Set(amount), nil
	}
	f.mu.RLock()
	q, err := f.rateLocked(from, to)
	fromDec := f.decimalsLocked(from)
	toDec := f.decimalsLocked(to)
	f.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(amount, q.Rate.Num())
	num.Mul(num, pow10(toDec))
	den := new(big.Int).Mul(q.Rate.Denom(), pow10(fromDec))
	return num.Quo(num, den), nil
}

// Pairs lists the stored directions in a stable order.
func (f *PriceFeeds) Pairs() []PairInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	now := f.now()
	out := make([]PairInfo, 0, len(f.rates))
	for key, q := range f.rates {
		out = append(out, PairInfo{
			Base:   key.base,
			Quote:  key.quote,
			Latest: q.Clone(),
			Stale:  f.maxAge > 0 && now.Sub(q.Timestamp) > f.maxAge,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Base != out[j].Base {
			return out[i].Base.Hex() < out[j].Base.Hex()
		}
		return out[i].Quote.Hex() < out[j].Quote.Hex()
	})
	return out
}

// ApplyGenesis loads decimals, the freshness window and seed rates.
func (f *PriceFeeds) ApplyGenesis(g lending.OracleGenesis) error {
	if g.MaxAgeSeconds > 0 {
		f.SetMaxAge(time.Duration(g.MaxAgeSeconds) * time.Second)
	}
	for i, d := range g.Decimals {
		token, err := lending.ParseAddress(d.Token)
		if err != nil {
			return fmt.Errorf("oracle: genesis decimals %d: %w", i, err)
		}
		if err := f.SetDecimals(token, d.Decimals); err != nil {
			return err
		}
	}
	updates := make([]RateUpdate, 0, len(g.Rates))
	for i, r := range g.Rates {
		base, err := lending.ParseAddress(r.Base)
		if err != nil {
			return fmt.Errorf("oracle: genesis rate %d: %w", i, err)
		}
		quote, err := lending.ParseAddress(r.Quote)
		if err != nil {
			return fmt.Errorf("oracle: genesis rate %d: %w", i, err)
		}
		rat, ok := new(big.Rat).SetString(strings.TrimSpace(r.Rate))
		if !ok {
			return fmt.Errorf("oracle: genesis rate %d: invalid rate %q", i, r.Rate)
		}
		updates = append(updates, RateUpdate{Base: base, Quote: quote, Rate: rat, Source: "genesis"})
	}
	return f.SetRates(updates)
}

var powCache sync.Map

func pow10(exp uint8) *big.Int {
	if v, ok := powCache.Load(exp); ok {
		return v.(*big.Int)
	}
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	powCache.Store(exp, v)
	return v
}
