package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/native/oracle"
	"revenuechannels/observability/metrics"
)

// Quote is a single upstream observation of a pair.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// Source resolves a price quote for a token pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote common.Address) (Quote, error)
}

// Sink receives the aggregated rates. *oracle.PriceFeeds satisfies it.
type Sink interface {
	SetRates(updates []oracle.RateUpdate) error
}

// Recorder keeps the raw samples for audit.
type Recorder interface {
	RecordSample(ctx context.Context, pair, source, rate string, observed time.Time) error
}

// Pair identifies a base/quote pair.
type Pair struct {
	Base  common.Address
	Quote common.Address
}

func (p Pair) String() string {
	return strings.ToLower(p.Base.Hex()) + "/" + strings.ToLower(p.Quote.Hex())
}

// Manager polls every source for every pair and pushes the median of the
// fresh quotes into the price feeds.
type Manager struct {
	logger   *slog.Logger
	sink     Sink
	recorder Recorder
	sources  []Source
	pairs    []Pair
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	nowFn    func() time.Time
	metrics  *metrics.FeederMetrics
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder persists every accepted sample.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// New constructs a manager instance.
func New(sink Sink, sources []Source, pairs []Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		sink:     sink,
		sources:  append([]Source{}, sources...),
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		nowFn:    time.Now,
		metrics:  metrics.Feeder(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("price feeder started", "sources", len(m.sources), "pairs", len(m.pairs))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("price feeder tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured pairs. A
// failing pair does not stop the others.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var errs []error
	updates := make([]oracle.RateUpdate, 0, len(m.pairs))
	for _, pair := range m.pairs {
		update, err := m.aggregate(ctx, pair)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updates = append(updates, update)
	}
	if len(updates) > 0 {
		if err := m.sink.SetRates(updates); err != nil {
			errs = append(errs, fmt.Errorf("publish rates: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) aggregate(ctx context.Context, pair Pair) (oracle.RateUpdate, error) {
	now := m.nowFn()
	rates := make([]*big.Rat, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		q, err := src.Fetch(ctx, pair.Base, pair.Quote)
		if err != nil {
			m.metrics.RecordFetch(src.Name(), "error")
			m.logger.Debug("price source failed", "source", src.Name(), "pair", pair.String(), "error", err)
			continue
		}
		if q.Rate == nil || q.Rate.Sign() <= 0 {
			m.metrics.RecordFetch(src.Name(), "invalid")
			m.logger.Debug("price source returned invalid rate", "source", src.Name(), "pair", pair.String())
			continue
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = now
		}
		if q.Timestamp.After(now.Add(5 * time.Second)) {
			m.metrics.RecordFetch(src.Name(), "future")
			m.logger.Debug("price source produced future timestamp", "source", src.Name(), "pair", pair.String())
			continue
		}
		if q.Timestamp.Before(now.Add(-m.maxAge)) {
			m.metrics.RecordFetch(src.Name(), "stale")
			m.logger.Debug("price source quote expired", "source", src.Name(), "pair", pair.String())
			continue
		}
		m.metrics.RecordFetch(src.Name(), "ok")
		feeders = append(feeders, src.Name())
		rates = append(rates, new(big.Rat).Set(q.Rate))
		if m.recorder != nil {
			if err := m.recorder.RecordSample(ctx, pair.String(), src.Name(), q.Rate.FloatString(18), q.Timestamp); err != nil {
				m.logger.Warn("record price sample", "error", err)
			}
		}
	}
	if len(rates) < m.minFeeds {
		return oracle.RateUpdate{}, fmt.Errorf("insufficient price feeds for %s: have %d, need %d", pair, len(rates), m.minFeeds)
	}
	median := computeMedian(rates)
	if median == nil || median.Sign() <= 0 {
		return oracle.RateUpdate{}, fmt.Errorf("median computation failed for %s", pair)
	}
	sort.Strings(feeders)
	rate, _ := median.Float64()
	m.metrics.RecordPublish(pair.String(), rate, len(rates), now)
	return oracle.RateUpdate{
		Base:      pair.Base,
		Quote:     pair.Quote,
		Rate:      median,
		Timestamp: now,
		Source:    "median:" + strings.Join(feeders, ","),
	}, nil
}

func computeMedian(rates []*big.Rat) *big.Rat {
	if len(rates) == 0 {
		return nil
	}
	sorted := append([]*big.Rat{}, rates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
