package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revenuechannels/services/lendingd/config"
)

// Registry constructs price sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg config.SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "static":
		return NewStaticSource(cfg.Name, cfg.Rates)
	case "http":
		return &httpSource{name: label(cfg.Name, "http"), client: r.client(), endpoint: cfg.Endpoint}, nil
	default:
		return nil, fmt.Errorf("unknown price source type %q", cfg.Type)
	}
}

// BuildAll creates every configured source.
func (r *Registry) BuildAll(cfgs []config.SourceConfig) ([]Source, error) {
	out := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		src, err := r.Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		out = append(out, src)
	}
	return out, nil
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type staticSource struct {
	name  string
	rates map[Pair]*big.Rat
}

// NewStaticSource serves fixed rates keyed "base/quote". Every fetch is
// stamped with the current time.
func NewStaticSource(name string, rates map[string]string) (Source, error) {
	parsed := make(map[Pair]*big.Rat, len(rates))
	for key, value := range rates {
		base, quote, ok := strings.Cut(key, "/")
		if !ok || !common.IsHexAddress(strings.TrimSpace(base)) || !common.IsHexAddress(strings.TrimSpace(quote)) {
			return nil, fmt.Errorf("invalid pair %q", key)
		}
		rate, ok := new(big.Rat).SetString(strings.TrimSpace(value))
		if !ok || rate.Sign() <= 0 {
			return nil, fmt.Errorf("invalid rate %q for %s", value, key)
		}
		pair := Pair{Base: common.HexToAddress(strings.TrimSpace(base)), Quote: common.HexToAddress(strings.TrimSpace(quote))}
		parsed[pair] = rate
	}
	return &staticSource{name: label(name, "static"), rates: parsed}, nil
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(_ context.Context, base, quote common.Address) (Quote, error) {
	rate, ok := s.rates[Pair{Base: base, Quote: quote}]
	if !ok {
		return Quote{}, fmt.Errorf("no static rate for %s", Pair{Base: base, Quote: quote})
	}
	return Quote{Rate: new(big.Rat).Set(rate), Timestamp: time.Now()}, nil
}

// httpSource polls an endpoint answering
// GET ?base=0x..&quote=0x.. with {"rate":"1.01","timestamp":1700000000}.
type httpSource struct {
	name     string
	client   *http.Client
	endpoint string
}

type httpQuote struct {
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context, base, quote common.Address) (Quote, error) {
	target, err := url.Parse(s.endpoint)
	if err != nil {
		return Quote{}, fmt.Errorf("parse endpoint: %w", err)
	}
	query := target.Query()
	query.Set("base", strings.ToLower(base.Hex()))
	query.Set("quote", strings.ToLower(quote.Hex()))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch rate: unexpected status %d", resp.StatusCode)
	}
	var payload httpQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode rate: %w", err)
	}
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Rate))
	if !ok {
		return Quote{}, fmt.Errorf("invalid rate %q", payload.Rate)
	}
	out := Quote{Rate: rate}
	if payload.Timestamp > 0 {
		out.Timestamp = time.Unix(payload.Timestamp, 0)
	}
	return out, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
