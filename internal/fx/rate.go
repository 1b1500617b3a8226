// Package fx resolves the USD→KRW reference rate used to normalize the
// two venues' prices into one currency.
//
// Sources are tried in order until one answers. Results are cached; a
// cached rate older than the cache window but younger than the hard
// ceiling is still served, flagged stale, so a flapping source does not
// halt premium monitoring. Past the ceiling the provider refuses to
// answer and the engine stops opening trades.
package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// ErrRateUnavailable means every source failed and the cache is past the
// hard ceiling (or empty).
var ErrRateUnavailable = errors.New("fx: usd/krw rate unavailable")

// staleCeiling is how long a cached rate stays usable after the cache
// window expires.
const staleCeiling = time.Hour

// Source produces one USD→KRW observation.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// Provider serves the USD→KRW rate from an ordered source chain with
// caching and stale fallback.
type Provider struct {
	sources  []Source
	cacheFor time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	rate      decimal.Decimal
	fetchedAt time.Time
}

// NewProvider builds a provider over the given sources. cacheFor is the
// fresh window; zero falls back to five minutes.
func NewProvider(sources []Source, cacheFor time.Duration, logger *slog.Logger) *Provider {
	if cacheFor <= 0 {
		cacheFor = 5 * time.Minute
	}
	return &Provider{
		sources:  sources,
		cacheFor: cacheFor,
		logger:   logger.With("component", "fx"),
		now:      time.Now,
	}
}

// SetClock overrides the provider clock, for tests.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Rate returns the USD→KRW rate. stale is true when the value comes from
// a cache older than the fresh window but inside the hard ceiling.
func (p *Provider) Rate(ctx context.Context) (rate decimal.Decimal, stale bool, err error) {
	p.mu.RLock()
	now := p.now()
	if !p.fetchedAt.IsZero() && now.Sub(p.fetchedAt) < p.cacheFor {
		rate = p.rate
		p.mu.RUnlock()
		return rate, false, nil
	}
	p.mu.RUnlock()

	for _, src := range p.sources {
		fetched, ferr := src.Fetch(ctx)
		if ferr != nil {
			p.logger.Warn("rate source failed", "source", src.Name(), "error", ferr)
			continue
		}
		if !fetched.IsPositive() {
			p.logger.Warn("rate source returned non-positive rate",
				"source", src.Name(), "rate", fetched)
			continue
		}
		p.mu.Lock()
		p.rate = fetched
		p.fetchedAt = p.now()
		p.mu.Unlock()
		return fetched, false, nil
	}

	// All sources down: serve the cache until the hard ceiling.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.fetchedAt.IsZero() && p.now().Sub(p.fetchedAt) < staleCeiling {
		p.logger.Warn("serving stale usd/krw rate",
			"age", p.now().Sub(p.fetchedAt).Round(time.Second))
		return p.rate, true, nil
	}
	return decimal.Decimal{}, false, ErrRateUnavailable
}

// httpSource is shared plumbing for the REST sources.
type httpSource struct {
	name string
	http *resty.Client
}

func newHTTPClient() *resty.Client {
	return resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(1)
}

// DunamuSource reads the KRW/USD base price from the Dunamu forex feed.
type DunamuSource struct {
	httpSource
}

// NewDunamuSource builds the primary rate source.
func NewDunamuSource() *DunamuSource {
	return &DunamuSource{httpSource{
		name: "dunamu",
		http: newHTTPClient().SetBaseURL("https://quotation-api-cdn.dunamu.com"),
	}}
}

func (s *DunamuSource) Name() string { return s.name }

func (s *DunamuSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	var result []struct {
		BasePrice decimal.Decimal `json:"basePrice"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("codes", "FRX.KRWUSD").
		SetResult(&result).
		Get("/v1/forex/recent")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("dunamu: %w", err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Decimal{}, fmt.Errorf("dunamu: status %d", resp.StatusCode())
	}
	if len(result) == 0 {
		return decimal.Decimal{}, errors.New("dunamu: empty response")
	}
	return result[0].BasePrice, nil
}

// OpenERSource reads the KRW rate from the open.er-api.com latest-USD feed.
type OpenERSource struct {
	httpSource
}

// NewOpenERSource builds the fallback rate source.
func NewOpenERSource() *OpenERSource {
	return &OpenERSource{httpSource{
		name: "open-er-api",
		http: newHTTPClient().SetBaseURL("https://open.er-api.com"),
	}}
}

func (s *OpenERSource) Name() string { return s.name }

func (s *OpenERSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v6/latest/USD")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("open-er-api: %w", err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Decimal{}, fmt.Errorf("open-er-api: status %d", resp.StatusCode())
	}
	krw, ok := result.Rates["KRW"]
	if !ok {
		return decimal.Decimal{}, errors.New("open-er-api: KRW missing")
	}
	return krw, nil
}

// DefaultSources is the production chain: Dunamu first, open.er-api as
// fallback.
func DefaultSources() []Source {
	return []Source{NewDunamuSource(), NewOpenERSource()}
}
