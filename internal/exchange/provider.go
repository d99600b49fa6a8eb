package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"jobescrow/internal/metrics"
)

// Places is the number of decimal places converted amounts are rounded to.
const Places = 2

type Option func(*Provider)

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Provider) { p.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider converts amounts through a Backend. A missing rate triggers one
// synchronous refresh of the configured symbols plus the requested one;
// concurrent refreshes for the same symbol set share a single call.
type Provider struct {
	backend Backend
	base    string
	metrics *metrics.Registry
	logger  *slog.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	group   singleflight.Group
}

func NewProvider(backend Backend, base string, symbols []string, opts ...Option) (*Provider, error) {
	if backend == nil {
		return nil, errors.New("exchange: backend is required")
	}
	b, err := NormalizeCurrency(base)
	if err != nil {
		return nil, fmt.Errorf("base currency %q: %w", base, err)
	}
	p := &Provider{
		backend: backend,
		base:    b,
		symbols: make(map[string]struct{}),
	}
	for _, s := range symbols {
		code, err := NormalizeCurrency(s)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", s, err)
		}
		p.symbols[code] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func (p *Provider) Base() string { return p.base }

// Symbols returns the sorted set of symbols refreshed on a miss.
func (p *Provider) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Rate returns the units of target bought by one unit of base.
func (p *Provider) Rate(ctx context.Context, target, base string) (decimal.Decimal, error) {
	target, err := NormalizeCurrency(target)
	if err != nil {
		return decimal.Zero, err
	}
	base, err = NormalizeCurrency(base)
	if err != nil {
		return decimal.Zero, err
	}
	if target == base {
		return decimal.NewFromInt(1), nil
	}

	r, err := p.backend.GetRate(ctx, base, target)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrMissingRate) {
		return decimal.Zero, err
	}

	if err := p.refresh(ctx, target); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: refresh: %w", ErrRateUnavailable, base, target, err)
	}
	r, err = p.backend.GetRate(ctx, base, target)
	if errors.Is(err, ErrMissingRate) {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, base, target)
	}
	return r, err
}

func (p *Provider) refresh(ctx context.Context, symbol string) error {
	p.mu.Lock()
	p.symbols[symbol] = struct{}{}
	p.mu.Unlock()
	symbols := p.Symbols()

	ch := p.group.DoChan(strings.Join(symbols, ","), func() (any, error) {
		err := p.backend.RefreshRates(context.WithoutCancel(ctx), symbols)
		if err != nil {
			p.metrics.RateRefresh("error")
			p.logger.Warn("exchange: refresh rates", "symbols", symbols, "error", err)
			return nil, err
		}
		p.metrics.RateRefresh("ok")
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Convert converts amount between currencies and rounds the result half-up
// to two decimal places. Pairs not involving the base currency convert
// through it.
func (p *Provider) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	f, err := NormalizeCurrency(from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", err, from)
	}
	t, err := NormalizeCurrency(to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", err, to)
	}
	from, to = f, t
	if from == to {
		return amount.Round(Places), nil
	}

	inBase := amount
	if from != p.base {
		r, err := p.Rate(ctx, from, p.base)
		if err != nil {
			return decimal.Zero, err
		}
		if !r.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s/%s = %s", ErrInvalidRate, p.base, from, r)
		}
		inBase = amount.Div(r)
	}
	out := inBase
	if to != p.base {
		r, err := p.Rate(ctx, to, p.base)
		if err != nil {
			return decimal.Zero, err
		}
		out = inBase.Mul(r)
	}
	return out.Round(Places), nil
}
