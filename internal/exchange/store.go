package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Quote is a stored rate and the time the provider published it.
type Quote struct {
	Rate      decimal.Decimal
	UpdatedAt time.Time
}

// RateStore persists the rate table. Writes are per symbol; the last
// writer wins.
type RateStore interface {
	SaveRates(ctx context.Context, base string, rates map[string]decimal.Decimal, at time.Time) error
	// Quote returns ErrMissingRate when the pair is unknown.
	Quote(ctx context.Context, base, target string) (Quote, error)
}

type pairKey struct{ base, target string }

type MemoryRateStore struct {
	mu     sync.RWMutex
	quotes map[pairKey]Quote
}

func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{quotes: make(map[pairKey]Quote)}
}

func (m *MemoryRateStore) SaveRates(_ context.Context, base string, rates map[string]decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for target, rate := range rates {
		m.quotes[pairKey{base, target}] = Quote{Rate: rate, UpdatedAt: at}
	}
	return nil
}

func (m *MemoryRateStore) Quote(_ context.Context, base, target string) (Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[pairKey{base, target}]
	if !ok {
		return Quote{}, ErrMissingRate
	}
	return q, nil
}

// PostgresRateStore keeps rates in the exchange_rates table.
type PostgresRateStore struct {
	pool *pgxpool.Pool
}

const createRatesTableSQL = `
CREATE TABLE IF NOT EXISTS exchange_rates (
    base TEXT NOT NULL,
    target TEXT NOT NULL,
    rate NUMERIC NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (base, target)
);
`

// NewPostgresRateStore ensures the rate table exists on pool.
func NewPostgresRateStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresRateStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createRatesTableSQL); err != nil {
		return nil, err
	}
	return &PostgresRateStore{pool: pool}, nil
}

func (p *PostgresRateStore) SaveRates(ctx context.Context, base string, rates map[string]decimal.Decimal, at time.Time) error {
	batch := &pgx.Batch{}
	for target, rate := range rates {
		batch.Queue(`
INSERT INTO exchange_rates (base, target, rate, updated_at)
VALUES ($1, $2, $3::numeric, $4)
ON CONFLICT (base, target) DO UPDATE
SET rate = EXCLUDED.rate,
    updated_at = EXCLUDED.updated_at
`, base, target, rate.String(), at)
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

func (p *PostgresRateStore) Quote(ctx context.Context, base, target string) (Quote, error) {
	row := p.pool.QueryRow(ctx, `
SELECT rate::text, updated_at
FROM exchange_rates
WHERE base = $1 AND target = $2
`, base, target)

	var (
		raw string
		q   Quote
	)
	if err := row.Scan(&raw, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrMissingRate
		}
		return Quote{}, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return Quote{}, err
	}
	q.Rate = rate
	return q, nil
}
