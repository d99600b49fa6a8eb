// Package exchange converts fiat job prices into the ledger's native
// currency using a cached table of rates quoted against a base currency.
package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrMissingRate is returned by a Backend that has no rate for a pair.
	ErrMissingRate = errors.New("exchange: missing rate")
	// ErrRateUnavailable means a rate was still missing after a refresh.
	ErrRateUnavailable     = errors.New("exchange: rate unavailable")
	ErrInvalidRate         = errors.New("exchange: invalid rate")
	ErrUnsupportedCurrency = errors.New("exchange: unsupported currency")
)

// Backend holds exchange rates quoted per base currency.
type Backend interface {
	// RefreshRates fetches fresh quotes for symbols and stores them.
	RefreshRates(ctx context.Context, symbols []string) error
	// GetRate returns how many units of target one unit of base buys, or
	// ErrMissingRate.
	GetRate(ctx context.Context, base, target string) (decimal.Decimal, error)
}

// NormalizeCurrency upper-cases a currency code and checks it is three
// ASCII letters.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrUnsupportedCurrency
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", ErrUnsupportedCurrency
		}
	}
	return code, nil
}
