package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultOXRURL = "https://openexchangerates.org/api/"

// OXRConfig configures the Open Exchange Rates backend.
type OXRConfig struct {
	AppID   string
	BaseURL string
	Base    string
	// RequestsPerMinute caps outbound calls; zero means 30.
	RequestsPerMinute int
	// MaxAge makes quotes older than this count as missing. Zero keeps
	// quotes forever.
	MaxAge     time.Duration
	HTTPClient *http.Client
	Store      RateStore
}

// OpenExchangeRates fetches latest.json quotes and keeps them in a RateStore.
type OpenExchangeRates struct {
	appID   string
	baseURL string
	base    string
	maxAge  time.Duration
	http    *http.Client
	limiter *rate.Limiter
	store   RateStore
	now     func() time.Time
}

func NewOpenExchangeRates(cfg OXRConfig) (*OpenExchangeRates, error) {
	if cfg.AppID == "" {
		return nil, errors.New("exchange: open exchange rates app id is required")
	}
	base, err := NormalizeCurrency(cfg.Base)
	if err != nil {
		return nil, fmt.Errorf("base currency %q: %w", cfg.Base, err)
	}
	o := &OpenExchangeRates{
		appID:   cfg.AppID,
		baseURL: cfg.BaseURL,
		base:    base,
		maxAge:  cfg.MaxAge,
		http:    cfg.HTTPClient,
		store:   cfg.Store,
		now:     time.Now,
	}
	if o.baseURL == "" {
		o.baseURL = defaultOXRURL
	}
	if !strings.HasSuffix(o.baseURL, "/") {
		o.baseURL += "/"
	}
	if o.http == nil {
		o.http = &http.Client{Timeout: 10 * time.Second}
	}
	if o.store == nil {
		o.store = NewMemoryRateStore()
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	o.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
	return o, nil
}

type latestResponse struct {
	Timestamp   int64                      `json:"timestamp"`
	Base        string                     `json:"base"`
	Rates       map[string]decimal.Decimal `json:"rates"`
	Error       bool                       `json:"error"`
	Status      int                        `json:"status"`
	Message     string                     `json:"message"`
	Description string                     `json:"description"`
}

func (o *OpenExchangeRates) RefreshRates(ctx context.Context, symbols []string) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("exchange: wait for rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("app_id", o.appID)
	q.Set("base", o.base)
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	// XRP is only quoted with alternative currencies enabled.
	q.Set("show_alternative", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"latest.json?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange: fetch latest rates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("exchange: read latest rates: %w", err)
	}
	var payload latestResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("exchange: decode latest rates (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || payload.Error {
		return fmt.Errorf("exchange: provider returned %d: %s %s", resp.StatusCode, payload.Message, payload.Description)
	}
	if payload.Base != "" && !strings.EqualFold(payload.Base, o.base) {
		return fmt.Errorf("%w: provider quoted base %q, want %q", ErrInvalidRate, payload.Base, o.base)
	}

	valid := make(map[string]decimal.Decimal, len(payload.Rates))
	for symbol, r := range payload.Rates {
		if !r.IsPositive() {
			continue
		}
		valid[strings.ToUpper(symbol)] = r
	}
	at := o.now()
	if payload.Timestamp > 0 {
		at = time.Unix(payload.Timestamp, 0).UTC()
	}
	return o.store.SaveRates(ctx, o.base, valid, at)
}

func (o *OpenExchangeRates) GetRate(ctx context.Context, base, target string) (decimal.Decimal, error) {
	if base == target {
		return decimal.NewFromInt(1), nil
	}
	q, err := o.store.Quote(ctx, base, target)
	if err != nil {
		return decimal.Zero, err
	}
	if o.maxAge > 0 && o.now().Sub(q.UpdatedAt) > o.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %s/%s quote is stale", ErrMissingRate, base, target)
	}
	if !q.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s = %s", ErrInvalidRate, base, target, q.Rate)
	}
	return q.Rate, nil
}
