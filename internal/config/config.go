package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AppConfig ties together the file configuration and environment overrides.
type AppConfig struct {
	Service  ServiceConfig  `yaml:"service"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Escrow   EscrowConfig   `yaml:"escrow"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Retry    RetryConfig    `yaml:"retry"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"http_port"`
	HMACSecret        string        `yaml:"hmac_secret"`
	HMACClockSkew     time.Duration `yaml:"hmac_clock_skew"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	// IdempotencyStorePath is used when PostgresDSN is empty; empty keeps
	// idempotency records in memory.
	IdempotencyStorePath string `yaml:"idempotency_store_path"`
	DLQPath              string `yaml:"dlq_path"`
	PostgresDSN          string `yaml:"postgres_dsn"`
	LogLevel             string `yaml:"log_level"`
}

type LedgerConfig struct {
	// Network is testnet, devnet or mainnet. Empty RPCURL runs against the
	// in-memory ledger.
	Network          string          `yaml:"network"`
	RPCURL           string          `yaml:"rpc_url"`
	FaucetURL        string          `yaml:"faucet_url"`
	TreasurySecret   string          `yaml:"treasury_secret"`
	BootstrapFunding decimal.Decimal `yaml:"bootstrap_funding_xrp"`
	SubmitTimeout    time.Duration   `yaml:"submit_timeout"`
	PollInterval     time.Duration   `yaml:"poll_interval"`
	SourceTag        uint32          `yaml:"source_tag"`
}

type EscrowConfig struct {
	Reserve    decimal.Decimal `yaml:"reserve_xrp"`
	HoldWindow time.Duration   `yaml:"hold_window"`
}

type ExchangeConfig struct {
	BaseCurrency      string        `yaml:"base_currency"`
	Symbols           []string      `yaml:"symbols"`
	AppID             string        `yaml:"app_id"`
	APIURL            string        `yaml:"api_url"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxAge            time.Duration `yaml:"max_age"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

const defaultConfigPath = "config.yaml"

var testnetFaucets = map[string]string{
	"testnet": "https://faucet.altnet.rippletest.net/accounts",
	"devnet":  "https://faucet.devnet.rippletest.net/accounts",
}

// Defaults returns the configuration used when no file is present.
func Defaults() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:          3000,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: 24 * time.Hour,
			LogLevel:          "info",
		},
		Ledger: LedgerConfig{
			Network:       "testnet",
			SubmitTimeout: 2 * time.Minute,
			PollInterval:  time.Second,
		},
		Escrow: EscrowConfig{
			Reserve: decimal.NewFromInt(15),
		},
		Exchange: ExchangeConfig{
			BaseCurrency:      "USD",
			Symbols:           []string{"XRP", "EUR", "GBP"},
			APIURL:            "https://openexchangerates.org/api",
			RequestsPerMinute: 30,
			MaxAge:            time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
		},
	}
}

// Load reads CONFIG_PATH (missing file means defaults), applies environment
// overrides and validates the result.
func Load() (*AppConfig, error) {
	cfg := Defaults()
	path := envOr("CONFIG_PATH", defaultConfigPath)
	if err := loadFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	applyEnv(&cfg)
	fillDerived(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkew)
	cfg.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", cfg.Service.IdempotencyStorePath)
	cfg.Service.DLQPath = envOr("DLQ_PATH", cfg.Service.DLQPath)
	cfg.Service.PostgresDSN = envOr("POSTGRES_DSN", cfg.Service.PostgresDSN)
	cfg.Service.LogLevel = envOr("LOG_LEVEL", cfg.Service.LogLevel)

	cfg.Ledger.Network = strings.ToLower(envOr("LEDGER_NETWORK", cfg.Ledger.Network))
	cfg.Ledger.RPCURL = envOr("LEDGER_RPC_URL", cfg.Ledger.RPCURL)
	cfg.Ledger.FaucetURL = envOr("LEDGER_FAUCET_URL", cfg.Ledger.FaucetURL)
	cfg.Ledger.TreasurySecret = envOr("LEDGER_TREASURY_SECRET", cfg.Ledger.TreasurySecret)

	cfg.Exchange.AppID = envOr("OXR_APP_ID", cfg.Exchange.AppID)
	cfg.Exchange.APIURL = envOr("OXR_API_URL", cfg.Exchange.APIURL)

	cfg.Retry.MaxAttempts = envOrInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
}

// fillDerived sets network-dependent defaults the file left empty.
func fillDerived(cfg *AppConfig) {
	if cfg.Ledger.FaucetURL == "" {
		cfg.Ledger.FaucetURL = testnetFaucets[cfg.Ledger.Network]
	}
	if cfg.Escrow.HoldWindow <= 0 {
		cfg.Escrow.HoldWindow = time.Minute
		if cfg.Ledger.Network == "mainnet" {
			cfg.Escrow.HoldWindow = time.Hour
		}
	}
}

// Validate reports the first setting the service cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Ledger.Network {
	case "testnet", "devnet", "mainnet":
	default:
		return fmt.Errorf("ledger.network %q: want testnet, devnet or mainnet", c.Ledger.Network)
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort)
	}
	if c.Ledger.Network == "mainnet" && c.Ledger.RPCURL == "" {
		return errors.New("ledger.rpc_url is required on mainnet")
	}
	if c.Ledger.Network == "mainnet" && c.Service.HMACSecret == "" {
		return errors.New("service.hmac_secret is required on mainnet")
	}
	if c.Escrow.Reserve.IsNegative() {
		return errors.New("escrow.reserve_xrp must not be negative")
	}
	if c.Ledger.BootstrapFunding.IsPositive() && c.Ledger.TreasurySecret == "" {
		return errors.New("ledger.treasury_secret is required when bootstrap funding is set")
	}
	if len(strings.TrimSpace(c.Exchange.BaseCurrency)) != 3 {
		return fmt.Errorf("exchange.base_currency %q is not a currency code", c.Exchange.BaseCurrency)
	}
	if c.Ledger.SubmitTimeout <= 0 {
		return errors.New("ledger.submit_timeout must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	if secs := envOrInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
