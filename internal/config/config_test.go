package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.Equal(t, "testnet", cfg.Ledger.Network)
	require.Equal(t, testnetFaucets["testnet"], cfg.Ledger.FaucetURL)
	require.True(t, cfg.Escrow.Reserve.Equal(decimal.NewFromInt(15)))
	require.Equal(t, time.Minute, cfg.Escrow.HoldWindow)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
service:
  http_port: 8080
  idempotency_window: 1h
ledger:
  network: mainnet
  rpc_url: https://s1.ripple.com:51234
  treasury_secret: sEdTreasury
  bootstrap_funding_xrp: 20
  submit_timeout: 90s
escrow:
  reserve_xrp: 10.5
exchange:
  base_currency: EUR
  symbols: [XRP, USD]
retry:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("HMAC_SECRET", "shh")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Service.HTTPPort)
	require.Equal(t, time.Hour, cfg.Service.IdempotencyWindow)
	require.Equal(t, "shh", cfg.Service.HMACSecret)
	require.Equal(t, 90*time.Second, cfg.Ledger.SubmitTimeout)
	require.True(t, cfg.Ledger.BootstrapFunding.Equal(decimal.NewFromInt(20)))
	require.True(t, cfg.Escrow.Reserve.Equal(decimal.RequireFromString("10.5")))
	require.Equal(t, time.Hour, cfg.Escrow.HoldWindow)
	require.Empty(t, cfg.Ledger.FaucetURL)
	require.Equal(t, []string{"XRP", "USD"}, cfg.Exchange.Symbols)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadKeepsZeroReserve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("escrow:\n  reserve_xrp: 0\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Escrow.Reserve.IsZero())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"unknown network":         func(c *AppConfig) { c.Ledger.Network = "regtest" },
		"mainnet without rpc":     func(c *AppConfig) { c.Ledger.Network = "mainnet"; c.Service.HMACSecret = "x" },
		"mainnet without hmac":    func(c *AppConfig) { c.Ledger.Network = "mainnet"; c.Ledger.RPCURL = "http://node" },
		"negative reserve":        func(c *AppConfig) { c.Escrow.Reserve = decimal.NewFromInt(-1) },
		"funding, no treasury":    func(c *AppConfig) { c.Ledger.BootstrapFunding = decimal.NewFromInt(5) },
		"bad base currency":       func(c *AppConfig) { c.Exchange.BaseCurrency = "DOLLAR" },
		"non-positive submit ttl": func(c *AppConfig) { c.Ledger.SubmitTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}
