// Package wallet provisions ledger accounts for marketplace participants
// and moves XRP out of them.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"jobescrow/internal/ledger"
	"jobescrow/internal/metrics"
	"jobescrow/internal/payment"
	"jobescrow/internal/xrpl"
)

const NetworkMainnet = "mainnet"

var (
	ErrInvalidSecret       = errors.New("wallet: invalid secret")
	ErrTreasuryMissing     = errors.New("wallet: treasury secret is not configured")
	ErrInvalidDestination  = errors.New("wallet: invalid destination address")
	ErrInvalidAmount       = errors.New("wallet: amount must be positive")
	ErrPayerAccountMissing = errors.New("wallet: payer has no signing account")
)

type Config struct {
	// Network selects faucet behaviour: every network except mainnet
	// requests faucet funding for generated accounts.
	Network        string
	TreasurySecret string
	Ledger         ledger.Client
	Faucet         Faucet
	Metrics        *metrics.Registry
	Logger         *slog.Logger
	// Rand supplies seed entropy; nil means crypto/rand.
	Rand io.Reader
}

type Provisioner struct {
	network  string
	treasury string
	ledger   ledger.Client
	faucet   Faucet
	metrics  *metrics.Registry
	logger   *slog.Logger
	rand     io.Reader
}

func NewProvisioner(cfg Config) *Provisioner {
	p := &Provisioner{
		network:  strings.ToLower(cfg.Network),
		treasury: cfg.TreasurySecret,
		ledger:   cfg.Ledger,
		faucet:   cfg.Faucet,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		rand:     cfg.Rand,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.rand == nil {
		p.rand = rand.Reader
	}
	return p
}

func (p *Provisioner) Mainnet() bool { return p.network == NetworkMainnet }

// Provision returns the account for existingSecret, or a freshly generated
// one when the secret is empty. Generated accounts on test networks are
// funded from the faucet; a faucet failure is logged and the unfunded
// account is still returned.
func (p *Provisioner) Provision(ctx context.Context, existingSecret string) (payment.Account, error) {
	existingSecret = strings.TrimSpace(existingSecret)
	if existingSecret != "" {
		kp, err := xrpl.DeriveKeypair(existingSecret)
		if err != nil {
			return payment.Account{}, fmt.Errorf("%w: %w", ErrInvalidSecret, err)
		}
		p.metrics.WalletProvisioned("derived")
		return payment.Account{Address: kp.Address, Secret: kp.Seed}, nil
	}

	kp, err := xrpl.GenerateKeypair(p.rand)
	if err != nil {
		return payment.Account{}, fmt.Errorf("wallet: generate keypair: %w", err)
	}
	account := payment.Account{Address: kp.Address, Secret: kp.Seed}

	if p.Mainnet() || p.faucet == nil {
		p.metrics.WalletProvisioned("generated")
		return account, nil
	}
	if err := p.faucet.Fund(ctx, account.Address); err != nil {
		p.logger.Warn("wallet: faucet funding failed", "address", account.Address, "network", p.network, "error", err)
		p.metrics.WalletProvisioned("faucet_failed")
		return account, nil
	}
	p.metrics.WalletProvisioned("faucet")
	return account, nil
}

// Fund pays amount XRP from the treasury account to address.
func (p *Provisioner) Fund(ctx context.Context, address string, amount decimal.Decimal) (ledger.Receipt, error) {
	if p.treasury == "" {
		return ledger.Receipt{}, ErrTreasuryMissing
	}
	return p.pay(ctx, p.treasury, address, amount)
}

// FundBestEffort is Fund for provisioning paths where an unfunded account
// is acceptable. Failures are logged and dropped.
func (p *Provisioner) FundBestEffort(ctx context.Context, address string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	rcpt, err := p.Fund(ctx, address, amount)
	if err != nil {
		p.logger.Warn("wallet: bootstrap funding failed", "address", address, "amount_xrp", amount.String(), "error", err)
		return
	}
	p.logger.Info("wallet: bootstrap funding sent", "address", address, "amount_xrp", amount.String(), "tx_hash", rcpt.Hash)
}

func (p *Provisioner) pay(ctx context.Context, secret, destination string, amount decimal.Decimal) (ledger.Receipt, error) {
	if !xrpl.ValidAddress(destination) {
		return ledger.Receipt{}, fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	if !amount.IsPositive() {
		return ledger.Receipt{}, ErrInvalidAmount
	}
	drops, err := xrpl.XRPToDrops(amount)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if p.ledger == nil {
		return ledger.Receipt{}, errors.New("wallet: ledger client is not configured")
	}
	return p.ledger.SubmitPayment(ctx, ledger.Payment{
		Secret:      secret,
		Amount:      drops,
		Destination: destination,
	})
}
