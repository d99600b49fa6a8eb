package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"jobescrow/internal/ledger"
	"jobescrow/internal/payment"
)

// Payer is the party a withdrawal is drawn from. It is either a
// CompanyPayer or a FreelancerPayer.
type Payer interface {
	Kind() string
	ID() string
	account() payment.Account
}

type CompanyPayer struct {
	Company payment.Company
}

func (c CompanyPayer) Kind() string             { return "company" }
func (c CompanyPayer) ID() string               { return c.Company.ID }
func (c CompanyPayer) account() payment.Account { return c.Company.Account }

type FreelancerPayer struct {
	Freelancer payment.Freelancer
}

func (f FreelancerPayer) Kind() string             { return "freelancer" }
func (f FreelancerPayer) ID() string               { return f.Freelancer.ID }
func (f FreelancerPayer) account() payment.Account { return f.Freelancer.Account }

// Payout withdraws amount XRP from the payer's account to destination.
func (p *Provisioner) Payout(ctx context.Context, payer Payer, amount decimal.Decimal, destination string) (ledger.Receipt, error) {
	if payer == nil {
		return ledger.Receipt{}, ErrPayerAccountMissing
	}
	acct := payer.account()
	if !acct.CanSend() {
		return ledger.Receipt{}, fmt.Errorf("%w: %s %s", ErrPayerAccountMissing, payer.Kind(), payer.ID())
	}
	rcpt, err := p.pay(ctx, acct.Secret, destination, amount)
	if err != nil {
		return ledger.Receipt{}, err
	}
	p.logger.Info("wallet: payout sent",
		"payer_kind", payer.Kind(),
		"payer_id", payer.ID(),
		"destination", destination,
		"amount_xrp", amount.String(),
		"tx_hash", rcpt.Hash,
	)
	return rcpt, nil
}
