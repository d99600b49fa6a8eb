// Package marketplace drives job assignment and completion through the
// store and the escrow orchestrator.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"jobescrow/internal/escrow"
	"jobescrow/internal/ledger"
	"jobescrow/internal/metrics"
	"jobescrow/internal/payment"
	"jobescrow/internal/store"
	"jobescrow/internal/wallet"
)

var (
	// ErrInvalidState means the job or application is not in a status that
	// allows the requested transition.
	ErrInvalidState  = errors.New("marketplace: invalid state for operation")
	ErrAccountExists = errors.New("marketplace: ledger account already provisioned")
	ErrUnknownPayer  = errors.New("marketplace: unknown payer type")
)

// Escrow is the orchestrator surface the service drives.
type Escrow interface {
	CheckCreate(ctx context.Context, jobID, freelancerID string) error
	CreateEscrow(ctx context.Context, jobID, freelancerID string) (payment.Job, error)
	RedeemEscrow(ctx context.Context, jobID string) (payment.Job, error)
}

// Wallets provisions and pays out of ledger accounts.
type Wallets interface {
	Provision(ctx context.Context, existingSecret string) (payment.Account, error)
	FundBestEffort(ctx context.Context, address string, amount decimal.Decimal)
	Payout(ctx context.Context, payer wallet.Payer, amount decimal.Decimal, destination string) (ledger.Receipt, error)
}

type Config struct {
	Store    store.Store
	Escrow   Escrow
	Wallets  Wallets
	Notifier Notifier
	// BootstrapFunding is the XRP sent from the treasury to freshly
	// generated accounts when funding is requested.
	BootstrapFunding decimal.Decimal
	Retry            RetryPolicy
	Metrics          *metrics.Registry
	Logger           *slog.Logger
}

type Service struct {
	store     store.Store
	escrow    Escrow
	wallets   Wallets
	notifier  Notifier
	bootstrap decimal.Decimal
	retry     RetryPolicy
	metrics   *metrics.Registry
	logger    *slog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:     cfg.Store,
		escrow:    cfg.Escrow,
		wallets:   cfg.Wallets,
		notifier:  cfg.Notifier,
		bootstrap: cfg.BootstrapFunding,
		retry:     cfg.Retry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.logger}
	}
	return s
}

// Acceptance is the outcome of accepting an application.
type Acceptance struct {
	Job         payment.Job         `json:"job"`
	Application payment.Application `json:"application"`
}

// AcceptApplication assigns the job to the application's freelancer and
// escrows the price. Escrow preconditions are checked first, so a payer
// that cannot fund the job leaves the job active and the application
// pending. Once the assignment commits, a failed submission leaves the job
// assigned with escrow pending and RetryEscrow can be used.
func (s *Service) AcceptApplication(ctx context.Context, applicationID string) (Acceptance, error) {
	pending, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return Acceptance{}, fmt.Errorf("load application %s: %w", applicationID, err)
	}
	if pending.Status != payment.ApplicationPending {
		return Acceptance{}, fmt.Errorf("%w: application %s is %s", store.ErrConflict, applicationID, pending.Status)
	}
	listed, err := s.store.GetJob(ctx, pending.JobID)
	if err != nil {
		return Acceptance{}, fmt.Errorf("load job %s: %w", pending.JobID, err)
	}
	if listed.Status != payment.JobActive {
		return Acceptance{}, fmt.Errorf("%w: job %s is %s", store.ErrConflict, listed.ID, listed.Status)
	}
	if err := s.escrow.CheckCreate(ctx, pending.JobID, pending.FreelancerID); err != nil {
		return Acceptance{}, err
	}

	job, app, err := s.store.AcceptApplication(ctx, applicationID)
	if err != nil {
		return Acceptance{}, fmt.Errorf("accept application %s: %w", applicationID, err)
	}
	s.logger.Info("marketplace: application accepted", "application_id", app.ID, "job_id", job.ID, "freelancer_id", app.FreelancerID)

	out := Acceptance{Job: job, Application: app}
	funded, err := s.escrow.CreateEscrow(ctx, job.ID, app.FreelancerID)
	if err != nil {
		return out, err
	}
	out.Job = funded
	s.notify(ctx, funded, app)
	return out, nil
}

// RetryEscrow creates the escrow for an assigned job whose earlier attempt
// failed.
func (s *Service) RetryEscrow(ctx context.Context, jobID string) (payment.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return payment.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != payment.JobAssigned {
		return payment.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}
	app, err := s.store.AcceptedApplication(ctx, jobID)
	if err != nil {
		return payment.Job{}, fmt.Errorf("accepted application for job %s: %w", jobID, err)
	}
	funded, err := s.escrow.CreateEscrow(ctx, jobID, app.FreelancerID)
	if err != nil {
		return payment.Job{}, err
	}
	s.notify(ctx, funded, app)
	return funded, nil
}

func (s *Service) RejectApplication(ctx context.Context, applicationID string) (payment.Application, error) {
	app, err := s.store.RejectApplication(ctx, applicationID)
	if err != nil {
		return payment.Application{}, fmt.Errorf("reject application %s: %w", applicationID, err)
	}
	return app, nil
}

// CompleteJob marks an assigned, escrowed job completed and redeems its
// escrow, retrying per the service's retry policy. A job that is already
// completed goes straight to redemption.
func (s *Service) CompleteJob(ctx context.Context, jobID string) (payment.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return payment.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.HasEscrow() {
		return payment.Job{}, fmt.Errorf("%w: job %s", escrow.ErrEscrowNotCreated, jobID)
	}

	switch job.Status {
	case payment.JobAssigned:
		job, err = s.store.CompleteJob(ctx, jobID)
		if err != nil {
			return payment.Job{}, fmt.Errorf("complete job %s: %w", jobID, err)
		}
		s.logger.Info("marketplace: job completed", "job_id", jobID)
	case payment.JobCompleted:
	default:
		return payment.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}

	if job.EscrowStatus == payment.EscrowRedeemed {
		return job, nil
	}
	return s.redeemWithRetry(ctx, jobID)
}

// CloseJob deactivates a job that has no escrow.
func (s *Service) CloseJob(ctx context.Context, jobID string) (payment.Job, error) {
	job, err := s.store.DeactivateJob(ctx, jobID)
	if err != nil {
		return payment.Job{}, fmt.Errorf("close job %s: %w", jobID, err)
	}
	return job, nil
}

// ProvisionCompany attaches a ledger account to a company that has none.
// With an existing secret the account is re-imported; otherwise a new one
// is generated and, when fund is set, topped up from the treasury.
func (s *Service) ProvisionCompany(ctx context.Context, companyID, existingSecret string, fund bool) (payment.Company, error) {
	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		return payment.Company{}, fmt.Errorf("load company %s: %w", companyID, err)
	}
	if !company.Account.Empty() {
		return payment.Company{}, fmt.Errorf("%w: company %s", ErrAccountExists, companyID)
	}
	acct, err := s.provision(ctx, existingSecret, fund)
	if err != nil {
		return payment.Company{}, err
	}
	if err := s.store.SetCompanyAccount(ctx, companyID, acct); err != nil {
		return payment.Company{}, fmt.Errorf("store company account: %w", err)
	}
	company.Account = acct
	return company, nil
}

func (s *Service) ProvisionFreelancer(ctx context.Context, freelancerID, existingSecret string, fund bool) (payment.Freelancer, error) {
	freelancer, err := s.store.GetFreelancer(ctx, freelancerID)
	if err != nil {
		return payment.Freelancer{}, fmt.Errorf("load freelancer %s: %w", freelancerID, err)
	}
	if !freelancer.Account.Empty() {
		return payment.Freelancer{}, fmt.Errorf("%w: freelancer %s", ErrAccountExists, freelancerID)
	}
	acct, err := s.provision(ctx, existingSecret, fund)
	if err != nil {
		return payment.Freelancer{}, err
	}
	if err := s.store.SetFreelancerAccount(ctx, freelancerID, acct); err != nil {
		return payment.Freelancer{}, fmt.Errorf("store freelancer account: %w", err)
	}
	freelancer.Account = acct
	return freelancer, nil
}

func (s *Service) provision(ctx context.Context, existingSecret string, fund bool) (payment.Account, error) {
	acct, err := s.wallets.Provision(ctx, existingSecret)
	if err != nil {
		return payment.Account{}, err
	}
	if fund && existingSecret == "" && s.bootstrap.IsPositive() {
		s.wallets.FundBestEffort(ctx, acct.Address, s.bootstrap)
	}
	return acct, nil
}

const (
	PayerCompany    = "company"
	PayerFreelancer = "freelancer"
)

// Withdraw pays amount XRP out of a company or freelancer account.
func (s *Service) Withdraw(ctx context.Context, payerType, payerID string, amount decimal.Decimal, destination string) (ledger.Receipt, error) {
	var payer wallet.Payer
	switch payerType {
	case PayerCompany:
		c, err := s.store.GetCompany(ctx, payerID)
		if err != nil {
			return ledger.Receipt{}, fmt.Errorf("load company %s: %w", payerID, err)
		}
		payer = wallet.CompanyPayer{Company: c}
	case PayerFreelancer:
		f, err := s.store.GetFreelancer(ctx, payerID)
		if err != nil {
			return ledger.Receipt{}, fmt.Errorf("load freelancer %s: %w", payerID, err)
		}
		payer = wallet.FreelancerPayer{Freelancer: f}
	default:
		return ledger.Receipt{}, fmt.Errorf("%w: %q", ErrUnknownPayer, payerType)
	}
	return s.wallets.Payout(ctx, payer, amount, destination)
}

func (s *Service) notify(ctx context.Context, job payment.Job, app payment.Application) {
	if err := s.notifier.EscrowFunded(ctx, job, app); err != nil {
		s.logger.Warn("marketplace: notify freelancer", "job_id", job.ID, "freelancer_id", app.FreelancerID, "error", err)
	}
}
