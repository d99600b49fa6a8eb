package marketplace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"jobescrow/internal/escrow"
	"jobescrow/internal/exchange"
	"jobescrow/internal/ledger"
	"jobescrow/internal/payment"
	"jobescrow/internal/store"
	"jobescrow/internal/wallet"
	"jobescrow/internal/xrpl"
)

const xrpDrops = 1_000_000

var start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixedRates struct{}

func (fixedRates) RefreshRates(context.Context, []string) error { return nil }

func (fixedRates) GetRate(_ context.Context, base, target string) (decimal.Decimal, error) {
	if base == "USD" && target == "XRP" {
		return decimal.NewFromInt(2), nil
	}
	return decimal.Zero, exchange.ErrMissingRate
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *recordingNotifier) EscrowFunded(_ context.Context, job payment.Job, _ payment.Application) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job.ID)
	return nil
}

type env struct {
	svc      *Service
	store    *store.MemoryStore
	ledger   *ledger.FakeLedger
	notifier *recordingNotifier
	treasury xrpl.Keypair
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		store:    store.NewMemoryStore(),
		ledger:   ledger.NewFakeLedger(),
		notifier: &recordingNotifier{},
	}
	e.ledger.Now = func() time.Time { return start }

	var err error
	e.treasury, err = xrpl.GenerateKeypair(nil)
	require.NoError(t, err)
	e.ledger.Fund(e.treasury.Address, 1_000_000*xrpDrops)

	rates, err := exchange.NewProvider(fixedRates{}, "USD", []string{"XRP"})
	require.NoError(t, err)
	orch, err := escrow.New(escrow.Config{
		Store:  e.store,
		Ledger: e.ledger,
		Rates:  rates,
		Logger: logger,
		Now:    func() time.Time { return start },
	})
	require.NoError(t, err)

	e.svc = NewService(Config{
		Store:  e.store,
		Escrow: orch,
		Wallets: wallet.NewProvisioner(wallet.Config{
			Network:        "testnet",
			TreasurySecret: e.treasury.Seed,
			Ledger:         e.ledger,
			Logger:         logger,
		}),
		Notifier:         e.notifier,
		BootstrapFunding: decimal.NewFromInt(300),
		Retry:            RetryPolicy{MaxAttempts: 1},
		Logger:           logger,
	})
	return e
}

type listing struct {
	company    payment.Company
	freelancer payment.Freelancer
	job        payment.Job
	app        payment.Application
}

// list provisions both parties, funds the company and posts a job with
// one application.
func (e *env) list(t *testing.T, price string) listing {
	t.Helper()
	ctx := context.Background()
	company, err := e.store.CreateCompany(ctx, "Acme", payment.Account{})
	require.NoError(t, err)
	company, err = e.svc.ProvisionCompany(ctx, company.ID, "", true)
	require.NoError(t, err)

	freelancer, err := e.store.CreateFreelancer(ctx, "Ada", payment.Account{})
	require.NoError(t, err)
	freelancer, err = e.svc.ProvisionFreelancer(ctx, freelancer.ID, "", false)
	require.NoError(t, err)

	job, err := e.store.CreateJob(ctx, payment.Job{
		CompanyID: company.ID,
		Title:     "Ship it",
		Price:     decimal.RequireFromString(price),
		Currency:  "USD",
	})
	require.NoError(t, err)
	app, err := e.store.CreateApplication(ctx, job.ID, freelancer.ID)
	require.NoError(t, err)
	return listing{company: company, freelancer: freelancer, job: job, app: app}
}

func (e *env) afterHold() {
	e.ledger.Now = func() time.Time { return start.Add(escrow.DefaultHoldWindow + time.Second) }
}

func TestAcceptAndCompleteJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.list(t, "100.00")
	require.Equal(t, int64(300*xrpDrops), e.ledger.Balance(l.company.Account.Address))

	acc, err := e.svc.AcceptApplication(ctx, l.app.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobAssigned, acc.Job.Status)
	require.Equal(t, payment.EscrowCreated, acc.Job.EscrowStatus)
	require.Equal(t, payment.ApplicationAccepted, acc.Application.Status)
	require.Equal(t, []string{l.job.ID}, e.notifier.jobs)

	e.afterHold()
	job, err := e.svc.CompleteJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobCompleted, job.Status)
	require.Equal(t, payment.EscrowRedeemed, job.EscrowStatus)
	require.Equal(t, int64(200*xrpDrops), e.ledger.Balance(l.freelancer.Account.Address))

	again, err := e.svc.CompleteJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.EscrowRedeemed, again.EscrowStatus)
	require.Equal(t, 1, e.ledger.Calls("EscrowFinish"))
}

func TestAcceptLeavesJobActiveWhenUnfundable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	// 200 USD is 400 XRP; the company holds the 300 XRP bootstrap.
	l := e.list(t, "200.00")

	_, err := e.svc.AcceptApplication(ctx, l.app.ID)
	require.ErrorIs(t, err, escrow.ErrInsufficientBalance)
	require.Zero(t, e.ledger.Calls("EscrowCreate"))

	job, err := e.store.GetJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobActive, job.Status)
	app, err := e.store.GetApplication(ctx, l.app.ID)
	require.NoError(t, err)
	require.Equal(t, payment.ApplicationPending, app.Status)
	require.Empty(t, e.notifier.jobs)

	e.ledger.Fund(l.company.Account.Address, 200*xrpDrops)
	acc, err := e.svc.AcceptApplication(ctx, l.app.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobAssigned, acc.Job.Status)
	require.Equal(t, payment.EscrowCreated, acc.Job.EscrowStatus)
}

func TestAcceptKeepsAssignmentWhenEscrowFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.list(t, "100.00")

	e.ledger.FailNext("EscrowCreate", &ledger.SubmissionFailure{
		TxType: "EscrowCreate",
		Code:   "tecUNFUNDED",
		Err:    errors.New("tecUNFUNDED"),
	})
	acc, err := e.svc.AcceptApplication(ctx, l.app.ID)
	require.ErrorIs(t, err, escrow.ErrEscrowSubmissionFailed)
	require.Equal(t, payment.JobAssigned, acc.Job.Status)
	require.Equal(t, payment.EscrowPending, acc.Job.EscrowStatus)
	require.Empty(t, e.notifier.jobs)

	other, err := e.store.CreateFreelancer(ctx, "Grace", payment.Account{})
	require.NoError(t, err)
	second, err := e.store.CreateApplication(ctx, l.job.ID, other.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptApplication(ctx, second.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	job, err := e.svc.RetryEscrow(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.EscrowCreated, job.EscrowStatus)
	require.Equal(t, []string{l.job.ID}, e.notifier.jobs)

	_, err = e.svc.RetryEscrow(ctx, l.job.ID)
	require.ErrorIs(t, err, escrow.ErrEscrowAlreadyExists)
}

func TestCompleteJobPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.list(t, "10.00")

	_, err := e.svc.CompleteJob(ctx, l.job.ID)
	require.ErrorIs(t, err, escrow.ErrEscrowNotCreated)
	_, err = e.svc.CompleteJob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.svc.RetryEscrow(ctx, l.job.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	closed, err := e.svc.CloseJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobInactive, closed.Status)
	_, err = e.svc.AcceptApplication(ctx, l.app.ID)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCompleteJobRedeemFailureLeavesJobCompleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.list(t, "100.00")
	_, err := e.svc.AcceptApplication(ctx, l.app.ID)
	require.NoError(t, err)

	_, err = e.svc.CompleteJob(ctx, l.job.ID)
	require.ErrorIs(t, err, escrow.ErrEscrowRedemptionFailed)
	job, err := e.store.GetJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.JobCompleted, job.Status)
	require.Equal(t, payment.EscrowCreated, job.EscrowStatus)

	e.afterHold()
	job, err = e.svc.CompleteJob(ctx, l.job.ID)
	require.NoError(t, err)
	require.Equal(t, payment.EscrowRedeemed, job.EscrowStatus)
}

func TestProvisionOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	kp, err := xrpl.GenerateKeypair(nil)
	require.NoError(t, err)

	f, err := e.store.CreateFreelancer(ctx, "Ada", payment.Account{})
	require.NoError(t, err)
	f, err = e.svc.ProvisionFreelancer(ctx, f.ID, kp.Seed, true)
	require.NoError(t, err)
	require.Equal(t, kp.Address, f.Account.Address)
	// Re-imported accounts are never bootstrapped from the treasury.
	require.Zero(t, e.ledger.Balance(kp.Address))

	_, err = e.svc.ProvisionFreelancer(ctx, f.ID, "", false)
	require.ErrorIs(t, err, ErrAccountExists)
	_, err = e.svc.ProvisionCompany(ctx, "missing", "", false)
	require.ErrorIs(t, err, store.ErrNotFound)

	c, err := e.store.CreateCompany(ctx, "Bad", payment.Account{})
	require.NoError(t, err)
	_, err = e.svc.ProvisionCompany(ctx, c.ID, "not-a-seed", false)
	require.ErrorIs(t, err, wallet.ErrInvalidSecret)
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.list(t, "100.00")
	dest, err := xrpl.GenerateKeypair(nil)
	require.NoError(t, err)

	rcpt, err := e.svc.Withdraw(ctx, PayerCompany, l.company.ID, decimal.NewFromInt(25), dest.Address)
	require.NoError(t, err)
	require.NotEmpty(t, rcpt.Hash)
	require.Equal(t, int64(25*xrpDrops), e.ledger.Balance(dest.Address))

	_, err = e.svc.Withdraw(ctx, PayerFreelancer, l.freelancer.ID, decimal.NewFromInt(1), dest.Address)
	require.Error(t, err)

	_, err = e.svc.Withdraw(ctx, "treasury", l.company.ID, decimal.NewFromInt(1), dest.Address)
	require.ErrorIs(t, err, ErrUnknownPayer)
}

type scriptedEscrow struct {
	errs  []error
	calls int
}

func (s *scriptedEscrow) CheckCreate(context.Context, string, string) error { return nil }

func (s *scriptedEscrow) CreateEscrow(context.Context, string, string) (payment.Job, error) {
	return payment.Job{}, errors.New("not scripted")
}

func (s *scriptedEscrow) RedeemEscrow(_ context.Context, jobID string) (payment.Job, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return payment.Job{}, err
	}
	return payment.Job{ID: jobID, Status: payment.JobCompleted, EscrowStatus: payment.EscrowRedeemed}, nil
}

func redeemFailure(code string) error {
	return &escrow.SubmissionError{
		Op:  escrow.OpRedeem,
		Err: &ledger.SubmissionFailure{TxType: "EscrowFinish", Code: code, Err: errors.New(code)},
	}
}

func TestRedeemRetry(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}

	t.Run("recovers from transient failures", func(t *testing.T) {
		esc := &scriptedEscrow{errs: []error{redeemFailure("tecNO_PERMISSION"), redeemFailure("")}}
		svc := NewService(Config{Escrow: esc, Retry: policy})
		job, err := svc.redeemWithRetry(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, payment.EscrowRedeemed, job.EscrowStatus)
		require.Equal(t, 3, esc.calls)
	})

	t.Run("stops on terminal ledger result", func(t *testing.T) {
		esc := &scriptedEscrow{errs: []error{redeemFailure("tecNO_TARGET")}}
		svc := NewService(Config{Escrow: esc, Retry: policy})
		_, err := svc.redeemWithRetry(ctx, "job-1")
		require.ErrorIs(t, err, escrow.ErrEscrowRedemptionFailed)
		require.Equal(t, 1, esc.calls)
	})

	t.Run("stops on validation errors", func(t *testing.T) {
		esc := &scriptedEscrow{errs: []error{escrow.ErrEscrowNotCreated}}
		svc := NewService(Config{Escrow: esc, Retry: policy})
		_, err := svc.redeemWithRetry(ctx, "job-1")
		require.ErrorIs(t, err, escrow.ErrEscrowNotCreated)
		require.Equal(t, 1, esc.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		esc := &scriptedEscrow{errs: []error{redeemFailure(""), redeemFailure(""), redeemFailure(""), redeemFailure("")}}
		svc := NewService(Config{Escrow: esc, Retry: policy})
		_, err := svc.redeemWithRetry(ctx, "job-1")
		require.ErrorIs(t, err, escrow.ErrEscrowRedemptionFailed)
		require.Equal(t, 3, esc.calls)
	})
}
