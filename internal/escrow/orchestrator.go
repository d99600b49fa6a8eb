// Package escrow creates and redeems the conditional ledger escrows that
// hold a job's payment until the work is complete.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"jobescrow/internal/condition"
	"jobescrow/internal/exchange"
	"jobescrow/internal/ledger"
	"jobescrow/internal/metrics"
	"jobescrow/internal/payment"
	"jobescrow/internal/store"
	"jobescrow/internal/xrpl"
)

const (
	DefaultHoldWindow    = time.Minute
	DefaultSubmitTimeout = 2 * time.Minute
)

// DefaultReserve is the XRP a payer must keep on top of the escrowed amount.
var DefaultReserve = decimal.NewFromInt(15)

// Converter converts a fiat amount into another currency.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Store is the slice of persistence the orchestrator needs.
type Store interface {
	GetJob(ctx context.Context, id string) (payment.Job, error)
	GetCompany(ctx context.Context, id string) (payment.Company, error)
	GetFreelancer(ctx context.Context, id string) (payment.Freelancer, error)
	RecordEscrowCreated(ctx context.Context, jobID string, rec payment.EscrowRecord) (payment.Job, error)
	RecordEscrowRedeemed(ctx context.Context, jobID string) (payment.Job, error)
}

// PendingRecorder keeps escrows whose creation outcome is unknown so they
// can be reconciled later.
type PendingRecorder interface {
	RecordPending(ctx context.Context, p PendingEscrow) error
}

// PendingEscrow is an EscrowCreate that may have landed on the ledger
// without being recorded against its job.
type PendingEscrow struct {
	JobID       string    `json:"jobId"`
	Owner       string    `json:"owner"`
	Destination string    `json:"destination"`
	AmountDrops int64     `json:"amountDrops"`
	Sequence    uint32    `json:"sequence,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Condition   string    `json:"condition"`
	Fulfillment string    `json:"fulfillment"`
	FinishAfter time.Time `json:"finishAfter"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Config struct {
	Store  Store
	Ledger ledger.Client
	Rates  Converter
	// Reserve is added to the escrow amount when checking the payer
	// balance. Nil means DefaultReserve; an explicit zero is honored.
	Reserve *decimal.Decimal
	// HoldWindow is the delay before an escrow may be finished.
	HoldWindow time.Duration
	SourceTag  uint32
	// SubmitTimeout bounds a ledger submission independently of the
	// caller's context.
	SubmitTimeout time.Duration
	Pending       PendingRecorder
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	// Conditions generates hash-lock pairs; nil means condition.Generate.
	Conditions func() (condition.Pair, error)
	Now        func() time.Time
}

type Orchestrator struct {
	store         Store
	ledger        ledger.Client
	rates         Converter
	reserve       decimal.Decimal
	holdWindow    time.Duration
	sourceTag     uint32
	submitTimeout time.Duration
	pending       PendingRecorder
	metrics       *metrics.Registry
	logger        *slog.Logger
	conditions    func() (condition.Pair, error)
	now           func() time.Time
	locks         *keyedMutex
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Rates == nil {
		return nil, errors.New("escrow: store, ledger and rates are required")
	}
	o := &Orchestrator{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		rates:         cfg.Rates,
		reserve:       DefaultReserve,
		holdWindow:    cfg.HoldWindow,
		sourceTag:     cfg.SourceTag,
		submitTimeout: cfg.SubmitTimeout,
		pending:       cfg.Pending,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		conditions:    cfg.Conditions,
		now:           cfg.Now,
		locks:         newKeyedMutex(),
	}
	if cfg.Reserve != nil {
		if cfg.Reserve.IsNegative() {
			return nil, errors.New("escrow: reserve must not be negative")
		}
		o.reserve = *cfg.Reserve
	}
	if o.holdWindow <= 0 {
		o.holdWindow = DefaultHoldWindow
	}
	if o.submitTimeout <= 0 {
		o.submitTimeout = DefaultSubmitTimeout
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.conditions == nil {
		o.conditions = condition.Generate
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

type createPlan struct {
	job  payment.Job
	req  ledger.EscrowCreate
	pair condition.Pair
	xrp  decimal.Decimal
}

// CreateEscrow locks the job's price, converted to XRP, in a conditional
// escrow from the company to the freelancer and records it on the job.
// The job's escrow fields are only written once the escrow is validated.
func (o *Orchestrator) CreateEscrow(ctx context.Context, jobID, freelancerID string) (payment.Job, error) {
	unlock, err := o.waitForJob(ctx, OpCreate, jobID)
	if err != nil {
		return payment.Job{}, err
	}
	plan, err := o.planCreate(ctx, jobID, freelancerID)
	if err != nil {
		unlock()
		o.metrics.EscrowOperation(OpCreate, resultLabel(err))
		o.logger.Info("escrow: create rejected", "job_id", jobID, "error", err)
		return payment.Job{}, err
	}
	return o.detach(ctx, unlock, OpCreate, jobID, func(ctx context.Context) (payment.Job, error) {
		return o.submitCreate(ctx, plan)
	})
}

// CheckCreate runs CreateEscrow's preconditions without submitting
// anything.
func (o *Orchestrator) CheckCreate(ctx context.Context, jobID, freelancerID string) error {
	_, err := o.planCreate(ctx, jobID, freelancerID)
	return err
}

func (o *Orchestrator) planCreate(ctx context.Context, jobID, freelancerID string) (createPlan, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return createPlan{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return createPlan{}, fmt.Errorf("escrow: load job: %w", err)
	}
	if job.EscrowStarted() || job.EscrowStatus != payment.EscrowPending {
		return createPlan{}, fmt.Errorf("%w: job %s", ErrEscrowAlreadyExists, jobID)
	}

	company, err := o.store.GetCompany(ctx, job.CompanyID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return createPlan{}, fmt.Errorf("escrow: load company: %w", err)
	}
	if err != nil || !company.Account.CanSend() {
		return createPlan{}, fmt.Errorf("%w: company %s", ErrPayerAccountMissing, job.CompanyID)
	}

	freelancer, err := o.store.GetFreelancer(ctx, freelancerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return createPlan{}, fmt.Errorf("escrow: load freelancer: %w", err)
	}
	if err != nil || freelancer.Account.Address == "" {
		return createPlan{}, fmt.Errorf("%w: freelancer %s", ErrPayeeAccountMissing, freelancerID)
	}

	xrp, err := o.rates.Convert(ctx, job.Price, job.Currency, payment.NativeCurrency)
	if errors.Is(err, exchange.ErrUnsupportedCurrency) {
		return createPlan{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, job.Currency)
	}
	if err != nil {
		return createPlan{}, fmt.Errorf("escrow: convert %s %s: %w", job.Price, job.Currency, err)
	}
	if !xrp.IsPositive() {
		return createPlan{}, fmt.Errorf("%w: %s %s is %s XRP", ErrInvalidPrice, job.Price, job.Currency, xrp)
	}
	drops, err := xrpl.XRPToDrops(xrp)
	if err != nil {
		return createPlan{}, fmt.Errorf("%w: %w", ErrInvalidPrice, err)
	}

	required := xrp.Add(o.reserve)
	info, err := o.ledger.AccountInfo(ctx, company.Account.Address)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		info = ledger.AccountInfo{Address: company.Account.Address}
	case err != nil:
		return createPlan{}, &SubmissionError{Op: OpCreate, JobID: jobID, Err: fmt.Errorf("query payer balance: %w", err)}
	}
	balance := info.BalanceXRP()
	if balance.LessThan(required) {
		return createPlan{}, &InsufficientBalanceError{
			Balance:   balance,
			Required:  required,
			Shortfall: required.Sub(balance),
		}
	}

	pair, err := o.conditions()
	if err != nil {
		return createPlan{}, fmt.Errorf("escrow: generate condition: %w", err)
	}

	return createPlan{
		job:  job,
		pair: pair,
		xrp:  xrp,
		req: ledger.EscrowCreate{
			Secret:      company.Account.Secret,
			Amount:      drops,
			Destination: freelancer.Account.Address,
			FinishAfter: o.now().Add(o.holdWindow),
			Condition:   pair.Condition,
			SourceTag:   o.sourceTag,
		},
	}, nil
}

func (o *Orchestrator) submitCreate(ctx context.Context, plan createPlan) (payment.Job, error) {
	jobID := plan.job.ID
	owner, err := xrpl.AddressFromSeed(plan.req.Secret)
	if err != nil {
		return payment.Job{}, &SubmissionError{Op: OpCreate, JobID: jobID, Err: err}
	}
	pending := PendingEscrow{
		JobID:       jobID,
		Owner:       owner,
		Destination: plan.req.Destination,
		AmountDrops: plan.req.Amount,
		Condition:   plan.pair.Condition,
		Fulfillment: plan.pair.Fulfillment,
		FinishAfter: plan.req.FinishAfter,
	}

	rcpt, err := o.ledger.SubmitEscrowCreate(ctx, plan.req)
	if err != nil {
		serr := &SubmissionError{Op: OpCreate, JobID: jobID, Err: err}
		if !serr.OutcomeUnknown() {
			o.logger.Warn("escrow: create failed", "job_id", jobID, "code", serr.LedgerCode(), "error", err)
			return payment.Job{}, serr
		}
		var sf *ledger.SubmissionFailure
		if errors.As(err, &sf) {
			pending.Sequence, pending.TxHash = sf.Sequence, sf.Hash
		}
		pending.Reason = "validation not observed"
		serr.Pending = &pending
		o.keepPending(ctx, pending, err)
		return payment.Job{}, serr
	}

	rec := payment.EscrowRecord{
		Sequence:    strconv.FormatUint(uint64(rcpt.Sequence), 10),
		Condition:   plan.pair.Condition,
		Fulfillment: plan.pair.Fulfillment,
	}
	updated, err := o.store.RecordEscrowCreated(ctx, jobID, rec)
	if err != nil {
		pending.Sequence, pending.TxHash = rcpt.Sequence, rcpt.Hash
		pending.Reason = "escrow validated but not recorded"
		o.keepPending(ctx, pending, err)
		if errors.Is(err, store.ErrConflict) {
			return payment.Job{}, fmt.Errorf("%w: %w", ErrEscrowAlreadyExists, err)
		}
		return payment.Job{}, &SubmissionError{
			Op:      OpCreate,
			JobID:   jobID,
			Err:     fmt.Errorf("record escrow: %w", err),
			Pending: &pending,
			Unknown: true,
		}
	}

	o.logger.Info("escrow: created",
		"job_id", jobID,
		"sequence", rcpt.Sequence,
		"tx_hash", rcpt.Hash,
		"amount_xrp", plan.xrp.String(),
		"destination", plan.req.Destination,
	)
	return updated, nil
}

func (o *Orchestrator) keepPending(ctx context.Context, p PendingEscrow, cause error) {
	p.CreatedAt = o.now().UTC()
	o.logger.Error("escrow: creation outcome unknown",
		"job_id", p.JobID,
		"owner", p.Owner,
		"sequence", p.Sequence,
		"tx_hash", p.TxHash,
		"reason", p.Reason,
		"error", cause,
	)
	if o.pending == nil {
		return
	}
	if err := o.pending.RecordPending(ctx, p); err != nil {
		o.logger.Error("escrow: record pending escrow", "job_id", p.JobID, "error", err)
	}
}

// RedeemEscrow finishes the job's escrow with the stored fulfillment,
// releasing the funds to the freelancer.
func (o *Orchestrator) RedeemEscrow(ctx context.Context, jobID string) (payment.Job, error) {
	unlock, err := o.waitForJob(ctx, OpRedeem, jobID)
	if err != nil {
		return payment.Job{}, err
	}
	job, req, err := o.planRedeem(ctx, jobID)
	if err != nil {
		unlock()
		o.metrics.EscrowOperation(OpRedeem, resultLabel(err))
		return payment.Job{}, err
	}
	return o.detach(ctx, unlock, OpRedeem, jobID, func(ctx context.Context) (payment.Job, error) {
		return o.submitRedeem(ctx, job, req)
	})
}

func (o *Orchestrator) planRedeem(ctx context.Context, jobID string) (payment.Job, ledger.EscrowFinish, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("escrow: load job: %w", err)
	}
	if !job.HasEscrow() {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("%w: job %s", ErrEscrowNotCreated, jobID)
	}
	seq, err := strconv.ParseUint(job.EscrowSequence, 10, 32)
	if err != nil {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("%w: job %s has sequence %q", ErrEscrowNotCreated, jobID, job.EscrowSequence)
	}

	company, err := o.store.GetCompany(ctx, job.CompanyID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("escrow: load company: %w", err)
	}
	if err != nil || !company.Account.CanSend() {
		return payment.Job{}, ledger.EscrowFinish{}, fmt.Errorf("%w: company %s", ErrPayerAccountMissing, job.CompanyID)
	}

	return job, ledger.EscrowFinish{
		Secret:        company.Account.Secret,
		Owner:         company.Account.Address,
		OfferSequence: uint32(seq),
		Condition:     job.EscrowCondition,
		Fulfillment:   job.EscrowFulfillment,
	}, nil
}

func (o *Orchestrator) submitRedeem(ctx context.Context, job payment.Job, req ledger.EscrowFinish) (payment.Job, error) {
	rcpt, err := o.ledger.SubmitEscrowFinish(ctx, req)
	if err != nil {
		serr := &SubmissionError{Op: OpRedeem, JobID: job.ID, Err: err}
		o.logger.Warn("escrow: redeem failed", "job_id", job.ID, "code", serr.LedgerCode(), "outcome_unknown", serr.OutcomeUnknown(), "error", err)
		return payment.Job{}, serr
	}

	updated, err := o.store.RecordEscrowRedeemed(ctx, job.ID)
	if errors.Is(err, store.ErrConflict) {
		o.logger.Warn("escrow: redeemed escrow already recorded", "job_id", job.ID, "tx_hash", rcpt.Hash)
		return o.store.GetJob(ctx, job.ID)
	}
	if err != nil {
		o.logger.Error("escrow: redeemed escrow not recorded", "job_id", job.ID, "tx_hash", rcpt.Hash, "error", err)
		return payment.Job{}, &SubmissionError{Op: OpRedeem, JobID: job.ID, Err: fmt.Errorf("record redemption: %w", err), Unknown: true}
	}
	o.logger.Info("escrow: redeemed", "job_id", job.ID, "sequence", req.OfferSequence, "tx_hash", rcpt.Hash)
	return updated, nil
}

// Reconcile brings a job's escrow fields in line with the ledger. A job
// without escrow fields is matched against pending, which must describe
// an escrow still held on the ledger. A job with a created escrow that is
// no longer on the ledger is marked redeemed.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID string, pending *PendingEscrow) (payment.Job, error) {
	unlock, err := o.waitForJob(ctx, "reconcile", jobID)
	if err != nil {
		return payment.Job{}, err
	}
	defer unlock()

	job, err := o.reconcile(ctx, jobID, pending)
	o.metrics.EscrowOperation("reconcile", resultLabel(err))
	return job, err
}

func (o *Orchestrator) reconcile(ctx context.Context, jobID string, pending *PendingEscrow) (payment.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return payment.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return payment.Job{}, fmt.Errorf("escrow: load job: %w", err)
	}
	company, err := o.store.GetCompany(ctx, job.CompanyID)
	if err != nil {
		return payment.Job{}, fmt.Errorf("escrow: load company: %w", err)
	}

	switch {
	case job.EscrowStatus == payment.EscrowRedeemed:
		return job, nil
	case job.HasEscrow():
		escrows, err := o.ledger.AccountEscrows(ctx, company.Account.Address)
		if err != nil {
			return payment.Job{}, fmt.Errorf("escrow: list ledger escrows: %w", err)
		}
		for _, e := range escrows {
			if strings.EqualFold(e.Condition, job.EscrowCondition) {
				return job, nil
			}
		}
		updated, err := o.store.RecordEscrowRedeemed(ctx, jobID)
		if err != nil {
			return payment.Job{}, fmt.Errorf("escrow: record redemption: %w", err)
		}
		o.logger.Info("escrow: reconciled as redeemed", "job_id", jobID)
		return updated, nil
	case job.EscrowStarted():
		return payment.Job{}, fmt.Errorf("%w: job %s has partial escrow fields", ErrPendingMismatch, jobID)
	}

	if pending == nil {
		return payment.Job{}, fmt.Errorf("%w: job %s", ErrNoPendingEscrow, jobID)
	}
	if pending.JobID != jobID || pending.Owner != company.Account.Address {
		return payment.Job{}, fmt.Errorf("%w: job %s", ErrPendingMismatch, jobID)
	}
	if err := condition.Verify(pending.Condition, pending.Fulfillment); err != nil {
		return payment.Job{}, fmt.Errorf("%w: %w", ErrPendingMismatch, err)
	}
	if pending.Sequence == 0 {
		return payment.Job{}, fmt.Errorf("%w: sequence of pending escrow for job %s is unknown", ErrEscrowNotFound, jobID)
	}

	escrows, err := o.ledger.AccountEscrows(ctx, pending.Owner)
	if err != nil {
		return payment.Job{}, fmt.Errorf("escrow: list ledger escrows: %w", err)
	}
	found := false
	for _, e := range escrows {
		if strings.EqualFold(e.Condition, pending.Condition) && e.Destination == pending.Destination {
			found = true
			break
		}
	}
	if !found {
		return payment.Job{}, fmt.Errorf("%w: job %s", ErrEscrowNotFound, jobID)
	}

	updated, err := o.store.RecordEscrowCreated(ctx, jobID, payment.EscrowRecord{
		Sequence:    strconv.FormatUint(uint64(pending.Sequence), 10),
		Condition:   strings.ToUpper(pending.Condition),
		Fulfillment: strings.ToUpper(pending.Fulfillment),
	})
	if errors.Is(err, store.ErrConflict) {
		return payment.Job{}, fmt.Errorf("%w: %w", ErrEscrowAlreadyExists, err)
	}
	if err != nil {
		return payment.Job{}, fmt.Errorf("escrow: record escrow: %w", err)
	}
	o.logger.Info("escrow: reconciled as created", "job_id", jobID, "sequence", pending.Sequence, "tx_hash", pending.TxHash)
	return updated, nil
}

// waitForJob takes the job lock. A caller whose ctx ends while another
// operation holds the lock gets ErrJobBusy; nothing has been submitted.
func (o *Orchestrator) waitForJob(ctx context.Context, op, jobID string) (func(), error) {
	unlock, err := o.locks.lock(ctx, jobID)
	if err != nil {
		err = fmt.Errorf("%w: job %s: %w", ErrJobBusy, jobID, err)
		o.metrics.EscrowOperation(op, resultLabel(err))
		return nil, err
	}
	return unlock, nil
}

// detach runs fn on a context that ignores the caller's cancellation and
// is bounded by the submit timeout. fn owns the job lock: unlock runs when
// fn returns, even if the caller stopped waiting.
func (o *Orchestrator) detach(ctx context.Context, unlock func(), op, jobID string, fn func(context.Context) (payment.Job, error)) (payment.Job, error) {
	type result struct {
		job payment.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer unlock()
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.submitTimeout)
		defer cancel()
		job, err := fn(subCtx)
		o.metrics.EscrowOperation(op, resultLabel(err))
		done <- result{job: job, err: err}
	}()

	select {
	case res := <-done:
		return res.job, res.err
	case <-ctx.Done():
		o.logger.Warn("escrow: caller stopped waiting for ledger", "op", op, "job_id", jobID, "error", ctx.Err())
		return payment.Job{}, &SubmissionError{Op: op, JobID: jobID, Err: ctx.Err(), Unknown: true}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOutcomeUnknown):
		return "unknown"
	case errors.Is(err, ErrJobBusy):
		return "busy"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, exchange.ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "failed"
	}
}
