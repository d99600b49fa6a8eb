package escrow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"jobescrow/internal/ledger"
)

// ErrValidation matches every error caused by the job, its parties, or
// the escrow state rather than by the ledger or rate provider.
var ErrValidation = errors.New("escrow: validation failed")

type validationError struct{ msg string }

func (e *validationError) Error() string        { return "escrow: " + e.msg }
func (e *validationError) Is(target error) bool { return target == ErrValidation }

func validation(msg string) error { return &validationError{msg: msg} }

var (
	ErrEscrowAlreadyExists = validation("escrow already created")
	ErrPayerAccountMissing = validation("company has no ledger address and secret")
	ErrPayeeAccountMissing = validation("freelancer has no ledger address")
	ErrEscrowNotCreated    = validation("escrow not created")
	ErrUnsupportedCurrency = validation("unsupported price currency")
	ErrInvalidPrice        = validation("job price must convert to a positive XRP amount")
	ErrJobNotFound         = validation("job not found")
	// ErrEscrowNotFound means a reconciled escrow is not on the ledger.
	ErrEscrowNotFound = validation("escrow not found on ledger")
	// ErrNoPendingEscrow means there is nothing to reconcile for a job
	// without escrow fields.
	ErrNoPendingEscrow = validation("no pending escrow to reconcile")
	ErrPendingMismatch = validation("pending escrow does not match job")
)

var (
	ErrInsufficientBalance    = errors.New("escrow: insufficient balance")
	ErrEscrowSubmissionFailed = errors.New("escrow: creation failed")
	ErrEscrowRedemptionFailed = errors.New("escrow: redemption failed")
	// ErrOutcomeUnknown means a transaction was submitted but its result
	// was not observed. It may still be applied.
	ErrOutcomeUnknown = errors.New("escrow: outcome unknown")
	// ErrJobBusy means the caller gave up waiting for another operation on
	// the same job. Nothing was submitted.
	ErrJobBusy = errors.New("escrow: job busy")
)

// InsufficientBalanceError reports how far the payer is from covering the
// escrow amount plus reserve. Amounts are in XRP.
type InsufficientBalanceError struct {
	Balance   decimal.Decimal
	Required  decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("escrow: insufficient balance: have %s XRP, need %s XRP (short %s XRP)",
		e.Balance.String(), e.Required.String(), e.Shortfall.String())
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

const (
	OpCreate = "create"
	OpRedeem = "redeem"
)

// SubmissionError wraps a ledger failure during escrow creation or
// redemption. Nothing was persisted for the job when it is returned.
type SubmissionError struct {
	Op    string
	JobID string
	Err   error
	// Pending describes an escrow whose creation outcome is unknown.
	Pending *PendingEscrow
	// Unknown is set when the caller stopped waiting before the ledger
	// answered.
	Unknown bool
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("escrow: %s for job %s failed", e.Op, e.JobID)
	if e.OutcomeUnknown() {
		msg = fmt.Sprintf("escrow: %s for job %s has unknown outcome", e.Op, e.JobID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) OutcomeUnknown() bool {
	return e.Unknown || errors.Is(e.Err, ledger.ErrNotFinal)
}

func (e *SubmissionError) Is(target error) bool {
	switch target {
	case ErrEscrowSubmissionFailed:
		return e.Op == OpCreate
	case ErrEscrowRedemptionFailed:
		return e.Op == OpRedeem
	case ErrOutcomeUnknown:
		return e.OutcomeUnknown()
	}
	return false
}

// LedgerCode returns the engine result carried by the ledger failure.
func (e *SubmissionError) LedgerCode() string {
	var sf *ledger.SubmissionFailure
	if errors.As(e.Err, &sf) {
		return sf.Code
	}
	return ""
}
