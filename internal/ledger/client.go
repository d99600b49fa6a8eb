// Package ledger talks to the XRP Ledger: account lookups and reliable
// submission of payments and conditional escrows.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"jobescrow/internal/xrpl"
)

// Client abstracts the ledger node. Every Submit* call blocks until the
// transaction is validated, rejected, or known to have expired.
type Client interface {
	AccountInfo(ctx context.Context, address string) (AccountInfo, error)
	SubmitPayment(ctx context.Context, req Payment) (Receipt, error)
	SubmitEscrowCreate(ctx context.Context, req EscrowCreate) (Receipt, error)
	SubmitEscrowFinish(ctx context.Context, req EscrowFinish) (Receipt, error)
	AccountEscrows(ctx context.Context, address string) ([]EscrowObject, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type AccountInfo struct {
	Address    string
	Balance    int64 // drops
	Sequence   uint32
	OwnerCount uint32
}

func (a AccountInfo) BalanceXRP() decimal.Decimal {
	return xrpl.DropsToXRP(a.Balance)
}

type Payment struct {
	Secret      string
	Amount      int64 // drops
	Destination string
}

type EscrowCreate struct {
	Secret      string
	Amount      int64 // drops
	Destination string
	FinishAfter time.Time
	Condition   string
	SourceTag   uint32
}

type EscrowFinish struct {
	Secret        string
	Owner         string
	OfferSequence uint32
	Condition     string
	Fulfillment   string
}

// Receipt describes a validated transaction. Sequence is the sending
// account's sequence consumed by the transaction, which is what identifies
// an escrow for a later EscrowFinish.
type Receipt struct {
	Hash        string
	Sequence    uint32
	LedgerIndex uint32
	Result      string
}

// EscrowObject is an escrow entry still held in an account's owner directory.
type EscrowObject struct {
	Account       string
	Destination   string
	Amount        int64
	Condition     string
	FinishAfter   time.Time
	PreviousTxnID string
}

var (
	// ErrNotFinal means the transaction was submitted but its validation was
	// not observed. The transaction may still land on the ledger.
	ErrNotFinal        = errors.New("ledger: transaction not final")
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// SubmissionFailure wraps any error raised while submitting a transaction.
type SubmissionFailure struct {
	TxType string
	Code   string // engine result or RPC error code, when known
	Hash   string
	// Sequence is the account sequence the transaction was signed with,
	// when the node accepted it for relay.
	Sequence uint32
	Err      error
}

func (f *SubmissionFailure) Error() string {
	msg := "ledger: " + f.TxType + " failed"
	if f.Code != "" {
		msg += " (" + f.Code + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *SubmissionFailure) Unwrap() error { return f.Err }

func failure(txType, code, hash string, err error) error {
	return &SubmissionFailure{TxType: txType, Code: code, Hash: hash, Err: err}
}

// rejected builds the error for a transaction the ledger refused.
func rejected(txType, code, hash, message string) error {
	if message == "" {
		message = code
	}
	return failure(txType, code, hash, errors.New(message))
}
