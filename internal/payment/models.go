package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the ledger's own currency code.
const NativeCurrency = "XRP"

// Account is a ledger identity. Secret is write-only and never serialized.
type Account struct {
	Address string `json:"address"`
	Secret  string `json:"-"`
}

// CanSend reports whether the account can sign transactions.
func (a Account) CanSend() bool { return a.Address != "" && a.Secret != "" }

func (a Account) Empty() bool { return a.Address == "" && a.Secret == "" }

type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Account   Account   `json:"account"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Freelancer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Account   Account   `json:"account"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Job is a priced work offer. The Escrow* fields are owned by the escrow
// orchestrator and are either all empty or all populated.
type Job struct {
	ID                string          `json:"id"`
	CompanyID         string          `json:"companyId"`
	Title             string          `json:"title"`
	Price             decimal.Decimal `json:"price"`
	Currency          string          `json:"currency"`
	Status            JobStatus       `json:"status"`
	EscrowStatus      EscrowStatus    `json:"escrowStatus"`
	EscrowSequence    string          `json:"escrowSequence,omitempty"`
	EscrowCondition   string          `json:"escrowCondition,omitempty"`
	EscrowFulfillment string          `json:"-"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// EscrowStarted reports whether any escrow field has been written.
func (j Job) EscrowStarted() bool {
	return j.EscrowSequence != "" || j.EscrowCondition != "" || j.EscrowFulfillment != ""
}

// HasEscrow reports whether the escrow triple is complete.
func (j Job) HasEscrow() bool {
	return j.EscrowSequence != "" && j.EscrowCondition != "" && j.EscrowFulfillment != ""
}

type Application struct {
	ID           string            `json:"id"`
	JobID        string            `json:"jobId"`
	FreelancerID string            `json:"freelancerId"`
	Status       ApplicationStatus `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// EscrowRecord is the field set written when an escrow lands on the ledger.
type EscrowRecord struct {
	Sequence    string
	Condition   string
	Fulfillment string
}

func (r EscrowRecord) Complete() bool {
	return r.Sequence != "" && r.Condition != "" && r.Fulfillment != ""
}
