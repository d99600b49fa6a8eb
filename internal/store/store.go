// Package store persists marketplace participants, jobs, and applications.
// Status and escrow columns are only changed through guarded updates so
// that concurrent writers cannot move a record backwards.
package store

import (
	"context"
	"errors"

	"jobescrow/internal/payment"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a guarded update found the row in an unexpected
	// state, usually because another writer got there first.
	ErrConflict = errors.New("store: conflict")
)

type Store interface {
	GetCompany(ctx context.Context, id string) (payment.Company, error)
	GetFreelancer(ctx context.Context, id string) (payment.Freelancer, error)
	GetJob(ctx context.Context, id string) (payment.Job, error)
	GetApplication(ctx context.Context, id string) (payment.Application, error)
	// AcceptedApplication returns the accepted application for a job.
	AcceptedApplication(ctx context.Context, jobID string) (payment.Application, error)

	CreateCompany(ctx context.Context, name string, account payment.Account) (payment.Company, error)
	CreateFreelancer(ctx context.Context, name string, account payment.Account) (payment.Freelancer, error)
	// CreateJob stores a new active job with a pending escrow.
	CreateJob(ctx context.Context, job payment.Job) (payment.Job, error)
	CreateApplication(ctx context.Context, jobID, freelancerID string) (payment.Application, error)

	// SetCompanyAccount attaches an account to a company that has none.
	SetCompanyAccount(ctx context.Context, id string, account payment.Account) error
	SetFreelancerAccount(ctx context.Context, id string, account payment.Account) error

	// AcceptApplication moves the application to accepted and its job from
	// active to assigned in one step.
	AcceptApplication(ctx context.Context, applicationID string) (payment.Job, payment.Application, error)
	RejectApplication(ctx context.Context, applicationID string) (payment.Application, error)
	CompleteJob(ctx context.Context, jobID string) (payment.Job, error)
	// DeactivateJob closes an active or assigned job whose escrow has not
	// been started.
	DeactivateJob(ctx context.Context, jobID string) (payment.Job, error)

	// RecordEscrowCreated writes the escrow triple and marks it created.
	// Only a job with an empty triple and a pending escrow is updated.
	RecordEscrowCreated(ctx context.Context, jobID string, rec payment.EscrowRecord) (payment.Job, error)
	// RecordEscrowRedeemed moves escrow status from created to redeemed.
	RecordEscrowRedeemed(ctx context.Context, jobID string) (payment.Job, error)

	Ping(ctx context.Context) error
}
