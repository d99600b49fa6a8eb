package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobescrow/internal/payment"
)

// MemoryStore keeps everything in maps guarded by one mutex. It backs
// local development and tests.
type MemoryStore struct {
	mu           sync.Mutex
	companies    map[string]payment.Company
	freelancers  map[string]payment.Freelancer
	jobs         map[string]payment.Job
	applications map[string]payment.Application
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies:    make(map[string]payment.Company),
		freelancers:  make(map[string]payment.Freelancer),
		jobs:         make(map[string]payment.Job),
		applications: make(map[string]payment.Application),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func (m *MemoryStore) GetCompany(_ context.Context, id string) (payment.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return payment.Company{}, notFound("company", id)
	}
	return c, nil
}

func (m *MemoryStore) GetFreelancer(_ context.Context, id string) (payment.Freelancer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.freelancers[id]
	if !ok {
		return payment.Freelancer{}, notFound("freelancer", id)
	}
	return f, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (payment.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return payment.Job{}, notFound("job", id)
	}
	return j, nil
}

func (m *MemoryStore) GetApplication(_ context.Context, id string) (payment.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok {
		return payment.Application{}, notFound("application", id)
	}
	return a, nil
}

func (m *MemoryStore) AcceptedApplication(_ context.Context, jobID string) (payment.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.applications {
		if a.JobID == jobID && a.Status == payment.ApplicationAccepted {
			return a, nil
		}
	}
	return payment.Application{}, notFound("accepted application for job", jobID)
}

func (m *MemoryStore) CreateCompany(_ context.Context, name string, account payment.Account) (payment.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c := payment.Company{ID: uuid.NewString(), Name: name, Account: account, CreatedAt: now, UpdatedAt: now}
	m.companies[c.ID] = c
	return c, nil
}

func (m *MemoryStore) CreateFreelancer(_ context.Context, name string, account payment.Account) (payment.Freelancer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	f := payment.Freelancer{ID: uuid.NewString(), Name: name, Account: account, CreatedAt: now, UpdatedAt: now}
	m.freelancers[f.ID] = f
	return f, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job payment.Job) (payment.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[job.CompanyID]; !ok {
		return payment.Job{}, notFound("company", job.CompanyID)
	}
	now := m.now()
	job.ID = uuid.NewString()
	job.Currency = strings.ToUpper(job.Currency)
	job.Status = payment.JobActive
	job.EscrowStatus = payment.EscrowPending
	job.EscrowSequence, job.EscrowCondition, job.EscrowFulfillment = "", "", ""
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) CreateApplication(_ context.Context, jobID, freelancerID string) (payment.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return payment.Application{}, notFound("job", jobID)
	}
	if _, ok := m.freelancers[freelancerID]; !ok {
		return payment.Application{}, notFound("freelancer", freelancerID)
	}
	now := m.now()
	a := payment.Application{
		ID:           uuid.NewString(),
		JobID:        jobID,
		FreelancerID: freelancerID,
		Status:       payment.ApplicationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.applications[a.ID] = a
	return a, nil
}

func (m *MemoryStore) SetCompanyAccount(_ context.Context, id string, account payment.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return notFound("company", id)
	}
	if !c.Account.Empty() {
		return conflict("company %s already has an account", id)
	}
	c.Account = account
	c.UpdatedAt = m.now()
	m.companies[id] = c
	return nil
}

func (m *MemoryStore) SetFreelancerAccount(_ context.Context, id string, account payment.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.freelancers[id]
	if !ok {
		return notFound("freelancer", id)
	}
	if !f.Account.Empty() {
		return conflict("freelancer %s already has an account", id)
	}
	f.Account = account
	f.UpdatedAt = m.now()
	m.freelancers[id] = f
	return nil
}

func (m *MemoryStore) AcceptApplication(_ context.Context, applicationID string) (payment.Job, payment.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[applicationID]
	if !ok {
		return payment.Job{}, payment.Application{}, notFound("application", applicationID)
	}
	j, ok := m.jobs[a.JobID]
	if !ok {
		return payment.Job{}, payment.Application{}, notFound("job", a.JobID)
	}
	if a.Status != payment.ApplicationPending {
		return payment.Job{}, payment.Application{}, conflict("application %s is %s", a.ID, a.Status)
	}
	if j.Status != payment.JobActive {
		return payment.Job{}, payment.Application{}, conflict("job %s is %s", j.ID, j.Status)
	}
	now := m.now()
	a.Status, a.UpdatedAt = payment.ApplicationAccepted, now
	j.Status, j.UpdatedAt = payment.JobAssigned, now
	m.applications[a.ID] = a
	m.jobs[j.ID] = j
	return j, a, nil
}

func (m *MemoryStore) RejectApplication(_ context.Context, applicationID string) (payment.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[applicationID]
	if !ok {
		return payment.Application{}, notFound("application", applicationID)
	}
	if a.Status != payment.ApplicationPending {
		return payment.Application{}, conflict("application %s is %s", a.ID, a.Status)
	}
	a.Status, a.UpdatedAt = payment.ApplicationRejected, m.now()
	m.applications[a.ID] = a
	return a, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, jobID string) (payment.Job, error) {
	return m.updateJob(jobID, func(j *payment.Job) error {
		if j.Status != payment.JobAssigned {
			return conflict("job %s is %s", j.ID, j.Status)
		}
		j.Status = payment.JobCompleted
		return nil
	})
}

func (m *MemoryStore) DeactivateJob(_ context.Context, jobID string) (payment.Job, error) {
	return m.updateJob(jobID, func(j *payment.Job) error {
		if !j.Status.CanTransitionTo(payment.JobInactive) || j.EscrowStarted() || j.EscrowStatus != payment.EscrowPending {
			return conflict("job %s cannot be closed from %s/%s", j.ID, j.Status, j.EscrowStatus)
		}
		j.Status = payment.JobInactive
		return nil
	})
}

func (m *MemoryStore) RecordEscrowCreated(_ context.Context, jobID string, rec payment.EscrowRecord) (payment.Job, error) {
	if !rec.Complete() {
		return payment.Job{}, fmt.Errorf("store: incomplete escrow record for job %s", jobID)
	}
	return m.updateJob(jobID, func(j *payment.Job) error {
		if j.EscrowStarted() || j.EscrowStatus != payment.EscrowPending {
			return conflict("job %s escrow already recorded", j.ID)
		}
		j.EscrowSequence = rec.Sequence
		j.EscrowCondition = rec.Condition
		j.EscrowFulfillment = rec.Fulfillment
		j.EscrowStatus = payment.EscrowCreated
		return nil
	})
}

func (m *MemoryStore) RecordEscrowRedeemed(_ context.Context, jobID string) (payment.Job, error) {
	return m.updateJob(jobID, func(j *payment.Job) error {
		if j.EscrowStatus != payment.EscrowCreated {
			return conflict("job %s escrow is %s", j.ID, j.EscrowStatus)
		}
		j.EscrowStatus = payment.EscrowRedeemed
		return nil
	})
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) updateJob(jobID string, apply func(*payment.Job) error) (payment.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return payment.Job{}, notFound("job", jobID)
	}
	if err := apply(&j); err != nil {
		return payment.Job{}, err
	}
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return j, nil
}
