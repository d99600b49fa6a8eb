package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"jobescrow/internal/payment"
)

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS companies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    ledger_address TEXT NOT NULL DEFAULT '',
    ledger_secret TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS freelancers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    ledger_address TEXT NOT NULL DEFAULT '',
    ledger_secret TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL REFERENCES companies(id),
    title TEXT NOT NULL,
    price NUMERIC(20, 2) NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    escrow_status TEXT NOT NULL,
    escrow_sequence TEXT NOT NULL DEFAULT '',
    escrow_condition TEXT NOT NULL DEFAULT '',
    escrow_fulfillment TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS applications (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id),
    freelancer_id TEXT NOT NULL REFERENCES freelancers(id),
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS applications_one_accepted_per_job
    ON applications (job_id) WHERE status = 'accepted';
`

// PostgresStore implements Store on top of a pgx pool. Every status change
// is a single UPDATE guarded by the expected current state.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore ensures the schema exists on pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const partyCols = `id, name, ledger_address, ledger_secret, created_at, updated_at`

func scanCompany(row pgx.Row) (payment.Company, error) {
	var c payment.Company
	err := row.Scan(&c.ID, &c.Name, &c.Account.Address, &c.Account.Secret, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanFreelancer(row pgx.Row) (payment.Freelancer, error) {
	var f payment.Freelancer
	err := row.Scan(&f.ID, &f.Name, &f.Account.Address, &f.Account.Secret, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

const jobCols = `id, company_id, title, price::text, currency, status, escrow_status,
    escrow_sequence, escrow_condition, escrow_fulfillment, created_at, updated_at`

func scanJob(row pgx.Row) (payment.Job, error) {
	var (
		j     payment.Job
		price string
	)
	err := row.Scan(&j.ID, &j.CompanyID, &j.Title, &price, &j.Currency, &j.Status, &j.EscrowStatus,
		&j.EscrowSequence, &j.EscrowCondition, &j.EscrowFulfillment, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return payment.Job{}, err
	}
	j.Price, err = decimal.NewFromString(price)
	if err != nil {
		return payment.Job{}, fmt.Errorf("store: parse price %q: %w", price, err)
	}
	return j, nil
}

const applicationCols = `id, job_id, freelancer_id, status, created_at, updated_at`

func scanApplication(row pgx.Row) (payment.Application, error) {
	var a payment.Application
	err := row.Scan(&a.ID, &a.JobID, &a.FreelancerID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func mapNoRows(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	return err
}

func (p *PostgresStore) GetCompany(ctx context.Context, id string) (payment.Company, error) {
	c, err := scanCompany(p.pool.QueryRow(ctx, `SELECT `+partyCols+` FROM companies WHERE id = $1`, id))
	return c, mapNoRows(err, "company", id)
}

func (p *PostgresStore) GetFreelancer(ctx context.Context, id string) (payment.Freelancer, error) {
	f, err := scanFreelancer(p.pool.QueryRow(ctx, `SELECT `+partyCols+` FROM freelancers WHERE id = $1`, id))
	return f, mapNoRows(err, "freelancer", id)
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (payment.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	return j, mapNoRows(err, "job", id)
}

func (p *PostgresStore) GetApplication(ctx context.Context, id string) (payment.Application, error) {
	a, err := scanApplication(p.pool.QueryRow(ctx, `SELECT `+applicationCols+` FROM applications WHERE id = $1`, id))
	return a, mapNoRows(err, "application", id)
}

func (p *PostgresStore) AcceptedApplication(ctx context.Context, jobID string) (payment.Application, error) {
	a, err := scanApplication(p.pool.QueryRow(ctx, `
SELECT `+applicationCols+`
FROM applications
WHERE job_id = $1 AND status = $2
`, jobID, payment.ApplicationAccepted))
	return a, mapNoRows(err, "accepted application for job", jobID)
}

func (p *PostgresStore) CreateCompany(ctx context.Context, name string, account payment.Account) (payment.Company, error) {
	now := p.now()
	c := payment.Company{ID: uuid.NewString(), Name: name, Account: account, CreatedAt: now, UpdatedAt: now}
	_, err := p.pool.Exec(ctx, `
INSERT INTO companies (id, name, ledger_address, ledger_secret, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, c.ID, c.Name, account.Address, account.Secret, now, now)
	if err != nil {
		return payment.Company{}, err
	}
	return c, nil
}

func (p *PostgresStore) CreateFreelancer(ctx context.Context, name string, account payment.Account) (payment.Freelancer, error) {
	now := p.now()
	f := payment.Freelancer{ID: uuid.NewString(), Name: name, Account: account, CreatedAt: now, UpdatedAt: now}
	_, err := p.pool.Exec(ctx, `
INSERT INTO freelancers (id, name, ledger_address, ledger_secret, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, f.ID, f.Name, account.Address, account.Secret, now, now)
	if err != nil {
		return payment.Freelancer{}, err
	}
	return f, nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, job payment.Job) (payment.Job, error) {
	if _, err := p.GetCompany(ctx, job.CompanyID); err != nil {
		return payment.Job{}, err
	}
	now := p.now()
	job.ID = uuid.NewString()
	job.Currency = strings.ToUpper(job.Currency)
	job.Status = payment.JobActive
	job.EscrowStatus = payment.EscrowPending
	job.EscrowSequence, job.EscrowCondition, job.EscrowFulfillment = "", "", ""
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := p.pool.Exec(ctx, `
INSERT INTO jobs (id, company_id, title, price, currency, status, escrow_status, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
`, job.ID, job.CompanyID, job.Title, job.Price.String(), job.Currency, job.Status, job.EscrowStatus, now, now)
	if err != nil {
		return payment.Job{}, err
	}
	return job, nil
}

func (p *PostgresStore) CreateApplication(ctx context.Context, jobID, freelancerID string) (payment.Application, error) {
	if _, err := p.GetJob(ctx, jobID); err != nil {
		return payment.Application{}, err
	}
	if _, err := p.GetFreelancer(ctx, freelancerID); err != nil {
		return payment.Application{}, err
	}
	now := p.now()
	a := payment.Application{
		ID:           uuid.NewString(),
		JobID:        jobID,
		FreelancerID: freelancerID,
		Status:       payment.ApplicationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO applications (id, job_id, freelancer_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, a.ID, a.JobID, a.FreelancerID, a.Status, now, now)
	if err != nil {
		return payment.Application{}, err
	}
	return a, nil
}

func (p *PostgresStore) SetCompanyAccount(ctx context.Context, id string, account payment.Account) error {
	return p.setAccount(ctx, "companies", "company", id, account)
}

func (p *PostgresStore) SetFreelancerAccount(ctx context.Context, id string, account payment.Account) error {
	return p.setAccount(ctx, "freelancers", "freelancer", id, account)
}

func (p *PostgresStore) setAccount(ctx context.Context, table, kind, id string, account payment.Account) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE `+table+`
SET ledger_address = $2, ledger_secret = $3, updated_at = $4
WHERE id = $1 AND ledger_address = '' AND ledger_secret = ''
`, id, account.Address, account.Secret, p.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound(kind, id)
	}
	return conflict("%s %s already has an account", kind, id)
}

func (p *PostgresStore) AcceptApplication(ctx context.Context, applicationID string) (payment.Job, payment.Application, error) {
	var (
		job payment.Job
		app payment.Application
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := p.now()
		current, err := scanApplication(tx.QueryRow(ctx, `SELECT `+applicationCols+` FROM applications WHERE id = $1 FOR UPDATE`, applicationID))
		if err != nil {
			return mapNoRows(err, "application", applicationID)
		}
		if current.Status != payment.ApplicationPending {
			return conflict("application %s is %s", current.ID, current.Status)
		}

		job, err = scanJob(tx.QueryRow(ctx, `
UPDATE jobs SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING `+jobCols, current.JobID, payment.JobActive, payment.JobAssigned, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return conflict("job %s is not active", current.JobID)
		}
		if err != nil {
			return err
		}

		app, err = scanApplication(tx.QueryRow(ctx, `
UPDATE applications SET status = $2, updated_at = $3
WHERE id = $1
RETURNING `+applicationCols, applicationID, payment.ApplicationAccepted, now))
		return err
	})
	if err != nil {
		return payment.Job{}, payment.Application{}, err
	}
	return job, app, nil
}

func (p *PostgresStore) RejectApplication(ctx context.Context, applicationID string) (payment.Application, error) {
	a, err := scanApplication(p.pool.QueryRow(ctx, `
UPDATE applications SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING `+applicationCols, applicationID, payment.ApplicationPending, payment.ApplicationRejected, p.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Application{}, p.missOrConflict(ctx, "applications", "application", applicationID)
	}
	return a, err
}

func (p *PostgresStore) CompleteJob(ctx context.Context, jobID string) (payment.Job, error) {
	return p.guardedJobUpdate(ctx, jobID, `status = $2`, `status = 'assigned'`, payment.JobCompleted)
}

func (p *PostgresStore) DeactivateJob(ctx context.Context, jobID string) (payment.Job, error) {
	return p.guardedJobUpdate(ctx, jobID, `status = $2`,
		`status IN ('active', 'assigned') AND escrow_status = 'pending'
    AND escrow_sequence = '' AND escrow_condition = '' AND escrow_fulfillment = ''`,
		payment.JobInactive)
}

func (p *PostgresStore) RecordEscrowCreated(ctx context.Context, jobID string, rec payment.EscrowRecord) (payment.Job, error) {
	if !rec.Complete() {
		return payment.Job{}, fmt.Errorf("store: incomplete escrow record for job %s", jobID)
	}
	return p.guardedJobUpdate(ctx, jobID,
		`escrow_status = $2, escrow_sequence = $3, escrow_condition = $4, escrow_fulfillment = $5`,
		`escrow_status = 'pending' AND escrow_sequence = '' AND escrow_condition = '' AND escrow_fulfillment = ''`,
		payment.EscrowCreated, rec.Sequence, rec.Condition, rec.Fulfillment)
}

func (p *PostgresStore) RecordEscrowRedeemed(ctx context.Context, jobID string) (payment.Job, error) {
	return p.guardedJobUpdate(ctx, jobID, `escrow_status = $2`, `escrow_status = 'created'`, payment.EscrowRedeemed)
}

// guardedJobUpdate applies set to the job only while guard holds. The
// job id is $1; set placeholders start at $2 and the update time is
// appended last.
func (p *PostgresStore) guardedJobUpdate(ctx context.Context, jobID, set, guard string, args ...any) (payment.Job, error) {
	params := append([]any{jobID}, args...)
	params = append(params, p.now())
	query := fmt.Sprintf(`
UPDATE jobs SET %s, updated_at = $%d
WHERE id = $1 AND %s
RETURNING %s`, set, len(params), guard, jobCols)

	j, err := scanJob(p.pool.QueryRow(ctx, query, params...))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Job{}, p.missOrConflict(ctx, "jobs", "job", jobID)
	}
	return j, err
}

func (p *PostgresStore) missOrConflict(ctx context.Context, table, kind, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound(kind, id)
	}
	return conflict("%s %s changed concurrently or is in the wrong state", kind, id)
}
