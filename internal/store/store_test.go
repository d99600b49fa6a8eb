package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"jobescrow/internal/payment"
)

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := OpenPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)
	exerciseStore(t, s)
}

type fixture struct {
	company    payment.Company
	freelancer payment.Freelancer
	job        payment.Job
	app        payment.Application
}

func seed(t *testing.T, s Store) fixture {
	t.Helper()
	ctx := context.Background()
	company, err := s.CreateCompany(ctx, "Acme", payment.Account{Address: "rCompany", Secret: "sCompany"})
	require.NoError(t, err)
	freelancer, err := s.CreateFreelancer(ctx, "Ada", payment.Account{})
	require.NoError(t, err)
	job, err := s.CreateJob(ctx, payment.Job{
		CompanyID: company.ID,
		Title:     "Build an API",
		Price:     decimal.RequireFromString("100.00"),
		Currency:  "usd",
	})
	require.NoError(t, err)
	app, err := s.CreateApplication(ctx, job.ID, freelancer.ID)
	require.NoError(t, err)
	return fixture{company: company, freelancer: freelancer, job: job, app: app}
}

func exerciseStore(t *testing.T, s Store) {
	t.Run("create and read", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()

		job, err := s.GetJob(ctx, f.job.ID)
		require.NoError(t, err)
		require.Equal(t, payment.JobActive, job.Status)
		require.Equal(t, payment.EscrowPending, job.EscrowStatus)
		require.Equal(t, "USD", job.Currency)
		require.True(t, job.Price.Equal(decimal.NewFromInt(100)))
		require.False(t, job.EscrowStarted())

		company, err := s.GetCompany(ctx, f.company.ID)
		require.NoError(t, err)
		require.Equal(t, "sCompany", company.Account.Secret)

		_, err = s.GetJob(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AcceptedApplication(ctx, f.job.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("accounts are set once", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()

		acct := payment.Account{Address: "rFreelancer"}
		require.NoError(t, s.SetFreelancerAccount(ctx, f.freelancer.ID, acct))
		got, err := s.GetFreelancer(ctx, f.freelancer.ID)
		require.NoError(t, err)
		require.Equal(t, acct, got.Account)

		err = s.SetFreelancerAccount(ctx, f.freelancer.ID, payment.Account{Address: "rOther"})
		require.ErrorIs(t, err, ErrConflict)
		err = s.SetCompanyAccount(ctx, f.company.ID, payment.Account{Address: "rOther"})
		require.ErrorIs(t, err, ErrConflict)
		err = s.SetCompanyAccount(ctx, "missing", acct)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("accept assigns the job once", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()
		other, err := s.CreateFreelancer(ctx, "Grace", payment.Account{})
		require.NoError(t, err)
		second, err := s.CreateApplication(ctx, f.job.ID, other.ID)
		require.NoError(t, err)

		job, app, err := s.AcceptApplication(ctx, f.app.ID)
		require.NoError(t, err)
		require.Equal(t, payment.JobAssigned, job.Status)
		require.Equal(t, payment.ApplicationAccepted, app.Status)

		_, _, err = s.AcceptApplication(ctx, second.ID)
		require.ErrorIs(t, err, ErrConflict)
		_, _, err = s.AcceptApplication(ctx, f.app.ID)
		require.ErrorIs(t, err, ErrConflict)

		accepted, err := s.AcceptedApplication(ctx, f.job.ID)
		require.NoError(t, err)
		require.Equal(t, f.app.ID, accepted.ID)

		rejected, err := s.RejectApplication(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, payment.ApplicationRejected, rejected.Status)
		_, err = s.RejectApplication(ctx, second.ID)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("concurrent accepts", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()
		apps := []payment.Application{f.app}
		for i := 0; i < 7; i++ {
			fr, err := s.CreateFreelancer(ctx, "racer", payment.Account{})
			require.NoError(t, err)
			a, err := s.CreateApplication(ctx, f.job.ID, fr.ID)
			require.NoError(t, err)
			apps = append(apps, a)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for _, a := range apps {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, _, err := s.AcceptApplication(ctx, id); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(a.ID)
		}
		wg.Wait()
		require.Equal(t, 1, winners)
	})

	t.Run("escrow fields advance monotonically", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()
		rec := payment.EscrowRecord{Sequence: "12", Condition: "A025", Fulfillment: "A022"}

		_, err := s.RecordEscrowRedeemed(ctx, f.job.ID)
		require.ErrorIs(t, err, ErrConflict)

		_, err = s.RecordEscrowCreated(ctx, f.job.ID, payment.EscrowRecord{Sequence: "12"})
		require.Error(t, err)

		job, err := s.RecordEscrowCreated(ctx, f.job.ID, rec)
		require.NoError(t, err)
		require.Equal(t, payment.EscrowCreated, job.EscrowStatus)
		require.True(t, job.HasEscrow())

		_, err = s.RecordEscrowCreated(ctx, f.job.ID, payment.EscrowRecord{Sequence: "13", Condition: "B", Fulfillment: "C"})
		require.ErrorIs(t, err, ErrConflict)

		job, err = s.RecordEscrowRedeemed(ctx, f.job.ID)
		require.NoError(t, err)
		require.Equal(t, payment.EscrowRedeemed, job.EscrowStatus)
		require.Equal(t, "12", job.EscrowSequence)

		_, err = s.RecordEscrowRedeemed(ctx, f.job.ID)
		require.ErrorIs(t, err, ErrConflict)
		_, err = s.RecordEscrowCreated(ctx, "missing", rec)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("complete and close", func(t *testing.T) {
		f := seed(t, s)
		ctx := context.Background()

		_, err := s.CompleteJob(ctx, f.job.ID)
		require.ErrorIs(t, err, ErrConflict)

		_, _, err = s.AcceptApplication(ctx, f.app.ID)
		require.NoError(t, err)
		job, err := s.CompleteJob(ctx, f.job.ID)
		require.NoError(t, err)
		require.Equal(t, payment.JobCompleted, job.Status)
		_, err = s.DeactivateJob(ctx, f.job.ID)
		require.ErrorIs(t, err, ErrConflict)

		g := seed(t, s)
		job, err = s.DeactivateJob(ctx, g.job.ID)
		require.NoError(t, err)
		require.Equal(t, payment.JobInactive, job.Status)

		h := seed(t, s)
		_, err = s.RecordEscrowCreated(ctx, h.job.ID, payment.EscrowRecord{Sequence: "1", Condition: "A", Fulfillment: "B"})
		require.NoError(t, err)
		_, err = s.DeactivateJob(ctx, h.job.ID)
		require.ErrorIs(t, err, ErrConflict)
	})
}
