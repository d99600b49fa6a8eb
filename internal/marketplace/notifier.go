package marketplace

import (
	"context"
	"log/slog"

	"jobescrow/internal/payment"
)

// Notifier tells a freelancer that their accepted job is funded. Delivery
// (email, push) lives outside this service.
type Notifier interface {
	EscrowFunded(ctx context.Context, job payment.Job, app payment.Application) error
}

// LogNotifier records notifications in the service log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) EscrowFunded(_ context.Context, job payment.Job, app payment.Application) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("marketplace: escrow funded",
		"job_id", job.ID,
		"freelancer_id", app.FreelancerID,
		"price", job.Price.StringFixed(2),
		"currency", job.Currency,
	)
	return nil
}
