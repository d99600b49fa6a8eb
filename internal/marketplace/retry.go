package marketplace

import (
	"context"
	"errors"
	"time"

	"jobescrow/internal/escrow"
	"jobescrow/internal/payment"
)

// RetryPolicy bounds redemption retries.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

func (s *Service) redeemWithRetry(ctx context.Context, jobID string) (payment.Job, error) {
	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		job, err := s.escrow.RedeemEscrow(ctx, jobID)
		if err == nil {
			s.metrics.Retry("success")
			return job, nil
		}
		lastErr = err
		if !retryableRedeem(err) || i == attempts {
			s.metrics.Retry("failed")
			return payment.Job{}, err
		}

		s.metrics.Retry("retry")
		sleep := backoff
		if s.retry.MaxBackoff > 0 && sleep > s.retry.MaxBackoff {
			sleep = s.retry.MaxBackoff
		}
		s.logger.Info("marketplace: redeem retry", "job_id", jobID, "attempt", i, "backoff", sleep, "error", err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return payment.Job{}, errors.Join(lastErr, ctx.Err())
		}

		if s.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(s.retry.BackoffMultiplier)
		}
	}
	return payment.Job{}, lastErr
}

// retryableRedeem reports whether another EscrowFinish attempt can change
// the outcome. A finish that found no escrow or a bad fulfillment will not.
func retryableRedeem(err error) bool {
	if errors.Is(err, escrow.ErrValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	var serr *escrow.SubmissionError
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.LedgerCode() {
	case "tecNO_TARGET", "tecCRYPTOCONDITION_ERROR", "tefBAD_AUTH", "temBAD_SIGNATURE":
		return false
	}
	return true
}
