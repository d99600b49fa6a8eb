package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobescrow/internal/condition"
	"jobescrow/internal/xrpl"
)

func newKeypair(t *testing.T) xrpl.Keypair {
	t.Helper()
	kp, err := xrpl.GenerateKeypair(nil)
	require.NoError(t, err)
	return kp
}

func TestFakeEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeLedger()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.Now = func() time.Time { return now }

	payer := newKeypair(t)
	payee := newKeypair(t)
	f.Fund(payer.Address, 250_000_000)

	pair, err := condition.Generate()
	require.NoError(t, err)

	rcpt, err := f.SubmitEscrowCreate(ctx, EscrowCreate{
		Secret:      payer.Seed,
		Amount:      200_000_000,
		Destination: payee.Address,
		FinishAfter: now.Add(time.Minute),
		Condition:   pair.Condition,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), rcpt.Sequence)
	require.Equal(t, int64(50_000_000), f.Balance(payer.Address))

	escrows, err := f.AccountEscrows(ctx, payer.Address)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	require.Equal(t, payee.Address, escrows[0].Destination)

	finish := EscrowFinish{
		Secret:        payer.Seed,
		Owner:         payer.Address,
		OfferSequence: rcpt.Sequence,
		Condition:     pair.Condition,
		Fulfillment:   pair.Fulfillment,
	}
	_, err = f.SubmitEscrowFinish(ctx, finish)
	var sf *SubmissionFailure
	require.ErrorAs(t, err, &sf)
	require.Equal(t, "tecNO_PERMISSION", sf.Code)

	now = now.Add(2 * time.Minute)
	_, err = f.SubmitEscrowFinish(ctx, finish)
	require.NoError(t, err)
	require.Equal(t, int64(200_000_000), f.Balance(payee.Address))

	_, err = f.SubmitEscrowFinish(ctx, finish)
	require.ErrorAs(t, err, &sf)
	require.Equal(t, "tecNO_TARGET", sf.Code)
}

func TestFakeRejectsWrongFulfillment(t *testing.T) {
	ctx := context.Background()
	f := NewFakeLedger()
	payer := newKeypair(t)
	payee := newKeypair(t)
	f.Fund(payer.Address, 10_000_000)

	good, _ := condition.Generate()
	bad, _ := condition.Generate()

	rcpt, err := f.SubmitEscrowCreate(ctx, EscrowCreate{Secret: payer.Seed, Amount: 1_000_000, Destination: payee.Address, Condition: good.Condition})
	require.NoError(t, err)

	_, err = f.SubmitEscrowFinish(ctx, EscrowFinish{
		Secret: payer.Seed, Owner: payer.Address, OfferSequence: rcpt.Sequence,
		Condition: good.Condition, Fulfillment: bad.Fulfillment,
	})
	var sf *SubmissionFailure
	require.ErrorAs(t, err, &sf)
	require.Equal(t, "tecCRYPTOCONDITION_ERROR", sf.Code)
}

func TestFakeFailureInjectionAndPayments(t *testing.T) {
	ctx := context.Background()
	f := NewFakeLedger()
	payer := newKeypair(t)
	payee := newKeypair(t)
	f.Fund(payer.Address, 5_000_000)

	boom := errors.New("boom")
	f.FailNext("Payment", boom)
	_, err := f.SubmitPayment(ctx, Payment{Secret: payer.Seed, Amount: 1, Destination: payee.Address})
	require.ErrorIs(t, err, boom)

	_, err = f.SubmitPayment(ctx, Payment{Secret: payer.Seed, Amount: 1_000_000, Destination: payee.Address})
	require.NoError(t, err)
	require.Equal(t, 2, f.Calls("Payment"))

	info, err := f.AccountInfo(ctx, payee.Address)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), info.Balance)

	_, err = f.AccountInfo(ctx, newKeypair(t).Address)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestFakeLostConfirmationStillApplies(t *testing.T) {
	ctx := context.Background()
	f := NewFakeLedger()
	payer := newKeypair(t)
	payee := newKeypair(t)
	f.Fund(payer.Address, 50_000_000)
	pair, err := condition.Generate()
	require.NoError(t, err)

	f.LoseConfirmations("EscrowCreate", 1)
	_, err = f.SubmitEscrowCreate(ctx, EscrowCreate{
		Secret:      payer.Seed,
		Amount:      10_000_000,
		Destination: payee.Address,
		Condition:   pair.Condition,
	})
	require.ErrorIs(t, err, ErrNotFinal)
	var sf *SubmissionFailure
	require.ErrorAs(t, err, &sf)
	require.Equal(t, uint32(1), sf.Sequence)
	require.NotEmpty(t, sf.Hash)

	escrows, err := f.AccountEscrows(ctx, payer.Address)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	require.Equal(t, sf.Hash, escrows[0].PreviousTxnID)
}

func TestFakeSubmitDelayHonorsContext(t *testing.T) {
	f := NewFakeLedger()
	f.SubmitDelay = time.Second
	payer := newKeypair(t)
	f.Fund(payer.Address, 50_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.SubmitPayment(ctx, Payment{Secret: payer.Seed, Amount: 1, Destination: newKeypair(t).Address})
	require.ErrorIs(t, err, ErrNotFinal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, f.Calls("Payment"))
}
