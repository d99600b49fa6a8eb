package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"jobescrow/internal/ledger"
	"jobescrow/internal/payment"
	"jobescrow/internal/xrpl"
)

const genesisSeed = "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"

type recordingFaucet struct {
	funded []string
	err    error
}

func (f *recordingFaucet) Fund(_ context.Context, address string) error {
	f.funded = append(f.funded, address)
	return f.err
}

func TestProvisionDerivesFromExistingSecret(t *testing.T) {
	faucet := &recordingFaucet{}
	p := NewProvisioner(Config{Network: "testnet", Faucet: faucet})

	acct, err := p.Provision(context.Background(), "  "+genesisSeed+" ")
	require.NoError(t, err)
	require.Equal(t, "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", acct.Address)
	require.Equal(t, genesisSeed, acct.Secret)
	require.Empty(t, faucet.funded)

	again, err := p.Provision(context.Background(), genesisSeed)
	require.NoError(t, err)
	require.Equal(t, acct, again)
}

func TestProvisionRejectsBadSecret(t *testing.T) {
	p := NewProvisioner(Config{Network: "testnet"})
	_, err := p.Provision(context.Background(), "not-a-seed")
	require.ErrorIs(t, err, ErrInvalidSecret)
}

func TestProvisionGeneratesAndUsesFaucetOffMainnet(t *testing.T) {
	faucet := &recordingFaucet{}
	p := NewProvisioner(Config{Network: "testnet", Faucet: faucet, Rand: bytes.NewReader(bytes.Repeat([]byte{7}, 64))})

	acct, err := p.Provision(context.Background(), "")
	require.NoError(t, err)
	require.True(t, xrpl.ValidAddress(acct.Address))
	require.Equal(t, []string{acct.Address}, faucet.funded)

	derived, err := xrpl.AddressFromSeed(acct.Secret)
	require.NoError(t, err)
	require.Equal(t, acct.Address, derived)
}

func TestProvisionFaucetFailureIsBestEffort(t *testing.T) {
	faucet := &recordingFaucet{err: errors.New("faucet is dry")}
	p := NewProvisioner(Config{Network: "devnet", Faucet: faucet})

	acct, err := p.Provision(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, acct.Address)
	require.Len(t, faucet.funded, 1)
}

func TestProvisionSkipsFaucetOnMainnet(t *testing.T) {
	faucet := &recordingFaucet{}
	p := NewProvisioner(Config{Network: "MAINNET", Faucet: faucet})

	acct, err := p.Provision(context.Background(), "")
	require.NoError(t, err)
	require.True(t, acct.CanSend())
	require.Empty(t, faucet.funded)
}

func TestFundFromTreasury(t *testing.T) {
	fake := ledger.NewFakeLedger()
	treasury, err := xrpl.DeriveKeypair(genesisSeed)
	require.NoError(t, err)
	fake.Fund(treasury.Address, 1_000*xrpl.DropsPerXRP)

	p := NewProvisioner(Config{Network: "testnet", TreasurySecret: genesisSeed, Ledger: fake})
	acct, err := p.Provision(context.Background(), "")
	require.NoError(t, err)

	rcpt, err := p.Fund(context.Background(), acct.Address, decimal.RequireFromString("250"))
	require.NoError(t, err)
	require.NotEmpty(t, rcpt.Hash)
	require.Equal(t, int64(250*xrpl.DropsPerXRP), fake.Balance(acct.Address))

	_, err = p.Fund(context.Background(), "rNotAnAddress", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrInvalidDestination)

	_, err = p.Fund(context.Background(), acct.Address, decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFundBestEffortSwallowsFailures(t *testing.T) {
	fake := ledger.NewFakeLedger()
	p := NewProvisioner(Config{Network: "testnet", Ledger: fake})
	acct, err := p.Provision(context.Background(), "")
	require.NoError(t, err)

	_, err = p.Fund(context.Background(), acct.Address, decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrTreasuryMissing)

	p.FundBestEffort(context.Background(), acct.Address, decimal.NewFromInt(10))
	require.Zero(t, fake.Calls("Payment"))
}

func TestPayoutResolvesPayer(t *testing.T) {
	fake := ledger.NewFakeLedger()
	p := NewProvisioner(Config{Network: "testnet", Ledger: fake})
	ctx := context.Background()

	companyAcct, err := p.Provision(ctx, "")
	require.NoError(t, err)
	freelancerAcct, err := p.Provision(ctx, "")
	require.NoError(t, err)
	fake.Fund(freelancerAcct.Address, 300*xrpl.DropsPerXRP)

	freelancer := FreelancerPayer{Freelancer: payment.Freelancer{ID: "f-1", Account: freelancerAcct}}
	_, err = p.Payout(ctx, freelancer, decimal.RequireFromString("120.5"), companyAcct.Address)
	require.NoError(t, err)
	require.Equal(t, int64(120_500_000), fake.Balance(companyAcct.Address))

	watchOnly := CompanyPayer{Company: payment.Company{ID: "c-1", Account: payment.Account{Address: companyAcct.Address}}}
	_, err = p.Payout(ctx, watchOnly, decimal.NewFromInt(1), freelancerAcct.Address)
	require.ErrorIs(t, err, ErrPayerAccountMissing)
	require.ErrorContains(t, err, "company c-1")

	_, err = p.Payout(ctx, nil, decimal.NewFromInt(1), freelancerAcct.Address)
	require.ErrorIs(t, err, ErrPayerAccountMissing)
}

func TestHTTPFaucet(t *testing.T) {
	var got faucetRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{"address": got.Destination},
			"amount":  1000,
		})
	}))
	defer srv.Close()

	f := NewHTTPFaucet(srv.URL, srv.Client())
	require.NoError(t, f.Fund(context.Background(), "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"))
	require.Equal(t, "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", got.Destination)
}

func TestHTTPFaucetErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewHTTPFaucet(srv.URL, nil).Fund(context.Background(), "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh")
	require.ErrorContains(t, err, "429")
}
