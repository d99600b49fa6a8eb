package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"jobescrow/internal/escrow"
	"jobescrow/internal/exchange"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/marketplace"
	"jobescrow/internal/store"
	"jobescrow/internal/wallet"
)

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	LedgerCode string `json:"ledgerCode,omitempty"`
	// Set for insufficient balance, in XRP.
	Balance   string `json:"balance,omitempty"`
	Required  string `json:"required,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
}

// classify maps an error to its HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrOutcomeUnknown):
		return http.StatusGatewayTimeout, "outcome_unknown"
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, exchange.ErrRateUnavailable):
		return http.StatusServiceUnavailable, "rate_unavailable"
	case errors.Is(err, escrow.ErrEscrowSubmissionFailed), errors.Is(err, escrow.ErrEscrowRedemptionFailed):
		return http.StatusBadGateway, "ledger_rejected"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, escrow.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrEscrowAlreadyExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, marketplace.ErrInvalidState),
		errors.Is(err, marketplace.ErrAccountExists),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, escrow.ErrJobBusy):
		return http.StatusConflict, "conflict"
	case errors.Is(err, escrow.ErrValidation),
		errors.Is(err, marketplace.ErrUnknownPayer),
		errors.Is(err, wallet.ErrInvalidSecret),
		errors.Is(err, wallet.ErrInvalidDestination),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrPayerAccountMissing),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var errBadRequest = errors.New("bad request")

func errorBody(err error) (int, errorResponse) {
	status, code := classify(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}

	var serr *escrow.SubmissionError
	if errors.As(err, &serr) {
		resp.LedgerCode = serr.LedgerCode()
	}
	var ib *escrow.InsufficientBalanceError
	if errors.As(err, &ib) {
		resp.Balance = ib.Balance.String()
		resp.Required = ib.Required.String()
		resp.Shortfall = ib.Shortfall.String()
	}
	return status, resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
