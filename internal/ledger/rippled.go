package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"jobescrow/internal/metrics"
	"jobescrow/internal/xrpl"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultLedgerWindow = 20
	defaultBaseFeeDrops = 10
	defaultFeeMultMax   = 1000
)

// RippledConfig configures the JSON-RPC adapter.
type RippledConfig struct {
	URL          string
	PollInterval time.Duration
	// LedgerWindow is added to the current ledger index to form
	// LastLedgerSequence, bounding how long a submission can stay pending.
	LedgerWindow uint32
	BaseFeeDrops int64
	Metrics      *metrics.Registry
	Logger       *slog.Logger
}

// RippledClient submits transactions to a rippled node over JSON-RPC using
// sign-and-submit, then polls until the transaction is validated.
type RippledClient struct {
	rpc          *rpc.Client
	pollInterval time.Duration
	ledgerWindow uint32
	baseFee      int64
	metrics      *metrics.Registry
	logger       *slog.Logger
	now          func() time.Time
}

func DialRippled(ctx context.Context, cfg RippledConfig) (*RippledClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newRippledClient(cli, cfg), nil
}

func newRippledClient(cli *rpc.Client, cfg RippledConfig) *RippledClient {
	c := &RippledClient{
		rpc:          cli,
		pollInterval: cfg.PollInterval,
		ledgerWindow: cfg.LedgerWindow,
		baseFee:      cfg.BaseFeeDrops,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.ledgerWindow == 0 {
		c.ledgerWindow = defaultLedgerWindow
	}
	if c.baseFee <= 0 {
		c.baseFee = defaultBaseFeeDrops
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *RippledClient) Close() {
	c.rpc.Close()
}

// RPCError is an error reported inside a rippled result object.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func isRPCCode(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (s rpcStatus) rpcErr() error {
	if s.Status == "error" || s.Error != "" {
		return &RPCError{Code: s.Error, Message: s.ErrorMessage}
	}
	return nil
}

type rpcResult interface {
	rpcErr() error
}

func (c *RippledClient) call(ctx context.Context, method string, params any, out rpcResult) error {
	if err := c.rpc.CallContext(ctx, out, method, params); err != nil {
		return fmt.Errorf("rippled %s: %w", method, err)
	}
	return out.rpcErr()
}

func (c *RippledClient) Ping(ctx context.Context) error {
	var res rpcStatus
	return c.call(ctx, "ping", map[string]any{}, &res)
}

type accountInfoResult struct {
	rpcStatus
	AccountData struct {
		Account    string `json:"Account"`
		Balance    string `json:"Balance"`
		Sequence   uint32 `json:"Sequence"`
		OwnerCount uint32 `json:"OwnerCount"`
	} `json:"account_data"`
}

func (c *RippledClient) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	var res accountInfoResult
	err := c.call(ctx, "account_info", map[string]any{
		"account":      address,
		"ledger_index": "validated",
		"strict":       true,
	}, &res)
	if isRPCCode(err, "actNotFound") {
		return AccountInfo{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return AccountInfo{}, err
	}
	balance, err := strconv.ParseInt(res.AccountData.Balance, 10, 64)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("rippled account_info: parse balance %q: %w", res.AccountData.Balance, err)
	}
	return AccountInfo{
		Address:    res.AccountData.Account,
		Balance:    balance,
		Sequence:   res.AccountData.Sequence,
		OwnerCount: res.AccountData.OwnerCount,
	}, nil
}

type accountObjectsResult struct {
	rpcStatus
	AccountObjects []struct {
		Account       string `json:"Account"`
		Amount        string `json:"Amount"`
		Condition     string `json:"Condition"`
		Destination   string `json:"Destination"`
		FinishAfter   uint32 `json:"FinishAfter"`
		PreviousTxnID string `json:"PreviousTxnID"`
	} `json:"account_objects"`
	Marker json.RawMessage `json:"marker"`
}

func (c *RippledClient) AccountEscrows(ctx context.Context, address string) ([]EscrowObject, error) {
	params := map[string]any{
		"account":      address,
		"ledger_index": "validated",
		"type":         "escrow",
	}
	var out []EscrowObject
	for {
		var res accountObjectsResult
		if err := c.call(ctx, "account_objects", params, &res); err != nil {
			return nil, err
		}
		for _, obj := range res.AccountObjects {
			amount, err := strconv.ParseInt(obj.Amount, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("rippled account_objects: parse amount %q: %w", obj.Amount, err)
			}
			escrow := EscrowObject{
				Account:       obj.Account,
				Destination:   obj.Destination,
				Amount:        amount,
				Condition:     obj.Condition,
				PreviousTxnID: obj.PreviousTxnID,
			}
			if obj.FinishAfter > 0 {
				escrow.FinishAfter = xrpl.FromRippleTime(obj.FinishAfter)
			}
			out = append(out, escrow)
		}
		if len(res.Marker) == 0 || string(res.Marker) == "null" {
			return out, nil
		}
		params["marker"] = res.Marker
	}
}

func (c *RippledClient) SubmitPayment(ctx context.Context, req Payment) (Receipt, error) {
	return c.submitAndWait(ctx, "Payment", req.Secret, map[string]any{
		"Amount":      strconv.FormatInt(req.Amount, 10),
		"Destination": req.Destination,
	})
}

func (c *RippledClient) SubmitEscrowCreate(ctx context.Context, req EscrowCreate) (Receipt, error) {
	tx := map[string]any{
		"Amount":      strconv.FormatInt(req.Amount, 10),
		"Destination": req.Destination,
		"FinishAfter": xrpl.ToRippleTime(req.FinishAfter),
		"Condition":   req.Condition,
	}
	if req.SourceTag != 0 {
		tx["SourceTag"] = req.SourceTag
	}
	return c.submitAndWait(ctx, "EscrowCreate", req.Secret, tx)
}

func (c *RippledClient) SubmitEscrowFinish(ctx context.Context, req EscrowFinish) (Receipt, error) {
	fee, err := escrowFinishFee(c.baseFee, req.Fulfillment)
	if err != nil {
		return Receipt{}, failure("EscrowFinish", "", "", err)
	}
	return c.submitAndWait(ctx, "EscrowFinish", req.Secret, map[string]any{
		"Owner":         req.Owner,
		"OfferSequence": req.OfferSequence,
		"Condition":     req.Condition,
		"Fulfillment":   req.Fulfillment,
		"Fee":           strconv.FormatInt(fee, 10),
	})
}

// escrowFinishFee is the minimum fee for a finish carrying a fulfillment:
// 33 base fees plus one more per 16 bytes of fulfillment.
func escrowFinishFee(baseFee int64, fulfillmentHex string) (int64, error) {
	raw, err := hex.DecodeString(fulfillmentHex)
	if err != nil {
		return 0, fmt.Errorf("decode fulfillment: %w", err)
	}
	chunks := int64((len(raw) + 15) / 16)
	return baseFee * (33 + chunks), nil
}

type ledgerCurrentResult struct {
	rpcStatus
	LedgerCurrentIndex uint32 `json:"ledger_current_index"`
}

type ledgerResult struct {
	rpcStatus
	LedgerIndex uint32 `json:"ledger_index"`
}

type submitResult struct {
	rpcStatus
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash     string `json:"hash"`
		Sequence uint32 `json:"Sequence"`
	} `json:"tx_json"`
}

type txResult struct {
	rpcStatus
	Validated   bool   `json:"validated"`
	LedgerIndex uint32 `json:"ledger_index"`
	Sequence    uint32 `json:"Sequence"`
	Meta        struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

func (c *RippledClient) submitAndWait(ctx context.Context, txType, secret string, tx map[string]any) (Receipt, error) {
	account, err := xrpl.AddressFromSeed(secret)
	if err != nil {
		return Receipt{}, failure(txType, "", "", err)
	}

	var current ledgerCurrentResult
	if err := c.call(ctx, "ledger_current", map[string]any{}, &current); err != nil {
		return Receipt{}, failure(txType, "", "", err)
	}
	lastLedger := current.LedgerCurrentIndex + c.ledgerWindow

	tx["TransactionType"] = txType
	tx["Account"] = account
	tx["LastLedgerSequence"] = lastLedger

	started := c.now()
	var sub submitResult
	err = c.call(ctx, "submit", map[string]any{
		"secret":       secret,
		"tx_json":      tx,
		"fee_mult_max": defaultFeeMultMax,
	}, &sub)
	if err != nil {
		c.metrics.LedgerSubmission(txType, "rpc_error", c.now().Sub(started))
		return Receipt{}, failure(txType, "", "", err)
	}

	// tes/ter/tec results are provisional until validation; anything else
	// (tel, tem, tef) means the transaction will never be included.
	switch engineClass(sub.EngineResult) {
	case "tes", "ter", "tec":
	default:
		c.metrics.LedgerSubmission(txType, sub.EngineResult, c.now().Sub(started))
		return Receipt{}, rejected(txType, sub.EngineResult, sub.TxJSON.Hash, sub.EngineResultMessage)
	}

	receipt, err := c.waitForValidation(ctx, txType, sub.TxJSON.Hash, lastLedger)
	result := receipt.Result
	var sf *SubmissionFailure
	if errors.As(err, &sf) && sf.Code != "" {
		result = sf.Code
	} else if errors.Is(err, ErrNotFinal) {
		result = "not_final"
	}
	c.metrics.LedgerSubmission(txType, result, c.now().Sub(started))
	if err != nil {
		if sf != nil {
			sf.Sequence = sub.TxJSON.Sequence
		}
		return Receipt{}, err
	}
	if receipt.Sequence == 0 {
		receipt.Sequence = sub.TxJSON.Sequence
	}
	return receipt, nil
}

func engineClass(code string) string {
	if len(code) < 3 {
		return ""
	}
	return code[:3]
}

// waitForValidation polls until the transaction is validated, its
// LastLedgerSequence has passed, or ctx is cancelled.
func (c *RippledClient) waitForValidation(ctx context.Context, txType, hash string, lastLedger uint32) (Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := c.lookupTx(ctx, txType, hash)
		if done {
			return receipt, err
		}
		if err != nil {
			c.logger.Warn("ledger: poll transaction", "tx_type", txType, "hash", hash, "error", err)
		}

		var validated ledgerResult
		if err := c.call(ctx, "ledger", map[string]any{"ledger_index": "validated"}, &validated); err == nil && validated.LedgerIndex > lastLedger {
			// The window closed; look once more in case validation raced the check.
			if receipt, done, err := c.lookupTx(ctx, txType, hash); done {
				return receipt, err
			}
			return Receipt{}, failure(txType, "", hash, fmt.Errorf("%w: LastLedgerSequence %d passed", ErrNotFinal, lastLedger))
		}

		select {
		case <-ctx.Done():
			return Receipt{}, failure(txType, "", hash, fmt.Errorf("%w: %w", ErrNotFinal, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (c *RippledClient) lookupTx(ctx context.Context, txType, hash string) (Receipt, bool, error) {
	var res txResult
	err := c.call(ctx, "tx", map[string]any{"transaction": hash}, &res)
	if err != nil {
		if isRPCCode(err, "txnNotFound") {
			return Receipt{}, false, nil
		}
		return Receipt{}, false, err
	}
	if !res.Validated {
		return Receipt{}, false, nil
	}
	code := res.Meta.TransactionResult
	if code != "tesSUCCESS" {
		return Receipt{}, true, rejected(txType, code, hash, "")
	}
	return Receipt{
		Hash:        strings.ToUpper(hash),
		Sequence:    res.Sequence,
		LedgerIndex: res.LedgerIndex,
		Result:      code,
	}, true, nil
}
