package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobescrow/internal/condition"
	"jobescrow/internal/xrpl"
)

type fakeAccount struct {
	balance  int64
	sequence uint32
	owners   uint32
}

type escrowKey struct {
	owner    string
	sequence uint32
}

type fakeEscrow struct {
	EscrowObject
	txHash string
}

// FakeLedger is an in-memory ledger for development and tests. It applies
// transactions immediately and enforces the rules the escrow flow relies on:
// balances, conditions, finish-after, and single finish per escrow.
type FakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	escrows  map[escrowKey]fakeEscrow
	ledger   uint32
	failures map[string][]error
	calls    map[string]int
	lost     map[string]int

	// Now drives finish-after checks; tests may replace it.
	Now func() time.Time
	// FeeDrops is charged to the sender of every transaction.
	FeeDrops int64
	// SubmitDelay is how long each Submit call waits before applying.
	SubmitDelay time.Duration
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		accounts: make(map[string]*fakeAccount),
		escrows:  make(map[escrowKey]fakeEscrow),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		lost:     make(map[string]int),
		ledger:   1,
		Now:      time.Now,
	}
}

// Fund credits drops to address, creating the account if needed.
func (f *FakeLedger) Fund(address string, drops int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(address).balance += drops
}

// FailNext queues errors returned by the next calls to op, where op is one
// of AccountInfo, Payment, EscrowCreate, EscrowFinish, AccountEscrows.
func (f *FakeLedger) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// LoseConfirmations makes the next n successful calls to op apply to the
// ledger but report ErrNotFinal, as when validation is never observed.
func (f *FakeLedger) LoseConfirmations(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[op] += n
}

// Calls reports how many times op was invoked.
func (f *FakeLedger) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeLedger) Balance(address string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct, ok := f.accounts[address]; ok {
		return acct.balance
	}
	return 0
}

func (f *FakeLedger) account(address string) *fakeAccount {
	acct, ok := f.accounts[address]
	if !ok {
		acct = &fakeAccount{sequence: 1}
		f.accounts[address] = acct
	}
	return acct
}

func (f *FakeLedger) delay(ctx context.Context, txType string) error {
	if f.SubmitDelay <= 0 {
		return nil
	}
	t := time.NewTimer(f.SubmitDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return failure(txType, "", "", fmt.Errorf("%w: %w", ErrNotFinal, ctx.Err()))
	}
}

// settle returns the receipt, or an ErrNotFinal failure when op's
// confirmation is set to be lost.
func (f *FakeLedger) settle(op string, rcpt Receipt) (Receipt, error) {
	if f.lost[op] == 0 {
		return rcpt, nil
	}
	f.lost[op]--
	return Receipt{}, &SubmissionFailure{
		TxType:   op,
		Hash:     rcpt.Hash,
		Sequence: rcpt.Sequence,
		Err:      fmt.Errorf("%w: validation not observed", ErrNotFinal),
	}
}

func (f *FakeLedger) enter(op string) error {
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *FakeLedger) AccountInfo(_ context.Context, address string) (AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AccountInfo"); err != nil {
		return AccountInfo{}, err
	}
	acct, ok := f.accounts[address]
	if !ok {
		return AccountInfo{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return AccountInfo{Address: address, Balance: acct.balance, Sequence: acct.sequence, OwnerCount: acct.owners}, nil
}

func (f *FakeLedger) AccountEscrows(_ context.Context, address string) ([]EscrowObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AccountEscrows"); err != nil {
		return nil, err
	}
	var out []EscrowObject
	for key, esc := range f.escrows {
		if key.owner == address {
			out = append(out, esc.EscrowObject)
		}
	}
	return out, nil
}

// sender resolves the signing account and consumes one sequence number.
func (f *FakeLedger) sender(txType, secret string) (string, *fakeAccount, uint32, error) {
	addr, err := xrpl.AddressFromSeed(secret)
	if err != nil {
		return "", nil, 0, failure(txType, "", "", err)
	}
	acct, ok := f.accounts[addr]
	if !ok {
		return "", nil, 0, rejected(txType, "terNO_ACCOUNT", "", "source account not found")
	}
	if acct.balance < f.FeeDrops {
		return "", nil, 0, rejected(txType, "terINSUF_FEE_B", "", "insufficient balance to pay fee")
	}
	seq := acct.sequence
	acct.sequence++
	acct.balance -= f.FeeDrops
	return addr, acct, seq, nil
}

func (f *FakeLedger) receipt(txType, account string, seq uint32) Receipt {
	f.ledger++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", txType, account, seq)))
	return Receipt{
		Hash:        strings.ToUpper(hex.EncodeToString(sum[:])),
		Sequence:    seq,
		LedgerIndex: f.ledger,
		Result:      "tesSUCCESS",
	}
}

func (f *FakeLedger) SubmitPayment(ctx context.Context, req Payment) (Receipt, error) {
	if err := f.delay(ctx, "Payment"); err != nil {
		return Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Payment"); err != nil {
		return Receipt{}, err
	}
	if !xrpl.ValidAddress(req.Destination) {
		return Receipt{}, rejected("Payment", "temDST_NEEDED", "", "invalid destination")
	}
	addr, acct, seq, err := f.sender("Payment", req.Secret)
	if err != nil {
		return Receipt{}, err
	}
	if acct.balance < req.Amount {
		return Receipt{}, rejected("Payment", "tecUNFUNDED_PAYMENT", "", "insufficient XRP balance")
	}
	acct.balance -= req.Amount
	f.account(req.Destination).balance += req.Amount
	return f.settle("Payment", f.receipt("Payment", addr, seq))
}

func (f *FakeLedger) SubmitEscrowCreate(ctx context.Context, req EscrowCreate) (Receipt, error) {
	if err := f.delay(ctx, "EscrowCreate"); err != nil {
		return Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("EscrowCreate"); err != nil {
		return Receipt{}, err
	}
	if !xrpl.ValidAddress(req.Destination) {
		return Receipt{}, rejected("EscrowCreate", "temDST_NEEDED", "", "invalid destination")
	}
	if req.Amount <= 0 {
		return Receipt{}, rejected("EscrowCreate", "temBAD_AMOUNT", "", "amount must be positive")
	}
	addr, acct, seq, err := f.sender("EscrowCreate", req.Secret)
	if err != nil {
		return Receipt{}, err
	}
	if acct.balance < req.Amount {
		return Receipt{}, rejected("EscrowCreate", "tecUNFUNDED", "", "insufficient XRP balance")
	}
	acct.balance -= req.Amount
	acct.owners++
	rcpt := f.receipt("EscrowCreate", addr, seq)
	f.escrows[escrowKey{owner: addr, sequence: seq}] = fakeEscrow{
		EscrowObject: EscrowObject{
			Account:       addr,
			Destination:   req.Destination,
			Amount:        req.Amount,
			Condition:     strings.ToUpper(req.Condition),
			FinishAfter:   req.FinishAfter,
			PreviousTxnID: rcpt.Hash,
		},
		txHash: rcpt.Hash,
	}
	return f.settle("EscrowCreate", rcpt)
}

func (f *FakeLedger) SubmitEscrowFinish(ctx context.Context, req EscrowFinish) (Receipt, error) {
	if err := f.delay(ctx, "EscrowFinish"); err != nil {
		return Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("EscrowFinish"); err != nil {
		return Receipt{}, err
	}
	key := escrowKey{owner: req.Owner, sequence: req.OfferSequence}
	esc, ok := f.escrows[key]
	if !ok {
		// Consume the sequence like the real ledger does for tec results.
		if _, _, _, err := f.sender("EscrowFinish", req.Secret); err != nil {
			return Receipt{}, err
		}
		return Receipt{}, rejected("EscrowFinish", "tecNO_TARGET", "", "escrow not found")
	}
	if !strings.EqualFold(esc.Condition, req.Condition) || condition.Verify(req.Condition, req.Fulfillment) != nil {
		return Receipt{}, rejected("EscrowFinish", "tecCRYPTOCONDITION_ERROR", "", "fulfillment does not match condition")
	}
	if !esc.FinishAfter.IsZero() && f.Now().Before(esc.FinishAfter) {
		return Receipt{}, rejected("EscrowFinish", "tecNO_PERMISSION", "", "escrow cannot be finished yet")
	}
	addr, _, seq, err := f.sender("EscrowFinish", req.Secret)
	if err != nil {
		return Receipt{}, err
	}
	delete(f.escrows, key)
	if owner, ok := f.accounts[req.Owner]; ok && owner.owners > 0 {
		owner.owners--
	}
	f.account(esc.Destination).balance += esc.Amount
	return f.settle("EscrowFinish", f.receipt("EscrowFinish", addr, seq))
}
