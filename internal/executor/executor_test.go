package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/middleman/internal/chain"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/retry"
)

var (
	usdt      = chain.Token{Symbol: "USDT", Contract: common.HexToAddress(chain.BSCUSDTContract)}
	custodial = common.HexToAddress("0x9999999999999999999999999999999999999999")
	buyer     = "0x1111111111111111111111111111111111111111"
)

// fakeLedger is an in-memory chain with 6-decimal USDT.
type fakeLedger struct {
	mu sync.Mutex

	balance    *big.Int
	native     *big.Int
	gasPrice   *big.Int
	nonce      uint64
	balanceErr error
	submitErr  error
	buildErr   error
	awaitErr   error
	reverted   bool
	receipts   map[string]*chain.Receipt
	receiptErr error

	// acceptOnErr puts the tx in the pool even when Submit reports an error
	acceptOnErr bool

	balanceCalls int
	built        []*types.Transaction
	submitted    []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balance:  big.NewInt(1_000_000_000), // 1000 USDT
		native:   GweiToWei(10_000_000),     // 0.01 native
		gasPrice: GweiToWei(3),
		nonce:    7,
		receipts: make(map[string]*chain.Receipt),
	}
}

func (f *fakeLedger) Address() common.Address { return custodial }

func (f *fakeLedger) ExplorerTxURL(h string) string { return "https://bscscan.com/tx/" + h }

func (f *fakeLedger) TokenDecimals(context.Context, chain.Token) (uint8, error) { return 6, nil }

func (f *fakeLedger) BalanceOf(context.Context, chain.Token, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.native), nil
}

func (f *fakeLedger) Receipt(_ context.Context, h string) (*chain.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return r, nil
}

func (f *fakeLedger) GasPrice(context.Context) (*big.Int, error) { return new(big.Int).Set(f.gasPrice), nil }

func (f *fakeLedger) Nonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeLedger) BuildSignedTransfer(_ context.Context, token chain.Token, to common.Address, units *big.Int, nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token.Contract,
		Value:    big.NewInt(0),
		Gas:      100000,
		GasPrice: gasPrice,
		Data:     append(to.Bytes(), units.Bytes()...),
	})
	f.mu.Lock()
	f.built = append(f.built, tx)
	f.mu.Unlock()
	return tx, nil
}

func (f *fakeLedger) Submit(_ context.Context, tx *types.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := tx.Hash().Hex()
	if f.submitErr != nil && !f.acceptOnErr {
		return "", f.submitErr
	}
	f.nonce++
	f.submitted = append(f.submitted, h)
	if f.submitErr != nil {
		return "", &chain.CallError{Op: "send", TxHash: h, Err: f.submitErr}
	}
	return h, nil
}

func (f *fakeLedger) AwaitReceipt(_ context.Context, h string, _ time.Duration) (*chain.Receipt, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return &chain.Receipt{TxHash: h, Succeeded: !f.reverted, BlockNumber: 500, GasUsed: 52000}, nil
}

func newTestExecutor(l *fakeLedger) *Executor {
	return New(l, chain.NewRegistry(usdt), Config{
		MaxGasPrice:   GweiToWei(5),
		MinGasBalance: GweiToWei(1_000_000), // 0.001 native
		Retry:         retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
	}, logging.Discard())
}

func requireFailure(t *testing.T, err error, want Reason) *Failure {
	t.Helper()
	f, ok := AsFailure(err)
	require.True(t, ok, "expected *Failure, got %v", err)
	assert.Equal(t, want, f.Reason)
	return f
}

func TestTransfer_Success(t *testing.T) {
	l := newFakeLedger()
	e := newTestExecutor(l)

	res, err := e.Transfer(context.Background(), buyer, "100.5", "usdt")
	require.NoError(t, err)
	assert.Equal(t, "100.5", res.ConfirmedAmount)
	assert.Equal(t, 0, res.Units.Cmp(big.NewInt(100_500_000)))
	assert.Equal(t, "USDT", res.Asset)
	assert.Equal(t, common.HexToAddress(buyer).Hex(), res.To)
	assert.Equal(t, "https://bscscan.com/tx/"+res.TxHash, res.ExplorerLink)
	require.Len(t, l.submitted, 1)
	assert.Equal(t, l.submitted[0], res.TxHash)
	assert.Equal(t, uint64(7), l.built[0].Nonce())
}

func TestTransfer_GasPriceCapped(t *testing.T) {
	l := newFakeLedger()
	l.gasPrice = GweiToWei(50)
	e := newTestExecutor(l)

	_, err := e.Transfer(context.Background(), buyer, "1", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, l.built[0].GasPrice().Cmp(GweiToWei(5)))
}

func TestTransfer_LiveGasPriceBelowCap(t *testing.T) {
	l := newFakeLedger()
	e := newTestExecutor(l)

	_, err := e.Transfer(context.Background(), buyer, "1", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, l.built[0].GasPrice().Cmp(GweiToWei(3)))
}

func TestTransfer_PreflightFailures(t *testing.T) {
	tests := []struct {
		name   string
		to     string
		amount string
		asset  string
		setup  func(*fakeLedger)
		want   Reason
	}{
		{"unsupported asset", buyer, "1", "DOGE", nil, ReasonUnsupportedAsset},
		{"bad recipient", "0x1234", "1", "USDT", nil, ReasonInvalidRequest},
		{"bad amount", buyer, "abc", "USDT", nil, ReasonInvalidRequest},
		{"zero amount", buyer, "0", "USDT", nil, ReasonInvalidRequest},
		{"token balance", buyer, "1000.000001", "USDT", nil, ReasonInsufficientBalance},
		{"gas balance", buyer, "1", "USDT", func(l *fakeLedger) { l.native = big.NewInt(1) }, ReasonInsufficientGas},
		{"ledger down", buyer, "1", "USDT", func(l *fakeLedger) { l.balanceErr = errors.New("rpc down") }, ReasonLedgerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLedger()
			if tt.setup != nil {
				tt.setup(l)
			}
			_, err := newTestExecutor(l).Transfer(context.Background(), tt.to, tt.amount, tt.asset)
			f := requireFailure(t, err, tt.want)
			assert.Empty(t, f.TxHash)
			assert.False(t, f.Broadcast())
			assert.Empty(t, l.submitted, "nothing broadcast on preflight failure")
		})
	}
}

func TestTransfer_PreflightReadsRetried(t *testing.T) {
	l := newFakeLedger()
	l.balanceErr = errors.New("rpc down")
	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	requireFailure(t, err, ReasonLedgerUnavailable)
	assert.Equal(t, 2, l.balanceCalls)
}

func TestTransfer_SigningFailed(t *testing.T) {
	l := newFakeLedger()
	l.buildErr = errors.New("key unavailable")
	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	f := requireFailure(t, err, ReasonSubmitFailed)
	assert.Empty(t, f.TxHash)
	assert.False(t, f.Broadcast())
	assert.Empty(t, l.submitted)
}

func TestTransfer_SendErrorKeepsSignedHash(t *testing.T) {
	l := newFakeLedger()
	l.submitErr = errors.New("nonce too low")
	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	f := requireFailure(t, err, ReasonSubmitUnknown)
	require.Len(t, l.built, 1, "submission is not retried")
	assert.Equal(t, l.built[0].Hash().Hex(), f.TxHash)
	assert.True(t, f.Broadcast())
}

func TestTransfer_AmbiguousSendIsNotRepeatable(t *testing.T) {
	l := newFakeLedger()
	l.submitErr = context.DeadlineExceeded
	l.acceptOnErr = true

	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	f := requireFailure(t, err, ReasonSubmitUnknown)
	require.Len(t, l.submitted, 1, "the node took the tx despite the error")
	assert.Equal(t, l.submitted[0], f.TxHash)
	assert.Equal(t, "https://bscscan.com/tx/"+f.TxHash, f.ExplorerLink)
	assert.True(t, f.Broadcast(), "caller must reconcile before any second payout")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransfer_Reverted(t *testing.T) {
	l := newFakeLedger()
	l.reverted = true
	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	f := requireFailure(t, err, ReasonReverted)
	assert.NotEmpty(t, f.TxHash)
	assert.False(t, f.Broadcast())
}

func TestTransfer_Unconfirmed(t *testing.T) {
	l := newFakeLedger()
	l.awaitErr = chain.ErrTimeout
	_, err := newTestExecutor(l).Transfer(context.Background(), buyer, "1", "USDT")
	f := requireFailure(t, err, ReasonUnconfirmed)
	require.Len(t, l.submitted, 1)
	assert.Equal(t, l.submitted[0], f.TxHash)
	assert.Equal(t, "https://bscscan.com/tx/"+f.TxHash, f.ExplorerLink)
	assert.True(t, f.Broadcast())
	assert.ErrorIs(t, err, chain.ErrTimeout)
}

func TestTransfer_ConcurrentNoncesDistinct(t *testing.T) {
	l := newFakeLedger()
	e := newTestExecutor(l)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Transfer(context.Background(), buyer, "1", "USDT")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range l.built {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 5)
}

func TestBalances(t *testing.T) {
	l := newFakeLedger()
	b, err := newTestExecutor(l).Balances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, custodial.Hex(), b.Address)
	assert.Equal(t, "0.01", b.Native)
	assert.Equal(t, map[string]string{"USDT": "1000"}, b.Tokens)
}

func TestCheckReceipt(t *testing.T) {
	l := newFakeLedger()
	l.receipts["0xok"] = &chain.Receipt{TxHash: "0xok", Succeeded: true}
	l.receipts["0xbad"] = &chain.Receipt{TxHash: "0xbad"}
	e := newTestExecutor(l)
	ctx := context.Background()

	st, err := e.CheckReceipt(ctx, "0xok")
	require.NoError(t, err)
	assert.Equal(t, ReceiptSucceeded, st)

	st, err = e.CheckReceipt(ctx, "0xbad")
	require.NoError(t, err)
	assert.Equal(t, ReceiptReverted, st)

	st, err = e.CheckReceipt(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Equal(t, ReceiptPending, st)

	l.receiptErr = errors.New("rpc down")
	_, err = e.CheckReceipt(ctx, "0xok")
	assert.Error(t, err)
}
