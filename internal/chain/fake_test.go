package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeEth struct {
	mu sync.Mutex

	height   uint64
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	headers  map[uint64]*types.Header
	outputs  map[string][]byte // abi method name -> encoded output
	native   *big.Int
	nonce    uint64
	gasPrice *big.Int
	estimate uint64
	sendErr  error
	filterEr error

	calls   map[string]int
	sent    []*types.Transaction
	lastQry ethereum.FilterQuery
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		receipts: make(map[common.Hash]*types.Receipt),
		headers:  make(map[uint64]*types.Header),
		outputs:  make(map[string][]byte),
		native:   big.NewInt(0),
		gasPrice: big.NewInt(3_000_000_000),
		calls:    make(map[string]int),
	}
}

func (f *fakeEth) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeEth) BlockNumber(context.Context) (uint64, error) {
	f.count("BlockNumber")
	return f.height, nil
}

func (f *fakeEth) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	h, ok := f.headers[n.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (f *fakeEth) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.lastQry = q
	if f.filterEr != nil {
		return nil, f.filterEr
	}
	return f.logs, nil
}

func (f *fakeEth) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEth) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for name, m := range testABI.Methods {
		if len(call.Data) >= 4 && string(call.Data[:4]) == string(m.ID) {
			f.count(name)
			out, ok := f.outputs[name]
			if !ok {
				return nil, errors.New("execution reverted")
			}
			return out, nil
		}
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeEth) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimate == 0 {
		return 0, errors.New("estimation failed")
	}
	return f.estimate, nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeEth) Close() {}

func (f *fakeEth) setReceipt(hash string, status uint64, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[common.HexToHash(hash)] = &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(block),
		GasUsed:     52000,
	}
}

var testABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return a
}()

func packOutput(t *testing.T, method string, v ...interface{}) []byte {
	t.Helper()
	out, err := testABI.Methods[method].Outputs.Pack(v...)
	require.NoError(t, err)
	return out
}

func newTestClient(t *testing.T, eth *fakeEth, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithEthClient(eth)}, opts...)
	c, err := New(Config{
		RPCURL:     "http://localhost:8545",
		PrivateKey: testKey,
		ChainID:    56,
	}, opts...)
	require.NoError(t, err)
	return c
}

func transferLog(token, from, to common.Address, value *big.Int, block uint64, tx string) types.Log {
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	}
}
