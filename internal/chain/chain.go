// Package chain is the service's only view of the blockchain: it reads
// ERC-20 transfer events, receipts, balances and token metadata, and it
// builds, signs and submits token transfers from the custodial wallet.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrReceiptNotFound   = errors.New("chain: receipt not found")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrUnexpectedOutput  = errors.New("chain: unexpected contract output")
)

// CallError wraps an RPC failure with the operation that produced it.
type CallError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient is the subset of *ethclient.Client the package uses.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Token       Token
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// Receipt is the part of a transaction receipt the service cares about.
type Receipt struct {
	TxHash      string
	Succeeded   bool
	BlockNumber uint64
	GasUsed     uint64
}

// ReadPort is the read side of the ledger.
type ReadPort interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, token Token, fromBlock, toBlock uint64, recipient common.Address) ([]TransferEvent, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockTimestamp(ctx context.Context, height uint64) (time.Time, error)
	TokenDecimals(ctx context.Context, token Token) (uint8, error)
	TokenSymbol(ctx context.Context, token Token) (string, error)
	BalanceOf(ctx context.Context, token Token, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// WritePort is the signing and submission side of the ledger.
type WritePort interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	BuildSignedTransfer(ctx context.Context, token Token, to common.Address, units *big.Int, nonce uint64, gasPrice *big.Int) (*types.Transaction, error)
	Submit(ctx context.Context, tx *types.Transaction) (string, error)
	AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
}
