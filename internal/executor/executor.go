// Package executor moves funds out of the custodial wallet: the payout leg
// of a release or refund. Every transfer is preflighted (asset, recipient,
// token balance, gas balance), priced with a capped live gas price, signed
// and submitted once, then awaited for a bounded time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/middleman/internal/chain"
	"github.com/mbd888/middleman/internal/retry"
	"github.com/mbd888/middleman/internal/traces"
)

// NativeDecimals is the precision of the chain's gas coin.
const NativeDecimals = 18

const (
	DefaultConfirmTimeout = 120 * time.Second
	DefaultMaxGasGwei     = 10
)

// Reason classifies a failed transfer.
type Reason string

const (
	ReasonUnsupportedAsset    Reason = "unsupported_asset"
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonInsufficientGas     Reason = "insufficient_gas"
	ReasonLedgerUnavailable   Reason = "ledger_unavailable"
	ReasonSubmitFailed        Reason = "submit_failed"
	ReasonSubmitUnknown       Reason = "submit_unknown"
	ReasonReverted            Reason = "reverted"
	ReasonUnconfirmed         Reason = "unconfirmed"
)

// Failure is the error returned by Transfer. TxHash is set once a signed
// transaction has been broadcast.
type Failure struct {
	Reason       Reason
	TxHash       string
	ExplorerLink string
	Err          error
}

func (f *Failure) Error() string {
	msg := "executor: transfer failed: " + string(f.Reason)
	if f.TxHash != "" {
		msg += " (tx: " + f.TxHash + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Broadcast reports whether a transaction may have reached the network,
// in which case the payout must not be attempted again without checking.
func (f *Failure) Broadcast() bool {
	return f.TxHash != "" && f.Reason != ReasonReverted
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Result describes a confirmed transfer.
type Result struct {
	TxHash          string   `json:"txHash"`
	To              string   `json:"to"`
	Asset           string   `json:"asset"`
	ConfirmedAmount string   `json:"confirmedAmount"`
	Units           *big.Int `json:"-"`
	BlockNumber     uint64   `json:"blockNumber"`
	GasUsed         uint64   `json:"gasUsed"`
	ExplorerLink    string   `json:"explorerLink"`
}

// Ledger is what the executor needs from the chain client.
type Ledger interface {
	Address() common.Address
	ExplorerTxURL(txHash string) string
	TokenDecimals(ctx context.Context, token chain.Token) (uint8, error)
	BalanceOf(ctx context.Context, token chain.Token, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	BuildSignedTransfer(ctx context.Context, token chain.Token, to common.Address, units *big.Int, nonce uint64, gasPrice *big.Int) (*types.Transaction, error)
	Submit(ctx context.Context, tx *types.Transaction) (string, error)
	AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error)
}

var _ Ledger = (*chain.Client)(nil)

// Config bounds what a transfer may cost and how long it is awaited.
type Config struct {
	MaxGasPrice    *big.Int // wei; nil means DefaultMaxGasGwei
	MinGasBalance  *big.Int // wei of native coin required before a transfer
	ConfirmTimeout time.Duration
	Retry          retry.Policy
}

// Executor submits payouts from the custodial wallet.
type Executor struct {
	ledger Ledger
	tokens *chain.Registry
	cfg    Config
	logger *slog.Logger

	// held from nonce read through submission so concurrent payouts never
	// reuse a nonce
	submitMu sync.Mutex
}

// GweiToWei converts a whole gwei amount to wei.
func GweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
}

func New(ledger Ledger, tokens *chain.Registry, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxGasPrice == nil || cfg.MaxGasPrice.Sign() <= 0 {
		cfg.MaxGasPrice = GweiToWei(DefaultMaxGasGwei)
	}
	if cfg.MinGasBalance == nil {
		cfg.MinGasBalance = new(big.Int)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ledger: ledger, tokens: tokens, cfg: cfg, logger: logger}
}

// Transfer sends amount (a decimal string) of asset to the given address.
// The error, when non-nil, is always a *Failure.
func (e *Executor) Transfer(ctx context.Context, to, amount, asset string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "executor.Transfer",
		traces.Asset(asset), traces.Amount(amount))
	defer span.End()

	start := time.Now()
	res, err := e.transfer(ctx, to, amount, asset)
	transferDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		f, _ := AsFailure(err)
		transfersTotal.WithLabelValues(string(f.Reason)).Inc()
		traces.RecordError(span, err)
		e.logger.Warn("transfer failed",
			"asset", asset, "amount", amount, "to", to,
			"reason", f.Reason, "tx", f.TxHash, "error", f.Err)
		return nil, err
	}
	transfersTotal.WithLabelValues("success").Inc()
	span.SetAttributes(traces.TxHash(res.TxHash))
	e.logger.Info("transfer confirmed",
		"asset", asset, "amount", res.ConfirmedAmount, "to", res.To,
		"tx", res.TxHash, "block", res.BlockNumber)
	return res, nil
}

func (e *Executor) transfer(ctx context.Context, to, amount, asset string) (*Result, error) {
	token, ok := e.tokens.Lookup(asset)
	if !ok {
		return nil, &Failure{Reason: ReasonUnsupportedAsset, Err: fmt.Errorf("asset %q", asset)}
	}
	to = strings.TrimSpace(to)
	if !common.IsHexAddress(to) {
		return nil, &Failure{Reason: ReasonInvalidRequest, Err: fmt.Errorf("recipient %q", to)}
	}
	recipient := common.HexToAddress(to)
	custodial := e.ledger.Address()

	decimals, err := retry.Value(ctx, e.cfg.Retry, func() (uint8, error) {
		return e.ledger.TokenDecimals(ctx, token)
	})
	if err != nil {
		return nil, &Failure{Reason: ReasonLedgerUnavailable, Err: err}
	}
	units, err := chain.ParseUnits(amount, decimals)
	if err != nil {
		return nil, &Failure{Reason: ReasonInvalidRequest, Err: err}
	}
	if units.Sign() <= 0 {
		return nil, &Failure{Reason: ReasonInvalidRequest, Err: fmt.Errorf("amount %q", amount)}
	}

	balance, err := retry.Value(ctx, e.cfg.Retry, func() (*big.Int, error) {
		return e.ledger.BalanceOf(ctx, token, custodial)
	})
	if err != nil {
		return nil, &Failure{Reason: ReasonLedgerUnavailable, Err: err}
	}
	if balance.Cmp(units) < 0 {
		return nil, &Failure{Reason: ReasonInsufficientBalance, Err: fmt.Errorf(
			"have %s %s, need %s", chain.FormatUnits(balance, decimals), token.Symbol, chain.FormatUnits(units, decimals))}
	}

	native, err := retry.Value(ctx, e.cfg.Retry, func() (*big.Int, error) {
		return e.ledger.NativeBalance(ctx, custodial)
	})
	if err != nil {
		return nil, &Failure{Reason: ReasonLedgerUnavailable, Err: err}
	}
	if native.Cmp(e.cfg.MinGasBalance) < 0 {
		return nil, &Failure{Reason: ReasonInsufficientGas, Err: fmt.Errorf(
			"have %s, need %s", chain.FormatUnits(native, NativeDecimals), chain.FormatUnits(e.cfg.MinGasBalance, NativeDecimals))}
	}

	gasPrice, err := retry.Value(ctx, e.cfg.Retry, func() (*big.Int, error) {
		return e.ledger.GasPrice(ctx)
	})
	if err != nil {
		return nil, &Failure{Reason: ReasonLedgerUnavailable, Err: err}
	}
	gasPrice = e.capGasPrice(gasPrice)

	txHash, err := e.submit(ctx, token, recipient, units, custodial, gasPrice)
	if err != nil {
		return nil, err
	}

	receipt, err := e.ledger.AwaitReceipt(ctx, txHash, e.cfg.ConfirmTimeout)
	if err != nil {
		return nil, &Failure{
			Reason:       ReasonUnconfirmed,
			TxHash:       txHash,
			ExplorerLink: e.ledger.ExplorerTxURL(txHash),
			Err:          err,
		}
	}
	if !receipt.Succeeded {
		return nil, &Failure{
			Reason:       ReasonReverted,
			TxHash:       txHash,
			ExplorerLink: e.ledger.ExplorerTxURL(txHash),
			Err:          errors.New("transaction reverted"),
		}
	}

	return &Result{
		TxHash:          txHash,
		To:              recipient.Hex(),
		Asset:           token.Symbol,
		ConfirmedAmount: chain.FormatUnits(units, decimals),
		Units:           units,
		BlockNumber:     receipt.BlockNumber,
		GasUsed:         receipt.GasUsed,
		ExplorerLink:    e.ledger.ExplorerTxURL(txHash),
	}, nil
}

// submit reads the nonce, signs and broadcasts under submitMu. Nothing in
// here is retried. A send error leaves the outcome unknown: the node may
// hold the signed tx, so the failure carries its hash and counts as
// broadcast.
func (e *Executor) submit(ctx context.Context, token chain.Token, to common.Address, units *big.Int, from common.Address, gasPrice *big.Int) (string, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	nonce, err := e.ledger.Nonce(ctx, from)
	if err != nil {
		return "", &Failure{Reason: ReasonLedgerUnavailable, Err: err}
	}
	tx, err := e.ledger.BuildSignedTransfer(ctx, token, to, units, nonce, gasPrice)
	if err != nil {
		return "", &Failure{Reason: ReasonSubmitFailed, Err: err}
	}
	signed := tx.Hash().Hex()
	hash, err := e.ledger.Submit(ctx, tx)
	if err != nil {
		return "", &Failure{
			Reason:       ReasonSubmitUnknown,
			TxHash:       signed,
			ExplorerLink: e.ledger.ExplorerTxURL(signed),
			Err:          err,
		}
	}
	e.logger.Info("transfer submitted", "tx", hash, "nonce", nonce, "gasPrice", gasPrice.String())
	return hash, nil
}

func (e *Executor) capGasPrice(p *big.Int) *big.Int {
	gasPriceGwei.Set(weiToGwei(p))
	if p.Cmp(e.cfg.MaxGasPrice) > 0 {
		e.logger.Info("gas price capped", "suggested", p.String(), "max", e.cfg.MaxGasPrice.String())
		return new(big.Int).Set(e.cfg.MaxGasPrice)
	}
	return p
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

// WalletBalances is a snapshot of the custodial wallet.
type WalletBalances struct {
	Address string            `json:"address"`
	Native  string            `json:"native"`
	Tokens  map[string]string `json:"tokens"`
}

// Balances reads the custodial native balance and every supported token
// balance.
func (e *Executor) Balances(ctx context.Context) (*WalletBalances, error) {
	custodial := e.ledger.Address()
	native, err := retry.Value(ctx, e.cfg.Retry, func() (*big.Int, error) {
		return e.ledger.NativeBalance(ctx, custodial)
	})
	if err != nil {
		return nil, fmt.Errorf("executor: native balance: %w", err)
	}

	out := &WalletBalances{
		Address: custodial.Hex(),
		Native:  chain.FormatUnits(native, NativeDecimals),
		Tokens:  make(map[string]string),
	}
	for _, token := range e.tokens.Tokens() {
		decimals, err := retry.Value(ctx, e.cfg.Retry, func() (uint8, error) {
			return e.ledger.TokenDecimals(ctx, token)
		})
		if err != nil {
			return nil, fmt.Errorf("executor: %s decimals: %w", token.Symbol, err)
		}
		bal, err := retry.Value(ctx, e.cfg.Retry, func() (*big.Int, error) {
			return e.ledger.BalanceOf(ctx, token, custodial)
		})
		if err != nil {
			return nil, fmt.Errorf("executor: %s balance: %w", token.Symbol, err)
		}
		out.Tokens[token.Symbol] = chain.FormatUnits(bal, decimals)
	}
	return out, nil
}

// ReceiptStatus is the on-chain outcome of a previously broadcast transfer.
type ReceiptStatus string

const (
	ReceiptSucceeded ReceiptStatus = "succeeded"
	ReceiptReverted  ReceiptStatus = "reverted"
	ReceiptPending   ReceiptStatus = "pending"
)

// CheckReceipt looks up a broadcast transfer once. A transaction the node
// does not know as mined reports ReceiptPending.
func (e *Executor) CheckReceipt(ctx context.Context, txHash string) (ReceiptStatus, error) {
	r, err := retry.Value(ctx, e.cfg.Retry, func() (*chain.Receipt, error) {
		r, err := e.ledger.Receipt(ctx, txHash)
		if errors.Is(err, chain.ErrReceiptNotFound) {
			return nil, retry.Permanent(err)
		}
		return r, err
	})
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return ReceiptPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("executor: receipt %s: %w", txHash, err)
	}
	if r.Succeeded {
		return ReceiptSucceeded, nil
	}
	return ReceiptReverted, nil
}

// ExplorerLink returns the block explorer URL for txHash.
func (e *Executor) ExplorerLink(txHash string) string {
	return e.ledger.ExplorerTxURL(txHash)
}
