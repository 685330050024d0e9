package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// TransferEventSig is keccak256("Transfer(address,address,uint256)").
var TransferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	DefaultGasLimit            = uint64(100000)
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultExplorerURL         = "https://bscscan.com"
)

// Config for creating a Client.
type Config struct {
	RPCURL      string
	PrivateKey  string // hex, with or without 0x
	ChainID     int64
	ExplorerURL string
	GasLimit    uint64 // fallback when estimation fails
}

// Option configures the client.
type Option func(*Client)

// WithEthClient injects the RPC client, used by tests.
func WithEthClient(c EthClient) Option {
	return func(cl *Client) { cl.eth = c }
}

// WithReceiptPollInterval overrides how often AwaitReceipt polls.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.receiptPoll = d }
}

// Client implements ReadPort and WritePort over an EVM JSON-RPC node.
type Client struct {
	eth         EthClient
	key         *ecdsa.PrivateKey
	address     common.Address
	chainID     *big.Int
	explorer    string
	gasLimit    uint64
	receiptPoll time.Duration
	erc20       abi.ABI

	mu       sync.RWMutex
	decimals map[common.Address]uint8
	symbols  map[common.Address]string
}

var (
	_ ReadPort  = (*Client)(nil)
	_ WritePort = (*Client)(nil)
)

// New creates a Client. It dials cfg.RPCURL unless WithEthClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		key:         key,
		address:     crypto.PubkeyToAddress(*pub),
		chainID:     big.NewInt(cfg.ChainID),
		explorer:    strings.TrimRight(cfg.ExplorerURL, "/"),
		gasLimit:    cfg.GasLimit,
		receiptPoll: DefaultReceiptPollInterval,
		erc20:       parsed,
		decimals:    make(map[common.Address]uint8),
		symbols:     make(map[common.Address]string),
	}
	if c.explorer == "" {
		c.explorer = DefaultExplorerURL
	}
	if c.gasLimit == 0 {
		c.gasLimit = DefaultGasLimit
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return errors.New("chain: chain ID required")
	}
	return nil
}

// Address is the custodial address derived from the signing key.
func (c *Client) Address() common.Address { return c.address }

// ExplorerTxURL links a transaction hash to the block explorer.
func (c *Client) ExplorerTxURL(txHash string) string {
	return c.explorer + "/tx/" + txHash
}

// Close releases the RPC connection.
func (c *Client) Close() { c.eth.Close() }

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	h, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, &CallError{Op: "block_number", Err: err}
	}
	return h, nil
}

// TransferLogs returns Transfer events of token sent to recipient in the
// inclusive block range, ordered as the node returns them.
func (c *Client) TransferLogs(ctx context.Context, token Token, fromBlock, toBlock uint64, recipient common.Address) ([]TransferEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{token.Contract},
		Topics: [][]common.Hash{
			{TransferEventSig},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, &CallError{Op: "filter_logs", Err: err}
	}

	out := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		if ev, ok := decodeTransfer(l, token); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func decodeTransfer(l types.Log, token Token) (TransferEvent, bool) {
	if l.Removed || len(l.Topics) < 3 || l.Topics[0] != TransferEventSig {
		return TransferEvent{}, false
	}
	return TransferEvent{
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Token:       token,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(l.Data),
	}, true
}

// Receipt fetches a mined transaction's receipt. ErrReceiptNotFound means
// the node does not know the transaction as mined (yet).
func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
		}
		return nil, &CallError{Op: "receipt", TxHash: txHash, Err: err}
	}
	return toReceipt(txHash, r), nil
}

func toReceipt(txHash string, r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:    txHash,
		Succeeded: r.Status == types.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// BlockTimestamp returns the timestamp of the block at height.
func (c *Client) BlockTimestamp(ctx context.Context, height uint64) (time.Time, error) {
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return time.Time{}, &CallError{Op: "header", Err: err}
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil //nolint:gosec // block times fit in int64
}

// TokenDecimals reads decimals() once per contract and caches it.
func (c *Client) TokenDecimals(ctx context.Context, token Token) (uint8, error) {
	c.mu.RLock()
	d, ok := c.decimals[token.Contract]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	out, err := c.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok = out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals() returned %T", ErrUnexpectedOutput, out[0])
	}

	c.mu.Lock()
	c.decimals[token.Contract] = d
	c.mu.Unlock()
	return d, nil
}

// TokenSymbol reads symbol() once per contract and caches it.
func (c *Client) TokenSymbol(ctx context.Context, token Token) (string, error) {
	c.mu.RLock()
	s, ok := c.symbols[token.Contract]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	out, err := c.call(ctx, token, "symbol")
	if err != nil {
		return "", err
	}
	s, ok = out[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: symbol() returned %T", ErrUnexpectedOutput, out[0])
	}

	c.mu.Lock()
	c.symbols[token.Contract] = s
	c.mu.Unlock()
	return s, nil
}

// BalanceOf returns owner's token balance in base units.
func (c *Client) BalanceOf(ctx context.Context, token Token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf() returned %T", ErrUnexpectedOutput, out[0])
	}
	return bal, nil
}

// NativeBalance returns owner's balance of the chain's gas asset in wei.
func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, &CallError{Op: "native_balance", Err: err}
	}
	return bal, nil
}

func (c *Client) call(ctx context.Context, token Token, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token.Contract, Data: data}, nil)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	out, err := c.erc20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedOutput, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", ErrUnexpectedOutput, method)
	}
	return out, nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: "gas_price", Err: err}
	}
	return p, nil
}

// Nonce returns the next pending nonce for account.
func (c *Client) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, &CallError{Op: "nonce", Err: err}
	}
	return n, nil
}

// BuildSignedTransfer builds an ERC-20 transfer(to, units) from the custodial
// address and signs it. Gas is estimated, falling back to the configured limit.
func (c *Client) BuildSignedTransfer(ctx context.Context, token Token, to common.Address, units *big.Int, nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
	data, err := c.erc20.Pack("transfer", to, units)
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &token.Contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = c.gasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token.Contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &CallError{Op: "sign", Err: err}
	}
	return signed, nil
}

// Submit broadcasts a signed transaction and returns its hash.
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (string, error) {
	hash := tx.Hash().Hex()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", &CallError{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

// AwaitReceipt polls for the receipt until it appears or timeout elapses,
// returning ErrTimeout in the latter case. A reverted receipt is returned
// as-is; callers check Succeeded.
func (c *Client) AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			r, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet, or a transient node error
				continue
			}
			return toReceipt(txHash, r), nil
		}
	}
}
