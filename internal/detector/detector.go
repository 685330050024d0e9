// Package detector reconciles on-chain token transfers into the custodial
// wallet against the deposits the coordinator is waiting for.
//
// The detector never touches deal state. Each Poll scans the blocks after
// the cursor, matches transfers against registered watches and returns a
// PaymentConfirmed for every transfer that matched and reached the required
// confirmation depth. A transaction hash produces at most one event, ever.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/middleman/internal/chain"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/traces"
)

var (
	ErrInvalidWatch      = errors.New("detector: invalid watch")
	ErrLedgerUnavailable = errors.New("detector: ledger unavailable")
)

const (
	DefaultConfirmations = 15
	DefaultLookback      = 100
	DefaultMaxBlockRange = 5000

	// observed amounts may differ from the expected one by at most 1/1000
	toleranceDivisor = 1000
)

// Ledger is the read port the detector needs.
type Ledger interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, token chain.Token, fromBlock, toBlock uint64, recipient common.Address) ([]chain.TransferEvent, error)
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	BlockTimestamp(ctx context.Context, height uint64) (time.Time, error)
	TokenDecimals(ctx context.Context, token chain.Token) (uint8, error)
	TokenSymbol(ctx context.Context, token chain.Token) (string, error)
}

// Config tunes the detector. Zero values take the package defaults.
type Config struct {
	Custodial     common.Address
	Confirmations uint64
	Lookback      uint64
	MaxBlockRange uint64
}

// WatchEntry describes one expected deposit.
type WatchEntry struct {
	DealID    string
	Asset     string
	Amount    string // decimal, in whole tokens
	Sender    string
	Recipient string // defaults to the custodial address
}

// PaymentConfirmed is emitted once per credited transaction.
type PaymentConfirmed struct {
	DealID         string    `json:"dealId"`
	TxHash         string    `json:"txHash"`
	From           string    `json:"from"`
	Amount         string    `json:"amount"`
	Asset          string    `json:"asset"`
	Confirmations  uint64    `json:"confirmations"`
	BlockNumber    uint64    `json:"blockNumber"`
	BlockTimestamp time.Time `json:"blockTimestamp"`
}

type pendingTransfer struct {
	block  uint64
	dealID string
}

type scanKey struct {
	asset     string
	recipient common.Address
}

// Detector is safe for concurrent use. Poll itself must not run
// concurrently with another Poll; the coordinator guarantees that.
type Detector struct {
	ledger    Ledger
	tokens    *chain.Registry
	cfg       Config
	processed ProcessedSet
	cursors   CursorStore
	logger    *slog.Logger

	mu           sync.Mutex
	watches      map[string]WatchEntry
	pending      map[string]pendingTransfer // tx hash -> matched but not yet credited
	cursor       uint64
	cursorSet    bool
	cursorLoaded bool
}

// New creates a detector with in-memory processed set and cursor.
func New(ledger Ledger, tokens *chain.Registry, cfg Config, logger *slog.Logger) *Detector {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = DefaultConfirmations
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	return &Detector{
		ledger:    ledger,
		tokens:    tokens,
		cfg:       cfg,
		processed: NewMemoryProcessedSet(),
		cursors:   NewMemoryCursorStore(),
		logger:    logging.OrDefault(logger),
		watches:   make(map[string]WatchEntry),
		pending:   make(map[string]pendingTransfer),
	}
}

// WithProcessedSet replaces the processed-transaction set.
func (d *Detector) WithProcessedSet(p ProcessedSet) *Detector {
	d.processed = p
	return d
}

// WithCursorStore replaces the cursor store.
func (d *Detector) WithCursorStore(c CursorStore) *Detector {
	d.cursors = c
	return d
}

// Watch registers an expected deposit. Re-registering a deal replaces its
// entry. The first watch ever registered (with no persisted cursor) starts
// the cursor Lookback blocks below the current height.
func (d *Detector) Watch(ctx context.Context, w WatchEntry) error {
	if err := d.normalize(&w); err != nil {
		return err
	}
	if err := d.ensureCursor(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.watches[w.DealID] = w
	watchesActive.Set(float64(len(d.watches)))
	d.mu.Unlock()

	d.logger.Info("watching for deposit",
		"dealId", w.DealID, "asset", w.Asset, "amount", w.Amount, "sender", w.Sender)
	return nil
}

func (d *Detector) normalize(w *WatchEntry) error {
	if w.DealID == "" {
		return fmt.Errorf("%w: deal id required", ErrInvalidWatch)
	}
	tok, ok := d.tokens.Lookup(w.Asset)
	if !ok {
		return fmt.Errorf("%w: unsupported asset %q", ErrInvalidWatch, w.Asset)
	}
	w.Asset = tok.Symbol
	if !common.IsHexAddress(w.Sender) {
		return fmt.Errorf("%w: sender %q", ErrInvalidWatch, w.Sender)
	}
	if w.Recipient == "" {
		w.Recipient = d.cfg.Custodial.Hex()
	} else if !common.IsHexAddress(w.Recipient) {
		return fmt.Errorf("%w: recipient %q", ErrInvalidWatch, w.Recipient)
	}
	amt, err := chain.ParseUnits(w.Amount, 18)
	if err != nil || amt.Sign() <= 0 {
		return fmt.Errorf("%w: amount %q", ErrInvalidWatch, w.Amount)
	}
	return nil
}

// Unwatch removes a deal's watch. Unknown ids are ignored.
func (d *Detector) Unwatch(dealID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watches[dealID]; !ok {
		return
	}
	delete(d.watches, dealID)
	for hash, p := range d.pending {
		if p.dealID == dealID {
			delete(d.pending, hash)
		}
	}
	watchesActive.Set(float64(len(d.watches)))
	pendingTransfers.Set(float64(len(d.pending)))
	d.logger.Info("stopped watching", "dealId", dealID)
}

// Watching reports whether dealID has an active watch.
func (d *Detector) Watching(dealID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.watches[dealID]
	return ok
}

// WatchCount returns the number of active watches.
func (d *Detector) WatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watches)
}

// Cursor returns the last fully scanned height, if initialized.
func (d *Detector) Cursor() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor, d.cursorSet
}

// loadCursorLocked reads a persisted cursor once. Caller holds d.mu.
func (d *Detector) loadCursorLocked(ctx context.Context) error {
	if d.cursorLoaded {
		return nil
	}
	h, ok, err := d.cursors.Load(ctx)
	if err != nil {
		return fmt.Errorf("detector: load cursor: %w", err)
	}
	d.cursorLoaded = true
	if ok {
		d.cursor, d.cursorSet = h, true
		cursorHeight.Set(float64(h))
	}
	return nil
}

func (d *Detector) ensureCursor(ctx context.Context) error {
	d.mu.Lock()
	if err := d.loadCursorLocked(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	set := d.cursorSet
	d.mu.Unlock()
	if set {
		return nil
	}

	height, err := d.ledger.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: current height: %v", ErrLedgerUnavailable, err)
	}
	start := uint64(0)
	if height > d.cfg.Lookback {
		start = height - d.cfg.Lookback
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursorSet {
		return nil
	}
	if err := d.cursors.Save(ctx, start); err != nil {
		return fmt.Errorf("detector: save cursor: %w", err)
	}
	d.cursor, d.cursorSet = start, true
	cursorHeight.Set(float64(start))
	d.logger.Info("scan cursor initialized", "height", start, "head", height)
	return nil
}

type scanPlan struct {
	from, to uint64
	watches  map[scanKey][]WatchEntry
}

// plan snapshots the watches and picks the block range for this cycle.
func (d *Detector) plan(ctx context.Context, height uint64) (*scanPlan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.loadCursorLocked(ctx); err != nil {
		return nil, err
	}
	if !d.cursorSet || d.cursor >= height {
		return nil, nil
	}

	p := &scanPlan{
		from:    d.cursor + 1,
		to:      height,
		watches: make(map[scanKey][]WatchEntry),
	}
	if d.cfg.MaxBlockRange > 0 && height-d.cursor > d.cfg.MaxBlockRange {
		p.to = d.cursor + d.cfg.MaxBlockRange
	}
	for _, w := range d.watches {
		k := scanKey{asset: w.Asset, recipient: common.HexToAddress(w.Recipient)}
		p.watches[k] = append(p.watches[k], w)
	}
	for k := range p.watches {
		ws := p.watches[k]
		sort.Slice(ws, func(i, j int) bool { return ws[i].DealID < ws[j].DealID })
	}
	for _, pt := range d.pending {
		if _, ok := d.watches[pt.dealID]; ok && pt.block < p.from {
			p.from = pt.block
		}
	}
	return p, nil
}

// Poll runs one detection cycle. On a ledger read failure it returns the
// events already confirmed in this cycle together with the error, and the
// cursor stays where it was.
func (d *Detector) Poll(ctx context.Context) ([]PaymentConfirmed, error) {
	ctx, span := traces.StartSpan(ctx, "detector.Poll")
	defer span.End()
	start := time.Now()
	pollsTotal.Inc()
	defer func() { pollDuration.Observe(time.Since(start).Seconds()) }()

	height, err := d.ledger.CurrentHeight(ctx)
	if err != nil {
		return nil, d.abort(span, fmt.Errorf("%w: current height: %v", ErrLedgerUnavailable, err))
	}

	p, err := d.plan(ctx, height)
	if err != nil {
		return nil, d.abort(span, err)
	}
	if p == nil {
		return nil, nil
	}
	if len(p.watches) == 0 {
		d.advance(ctx, height)
		return nil, nil
	}
	span.SetAttributes(traces.BlockRange(p.from, p.to)...)

	keys := make([]scanKey, 0, len(p.watches))
	for k := range p.watches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].asset != keys[j].asset {
			return keys[i].asset < keys[j].asset
		}
		return keys[i].recipient.Hex() < keys[j].recipient.Hex()
	})

	var events []PaymentConfirmed
	for _, k := range keys {
		token, _ := d.tokens.Lookup(k.asset)
		transfers, err := d.ledger.TransferLogs(ctx, token, p.from, p.to, k.recipient)
		if err != nil {
			return events, d.abort(span, fmt.Errorf("%w: transfer logs %s: %v", ErrLedgerUnavailable, k.asset, err))
		}
		sort.SliceStable(transfers, func(i, j int) bool {
			if transfers[i].BlockNumber != transfers[j].BlockNumber {
				return transfers[i].BlockNumber < transfers[j].BlockNumber
			}
			return transfers[i].LogIndex < transfers[j].LogIndex
		})

		for _, tr := range transfers {
			ev, err := d.evaluate(ctx, height, tr, p.watches[k])
			if err != nil {
				return events, d.abort(span, err)
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}

	d.advance(ctx, p.to)
	return events, nil
}

func (d *Detector) abort(span trace.Span, err error) error {
	pollErrors.Inc()
	traces.RecordError(span, err)
	d.logger.Warn("detection cycle aborted", "error", err)
	return err
}

// evaluate matches one transfer against the candidate watches. Only a
// processed-set failure is returned as an error; per-deal problems are
// logged and the transfer is parked for the next cycle.
func (d *Detector) evaluate(ctx context.Context, height uint64, tr chain.TransferEvent, candidates []WatchEntry) (*PaymentConfirmed, error) {
	done, err := d.processed.Has(ctx, tr.TxHash)
	if err != nil {
		return nil, fmt.Errorf("detector: processed set lookup: %w", err)
	}
	if done {
		return nil, nil
	}

	for _, w := range candidates {
		if !d.Watching(w.DealID) {
			continue
		}
		decimals, ok, err := d.safeMatch(ctx, tr, w)
		if err != nil {
			matchErrors.Inc()
			d.logger.Warn("matching transfer failed", "dealId", w.DealID, "tx", tr.TxHash, "error", err)
			d.park(tr, w.DealID)
			continue
		}
		if !ok {
			continue
		}

		confirmations := uint64(0)
		if height > tr.BlockNumber {
			confirmations = height - tr.BlockNumber
		}
		if confirmations < d.cfg.Confirmations {
			d.park(tr, w.DealID)
			d.logger.Debug("deposit awaiting confirmations",
				"dealId", w.DealID, "tx", tr.TxHash,
				"confirmations", confirmations, "required", d.cfg.Confirmations)
			return nil, nil
		}

		ts, err := d.ledger.BlockTimestamp(ctx, tr.BlockNumber)
		if err != nil {
			matchErrors.Inc()
			d.logger.Warn("block timestamp lookup failed", "dealId", w.DealID, "tx", tr.TxHash, "error", err)
			d.park(tr, w.DealID)
			return nil, nil
		}

		if err := d.processed.Add(ctx, tr.TxHash, w.DealID); err != nil {
			return nil, fmt.Errorf("detector: record processed tx: %w", err)
		}
		d.unpark(tr.TxHash)
		paymentsConfirmed.Inc()

		ev := &PaymentConfirmed{
			DealID:         w.DealID,
			TxHash:         tr.TxHash,
			From:           tr.From.Hex(),
			Amount:         chain.FormatUnits(tr.Value, decimals),
			Asset:          w.Asset,
			Confirmations:  confirmations,
			BlockNumber:    tr.BlockNumber,
			BlockTimestamp: ts,
		}
		d.logger.Info("payment confirmed",
			"dealId", ev.DealID, "tx", ev.TxHash, "amount", ev.Amount, "asset", ev.Asset,
			"confirmations", ev.Confirmations)
		return ev, nil
	}
	return nil, nil
}

func (d *Detector) safeMatch(ctx context.Context, tr chain.TransferEvent, w WatchEntry) (decimals uint8, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector: panic while matching: %v", r)
		}
	}()
	return d.match(ctx, tr, w)
}

// match applies the checks in order, stopping at the first that fails:
// recipient, sender, amount tolerance, token symbol, receipt status.
func (d *Detector) match(ctx context.Context, tr chain.TransferEvent, w WatchEntry) (uint8, bool, error) {
	if !strings.EqualFold(tr.To.Hex(), w.Recipient) {
		return 0, false, nil
	}
	if !strings.EqualFold(tr.From.Hex(), w.Sender) {
		return 0, false, nil
	}

	decimals, err := d.ledger.TokenDecimals(ctx, tr.Token)
	if err != nil {
		return 0, false, fmt.Errorf("token decimals: %w", err)
	}
	expected, err := chain.ParseUnits(w.Amount, decimals)
	if err != nil {
		return 0, false, err
	}
	if !WithinTolerance(tr.Value, expected) {
		return 0, false, nil
	}

	symbol, err := d.ledger.TokenSymbol(ctx, tr.Token)
	if err != nil {
		return 0, false, fmt.Errorf("token symbol: %w", err)
	}
	if !strings.EqualFold(symbol, w.Asset) {
		return 0, false, nil
	}

	receipt, err := d.ledger.Receipt(ctx, tr.TxHash)
	if err != nil {
		return 0, false, fmt.Errorf("receipt: %w", err)
	}
	if !receipt.Succeeded {
		return 0, false, nil
	}
	return decimals, true, nil
}

func (d *Detector) park(tr chain.TransferEvent, dealID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watches[dealID]; !ok {
		return
	}
	d.pending[strings.ToLower(tr.TxHash)] = pendingTransfer{block: tr.BlockNumber, dealID: dealID}
	pendingTransfers.Set(float64(len(d.pending)))
}

func (d *Detector) unpark(txHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, strings.ToLower(txHash))
	pendingTransfers.Set(float64(len(d.pending)))
}

// Pending returns the number of matched transfers awaiting confirmation.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// advance moves the cursor forward to height and persists it. A failed
// save is logged; the in-memory cursor still advances.
func (d *Detector) advance(ctx context.Context, height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursorSet && height <= d.cursor {
		return
	}
	d.cursor, d.cursorSet = height, true
	cursorHeight.Set(float64(height))
	if err := d.cursors.Save(ctx, height); err != nil {
		d.logger.Error("failed to persist scan cursor", "height", height, "error", err)
	}
}

// WithinTolerance reports whether observed is within 0.1% of expected.
func WithinTolerance(observed, expected *big.Int) bool {
	if observed == nil || expected == nil {
		return false
	}
	if expected.Sign() <= 0 {
		return observed.Cmp(expected) == 0
	}
	diff := new(big.Int).Sub(observed, expected)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(toleranceDivisor))
	return diff.Cmp(expected) <= 0
}
