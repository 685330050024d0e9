// Package coordinator runs the escrow engine. It owns the deal store, drives
// the payment detector and invokes the fund executor.
//
// Every command on a deal runs under that deal's lock: load a copy, apply a
// deal transition, persist. A payout is split in three steps so the lock is
// never held across a ledger round trip:
//  1. under the lock, validate and move the deal to completing/refunding
//  2. without the lock, run the transfer
//  3. under the lock, finish (completed/refunded) or fall back to funded
//
// completing/refunding can only be entered from funded, so a second
// confirmation racing the first fails validation and no deal is paid twice.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/detector"
	"github.com/mbd888/middleman/internal/executor"
	"github.com/mbd888/middleman/internal/idgen"
	"github.com/mbd888/middleman/internal/metrics"
	"github.com/mbd888/middleman/internal/retry"
	"github.com/mbd888/middleman/internal/rooms"
	"github.com/mbd888/middleman/internal/syncutil"
	"github.com/mbd888/middleman/internal/traces"
)

const (
	// DealIDPrefix starts every trade id.
	DealIDPrefix = "#P2PMMX"

	// DefaultIDDigits gives 90 million ids; closed deals keep theirs.
	DefaultIDDigits = 8
	minIDDigits     = 4
	maxIDRetries    = 20

	DefaultPollInterval = 15 * time.Second
)

var (
	ErrSettlementInFlight = errors.New("coordinator: a payout for this deal is in progress")
	ErrNoPendingTransfer  = errors.New("coordinator: deal has no transfer to reconcile")
	ErrIDSpaceExhausted   = errors.New("coordinator: could not allocate a free deal id")
)

// Detector is the payment detector as the coordinator uses it.
type Detector interface {
	Watch(ctx context.Context, w detector.WatchEntry) error
	Unwatch(dealID string)
	Poll(ctx context.Context) ([]detector.PaymentConfirmed, error)
	WatchCount() int
	Pending() int
	Cursor() (uint64, bool)
}

// Executor moves funds out of the custodial wallet.
type Executor interface {
	Transfer(ctx context.Context, to, amount, asset string) (*executor.Result, error)
	CheckReceipt(ctx context.Context, txHash string) (executor.ReceiptStatus, error)
	Balances(ctx context.Context) (*executor.WalletBalances, error)
	ExplorerLink(txHash string) string
}

// Authorizer decides who may refund.
type Authorizer interface {
	IsAuthorized(ctx context.Context, userID int64) (bool, error)
}

// RoomPool hands out deal rooms.
type RoomPool interface {
	Acquire(dealID string) (int64, error)
	Claim(roomID int64, dealID string) error
	Release(dealID string) bool
	Stats() rooms.Stats
}

var (
	_ Detector   = (*detector.Detector)(nil)
	_ Executor   = (*executor.Executor)(nil)
	_ RoomPool   = (*rooms.Pool)(nil)
	_ deal.Store = (*deal.MemoryStore)(nil)
)

// Config carries the policy knobs the coordinator applies.
type Config struct {
	Custodial    string // deposit address shown to sellers
	PollInterval time.Duration
	Fee          deal.FeePolicy
	IDDigits     int // numeric part of trade ids, 4 to 8
}

// Coordinator is the escrow engine.
type Coordinator struct {
	store    deal.Store
	detector Detector
	executor Executor
	auth     Authorizer
	rooms    RoomPool
	assets   deal.AssetSet
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	locks    syncutil.ShardedMutex
	inFlight sync.Map // dealID -> struct{} while a payout runs

	polling   atomic.Bool
	running   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	pollMu    sync.Mutex
	lastPoll  time.Time
	lastError string
}

func New(store deal.Store, det Detector, exec Executor, assets deal.AssetSet, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IDDigits < minIDDigits || cfg.IDDigits > DefaultIDDigits {
		cfg.IDDigits = DefaultIDDigits
	}
	return &Coordinator{
		store:    store,
		detector: det,
		executor: exec,
		assets:   assets,
		auth:     denyAll{},
		rooms:    rooms.NewPool(nil),
		notifier: NopNotifier{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithAuthorizer sets the refund authorization source. Without one every
// refund is refused.
func (c *Coordinator) WithAuthorizer(a Authorizer) *Coordinator {
	c.auth = a
	return c
}

// WithRooms replaces the default unbounded room pool.
func (c *Coordinator) WithRooms(p RoomPool) *Coordinator {
	c.rooms = p
	return c
}

// WithNotifier sets where domain events go.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithClock overrides time.Now.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

type denyAll struct{}

func (denyAll) IsAuthorized(context.Context, int64) (bool, error) { return false, nil }

// mutate loads a deal, applies fn and persists the result, all under the
// deal's lock. When fn fails nothing is written.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(d *deal.Deal) error) (*deal.Deal, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.mutateLocked(ctx, id, fn)
}

func (c *Coordinator) mutateLocked(ctx context.Context, id string, fn func(d *deal.Deal) error) (*deal.Deal, error) {
	d, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := d.Status
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := c.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("coordinator: persist deal %s: %w", id, err)
	}
	if d.Status != before {
		metrics.DealTransitionsTotal.WithLabelValues(string(d.Status)).Inc()
		c.logger.Info("deal transition", "dealId", id, "from", before, "to", d.Status)
	}
	return d, nil
}

// OpenDeal creates a deal for initiator and assigns it a room.
func (c *Coordinator) OpenDeal(ctx context.Context, initiator deal.Party, counterpartyHandle string) (*deal.Deal, error) {
	if initiator.ID == 0 {
		return nil, fmt.Errorf("%w: initiator id is required", deal.ErrNotMember)
	}
	for attempt := 0; attempt < maxIDRetries; attempt++ {
		d, err := c.tryOpen(ctx, idgen.Numeric(DealIDPrefix, c.cfg.IDDigits), initiator, counterpartyHandle)
		if errors.Is(err, deal.ErrDuplicateID) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.DealsOpenedTotal.Inc()
		metrics.DealTransitionsTotal.WithLabelValues(string(deal.StatusCreated)).Inc()
		c.logger.Info("deal opened", "dealId", d.ID, "room", d.RoomID, "initiator", initiator.ID)
		c.emit(ctx, EventDealOpened, d, d.Clone())
		return d, nil
	}
	return nil, ErrIDSpaceExhausted
}

// tryOpen creates a deal under id, holding the id's lock so a room held by
// an existing deal with the same id is never touched.
func (c *Coordinator) tryOpen(ctx context.Context, id string, initiator deal.Party, counterpartyHandle string) (*deal.Deal, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	_, err := c.store.Get(ctx, id)
	if err == nil {
		return nil, deal.ErrDuplicateID
	}
	if !errors.Is(err, deal.ErrDealNotFound) {
		return nil, fmt.Errorf("coordinator: create deal: %w", err)
	}

	room, err := c.rooms.Acquire(id)
	if err != nil {
		return nil, err
	}
	d := deal.New(id, room, initiator, counterpartyHandle, c.now())
	if err := c.store.Create(ctx, d); err != nil {
		c.rooms.Release(id)
		if errors.Is(err, deal.ErrDuplicateID) {
			return nil, err
		}
		return nil, fmt.Errorf("coordinator: create deal: %w", err)
	}
	return d, nil
}

// MemberJoined records a party entering the deal room.
func (c *Coordinator) MemberJoined(ctx context.Context, id string, m deal.Member) (*deal.Deal, error) {
	var assembled bool
	d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
		var err error
		assembled, err = d.Join(m, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if assembled {
		c.emit(ctx, EventSetupAdvanced, d, d.Clone())
	}
	return d, nil
}

// ClaimRole binds role to caller. The fee is fixed at this point.
func (c *Coordinator) ClaimRole(ctx context.Context, id string, caller int64, role deal.Role) (*deal.Deal, error) {
	return c.setup(ctx, id, func(d *deal.Deal) error {
		return d.ClaimRole(caller, role, c.cfg.Fee, c.now())
	})
}

func (c *Coordinator) SelectAsset(ctx context.Context, id string, caller int64, asset string) (*deal.Deal, error) {
	return c.setup(ctx, id, func(d *deal.Deal) error {
		return d.SelectAsset(caller, asset, c.assets, c.now())
	})
}

func (c *Coordinator) SubmitAmount(ctx context.Context, id string, caller int64, amount string) (*deal.Deal, error) {
	return c.setup(ctx, id, func(d *deal.Deal) error {
		return d.SubmitAmount(caller, amount, c.now())
	})
}

func (c *Coordinator) SubmitRate(ctx context.Context, id string, caller int64, rate string) (*deal.Deal, error) {
	return c.setup(ctx, id, func(d *deal.Deal) error {
		return d.SubmitRate(caller, rate, c.now())
	})
}

func (c *Coordinator) SubmitPaymentMethod(ctx context.Context, id string, caller int64, method string) (*deal.Deal, error) {
	return c.setup(ctx, id, func(d *deal.Deal) error {
		return d.SubmitPaymentMethod(caller, method, c.now())
	})
}

func (c *Coordinator) setup(ctx context.Context, id string, fn func(d *deal.Deal) error) (*deal.Deal, error) {
	var before deal.Deal
	d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
		before = *d
		return fn(d)
	})
	if err != nil {
		return nil, err
	}
	if d.UpdatedAt != before.UpdatedAt {
		c.emit(ctx, EventSetupAdvanced, d, d.Clone())
	}
	return d, nil
}

// SubmitAddress records a payout address. The seller's address completes
// setup: the deposit watch is registered before the deal is persisted as
// awaiting_payment, so a stored awaiting_payment deal always has a watch.
func (c *Coordinator) SubmitAddress(ctx context.Context, id string, caller int64, role deal.Role, addr string) (*deal.Deal, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	var complete bool
	d, err := c.mutateLocked(ctx, id, func(d *deal.Deal) error {
		var err error
		complete, err = d.SubmitAddress(caller, role, addr, c.now())
		if err != nil || !complete {
			return err
		}
		return c.watch(ctx, d)
	})
	if err != nil {
		if complete {
			c.detector.Unwatch(id)
		}
		return nil, err
	}
	if complete {
		c.emit(ctx, EventAwaitingPayment, d, AwaitingPaymentData{
			Asset:     d.Asset,
			Amount:    d.Amount,
			Sender:    d.SellerAddress,
			Custodial: c.cfg.Custodial,
		})
	} else {
		c.emit(ctx, EventSetupAdvanced, d, d.Clone())
	}
	return d, nil
}

func (c *Coordinator) watch(ctx context.Context, d *deal.Deal) error {
	spec := d.WatchSpec()
	err := c.detector.Watch(ctx, detector.WatchEntry{
		DealID:    spec.DealID,
		Asset:     spec.Asset,
		Amount:    spec.Amount,
		Sender:    spec.Sender,
		Recipient: c.cfg.Custodial,
	})
	if err != nil {
		return fmt.Errorf("coordinator: register deposit watch: %w", err)
	}
	return nil
}

// Get returns a deal by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*deal.Deal, error) {
	return c.store.Get(ctx, id)
}

// List returns deals in status, or every open deal when status is empty.
func (c *Coordinator) List(ctx context.Context, status deal.Status, limit int) ([]*deal.Deal, error) {
	if status == "" {
		return c.store.ListActive(ctx, limit)
	}
	return c.store.ListByStatus(ctx, status, limit)
}

// closeDeal runs the terminal-state side effects: stop watching, free the
// room. Both are idempotent.
func (c *Coordinator) closeDeal(d *deal.Deal) {
	c.detector.Unwatch(d.ID)
	if c.rooms.Release(d.ID) {
		c.logger.Info("room released", "dealId", d.ID, "room", d.RoomID)
	}
	metrics.DealDuration.Observe(c.now().Sub(d.CreatedAt).Seconds())
}

// StatusReport summarizes the engine for operators.
type StatusReport struct {
	Rooms            rooms.Stats         `json:"rooms"`
	ActiveDeals      int                 `json:"activeDeals"`
	ByStatus         map[deal.Status]int `json:"byStatus"`
	Watches          int                 `json:"watches"`
	PendingTransfers int                 `json:"pendingTransfers"`
	Cursor           *uint64             `json:"cursor,omitempty"`
	Polling          bool                `json:"polling"`
	Running          bool                `json:"running"`
	LastPoll         *time.Time          `json:"lastPoll,omitempty"`
	LastPollError    string              `json:"lastPollError,omitempty"`
}

// Status reports room usage, open deals and detector progress.
func (c *Coordinator) Status(ctx context.Context) (*StatusReport, error) {
	active, err := c.store.ListActive(ctx, 0)
	if err != nil {
		return nil, err
	}
	r := &StatusReport{
		Rooms:            c.rooms.Stats(),
		ActiveDeals:      len(active),
		ByStatus:         make(map[deal.Status]int),
		Watches:          c.detector.WatchCount(),
		PendingTransfers: c.detector.Pending(),
		Polling:          c.polling.Load(),
		Running:          c.running.Load(),
	}
	for _, d := range active {
		r.ByStatus[d.Status]++
	}
	if h, ok := c.detector.Cursor(); ok {
		r.Cursor = &h
	}
	c.pollMu.Lock()
	if !c.lastPoll.IsZero() {
		t := c.lastPoll
		r.LastPoll = &t
	}
	r.LastPollError = c.lastError
	c.pollMu.Unlock()
	return r, nil
}

// Balances reports the custodial wallet balances.
func (c *Coordinator) Balances(ctx context.Context) (*executor.WalletBalances, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator.Balances")
	defer span.End()
	b, err := c.executor.Balances(ctx)
	if err != nil {
		traces.RecordError(span, err)
	}
	return b, err
}

// persistRetry is used where a failed write would strand state the ledger
// has already committed to.
var persistRetry = retry.Policy{Attempts: 5, BaseDelay: 200 * time.Millisecond}
