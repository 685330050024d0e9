package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/detector"
	"github.com/mbd888/middleman/internal/retry"
)

// RunDetectionCycle polls the detector once and applies every confirmed
// payment. A call made while another cycle is running returns immediately
// with skipped set.
func (c *Coordinator) RunDetectionCycle(ctx context.Context) (applied int, skipped bool, err error) {
	if !c.polling.CompareAndSwap(false, true) {
		cyclesSkipped.Inc()
		c.logger.Debug("detection cycle still running, skipping")
		return 0, true, nil
	}
	defer c.polling.Store(false)

	events, pollErr := c.detector.Poll(ctx)
	// events returned alongside an error were credited before the abort
	for _, ev := range events {
		if c.applyPayment(ctx, ev) {
			applied++
		}
	}

	c.pollMu.Lock()
	c.lastPoll = c.now()
	c.lastError = ""
	if pollErr != nil {
		c.lastError = pollErr.Error()
	}
	c.pollMu.Unlock()

	if pollErr != nil {
		c.logger.Warn("detection cycle aborted", "error", pollErr, "applied", applied)
	}
	return applied, false, pollErr
}

// applyPayment moves the deal to funded. The transaction is already in the
// processed set, so the write is retried before giving up.
func (c *Coordinator) applyPayment(ctx context.Context, ev detector.PaymentConfirmed) bool {
	var ignored bool
	d, err := retry.Value(ctx, persistRetry, func() (*deal.Deal, error) {
		d, err := c.mutate(ctx, ev.DealID, func(d *deal.Deal) error {
			if d.Status != deal.StatusAwaitingPayment {
				ignored = true
				return fmt.Errorf("%w: deal is %s", deal.ErrInvalidStatus, d.Status)
			}
			return d.MarkFunded(ev.TxHash, ev.Amount, c.now())
		})
		if errors.Is(err, deal.ErrInvalidStatus) || errors.Is(err, deal.ErrDealNotFound) {
			return nil, retry.Permanent(err)
		}
		return d, err
	})
	if err != nil {
		if ignored || errors.Is(err, deal.ErrDealNotFound) {
			c.logger.Warn("confirmed payment for a deal not awaiting payment",
				"dealId", ev.DealID, "tx", ev.TxHash, "error", err)
		} else {
			c.logger.Error("confirmed payment not recorded",
				"dealId", ev.DealID, "tx", ev.TxHash, "amount", ev.Amount, "error", err)
		}
		return false
	}

	c.detector.Unwatch(d.ID)
	c.logger.Info("deal funded",
		"dealId", d.ID, "tx", ev.TxHash, "amount", ev.Amount, "asset", ev.Asset,
		"confirmations", ev.Confirmations)
	c.emit(ctx, EventPaymentConfirmed, d, ev)
	c.emit(ctx, EventDealFunded, d, FundedData{
		TxHash:       d.TxHash,
		Amount:       d.DepositAmount,
		Asset:        d.Asset,
		DetectedAt:   *d.PaymentDetectedAt,
		ReleaseAfter: d.ReleaseAfter(),
	})
	return true
}

// Running reports whether the poll loop is active.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Run drives detection cycles every PollInterval until ctx is done or Stop
// is called. Call in a goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("detection loop started", "interval", c.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeCycle(ctx)
		}
	}
}

// Stop signals Run to return. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Coordinator) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.polling.Store(false)
			c.logger.Error("panic in detection cycle", "panic", fmt.Sprint(r))
		}
	}()
	_, _, _ = c.RunDetectionCycle(ctx)
}

// Restore rebuilds in-memory state from the store at startup: rooms held
// by open deals and deposit watches for deals awaiting payment. Deals found
// mid-payout are reported for operator reconciliation.
func (c *Coordinator) Restore(ctx context.Context) error {
	active, err := c.store.ListActive(ctx, 0)
	if err != nil {
		return fmt.Errorf("coordinator: restore: %w", err)
	}

	var watched, interrupted int
	for _, d := range active {
		if err := c.rooms.Claim(d.RoomID, d.ID); err != nil {
			c.logger.Warn("could not reclaim room", "dealId", d.ID, "room", d.RoomID, "error", err)
		}

		switch {
		case d.Status == deal.StatusAwaitingPayment:
			unlock := c.locks.Lock(d.ID)
			err := c.watch(ctx, d)
			unlock()
			if err != nil {
				return fmt.Errorf("coordinator: restore watch for %s: %w", d.ID, err)
			}
			watched++
		case d.Status == deal.StatusCompleting || d.Status == deal.StatusRefunding:
			interrupted++
			c.logger.Warn("payout interrupted by restart, reconcile before retrying",
				"dealId", d.ID, "status", d.Status)
		case d.PendingTxHash != "":
			c.logger.Warn("deal has an unconfirmed payout",
				"dealId", d.ID, "tx", d.PendingTxHash, "action", d.PendingAction)
		}
	}

	c.logger.Info("coordinator restored",
		"active", len(active), "watches", watched, "interrupted", interrupted)
	return nil
}
