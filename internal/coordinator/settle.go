package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/executor"
	"github.com/mbd888/middleman/internal/idgen"
	"github.com/mbd888/middleman/internal/metrics"
	"github.com/mbd888/middleman/internal/retry"
	"github.com/mbd888/middleman/internal/traces"
)

// RequestRelease opens the seller's release request and returns the token
// the seller must confirm with.
func (c *Coordinator) RequestRelease(ctx context.Context, id string, caller int64) (*deal.Deal, string, error) {
	token := idgen.Hex(8)
	d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
		return d.RequestRelease(caller, token, c.now())
	})
	if err != nil {
		return nil, "", err
	}
	c.emit(ctx, EventConfirmationRequested, d, ConfirmationData{Action: deal.ActionRelease, RequestedBy: caller, Token: token})
	return d, token, nil
}

// ConfirmRelease pays the buyer.
func (c *Coordinator) ConfirmRelease(ctx context.Context, id string, caller int64, token string) (*deal.Deal, *executor.Result, error) {
	return c.settle(ctx, id, deal.ActionRelease, func(d *deal.Deal, now time.Time) error {
		return d.BeginRelease(caller, token, now)
	})
}

// RequestRefund opens an operator refund request.
func (c *Coordinator) RequestRefund(ctx context.Context, id string, operator int64) (*deal.Deal, string, error) {
	authorized, err := c.authorized(ctx, operator)
	if err != nil {
		return nil, "", err
	}
	token := idgen.Hex(8)
	d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
		return d.RequestRefund(operator, authorized, token, c.now())
	})
	if err != nil {
		return nil, "", err
	}
	c.emit(ctx, EventConfirmationRequested, d, ConfirmationData{Action: deal.ActionRefund, RequestedBy: operator, Token: token})
	return d, token, nil
}

// ConfirmRefund returns the deposit to the seller.
func (c *Coordinator) ConfirmRefund(ctx context.Context, id string, operator int64, token string) (*deal.Deal, *executor.Result, error) {
	authorized, err := c.authorized(ctx, operator)
	if err != nil {
		return nil, nil, err
	}
	return c.settle(ctx, id, deal.ActionRefund, func(d *deal.Deal, now time.Time) error {
		return d.BeginRefund(operator, authorized, token, now)
	})
}

func (c *Coordinator) authorized(ctx context.Context, userID int64) (bool, error) {
	ok, err := c.auth.IsAuthorized(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("coordinator: check operator: %w", err)
	}
	return ok, nil
}

// settle runs a payout in three steps; see the package doc.
func (c *Coordinator) settle(ctx context.Context, id string, action deal.Action, begin func(d *deal.Deal, now time.Time) error) (*deal.Deal, *executor.Result, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator.settle", traces.DealID(id))
	defer span.End()

	if _, busy := c.inFlight.LoadOrStore(id, struct{}{}); busy {
		return nil, nil, ErrSettlementInFlight
	}
	defer c.inFlight.Delete(id)

	d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
		return begin(d, c.now())
	})
	if err != nil {
		return nil, nil, err
	}

	to := d.PayoutAddress(action)
	// the outcome must be recorded even if the caller goes away
	res, terr := c.executor.Transfer(context.WithoutCancel(ctx), to, d.Amount, d.Asset)
	if terr != nil {
		traces.RecordError(span, terr)
		return c.failSettlement(ctx, id, action, terr)
	}
	span.SetAttributes(traces.TxHash(res.TxHash))

	done, err := c.finish(ctx, id, action, res.TxHash, SettlementData{
		Action:       action,
		TxHash:       res.TxHash,
		To:           res.To,
		Amount:       res.ConfirmedAmount,
		Asset:        res.Asset,
		ExplorerLink: res.ExplorerLink,
	})
	if err != nil {
		return nil, res, err
	}
	return done, res, nil
}

// finish records a confirmed payout. The funds have moved, so the write is
// retried; if it still fails the deal stays completing/refunding and the
// error names the tx for manual reconciliation.
func (c *Coordinator) finish(ctx context.Context, id string, action deal.Action, txHash string, data SettlementData) (*deal.Deal, error) {
	ctx = context.WithoutCancel(ctx)
	d, err := retry.Value(ctx, persistRetry, func() (*deal.Deal, error) {
		d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
			return d.CompleteTransfer(txHash, c.now())
		})
		if errors.Is(err, deal.ErrInvalidStatus) || errors.Is(err, deal.ErrDealNotFound) {
			return nil, retry.Permanent(err)
		}
		return d, err
	})
	if err != nil {
		c.logger.Error("payout confirmed but deal not updated",
			"dealId", id, "action", action, "tx", txHash, "error", err)
		return nil, fmt.Errorf("coordinator: record payout %s: %w", txHash, err)
	}

	metrics.SettlementsTotal.WithLabelValues(string(action), "success").Inc()
	c.closeDeal(d)
	event := EventReleaseCompleted
	if action == deal.ActionRefund {
		event = EventRefundCompleted
	}
	c.emit(ctx, event, d, data)
	return d, nil
}

// failSettlement returns the deal to funded. A broadcast but unconfirmed
// transfer is remembered on the deal so no second payout is attempted
// until an operator reconciles it.
func (c *Coordinator) failSettlement(ctx context.Context, id string, action deal.Action, terr error) (*deal.Deal, *executor.Result, error) {
	reason := "unknown"
	var unconfirmedTx, link string
	if f, ok := executor.AsFailure(terr); ok {
		reason = string(f.Reason)
		link = f.ExplorerLink
		if f.Broadcast() {
			unconfirmedTx = f.TxHash
		}
	}
	metrics.SettlementsTotal.WithLabelValues(string(action), reason).Inc()

	ctx = context.WithoutCancel(ctx)
	d, err := retry.Value(ctx, persistRetry, func() (*deal.Deal, error) {
		d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
			return d.AbortTransfer(unconfirmedTx, c.now())
		})
		if errors.Is(err, deal.ErrInvalidStatus) || errors.Is(err, deal.ErrDealNotFound) {
			return nil, retry.Permanent(err)
		}
		return d, err
	})
	if err != nil {
		c.logger.Error("payout failed and deal not restored to funded",
			"dealId", id, "action", action, "reason", reason, "error", err)
		return nil, nil, errors.Join(terr, err)
	}

	f, _ := executor.AsFailure(terr)
	data := TransferFailedData{Action: action, Reason: reason, ExplorerLink: link, Message: terr.Error()}
	if f != nil {
		data.TxHash = f.TxHash
	}
	c.emit(ctx, EventTransferFailed, d, data)
	return d, nil, terr
}

// ReconcileOutcome is what ReconcilePending did.
type ReconcileOutcome string

const (
	ReconcileFinalized    ReconcileOutcome = "finalized"
	ReconcileCleared      ReconcileOutcome = "cleared"
	ReconcileStillPending ReconcileOutcome = "still_pending"
)

// ReconcilePending resolves a payout whose outcome is unknown. That is a
// funded deal carrying an unconfirmed tx, or a deal left in
// completing/refunding by a restart, in which case the operator supplies
// the tx hash if one was broadcast (empty means nothing was sent).
//
// A successful receipt finalizes the deal, a reverted one clears it so the
// payout can be retried, and an unknown one changes nothing.
func (c *Coordinator) ReconcilePending(ctx context.Context, id string, operator int64, txHash string) (ReconcileOutcome, *deal.Deal, error) {
	ok, err := c.authorized(ctx, operator)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: reconciliation requires an operator", deal.ErrUnauthorized)
	}
	if _, busy := c.inFlight.Load(id); busy {
		return "", nil, ErrSettlementInFlight
	}

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	action, interrupted := d.InFlightAction()
	if !interrupted {
		if d.Status != deal.StatusFunded || d.PendingTxHash == "" {
			return "", nil, ErrNoPendingTransfer
		}
		action, txHash = d.PendingAction, d.PendingTxHash
	}

	status := executor.ReceiptReverted
	if txHash != "" {
		status, err = c.executor.CheckReceipt(ctx, txHash)
		if err != nil {
			return "", nil, err
		}
	}

	now := c.now()
	switch status {
	case executor.ReceiptSucceeded:
		if !interrupted {
			if _, err := c.mutate(ctx, id, func(d *deal.Deal) error { return d.ResumeSettlement(now) }); err != nil {
				return "", nil, err
			}
		}
		done, err := c.finish(ctx, id, action, txHash, SettlementData{
			Action:       action,
			TxHash:       txHash,
			To:           d.PayoutAddress(action),
			Amount:       d.Amount,
			Asset:        d.Asset,
			ExplorerLink: c.executor.ExplorerLink(txHash),
		})
		if err != nil {
			return "", nil, err
		}
		c.logger.Info("unconfirmed payout finalized", "dealId", id, "tx", txHash, "operator", operator)
		return ReconcileFinalized, done, nil

	case executor.ReceiptReverted:
		d, err := c.mutate(ctx, id, func(d *deal.Deal) error {
			if interrupted {
				return d.AbortTransfer("", now)
			}
			return d.ClearPendingTransfer(now)
		})
		if err != nil {
			return "", nil, err
		}
		c.logger.Info("unconfirmed payout cleared", "dealId", id, "tx", txHash, "operator", operator)
		return ReconcileCleared, d, nil

	default:
		if interrupted {
			d, err = c.mutate(ctx, id, func(d *deal.Deal) error { return d.AbortTransfer(txHash, now) })
			if err != nil {
				return "", nil, err
			}
		}
		return ReconcileStillPending, d, nil
	}
}
