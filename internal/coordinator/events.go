package coordinator

import (
	"context"
	"time"

	"github.com/mbd888/middleman/internal/deal"
)

// EventType names a domain event.
type EventType string

const (
	EventDealOpened            EventType = "deal_opened"
	EventSetupAdvanced         EventType = "setup_advanced"
	EventAwaitingPayment       EventType = "awaiting_payment"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventPaymentConfirmed      EventType = "payment_confirmed"
	EventDealFunded            EventType = "deal_funded"
	EventReleaseCompleted      EventType = "release_completed"
	EventRefundCompleted       EventType = "refund_completed"
	EventTransferFailed        EventType = "transfer_failed"
)

// Event is structured data for the chat layer; it renders the text.
type Event struct {
	Type      EventType   `json:"type"`
	DealID    string      `json:"dealId"`
	RoomID    int64       `json:"roomId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Notifier receives events. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// AwaitingPaymentData tells the seller what to send and where.
type AwaitingPaymentData struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sender    string `json:"sender"`
	Custodial string `json:"custodial"`
}

// ConfirmationData carries the token the requester must echo back.
type ConfirmationData struct {
	Action      deal.Action `json:"action"`
	RequestedBy int64       `json:"requestedBy"`
	Token       string      `json:"token"`
}

// FundedData describes the credited deposit.
type FundedData struct {
	TxHash       string    `json:"txHash"`
	Amount       string    `json:"amount"`
	Asset        string    `json:"asset"`
	DetectedAt   time.Time `json:"detectedAt"`
	ReleaseAfter time.Time `json:"releaseAfter"`
}

// SettlementData describes a confirmed payout.
type SettlementData struct {
	Action       deal.Action `json:"action"`
	TxHash       string      `json:"txHash"`
	To           string      `json:"to"`
	Amount       string      `json:"amount"`
	Asset        string      `json:"asset"`
	ExplorerLink string      `json:"explorerLink,omitempty"`
}

// TransferFailedData describes a failed payout. TxHash is set when a
// transaction was broadcast.
type TransferFailedData struct {
	Action       deal.Action `json:"action"`
	Reason       string      `json:"reason"`
	TxHash       string      `json:"txHash,omitempty"`
	ExplorerLink string      `json:"explorerLink,omitempty"`
	Message      string      `json:"message"`
}

func (c *Coordinator) emit(ctx context.Context, t EventType, d *deal.Deal, data interface{}) {
	c.notifier.Notify(ctx, Event{
		Type:      t,
		DealID:    d.ID,
		RoomID:    d.RoomID,
		Timestamp: c.now(),
		Data:      data,
	})
}
