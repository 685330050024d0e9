// Package deal holds the escrow deal record and its state machine.
//
// Lifecycle:
//  1. created: a room was opened for the trade
//  2. awaiting_setup: both parties are in the room; roles, asset, amount,
//     rate, payment method and the two addresses are collected in order
//  3. awaiting_payment: the seller's deposit into the custodial wallet is watched
//  4. funded: the deposit was confirmed on-chain
//  5. completing / refunding: the payout transfer is in flight
//  6. completed / refunded: terminal
//
// Transition methods mutate the Deal in place and never partially apply:
// on error the Deal is unchanged. Callers work on a copy from the Store and
// persist it only on success.
package deal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrDealNotFound        = errors.New("deal: not found")
	ErrDuplicateID         = errors.New("deal: id already exists")
	ErrInvalidStatus       = errors.New("deal: invalid status for this operation")
	ErrNotMember           = errors.New("deal: caller is not a member of this deal")
	ErrRoomFull            = errors.New("deal: both parties already present")
	ErrRoleConflict        = errors.New("deal: role already bound to the other party")
	ErrWrongStep           = errors.New("deal: setup step out of order")
	ErrWrongIdentity       = errors.New("deal: only the role holder may submit this address")
	ErrInvalidAddress      = errors.New("deal: invalid address")
	ErrInvalidAmount       = errors.New("deal: invalid amount")
	ErrInvalidRate         = errors.New("deal: invalid rate")
	ErrInvalidMethod       = errors.New("deal: invalid payment method")
	ErrUnsupportedAsset    = errors.New("deal: unsupported asset")
	ErrUnauthorized        = errors.New("deal: not authorized for this operation")
	ErrConfirmationMissing = errors.New("deal: no matching confirmation request")
	ErrTransferPending     = errors.New("deal: a previous transfer is unresolved")
)

// CooldownPeriod is the minimum time between deposit confirmation and a
// seller-initiated release.
const CooldownPeriod = 10 * time.Minute

// MaxPaymentMethodLength bounds the free-text payment method.
const MaxPaymentMethodLength = 64

// CooldownError reports an early release request.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("deal: release not allowed yet, %s remaining", e.Remaining.Round(time.Second))
}

// Status is a deal's lifecycle state.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingSetup   Status = "awaiting_setup"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusFunded          Status = "funded"
	StatusCompleting      Status = "completing"
	StatusRefunding       Status = "refunding"
	StatusCompleted       Status = "completed"
	StatusRefunded        Status = "refunded"
)

// Rank orders statuses along the lifecycle. completing and refunding share
// a rank, as do the two terminal states.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusAwaitingSetup:
		return 1
	case StatusAwaitingPayment:
		return 2
	case StatusFunded:
		return 3
	case StatusCompleting, StatusRefunding:
		return 4
	case StatusCompleted, StatusRefunded:
		return 5
	}
	return -1
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Role is one of the two trade roles.
type Role int

const (
	RoleBuyer Role = iota + 1
	RoleSeller
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	}
	return "unknown"
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// ParseRole parses "buyer" or "seller", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	}
	return 0, fmt.Errorf("deal: unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if r != RoleBuyer && r != RoleSeller {
		return nil, fmt.Errorf("deal: invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Party identifies a chat user.
type Party struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle,omitempty"`
}

// Member is a party present in the deal's room.
type Member struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// Action distinguishes the two payout directions.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// Confirmation is an outstanding release or refund request waiting for the
// requester's second, explicit confirmation.
type Confirmation struct {
	Action      Action    `json:"action"`
	Token       string    `json:"token"`
	RequestedBy int64     `json:"requestedBy"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Step names the next setup input a deal needs.
type Step string

const (
	StepRoles         Step = "roles"
	StepAsset         Step = "asset"
	StepAmount        Step = "amount"
	StepRate          Step = "rate"
	StepPaymentMethod Step = "payment_method"
	StepBuyerAddress  Step = "buyer_address"
	StepSellerAddress Step = "seller_address"
	StepDone          Step = "done"
)

// Deal is one escrow trade.
type Deal struct {
	ID                 string        `json:"id"`
	RoomID             int64         `json:"roomId"`
	Initiator          Party         `json:"initiator"`
	CounterpartyHandle string        `json:"counterpartyHandle,omitempty"`
	Members            []Member      `json:"members"`
	BuyerID            int64         `json:"buyerId,omitempty"`
	SellerID           int64         `json:"sellerId,omitempty"`
	Asset              string        `json:"asset,omitempty"`
	Amount             string        `json:"amount,omitempty"`
	Rate               string        `json:"rate,omitempty"`
	PaymentMethod      string        `json:"paymentMethod,omitempty"`
	BuyerAddress       string        `json:"buyerAddress,omitempty"`
	SellerAddress      string        `json:"sellerAddress,omitempty"`
	FeePercentage      string        `json:"feePercentage,omitempty"`
	Status             Status        `json:"status"`
	PaymentDetectedAt  *time.Time    `json:"paymentDetectedAt,omitempty"`
	TxHash             string        `json:"txHash,omitempty"`
	DepositAmount      string        `json:"depositAmount,omitempty"`
	Pending            *Confirmation `json:"pending,omitempty"`
	PendingTxHash      string        `json:"pendingTxHash,omitempty"`
	PendingAction      Action        `json:"pendingAction,omitempty"`
	SettlementTxHash   string        `json:"settlementTxHash,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	ClosedAt           *time.Time    `json:"closedAt,omitempty"`
}

// New creates a deal in the created state.
func New(id string, roomID int64, initiator Party, counterpartyHandle string, now time.Time) *Deal {
	return &Deal{
		ID:                 id,
		RoomID:             roomID,
		Initiator:          initiator,
		CounterpartyHandle: strings.TrimPrefix(strings.TrimSpace(counterpartyHandle), "@"),
		Status:             StatusCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Clone returns a deep copy.
func (d *Deal) Clone() *Deal {
	cp := *d
	if d.Members != nil {
		cp.Members = make([]Member, len(d.Members))
		copy(cp.Members, d.Members)
	}
	if d.PaymentDetectedAt != nil {
		t := *d.PaymentDetectedAt
		cp.PaymentDetectedAt = &t
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		cp.ClosedAt = &t
	}
	if d.Pending != nil {
		p := *d.Pending
		cp.Pending = &p
	}
	return &cp
}

// IsMember reports whether userID is in the room.
func (d *Deal) IsMember(userID int64) bool {
	for _, m := range d.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// IsParty reports whether userID holds either role.
func (d *Deal) IsParty(userID int64) bool {
	return userID != 0 && (userID == d.BuyerID || userID == d.SellerID)
}

// RoleHolder returns the party id bound to role, or 0.
func (d *Deal) RoleHolder(r Role) int64 {
	switch r {
	case RoleBuyer:
		return d.BuyerID
	case RoleSeller:
		return d.SellerID
	}
	return 0
}

// RoleOf returns the role userID holds.
func (d *Deal) RoleOf(userID int64) (Role, bool) {
	switch {
	case userID == 0:
		return 0, false
	case userID == d.BuyerID:
		return RoleBuyer, true
	case userID == d.SellerID:
		return RoleSeller, true
	}
	return 0, false
}

// NextStep returns the next setup input the deal is waiting for.
func (d *Deal) NextStep() Step {
	switch {
	case d.BuyerID == 0 || d.SellerID == 0:
		return StepRoles
	case d.Asset == "":
		return StepAsset
	case d.Amount == "":
		return StepAmount
	case d.Rate == "":
		return StepRate
	case d.PaymentMethod == "":
		return StepPaymentMethod
	case d.BuyerAddress == "":
		return StepBuyerAddress
	case d.SellerAddress == "":
		return StepSellerAddress
	}
	return StepDone
}

// RemainingCooldown is how long the seller must still wait before a
// release is accepted. Zero once the cooldown has elapsed or when no
// deposit has been detected.
func (d *Deal) RemainingCooldown(now time.Time) time.Duration {
	if d.PaymentDetectedAt == nil {
		return 0
	}
	left := CooldownPeriod - now.Sub(*d.PaymentDetectedAt)
	if left < 0 {
		return 0
	}
	return left
}

// ReleaseAfter is the earliest time a release is accepted.
func (d *Deal) ReleaseAfter() time.Time {
	if d.PaymentDetectedAt == nil {
		return time.Time{}
	}
	return d.PaymentDetectedAt.Add(CooldownPeriod)
}

// Deposit describes the deposit the detector should watch for.
type Deposit struct {
	DealID string
	Asset  string
	Amount string
	Sender string
}

// WatchSpec returns the expected deposit: the full amount of the asset,
// sent by the seller's address.
func (d *Deal) WatchSpec() Deposit {
	return Deposit{
		DealID: d.ID,
		Asset:  d.Asset,
		Amount: d.Amount,
		Sender: d.SellerAddress,
	}
}

// ValidateAddress checks the EVM address format: "0x" followed by 40 hex
// characters.
func ValidateAddress(addr string) error {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
