package deal

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// MaxAmountDecimals is the finest amount precision accepted at setup, the
// precision of the BEP-20 stablecoins the desk trades.
const MaxAmountDecimals = 18

// AssetSet reports which asset symbols are supported.
type AssetSet interface {
	Supported(symbol string) bool
}

// FeePolicy decides the fee percentage from the room members at role
// binding time.
type FeePolicy func(members []Member) string

// DiscountPolicy charges defaultFee unless marker is non-empty and every
// member's bio contains it, in which case the fee is zero.
func DiscountPolicy(defaultFee, marker string) FeePolicy {
	return func(members []Member) string {
		if marker == "" || len(members) == 0 {
			return defaultFee
		}
		for _, m := range members {
			if !strings.Contains(strings.ToLower(m.Bio), strings.ToLower(marker)) {
				return defaultFee
			}
		}
		return "0"
	}
}

func (d *Deal) touch(now time.Time) {
	d.UpdatedAt = now
}

func (d *Deal) requireStatus(want Status) error {
	if d.Status != want {
		return fmt.Errorf("%w: deal is %s, need %s", ErrInvalidStatus, d.Status, want)
	}
	return nil
}

// Join adds a member to the room. The second distinct member assembles the
// room and moves the deal to awaiting_setup. Rejoining is a no-op.
func (d *Deal) Join(m Member, now time.Time) (assembled bool, err error) {
	if d.IsMember(m.ID) {
		return false, nil
	}
	if err := d.requireStatus(StatusCreated); err != nil {
		return false, err
	}
	if len(d.Members) >= 2 {
		return false, ErrRoomFull
	}
	d.Members = append(d.Members, m)
	if len(d.Members) == 2 {
		d.Status = StatusAwaitingSetup
		assembled = true
	}
	d.touch(now)
	return assembled, nil
}

// ClaimRole binds role to caller and the opposite role to the other member.
// Claiming the role one already holds is a no-op; claiming the role held by
// the other party fails with ErrRoleConflict. The fee is fixed here.
func (d *Deal) ClaimRole(caller int64, role Role, fee FeePolicy, now time.Time) error {
	if role != RoleBuyer && role != RoleSeller {
		return fmt.Errorf("deal: invalid role %d", int(role))
	}
	if d.BuyerID != 0 && d.SellerID != 0 {
		if d.RoleHolder(role) == caller {
			return nil
		}
		if d.IsParty(caller) {
			return ErrRoleConflict
		}
		return ErrNotMember
	}
	if err := d.requireStatus(StatusAwaitingSetup); err != nil {
		return err
	}
	if !d.IsMember(caller) {
		return ErrNotMember
	}

	var other int64
	for _, m := range d.Members {
		if m.ID != caller {
			other = m.ID
		}
	}
	if other == 0 {
		return fmt.Errorf("%w: counterparty not present", ErrInvalidStatus)
	}

	switch role {
	case RoleBuyer:
		d.BuyerID, d.SellerID = caller, other
	case RoleSeller:
		d.SellerID, d.BuyerID = caller, other
	}
	if fee != nil {
		d.FeePercentage = fee(d.Members)
	}
	d.touch(now)
	return nil
}

// setupStep checks membership before step order: a non-party always gets
// ErrNotMember.
func (d *Deal) setupStep(caller int64, step Step) error {
	if err := d.requireStatus(StatusAwaitingSetup); err != nil {
		return err
	}
	if !d.IsParty(caller) {
		return ErrNotMember
	}
	if next := d.NextStep(); next != step {
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongStep, next, step)
	}
	return nil
}

// SelectAsset records the traded asset.
func (d *Deal) SelectAsset(caller int64, asset string, supported AssetSet, now time.Time) error {
	if err := d.setupStep(caller, StepAsset); err != nil {
		return err
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || supported == nil || !supported.Supported(asset) {
		return fmt.Errorf("%w: %q", ErrUnsupportedAsset, asset)
	}
	d.Asset = asset
	d.touch(now)
	return nil
}

// SubmitAmount records the amount of the asset to be deposited.
func (d *Deal) SubmitAmount(caller int64, amount string, now time.Time) error {
	if err := d.setupStep(caller, StepAmount); err != nil {
		return err
	}
	v, ok := positiveDecimal(amount)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if fractionDigits(v) > MaxAmountDecimals {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, MaxAmountDecimals)
	}
	d.Amount = v
	d.touch(now)
	return nil
}

// SubmitRate records the agreed fiat exchange rate.
func (d *Deal) SubmitRate(caller int64, rate string, now time.Time) error {
	if err := d.setupStep(caller, StepRate); err != nil {
		return err
	}
	v, ok := positiveDecimal(rate)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRate, rate)
	}
	d.Rate = v
	d.touch(now)
	return nil
}

// SubmitPaymentMethod records the off-chain payment method, upper-cased.
func (d *Deal) SubmitPaymentMethod(caller int64, method string, now time.Time) error {
	if err := d.setupStep(caller, StepPaymentMethod); err != nil {
		return err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || len(method) > MaxPaymentMethodLength {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	d.PaymentMethod = method
	d.touch(now)
	return nil
}

// SubmitAddress records the payout address for role. The buyer's address
// comes first, then the seller's. Only the role holder may submit it. The
// seller's address completes setup and moves the deal to awaiting_payment.
func (d *Deal) SubmitAddress(caller int64, role Role, addr string, now time.Time) (complete bool, err error) {
	step := StepBuyerAddress
	if role == RoleSeller {
		step = StepSellerAddress
	}
	if err := d.requireStatus(StatusAwaitingSetup); err != nil {
		return false, err
	}
	if next := d.NextStep(); next != step {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrWrongStep, next, step)
	}
	if d.RoleHolder(role) != caller {
		return false, ErrWrongIdentity
	}
	addr = strings.TrimSpace(addr)
	if err := ValidateAddress(addr); err != nil {
		return false, err
	}

	switch role {
	case RoleBuyer:
		d.BuyerAddress = addr
	case RoleSeller:
		d.SellerAddress = addr
		d.Status = StatusAwaitingPayment
		complete = true
	}
	d.touch(now)
	return complete, nil
}

// MarkFunded records the confirmed deposit. payment_detected_at is set
// from now, once.
func (d *Deal) MarkFunded(txHash, depositAmount string, now time.Time) error {
	if err := d.requireStatus(StatusAwaitingPayment); err != nil {
		return err
	}
	t := now
	d.PaymentDetectedAt = &t
	d.TxHash = txHash
	d.DepositAmount = depositAmount
	d.Status = StatusFunded
	d.touch(now)
	return nil
}

func (d *Deal) requireSettleable() error {
	if err := d.requireStatus(StatusFunded); err != nil {
		return err
	}
	if d.PendingTxHash != "" {
		return fmt.Errorf("%w: tx %s", ErrTransferPending, d.PendingTxHash)
	}
	return nil
}

// RequestRelease opens a seller release request. It is refused until the
// cooldown after the deposit has elapsed.
func (d *Deal) RequestRelease(caller int64, token string, now time.Time) error {
	if err := d.requireSettleable(); err != nil {
		return err
	}
	if caller == 0 || caller != d.SellerID {
		return fmt.Errorf("%w: only the seller can release", ErrUnauthorized)
	}
	if left := d.RemainingCooldown(now); left > 0 {
		return &CooldownError{Remaining: left}
	}
	d.Pending = &Confirmation{Action: ActionRelease, Token: token, RequestedBy: caller, RequestedAt: now}
	d.touch(now)
	return nil
}

// BeginRelease confirms an outstanding release request and moves the deal
// to completing.
func (d *Deal) BeginRelease(caller int64, token string, now time.Time) error {
	if err := d.requireSettleable(); err != nil {
		return err
	}
	if caller == 0 || caller != d.SellerID {
		return fmt.Errorf("%w: only the seller can release", ErrUnauthorized)
	}
	if !d.confirmationMatches(ActionRelease, caller, token) {
		return ErrConfirmationMissing
	}
	if left := d.RemainingCooldown(now); left > 0 {
		return &CooldownError{Remaining: left}
	}
	d.Pending = nil
	d.Status = StatusCompleting
	d.touch(now)
	return nil
}

// RequestRefund opens a refund request. Only an authorized operator who is
// not a party to the trade may refund; no cooldown applies.
func (d *Deal) RequestRefund(operator int64, authorized bool, token string, now time.Time) error {
	if err := refundAllowed(d, operator, authorized); err != nil {
		return err
	}
	if err := d.requireSettleable(); err != nil {
		return err
	}
	d.Pending = &Confirmation{Action: ActionRefund, Token: token, RequestedBy: operator, RequestedAt: now}
	d.touch(now)
	return nil
}

// BeginRefund confirms an outstanding refund request and moves the deal to
// refunding.
func (d *Deal) BeginRefund(operator int64, authorized bool, token string, now time.Time) error {
	if err := refundAllowed(d, operator, authorized); err != nil {
		return err
	}
	if err := d.requireSettleable(); err != nil {
		return err
	}
	if !d.confirmationMatches(ActionRefund, operator, token) {
		return ErrConfirmationMissing
	}
	d.Pending = nil
	d.Status = StatusRefunding
	d.touch(now)
	return nil
}

func refundAllowed(d *Deal, operator int64, authorized bool) error {
	if !authorized || operator == 0 {
		return fmt.Errorf("%w: refunds require an authorized operator", ErrUnauthorized)
	}
	if d.IsParty(operator) {
		return fmt.Errorf("%w: a trade party cannot refund", ErrUnauthorized)
	}
	return nil
}

func (d *Deal) confirmationMatches(action Action, caller int64, token string) bool {
	p := d.Pending
	return p != nil && p.Action == action && p.RequestedBy == caller && token != "" && p.Token == token
}

// InFlightAction is the payout direction of a completing/refunding deal.
func (d *Deal) InFlightAction() (Action, bool) {
	switch d.Status {
	case StatusCompleting:
		return ActionRelease, true
	case StatusRefunding:
		return ActionRefund, true
	}
	return "", false
}

// CompleteTransfer finalizes a successful payout.
func (d *Deal) CompleteTransfer(txHash string, now time.Time) error {
	switch d.Status {
	case StatusCompleting:
		d.Status = StatusCompleted
	case StatusRefunding:
		d.Status = StatusRefunded
	default:
		return fmt.Errorf("%w: deal is %s, no transfer in flight", ErrInvalidStatus, d.Status)
	}
	d.SettlementTxHash = txHash
	d.PendingTxHash = ""
	d.PendingAction = ""
	t := now
	d.ClosedAt = &t
	d.touch(now)
	return nil
}

// AbortTransfer returns a failed payout to funded. unconfirmedTx is set
// when a transaction was broadcast but its outcome is unknown; the deal
// then refuses new payouts until the operator reconciles it.
func (d *Deal) AbortTransfer(unconfirmedTx string, now time.Time) error {
	action, ok := d.InFlightAction()
	if !ok {
		return fmt.Errorf("%w: deal is %s, no transfer in flight", ErrInvalidStatus, d.Status)
	}
	d.Status = StatusFunded
	d.PendingTxHash = unconfirmedTx
	if unconfirmedTx != "" {
		d.PendingAction = action
	}
	d.touch(now)
	return nil
}

// ResumeSettlement moves a funded deal with an unconfirmed payout back to
// completing/refunding so that CompleteTransfer can finalize it once the
// receipt is known to have succeeded.
func (d *Deal) ResumeSettlement(now time.Time) error {
	if err := d.requireStatus(StatusFunded); err != nil {
		return err
	}
	if d.PendingTxHash == "" {
		return fmt.Errorf("%w: no unconfirmed transfer", ErrInvalidStatus)
	}
	switch d.PendingAction {
	case ActionRelease:
		d.Status = StatusCompleting
	case ActionRefund:
		d.Status = StatusRefunding
	default:
		return fmt.Errorf("%w: unknown pending action %q", ErrInvalidStatus, d.PendingAction)
	}
	d.touch(now)
	return nil
}

// ClearPendingTransfer forgets an unconfirmed payout known to have failed.
func (d *Deal) ClearPendingTransfer(now time.Time) error {
	if err := d.requireStatus(StatusFunded); err != nil {
		return err
	}
	d.PendingTxHash = ""
	d.PendingAction = ""
	d.touch(now)
	return nil
}

// PayoutAddress is where a payout for action is sent: the buyer on
// release, the seller on refund.
func (d *Deal) PayoutAddress(action Action) string {
	if action == ActionRefund {
		return d.SellerAddress
	}
	return d.BuyerAddress
}

func positiveDecimal(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return "", false
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() <= 0 {
		return "", false
	}
	return s, true
}

// fractionDigits counts significant digits after the decimal point.
func fractionDigits(s string) int {
	_, frac, _ := strings.Cut(s, ".")
	return len(strings.TrimRight(frac, "0"))
}
