package coordinator

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/middleman/internal/chain"
	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/detector"
	"github.com/mbd888/middleman/internal/executor"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/rooms"
)

// scriptedChain is an in-memory ledger the real detector can scan.
type scriptedChain struct {
	mu        sync.Mutex
	height    uint64
	transfers []chain.TransferEvent
	failed    map[string]bool
}

func (s *scriptedChain) setHeight(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = h
}

func (s *scriptedChain) deposit(tr chain.TransferEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, tr)
}

func (s *scriptedChain) CurrentHeight(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *scriptedChain) TransferLogs(_ context.Context, token chain.Token, from, to uint64, recipient common.Address) ([]chain.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chain.TransferEvent
	for _, tr := range s.transfers {
		if tr.Token.Contract == token.Contract && tr.To == recipient && tr.BlockNumber >= from && tr.BlockNumber <= to {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *scriptedChain) Receipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &chain.Receipt{TxHash: txHash, Succeeded: !s.failed[txHash]}, nil
}

func (s *scriptedChain) BlockTimestamp(_ context.Context, height uint64) (time.Time, error) {
	return time.Unix(1700000000+int64(height)*3, 0).UTC(), nil
}

func (s *scriptedChain) TokenDecimals(context.Context, chain.Token) (uint8, error) { return 18, nil }

func (s *scriptedChain) TokenSymbol(_ context.Context, t chain.Token) (string, error) {
	return t.Symbol, nil
}

func wholeTokens(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := chain.ParseUnits(s, 18)
	require.NoError(t, err)
	return v
}

func txHash(c string) string { return "0x" + strings.Repeat(c, 64) }

func TestEndToEnd_RealDetector(t *testing.T) {
	ctx := context.Background()
	usdt := chain.Token{Symbol: "USDT", Contract: common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")}
	tokens := chain.NewRegistry(usdt)
	ledger := &scriptedChain{height: 5000, failed: map[string]bool{}}

	det := detector.New(ledger, tokens, detector.Config{Custodial: common.HexToAddress(custodial)}, logging.Discard())
	store := deal.NewMemoryStore()
	exec := &fakeExecutor{receipt: executor.ReceiptPending}
	events := &recorder{}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	coord := New(store, det, exec, tokens,
		Config{Custodial: custodial, Fee: deal.DiscountPolicy("1", "")}, logging.Discard()).
		WithRooms(rooms.NewPool([]int64{-1001})).
		WithNotifier(events).
		WithClock(clk.Now)

	d, err := coord.OpenDeal(ctx, deal.Party{ID: alice, Handle: "alice"}, "@bob")
	require.NoError(t, err)
	id := d.ID
	for _, m := range []int64{alice, bob} {
		_, err = coord.MemberJoined(ctx, id, deal.Member{ID: m})
		require.NoError(t, err)
	}
	_, err = coord.ClaimRole(ctx, id, alice, deal.RoleBuyer)
	require.NoError(t, err)
	_, err = coord.SelectAsset(ctx, id, bob, "usdt")
	require.NoError(t, err)
	_, err = coord.SubmitAmount(ctx, id, alice, "1000.5")
	require.NoError(t, err)
	_, err = coord.SubmitRate(ctx, id, bob, "83.5")
	require.NoError(t, err)
	_, err = coord.SubmitPaymentMethod(ctx, id, alice, "upi")
	require.NoError(t, err)
	_, err = coord.SubmitAddress(ctx, id, alice, deal.RoleBuyer, buyerAddr)
	require.NoError(t, err)
	d, err = coord.SubmitAddress(ctx, id, bob, deal.RoleSeller, sellerAddr)
	require.NoError(t, err)
	require.Equal(t, deal.StatusAwaitingPayment, d.Status)
	require.True(t, det.Watching(id))

	cursor, ok := det.Cursor()
	require.True(t, ok)
	assert.Equal(t, uint64(5000-detector.DefaultLookback), cursor)

	// Same amount from a stranger, then the seller's deposit.
	ledger.deposit(chain.TransferEvent{
		TxHash: txHash("b"), BlockNumber: 5001, Token: usdt,
		From: common.HexToAddress("0x3333333333333333333333333333333333333333"), To: common.HexToAddress(custodial),
		Value: wholeTokens(t, "1000.5"),
	})
	ledger.deposit(chain.TransferEvent{
		TxHash: txHash("a"), BlockNumber: 5002, LogIndex: 1, Token: usdt,
		From: common.HexToAddress(sellerAddr), To: common.HexToAddress(custodial),
		Value: wholeTokens(t, "1000.5"),
	})

	ledger.setHeight(5010)
	applied, skipped, err := coord.RunDetectionCycle(ctx)
	require.NoError(t, err)
	require.False(t, skipped)
	assert.Zero(t, applied, "eight confirmations are not enough")
	assert.Equal(t, 1, det.Pending())
	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusAwaitingPayment, stored.Status)

	ledger.setHeight(5002 + detector.DefaultConfirmations)
	applied, _, err = coord.RunDetectionCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	stored, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusFunded, stored.Status)
	assert.Equal(t, txHash("a"), stored.TxHash)
	assert.Equal(t, "1000.5", stored.DepositAmount)
	assert.False(t, det.Watching(id))
	assert.Zero(t, det.Pending())

	ledger.setHeight(5100)
	applied, _, err = coord.RunDetectionCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied, "a transfer is credited once")

	_, _, err = coord.RequestRelease(ctx, id, bob)
	var cooldown *deal.CooldownError
	require.ErrorAs(t, err, &cooldown)

	clk.Advance(deal.CooldownPeriod)
	_, token, err := coord.RequestRelease(ctx, id, bob)
	require.NoError(t, err)
	done, _, err := coord.ConfirmRelease(ctx, id, bob, token)
	require.NoError(t, err)

	assert.Equal(t, deal.StatusCompleted, done.Status)
	assert.Equal(t, []string{buyerAddr + " 1000.5 USDT"}, exec.calls)
	assert.Equal(t, 1, events.count(EventPaymentConfirmed))
	assert.Equal(t, 1, events.count(EventReleaseCompleted))
}
