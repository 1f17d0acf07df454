package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bifrost/params"
	"bifrost/pkg/core"
	"bifrost/pkg/core/ledger"
	"bifrost/pkg/crypto"
	"bifrost/pkg/util"
)

// harness wires an engine with an in-memory ledger, a manual clock and zero
// fees, so balance assertions stay exact.
type harness struct {
	t       *testing.T
	e       *Engine
	clock   *util.ManualClock
	matcher *crypto.Signer
}

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Fees.MakerBps = 0
	cfg.Fees.TakerBps = 0
	cfg.Fees.Recipient = ""
	cfg.Engine.Pairs = []params.PairConfig{
		{Base: "WETH", Quote: "USDC", MinOrderSize: 1, MaxOrderSize: 1_000_000, MaxPrice: 1_000_000},
	}
	return cfg
}

func newHarness(t *testing.T, colocated bool) *harness {
	return newHarnessWithConfig(t, colocated, testConfig())
}

func newHarnessWithConfig(t *testing.T, colocated bool, cfg params.Config) *harness {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	var matcher *crypto.Signer
	if colocated {
		var err error
		matcher, err = crypto.GenerateKey()
		require.NoError(t, err)
	}

	e, err := New(Options{
		Config:  cfg,
		Ledger:  ledger.New(),
		Logger:  zap.NewNop(),
		Clock:   clock,
		Matcher: matcher,
	})
	require.NoError(t, err)
	return &harness{t: t, e: e, clock: clock, matcher: matcher}
}

func (h *harness) trader(deposits map[string]int64) *crypto.Signer {
	s, err := crypto.GenerateKey()
	require.NoError(h.t, err)
	for asset, amount := range deposits {
		require.NoError(h.t, h.e.Deposit(s.Address(), asset, amount))
	}
	return s
}

func (h *harness) order(s *crypto.Signer, side core.Side, kind core.OrderKind, price, amount int64) *core.Order {
	return &core.Order{
		Trader: s.Address(),
		Base:   "WETH",
		Quote:  "USDC",
		Amount: amount,
		Price:  price,
		Side:   side,
		Kind:   kind,
		Nonce:  h.e.ExpectedNonce(s.Address()),
	}
}

func (h *harness) place(s *crypto.Signer, o *core.Order) (*PlaceResult, error) {
	sig, err := h.e.Authority().SignOrder(s, o)
	require.NoError(h.t, err)
	return h.e.PlaceOrder(o, sig)
}

func (h *harness) mustPlace(s *crypto.Signer, o *core.Order) *PlaceResult {
	res, err := h.place(s, o)
	require.NoError(h.t, err)
	return res
}

func (h *harness) cancel(s *crypto.Signer, orderID uint64) error {
	nonce := h.e.ExpectedNonce(s.Address())
	sig, err := h.e.Authority().SignCancel(s, orderID, s.Address(), nonce)
	require.NoError(h.t, err)
	_, err = h.e.CancelOrder(orderID, s.Address(), nonce, sig)
	return err
}

func TestBuyOrderLocksQuote(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})

	res := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Equal(t, int64(50), bal.Locked, "10 units at limit 5")
	assert.Equal(t, int64(50), bal.Available)
	assert.Equal(t, int64(50), res.Order.LockedRemaining)
	assert.Equal(t, int64(5), res.Order.LockPrice)
}

func TestSellOrderLocksBase(t *testing.T) {
	h := newHarness(t, true)
	bob := h.trader(map[string]int64{"WETH": 25})

	res := h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 10))

	bal := h.e.Balance(bob.Address(), "WETH")
	assert.Equal(t, int64(10), bal.Locked)
	assert.Equal(t, int64(15), bal.Available)
	assert.Equal(t, int64(10), res.Order.LockedRemaining)
}

func TestPlacementInsufficientFunds(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 40})

	_, err := h.place(alice, h.order(alice, core.Buy, core.Limit, 5, 10))
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Equal(t, int64(40), bal.Available, "nothing locked on rejection")
	assert.Zero(t, bal.Locked)
	assert.Zero(t, h.e.ExpectedNonce(alice.Address()), "rejection burns no nonce")

	// The same nonce is still good once the order is affordable.
	res := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 4, 10))
	assert.Equal(t, uint64(0), res.Order.Nonce)
}

func TestFullFillSettlesBothSides(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 10})

	sell := h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 10))
	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	require.Len(t, buy.Trades, 1)
	tr := buy.Trades[0]
	assert.Equal(t, int64(10), tr.Amount)
	assert.Equal(t, int64(5), tr.Price)
	assert.Equal(t, core.Buy, tr.TakerSide, "incoming buy took liquidity")

	assert.Equal(t, int64(10), h.e.Balance(alice.Address(), "WETH").Available)
	assert.Equal(t, int64(50), h.e.Balance(alice.Address(), "USDC").Available)
	assert.Zero(t, h.e.Balance(alice.Address(), "USDC").Locked)
	assert.Equal(t, int64(50), h.e.Balance(bob.Address(), "USDC").Available)
	assert.Zero(t, h.e.Balance(bob.Address(), "WETH").Available)
	assert.Zero(t, h.e.Balance(bob.Address(), "WETH").Locked)

	for _, id := range []uint64{sell.Order.ID, buy.Order.ID} {
		o, err := h.e.Order(id)
		require.NoError(t, err)
		assert.Equal(t, core.Filled, o.Status)
		assert.Zero(t, o.LockedRemaining)
	}
	assert.Equal(t, int64(5), h.e.LastPrice("WETH-USDC"))
}

func TestPartialFillRemainderRests(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 4})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 4))
	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	require.Len(t, buy.Trades, 1)
	assert.Equal(t, int64(4), buy.Trades[0].Amount)
	assert.Equal(t, int64(6), buy.Order.Remaining())
	assert.Equal(t, int64(30), buy.Order.LockedRemaining, "6 units still locked at 5")

	bids, _, err := h.e.Depth("WETH-USDC", 0)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(6), bids[0].Amount)
}

func TestCancelUnlocksExactRemainder(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 4})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 4))
	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	require.NoError(t, h.cancel(alice, buy.Order.ID))

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Equal(t, int64(80), bal.Available, "100 minus the 20 actually spent")
	assert.Zero(t, bal.Locked)

	o, err := h.e.Order(buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, o.Status)

	// A second cancel hits the archive, not the book.
	err = h.cancel(alice, buy.Order.ID)
	assert.ErrorIs(t, err, core.ErrOrderNotActive)
}

func TestPriceImprovementRefundsBuyer(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 10})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 4, 10))
	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	require.Len(t, buy.Trades, 1)
	assert.Equal(t, int64(4), buy.Trades[0].Price, "executes at the resting price")

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Equal(t, int64(60), bal.Available, "locked 50, spent 40, refunded 10")
	assert.Zero(t, bal.Locked)
}

func TestMarketBuyNeedsReferencePrice(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})

	_, err := h.place(alice, h.order(alice, core.Buy, core.Market, 0, 10))
	assert.ErrorIs(t, err, core.ErrInvalidInput, "empty book, no trades: nothing to cost the lock against")
	assert.Zero(t, h.e.ExpectedNonce(alice.Address()), "rejection burns no nonce")
}

func TestMarketBuyLocksPaddedReference(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 10})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 5))
	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 6, 5))

	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Market, 0, 10))

	require.Len(t, buy.Trades, 2)
	assert.Equal(t, int64(5), buy.Trades[0].Price)
	assert.Equal(t, int64(6), buy.Trades[1].Price)

	// Best ask 5 padded by 5% rounds to zero, so the pad floors at one tick:
	// lock price 6 covers the walk up the book.
	assert.Equal(t, int64(6), buy.Order.LockPrice)

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Equal(t, int64(45), bal.Available, "spent 25+30 of the 60 locked")
	assert.Zero(t, bal.Locked)
	assert.Equal(t, int64(10), h.e.Balance(alice.Address(), "WETH").Available)
}

func TestMarketRemainderCancelled(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 4})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 4))
	buy := h.mustPlace(alice, h.order(alice, core.Buy, core.Market, 0, 10))

	require.Len(t, buy.Trades, 1)
	o, err := h.e.Order(buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, o.Status, "market remainder never rests")
	assert.Zero(t, o.LockedRemaining)
	assert.Zero(t, h.e.Balance(alice.Address(), "USDC").Locked)
}

func TestOCOFillCancelsSibling(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 200})
	bob := h.trader(map[string]int64{"WETH": 10})

	limit := h.order(alice, core.Buy, core.Limit, 5, 10)
	stop := h.order(alice, core.Buy, core.StopLimit, 9, 10)
	stop.Trigger = 8
	stop.Nonce = limit.Nonce + 1

	sigLimit, err := h.e.Authority().SignOrder(alice, limit)
	require.NoError(t, err)
	sigStop, err := h.e.Authority().SignOrder(alice, stop)
	require.NoError(t, err)

	resLimit, resStop, err := h.e.PlaceOCO(limit, stop, sigLimit, sigStop)
	require.NoError(t, err)
	assert.Equal(t, int64(140), h.e.Balance(alice.Address(), "USDC").Locked, "50 + 90, both legs lock")

	// Bob's sell fills the limit leg; the stop leg must die with it.
	sell := h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 10))
	require.Len(t, sell.Trades, 1)

	limitOrder, err := h.e.Order(resLimit.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Filled, limitOrder.Status)

	stopOrder, err := h.e.Order(resStop.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, stopOrder.Status)

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Zero(t, bal.Locked, "fill spent 50, sibling's 90 released")
	assert.Equal(t, int64(150), bal.Available)
}

func TestOCOCancelCancelsSibling(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 200})

	limit := h.order(alice, core.Buy, core.Limit, 5, 10)
	stop := h.order(alice, core.Buy, core.StopLimit, 9, 10)
	stop.Trigger = 8
	stop.Nonce = limit.Nonce + 1

	sigLimit, _ := h.e.Authority().SignOrder(alice, limit)
	sigStop, _ := h.e.Authority().SignOrder(alice, stop)
	resLimit, resStop, err := h.e.PlaceOCO(limit, stop, sigLimit, sigStop)
	require.NoError(t, err)

	require.NoError(t, h.cancel(alice, resLimit.Order.ID))

	for _, id := range []uint64{resLimit.Order.ID, resStop.Order.ID} {
		o, err := h.e.Order(id)
		require.NoError(t, err)
		assert.Equal(t, core.Cancelled, o.Status)
	}
	assert.Zero(t, h.e.Balance(alice.Address(), "USDC").Locked)
	assert.Equal(t, int64(200), h.e.Balance(alice.Address(), "USDC").Available)
}

func TestOCOFirstLegFillAtPlacementCancelsSecond(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 200})
	bob := h.trader(map[string]int64{"WETH": 10})

	// Bob's ask crosses the first leg the moment it is placed.
	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 10))

	limit := h.order(alice, core.Buy, core.Limit, 5, 10)
	stop := h.order(alice, core.Buy, core.StopLimit, 9, 10)
	stop.Trigger = 8
	stop.Nonce = limit.Nonce + 1

	sigLimit, err := h.e.Authority().SignOrder(alice, limit)
	require.NoError(t, err)
	sigStop, err := h.e.Authority().SignOrder(alice, stop)
	require.NoError(t, err)

	resLimit, resStop, err := h.e.PlaceOCO(limit, stop, sigLimit, sigStop)
	require.NoError(t, err)
	require.Len(t, resLimit.Trades, 1, "first leg executed at placement")

	// The fill consumed the pair: the second leg must not survive as a
	// standalone order.
	stopOrder, err := h.e.Order(resStop.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, stopOrder.Status)

	bal := h.e.Balance(alice.Address(), "USDC")
	assert.Zero(t, bal.Locked, "sibling's lock released with it")
	assert.Equal(t, int64(150), bal.Available, "200 minus the 50 spent on the fill")
}

func TestTradeHookCanQueryEngine(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})
	bob := h.trader(map[string]int64{"WETH": 10})

	// Hooks run after the engine releases its lock, so re-entrant queries
	// must not deadlock. This is exactly what the API's market-data hook does.
	var seen []*core.Trade
	h.e.SetTradeHook(func(tr *core.Trade) {
		_, _, err := h.e.Depth(tr.Symbol(), 20)
		require.NoError(t, err)
		assert.Equal(t, tr.Price, h.e.LastPrice(tr.Symbol()))
		seen = append(seen, tr)
	})

	h.mustPlace(bob, h.order(bob, core.Sell, core.Limit, 5, 10))
	h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	require.Len(t, seen, 1)
	assert.Equal(t, int64(10), seen[0].Amount)
}

func TestPriceAbovePairBoundRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Pairs[0].MaxPrice = 1_000

	h := newHarnessWithConfig(t, true, cfg)
	alice := h.trader(map[string]int64{"USDC": 100})

	_, err := h.place(alice, h.order(alice, core.Buy, core.Limit, 1_001, 1))
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	stop := h.order(alice, core.Buy, core.StopLimit, 1_000, 1)
	stop.Trigger = 2_000
	_, err = h.place(alice, stop)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "trigger is bounded like a price")
}

func TestStopFiresOnLastTradePrice(t *testing.T) {
	h := newHarness(t, true)
	carol := h.trader(map[string]int64{"USDC": 100})
	dave := h.trader(map[string]int64{"WETH": 10})
	frank := h.trader(map[string]int64{"WETH": 1})
	grace := h.trader(map[string]int64{"USDC": 30})

	// Seed a last price of 10.
	h.mustPlace(frank, h.order(frank, core.Sell, core.Limit, 10, 1))
	h.mustPlace(grace, h.order(grace, core.Buy, core.Limit, 10, 1))
	require.Equal(t, int64(10), h.e.LastPrice("WETH-USDC"))

	// Carol waits for a breakout above 12, dave's ask provides the liquidity.
	h.mustPlace(dave, h.order(dave, core.Sell, core.Limit, 13, 5))
	stop := h.order(carol, core.Buy, core.StopLimit, 13, 5)
	stop.Trigger = 12
	placed := h.mustPlace(carol, stop)
	assert.Empty(t, placed.Trades, "last price 10 is below the trigger")

	// A trade at 12 crosses the trigger and the stop chases dave's ask.
	h.mustPlace(dave, h.order(dave, core.Sell, core.Limit, 12, 1))
	breakout := h.mustPlace(grace, h.order(grace, core.Buy, core.Limit, 12, 1))

	require.Len(t, breakout.Trades, 2, "grace's trade plus carol's activated stop")
	assert.Equal(t, int64(12), breakout.Trades[0].Price)
	assert.Equal(t, int64(13), breakout.Trades[1].Price)
	assert.Equal(t, int64(5), h.e.Balance(carol.Address(), "WETH").Available)

	stopOrder, err := h.e.Order(placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Filled, stopOrder.Status)
	assert.False(t, stopOrder.Pending)
}

func TestExpiredOrderRetiredOnTouch(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"WETH": 10})
	bob := h.trader(map[string]int64{"USDC": 100})

	sell := h.order(alice, core.Sell, core.Limit, 5, 10)
	sell.Deadline = h.clock.Now().Unix() + 100
	placed := h.mustPlace(alice, sell)

	h.clock.Advance(200 * time.Second)

	buy := h.mustPlace(bob, h.order(bob, core.Buy, core.Limit, 5, 10))
	assert.Empty(t, buy.Trades, "dead liquidity does not execute")

	o, err := h.e.Order(placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Expired, o.Status)
	assert.Zero(t, h.e.Balance(alice.Address(), "WETH").Locked, "expiry released the lock")
	assert.Equal(t, int64(50), h.e.Balance(bob.Address(), "USDC").Locked, "the buy rests")
}

func TestDepositWithdraw(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})

	assert.ErrorIs(t, h.e.Deposit(alice.Address(), "DOGE", 5), core.ErrUnknownAsset)
	assert.ErrorIs(t, h.e.Withdraw(alice.Address(), "USDC", 150), core.ErrInsufficientFunds)

	h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	// Locked funds are not withdrawable.
	assert.ErrorIs(t, h.e.Withdraw(alice.Address(), "USDC", 60), core.ErrInsufficientFunds)
	require.NoError(t, h.e.Withdraw(alice.Address(), "USDC", 50))
	assert.Zero(t, h.e.Balance(alice.Address(), "USDC").Available)
	assert.Equal(t, int64(50), h.e.Balance(alice.Address(), "USDC").Locked)
}

func TestPausedEngineRejectsPlacementButAllowsCancel(t *testing.T) {
	h := newHarness(t, true)
	alice := h.trader(map[string]int64{"USDC": 100})

	placed := h.mustPlace(alice, h.order(alice, core.Buy, core.Limit, 5, 10))

	h.e.SetPaused(true)
	_, err := h.place(alice, h.order(alice, core.Buy, core.Limit, 5, 1))
	assert.ErrorIs(t, err, core.ErrMarketPaused)

	assert.NoError(t, h.cancel(alice, placed.Order.ID), "traders can always exit")
}

func TestBlacklistedTraderRejected(t *testing.T) {
	banned, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Engine.Blacklist = []string{banned.Address().Hex()}
	h := newHarnessWithConfig(t, true, cfg)

	require.NoError(t, h.e.Deposit(banned.Address(), "USDC", 100))
	_, err = h.place(banned, h.order(banned, core.Buy, core.Limit, 5, 10))
	assert.ErrorIs(t, err, core.ErrBlacklisted)
}

func TestBeginBlockAdvancesHeight(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, uint64(1), h.e.BeginBlock())
	assert.Equal(t, uint64(2), h.e.BeginBlock())
	assert.Equal(t, uint64(2), h.e.Height())
}
