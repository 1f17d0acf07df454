package match

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/pkg/core"
	"bifrost/pkg/core/book"
)

var (
	maker = common.HexToAddress("0x1100000000000000000000000000000000000000")
	taker = common.HexToAddress("0x2200000000000000000000000000000000000000")
)

func seq() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func resting(id uint64, owner common.Address, side core.Side, price, amount, createdAt int64) *core.Order {
	return &core.Order{
		ID:        id,
		Trader:    owner,
		Base:      "WETH",
		Quote:     "USDC",
		Amount:    amount,
		Price:     price,
		Side:      side,
		Kind:      core.Limit,
		Status:    core.Active,
		CreatedAt: createdAt,
	}
}

func incoming(id uint64, side core.Side, price, amount int64, kind core.OrderKind) *core.Order {
	return &core.Order{
		ID:     id,
		Trader: taker,
		Base:   "WETH",
		Quote:  "USDC",
		Amount: amount,
		Price:  price,
		Side:   side,
		Kind:   kind,
		Status: core.Active,
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := book.New("WETH-USDC")
	b.Admit(resting(1, maker, core.Sell, 5, 4, 100))
	b.Admit(resting(2, maker, core.Sell, 6, 3, 200))

	res := Match(incoming(10, core.Buy, 6, 10, core.Limit), b, seq(), 0, 0)

	require.Len(t, res.Trades, 2, "one trade per consumed resting order")
	assert.Equal(t, int64(4), res.Trades[0].Amount)
	assert.Equal(t, int64(5), res.Trades[0].Price, "resting price, not the incoming limit")
	assert.Equal(t, int64(3), res.Trades[1].Amount)
	assert.Equal(t, int64(6), res.Trades[1].Price)
	assert.Equal(t, int64(3), res.Remainder, "10 - (4+3)")

	assert.Equal(t, uint64(10), res.Trades[0].BuyOrderID)
	assert.Equal(t, uint64(1), res.Trades[0].SellOrderID)
	assert.Equal(t, core.Buy, res.Trades[0].TakerSide)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	b := book.New("WETH-USDC")
	b.Admit(resting(1, maker, core.Sell, 5, 4, 100)) // earlier
	b.Admit(resting(2, maker, core.Sell, 5, 4, 200)) // later

	res := Match(incoming(10, core.Buy, 0, 6, core.Market), b, seq(), 0, 0)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, uint64(1), res.Trades[0].SellOrderID, "earlier ask exhausted first")
	assert.Equal(t, int64(4), res.Trades[0].Amount)
	assert.Equal(t, uint64(2), res.Trades[1].SellOrderID)
	assert.Equal(t, int64(2), res.Trades[1].Amount)
	assert.Zero(t, res.Remainder)
}

func TestLimitBoundStopsWalk(t *testing.T) {
	b := book.New("WETH-USDC")
	b.Admit(resting(1, maker, core.Sell, 5, 2, 100))
	b.Admit(resting(2, maker, core.Sell, 7, 2, 200))

	res := Match(incoming(10, core.Buy, 5, 10, core.Limit), b, seq(), 0, 0)

	require.Len(t, res.Trades, 1, "ask at 7 is beyond the buy limit")
	assert.Equal(t, int64(8), res.Remainder)
}

func TestSellSideMatching(t *testing.T) {
	b := book.New("WETH-USDC")
	b.Admit(resting(1, maker, core.Buy, 10, 5, 100))
	b.Admit(resting(2, maker, core.Buy, 9, 5, 200))

	res := Match(incoming(10, core.Sell, 9, 8, core.Limit), b, seq(), 0, 0)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(10), res.Trades[0].Price, "best bid first; seller gets price improvement")
	assert.Equal(t, int64(5), res.Trades[0].Amount)
	assert.Equal(t, int64(9), res.Trades[1].Price)
	assert.Equal(t, int64(3), res.Trades[1].Amount)
	assert.Equal(t, core.Sell, res.Trades[0].TakerSide)
	assert.Equal(t, uint64(10), res.Trades[0].SellOrderID)
}

func TestExpiredRestingOrdersAreReportedNotMatched(t *testing.T) {
	b := book.New("WETH-USDC")
	expired := resting(1, maker, core.Sell, 5, 4, 100)
	expired.Deadline = 50 // past
	b.Admit(expired)
	b.Admit(resting(2, maker, core.Sell, 5, 4, 200))

	res := Match(incoming(10, core.Buy, 5, 4, core.Limit), b, seq(), 100, 0)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, uint64(2), res.Trades[0].SellOrderID)
	assert.Equal(t, []uint64{1}, res.ExpiredIDs)
}

func TestNoSelfTrade(t *testing.T) {
	b := book.New("WETH-USDC")
	own := resting(1, taker, core.Sell, 5, 4, 100) // same trader as incoming
	b.Admit(own)

	res := Match(incoming(10, core.Buy, 5, 4, core.Limit), b, seq(), 0, 0)

	assert.Empty(t, res.Trades)
	assert.Equal(t, int64(4), res.Remainder)
}

func TestPartiallyFilledRestingOrder(t *testing.T) {
	b := book.New("WETH-USDC")
	half := resting(1, maker, core.Sell, 5, 10, 100)
	half.Filled = 6
	b.Admit(half)

	res := Match(incoming(10, core.Buy, 5, 10, core.Limit), b, seq(), 0, 0)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(4), res.Trades[0].Amount, "only the remaining 4 is available")
	assert.Equal(t, int64(6), res.Remainder)
}

func TestPendingIncomingDoesNotMatch(t *testing.T) {
	b := book.New("WETH-USDC")
	b.Admit(resting(1, maker, core.Sell, 5, 4, 100))

	stop := incoming(10, core.Buy, 0, 4, core.Stop)
	stop.Trigger = 6
	stop.Pending = true

	res := Match(stop, b, seq(), 0, 0)
	assert.Empty(t, res.Trades)
	assert.Equal(t, int64(4), res.Remainder)
}
