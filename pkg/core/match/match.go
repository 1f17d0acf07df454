// Package match pairs an incoming order against the opposite side of a
// book, producing trade proposals. It never touches the ledger and never
// mutates the book or the orders it reads: settlement is a separate,
// matcher-authorized step.
package match

import (
	"bifrost/pkg/core"
	"bifrost/pkg/core/book"
)

// Result of one matching pass.
type Result struct {
	// Trades in execution order. Quantities are bounded by both orders'
	// remaining amounts at proposal time; the price is always the resting
	// order's price, so price improvement goes to the incoming order.
	Trades []core.Trade

	// Remainder is the incoming quantity left unfilled after the walk.
	// The caller decides what to do with it: limit remainders rest on the
	// book, market remainders are cancelled.
	Remainder int64

	// ExpiredIDs lists resting orders the walk encountered past their
	// deadline. Expiry is checked lazily, on touch: the caller converts
	// these to Expired and releases their locks.
	ExpiredIDs []uint64
}

// Match walks the opposite side of the book best-to-worst, greedily
// consuming liquidity while the incoming order has remaining quantity.
// nextTradeID supplies proposal ids; nowSec drives lazy expiry; nowMillis
// stamps proposals.
func Match(incoming *core.Order, b *book.Book, nextTradeID func() uint64, nowSec, nowMillis int64) Result {
	res := Result{Remainder: incoming.Remaining()}
	if res.Remainder <= 0 || incoming.Pending {
		return res
	}

	for _, resting := range b.BestOpposite(incoming.Side, incoming.Price) {
		if res.Remainder == 0 {
			break
		}
		if resting.ExpiredAt(nowSec) {
			res.ExpiredIDs = append(res.ExpiredIDs, resting.ID)
			continue
		}
		if !resting.Matchable() {
			continue
		}
		if resting.Trader == incoming.Trader {
			// No self-trading: skip own resting orders.
			continue
		}

		qty := res.Remainder
		if r := resting.Remaining(); r < qty {
			qty = r
		}

		trade := core.Trade{
			ID:        nextTradeID(),
			Base:      incoming.Base,
			Quote:     incoming.Quote,
			Amount:    qty,
			Price:     resting.Price,
			TakerSide: incoming.Side,
			Timestamp: nowMillis,
		}
		if incoming.Side == core.Buy {
			trade.BuyOrderID = incoming.ID
			trade.SellOrderID = resting.ID
		} else {
			trade.BuyOrderID = resting.ID
			trade.SellOrderID = incoming.ID
		}

		res.Trades = append(res.Trades, trade)
		res.Remainder -= qty
	}

	return res
}
