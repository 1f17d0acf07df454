package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side of an order.
type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the matching side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind is a closed set of order variants. One-cancels-other pairs are
// expressed through Order.LinkedOrderID on two legs rather than a dedicated
// kind, so each leg keeps its own market/limit/stop semantics.
type OrderKind int8

const (
	Market OrderKind = iota + 1
	Limit
	Stop      // market once triggered
	StopLimit // limit once triggered
)

func (k OrderKind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// OrderStatus is the order lifecycle. Transitions run Active to exactly one
// terminal state and never reverse.
type OrderStatus int8

const (
	Active OrderStatus = iota
	Filled
	Cancelled
	Expired
)

func (s OrderStatus) String() string {
	switch s {
	case Active:
		return "active"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a signed buy/sell intent. Prices are integer quote units per base
// unit, amounts integer base units (teacher-style tick/lot accounting).
type Order struct {
	ID     uint64         `json:"id"`
	Trader common.Address `json:"trader"`
	Base   string         `json:"base"`
	Quote  string         `json:"quote"`

	Amount   int64 `json:"amount"`
	Price    int64 `json:"price"`    // 0 = market
	Trigger  int64 `json:"trigger"`  // 0 unless stop / stop-limit
	Deadline int64 `json:"deadline"` // unix seconds, 0 = no expiry

	Side Side      `json:"side"`
	Kind OrderKind `json:"kind"`

	Filled int64       `json:"filled"`
	Status OrderStatus `json:"status"`

	// Pending marks stop orders waiting on their trigger. Orthogonal to the
	// lifecycle: a pending order is Active but not yet eligible for matching.
	Pending bool `json:"pending"`

	// LinkedOrderID names the OCO sibling; fill or cancel of either leg
	// cancels the other through this link. 0 = not linked.
	LinkedOrderID uint64 `json:"linked_order_id,omitempty"`

	Nonce uint64 `json:"nonce"`

	// LockedRemaining is the ledger balance still locked for this order:
	// quote units for buys, base units for sells. Unlocks always release
	// exactly this bookkeeping, which is the anti-double-spend pairing.
	LockedRemaining int64 `json:"locked_remaining"`
	// LockPrice is the per-unit quote amount locked for a buy. For limit and
	// stop-limit buys it equals the limit price; for market and stop buys it
	// is the padded reference price captured at lock time.
	LockPrice int64 `json:"lock_price"`

	CreatedAt int64 `json:"created_at"` // unix nanos, time priority within a price level
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Amount - o.Filled
}

// Terminal reports whether the order accepts no further mutation.
func (o *Order) Terminal() bool {
	return o.Status != Active
}

// Matchable reports whether the order can participate in matching right now.
func (o *Order) Matchable() bool {
	return o.Status == Active && !o.Pending && o.Remaining() > 0
}

// ExpiredAt reports whether the order's deadline has passed at the given
// unix-seconds instant. Deadline 0 never expires.
func (o *Order) ExpiredAt(nowSec int64) bool {
	return o.Deadline > 0 && nowSec > o.Deadline
}

// Symbol returns the pair symbol, e.g. "WETH-USDC".
func (o *Order) Symbol() string {
	return o.Base + "-" + o.Quote
}

// Trade is a matcher-proposed execution between one buy and one sell order.
// It becomes immutable fact only once the settlement engine applies it.
type Trade struct {
	ID          uint64 `json:"id"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`

	Base  string `json:"base"`
	Quote string `json:"quote"`

	Amount int64 `json:"amount"`
	Price  int64 `json:"price"` // always the resting order's price

	// TakerSide is the side of the incoming order that consumed liquidity.
	// The opposite order is the maker. Fee roles follow this designation.
	TakerSide Side `json:"taker_side"`

	// Fees are filled in at settlement, each in the asset that side receives:
	// base for the buyer, quote for the seller.
	BuyerFee  int64 `json:"buyer_fee"`
	SellerFee int64 `json:"seller_fee"`

	// Nonce is matcher-chosen and bound into the trade signature.
	Nonce uint64 `json:"nonce"`

	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

func (t *Trade) Symbol() string {
	return t.Base + "-" + t.Quote
}

func (t *Trade) String() string {
	return fmt.Sprintf("trade#%d %s %d@%d (buy#%d/sell#%d)",
		t.ID, t.Symbol(), t.Amount, t.Price, t.BuyOrderID, t.SellOrderID)
}
