// Package book holds the open orders of one trading pair, partitioned by
// side and kept in price-then-time priority: heap of price levels plus a
// FIFO queue per level, with an id index for O(1) removal.
//
// The book only stores; validation is the caller's job, and matching reads
// the book through BestOpposite without mutating it.
package book

import (
	"container/heap"
	"sort"
	"sync"

	"bifrost/pkg/core"
)

// Level aggregates resting quantity at one price.
type Level struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
}

type Book struct {
	mu     sync.RWMutex
	symbol string

	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	// price -> FIFO queue of resting orders at that level
	bids map[int64][]*core.Order
	asks map[int64][]*core.Order

	// order id -> resting price, for O(1) cancellation
	index map[uint64]int64

	// Stop and stop-limit orders waiting on their trigger. They occupy no
	// price level and are invisible to BestOpposite until activated.
	pending map[uint64]*core.Order
}

func New(symbol string) *Book {
	bidHeap := &maxPriceHeap{}
	askHeap := &minPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol:  symbol,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[int64][]*core.Order),
		asks:    make(map[int64][]*core.Order),
		index:   make(map[uint64]int64),
		pending: make(map[uint64]*core.Order),
	}
}

func (b *Book) Symbol() string { return b.symbol }

// Admit inserts an order into the side matching its own. Pending stop
// orders go to the trigger pool instead of a price level.
func (b *Book) Admit(o *core.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Pending {
		b.pending[o.ID] = o
		return
	}

	if o.Side == core.Buy {
		if len(b.bids[o.Price]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[o.Price] = append(b.bids[o.Price], o)
	} else {
		if len(b.asks[o.Price]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[o.Price] = append(b.asks[o.Price], o)
	}
	b.index[o.ID] = o.Price
}

// Remove deletes an order if present. Idempotent: removing an absent or
// already removed id is a no-op returning false.
func (b *Book) Remove(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[id]; ok {
		delete(b.pending, id)
		return true
	}

	price, ok := b.index[id]
	if !ok {
		return false
	}

	if removed := b.removeFromLevel(b.bids, price, id, true); removed {
		delete(b.index, id)
		return true
	}
	if removed := b.removeFromLevel(b.asks, price, id, false); removed {
		delete(b.index, id)
		return true
	}
	return false
}

func (b *Book) removeFromLevel(side map[int64][]*core.Order, price int64, id uint64, isBid bool) bool {
	queue, ok := side[price]
	if !ok {
		return false
	}
	for i, o := range queue {
		if o.ID != id {
			continue
		}
		side[price] = append(queue[:i], queue[i+1:]...)
		if len(side[price]) == 0 {
			delete(side, price)
			b.dropLevel(price, isBid)
		}
		return true
	}
	return false
}

// dropLevel removes a now-empty price level from its heap. O(n) but rare.
func (b *Book) dropLevel(price int64, isBid bool) {
	if isBid {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if (*b.bidHeap)[i] == price {
				heap.Remove(b.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i] == price {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// BestOpposite returns the opposite-side orders an incoming order on `side`
// may trade against, in price-then-time priority. limitPrice bounds the walk
// (price <= limit for buys, >= limit for sells); limitPrice 0 means no bound,
// which is how market orders walk the book. The returned slice is a snapshot:
// callers must not mutate the book while holding it without re-checking.
func (b *Book) BestOpposite(side core.Side, limitPrice int64) []*core.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var prices []int64
	if side == core.Buy {
		// Buy consumes asks, cheapest first.
		for price := range b.asks {
			if limitPrice == 0 || price <= limitPrice {
				prices = append(prices, price)
			}
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	} else {
		// Sell consumes bids, highest first.
		for price := range b.bids {
			if limitPrice == 0 || price >= limitPrice {
				prices = append(prices, price)
			}
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	}

	var out []*core.Order
	for _, price := range prices {
		if side == core.Buy {
			out = append(out, b.asks[price]...)
		} else {
			out = append(out, b.bids[price]...)
		}
	}
	return out
}

// Triggered drains pending stop orders whose trigger the reference price
// has crossed: buy stops fire when ref >= trigger, sell stops when
// ref <= trigger. Results come back in order-id order so activation is
// deterministic. The caller re-admits or matches the activated orders.
func (b *Book) Triggered(refPrice int64) []*core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fired []*core.Order
	for id, o := range b.pending {
		crossed := (o.Side == core.Buy && refPrice >= o.Trigger) ||
			(o.Side == core.Sell && refPrice <= o.Trigger)
		if crossed {
			fired = append(fired, o)
			delete(b.pending, id)
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].ID < fired[j].ID })
	for _, o := range fired {
		o.Pending = false
	}
	return fired
}

// Depth returns aggregated bid and ask levels, best first, up to maxLevels
// per side (0 = all).
func (b *Book) Depth(maxLevels int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = aggregate(b.bids, true, maxLevels)
	asks = aggregate(b.asks, false, maxLevels)
	return bids, asks
}

func aggregate(side map[int64][]*core.Order, descending bool, maxLevels int) []Level {
	levels := make([]Level, 0, len(side))
	for price, queue := range side {
		var total int64
		for _, o := range queue {
			total += o.Remaining()
		}
		if total > 0 {
			levels = append(levels, Level{Price: price, Amount: total})
		}
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if maxLevels > 0 && len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

// BestBid returns the highest bid price, 0 if none.
func (b *Book) BestBid() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bidHeap.Peek()
}

// BestAsk returns the lowest ask price, 0 if none.
func (b *Book) BestAsk() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.askHeap.Peek()
}

// PendingCount reports how many stop orders await their trigger.
func (b *Book) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}
