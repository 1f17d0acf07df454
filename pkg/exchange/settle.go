package exchange

import (
	"fmt"

	"go.uber.org/zap"

	"bifrost/pkg/core"
	"bifrost/pkg/core/book"
	"bifrost/pkg/core/match"
	"bifrost/pkg/journal"
)

// SignedTrade is one settlement batch entry: a trade proposal plus the
// matcher signature over it.
type SignedTrade struct {
	Trade     core.Trade `json:"trade"`
	Signature []byte     `json:"signature"`
}

// SettleReport is the per-entry outcome of a batch. Entries settle
// independently: one failure never rolls back or blocks its neighbors.
type SettleReport struct {
	TradeID uint64
	Err     error
}

// SettleBatch applies a batch of matcher-signed trades in order. Each entry
// runs the full pipeline: matcher signature, replay record, order-state
// validation, rate guard, then the balance moves. Trade hooks fire after the
// engine mutex is released.
func (e *Engine) SettleBatch(batch []SignedTrade) []SettleReport {
	e.mu.Lock()
	reports := make([]SettleReport, 0, len(batch))
	var settled []*core.Trade
	for i := range batch {
		t := batch[i].Trade
		err := e.settleOneLocked(&t, batch[i].Signature)
		if err == nil {
			settled = append(settled, &t)
			if b, ok := e.books[t.Symbol()]; ok {
				settled = append(settled, e.activateStopsLocked(b)...)
			}
		}
		reports = append(reports, SettleReport{TradeID: t.ID, Err: err})
	}
	hook := e.onTrade
	e.mu.Unlock()

	emitTrades(hook, settled)
	return reports
}

// settleOneLocked runs one trade through verification, validation and
// application. Nothing mutates until every check has passed.
func (e *Engine) settleOneLocked(t *core.Trade, signature []byte) error {
	matcher, err := e.auth.VerifyTrade(t, signature)
	if err != nil {
		return err
	}
	// Replay records are keyed by matcher principal: independent matchers
	// number their own nonces and must not collide.
	if _, dup := e.settledNonces[matcher][t.Nonce]; dup {
		return fmt.Errorf("%w: trade nonce %d already settled", core.ErrInvalidTrade, t.Nonce)
	}
	buy, sell, err := e.validateTradeLocked(t)
	if err != nil {
		return err
	}
	if err := e.guard.Allow(); err != nil {
		return err
	}
	if err := e.applyTradeLocked(t, buy, sell); err != nil {
		return err
	}

	byMatcher := e.settledNonces[matcher]
	if byMatcher == nil {
		byMatcher = make(map[uint64]uint64)
		e.settledNonces[matcher] = byMatcher
	}
	byMatcher[t.Nonce] = e.height
	e.lastPrice[t.Symbol()] = t.Price
	e.journal(journal.TradeExecuted, t)
	e.log.Info("trade settled",
		zap.Uint64("id", t.ID),
		zap.String("symbol", t.Symbol()),
		zap.Int64("amount", t.Amount),
		zap.Int64("price", t.Price),
		zap.Uint64("buy", t.BuyOrderID),
		zap.Uint64("sell", t.SellOrderID))
	return nil
}

// validateTradeLocked checks a proposed trade against current order and
// ledger state without mutating anything except lazy expiry of touched
// orders. Returns the two live orders on success.
func (e *Engine) validateTradeLocked(t *core.Trade) (buy, sell *core.Order, err error) {
	if t.Amount <= 0 || t.Price <= 0 {
		return nil, nil, fmt.Errorf("%w: amount %d price %d", core.ErrInvalidTrade, t.Amount, t.Price)
	}
	if t.BuyOrderID == t.SellOrderID {
		return nil, nil, fmt.Errorf("%w: order %d on both sides", core.ErrInvalidTrade, t.BuyOrderID)
	}

	lookup := func(id uint64) (*core.Order, error) {
		if o, ok := e.orders[id]; ok {
			return o, nil
		}
		if _, done := e.archive[id]; done {
			return nil, fmt.Errorf("%w: order %d already settled", core.ErrOrderNotActive, id)
		}
		return nil, fmt.Errorf("%w: unknown order %d", core.ErrInvalidTrade, id)
	}
	if buy, err = lookup(t.BuyOrderID); err != nil {
		return nil, nil, err
	}
	if sell, err = lookup(t.SellOrderID); err != nil {
		return nil, nil, err
	}

	if buy.Side != core.Buy || sell.Side != core.Sell {
		return nil, nil, fmt.Errorf("%w: sides do not match roles", core.ErrInvalidTrade)
	}
	if buy.Symbol() != t.Symbol() || sell.Symbol() != t.Symbol() {
		return nil, nil, fmt.Errorf("%w: pair mismatch", core.ErrInvalidTrade)
	}
	if buy.Trader == sell.Trader {
		return nil, nil, fmt.Errorf("%w: self-trade", core.ErrInvalidTrade)
	}
	if buy.Pending || sell.Pending {
		return nil, nil, fmt.Errorf("%w: untriggered stop order", core.ErrOrderNotActive)
	}

	// Expiry is lazy, on touch: a dead order encountered here is retired and
	// the trade rejected.
	nowSec := e.clock.Now().Unix()
	if buy.ExpiredAt(nowSec) {
		e.expireLocked(buy.ID)
		return nil, nil, fmt.Errorf("%w: buy order %d expired", core.ErrOrderNotActive, buy.ID)
	}
	if sell.ExpiredAt(nowSec) {
		e.expireLocked(sell.ID)
		return nil, nil, fmt.Errorf("%w: sell order %d expired", core.ErrOrderNotActive, sell.ID)
	}

	if t.Amount > buy.Remaining() || t.Amount > sell.Remaining() {
		return nil, nil, fmt.Errorf("%w: amount %d exceeds remaining (buy %d, sell %d)",
			core.ErrInvalidTrade, t.Amount, buy.Remaining(), sell.Remaining())
	}

	// Price must respect both limits. The buy bound is its lock price, which
	// equals the limit price for limit buys and the padded reference for
	// market buys. Market sells carry no floor.
	if t.Price > buy.LockPrice {
		return nil, nil, fmt.Errorf("%w: price %d above buy bound %d", core.ErrInvalidTrade, t.Price, buy.LockPrice)
	}
	if sell.Price > 0 && t.Price < sell.Price {
		return nil, nil, fmt.Errorf("%w: price %d below sell limit %d", core.ErrInvalidTrade, t.Price, sell.Price)
	}

	// The locked bookkeeping must cover this execution exactly.
	if t.Amount*buy.LockPrice > buy.LockedRemaining {
		return nil, nil, fmt.Errorf("%w: buy lock %d cannot cover %d", core.ErrInvalidTrade, buy.LockedRemaining, t.Amount*buy.LockPrice)
	}
	if t.Amount > sell.LockedRemaining {
		return nil, nil, fmt.Errorf("%w: sell lock %d cannot cover %d", core.ErrInvalidTrade, sell.LockedRemaining, t.Amount)
	}

	if e.ledger.Frozen(buy.Trader) || e.ledger.Frozen(sell.Trader) {
		return nil, nil, fmt.Errorf("%w: party frozen", core.ErrInvariantViolation)
	}
	return buy, sell, nil
}

// applyTradeLocked moves the balances for a validated trade. The buyer's
// spend comes out of their order lock at the lock price, with the difference
// to the execution price refunded to available; the seller's base leaves
// their lock one for one. Fees come out of what each side receives.
//
// A ledger failure here means validation and bookkeeping disagree. Both
// parties are frozen so the half-applied state cannot compound.
func (e *Engine) applyTradeLocked(t *core.Trade, buy, sell *core.Order) error {
	buyRates := e.fees.RatesFor(buy.Trader)
	sellRates := e.fees.RatesFor(sell.Trader)
	var buyBps, sellBps int64
	if t.TakerSide == core.Buy {
		buyBps, sellBps = buyRates.TakerBps, sellRates.MakerBps
	} else {
		buyBps, sellBps = buyRates.MakerBps, sellRates.TakerBps
	}

	quoteTotal := t.Amount * t.Price
	t.BuyerFee = e.fees.Fee(buyBps, t.Amount)     // base, from what the buyer receives
	t.SellerFee = e.fees.Fee(sellBps, quoteTotal) // quote, from what the seller receives

	fail := func(step string, err error) error {
		e.ledger.Freeze(buy.Trader)
		e.ledger.Freeze(sell.Trader)
		e.log.Error("trade apply failed mid-flight, parties frozen",
			zap.Uint64("trade", t.ID), zap.String("step", step), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", core.ErrInvariantViolation, step, err)
	}

	buyerSpendLock := t.Amount * buy.LockPrice
	if err := e.ledger.Unlock(buy.Trader, t.Quote, buyerSpendLock); err != nil {
		return fail("unlock buyer quote", err)
	}
	if err := e.ledger.Debit(buy.Trader, t.Quote, quoteTotal); err != nil {
		return fail("debit buyer quote", err)
	}
	if err := e.ledger.Unlock(sell.Trader, t.Base, t.Amount); err != nil {
		return fail("unlock seller base", err)
	}
	if err := e.ledger.Debit(sell.Trader, t.Base, t.Amount); err != nil {
		return fail("debit seller base", err)
	}
	if recv := t.Amount - t.BuyerFee; recv > 0 {
		if err := e.ledger.Credit(buy.Trader, t.Base, recv); err != nil {
			return fail("credit buyer base", err)
		}
	}
	if recv := quoteTotal - t.SellerFee; recv > 0 {
		if err := e.ledger.Credit(sell.Trader, t.Quote, recv); err != nil {
			return fail("credit seller quote", err)
		}
	}
	if e.hasRecipient {
		if t.BuyerFee > 0 {
			if err := e.ledger.Credit(e.feeRecipient, t.Base, t.BuyerFee); err != nil {
				return fail("credit fee base", err)
			}
		}
		if t.SellerFee > 0 {
			if err := e.ledger.Credit(e.feeRecipient, t.Quote, t.SellerFee); err != nil {
				return fail("credit fee quote", err)
			}
		}
	}

	buy.Filled += t.Amount
	buy.LockedRemaining -= buyerSpendLock
	sell.Filled += t.Amount
	sell.LockedRemaining -= t.Amount

	e.finishIfFilledLocked(buy)
	e.finishIfFilledLocked(sell)
	return nil
}

// finishIfFilledLocked retires a fully filled order and cancels its OCO
// sibling.
func (e *Engine) finishIfFilledLocked(o *core.Order) {
	if o.Remaining() > 0 {
		return
	}

	if b, ok := e.books[o.Symbol()]; ok {
		b.Remove(o.ID)
	}
	if o.LockedRemaining > 0 {
		asset := o.Base
		if o.Side == core.Buy {
			asset = o.Quote
		}
		if err := e.ledger.Unlock(o.Trader, asset, o.LockedRemaining); err != nil {
			e.log.Error("residual unlock failed", zap.Uint64("order", o.ID), zap.Error(err))
		}
		o.LockedRemaining = 0
	}

	o.Status = core.Filled
	delete(e.orders, o.ID)
	e.archive[o.ID] = o
	e.journal(journal.OrderFilled, o)

	if o.LinkedOrderID != 0 {
		if sibling, ok := e.orders[o.LinkedOrderID]; ok {
			sibling.LinkedOrderID = 0
			if err := e.cancelOpenLocked(sibling, core.Cancelled); err != nil {
				e.log.Error("oco sibling cancel failed", zap.Uint64("order", sibling.ID), zap.Error(err))
			}
		}
		o.LinkedOrderID = 0
	}
}

// matchAndSettleLocked runs the pure matcher over an incoming order and
// settles each proposal through the same signed pipeline external batches
// use. Returns the trades that actually settled. No-op in external-matcher
// mode: the order simply rests.
func (e *Engine) matchAndSettleLocked(o *core.Order, b *book.Book) []*core.Trade {
	if e.matcher == nil {
		return nil
	}

	now := e.clock.Now()
	res := match.Match(o, b, e.nextTradeID, now.Unix(), now.UnixMilli())
	for _, id := range res.ExpiredIDs {
		e.expireLocked(id)
	}

	var settled []*core.Trade
	for i := range res.Trades {
		t := res.Trades[i]
		t.Nonce = t.ID
		sig, err := e.auth.SignTrade(e.matcher, &t)
		if err != nil {
			e.log.Error("matcher signing failed", zap.Uint64("trade", t.ID), zap.Error(err))
			break
		}
		if err := e.settleOneLocked(&t, sig); err != nil {
			e.log.Warn("auto-settle rejected", zap.Uint64("trade", t.ID), zap.Error(err))
			break
		}
		settled = append(settled, &t)
	}

	// Unfilled market and triggered-stop quantity never rests.
	if o.Status == core.Active && o.Remaining() > 0 &&
		(o.Kind == core.Market || o.Kind == core.Stop) {
		if err := e.cancelOpenLocked(o, core.Cancelled); err != nil {
			e.log.Error("market remainder cancel failed", zap.Uint64("order", o.ID), zap.Error(err))
		}
	}
	return settled
}

// activateStopsLocked drains the book's trigger pool against the current
// last-trade price, repeatedly: settling an activated stop can move the
// price and fire further stops. Terminates because each pass permanently
// removes the fired orders from the pool.
func (e *Engine) activateStopsLocked(b *book.Book) []*core.Trade {
	var out []*core.Trade
	for {
		last, ok := e.lastPrice[b.Symbol()]
		if !ok || last <= 0 {
			return out
		}
		fired := b.Triggered(last)
		if len(fired) == 0 {
			return out
		}

		nowSec := e.clock.Now().Unix()
		for _, o := range fired {
			if o.ExpiredAt(nowSec) {
				e.expireLocked(o.ID)
				continue
			}
			if o.Kind == core.StopLimit {
				b.Admit(o) // now rests as a plain limit order
			}
			out = append(out, e.matchAndSettleLocked(o, b)...)
		}
	}
}
