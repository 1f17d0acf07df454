// Package exchange is the settlement engine: the sole owner of custodied
// balances and order state. Orders enter signed, funds are locked up front,
// and balances only move when a matcher-signed trade passes full validation.
// Matching itself is pure; everything that mutates state lives here.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bifrost/params"
	"bifrost/pkg/core"
	"bifrost/pkg/core/auth"
	"bifrost/pkg/core/book"
	"bifrost/pkg/core/ledger"
	"bifrost/pkg/core/market"
	"bifrost/pkg/crypto"
	"bifrost/pkg/journal"
	"bifrost/pkg/util"
)

// Options wires the engine's collaborators. Ledger and Logger are required;
// Journal is optional, Matcher nil means external-matcher mode.
type Options struct {
	Config  params.Config
	Ledger  *ledger.Ledger
	Journal *journal.Journal
	Logger  *zap.Logger
	Clock   util.Clock

	// Matcher signs trades for co-located matching. When nil the engine only
	// settles pre-signed batches from external matchers, and order kinds that
	// need immediate execution (market, stop) are rejected at placement.
	Matcher *crypto.Signer
}

// PlaceResult reports what happened to a newly placed order: the stored
// order (with engine-assigned id) and any trades settled immediately.
type PlaceResult struct {
	Order  *core.Order   `json:"order"`
	Trades []*core.Trade `json:"trades,omitempty"`
}

type Engine struct {
	mu  sync.Mutex
	log *zap.Logger

	ledger *ledger.Ledger
	auth   *auth.Authority
	pairs  *market.Registry
	fees   *core.FeeSchedule
	guard  *RateGuard
	jnl    *journal.Journal
	clock  util.Clock

	books   map[string]*book.Book  // symbol -> book
	orders  map[uint64]*core.Order // open orders
	archive map[uint64]*core.Order // terminal orders

	orderSeq uint64
	tradeSeq uint64
	height   uint64

	lastPrice map[string]int64 // symbol -> last trade price

	// settledNonces records, per matcher principal, the nonce of every
	// applied trade and the height it settled at. Order-state validation
	// already stops most replays (the referenced orders no longer carry the
	// quantity); this closes the remaining gap where a partial fill leaves
	// enough quantity for a second application. Records older than
	// nonceRetention blocks are pruned on rollover.
	settledNonces  map[common.Address]map[uint64]uint64
	nonceRetention uint64

	matcher      *crypto.Signer
	feeRecipient common.Address
	hasRecipient bool
	slippageBps  int64
	paused       bool
	assets       map[string]bool
	blacklist    map[common.Address]bool

	// onTrade is invoked once per settled trade, after the engine mutex is
	// released, so hooks are free to query the engine. Transports hook
	// market-data feeds here.
	onTrade func(*core.Trade)
}

func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: engine needs a ledger", core.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}

	cfg := opts.Config
	e := &Engine{
		log:    opts.Logger.Named("engine"),
		ledger: opts.Ledger,
		auth: auth.New(crypto.Domain{
			Name:    cfg.Domain.Name,
			Version: cfg.Domain.Version,
			ChainID: cfg.Domain.ChainID,
		}),
		pairs:         market.NewRegistry(),
		fees:          core.NewFeeSchedule(core.FeeRates{MakerBps: cfg.Fees.MakerBps, TakerBps: cfg.Fees.TakerBps}, cfg.Fees.MaxFee),
		guard:         NewRateGuard(cfg.Engine.BlockTradeLimit),
		jnl:           opts.Journal,
		clock:         opts.Clock,
		books:         make(map[string]*book.Book),
		orders:        make(map[uint64]*core.Order),
		archive:       make(map[uint64]*core.Order),
		lastPrice:     make(map[string]int64),
		settledNonces: make(map[common.Address]map[uint64]uint64),
		matcher:       opts.Matcher,
		slippageBps:   cfg.Engine.SlippageBps,
		paused:        cfg.Engine.Pause,
		assets:        make(map[string]bool),
		blacklist:     make(map[common.Address]bool),
	}

	if cfg.Engine.NonceRetentionBlocks > 0 {
		e.nonceRetention = uint64(cfg.Engine.NonceRetentionBlocks)
	}
	for _, a := range cfg.Engine.Assets {
		e.assets[a] = true
	}
	for _, hex := range cfg.Engine.Blacklist {
		e.blacklist[common.HexToAddress(hex)] = true
	}
	if cfg.Fees.Recipient != "" {
		e.feeRecipient = common.HexToAddress(cfg.Fees.Recipient)
		e.hasRecipient = true
	}
	for _, pc := range cfg.Engine.Pairs {
		p := &market.Pair{
			Base:         pc.Base,
			Quote:        pc.Quote,
			MinOrderSize: pc.MinOrderSize,
			MaxOrderSize: pc.MaxOrderSize,
			MaxPrice:     pc.MaxPrice,
		}
		if err := e.pairs.Register(p); err != nil {
			return nil, err
		}
		e.books[p.Symbol] = book.New(p.Symbol)
		e.assets[pc.Base] = true
		e.assets[pc.Quote] = true
	}

	if e.matcher != nil {
		e.auth.GrantMatcher(e.matcher.Address())
		e.log.Info("co-located matcher enabled", zap.String("matcher", e.matcher.Address().Hex()))
	} else {
		e.log.Info("external-matcher mode: settling pre-signed batches only")
	}
	return e, nil
}

// Authority exposes the signature authority, for transports that serve
// nonces and for granting external matchers.
func (e *Engine) Authority() *auth.Authority { return e.auth }

// Fees exposes the fee schedule for admin overrides.
func (e *Engine) Fees() *core.FeeSchedule { return e.fees }

// SetTradeHook installs the post-settlement callback. Call before serving.
func (e *Engine) SetTradeHook(fn func(*core.Trade)) {
	e.mu.Lock()
	e.onTrade = fn
	e.mu.Unlock()
}

// SetPaused halts or resumes order placement. Settlement and cancels keep
// working while paused so traders can always exit.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
}

// BeginBlock opens a new settlement window: bumps the height, resets the
// per-block trade ceiling and prunes expired replay records.
func (e *Engine) BeginBlock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.height++
	e.guard.BeginBlock()
	e.pruneNonceRecordsLocked()
	return e.height
}

// pruneNonceRecordsLocked drops replay records that fell out of the
// retention window. Beyond the horizon, order-state validation remains the
// backstop: fully consumed orders reject every replay.
func (e *Engine) pruneNonceRecordsLocked() {
	if e.nonceRetention == 0 {
		return
	}
	for matcher, byNonce := range e.settledNonces {
		for nonce, height := range byNonce {
			if height+e.nonceRetention < e.height {
				delete(byNonce, nonce)
			}
		}
		if len(byNonce) == 0 {
			delete(e.settledNonces, matcher)
		}
	}
}

// Height returns the current block height.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// Deposit credits custodied funds to a principal.
func (e *Engine) Deposit(p common.Address, asset string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.assets[asset] {
		return fmt.Errorf("%w: %s", core.ErrUnknownAsset, asset)
	}
	if err := e.ledger.Credit(p, asset, amount); err != nil {
		return err
	}
	e.journal(journal.DepositMade, map[string]interface{}{
		"principal": p.Hex(), "asset": asset, "amount": amount,
	})
	return nil
}

// Withdraw debits available (never locked) funds from a principal.
func (e *Engine) Withdraw(p common.Address, asset string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.assets[asset] {
		return fmt.Errorf("%w: %s", core.ErrUnknownAsset, asset)
	}
	if err := e.ledger.Debit(p, asset, amount); err != nil {
		return err
	}
	e.journal(journal.WithdrawalMade, map[string]interface{}{
		"principal": p.Hex(), "asset": asset, "amount": amount,
	})
	return nil
}

// PlaceOrder admits one signed order: validates it, verifies the signature
// and nonce, locks the funds it could spend, and (with a co-located matcher)
// matches and settles immediately.
func (e *Engine) PlaceOrder(o *core.Order, signature []byte) (*PlaceResult, error) {
	e.mu.Lock()
	res, err := e.placeLocked(o, signature)
	hook := e.onTrade
	e.mu.Unlock()

	if err == nil {
		emitTrades(hook, res.Trades)
	}
	return res, err
}

// emitTrades fires the trade hook outside the engine mutex, so hooks can
// query the engine (depth, balances, last price) without deadlocking.
func emitTrades(hook func(*core.Trade), trades []*core.Trade) {
	if hook == nil {
		return
	}
	for _, t := range trades {
		hook(t)
	}
}

func (e *Engine) placeLocked(o *core.Order, signature []byte) (*PlaceResult, error) {
	_, b, err := e.admitChecksLocked(o)
	if err != nil {
		return nil, err
	}

	// Affordability before the signature, so a rejected order burns no
	// nonce. The mutex is held throughout, so the check cannot go stale
	// before the lock below.
	lockAsset, lockAmount, lockPrice, err := e.lockPlanLocked(o, b)
	if err != nil {
		return nil, err
	}
	if e.ledger.Frozen(o.Trader) {
		return nil, fmt.Errorf("%w: account %s frozen", core.ErrInvariantViolation, o.Trader.Hex())
	}
	if avail := e.ledger.Get(o.Trader, lockAsset).Available; avail < lockAmount {
		return nil, fmt.Errorf("%w: %s %s available=%d need=%d",
			core.ErrInsufficientFunds, o.Trader.Hex(), lockAsset, avail, lockAmount)
	}

	if _, err := e.auth.VerifyOrder(o, signature); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	o.ID = e.nextOrderID()
	o.Status = core.Active
	o.Filled = 0
	o.CreatedAt = now.UnixNano()
	o.Pending = o.Kind == core.Stop || o.Kind == core.StopLimit

	if err := e.ledger.Lock(o.Trader, lockAsset, lockAmount); err != nil {
		return nil, err
	}
	if o.Side == core.Buy {
		o.LockPrice = lockPrice
	}
	o.LockedRemaining = lockAmount

	e.orders[o.ID] = o
	// Market orders never rest: they are matched on arrival and the
	// remainder cancelled. Everything else goes to the book (stops into its
	// trigger pool).
	if o.Pending || o.Kind == core.Limit || o.Kind == core.StopLimit {
		b.Admit(o)
	}
	e.journal(journal.OrderPlaced, o)
	e.log.Info("order placed",
		zap.Uint64("id", o.ID),
		zap.String("trader", o.Trader.Hex()),
		zap.String("symbol", o.Symbol()),
		zap.String("side", o.Side.String()),
		zap.String("kind", o.Kind.String()),
		zap.Int64("amount", o.Amount),
		zap.Int64("price", o.Price))

	res := &PlaceResult{Order: o}
	if o.Pending {
		// A stop whose trigger the market already crossed fires immediately.
		res.Trades = e.activateStopsLocked(b)
		return res, nil
	}

	res.Trades = e.matchAndSettleLocked(o, b)
	res.Trades = append(res.Trades, e.activateStopsLocked(b)...)
	return res, nil
}

// admitChecksLocked runs every static validation that needs no signature.
func (e *Engine) admitChecksLocked(o *core.Order) (*market.Pair, *book.Book, error) {
	if o == nil {
		return nil, nil, fmt.Errorf("%w: nil order", core.ErrInvalidInput)
	}
	if e.paused {
		return nil, nil, core.ErrMarketPaused
	}
	if e.blacklist[o.Trader] {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrBlacklisted, o.Trader.Hex())
	}
	if o.Side != core.Buy && o.Side != core.Sell {
		return nil, nil, fmt.Errorf("%w: side %d", core.ErrInvalidInput, o.Side)
	}
	if o.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount %d", core.ErrInvalidInput, o.Amount)
	}

	switch o.Kind {
	case core.Limit:
		if o.Price <= 0 {
			return nil, nil, fmt.Errorf("%w: limit order needs positive price", core.ErrInvalidInput)
		}
		if o.Trigger != 0 {
			return nil, nil, fmt.Errorf("%w: limit order carries a trigger", core.ErrInvalidInput)
		}
	case core.Market:
		if o.Price != 0 {
			return nil, nil, fmt.Errorf("%w: market order carries a price", core.ErrInvalidInput)
		}
		if o.Trigger != 0 {
			return nil, nil, fmt.Errorf("%w: market order carries a trigger", core.ErrInvalidInput)
		}
		if e.matcher == nil {
			return nil, nil, fmt.Errorf("%w: market orders need a co-located matcher", core.ErrInvalidInput)
		}
	case core.Stop:
		if o.Price != 0 || o.Trigger <= 0 {
			return nil, nil, fmt.Errorf("%w: stop order needs a trigger and no price", core.ErrInvalidInput)
		}
		if e.matcher == nil {
			return nil, nil, fmt.Errorf("%w: stop orders need a co-located matcher", core.ErrInvalidInput)
		}
	case core.StopLimit:
		if o.Price <= 0 || o.Trigger <= 0 {
			return nil, nil, fmt.Errorf("%w: stop-limit order needs a trigger and a price", core.ErrInvalidInput)
		}
	default:
		return nil, nil, fmt.Errorf("%w: order kind %d", core.ErrInvalidInput, o.Kind)
	}

	if o.ExpiredAt(e.clock.Now().Unix()) {
		return nil, nil, fmt.Errorf("%w: deadline already passed", core.ErrInvalidInput)
	}

	pair, err := e.pairs.Get(o.Symbol())
	if err != nil {
		return nil, nil, err
	}
	if pair.Paused {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrMarketPaused, pair.Symbol)
	}
	if err := pair.ValidateAmount(o.Amount); err != nil {
		return nil, nil, err
	}
	if o.Price > 0 {
		if err := pair.ValidatePrice(o.Price); err != nil {
			return nil, nil, err
		}
	}
	if o.Trigger > 0 {
		if err := pair.ValidatePrice(o.Trigger); err != nil {
			return nil, nil, err
		}
	}
	return pair, e.books[pair.Symbol], nil
}

// lockPlanLocked computes what placing the order must lock: base for sells,
// amount*lockPrice quote for buys. Market and stop buys have no limit price,
// so their lock uses a slippage-padded reference price.
func (e *Engine) lockPlanLocked(o *core.Order, b *book.Book) (asset string, amount, lockPrice int64, err error) {
	if o.Side == core.Sell {
		return o.Base, o.Amount, 0, nil
	}

	lockPrice = o.Price
	if o.Kind == core.Market || o.Kind == core.Stop {
		ref, ok := e.referencePriceLocked(o, b)
		if !ok {
			return "", 0, 0, fmt.Errorf("%w: no reference price to bound a %s buy", core.ErrInvalidInput, o.Kind)
		}
		lockPrice = ref + ref*e.slippageBps/10_000
		if lockPrice <= ref {
			lockPrice = ref + 1
		}
	}
	return o.Quote, o.Amount * lockPrice, lockPrice, nil
}

// referencePriceLocked picks the price an unbounded buy is costed at:
// last trade price, falling back to the best ask.
func (e *Engine) referencePriceLocked(o *core.Order, b *book.Book) (int64, bool) {
	if last, ok := e.lastPrice[o.Symbol()]; ok && last > 0 {
		return last, true
	}
	if ask := b.BestAsk(); ask > 0 {
		return ask, true
	}
	return 0, false
}

// PlaceOCO admits two orders as a one-cancels-other pair: the first fill or
// cancel of either leg cancels the sibling. Legs share trader, pair, side
// and amount, and their nonces must be consecutive.
func (e *Engine) PlaceOCO(first, second *core.Order, sigFirst, sigSecond []byte) (*PlaceResult, *PlaceResult, error) {
	e.mu.Lock()
	resFirst, resSecond, settled, err := e.placeOCOLocked(first, second, sigFirst, sigSecond)
	hook := e.onTrade
	e.mu.Unlock()

	// Trades that settled are fact even when the pair as a whole failed.
	emitTrades(hook, settled)
	return resFirst, resSecond, err
}

func (e *Engine) placeOCOLocked(first, second *core.Order, sigFirst, sigSecond []byte) (*PlaceResult, *PlaceResult, []*core.Trade, error) {
	if first == nil || second == nil {
		return nil, nil, nil, fmt.Errorf("%w: nil leg", core.ErrInvalidInput)
	}
	if first.Trader != second.Trader {
		return nil, nil, nil, fmt.Errorf("%w: legs belong to different traders", core.ErrInvalidInput)
	}
	if first.Symbol() != second.Symbol() || first.Side != second.Side || first.Amount != second.Amount {
		return nil, nil, nil, fmt.Errorf("%w: legs must share pair, side and amount", core.ErrInvalidInput)
	}
	if second.Nonce != first.Nonce+1 {
		return nil, nil, nil, fmt.Errorf("%w: leg nonces must be consecutive", core.ErrInvalidInput)
	}

	resFirst, err := e.placeLocked(first, sigFirst)
	if err != nil {
		return nil, nil, nil, err
	}
	settled := resFirst.Trades

	resSecond, err := e.placeLocked(second, sigSecond)
	if err != nil {
		// First leg is already live with a burnt nonce; withdraw it so the
		// trader is not left with half a pair. It may have filled during its
		// own placement, in which case there is nothing to withdraw.
		if fo, open := e.orders[first.ID]; open {
			if cancelErr := e.cancelOpenLocked(fo, core.Cancelled); cancelErr != nil {
				e.log.Error("oco rollback failed", zap.Uint64("order", fo.ID), zap.Error(cancelErr))
			}
		}
		return nil, nil, settled, err
	}
	settled = append(settled, resSecond.Trades...)

	// A leg that filled during its own placement consumes the pair: link the
	// legs only while both are open, otherwise withdraw the survivor so it
	// never rests alone.
	fo, firstOpen := e.orders[first.ID]
	so, secondOpen := e.orders[second.ID]
	switch {
	case firstOpen && secondOpen:
		fo.LinkedOrderID = so.ID
		so.LinkedOrderID = fo.ID
	case firstOpen:
		if err := e.cancelOpenLocked(fo, core.Cancelled); err != nil {
			e.log.Error("oco survivor withdrawal failed", zap.Uint64("order", fo.ID), zap.Error(err))
		}
	case secondOpen:
		if err := e.cancelOpenLocked(so, core.Cancelled); err != nil {
			e.log.Error("oco survivor withdrawal failed", zap.Uint64("order", so.ID), zap.Error(err))
		}
	}
	return resFirst, resSecond, settled, nil
}

// CancelOrder withdraws an open order on a signed request from its owner.
// The order's remaining lock is released exactly; an OCO sibling is
// cancelled along with it.
func (e *Engine) CancelOrder(orderID uint64, trader common.Address, nonce uint64, signature []byte) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		if _, done := e.archive[orderID]; done {
			return nil, fmt.Errorf("%w: order %d already settled", core.ErrOrderNotActive, orderID)
		}
		return nil, fmt.Errorf("%w: order %d", core.ErrOrderNotFound, orderID)
	}
	if o.Trader != trader {
		return nil, fmt.Errorf("%w: order %d not owned by %s", core.ErrBadSignature, orderID, trader.Hex())
	}
	if err := e.auth.VerifyCancel(orderID, trader, nonce, signature); err != nil {
		return nil, err
	}

	if err := e.cancelOpenLocked(o, core.Cancelled); err != nil {
		return nil, err
	}
	e.log.Info("order cancelled", zap.Uint64("id", o.ID), zap.String("trader", trader.Hex()))
	return o, nil
}

// cancelOpenLocked retires an open order: removes it from its book, releases
// its remaining lock, archives it and cancels any OCO sibling.
func (e *Engine) cancelOpenLocked(o *core.Order, status core.OrderStatus) error {
	b := e.books[o.Symbol()]
	if b != nil {
		b.Remove(o.ID)
	}
	if o.LockedRemaining > 0 {
		asset := o.Base
		if o.Side == core.Buy {
			asset = o.Quote
		}
		if err := e.ledger.Unlock(o.Trader, asset, o.LockedRemaining); err != nil {
			e.log.Error("unlock on cancel failed", zap.Uint64("order", o.ID), zap.Error(err))
			return err
		}
		o.LockedRemaining = 0
	}

	o.Status = status
	delete(e.orders, o.ID)
	e.archive[o.ID] = o

	evt := journal.OrderCancelled
	if status == core.Expired {
		evt = journal.OrderExpired
	}
	e.journal(evt, o)

	if o.LinkedOrderID != 0 {
		if sibling, ok := e.orders[o.LinkedOrderID]; ok {
			sibling.LinkedOrderID = 0 // break the link before recursing
			if err := e.cancelOpenLocked(sibling, core.Cancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

// expireLocked lazily retires an order whose deadline passed.
func (e *Engine) expireLocked(id uint64) {
	if o, ok := e.orders[id]; ok {
		if err := e.cancelOpenLocked(o, core.Expired); err != nil {
			e.log.Error("expiry failed", zap.Uint64("order", id), zap.Error(err))
		}
	}
}

func (e *Engine) nextOrderID() uint64 {
	e.orderSeq++
	return e.orderSeq
}

func (e *Engine) nextTradeID() uint64 {
	e.tradeSeq++
	return e.tradeSeq
}

func (e *Engine) journal(evtType journal.EventType, payload interface{}) {
	if e.jnl == nil {
		return
	}
	if err := e.jnl.Append(evtType, payload); err != nil {
		e.log.Error("journal append failed", zap.String("type", string(evtType)), zap.Error(err))
	}
}

// Order returns an order by id, open or archived.
func (e *Engine) Order(id uint64) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[id]; ok {
		return o, nil
	}
	if o, ok := e.archive[id]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("%w: order %d", core.ErrOrderNotFound, id)
}

// OpenOrders returns the open orders of one trader.
func (e *Engine) OpenOrders(trader common.Address) []*core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*core.Order
	for _, o := range e.orders {
		if o.Trader == trader {
			out = append(out, o)
		}
	}
	return out
}

// Balance returns the custodied balance of (principal, asset).
func (e *Engine) Balance(p common.Address, asset string) ledger.Balance {
	return e.ledger.Get(p, asset)
}

// Depth returns the aggregated book for a pair.
func (e *Engine) Depth(symbol string, maxLevels int) (bids, asks []book.Level, err error) {
	e.mu.Lock()
	b, ok := e.books[symbol]
	e.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrUnknownPair, symbol)
	}
	bids, asks = b.Depth(maxLevels)
	return bids, asks, nil
}

// LastPrice returns the most recent trade price for a pair, 0 if none.
func (e *Engine) LastPrice(symbol string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice[symbol]
}

// Pairs lists the registered trading pairs.
func (e *Engine) Pairs() []*market.Pair {
	return e.pairs.List()
}

// ExpectedNonce returns the next nonce accepted from a trader.
func (e *Engine) ExpectedNonce(p common.Address) uint64 {
	return e.auth.ExpectedNonce(p)
}
