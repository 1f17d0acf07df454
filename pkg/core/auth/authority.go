// Package auth is the signature authority: it decides whether a structured
// message (order, trade, cancel) was really produced by the claimed
// principal, and tracks per-trader nonces so a once-valid signature cannot
// be replayed.
package auth

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bifrost/pkg/core"
	"bifrost/pkg/crypto"
)

// Authority verifies typed-data signatures and enforces nonce monotonicity.
// Trader nonces are strictly sequential: an order or cancel is valid only if
// its nonce equals the trader's expected next value, which then advances.
//
// Trade signatures are different: they must recover to a principal holding
// matcher authority, but carry no sequencing here. Replaying a settled trade
// is rejected downstream, by the settlement engine's record of applied
// matcher nonces and by order-state validation.
type Authority struct {
	mu       sync.Mutex
	signer   *crypto.TypedSigner
	nonces   map[common.Address]uint64 // expected next nonce per trader
	matchers map[common.Address]bool
}

func New(domain crypto.Domain) *Authority {
	return &Authority{
		signer:   crypto.NewTypedSigner(domain),
		nonces:   make(map[common.Address]uint64),
		matchers: make(map[common.Address]bool),
	}
}

// GrantMatcher authorizes a principal to sign trades.
func (a *Authority) GrantMatcher(p common.Address) {
	a.mu.Lock()
	a.matchers[p] = true
	a.mu.Unlock()
}

// RevokeMatcher removes matcher authority.
func (a *Authority) RevokeMatcher(p common.Address) {
	a.mu.Lock()
	delete(a.matchers, p)
	a.mu.Unlock()
}

// IsMatcher reports whether a principal holds matcher authority.
func (a *Authority) IsMatcher(p common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matchers[p]
}

// ExpectedNonce returns the next nonce the authority will accept from a
// trader. Exposed so transports can serve it to signing clients.
func (a *Authority) ExpectedNonce(p common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[p]
}

// SignableOrder maps an order to its signing layout. The engine-assigned id
// is excluded: (trader, nonce) identifies the intent.
func SignableOrder(o *core.Order) *crypto.SignableOrder {
	return &crypto.SignableOrder{
		Trader:   o.Trader,
		Base:     o.Base,
		Quote:    o.Quote,
		Amount:   big.NewInt(o.Amount),
		Price:    big.NewInt(o.Price),
		Trigger:  big.NewInt(o.Trigger),
		Deadline: big.NewInt(o.Deadline),
		Kind:     uint8(o.Kind),
		Side:     uint8(o.Side),
		Nonce:    new(big.Int).SetUint64(o.Nonce),
	}
}

// SignableTrade maps a trade to its signing layout.
func SignableTrade(t *core.Trade) *crypto.SignableTrade {
	return &crypto.SignableTrade{
		BuyOrderID:  new(big.Int).SetUint64(t.BuyOrderID),
		SellOrderID: new(big.Int).SetUint64(t.SellOrderID),
		Base:        t.Base,
		Quote:       t.Quote,
		Amount:      big.NewInt(t.Amount),
		Price:       big.NewInt(t.Price),
		TakerSide:   uint8(t.TakerSide),
		Nonce:       new(big.Int).SetUint64(t.Nonce),
	}
}

// VerifyOrder recomputes the order digest, recovers the signer and checks
// it against the claimed trader, then enforces and advances the trader's
// nonce. Both checks pass or no state changes.
func (a *Authority) VerifyOrder(o *core.Order, signature []byte) (common.Address, error) {
	digest, err := a.signer.HashOrder(SignableOrder(o))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}
	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}
	if recovered != o.Trader {
		return common.Address{}, fmt.Errorf("%w: recovered %s, claimed %s",
			core.ErrBadSignature, recovered.Hex(), o.Trader.Hex())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if expected := a.nonces[o.Trader]; o.Nonce != expected {
		return common.Address{}, fmt.Errorf("%w: nonce %d, expected %d",
			core.ErrReplayedNonce, o.Nonce, expected)
	}
	a.nonces[o.Trader]++
	return recovered, nil
}

// VerifyTrade recovers the trade's signer and requires matcher authority.
func (a *Authority) VerifyTrade(t *core.Trade, signature []byte) (common.Address, error) {
	digest, err := a.signer.HashTrade(SignableTrade(t))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}
	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.matchers[recovered] {
		return common.Address{}, fmt.Errorf("%w: %s", core.ErrUnauthorizedMatcher, recovered.Hex())
	}
	return recovered, nil
}

// VerifyCancel authenticates a cancel request against the order's owner,
// with the same strict nonce sequencing as orders.
func (a *Authority) VerifyCancel(orderID uint64, trader common.Address, nonce uint64, signature []byte) error {
	digest, err := a.signer.HashCancel(&crypto.SignableCancel{
		OrderID: new(big.Int).SetUint64(orderID),
		Trader:  trader,
		Nonce:   new(big.Int).SetUint64(nonce),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}
	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadSignature, err)
	}
	if recovered != trader {
		return fmt.Errorf("%w: recovered %s, claimed %s",
			core.ErrBadSignature, recovered.Hex(), trader.Hex())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if expected := a.nonces[trader]; nonce != expected {
		return fmt.Errorf("%w: nonce %d, expected %d", core.ErrReplayedNonce, nonce, expected)
	}
	a.nonces[trader]++
	return nil
}

// SignOrder produces a trader signature over an order. Client-side helper,
// used by tests and tooling.
func (a *Authority) SignOrder(s *crypto.Signer, o *core.Order) ([]byte, error) {
	digest, err := a.signer.HashOrder(SignableOrder(o))
	if err != nil {
		return nil, err
	}
	return s.Sign(digest)
}

// SignTrade produces a matcher signature over a proposed trade.
func (a *Authority) SignTrade(s *crypto.Signer, t *core.Trade) ([]byte, error) {
	digest, err := a.signer.HashTrade(SignableTrade(t))
	if err != nil {
		return nil, err
	}
	return s.Sign(digest)
}

// SignCancel produces a trader signature over a cancel request.
func (a *Authority) SignCancel(s *crypto.Signer, orderID uint64, trader common.Address, nonce uint64) ([]byte, error) {
	digest, err := a.signer.HashCancel(&crypto.SignableCancel{
		OrderID: new(big.Int).SetUint64(orderID),
		Trader:  trader,
		Nonce:   new(big.Int).SetUint64(nonce),
	})
	if err != nil {
		return nil, err
	}
	return s.Sign(digest)
}
