// Package market holds the trading-pair registry. Pair registration is
// static configuration supplied by the admin collaborator; the engine
// consults it and never mutates it mid-settlement.
package market

import (
	"fmt"
	"math"
	"sync"

	"bifrost/pkg/core"
)

// Pair describes one tradable base/quote pair, its order-size bounds and its
// price bound.
type Pair struct {
	Symbol       string `json:"symbol"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	MinOrderSize int64  `json:"min_order_size"`
	MaxOrderSize int64  `json:"max_order_size"`
	// MaxPrice caps limit and trigger prices. Together with MaxOrderSize it
	// keeps amount*price products inside int64.
	MaxPrice int64 `json:"max_price"`
	Paused   bool  `json:"paused"`
}

// ValidateAmount checks an order amount against the pair's size bounds.
func (p *Pair) ValidateAmount(amount int64) error {
	if amount < p.MinOrderSize {
		return fmt.Errorf("%w: amount %d below pair minimum %d", core.ErrInvalidInput, amount, p.MinOrderSize)
	}
	if p.MaxOrderSize > 0 && amount > p.MaxOrderSize {
		return fmt.Errorf("%w: amount %d above pair maximum %d", core.ErrInvalidInput, amount, p.MaxOrderSize)
	}
	return nil
}

// ValidatePrice checks a limit or trigger price against the pair's bound.
func (p *Pair) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price %d", core.ErrInvalidInput, price)
	}
	if p.MaxPrice > 0 && price > p.MaxPrice {
		return fmt.Errorf("%w: price %d above pair maximum %d", core.ErrInvalidInput, price, p.MaxPrice)
	}
	return nil
}

// Registry is a thread-safe pair lookup.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]*Pair
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]*Pair)}
}

// Register adds a pair; duplicate symbols are rejected.
func (r *Registry) Register(p *Pair) error {
	if p == nil {
		return fmt.Errorf("%w: nil pair", core.ErrInvalidInput)
	}
	if p.Symbol == "" {
		p.Symbol = p.Base + "-" + p.Quote
	}
	if p.MaxPrice > 0 && p.MaxOrderSize > 0 && p.MaxPrice > math.MaxInt64/p.MaxOrderSize {
		return fmt.Errorf("%w: pair %s price and size bounds overflow int64", core.ErrInvalidInput, p.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pairs[p.Symbol]; exists {
		return fmt.Errorf("%w: pair %s already registered", core.ErrInvalidInput, p.Symbol)
	}
	r.pairs[p.Symbol] = p
	return nil
}

// Get looks up a pair by symbol.
func (r *Registry) Get(symbol string) (*Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPair, symbol)
	}
	return p, nil
}

// List returns all registered pairs.
func (r *Registry) List() []*Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// SetPaused flips a pair's pause flag (admin operation, between cycles).
func (r *Registry) SetPaused(symbol string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownPair, symbol)
	}
	p.Paused = paused
	return nil
}
