package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bifrost/pkg/core"
)

// Balance is the custodied funds of one (principal, asset). Both fields are
// non-negative; available+locked only moves via credit/debit, lock/unlock
// shuffles between the two.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Ledger is per-(principal, asset) balance accounting. It knows nothing
// about orders: callers are responsible for unlocking exactly what they
// locked. Lock, Unlock, Credit and Debit are the only balance mutators.
//
// An account whose unlock bookkeeping ever goes inconsistent is frozen:
// every further mutation fails with ErrInvariantViolation so operators can
// intervene instead of the ledger silently clamping.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]map[string]*Balance
	frozen   map[common.Address]bool
	store    *Store // optional persistence, nil = memory only
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]map[string]*Balance),
		frozen:   make(map[common.Address]bool),
	}
}

// NewWithStore opens a ledger backed by a pebble store at dbPath, loading
// any persisted balances.
func NewWithStore(dbPath string) (*Ledger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	l := New()
	l.store = store
	if err := store.LoadAll(func(p common.Address, asset string, b Balance) {
		l.getLocked(p, asset).Available = b.Available
		l.getLocked(p, asset).Locked = b.Locked
	}); err != nil {
		store.Close()
		return nil, fmt.Errorf("load balances: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// getLocked returns the balance cell, creating it if absent. Caller holds mu.
func (l *Ledger) getLocked(p common.Address, asset string) *Balance {
	byAsset, ok := l.balances[p]
	if !ok {
		byAsset = make(map[string]*Balance)
		l.balances[p] = byAsset
	}
	b, ok := byAsset[asset]
	if !ok {
		b = &Balance{}
		byAsset[asset] = b
	}
	return b
}

func (l *Ledger) checkFrozenLocked(p common.Address) error {
	if l.frozen[p] {
		return fmt.Errorf("%w: account %s frozen", core.ErrInvariantViolation, p.Hex())
	}
	return nil
}

func (l *Ledger) persistLocked(p common.Address, asset string, b *Balance) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveBalance(p, asset, *b)
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(p common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: lock amount %d", core.ErrInvalidInput, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkFrozenLocked(p); err != nil {
		return err
	}
	b := l.getLocked(p, asset)
	if b.Available < amount {
		return fmt.Errorf("%w: %s %s available=%d need=%d",
			core.ErrInsufficientFunds, p.Hex(), asset, b.Available, amount)
	}
	b.Available -= amount
	b.Locked += amount
	return l.persistLocked(p, asset, b)
}

// Unlock moves amount from locked back to available. Callers always unlock
// exactly what they previously locked; a shortfall means bookkeeping broke
// somewhere upstream, so the account is frozen.
func (l *Ledger) Unlock(p common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: unlock amount %d", core.ErrInvalidInput, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkFrozenLocked(p); err != nil {
		return err
	}
	b := l.getLocked(p, asset)
	if b.Locked < amount {
		l.frozen[p] = true
		return fmt.Errorf("%w: unlock %d exceeds locked %d for %s %s",
			core.ErrInvariantViolation, amount, b.Locked, p.Hex(), asset)
	}
	b.Locked -= amount
	b.Available += amount
	return l.persistLocked(p, asset, b)
}

// Credit adds amount to available (deposit or trade proceeds).
func (l *Ledger) Credit(p common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount %d", core.ErrInvalidInput, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkFrozenLocked(p); err != nil {
		return err
	}
	b := l.getLocked(p, asset)
	b.Available += amount
	return l.persistLocked(p, asset, b)
}

// Debit removes amount from available (withdrawal or fee payment).
func (l *Ledger) Debit(p common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount %d", core.ErrInvalidInput, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkFrozenLocked(p); err != nil {
		return err
	}
	b := l.getLocked(p, asset)
	if b.Available < amount {
		return fmt.Errorf("%w: %s %s available=%d debit=%d",
			core.ErrInsufficientFunds, p.Hex(), asset, b.Available, amount)
	}
	b.Available -= amount
	return l.persistLocked(p, asset, b)
}

// Get returns the current balance of (principal, asset).
func (l *Ledger) Get(p common.Address, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byAsset, ok := l.balances[p]
	if !ok {
		return Balance{}
	}
	b, ok := byAsset[asset]
	if !ok {
		return Balance{}
	}
	return *b
}

// Locked returns just the locked portion.
func (l *Ledger) Locked(p common.Address, asset string) int64 {
	return l.Get(p, asset).Locked
}

// Frozen reports whether the account was frozen by an invariant violation.
func (l *Ledger) Frozen(p common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen[p]
}

// Freeze marks an account frozen. Used by the settlement engine when a
// mid-apply failure would otherwise leave a trade partially applied.
func (l *Ledger) Freeze(p common.Address) {
	l.mu.Lock()
	l.frozen[p] = true
	l.mu.Unlock()
}
