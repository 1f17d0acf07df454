package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FeeRates are maker/taker rates in basis points of the received quantity.
type FeeRates struct {
	MakerBps int64
	TakerBps int64
}

// FeeSchedule resolves per-principal fee rates with a process-wide default
// and an absolute per-side cap. Immutable during a settlement; the admin
// collaborator swaps overrides only between settlement cycles.
type FeeSchedule struct {
	mu        sync.RWMutex
	def       FeeRates
	maxFee    int64
	overrides map[common.Address]FeeRates
}

func NewFeeSchedule(def FeeRates, maxFee int64) *FeeSchedule {
	return &FeeSchedule{
		def:       def,
		maxFee:    maxFee,
		overrides: make(map[common.Address]FeeRates),
	}
}

// SetOverride installs a per-principal rate override.
func (f *FeeSchedule) SetOverride(p common.Address, rates FeeRates) {
	f.mu.Lock()
	f.overrides[p] = rates
	f.mu.Unlock()
}

// RatesFor resolves the rates for a principal.
func (f *FeeSchedule) RatesFor(p common.Address) FeeRates {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if r, ok := f.overrides[p]; ok {
		return r
	}
	return f.def
}

// Fee computes the fee on a received quantity at the given rate, capped at
// the schedule's absolute maximum. The fee is denominated in the same asset
// as the received quantity.
func (f *FeeSchedule) Fee(rateBps, received int64) int64 {
	fee := received * rateBps / 10_000
	if fee < 0 {
		fee = 0
	}
	f.mu.RLock()
	maxFee := f.maxFee
	f.mu.RUnlock()
	if maxFee > 0 && fee > maxFee {
		fee = maxFee
	}
	return fee
}
