package exchange

import (
	"fmt"
	"sync"

	"bifrost/pkg/core"
)

// RateGuard caps how many trades settle inside one block window. The window
// rolls over on BeginBlock; a limit of zero disables the guard.
type RateGuard struct {
	mu    sync.Mutex
	limit int
	used  int
}

func NewRateGuard(limit int) *RateGuard {
	return &RateGuard{limit: limit}
}

// BeginBlock resets the window counter.
func (g *RateGuard) BeginBlock() {
	g.mu.Lock()
	g.used = 0
	g.mu.Unlock()
}

// Allow consumes one slot from the current window.
func (g *RateGuard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limit > 0 && g.used >= g.limit {
		return fmt.Errorf("%w: %d trades this block", core.ErrRateLimitExceeded, g.used)
	}
	g.used++
	return nil
}

// Used reports trades consumed in the current window.
func (g *RateGuard) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}
