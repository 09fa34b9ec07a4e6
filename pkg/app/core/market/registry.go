package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// Registry manages all trading pairs in a thread-safe manner
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market.
// Returns error if a market with the same symbol already exists.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

// Get retrieves a market by symbol
func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, symbol)
	}
	return m, nil
}

// List returns all registered markets sorted by symbol
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets
}

// Symbols returns the sorted symbols of all markets
func (r *Registry) Symbols() []string {
	markets := r.List()
	out := make([]string, len(markets))
	for i, m := range markets {
		out[i] = m.Symbol
	}
	return out
}

// Assets returns every asset traded on any market, sorted
func (r *Registry) Assets() []string {
	seen := make(map[string]struct{})
	for _, m := range r.List() {
		seen[m.BaseAsset] = struct{}{}
		seen[m.QuoteAsset] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SetStatus pauses or resumes a market
func (r *Registry) SetStatus(symbol string, status MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", types.ErrUnknownMarket, symbol)
	}
	m.setStatus(status)
	return nil
}
