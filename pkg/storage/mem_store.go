package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// ErrInjectedFailure is returned by a MemStore commit made to fail without an explicit error
var ErrInjectedFailure = errors.New("injected commit failure")

// MemStore is an in-memory Store. Commits can be made to fail for tests.
type MemStore struct {
	mu       sync.Mutex
	balances map[ledger.Key]ledger.Row
	orders   map[uint64]types.Order
	trades   map[string][]types.Trade // pair -> ascending by sequence
	events   map[string][]Event       // pair -> ascending by seq

	failNext int
	failErr  error
	commits  int
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances: make(map[ledger.Key]ledger.Row),
		orders:   make(map[uint64]types.Order),
		trades:   make(map[string][]types.Trade),
		events:   make(map[string][]Event),
	}
}

// FailNext makes the next n commits return err without writing anything.
// n < 0 fails every commit until FailNext(0, nil). A nil err fails with
// ErrInjectedFailure.
func (s *MemStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrInjectedFailure
	}
	s.failNext = n
	s.failErr = err
}

// Commits returns the number of successful commits
func (s *MemStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemStore) Commit(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		return s.failErr
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, r := range b.Balances {
		s.balances[r.Key()] = r
	}
	for _, o := range b.Orders {
		s.orders[o.ID] = o
	}
	for _, t := range b.Trades {
		s.trades[t.Pair] = append(s.trades[t.Pair], t)
	}
	for _, e := range b.Events {
		s.events[e.Pair] = append(s.events[e.Pair], e)
	}
	s.commits++
	return nil
}

func (s *MemStore) PersistBalances(rows []ledger.Row) error {
	return s.Commit(&Batch{Balances: rows})
}

func (s *MemStore) LoadBalances() ([]ledger.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]ledger.Row, 0, len(s.balances))
	for _, r := range s.balances {
		rows = append(rows, r)
	}
	return rows, nil
}

func (s *MemStore) LoadOrder(id uint64) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemStore) LoadUserOrders(user common.Address) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.UserID == user {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) RecentTrades(pair string, limit int) ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.trades[pair]
	var out []types.Trade
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemStore) ReplayEvents(pair string, fn func(*Event) error) error {
	s.mu.Lock()
	events := append([]Event(nil), s.events[pair]...)
	s.mu.Unlock()

	for i := range events {
		if err := fn(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
