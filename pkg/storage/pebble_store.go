package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// PebbleStore keeps the balances, orders, trades and events tables in one Pebble DB.
// Every Commit is a single synced pebble.Batch.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(128 << 20) // 128MB cache
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             64 << 20, // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20, // 64MB
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

type pebbleBatch struct{ b *pebble.Batch }

func (w pebbleBatch) Set(key, value []byte) error { return w.b.Set(key, value, nil) }

// Commit writes the batch atomically with fsync
func (s *PebbleStore) Commit(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	wb := s.db.NewBatch()
	defer wb.Close()

	if err := writeBatch(pebbleBatch{wb}, b); err != nil {
		return err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) PersistBalances(rows []ledger.Row) error {
	return s.Commit(&Batch{Balances: rows})
}

func (s *PebbleStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) LoadBalances() ([]ledger.Row, error) {
	var rows []ledger.Row
	err := s.scan([]byte(prefixBalance), func(_, value []byte) error {
		var r ledger.Row
		if err := decodeJSON(value, &r); err != nil {
			return err
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	return rows, nil
}

// LoadOrder returns nil if the order doesn't exist
func (s *PebbleStore) LoadOrder(id uint64) (*types.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o types.Order
	if err := decodeJSON(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// LoadUserOrders returns every order of a user in admission order
func (s *PebbleStore) LoadUserOrders(user common.Address) ([]types.Order, error) {
	var ids []uint64
	err := s.scan(userOrderPrefix(user), func(key, _ []byte) error {
		id, err := orderIDFromUserKey(key)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.LoadOrder(id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *PebbleStore) RecentTrades(pair string, limit int) ([]types.Trade, error) {
	prefix := tradePrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var trades []types.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(trades) < limit); iter.Prev() {
		var t types.Trade
		if err := decodeJSON(iter.Value(), &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

func (s *PebbleStore) ReplayEvents(pair string, fn func(*Event) error) error {
	return s.scan(eventPrefix(pair), func(_, value []byte) error {
		var e Event
		if err := decodeJSON(value, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

var _ Store = (*PebbleStore)(nil)
