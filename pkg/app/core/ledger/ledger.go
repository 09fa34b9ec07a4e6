package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// Persister durably writes balance rows changed by a standalone ledger operation
type Persister interface {
	PersistBalances(rows []Row) error
}

// PersistFunc receives the new value of every row a transaction touched.
// Returning an error aborts the commit and leaves memory unchanged.
type PersistFunc func(rows []Row) error

// Standalone operations retry version conflicts without limit, backing off
// between attempts up to conflictMaxInterval.
const (
	conflictInitialInterval = 50 * time.Microsecond
	conflictMaxInterval     = 5 * time.Millisecond
)

type row struct {
	mu      sync.Mutex
	bal     Balance
	version uint64
}

// Ledger holds every (user, asset) balance row.
// Rows are shared by all pair actors; each row carries its own lock and version,
// and Commit locks the touched rows in key order so commits never deadlock.
type Ledger struct {
	mu    sync.RWMutex // guards the rows map, not row contents
	rows  map[Key]*row
	house common.Address
	store Persister
}

// New creates an empty ledger. store may be nil for purely in-memory use.
func New(house common.Address, store Persister) *Ledger {
	return &Ledger{
		rows:  make(map[Key]*row),
		house: house,
		store: store,
	}
}

// House returns the fee account
func (l *Ledger) House() common.Address { return l.house }

// Load replaces in-memory state with persisted rows (recovery)
func (l *Ledger) Load(rows []Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rows = make(map[Key]*row, len(rows))
	for _, r := range rows {
		if err := r.Balance().Validate(); err != nil {
			return fmt.Errorf("row %s: %w", r.Key(), err)
		}
		l.rows[r.Key()] = &row{bal: r.Balance(), version: r.Version}
	}
	return nil
}

// Begin starts a transaction
func (l *Ledger) Begin() *Tx {
	return &Tx{l: l, rows: make(map[Key]*staged)}
}

func (l *Ledger) read(k Key) (Balance, uint64) {
	l.mu.RLock()
	r := l.rows[k]
	l.mu.RUnlock()
	if r == nil {
		return Balance{}, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bal, r.version
}

func (l *Ledger) rowFor(k Key) *row {
	l.mu.RLock()
	r := l.rows[k]
	l.mu.RUnlock()
	if r != nil {
		return r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r = l.rows[k]; r == nil {
		r = &row{}
		l.rows[k] = r
	}
	return r
}

// Commit validates and applies a transaction.
// Every touched row is locked in key order, versions are checked against the
// staged reads, persist is called with the new rows, and only then is memory updated.
// A version mismatch returns types.ErrConcurrentModification; a persist error
// returns types.ErrPersistenceFailure. In both cases nothing changes.
func (l *Ledger) Commit(tx *Tx, persist PersistFunc) error {
	if tx.done {
		return fmt.Errorf("transaction already committed")
	}
	keys := tx.keys()

	rows := make([]*row, len(keys))
	for i, k := range keys {
		rows[i] = l.rowFor(k)
	}
	for _, r := range rows {
		r.mu.Lock()
	}
	defer func() {
		for _, r := range rows {
			r.mu.Unlock()
		}
	}()

	out := make([]Row, len(keys))
	for i, k := range keys {
		s := tx.rows[k]
		if rows[i].version != s.version {
			return fmt.Errorf("%w: row %s at version %d, read %d",
				types.ErrConcurrentModification, k, rows[i].version, s.version)
		}
		if err := s.bal.Validate(); err != nil {
			return fmt.Errorf("row %s: %w", k, err)
		}
		out[i] = Row{
			User:      k.User,
			Asset:     k.Asset,
			Available: s.bal.Available,
			Reserved:  s.bal.Reserved,
			Version:   s.version + 1,
		}
	}

	if persist != nil {
		if err := persist(out); err != nil {
			if errors.Is(err, types.ErrPersistenceFailure) {
				return err
			}
			return fmt.Errorf("%w: %w", types.ErrPersistenceFailure, err)
		}
	}

	for i, k := range keys {
		rows[i].bal = tx.rows[k].bal
		rows[i].version = out[i].Version
	}
	tx.done = true
	return nil
}

func (l *Ledger) persist(rows []Row) error {
	if l.store == nil {
		return nil
	}
	return l.store.PersistBalances(rows)
}

// apply runs one standalone operation in its own transaction
func (l *Ledger) apply(fn func(tx *Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = conflictInitialInterval
	bo.MaxInterval = conflictMaxInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		tx := l.Begin()
		if err := fn(tx); err != nil {
			return backoff.Permanent(err)
		}
		err := l.Commit(tx, l.persist)
		if err != nil && !errors.Is(err, types.ErrConcurrentModification) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Reserve moves amount from available to reserved
func (l *Ledger) Reserve(user common.Address, asset string, amount decimal.Decimal) error {
	return l.apply(func(tx *Tx) error { return tx.Reserve(user, asset, amount) })
}

// Release moves amount from reserved to available
func (l *Ledger) Release(user common.Address, asset string, amount decimal.Decimal) error {
	return l.apply(func(tx *Tx) error { return tx.Release(user, asset, amount) })
}

// Settle applies one trade's legs atomically
func (l *Ledger) Settle(s Settlement) error {
	return l.apply(func(tx *Tx) error { return tx.Settle(s) })
}

// Deposit credits funds entering the exchange
func (l *Ledger) Deposit(user common.Address, asset string, amount decimal.Decimal) error {
	return l.apply(func(tx *Tx) error { return tx.Deposit(user, asset, amount) })
}

// Withdraw debits funds leaving the exchange
func (l *Ledger) Withdraw(user common.Address, asset string, amount decimal.Decimal) error {
	return l.apply(func(tx *Tx) error { return tx.Withdraw(user, asset, amount) })
}

// Balance returns the committed balance of one row
func (l *Ledger) Balance(user common.Address, asset string) Balance {
	bal, _ := l.read(Key{User: user, Asset: asset})
	return bal
}

// Balances returns every asset balance a user holds
func (l *Ledger) Balances(user common.Address) map[string]Balance {
	l.mu.RLock()
	var keys []Key
	for k := range l.rows {
		if k.User == user {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	out := make(map[string]Balance, len(keys))
	for _, k := range keys {
		bal, _ := l.read(k)
		out[k.Asset] = bal
	}
	return out
}

// Rows returns a consistent copy of every row, sorted by key
func (l *Ledger) Rows() []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]Key, 0, len(l.rows))
	for k := range l.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })

	// lock in commit order so the copy is a single point in time
	for _, k := range keys {
		l.rows[k].mu.Lock()
	}
	out := make([]Row, len(keys))
	for i, k := range keys {
		r := l.rows[k]
		out[i] = Row{User: k.User, Asset: k.Asset, Available: r.bal.Available, Reserved: r.bal.Reserved, Version: r.version}
	}
	for _, k := range keys {
		l.rows[k].mu.Unlock()
	}
	return out
}

// Totals returns available + reserved summed over every user per asset.
// Only deposits and withdrawals change these sums.
func (l *Ledger) Totals() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, r := range l.Rows() {
		out[r.Asset] = out[r.Asset].Add(r.Available.Add(r.Reserved))
	}
	return out
}
