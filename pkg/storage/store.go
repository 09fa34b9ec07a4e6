package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// EventKind names an entry of the per-pair event log
type EventKind string

const (
	EventOrderPlaced    EventKind = "order_placed"
	EventOrderCancelled EventKind = "order_cancelled"
)

// Event is one append-only record per applied intent.
// Replaying a pair's events in Seq order rebuilds its book, sequences and
// idempotency results.
type Event struct {
	Pair           string          `json:"pair"`
	Seq            uint64          `json:"seq"` // per pair, starts at 1
	Kind           EventKind       `json:"kind"`
	IntentSeq      uint64          `json:"intentSeq"`
	User           common.Address  `json:"user"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Order          types.Order     `json:"order"`  // taker or cancelled order, final state
	Makers         []types.Order   `json:"makers"` // post-state of every maker touched
	Trades         []types.Trade   `json:"trades"`
	Released       decimal.Decimal `json:"released"`
	Deltas         []ledger.Delta  `json:"deltas"`
	At             int64           `json:"at"`
}

// Result rebuilds the response originally returned for the intent
func (e *Event) Result() *types.Result {
	kind := types.IntentPlace
	if e.Kind == EventOrderCancelled {
		kind = types.IntentCancel
	}
	return &types.Result{
		Kind:     kind,
		Order:    e.Order,
		Trades:   append([]types.Trade(nil), e.Trades...),
		Released: e.Released,
	}
}

// Batch is everything one intent changes. Stores write it atomically.
type Batch struct {
	Balances []ledger.Row
	Orders   []types.Order
	Trades   []types.Trade
	Events   []Event
}

// Validate rejects records that could not be decoded again on replay
func (b *Batch) Validate() error {
	check := func(o *types.Order) error {
		if !o.Side.Valid() || !o.Type.Valid() || !o.Status.Valid() {
			return fmt.Errorf("order %d has side %s, type %s, status %s", o.ID, o.Side, o.Type, o.Status)
		}
		return nil
	}
	for i := range b.Orders {
		if err := check(&b.Orders[i]); err != nil {
			return err
		}
	}
	for i := range b.Trades {
		if t := &b.Trades[i]; !t.TakerSide.Valid() {
			return fmt.Errorf("trade %s/%d has taker side %s", t.Pair, t.Sequence, t.TakerSide)
		}
	}
	for i := range b.Events {
		e := &b.Events[i]
		if err := check(&e.Order); err != nil {
			return fmt.Errorf("event %s/%d: %w", e.Pair, e.Seq, err)
		}
		for j := range e.Makers {
			if err := check(&e.Makers[j]); err != nil {
				return fmt.Errorf("event %s/%d maker: %w", e.Pair, e.Seq, err)
			}
		}
		for j := range e.Trades {
			if t := &e.Trades[j]; !t.TakerSide.Valid() {
				return fmt.Errorf("event %s/%d trade %d has taker side %s", e.Pair, e.Seq, t.Sequence, t.TakerSide)
			}
		}
	}
	return nil
}

// Store is the durable side of the exchange: balances, orders, trades and events tables
type Store interface {
	// Commit durably writes the whole batch or nothing
	Commit(b *Batch) error
	// PersistBalances writes rows changed by boundary operations (deposit, withdraw)
	PersistBalances(rows []ledger.Row) error

	LoadBalances() ([]ledger.Row, error)
	// LoadOrder returns nil, nil if the order does not exist
	LoadOrder(id uint64) (*types.Order, error)
	LoadUserOrders(user common.Address) ([]types.Order, error)
	// RecentTrades returns up to limit trades of a pair, newest first
	RecentTrades(pair string, limit int) ([]types.Trade, error)
	// ReplayEvents calls fn for each event of a pair in sequence order
	ReplayEvents(pair string, fn func(*Event) error) error

	Close() error
}

var _ ledger.Persister = (Store)(nil)
