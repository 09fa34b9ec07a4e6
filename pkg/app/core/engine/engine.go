package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/orderbook"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/metrics"
	"github.com/onboarding92/bitchange/pkg/storage"
	"github.com/onboarding92/bitchange/pkg/util"
)

type Config struct {
	SnapshotDepth int // levels per side in published snapshots, <= 0 for all

	// OnCommit runs on the actor goroutine after each committed intent, in
	// event sequence order. It must not block. Replayed events do not call it.
	OnCommit func(ev *storage.Event, snap *Snapshot)
}

// Snapshot is an immutable view of the book published after each applied intent
type Snapshot struct {
	Pair      string                 `json:"pair"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	LastPrice decimal.Decimal        `json:"lastPrice"`
	Sequence  uint64                 `json:"sequence"` // event sequence the snapshot reflects
	At        int64                  `json:"at"`
}

// Engine matches and settles the intents of one pair.
// Only the pair's actor calls Execute; Snapshot may be called from any goroutine.
type Engine struct {
	market  *market.Market
	book    *orderbook.OrderBook
	ledger  *ledger.Ledger
	store   storage.Store
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	cfg     Config

	orders map[uint64]*types.Order  // resting orders; the book holds the same pointers
	idem   map[string]*types.Result // idempotency scope -> original result

	tradeSeq     uint64
	eventSeq     uint64
	maxIntentSeq uint64

	snapshot atomic.Pointer[Snapshot]
}

func New(m *market.Market, l *ledger.Ledger, s storage.Store, clock util.Clock, log *zap.SugaredLogger, mt *metrics.Metrics, cfg Config) *Engine {
	e := &Engine{
		market:  m,
		book:    orderbook.NewOrderBook(m.Symbol),
		ledger:  l,
		store:   s,
		clock:   clock,
		log:     log,
		metrics: mt,
		cfg:     cfg,
		orders:  make(map[uint64]*types.Order),
		idem:    make(map[string]*types.Result),
	}
	e.publishSnapshot()
	return e
}

func (e *Engine) Pair() string { return e.market.Symbol }

// Snapshot returns the latest published book view without touching live state
func (e *Engine) Snapshot() *Snapshot { return e.snapshot.Load() }

// MaxIntentSeq returns the highest admission sequence applied on this pair
func (e *Engine) MaxIntentSeq() uint64 { return e.maxIntentSeq }

// RestingOrderIDs lists live orders. Not safe while the actor runs.
func (e *Engine) RestingOrderIDs() []uint64 {
	ids := make([]uint64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	return ids
}

// Execute applies one intent. Rejections change nothing. A successful result
// has been durably committed together with its ledger changes.
func (e *Engine) Execute(ctx context.Context, in *types.Intent) (*types.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Seq == 0 {
		return nil, fmt.Errorf("intent has no admission sequence")
	}
	if in.Pair != "" && in.Pair != e.market.Symbol {
		return nil, fmt.Errorf("%w: intent for %s routed to %s", types.ErrUnknownMarket, in.Pair, e.market.Symbol)
	}

	if key := scope(in); key != "" {
		if r, ok := e.idem[key]; ok {
			dup := r.Copy()
			dup.Duplicate = true
			return dup, nil
		}
	}

	var (
		res *types.Result
		err error
	)
	switch in.Kind {
	case types.IntentPlace:
		if in.Place == nil {
			return nil, fmt.Errorf("%w: place intent without request", types.ErrInvalidOrder)
		}
		res, err = e.place(in)
	case types.IntentCancel:
		if in.Cancel == nil {
			return nil, fmt.Errorf("%w: cancel intent without request", types.ErrInvalidOrder)
		}
		res, err = e.cancel(in)
	default:
		return nil, fmt.Errorf("%w: unknown intent kind %d", types.ErrInvalidOrder, in.Kind)
	}

	if err != nil {
		e.reject(in, err)
		return nil, err
	}
	return res, nil
}

func (e *Engine) reject(in *types.Intent, err error) {
	switch {
	case types.IsRetryable(err):
		return
	case errors.Is(err, types.ErrReservationUnderflow), errors.Is(err, types.ErrInvalidTransition):
		e.log.Errorw("invariant_violation", "pair", e.market.Symbol, "seq", in.Seq, "kind", in.Kind.String(), "err", err)
	default:
		e.log.Infow("order_rejected", "pair", e.market.Symbol, "seq", in.Seq, "kind", in.Kind.String(), "user", in.User().Hex(), "err", err)
	}
	e.metrics.OrderRejected(e.market.Symbol, reason(err))
}

func reason(err error) string {
	switch {
	case errors.Is(err, types.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, types.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, types.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, types.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, types.ErrOrderNotCancellable):
		return "not_cancellable"
	default:
		return "internal"
	}
}

// scope returns the idempotency key of an intent, or "" if it has none.
// Keys are scoped per intent kind and user within the pair.
func scope(in *types.Intent) string {
	if in.IdempotencyKey == "" {
		return ""
	}
	return idemKey(in.Kind, in.User(), in.IdempotencyKey)
}

func idemKey(kind types.IntentKind, user common.Address, key string) string {
	return fmt.Sprintf("%s|%s|%s", kind, user.Hex(), key)
}

// commit writes the event with its ledger transaction, then applies it in memory
func (e *Engine) commit(tx *ledger.Tx, ev *storage.Event, orders []types.Order) error {
	ev.Pair = e.market.Symbol
	ev.Seq = e.eventSeq + 1
	ev.Deltas = tx.Deltas()

	err := e.ledger.Commit(tx, func(rows []ledger.Row) error {
		return e.store.Commit(&storage.Batch{
			Balances: rows,
			Orders:   orders,
			Trades:   ev.Trades,
			Events:   []storage.Event{*ev},
		})
	})
	if err != nil {
		return err
	}
	if err := e.apply(ev); err != nil {
		// committed state is authoritative; memory must be rebuilt from the log
		e.log.Errorw("apply_failed", "pair", e.market.Symbol, "event_seq", ev.Seq, "err", err)
		return err
	}
	e.publishSnapshot()
	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit(ev, e.snapshot.Load())
	}
	return nil
}

// apply advances in-memory state by one committed event.
// Live execution and recovery share this path.
func (e *Engine) apply(ev *storage.Event) error {
	if ev.Seq != e.eventSeq+1 {
		return fmt.Errorf("event sequence gap on %s: have %d, got %d", e.market.Symbol, e.eventSeq, ev.Seq)
	}

	for _, m := range ev.Makers {
		live, ok := e.orders[m.ID]
		if !ok {
			return fmt.Errorf("maker order %d is not resting on %s", m.ID, e.market.Symbol)
		}
		*live = m
		if !live.IsResting() {
			e.book.Remove(m.ID)
			delete(e.orders, m.ID)
		}
	}

	switch ev.Kind {
	case storage.EventOrderPlaced:
		if ev.Order.IsResting() {
			o := ev.Order
			if err := e.book.Insert(&o); err != nil {
				return err
			}
			e.orders[o.ID] = &o
		}
	case storage.EventOrderCancelled:
		e.book.Remove(ev.Order.ID)
		delete(e.orders, ev.Order.ID)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	for _, t := range ev.Trades {
		e.tradeSeq = t.Sequence
		e.book.SetLastPrice(t.Price)
	}
	e.eventSeq = ev.Seq
	if ev.IntentSeq > e.maxIntentSeq {
		e.maxIntentSeq = ev.IntentSeq
	}
	if ev.IdempotencyKey != "" {
		r := ev.Result()
		e.idem[idemKey(r.Kind, ev.User, ev.IdempotencyKey)] = r
	}
	e.metrics.BookDepth(e.market.Symbol, e.book.Len())
	return nil
}

func (e *Engine) publishSnapshot() {
	bids, asks := e.book.Snapshot(e.cfg.SnapshotDepth)
	e.snapshot.Store(&Snapshot{
		Pair:      e.market.Symbol,
		Bids:      bids,
		Asks:      asks,
		LastPrice: e.book.LastPrice(),
		Sequence:  e.eventSeq,
		At:        e.clock.Now().UnixMilli(),
	})
}

// Recover rebuilds the book, sequences and idempotency results from the event log
func (e *Engine) Recover(ctx context.Context) error {
	e.book = orderbook.NewOrderBook(e.market.Symbol)
	e.orders = make(map[uint64]*types.Order)
	e.idem = make(map[string]*types.Result)
	e.tradeSeq, e.eventSeq, e.maxIntentSeq = 0, 0, 0

	err := e.store.ReplayEvents(e.market.Symbol, func(ev *storage.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return e.apply(ev)
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", e.market.Symbol, err)
	}
	e.publishSnapshot()
	e.log.Infow("pair_recovered", "pair", e.market.Symbol, "events", e.eventSeq, "trades", e.tradeSeq, "resting", e.book.Len())
	return nil
}
