package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/app/core/engine"
	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/sequencer"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/metrics"
	"github.com/onboarding92/bitchange/pkg/notify"
	"github.com/onboarding92/bitchange/pkg/storage"
	"github.com/onboarding92/bitchange/pkg/util"
)

type Config struct {
	Sequencer       sequencer.Config
	SnapshotDepth   int
	NotifyQueueSize int
}

func DefaultConfig() Config {
	return Config{
		Sequencer:       sequencer.DefaultConfig(),
		SnapshotDepth:   50,
		NotifyQueueSize: 4096,
	}
}

// PlaceOrderRequest is what a caller submits to open an order
type PlaceOrderRequest struct {
	UserID         common.Address
	Pair           string
	Side           types.Side
	Type           types.OrderType
	Price          decimal.Decimal // zero for market orders
	Quantity       decimal.Decimal
	IdempotencyKey string
}

// Exchange wires one engine and actor per pair over a shared ledger and store
type Exchange struct {
	registry *market.Registry
	ledger   *ledger.Ledger
	store    storage.Store
	seq      *sequencer.Sequence
	clock    util.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	cfg      Config

	engines map[string]*engine.Engine
	actors  map[string]*sequencer.Actor
	notify  *notify.Dispatcher

	dirMu sync.RWMutex
	dir   map[uint64]string // order id -> pair

	running    atomic.Bool
	cancel     context.CancelFunc
	stopNotify context.CancelFunc
}

// New builds an exchange for every registered market. The ledger must persist
// through the same store for boundary operations to be durable.
func New(reg *market.Registry, l *ledger.Ledger, store storage.Store, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics, cfg Config, sinks ...notify.Sink) *Exchange {
	x := &Exchange{
		registry: reg,
		ledger:   l,
		store:    store,
		seq:      sequencer.NewSequence(0),
		clock:    clock,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		engines:  make(map[string]*engine.Engine),
		actors:   make(map[string]*sequencer.Actor),
		notify:   notify.NewDispatcher(cfg.NotifyQueueSize, log, m, sinks...),
		dir:      make(map[uint64]string),
	}
	for _, mk := range reg.List() {
		e := engine.New(mk, l, store, clock, log.With("pair", mk.Symbol), m, engine.Config{
			SnapshotDepth: cfg.SnapshotDepth,
			OnCommit:      x.onCommit,
		})
		x.engines[mk.Symbol] = e
		x.actors[mk.Symbol] = sequencer.NewActor(mk.Symbol, e, x.seq, cfg.Sequencer, log, m)
	}
	return x
}

// AddSink registers a notification sink. Call before Start.
func (x *Exchange) AddSink(s notify.Sink) { x.notify.AddSink(s) }

// Recover loads balances and replays every pair. Call before Start.
func (x *Exchange) Recover(ctx context.Context) error {
	if x.running.Load() {
		return fmt.Errorf("recover on a running exchange")
	}
	start := time.Now()

	rows, err := x.store.LoadBalances()
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	if err := x.ledger.Load(rows); err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	var maxSeq uint64
	dir := make(map[uint64]string)
	for pair, e := range x.engines {
		if err := e.Recover(ctx); err != nil {
			return err
		}
		if s := e.MaxIntentSeq(); s > maxSeq {
			maxSeq = s
		}
		for _, id := range e.RestingOrderIDs() {
			dir[id] = pair
		}
	}
	x.seq.Reset(maxSeq)

	x.dirMu.Lock()
	x.dir = dir
	x.dirMu.Unlock()

	x.log.Infow("recovery_complete",
		"pairs", len(x.engines),
		"balances", len(rows),
		"resting", len(dir),
		"next_seq", maxSeq+1,
		"took", time.Since(start).String(),
	)
	return nil
}

// Start runs the actors and the notification dispatcher until Stop
func (x *Exchange) Start(ctx context.Context) {
	if !x.running.CompareAndSwap(false, true) {
		return
	}
	// the dispatcher stops after the actors, flushing their last notifications
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	x.stopNotify = stopNotify
	go x.notify.Run(notifyCtx)

	ctx, x.cancel = context.WithCancel(ctx)
	for _, a := range x.actors {
		go a.Run(ctx)
	}
	x.log.Infow("exchange_started", "pairs", x.registry.Symbols())
}

// Stop halts the actors, fails queued intents with ErrSequencerStopped and
// flushes pending notifications.
func (x *Exchange) Stop() {
	if !x.running.CompareAndSwap(true, false) {
		return
	}
	x.cancel()
	for _, a := range x.actors {
		<-a.Done()
	}
	x.stopNotify()
	<-x.notify.Done()
	x.log.Infow("exchange_stopped")
}

func (x *Exchange) actor(pair string) (*sequencer.Actor, error) {
	if _, err := x.registry.Get(pair); err != nil {
		return nil, err
	}
	a, ok := x.actors[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s registered after start", types.ErrUnknownMarket, pair)
	}
	if !x.running.Load() {
		return nil, types.ErrSequencerStopped
	}
	return a, nil
}

// PlaceOrder validates, matches and settles a new order on its pair
func (x *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.Result, error) {
	a, err := x.actor(req.Pair)
	if err != nil {
		return nil, err
	}
	start := x.clock.Now()
	res, err := a.Submit(ctx, &types.Intent{
		Kind:           types.IntentPlace,
		Pair:           req.Pair,
		IdempotencyKey: req.IdempotencyKey,
		Place: &types.PlaceRequest{
			UserID:   req.UserID,
			Pair:     req.Pair,
			Side:     req.Side,
			Type:     req.Type,
			Price:    req.Price,
			Quantity: req.Quantity,
		},
	})
	x.metrics.ObserveSubmit(req.Pair, types.IntentPlace.String(), x.clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelOrder cancels a resting order and releases its remaining reservation
func (x *Exchange) CancelOrder(ctx context.Context, user common.Address, orderID uint64, idempotencyKey string) (*types.Result, error) {
	pair, err := x.pairOf(orderID)
	if err != nil {
		return nil, err
	}
	a, err := x.actor(pair)
	if err != nil {
		return nil, err
	}
	start := x.clock.Now()
	res, err := a.Submit(ctx, &types.Intent{
		Kind:           types.IntentCancel,
		Pair:           pair,
		IdempotencyKey: idempotencyKey,
		Cancel:         &types.CancelRequest{UserID: user, OrderID: orderID},
	})
	x.metrics.ObserveSubmit(pair, types.IntentCancel.String(), x.clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetOrderBookSnapshot returns the latest published view of a pair's book
// limited to depth levels per side. It never waits on the pair's actor.
func (x *Exchange) GetOrderBookSnapshot(pair string, depth int) (*engine.Snapshot, error) {
	if _, err := x.registry.Get(pair); err != nil {
		return nil, err
	}
	e, ok := x.engines[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, pair)
	}
	snap := *e.Snapshot()
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return &snap, nil
}

func (x *Exchange) GetOrder(id uint64) (*types.Order, error) {
	o, err := x.store.LoadOrder(id)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: order %d", types.ErrOrderNotFound, id)
	}
	return o, nil
}

// OpenOrders lists a user's live orders across pairs, oldest first
func (x *Exchange) OpenOrders(user common.Address) ([]types.Order, error) {
	all, err := x.store.LoadUserOrders(user)
	if err != nil {
		return nil, fmt.Errorf("load orders of %s: %w", user.Hex(), err)
	}
	open := make([]types.Order, 0, len(all))
	for _, o := range all {
		if !o.Status.IsTerminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (x *Exchange) Balances(user common.Address) map[string]ledger.Balance {
	return x.ledger.Balances(user)
}

func (x *Exchange) RecentTrades(pair string, limit int) ([]types.Trade, error) {
	if _, err := x.registry.Get(pair); err != nil {
		return nil, err
	}
	return x.store.RecentTrades(pair, limit)
}

func (x *Exchange) Markets() []*market.Market { return x.registry.List() }

// Deposit credits funds from outside the exchange
func (x *Exchange) Deposit(user common.Address, asset string, amount decimal.Decimal) error {
	if err := x.checkAsset(asset); err != nil {
		return err
	}
	if err := x.ledger.Deposit(user, asset, amount); err != nil {
		return err
	}
	x.log.Infow("deposit", "user", user.Hex(), "asset", asset, "amount", amount.String())
	return nil
}

// Withdraw debits available funds to outside the exchange
func (x *Exchange) Withdraw(user common.Address, asset string, amount decimal.Decimal) error {
	if err := x.checkAsset(asset); err != nil {
		return err
	}
	if err := x.ledger.Withdraw(user, asset, amount); err != nil {
		return err
	}
	x.log.Infow("withdraw", "user", user.Hex(), "asset", asset, "amount", amount.String())
	return nil
}

func (x *Exchange) checkAsset(asset string) error {
	for _, a := range x.registry.Assets() {
		if a == asset {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown asset %q", types.ErrInvalidOrder, asset)
}

func (x *Exchange) remember(id uint64, pair string) {
	x.dirMu.Lock()
	x.dir[id] = pair
	x.dirMu.Unlock()
}

func (x *Exchange) forget(id uint64) {
	x.dirMu.Lock()
	delete(x.dir, id)
	x.dirMu.Unlock()
}

// pairOf routes a cancel. Orders placed before the last restart that no
// longer rest are looked up in the store.
func (x *Exchange) pairOf(id uint64) (string, error) {
	x.dirMu.RLock()
	pair, ok := x.dir[id]
	x.dirMu.RUnlock()
	if ok {
		return pair, nil
	}
	o, err := x.store.LoadOrder(id)
	if err != nil {
		return "", fmt.Errorf("%w: load order %d: %v", types.ErrPersistenceFailure, id, err)
	}
	if o == nil {
		return "", fmt.Errorf("%w: order %d", types.ErrOrderNotFound, id)
	}
	return o.Pair, nil
}

// onCommit runs on the pair's actor, so directory updates and notifications
// follow the pair's commit order.
func (x *Exchange) onCommit(ev *storage.Event, snap *engine.Snapshot) {
	o := ev.Order
	switch ev.Kind {
	case storage.EventOrderPlaced:
		x.remember(o.ID, ev.Pair)
		x.publish(notify.Notification{Kind: notify.KindOrder, Pair: ev.Pair, Users: []common.Address{o.UserID}, Payload: o, At: ev.At})
		for _, t := range ev.Trades {
			x.publish(notify.Notification{
				Kind:    notify.KindTrade,
				Pair:    t.Pair,
				Users:   []common.Address{t.MakerUserID, t.TakerUserID},
				Payload: t,
				At:      ev.At,
			})
		}
	case storage.EventOrderCancelled:
		x.forget(o.ID)
		x.publish(notify.Notification{Kind: notify.KindCancel, Pair: ev.Pair, Users: []common.Address{o.UserID}, Payload: o, At: ev.At})
	}
	x.publish(notify.Notification{Kind: notify.KindBook, Pair: ev.Pair, Payload: snap, At: ev.At})
}

// publish drops on a full queue; the dispatcher already logs and counts it
func (x *Exchange) publish(n notify.Notification) {
	_ = x.notify.TryPublish(n)
}
