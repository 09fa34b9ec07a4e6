package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/app/core/engine"
	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/metrics"
	"github.com/onboarding92/bitchange/pkg/notify"
	"github.com/onboarding92/bitchange/pkg/storage"
	"github.com/onboarding92/bitchange/pkg/util"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	house = common.HexToAddress("0x000000000000000000000000000000000000fee0")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRegistry(t *testing.T, symbols ...string) *market.Registry {
	t.Helper()
	reg := market.NewRegistry()
	params := market.DefaultParams()
	params.TickSize = d("0.00001")
	for _, s := range symbols {
		m, err := market.NewMarket(s, params)
		require.NoError(t, err)
		require.NoError(t, reg.Register(m))
	}
	return reg
}

type recordingSink struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (s *recordingSink) Deliver(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, n)
	return nil
}

func (s *recordingSink) kinds() map[notify.Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[notify.Kind]int)
	for _, n := range s.seen {
		out[n.Kind]++
	}
	return out
}

func newExchange(t *testing.T, store storage.Store, sinks ...notify.Sink) *Exchange {
	t.Helper()
	reg := testRegistry(t, "BTC-USDT", "ETH-BTC")
	l := ledger.New(house, store)
	cfg := DefaultConfig()
	cfg.Sequencer.InitialInterval = time.Microsecond
	cfg.Sequencer.MaxInterval = time.Millisecond
	x := New(reg, l, store, util.RealClock{}, zap.NewNop().Sugar(), nil, cfg, sinks...)
	require.NoError(t, x.Recover(context.Background()))
	return x
}

func start(t *testing.T, x *Exchange) {
	t.Helper()
	x.Start(context.Background())
	t.Cleanup(x.Stop)
}

func TestPlaceMatchAndCancel(t *testing.T) {
	sink := &recordingSink{}
	x := newExchange(t, storage.NewMemStore(), sink)
	start(t, x)
	ctx := context.Background()

	require.NoError(t, x.Deposit(alice, "BTC", d("1")))
	require.NoError(t, x.Deposit(bob, "USDT", d("10000")))

	sell, err := x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "BTC-USDT", Side: types.Sell, Type: types.Limit, Price: d("50000"), Quantity: d("0.2")})
	require.NoError(t, err)

	buy, err := x.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "BTC-USDT", Side: types.Buy, Type: types.Market, Quantity: d("0.05")})
	require.NoError(t, err)
	require.Len(t, buy.Trades, 1)

	snap, err := x.GetOrderBookSnapshot("BTC-USDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Quantity.Equal(d("0.15")))
	assert.Empty(t, snap.Bids)

	open, err := x.OpenOrders(alice)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.OrderPartiallyFilled, open[0].Status)

	trades, err := x.RecentTrades("BTC-USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	res, err := x.CancelOrder(ctx, alice, sell.Order.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Released.Equal(d("0.15")))
	assert.True(t, x.Balances(alice)["BTC"].Reserved.IsZero())

	o, err := x.GetOrder(sell.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, o.Status)

	x.Stop()
	kinds := sink.kinds()
	assert.Equal(t, 2, kinds[notify.KindOrder])
	assert.Equal(t, 1, kinds[notify.KindTrade])
	assert.Equal(t, 1, kinds[notify.KindCancel])
	assert.Equal(t, 3, kinds[notify.KindBook])
}

func TestErrorsSurfaceToCallers(t *testing.T) {
	x := newExchange(t, storage.NewMemStore())
	ctx := context.Background()

	_, err := x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: d("1"), Quantity: d("1")})
	assert.ErrorIs(t, err, types.ErrSequencerStopped, "not started")

	start(t, x)
	_, err = x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "DOGE-USDT", Side: types.Buy, Type: types.Limit, Price: d("1"), Quantity: d("1")})
	assert.ErrorIs(t, err, types.ErrUnknownMarket)

	_, err = x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: d("1"), Quantity: d("1")})
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)

	_, err = x.CancelOrder(ctx, alice, 999, "")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	_, err = x.GetOrder(999)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	assert.Error(t, x.Deposit(alice, "DOGE", d("1")))
	assert.ErrorIs(t, x.Withdraw(alice, "BTC", d("1")), types.ErrInsufficientBalance)

	_, err = x.GetOrderBookSnapshot("DOGE-USDT", 0)
	assert.ErrorIs(t, err, types.ErrUnknownMarket)
}

func TestIdempotentPlaceOrder(t *testing.T) {
	x := newExchange(t, storage.NewMemStore())
	start(t, x)
	require.NoError(t, x.Deposit(bob, "USDT", d("1000")))

	req := PlaceOrderRequest{UserID: bob, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: d("100"), Quantity: d("1"), IdempotencyKey: "abc"}
	first, err := x.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := x.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, x.Balances(bob)["USDT"].Reserved.Equal(d("100")))
}

func TestBookNotificationsFollowCommitOrder(t *testing.T) {
	sink := &recordingSink{}
	x := newExchange(t, storage.NewMemStore(), sink)
	start(t, x)
	require.NoError(t, x.Deposit(bob, "USDT", d("100000000")))

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				price := decimal.NewFromInt(int64(1000 + w*perWorker + i))
				_, err := x.PlaceOrder(context.Background(), PlaceOrderRequest{
					UserID: bob, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: price, Quantity: d("0.01"),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	x.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var last uint64
	books := 0
	for _, n := range sink.seen {
		if n.Kind != notify.KindBook {
			continue
		}
		snap, ok := n.Payload.(*engine.Snapshot)
		require.True(t, ok)
		require.Greater(t, snap.Sequence, last, "book snapshot went backwards")
		last = snap.Sequence
		books++
	}
	assert.Equal(t, workers*perWorker, books)
	assert.Equal(t, uint64(workers*perWorker), last)
}

func TestOneLatencySamplePerIntent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	store := storage.NewMemStore()
	x := New(testRegistry(t, "BTC-USDT"), ledger.New(house, store), store, util.RealClock{}, zap.NewNop().Sugar(), m, DefaultConfig())
	require.NoError(t, x.Recover(context.Background()))
	start(t, x)
	require.NoError(t, x.Deposit(bob, "USDT", d("1000")))

	_, err = x.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: bob, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: d("100"), Quantity: d("1")})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	samples := make(map[string]uint64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if h := metric.GetHistogram(); h != nil {
				samples[mf.GetName()] += h.GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), samples["bitchange_intent_latency_seconds"])
	assert.Equal(t, uint64(1), samples["bitchange_submit_latency_seconds"])
}

// checkBooks verifies conservation, non-negative balances and that every
// reservation is backed by an open order.
func checkBooks(t *testing.T, x *Exchange, users []common.Address, deposited map[string]decimal.Decimal) {
	t.Helper()
	totals := x.ledger.Totals()
	for asset, want := range deposited {
		assert.True(t, want.Equal(totals[asset]), "total %s: want %s got %s", asset, want, totals[asset])
	}
	for _, r := range x.ledger.Rows() {
		assert.False(t, r.Available.IsNegative(), "%s/%s available %s", r.User.Hex(), r.Asset, r.Available)
		assert.False(t, r.Reserved.IsNegative(), "%s/%s reserved %s", r.User.Hex(), r.Asset, r.Reserved)
	}
	for _, u := range users {
		open, err := x.OpenOrders(u)
		require.NoError(t, err)
		backing := make(map[string]decimal.Decimal)
		for _, o := range open {
			m, err := x.registry.Get(o.Pair)
			require.NoError(t, err)
			asset := m.ReservedAsset(o.Side)
			backing[asset] = backing[asset].Add(o.Reserved)
		}
		for asset, bal := range x.Balances(u) {
			assert.True(t, bal.Reserved.Equal(backing[asset]), "%s %s reserved %s, open orders hold %s", u.Hex(), asset, bal.Reserved, backing[asset])
		}
	}
}

func TestConcurrentTradingAcrossPairsConserves(t *testing.T) {
	x := newExchange(t, storage.NewMemStore())
	start(t, x)

	users := make([]common.Address, 8)
	deposited := map[string]decimal.Decimal{}
	for i := range users {
		users[i] = common.BigToAddress(decimal.NewFromInt(int64(i + 1)).BigInt())
		for asset, amt := range map[string]string{"BTC": "10", "USDT": "500000", "ETH": "100"} {
			require.NoError(t, x.Deposit(users[i], asset, d(amt)))
			deposited[asset] = deposited[asset].Add(d(amt))
		}
	}

	mids := map[string]decimal.Decimal{"BTC-USDT": d("50000"), "ETH-BTC": d("0.06")}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			var mine []uint64
			for i := 0; i < 150; i++ {
				user := users[w]
				if len(mine) > 0 && rng.Intn(10) == 0 {
					id := mine[rng.Intn(len(mine))]
					_, _ = x.CancelOrder(context.Background(), user, id, "")
					continue
				}
				pair := "BTC-USDT"
				if rng.Intn(2) == 0 {
					pair = "ETH-BTC"
				}
				req := PlaceOrderRequest{UserID: user, Pair: pair, Side: types.Buy, Type: types.Limit, Quantity: d("0.01").Mul(decimal.NewFromInt(int64(rng.Intn(20) + 1)))}
				if rng.Intn(2) == 0 {
					req.Side = types.Sell
				}
				if rng.Intn(5) == 0 {
					req.Type = types.Market
				} else {
					off := decimal.NewFromInt(int64(rng.Intn(41) - 20)).Div(decimal.NewFromInt(1000))
					req.Price = mids[pair].Add(mids[pair].Mul(off)).Round(5)
				}
				res, err := x.PlaceOrder(context.Background(), req)
				if err == nil && res.Order.IsResting() {
					mine = append(mine, res.Order.ID)
				}
			}
		}(w)
	}

	// boundary operations race with matching on shared rows
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = x.Deposit(users[i%len(users)], "BTC", d("0.1"))
		}
	}()
	wg.Wait()
	for i := 0; i < 50; i++ {
		deposited["BTC"] = deposited["BTC"].Add(d("0.1"))
	}

	trades, err := x.RecentTrades("BTC-USDT", 10000)
	require.NoError(t, err)
	other, err := x.RecentTrades("ETH-BTC", 10000)
	require.NoError(t, err)
	assert.NotEmpty(t, append(trades, other...), "workload should cross")

	checkBooks(t, x, users, deposited)
}

func TestRestartRecoversFromPebble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	store, err := storage.NewPebbleStore(path)
	require.NoError(t, err)

	x := newExchange(t, store)
	x.Start(context.Background())
	ctx := context.Background()

	require.NoError(t, x.Deposit(alice, "BTC", d("2")))
	require.NoError(t, x.Deposit(bob, "USDT", d("200000")))
	require.NoError(t, x.Deposit(bob, "BTC", d("1")))

	filled, err := x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "BTC-USDT", Side: types.Sell, Type: types.Limit, Price: d("50000"), Quantity: d("0.5")})
	require.NoError(t, err)
	_, err = x.PlaceOrder(ctx, PlaceOrderRequest{UserID: alice, Pair: "BTC-USDT", Side: types.Sell, Type: types.Limit, Price: d("51000"), Quantity: d("1")})
	require.NoError(t, err)
	_, err = x.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit, Price: d("50500"), Quantity: d("0.6")})
	require.NoError(t, err)
	resting, err := x.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "ETH-BTC", Side: types.Sell, Type: types.Limit, Price: d("0.06"), Quantity: d("0")})
	require.ErrorIs(t, err, types.ErrInvalidOrder)
	require.Nil(t, resting)
	_, err = x.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "ETH-BTC", Side: types.Buy, Type: types.Limit, Price: d("0.06"), Quantity: d("2"), IdempotencyKey: "eth-1"})
	require.NoError(t, err)

	wantBTC, err := x.GetOrderBookSnapshot("BTC-USDT", 0)
	require.NoError(t, err)
	wantETH, err := x.GetOrderBookSnapshot("ETH-BTC", 0)
	require.NoError(t, err)
	wantAlice := x.Balances(alice)
	wantBob := x.Balances(bob)
	lastSeq := x.seq.Current()

	x.Stop()
	require.NoError(t, store.Close())

	store, err = storage.NewPebbleStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	y := newExchange(t, store)
	start(t, y)

	gotBTC, err := y.GetOrderBookSnapshot("BTC-USDT", 0)
	require.NoError(t, err)
	gotETH, err := y.GetOrderBookSnapshot("ETH-BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, wantBTC.Sequence, gotBTC.Sequence)
	assert.Equal(t, wantETH.Sequence, gotETH.Sequence)
	assert.True(t, wantBTC.LastPrice.Equal(gotBTC.LastPrice))
	require.Len(t, gotBTC.Asks, len(wantBTC.Asks))
	require.Len(t, gotETH.Bids, len(wantETH.Bids))
	for i := range wantBTC.Asks {
		assert.True(t, wantBTC.Asks[i].Quantity.Equal(gotBTC.Asks[i].Quantity))
	}

	for asset, bal := range wantAlice {
		got := y.Balances(alice)[asset]
		assert.True(t, bal.Available.Equal(got.Available), "alice %s", asset)
		assert.True(t, bal.Reserved.Equal(got.Reserved), "alice %s", asset)
	}
	for asset, bal := range wantBob {
		got := y.Balances(bob)[asset]
		assert.True(t, bal.Available.Equal(got.Available), "bob %s", asset)
		assert.True(t, bal.Reserved.Equal(got.Reserved), "bob %s", asset)
	}

	// the filled order is routed through the store after restart
	_, err = y.CancelOrder(ctx, alice, filled.Order.ID, "")
	assert.ErrorIs(t, err, types.ErrOrderNotCancellable)

	dup, err := y.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "ETH-BTC", Side: types.Buy, Type: types.Limit, Price: d("0.06"), Quantity: d("2"), IdempotencyKey: "eth-1"})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	fresh, err := y.PlaceOrder(ctx, PlaceOrderRequest{UserID: bob, Pair: "ETH-BTC", Side: types.Buy, Type: types.Limit, Price: d("0.05"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Greater(t, fresh.Order.ID, lastSeq, "ids keep increasing across restarts")
}

func TestFeederKeepsBooksBalanced(t *testing.T) {
	x := newExchange(t, storage.NewMemStore())
	start(t, x)

	cfg := DefaultFeederConfig()
	cfg.Interval = time.Millisecond
	cfg.NumAccounts = 6
	cfg.BatchSize = 20
	cfg.Seed = 7
	cfg.Funding = d("1000000")

	stop, err := StartFeeder(context.Background(), x, cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		trades, err := x.RecentTrades("BTC-USDT", 1)
		return err == nil && len(trades) > 0
	}, 5*time.Second, 5*time.Millisecond)
	stop()
	x.Stop()

	gen := NewGenerator(cfg.NumAccounts, x.Markets(), cfg.MidPrices, cfg.Seed)
	deposited := map[string]decimal.Decimal{}
	for _, asset := range x.registry.Assets() {
		deposited[asset] = cfg.Funding.Mul(decimal.NewFromInt(int64(cfg.NumAccounts)))
	}
	checkBooks(t, x, gen.Accounts(), deposited)
}

func TestStartFeederValidates(t *testing.T) {
	x := newExchange(t, storage.NewMemStore())
	cfg := DefaultFeederConfig()
	cfg.Symbols = []string{"DOGE-USDT"}
	_, err := StartFeeder(context.Background(), x, cfg)
	assert.ErrorIs(t, err, types.ErrUnknownMarket)

	cfg = DefaultFeederConfig()
	cfg.NumAccounts = 0
	_, err = StartFeeder(context.Background(), x, cfg)
	assert.Error(t, err)
}

func TestGeneratorRespectsTick(t *testing.T) {
	reg := testRegistry(t, "BTC-USDT")
	gen := NewGenerator(3, reg.List(), nil, 1)
	mids := map[string]decimal.Decimal{"BTC-USDT": d("50000")}
	for i := 0; i < 200; i++ {
		req := gen.Order(mids)
		m, err := reg.Get(req.Pair)
		require.NoError(t, err)
		assert.NoError(t, m.ValidateOrder(req.Side, req.Type, req.Price, req.Quantity), fmt.Sprintf("%+v", req))
	}
}
