package exchange

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// FeederConfig controls simulated order flow
type FeederConfig struct {
	BatchSize   int           // intents per tick
	Interval    time.Duration // tick period
	NumAccounts int           // simulated traders
	Symbols     []string      // markets to trade, all registered markets if empty
	Funding     decimal.Decimal
	Seed        int64 // zero seeds from the clock

	// MidPrices is the reference price per pair until the pair has traded
	MidPrices map[string]decimal.Decimal
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		Funding:     decimal.NewFromInt(1_000_000),
		MidPrices: map[string]decimal.Decimal{
			"BTC-USDT": decimal.NewFromInt(50000),
			"ETH-USDT": decimal.NewFromInt(3000),
			"ETH-BTC":  decimal.RequireFromString("0.06"),
		},
	}
}

// HighLoadFeederConfig is for soak runs
func HighLoadFeederConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.BatchSize = 100
	cfg.NumAccounts = 200
	return cfg
}

// feederAccountBase offsets simulated trader addresses away from real ones
const feederAccountBase = 0xfeed0000

// Generator produces random limit and market orders, with occasional cancels
// of the trader's own resting orders.
type Generator struct {
	accounts []common.Address
	markets  []*market.Market
	mids     map[string]decimal.Decimal
	rng      *rand.Rand
	recent   map[common.Address][]uint64 // order ids a trader may cancel
}

func NewGenerator(numAccounts int, markets []*market.Market, mids map[string]decimal.Decimal, seed int64) *Generator {
	accounts := make([]common.Address, numAccounts)
	for i := range accounts {
		accounts[i] = common.BigToAddress(big.NewInt(int64(feederAccountBase + i + 1)))
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		accounts: accounts,
		markets:  markets,
		mids:     mids,
		rng:      rand.New(rand.NewSource(seed)),
		recent:   make(map[common.Address][]uint64),
	}
}

func (g *Generator) Accounts() []common.Address { return g.accounts }

// Order creates a random order around mid: 80% limit, +-5% of mid
func (g *Generator) Order(mids map[string]decimal.Decimal) PlaceOrderRequest {
	m := g.markets[g.rng.Intn(len(g.markets))]
	req := PlaceOrderRequest{
		UserID:   g.accounts[g.rng.Intn(len(g.accounts))],
		Pair:     m.Symbol,
		Side:     types.Buy,
		Type:     types.Limit,
		Quantity: g.quantity(m),
	}
	if g.rng.Intn(2) == 1 {
		req.Side = types.Sell
	}
	if g.rng.Intn(100) >= 80 {
		req.Type = types.Market
		return req
	}

	mid, ok := mids[m.Symbol]
	if !ok || !mid.IsPositive() {
		mid = decimal.NewFromInt(100)
	}
	// +-500 bps
	bps := decimal.NewFromInt(int64(g.rng.Intn(1001) - 500))
	price := mid.Add(mid.Mul(bps).Div(decimal.NewFromInt(10000)))
	req.Price = roundDown(price, m.TickSize)
	if !req.Price.IsPositive() {
		req.Price = m.TickSize
	}
	return req
}

// quantity is 1..100 steps of 1000 lots, or of 0.001 base without a lot size
func (g *Generator) quantity(m *market.Market) decimal.Decimal {
	step := decimal.RequireFromString("0.001")
	if m.LotSize.IsPositive() && m.LotSize.Mul(decimal.NewFromInt(1000)).GreaterThan(step) {
		step = m.LotSize.Mul(decimal.NewFromInt(1000))
	}
	return step.Mul(decimal.NewFromInt(int64(g.rng.Intn(100) + 1)))
}

// Cancel picks a recent order of a random trader, if there is one
func (g *Generator) Cancel() (common.Address, uint64, bool) {
	user := g.accounts[g.rng.Intn(len(g.accounts))]
	ids := g.recent[user]
	if len(ids) == 0 {
		return user, 0, false
	}
	i := g.rng.Intn(len(ids))
	id := ids[i]
	g.recent[user] = append(ids[:i], ids[i+1:]...)
	return user, id, true
}

// Track records an accepted resting order as a cancel candidate
func (g *Generator) Track(o types.Order) {
	if !o.IsResting() {
		return
	}
	ids := append(g.recent[o.UserID], o.ID)
	if len(ids) > 100 {
		ids = ids[len(ids)-100:]
	}
	g.recent[o.UserID] = ids
}

func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// FeederStats counts outcomes of generated intents
type FeederStats struct {
	Placed    int
	Cancelled int
	Rejected  int
	Trades    int
}

// StartFeeder funds simulated traders and feeds random orders until the
// returned cancel function is called or ctx is done.
func StartFeeder(ctx context.Context, x *Exchange, cfg FeederConfig) (context.CancelFunc, error) {
	markets := x.Markets()
	if len(cfg.Symbols) > 0 {
		markets = make([]*market.Market, 0, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			m, err := x.registry.Get(s)
			if err != nil {
				return nil, err
			}
			markets = append(markets, m)
		}
	}
	if len(markets) == 0 {
		return nil, errors.New("feeder has no markets")
	}
	if cfg.NumAccounts <= 0 || cfg.BatchSize <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("feeder needs accounts, batch size and interval")
	}

	gen := NewGenerator(cfg.NumAccounts, markets, cfg.MidPrices, cfg.Seed)
	if cfg.Funding.IsPositive() {
		for _, user := range gen.Accounts() {
			for _, asset := range x.registry.Assets() {
				if err := x.Deposit(user, asset, cfg.Funding); err != nil {
					return nil, err
				}
			}
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		lastReport := start
		var stats FeederStats

		x.log.Infow("feeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval.String(), "accounts", cfg.NumAccounts)
		for {
			select {
			case <-feedCtx.Done():
				x.log.Infow("feeder_stopped",
					"placed", stats.Placed,
					"cancelled", stats.Cancelled,
					"rejected", stats.Rejected,
					"trades", stats.Trades,
					"elapsed", time.Since(start).Round(time.Second).String(),
				)
				return
			case <-ticker.C:
				feedBatch(feedCtx, x, gen, cfg.BatchSize, &stats)
				if time.Since(lastReport) >= 10*time.Second {
					lastReport = time.Now()
					elapsed := time.Since(start).Seconds()
					x.log.Infow("feeder_stats",
						"placed", stats.Placed,
						"rejected", stats.Rejected,
						"trades", stats.Trades,
						"rate", float64(stats.Placed+stats.Cancelled)/elapsed,
					)
				}
			}
		}
	}()
	return cancel, nil
}

// feedBatch submits n intents, 90% orders and 10% cancels
func feedBatch(ctx context.Context, x *Exchange, gen *Generator, n int, stats *FeederStats) {
	mids := make(map[string]decimal.Decimal, len(gen.markets))
	for _, m := range gen.markets {
		mids[m.Symbol] = gen.mids[m.Symbol]
		if snap, err := x.GetOrderBookSnapshot(m.Symbol, 1); err == nil && snap.LastPrice.IsPositive() {
			mids[m.Symbol] = snap.LastPrice
		}
	}

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		if gen.rng.Intn(100) < 10 {
			if user, id, ok := gen.Cancel(); ok {
				if _, err := x.CancelOrder(ctx, user, id, ""); err != nil {
					stats.Rejected++
				} else {
					stats.Cancelled++
				}
				continue
			}
		}
		res, err := x.PlaceOrder(ctx, gen.Order(mids))
		if err != nil {
			stats.Rejected++
			x.log.Debugw("feeder_rejected", "err", err)
			continue
		}
		stats.Placed++
		stats.Trades += len(res.Trades)
		gen.Track(res.Order)
	}
}
