package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limit(id uint64, side types.Side, price, qty string) *types.Order {
	return &types.Order{
		ID:       id,
		Pair:     "BTC-USDT",
		Side:     side,
		Type:     types.Limit,
		Price:    d(price),
		Quantity: d(qty),
		Status:   types.OrderOpen,
	}
}

func market(id uint64, side types.Side, qty string) *types.Order {
	return &types.Order{
		ID:       id,
		Pair:     "BTC-USDT",
		Side:     side,
		Type:     types.Market,
		Quantity: d(qty),
		Status:   types.OrderOpen,
	}
}

func TestInsertAndBestPrices(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")

	_, ok := ob.BestBid()
	assert.False(t, ok)
	_, ok = ob.BestAsk()
	assert.False(t, ok)

	require.NoError(t, ob.Insert(limit(1, types.Buy, "49900", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Buy, "49950", "1")))
	require.NoError(t, ob.Insert(limit(3, types.Sell, "50100", "1")))
	require.NoError(t, ob.Insert(limit(4, types.Sell, "50050", "1")))

	bid, ok := ob.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(d("49950")))

	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(d("50050")))
	assert.Equal(t, 4, ob.Len())
}

func TestInsertRejectsDuplicatesAndMarketOrders(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Buy, "100", "1")))
	assert.ErrorIs(t, ob.Insert(limit(1, types.Buy, "101", "1")), types.ErrDuplicateOrder)
	assert.Error(t, ob.Insert(market(2, types.Buy, "1")))

	filled := limit(3, types.Sell, "100", "1")
	filled.Status = types.OrderFilled
	filled.FilledQuantity = d("1")
	assert.Error(t, ob.Insert(filled))
}

func TestPricesCompareByValue(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Sell, "50000", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Sell, "50000.00", "2")))

	_, asks := ob.Snapshot(0)
	require.Len(t, asks, 1)
	assert.Equal(t, 2, asks[0].Orders)
	assert.True(t, asks[0].Quantity.Equal(d("3")))
}

func TestMatchPriceTimePriority(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Sell, "50100", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Sell, "50000", "0.5")))
	require.NoError(t, ob.Insert(limit(3, types.Sell, "50000", "0.5")))

	fills := ob.Match(limit(10, types.Buy, "50100", "1.2"))
	require.Len(t, fills, 3)

	// better price first, then FIFO at equal price
	assert.Equal(t, uint64(2), fills[0].Maker.ID)
	assert.Equal(t, uint64(3), fills[1].Maker.ID)
	assert.Equal(t, uint64(1), fills[2].Maker.ID)
	assert.True(t, fills[2].Quantity.Equal(d("0.2")))
	assert.True(t, fills[2].Price.Equal(d("50100")))

	// planning does not mutate the book
	assert.Equal(t, 3, ob.Len())
	assert.True(t, fills[0].Maker.FilledQuantity.IsZero())
}

func TestMatchStopsAtLimitPrice(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Buy, "50000", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Buy, "49000", "1")))

	fills := ob.Match(limit(3, types.Sell, "49500", "5"))
	require.Len(t, fills, 1)
	assert.Equal(t, uint64(1), fills[0].Maker.ID)
	assert.True(t, fills[0].Quantity.Equal(d("1")))

	assert.Empty(t, ob.Match(limit(4, types.Sell, "50001", "1")))
}

func TestMatchMarketOrderWalksAllLevels(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Buy, "50000", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Buy, "10", "1")))

	fills := ob.Match(market(3, types.Sell, "3"))
	require.Len(t, fills, 2)
	total := fills[0].Quantity.Add(fills[1].Quantity)
	assert.True(t, total.Equal(d("2")), "fills are bounded by book depth")
}

func TestMatchUsesMakerRemaining(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	maker := limit(1, types.Sell, "50000", "0.2")
	require.NoError(t, maker.Fill(d("0.15")))
	require.NoError(t, ob.Insert(maker))

	fills := ob.Match(market(2, types.Buy, "1"))
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Quantity.Equal(d("0.05")))
}

func TestRemove(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(1, types.Sell, "50000", "1")))
	require.NoError(t, ob.Insert(limit(2, types.Sell, "50000", "1")))

	o, ok := ob.Remove(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), o.ID)

	_, ok = ob.Remove(1)
	assert.False(t, ok)

	_, asks := ob.Snapshot(0)
	require.Len(t, asks, 1)
	assert.Equal(t, 1, asks[0].Orders)

	_, ok = ob.Remove(2)
	require.True(t, ok)
	_, ok = ob.BestAsk()
	assert.False(t, ok, "empty level is dropped")
}

func TestInsertKeepsAdmissionOrder(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	require.NoError(t, ob.Insert(limit(5, types.Buy, "100", "1")))
	require.NoError(t, ob.Insert(limit(3, types.Buy, "100", "1")))
	require.NoError(t, ob.Insert(limit(7, types.Buy, "100", "1")))

	fills := ob.Match(limit(9, types.Sell, "100", "3"))
	require.Len(t, fills, 3)
	assert.Equal(t, []uint64{3, 5, 7}, []uint64{fills[0].Maker.ID, fills[1].Maker.ID, fills[2].Maker.ID})
}

func TestSnapshotDepth(t *testing.T) {
	ob := NewOrderBook("BTC-USDT")
	for i, p := range []string{"100", "101", "102", "103"} {
		require.NoError(t, ob.Insert(limit(uint64(i+1), types.Buy, p, "1")))
		require.NoError(t, ob.Insert(limit(uint64(i+11), types.Sell, p+"0", "1")))
	}

	bids, asks := ob.Snapshot(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.True(t, bids[0].Price.Equal(d("103")))
	assert.True(t, bids[1].Price.Equal(d("102")))
	assert.True(t, asks[0].Price.Equal(d("1000")))
	assert.True(t, asks[1].Price.Equal(d("1010")))
}
