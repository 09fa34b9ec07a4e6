package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestPebbleStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"pebble": newTestPebbleStore(t),
		"memory": NewMemStore(),
	}
}

func sampleBatch(pair string, seq uint64, orderID uint64, user common.Address) *Batch {
	order := types.Order{
		ID:       orderID,
		UserID:   user,
		Pair:     pair,
		Side:     types.Sell,
		Type:     types.Limit,
		Price:    d("50000"),
		Quantity: d("0.2"),
		Status:   types.OrderOpen,
		Reserved: d("0.2"),
	}
	trade := types.Trade{
		ID:           "t",
		Sequence:     seq,
		Pair:         pair,
		MakerOrderID: orderID,
		TakerOrderID: orderID + 1,
		MakerUserID:  user,
		TakerUserID:  bob,
		TakerSide:    types.Buy,
		Price:        d("50000"),
		Quantity:     d("0.01"),
	}
	return &Batch{
		Balances: []ledger.Row{{User: user, Asset: "BTC", Available: d("0.8"), Reserved: d("0.2"), Version: seq}},
		Orders:   []types.Order{order},
		Trades:   []types.Trade{trade},
		Events: []Event{{
			Pair:      pair,
			Seq:       seq,
			Kind:      EventOrderPlaced,
			IntentSeq: orderID,
			User:      user,
			Order:     order,
			Trades:    []types.Trade{trade},
		}},
	}
}

func TestStoreCommitAndLoad(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Commit(sampleBatch("BTC-USDT", 1, 10, alice)))
			require.NoError(t, s.Commit(sampleBatch("BTC-USDT", 2, 11, alice)))
			require.NoError(t, s.Commit(sampleBatch("ETH-BTC", 1, 12, bob)))

			rows, err := s.LoadBalances()
			require.NoError(t, err)
			require.Len(t, rows, 2)

			o, err := s.LoadOrder(11)
			require.NoError(t, err)
			require.NotNil(t, o)
			assert.Equal(t, alice, o.UserID)
			assert.True(t, o.Reserved.Equal(d("0.2")))

			missing, err := s.LoadOrder(999)
			require.NoError(t, err)
			assert.Nil(t, missing)

			orders, err := s.LoadUserOrders(alice)
			require.NoError(t, err)
			require.Len(t, orders, 2)
			assert.Equal(t, uint64(10), orders[0].ID)
			assert.Equal(t, uint64(11), orders[1].ID)
		})
	}
}

func TestStoreReplayOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for seq := uint64(1); seq <= 12; seq++ {
				require.NoError(t, s.Commit(sampleBatch("BTC-USDT", seq, 100+seq, alice)))
			}
			require.NoError(t, s.Commit(sampleBatch("BTC-USDT2", 1, 500, alice)))

			var seqs []uint64
			err := s.ReplayEvents("BTC-USDT", func(e *Event) error {
				seqs = append(seqs, e.Seq)
				return nil
			})
			require.NoError(t, err)
			require.Len(t, seqs, 12)
			for i, seq := range seqs {
				assert.Equal(t, uint64(i+1), seq)
			}

			stop := errors.New("stop")
			err = s.ReplayEvents("BTC-USDT", func(*Event) error { return stop })
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestStoreRecentTradesNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for seq := uint64(1); seq <= 5; seq++ {
				require.NoError(t, s.Commit(sampleBatch("BTC-USDT", seq, seq, alice)))
			}
			trades, err := s.RecentTrades("BTC-USDT", 3)
			require.NoError(t, err)
			require.Len(t, trades, 3)
			assert.Equal(t, uint64(5), trades[0].Sequence)
			assert.Equal(t, uint64(3), trades[2].Sequence)

			none, err := s.RecentTrades("ETH-BTC", 3)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestEventResult(t *testing.T) {
	e := sampleBatch("BTC-USDT", 1, 7, alice).Events[0]
	r := e.Result()
	assert.Equal(t, types.IntentPlace, r.Kind)
	assert.Equal(t, uint64(7), r.Order.ID)
	require.Len(t, r.Trades, 1)

	e.Kind = EventOrderCancelled
	assert.Equal(t, types.IntentCancel, e.Result().Kind)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(sampleBatch("BTC-USDT", 1, 1, alice)))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	o, err := s.LoadOrder(1)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, types.OrderOpen, o.Status)
}

func TestMemStoreFailureInjection(t *testing.T) {
	s := NewMemStore()
	boom := errors.New("boom")
	s.FailNext(1, boom)

	assert.ErrorIs(t, s.Commit(sampleBatch("BTC-USDT", 1, 1, alice)), boom)
	o, err := s.LoadOrder(1)
	require.NoError(t, err)
	assert.Nil(t, o, "failed commit writes nothing")

	require.NoError(t, s.Commit(sampleBatch("BTC-USDT", 1, 1, alice)))
	assert.Equal(t, 1, s.Commits())

	s.FailNext(-1, boom)
	assert.Error(t, s.Commit(sampleBatch("BTC-USDT", 2, 2, alice)))
	assert.Error(t, s.Commit(sampleBatch("BTC-USDT", 3, 3, alice)))
	s.FailNext(0, nil)
	assert.NoError(t, s.Commit(sampleBatch("BTC-USDT", 2, 2, alice)))

	// a failure without an explicit error still reports one
	s.FailNext(1, nil)
	assert.ErrorIs(t, s.Commit(sampleBatch("BTC-USDT", 3, 3, alice)), ErrInjectedFailure)
	o, err = s.LoadOrder(3)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestStoreRejectsUndecodableRecords(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			noSide := sampleBatch("BTC-USDT", 1, 1, alice)
			noSide.Trades[0].TakerSide = 0
			assert.Error(t, s.Commit(noSide))

			noEventSide := sampleBatch("BTC-USDT", 1, 1, alice)
			noEventSide.Events[0].Trades[0].TakerSide = 0
			assert.Error(t, s.Commit(noEventSide))

			noStatus := sampleBatch("BTC-USDT", 1, 1, alice)
			noStatus.Orders[0].Status = 0
			assert.Error(t, s.Commit(noStatus))

			o, err := s.LoadOrder(1)
			require.NoError(t, err)
			assert.Nil(t, o, "rejected batches write nothing")

			require.NoError(t, s.Commit(sampleBatch("BTC-USDT", 1, 1, alice)))
			var kinds []EventKind
			require.NoError(t, s.ReplayEvents("BTC-USDT", func(e *Event) error {
				kinds = append(kinds, e.Kind)
				assert.Equal(t, types.Buy, e.Trades[0].TakerSide)
				return nil
			}))
			assert.Equal(t, []EventKind{EventOrderPlaced}, kinds)
		})
	}
}

func TestOrderIDFromUserKey(t *testing.T) {
	id, err := orderIDFromUserKey(userOrderKey(alice, 42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	_, err = orderIDFromUserKey([]byte("short"))
	assert.Error(t, err)
}
