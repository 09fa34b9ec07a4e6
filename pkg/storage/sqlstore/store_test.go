package sqlstore

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want string
	}{
		{
			name: "defaults",
			opt:  Option{Database: "exchange"},
			want: "postgres://localhost:5432/exchange?sslmode=disable",
		},
		{
			name: "credentials",
			opt:  Option{Host: "db", Port: 6432, User: "app", Password: "s3cret", Database: "exchange", SSLMode: "require"},
			want: "postgres://app:s3cret@db:6432/exchange?sslmode=require",
		},
		{
			name: "conn string wins",
			opt:  Option{ConnString: "postgres://x/y", Database: "ignored"},
			want: "postgres://x/y",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Option{}.dsn()
	assert.Error(t, err)
}

func TestModelConversions(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	o := types.Order{
		ID: 9, UserID: user, Pair: "BTC-USDT", Side: types.Buy, Type: types.Limit,
		Price: d("50000"), Quantity: d("1"), FilledQuantity: d("0.25"),
		Status: types.OrderPartiallyFilled, Reserved: d("37500"), CreatedAt: 1, UpdatedAt: 2,
	}
	back, err := fromOrder(o).order()
	require.NoError(t, err)
	assert.Equal(t, o.UserID, back.UserID)
	assert.Equal(t, o.Status, back.Status)
	assert.True(t, o.Reserved.Equal(back.Reserved))
	assert.Equal(t, int64(2), back.UpdatedAt)

	r := ledger.Row{User: user, Asset: "BTC", Available: d("1"), Reserved: d("2"), Version: 3}
	assert.Equal(t, r.Key(), fromRow(r).row().Key())

	e := storage.Event{Pair: "BTC-USDT", Seq: 4, Kind: storage.EventOrderPlaced, Order: o}
	m, err := fromEvent(e)
	require.NoError(t, err)
	decoded, err := m.event()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), decoded.Seq)
	assert.Equal(t, uint64(9), decoded.Order.ID)
}

func TestDecimalColumnsKeepFullScale(t *testing.T) {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	for _, model := range []any{balanceModel{}, orderModel{}, tradeModel{}, eventModel{}} {
		typ := reflect.TypeOf(model)
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if f.Type != decimalType {
				continue
			}
			tag := f.Tag.Get("gorm")
			assert.Contains(t, tag, "type:numeric", "%s.%s", typ.Name(), f.Name)
			assert.False(t, strings.Contains(tag, "numeric("), "%s.%s is scale-limited: %s", typ.Name(), f.Name, tag)
		}
	}
}

// Runs against a live database only when BITCHANGE_TEST_POSTGRES_DSN is set
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("BITCHANGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BITCHANGE_TEST_POSTGRES_DSN not set")
	}
	s, err := New(Option{ConnString: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.DB().Exec("TRUNCATE balances, orders, trades, events")
		s.Close()
	})

	user := common.HexToAddress("0x2222222222222222222222222222222222222222")
	order := types.Order{ID: 1, UserID: user, Pair: "BTC-USDT", Side: types.Sell, Type: types.Limit,
		Price: d("50000"), Quantity: d("0.2"), Status: types.OrderOpen, Reserved: d("0.2")}
	trade := types.Trade{ID: "3f1c", Sequence: 1, Pair: "BTC-USDT", TakerSide: types.Buy,
		Price: d("50000"), Quantity: d("0.05")}

	require.NoError(t, s.Commit(&storage.Batch{
		Balances: []ledger.Row{{User: user, Asset: "BTC", Available: d("0.8000000000000000000001"), Reserved: d("0.2"), Version: 1}},
		Orders:   []types.Order{order},
		Trades:   []types.Trade{trade},
		Events:   []storage.Event{{Pair: "BTC-USDT", Seq: 1, Kind: storage.EventOrderPlaced, Order: order}},
	}))

	order.Status = types.OrderPartiallyFilled
	require.NoError(t, s.Commit(&storage.Batch{Orders: []types.Order{order}}))

	got, err := s.LoadOrder(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.OrderPartiallyFilled, got.Status)

	rows, err := s.LoadBalances()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Available.Equal(d("0.8000000000000000000001")), "stored %s", rows[0].Available)

	trades, err := s.RecentTrades("BTC-USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	var n int
	require.NoError(t, s.ReplayEvents("BTC-USDT", func(*storage.Event) error { n++; return nil }))
	assert.Equal(t, 1, n)
}
