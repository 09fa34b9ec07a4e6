package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []Notification
	err  error
}

func (s *recordingSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, n)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestDispatcherFansOut(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	d := NewDispatcher(8, zap.NewNop().Sugar(), nil, failing)
	d.AddSink(ok)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.TryPublish(Notification{Kind: KindTrade, Pair: "BTC-USDT"}))
	}
	require.Eventually(t, func() bool { return ok.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, failing.count(), "a failing sink does not stop delivery")

	cancel()
	<-d.Done()
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(2, zap.NewNop().Sugar(), nil)
	require.NoError(t, d.TryPublish(Notification{Kind: KindOrder}))
	require.NoError(t, d.TryPublish(Notification{Kind: KindOrder}))
	assert.ErrorIs(t, d.TryPublish(Notification{Kind: KindOrder}), ErrQueueFull)
}

func TestDispatcherFlushesOnStop(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, zap.NewNop().Sugar(), nil, sink)
	require.NoError(t, d.TryPublish(Notification{Kind: KindBook}))
	require.NoError(t, d.TryPublish(Notification{Kind: KindBook}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.Equal(t, 2, sink.count())
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByPair(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaSink{writer: w}

	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	n := Notification{Kind: KindTrade, Pair: "ETH-BTC", Users: []common.Address{user}, Payload: map[string]string{"price": "0.05"}, At: 1700000000000}
	require.NoError(t, s.Deliver(context.Background(), n))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ETH-BTC", string(w.msgs[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "trade", got["kind"])
	assert.Equal(t, "ETH-BTC", got["pair"])
	assert.Equal(t, int64(1700000000000), w.msgs[0].Time.UnixMilli())
}

func TestNewKafkaSinkConfiguresWriter(t *testing.T) {
	s := NewKafkaSink([]string{"localhost:9092"}, "fills")
	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "fills", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
