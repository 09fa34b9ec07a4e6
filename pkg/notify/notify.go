package notify

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/metrics"
)

type Kind string

const (
	KindOrder  Kind = "order"
	KindTrade  Kind = "trade"
	KindCancel Kind = "cancel"
	KindBook   Kind = "book"
)

// Notification is published after a commit. It never feeds back into state.
type Notification struct {
	Kind    Kind             `json:"kind"`
	Pair    string           `json:"pair"`
	Users   []common.Address `json:"users,omitempty"` // accounts the change concerns
	Payload any              `json:"payload"`
	At      int64            `json:"at"`
}

type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

var ErrQueueFull = errors.New("notification queue full")

const deliverTimeout = 5 * time.Second

// Dispatcher fans notifications out to sinks from a bounded queue
type Dispatcher struct {
	queue   chan Notification
	sinks   []Sink
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	done    chan struct{}
}

func NewDispatcher(size int, log *zap.SugaredLogger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		queue:   make(chan Notification, size),
		sinks:   sinks,
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// AddSink registers a sink. Call before Run.
func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// TryPublish enqueues n without blocking
func (d *Dispatcher) TryPublish(n Notification) error {
	select {
	case d.queue <- n:
		return nil
	default:
		d.metrics.NotificationDropped()
		d.log.Warnw("notification_dropped", "kind", n.Kind, "pair", n.Pair)
		return ErrQueueFull
	}
}

// Run delivers until ctx is done, then flushes what is already queued
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(n Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := s.Deliver(ctx, n); err != nil {
			d.log.Warnw("notification_failed", "kind", n.Kind, "pair", n.Pair, "err", err)
		}
		cancel()
	}
}

// LogSink writes every notification to the log at debug level
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.log.Debugw("notification", "kind", n.Kind, "pair", n.Pair, "users", len(n.Users), "at", n.At)
	return nil
}
