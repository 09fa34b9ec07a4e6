package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitchange"

// Metrics holds the exchange collectors.
// All methods are no-ops on a nil *Metrics.
type Metrics struct {
	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	cancels        *prometheus.CounterVec
	trades         *prometheus.CounterVec
	commitRetries  *prometheus.CounterVec
	notifyDropped  prometheus.Counter
	intentLatency  *prometheus.HistogramVec
	submitLatency  *prometheus.HistogramVec
	bookDepth      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders admitted by the matching engine",
		}, []string{"pair", "side", "type"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Intents rejected before any state change",
		}, []string{"pair", "reason"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Resting orders cancelled by their owner",
		}, []string{"pair"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades settled",
		}, []string{"pair"}),
		commitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Intent retries by cause",
		}, []string{"pair", "reason"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full",
		}),
		intentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "intent_latency_seconds",
			Help:      "Time from dequeue to reply per intent",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"pair", "kind"}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_seconds",
			Help:      "Time from submission to reply, queueing included",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"pair", "kind"}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_resting_orders",
			Help:      "Resting orders per pair",
		}, []string{"pair"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.ordersAccepted, m.ordersRejected, m.cancels, m.trades,
		m.commitRetries, m.notifyDropped, m.intentLatency, m.submitLatency, m.bookDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderAccepted(pair, side, typ string) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(pair, side, typ).Inc()
}

func (m *Metrics) OrderRejected(pair, reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(pair, reason).Inc()
}

func (m *Metrics) OrderCancelled(pair string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(pair).Inc()
}

func (m *Metrics) Trades(pair string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.trades.WithLabelValues(pair).Add(float64(n))
}

func (m *Metrics) CommitRetry(pair, reason string) {
	if m == nil {
		return
	}
	m.commitRetries.WithLabelValues(pair, reason).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

// ObserveIntent records the actor-side latency of one intent, dequeue to reply
func (m *Metrics) ObserveIntent(pair, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.intentLatency.WithLabelValues(pair, kind).Observe(d.Seconds())
}

// ObserveSubmit records the caller-side latency of one intent
func (m *Metrics) ObserveSubmit(pair, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(pair, kind).Observe(d.Seconds())
}

func (m *Metrics) BookDepth(pair string, resting int) {
	if m == nil {
		return
	}
	m.bookDepth.WithLabelValues(pair).Set(float64(resting))
}
