package client

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is nil unless WithMetrics was given; every method is nil-safe.
type metrics struct {
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	connectTotal      *prometheus.CounterVec
	joinTotal         *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	queued            prometheus.Gauge
	subscriptions     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phxgql_operation_duration_seconds",
			Help:    "Duration of queries and subscription requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		operationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phxgql_operation_total",
			Help: "Total number of queries and subscription requests.",
		}, []string{"operation", "status"}),
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phxgql_connect_total",
			Help: "Socket connect attempts.",
		}, []string{"status"}),
		joinTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phxgql_join_total",
			Help: "Channel join attempts.",
		}, []string{"status"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phxgql_subscription_events_total",
			Help: "Subscription events received.",
		}, []string{"status"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phxgql_queued_operations",
			Help: "Operations waiting for a channel join.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phxgql_active_subscriptions",
			Help: "Subscriptions currently delivering events.",
		}),
	}
	m.operationDuration = register(reg, m.operationDuration)
	m.operationTotal = register(reg, m.operationTotal)
	m.connectTotal = register(reg, m.connectTotal)
	m.joinTotal = register(reg, m.joinTotal)
	m.eventsTotal = register(reg, m.eventsTotal)
	m.queued = register(reg, m.queued)
	m.subscriptions = register(reg, m.subscriptions)
	return m
}

// register returns the collector already registered under the same name when
// several clients share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *metrics) operation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op, status(err)).Observe(time.Since(start).Seconds())
	m.operationTotal.WithLabelValues(op, status(err)).Inc()
}

func (m *metrics) connect(err error) {
	if m == nil {
		return
	}
	m.connectTotal.WithLabelValues(status(err)).Inc()
}

func (m *metrics) join(err error) {
	if m == nil {
		return
	}
	m.joinTotal.WithLabelValues(status(err)).Inc()
}

func (m *metrics) event(outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(outcome).Inc()
}

func (m *metrics) queuedAdd(n int) {
	if m == nil {
		return
	}
	m.queued.Add(float64(n))
}

func (m *metrics) subscriptionsAdd(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(n))
}
