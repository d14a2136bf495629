// Package metric exposes Prometheus metrics for the grid client. A session
// constructed without Metrics runs unmetered; every instrument helper is
// nil-safe.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/gridclient/errors"
)

const namespace = "gridclient"

// Metrics holds the client instruments.
type Metrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	eventsReceived    *prometheus.CounterVec
	subscriptions     *prometheus.CounterVec
	listenerGroups    prometheus.Gauge
	streamsActive     prometheus.Gauge
}

// NewMetrics creates and registers the client instruments on a private
// Prometheus registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total named-map operations by op code",
		}, []string{"cache", "op"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of named-map operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total failed operations by error kind",
		}, []string{"kind"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total entry events delivered to listeners",
		}, []string{"cache", "kind"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Total subscribe and unsubscribe messages sent",
		}, []string{"cache", "action"}),
		listenerGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_groups",
			Help:      "Listener groups currently registered",
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Event streams currently open",
		}),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.eventsReceived,
		m.subscriptions,
		m.listenerGroups,
		m.streamsActive,
	)

	return m
}

// Handler returns an HTTP handler scraping the client registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(cache, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(cache, op).Inc()
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errorsTotal.WithLabelValues(errorKind(err)).Inc()
	}
}

// ObserveEvent records one entry event delivered to a listener group.
func (m *Metrics) ObserveEvent(cache, kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(cache, kind).Inc()
}

// ObserveSubscription records one subscribe or unsubscribe message.
func (m *Metrics) ObserveSubscription(cache, action string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(cache, action).Inc()
}

// SetListenerGroups tracks the registered listener-group count.
func (m *Metrics) SetListenerGroups(delta float64) {
	if m == nil {
		return
	}
	m.listenerGroups.Add(delta)
}

// StreamOpened tracks an event stream opening.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamClosed tracks an event stream closing.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
}

func errorKind(err error) string {
	return errors.ClassOf(err).String()
}
