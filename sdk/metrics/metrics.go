package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridgerpc_messages_received_total", Help: "Messages read from endpoints by kind"},
		[]string{"kind"},
	)
	messagesDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridgerpc_messages_duplicate_total", Help: "Messages dropped by an idempotency gate"},
		[]string{"component"},
	)
	requestsForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bridgerpc_requests_forwarded_total", Help: "Requests flooded to endpoints because no local namespace served them"},
	)
	requestsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridgerpc_requests_dispatched_total", Help: "Requests handled by a local dispatcher by type"},
		[]string{"namespace", "type"},
	)
	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridgerpc_events_emitted_total", Help: "Events emitted by local dispatchers by type"},
		[]string{"namespace", "type"},
	)
	dispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridgerpc_dispatch_failures_total", Help: "Failed procedure invocations by error code"},
		[]string{"namespace", "code"},
	)
	endpointsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bridgerpc_endpoints_connected", Help: "Endpoints currently registered"},
	)
	subscriptionsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "bridgerpc_subscriptions_live", Help: "Live server-side subscriptions"},
		[]string{"namespace"},
	)
)

// Registerer is the subset of prometheus.Registerer used by Register.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// Register registers the bridge metrics with the provided registry.
func Register(reg Registerer) {
	reg.MustRegister(
		messagesReceivedTotal, messagesDuplicateTotal, requestsForwardedTotal,
		requestsDispatchedTotal, eventsEmittedTotal, dispatchFailuresTotal,
		endpointsConnected, subscriptionsLive,
	)
}

func RecordReceived(kind string) { messagesReceivedTotal.WithLabelValues(kind).Inc() }

func RecordDuplicate(component string) { messagesDuplicateTotal.WithLabelValues(component).Inc() }

func RecordForwarded() { requestsForwardedTotal.Inc() }

func RecordDispatched(namespace, typ string) {
	requestsDispatchedTotal.WithLabelValues(namespace, typ).Inc()
}

func RecordEmitted(namespace, typ string) {
	eventsEmittedTotal.WithLabelValues(namespace, typ).Inc()
}

func RecordFailure(namespace, code string) {
	dispatchFailuresTotal.WithLabelValues(namespace, code).Inc()
}

// SetEndpoints sets the connected endpoint gauge.
func SetEndpoints(n int) { endpointsConnected.Set(float64(n)) }

// SubscriptionStarted and SubscriptionEnded track the live subscription gauge.
func SubscriptionStarted(namespace string) { subscriptionsLive.WithLabelValues(namespace).Inc() }

func SubscriptionEnded(namespace string) { subscriptionsLive.WithLabelValues(namespace).Dec() }
