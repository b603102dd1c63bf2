// Package metrics exposes relay pool counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pool's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts      *prometheus.CounterVec
	connectFailures      *prometheus.CounterVec
	relayStatus          *prometheus.GaugeVec
	relayLatency         *prometheus.GaugeVec
	eventsReceived       *prometheus.CounterVec
	eventsRejected       *prometheus.CounterVec
	eventsDuplicate      prometheus.Counter
	notificationsDropped prometheus.Counter
	subscriptionsActive  prometheus.Gauge
	publishResults       *prometheus.CounterVec
	databaseErrors       prometheus.Counter
}

// New registers collectors on a fresh registry (plus Go runtime collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_pool_relay_connect_attempts_total",
			Help: "Relay connection attempts.",
		}, []string{"relay"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_pool_relay_connect_failures_total",
			Help: "Relay connection attempts that failed.",
		}, []string{"relay"}),
		relayStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nostr_pool_relay_status",
			Help: "Current relay state (0 disconnected .. 4 ready).",
		}, []string{"relay"}),
		relayLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nostr_pool_relay_avg_latency_seconds",
			Help: "Moving average of relay round-trip latency.",
		}, []string{"relay"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_pool_events_received_total",
			Help: "Events received from relays, before admission.",
		}, []string{"relay"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_pool_events_rejected_total",
			Help: "Events dropped by admission, by reason.",
		}, []string{"reason"}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_pool_events_duplicate_total",
			Help: "Events suppressed because the subscription already delivered them.",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_pool_notifications_dropped_total",
			Help: "Notifications dropped for slow consumers.",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nostr_pool_subscriptions_active",
			Help: "Logical subscriptions currently open.",
		}),
		publishResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_pool_publish_results_total",
			Help: "Per-relay publish outcomes.",
		}, []string{"result"}),
		databaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_pool_database_errors_total",
			Help: "Failed event writes to the database.",
		}),
	}
	reg.MustRegister(
		m.connectAttempts, m.connectFailures, m.relayStatus, m.relayLatency,
		m.eventsReceived, m.eventsRejected, m.eventsDuplicate, m.notificationsDropped,
		m.subscriptionsActive, m.publishResults, m.databaseErrors,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectAttempt(relay string) {
	if m != nil {
		m.connectAttempts.WithLabelValues(relay).Inc()
	}
}

func (m *Metrics) ConnectFailure(relay string) {
	if m != nil {
		m.connectFailures.WithLabelValues(relay).Inc()
	}
}

func (m *Metrics) RelayStatus(relay string, status int) {
	if m != nil {
		m.relayStatus.WithLabelValues(relay).Set(float64(status))
	}
}

func (m *Metrics) RelayLatency(relay string, seconds float64) {
	if m != nil {
		m.relayLatency.WithLabelValues(relay).Set(seconds)
	}
}

// ForgetRelay drops per-relay series once a relay is removed.
func (m *Metrics) ForgetRelay(relay string) {
	if m == nil {
		return
	}
	m.connectAttempts.DeleteLabelValues(relay)
	m.connectFailures.DeleteLabelValues(relay)
	m.relayStatus.DeleteLabelValues(relay)
	m.relayLatency.DeleteLabelValues(relay)
	m.eventsReceived.DeleteLabelValues(relay)
}

func (m *Metrics) EventReceived(relay string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(relay).Inc()
	}
}

func (m *Metrics) EventRejected(reason string) {
	if m != nil {
		m.eventsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) EventDuplicate() {
	if m != nil {
		m.eventsDuplicate.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notificationsDropped.Inc()
	}
}

func (m *Metrics) SubscriptionsActive(n int) {
	if m != nil {
		m.subscriptionsActive.Set(float64(n))
	}
}

func (m *Metrics) PublishResult(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.publishResults.WithLabelValues("accepted").Inc()
	} else {
		m.publishResults.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) DatabaseError() {
	if m != nil {
		m.databaseErrors.Inc()
	}
}
