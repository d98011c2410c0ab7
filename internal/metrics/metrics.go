// Package metrics holds the Prometheus collectors of one docsync database.
//
// Each database gets its own registry; nothing is registered globally, so
// several databases can live in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Metrics is the set of collectors for one database. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	writes *prometheus.CounterVec

	syncState      *prometheus.GaugeVec
	syncPushed     *prometheus.CounterVec
	syncPulled     *prometheus.CounterVec
	syncConflicts  *prometheus.CounterVec
	syncReconnects *prometheus.CounterVec
	syncResyncs    *prometheus.CounterVec

	busDelivered prometheus.Counter
	busDropped   prometheus.Counter
	busPanics    prometheus.Counter
	busObservers prometheus.Gauge
}

// New creates the collectors and registers them in a fresh registry.
// database is attached to every series as a constant label.
func New(database string) *Metrics {
	constLabels := prometheus.Labels{"database": database}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "writes_total",
			Help:        "Number of committed document writes",
			ConstLabels: constLabels,
		}, []string{
			"op",
			"origin",
		}),

		syncState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "state",
			Help:        "Replication state per endpoint (0 idle, 1 connecting, 2 streaming, 3 reconnecting)",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		syncPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "pushed_total",
			Help:        "Number of local changes acknowledged by the remote",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		syncPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "pulled_total",
			Help:        "Number of remote changes applied locally",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		syncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "conflicts_total",
			Help:        "Number of divergent revisions recorded as conflicts",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		syncReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "reconnects_total",
			Help:        "Number of reconnect attempts after a transport failure",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		syncResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "full_resyncs_total",
			Help:        "Number of full resyncs forced by a corrupt checkpoint or a truncated feed",
			ConstLabels: constLabels,
		}, []string{
			"endpoint",
		}),

		busDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "delivered_total",
			Help:        "Number of change events delivered to observers",
			ConstLabels: constLabels,
		}),

		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "dropped_total",
			Help:        "Number of change events dropped from full observer queues",
			ConstLabels: constLabels,
		}),

		busPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "observer_panics_total",
			Help:        "Number of recovered observer panics",
			ConstLabels: constLabels,
		}),

		busObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "observers",
			Help:        "Number of subscribed observers",
			ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		m.writes,
		m.syncState,
		m.syncPushed,
		m.syncPulled,
		m.syncConflicts,
		m.syncReconnects,
		m.syncResyncs,
		m.busDelivered,
		m.busDropped,
		m.busPanics,
		m.busObservers,
	)
	return m
}

// Registry returns the registry holding this database's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      m.registry,
	})
}

func (m *Metrics) Wrote(op, origin string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, origin).Inc()
}

func (m *Metrics) SyncState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.syncState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *Metrics) Pushed(endpoint string, n int) {
	if m == nil {
		return
	}
	m.syncPushed.WithLabelValues(endpoint).Add(float64(n))
}

func (m *Metrics) Pulled(endpoint string, n int) {
	if m == nil {
		return
	}
	m.syncPulled.WithLabelValues(endpoint).Add(float64(n))
}

func (m *Metrics) Conflict(endpoint string) {
	if m == nil {
		return
	}
	m.syncConflicts.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Reconnect(endpoint string) {
	if m == nil {
		return
	}
	m.syncReconnects.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) FullResync(endpoint string) {
	if m == nil {
		return
	}
	m.syncResyncs.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.busDelivered.Inc()
}

func (m *Metrics) Dropped(n int) {
	if m == nil {
		return
	}
	m.busDropped.Add(float64(n))
}

func (m *Metrics) ObserverPanicked() {
	if m == nil {
		return
	}
	m.busPanics.Inc()
}

func (m *Metrics) Observers(n int) {
	if m == nil {
		return
	}
	m.busObservers.Set(float64(n))
}
