// Package metrics exposes Prometheus instruments for the supervisor, the
// notification hub, and the control transports.
//
// Every Collector owns its own registry so tests and multiple daemons in one
// process never collide on the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nodekeeper/internal/notify"
)

const namespace = "nodekeeper"

// States are the label values of the node_state gauge.
var States = []string{"stopped", "starting", "running", "stopping"}

// Collector implements the supervisor observer using Prometheus.
type Collector struct {
	registry *prometheus.Registry

	state                *prometheus.GaugeVec
	sessions             *prometheus.CounterVec
	commands             *prometheus.CounterVec
	commandDuration      *prometheus.HistogramVec
	notificationOverflow prometheus.Counter
	clients              *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_state",
				Help:      "Current supervisor state (1 for the active state)",
			},
			[]string{"state"},
		),
		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_sessions_total",
				Help:      "Node runs that ended, by outcome",
			},
			[]string{"outcome"},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands forwarded to the node, by kind and result",
			},
			[]string{"kind", "result"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command round trip time including queueing",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		notificationOverflow: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_queue_overflow_total",
				Help:      "Node notifications dropped because the session queue was full",
			},
		),
		clients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "control_clients",
				Help:      "Connected control clients by transport",
			},
			[]string{"transport"},
		),
	}
	c.StateChanged("stopped")
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StateChanged marks state as the active supervisor state.
func (c *Collector) StateChanged(state string) {
	for _, s := range States {
		value := 0.0
		if s == state {
			value = 1
		}
		c.state.WithLabelValues(s).Set(value)
	}
}

// SessionEnded counts a finished node run.
func (c *Collector) SessionEnded(outcome string) {
	c.sessions.WithLabelValues(outcome).Inc()
}

// CommandObserved records one command or configure call.
func (c *Collector) CommandObserved(kind, result string, elapsed time.Duration) {
	c.commands.WithLabelValues(kind, result).Inc()
	c.commandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// NotificationOverflow counts a notification dropped at the session queue.
func (c *Collector) NotificationOverflow() {
	c.notificationOverflow.Inc()
}

// ClientConnected adjusts the connected client gauge for transport.
func (c *Collector) ClientConnected(transport string, delta int) {
	c.clients.WithLabelValues(transport).Add(float64(delta))
}

// RegisterHub exports the hub counters.
func (c *Collector) RegisterHub(hub *notify.Hub) {
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_subscribers",
		Help:      "Live notification subscribers",
	}, func() float64 { return float64(hub.Stats().Subscribers) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_published_total",
		Help:      "Notifications published to subscribers",
	}, func() float64 { return float64(hub.Stats().Published) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_subscribers_dropped_total",
		Help:      "Subscribers dropped for not draining in time",
	}, func() float64 { return float64(hub.Stats().Dropped) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_sink_errors_total",
		Help:      "Notification sink failures",
	}, func() float64 { return float64(hub.Stats().SinkErrors) })
}
