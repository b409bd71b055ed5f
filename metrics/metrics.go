// Package metrics exposes Prometheus collectors mirroring hook.SysInfo, so
// OnSysInfoTick has a real collector to report into rather than a struct
// nobody reads.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of broker-wide counters and gauges. Registry is left
// to the caller (cmd/mqttbrokerd registers against prometheus.DefaultRegisterer,
// tests register against a private prometheus.NewRegistry()).
type Metrics struct {
	ClientsConnected    prometheus.Gauge
	ClientsTotal        prometheus.Counter
	ClientsDisconnected prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter

	Subscriptions prometheus.Gauge
	Retained      prometheus.Gauge
	Inflight      prometheus.Gauge
}

// New creates a Metrics bound to no registry; call Register before use.
func New() *Metrics {
	return &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttbroker",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients.",
		}),
		ClientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker",
			Name:      "clients_total",
			Help:      "Total number of client connections accepted.",
		}),
		ClientsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker",
			Name:      "clients_disconnected_total",
			Help:      "Total number of client disconnections.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker",
			Name:      "messages_received_total",
			Help:      "Total number of PUBLISH packets received from clients.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker",
			Name:      "messages_sent_total",
			Help:      "Total number of PUBLISH packets sent to clients.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped due to mailbox backpressure.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttbroker",
			Name:      "subscriptions",
			Help:      "Current number of active subscriptions.",
		}),
		Retained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttbroker",
			Name:      "retained_messages",
			Help:      "Current number of retained messages.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttbroker",
			Name:      "inflight_messages",
			Help:      "Current number of unacknowledged QoS 1/2 messages across all sessions.",
		}),
	}
}

// Register adds every collector to reg. Called once at startup.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ClientsConnected, m.ClientsTotal, m.ClientsDisconnected,
		m.MessagesReceived, m.MessagesSent, m.MessagesDropped,
		m.Subscriptions, m.Retained, m.Inflight,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
