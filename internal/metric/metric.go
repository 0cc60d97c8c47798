// Package metric collects process counters in Prometheus format.
// Scraped through the service endpoint, see internal/api.
package metric

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PulsesTotal     prometheus.Counter
	PublishesTotal  prometheus.Counter
	PublishFailures prometheus.Counter
	VolumeMlsTotal  prometheus.Counter
	SessionConnects prometheus.Counter
	SessionDrops    prometheus.Counter
	LinkReady       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		PulsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "sensor",
			Name:      "pulses_total",
			Help:      "Flow sensor edges drained into telemetry windows",
		}),
		PublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "telemetry",
			Name:      "publishes_total",
			Help:      "Telemetry windows confirmed delivered",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "telemetry",
			Name:      "publish_failures_total",
			Help:      "Telemetry publish attempts that will be retried",
		}),
		VolumeMlsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "telemetry",
			Name:      "volume_mls_total",
			Help:      "Reported volume in millilitres",
		}),
		SessionConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Broker session (re)connects",
		}),
		SessionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsense",
			Subsystem: "session",
			Name:      "drops_total",
			Help:      "Broker session disconnects",
		}),
		LinkReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowsense",
			Subsystem: "network",
			Name:      "link_ready",
			Help:      "1 while the transport has an IP address",
		}),
	}
}

func (m *Metrics) Register(r *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		m.PulsesTotal,
		m.PublishesTotal,
		m.PublishFailures,
		m.VolumeMlsTotal,
		m.SessionConnects,
		m.SessionDrops,
		m.LinkReady,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
