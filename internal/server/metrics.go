package server

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the echo server's Prometheus instrumentation. Grounded on the
// counter/gauge style of telemetry/global-monitor/internal/metrics in the
// teacher repo.
type metrics struct {
	packetsDropped *prometheus.CounterVec
	nonceReplays   prometheus.Counter
	knocksTotal    prometheus.Counter
	echoesTotal    prometheus.Counter
	sessionsActive prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bufferbane",
			Subsystem: "server",
			Name:      "packets_dropped_total",
			Help:      "Packets silently dropped by the echo server, by reason.",
		}, []string{"reason"}),
		nonceReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbane",
			Subsystem: "server",
			Name:      "nonce_replays_total",
			Help:      "ECHO_REQ packets rejected as nonce replays.",
		}),
		knocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbane",
			Subsystem: "server",
			Name:      "knocks_total",
			Help:      "Successful KNOCK handshakes completed.",
		}),
		echoesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbane",
			Subsystem: "server",
			Name:      "echoes_total",
			Help:      "ECHO_REQ packets successfully replied to.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bufferbane",
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Currently active sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsDropped, m.nonceReplays, m.knocksTotal, m.echoesTotal, m.sessionsActive)
	}
	return m
}
