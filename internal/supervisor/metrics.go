package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hand-registered gauges/counters on the default Prometheus registry,
// alongside the Hertz-level request metrics the monitor-prometheus tracer
// exports. /stability does not read them: GetStability reports the
// supervisor's own logged-in flag, reconnect count and error ring.
var (
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wxfhbridge",
		Name:      "reconnect_attempts_total",
		Help:      "Total reconnect attempts made by the supervisor after a loginout.",
	})

	heartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wxfhbridge",
		Name:      "heartbeat_latency_seconds",
		Help:      "Duration of each synccheck heartbeat tick.",
		Buckets:   prometheus.DefBuckets,
	})

	loggedInGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wxfhbridge",
		Name:      "logged_in",
		Help:      "1 if the protocol engine is currently authenticated, 0 otherwise.",
	})
)

func setLoggedInGauge(loggedIn bool) {
	if loggedIn {
		loggedInGauge.Set(1)
	} else {
		loggedInGauge.Set(0)
	}
}
