package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Requests forwarded over the bridge, by outcome.",
		},
		[]string{"outcome"},
	)
	bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Bridge round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	bridgePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshctl",
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "Requests sent and awaiting a reply.",
		},
	)
	bridgeUnmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "bridge",
			Name:      "unmatched_replies_total",
			Help:      "Replies dropped because no request was waiting.",
		},
	)
	registryApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshctl",
			Subsystem: "registry",
			Name:      "applications",
			Help:      "Applications currently registered.",
		},
	)
	registryMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Registry mutations by operation.",
		},
		[]string{"op"},
	)
	configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Hot reload attempts by reason and result.",
		},
		[]string{"reason", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			bridgeCalls, bridgeDuration, bridgePending, bridgeUnmatched,
			registryApps, registryMutations,
			configReloads,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordBridgeCall counts one completed, failed or abandoned round trip.
func RecordBridgeCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	bridgeCalls.WithLabelValues(outcome).Inc()
	bridgeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func SetBridgePending(n int) {
	RegisterMetrics()
	bridgePending.Set(float64(n))
}

func RecordUnmatchedReply() {
	RegisterMetrics()
	bridgeUnmatched.Inc()
}

func SetRegistryApplications(n int) {
	RegisterMetrics()
	registryApps.Set(float64(n))
}

func RecordRegistryMutation(op string) {
	RegisterMetrics()
	registryMutations.WithLabelValues(op).Inc()
}

func RecordConfigReload(reason string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	configReloads.WithLabelValues(reason, result).Inc()
}
