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
			Namespace: "kernelmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	kernelsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelmesh",
			Subsystem: "pipeline",
			Name:      "kernels_routed_total",
			Help:      "Kernels dispatched by a pipeline, by route.",
		},
		[]string{"pipeline", "route"},
	)
	kernelsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelmesh",
			Subsystem: "pipeline",
			Name:      "kernels_recovered_total",
			Help:      "Buffered kernels recovered after connection loss, by action.",
		},
		[]string{"pipeline", "action"},
	)
	kernelsExecuted = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelmesh",
			Subsystem: "local",
			Name:      "kernel_duration_seconds",
			Help:      "Duration of kernel act/react calls on the local pipeline.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pipeline", "call", "result"},
	)
	connectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kernelmesh",
			Subsystem: "pipeline",
			Name:      "clients",
			Help:      "Connections registered with a pipeline.",
		},
		[]string{"pipeline"},
	)
	appExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelmesh",
			Subsystem: "process",
			Name:      "app_exits_total",
			Help:      "Application child processes that exited, by result.",
		},
		[]string{"pipeline", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			kernelsRouted,
			kernelsRecovered,
			kernelsExecuted,
			connectedClients,
			appExits,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRoute counts one dispatch decision (local, remote, broadcast, error).
func RecordRoute(pipeline, route string) {
	RegisterMetrics()
	kernelsRouted.WithLabelValues(pipeline, route).Inc()
}

func RecordRecovered(pipeline, action string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	kernelsRecovered.WithLabelValues(pipeline, action).Add(float64(n))
}

func RecordKernelCall(pipeline, call string, ok bool, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "panic"
	}
	kernelsExecuted.WithLabelValues(pipeline, call, result).Observe(duration.Seconds())
}

func SetClients(pipeline string, n int) {
	RegisterMetrics()
	connectedClients.WithLabelValues(pipeline).Set(float64(n))
}

func RecordAppExit(pipeline, result string) {
	RegisterMetrics()
	appExits.WithLabelValues(pipeline, result).Inc()
}
