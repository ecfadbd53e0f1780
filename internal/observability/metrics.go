package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control endpoint requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control endpoint request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Control endpoint requests currently being handled.",
		},
	)
	channelRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "channel",
			Name:      "records_total",
			Help:      "Shared channel records consumed by the agent worker.",
		},
		[]string{"message_type", "outcome"},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while the agent worker goroutine is running.",
		},
	)
	lifecyclePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "orchestrator",
			Name:      "phase",
			Help:      "1 for the orchestrator's current lifecycle phase.",
		},
		[]string{"phase"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, httpInFlight, channelRecords, workerRunning, lifecyclePhase)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordChannelRecord(messageType uint32, outcome string) {
	RegisterMetrics()
	channelRecords.WithLabelValues(strconv.FormatUint(uint64(messageType), 10), outcome).Inc()
}

func SetWorkerRunning(running bool) {
	RegisterMetrics()
	if running {
		workerRunning.Set(1)
		return
	}
	workerRunning.Set(0)
}

// SetLifecyclePhase flips the phase gauge so only the current phase reads 1.
func SetLifecyclePhase(previous, current string) {
	RegisterMetrics()
	if previous != "" {
		lifecyclePhase.WithLabelValues(previous).Set(0)
	}
	lifecyclePhase.WithLabelValues(current).Set(1)
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
