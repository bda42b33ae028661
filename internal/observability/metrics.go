package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Packets written to endpoints.",
		},
		[]string{"component"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Packets read from endpoints.",
		},
		[]string{"component"},
	)
	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes written to endpoints.",
		},
		[]string{"component"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Payload bytes read from endpoints.",
		},
		[]string{"component"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Endpoint connections established.",
		},
		[]string{"component"},
	)
	disconnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "disconnections_total",
			Help:      "Endpoint disconnections.",
		},
		[]string{"component"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport errors by component.",
		},
		[]string{"component"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packetsSent, packetsReceived, bytesSent, bytesReceived,
			connections, disconnections, transportErrors,
			httpRequests, httpDuration,
		)
	})
}

func RecordPacketSent(component string, payloadBytes int) {
	RegisterMetrics()
	packetsSent.WithLabelValues(component).Inc()
	bytesSent.WithLabelValues(component).Add(float64(payloadBytes))
}

func RecordPacketReceived(component string, payloadBytes int) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(component).Inc()
	bytesReceived.WithLabelValues(component).Add(float64(payloadBytes))
}

func RecordConnection(component string) {
	RegisterMetrics()
	connections.WithLabelValues(component).Inc()
}

func RecordDisconnection(component string) {
	RegisterMetrics()
	disconnections.WithLabelValues(component).Inc()
}

func RecordTransportError(component string) {
	RegisterMetrics()
	transportErrors.WithLabelValues(component).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
